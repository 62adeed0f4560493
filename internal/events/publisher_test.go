package events

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"atrium/api/internal/presence"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
)

func testRef() presence.EntityRef {
	return presence.EntityRef{Type: "workflow", ID: "wf-1", Tenant: "acme"}
}

func TestMutationAppliedPublishesKeyedEvent(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "acme/workflow/wf-1" {
			t.Errorf("partition key: got %q", key)
		}
		raw, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			return err
		}
		if event.Kind != KindMutationApplied || event.Version != 3 || event.ActorID != "u1" {
			t.Errorf("event: got %+v", event)
		}
		return nil
	})

	publisher := NewPublisherWithProducer(producer, "atrium.collab.events")
	publisher.MutationApplied(testRef(), presence.OpNodeUpsert, []byte(`{"id":"n1"}`), 3, "u1")

	if err := publisher.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

// A retried send must not let the next event for the same entity overtake
// the one still being delivered.
func TestRetryKeepsPerEntityOrder(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	var delivered []uint64
	record := func(msg *sarama.ProducerMessage) error {
		raw, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			return err
		}
		delivered = append(delivered, event.Version)
		return nil
	}
	producer.ExpectSendMessageAndFail(errors.New("broker unavailable"))
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(record)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(record)

	publisher := NewPublisherWithProducer(producer, "atrium.collab.events")
	publisher.baseBackoff = time.Millisecond
	publisher.MutationApplied(testRef(), presence.OpNodeUpsert, []byte(`{"id":"n5"}`), 5, "u1")
	publisher.MutationApplied(testRef(), presence.OpNodeUpsert, []byte(`{"id":"n6"}`), 6, "u1")

	if err := publisher.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if len(delivered) != 2 || delivered[0] != 5 || delivered[1] != 6 {
		t.Fatalf("versions delivered out of order: %v", delivered)
	}
}

func TestProposalDecidedKinds(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	kinds := make(chan string, 2)
	checker := func(msg *sarama.ProducerMessage) error {
		raw, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			return err
		}
		kinds <- event.Kind
		return nil
	}
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(checker)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(checker)

	publisher := NewPublisherWithProducer(producer, "atrium.collab.events")
	publisher.ProposalDecided(testRef(), "prop-1", "APPROVED", "u2")
	publisher.ProposalDecided(testRef(), "prop-2", "REJECTED", "u2")

	if err := publisher.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	got := map[string]bool{<-kinds: true, <-kinds: true}
	if !got[KindProposalApproved] || !got[KindProposalRejected] {
		t.Errorf("expected one approved and one rejected event, got %v", got)
	}
}
