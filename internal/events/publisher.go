// Package events streams collaboration events (accepted mutations, proposal
// decisions) to Kafka for downstream consumers. Delivery is loss-tolerant:
// the authoritative state lives in the rooms and the history store, so a
// dropped event is recovered by the next snapshot fetch.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"atrium/api/internal/presence"

	"github.com/IBM/sarama"
)

const (
	KindMutationApplied  = "mutation_applied"
	KindProposalApproved = "proposal_approved"
	KindProposalRejected = "proposal_rejected"
)

type Event struct {
	Kind       string          `json:"kind"`
	Tenant     string          `json:"tenant"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Version    uint64          `json:"version,omitempty"`
	Op         string          `json:"op,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ProposalID string          `json:"proposalId,omitempty"`
	ActorID    string          `json:"actorId"`
	At         time.Time       `json:"at"`
}

// Publisher pushes events through a bounded local queue to Kafka. Enqueueing
// never blocks the caller; when the queue is full the event is dropped and
// logged. Events for one entity share a partition key, and a single send
// worker drains the queue, so per-entity order holds end to end even across
// retries.
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
	queue    chan Event
	wg       sync.WaitGroup

	maxRetry    int
	baseBackoff time.Duration
}

// NewPublisher connects to the brokers ("host:port,host:port") and starts the
// send worker.
func NewPublisher(brokers, topic string) (*Publisher, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal

	producer, err := sarama.NewSyncProducer(strings.Split(brokers, ","), cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewPublisherWithProducer(producer, topic), nil
}

// NewPublisherWithProducer wraps an existing producer; used by tests.
func NewPublisherWithProducer(producer sarama.SyncProducer, topic string) *Publisher {
	p := &Publisher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan Event, 256),
		maxRetry:    3,
		baseBackoff: 100 * time.Millisecond,
	}
	// One worker only: concurrent workers would let a later event overtake
	// an earlier one for the same entity while the earlier send is retrying.
	p.wg.Add(1)
	go p.worker()
	return p
}

// MutationApplied implements presence.EventSink.
func (p *Publisher) MutationApplied(ref presence.EntityRef, op presence.OpType, payload json.RawMessage, version uint64, userID string) {
	p.enqueue(Event{
		Kind:       KindMutationApplied,
		Tenant:     ref.Tenant,
		EntityType: ref.Type,
		EntityID:   ref.ID,
		Version:    version,
		Op:         string(op),
		Payload:    payload,
		ActorID:    userID,
		At:         time.Now(),
	})
}

// ProposalDecided publishes a governance decision.
func (p *Publisher) ProposalDecided(ref presence.EntityRef, proposalID, decision, actorID string) {
	kind := KindProposalRejected
	if decision == "APPROVED" {
		kind = KindProposalApproved
	}
	p.enqueue(Event{
		Kind:       kind,
		Tenant:     ref.Tenant,
		EntityType: ref.Type,
		EntityID:   ref.ID,
		ProposalID: proposalID,
		ActorID:    actorID,
		At:         time.Now(),
	})
}

func (p *Publisher) enqueue(event Event) {
	select {
	case p.queue <- event:
	default:
		log.Printf("events: queue full, dropping %s for %s/%s/%s", event.Kind, event.Tenant, event.EntityType, event.EntityID)
	}
}

func (p *Publisher) worker() {
	defer p.wg.Done()
	for event := range p.queue {
		p.sendWithRetry(event)
	}
}

func (p *Publisher) sendWithRetry(event Event) {
	value, err := json.Marshal(event)
	if err != nil {
		log.Printf("events: marshal %s: %v", event.Kind, err)
		return
	}
	key := event.Tenant + "/" + event.EntityType + "/" + event.EntityID

	backoff := p.baseBackoff
	for attempt := 0; attempt <= p.maxRetry; attempt++ {
		_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
			Topic: p.topic,
			Key:   sarama.StringEncoder(key),
			Value: sarama.ByteEncoder(value),
		})
		if err == nil {
			return
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	log.Printf("events: giving up on %s for %s after %d attempts: %v", event.Kind, key, p.maxRetry+1, err)
}

// Close drains the queue, stops the worker and closes the producer.
func (p *Publisher) Close() error {
	close(p.queue)
	p.wg.Wait()
	return p.producer.Close()
}
