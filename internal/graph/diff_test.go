package graph

import (
	"encoding/json"
	"testing"
)

func TestCompareDetectsAddedRemovedChanged(t *testing.T) {
	from := Payload{
		Nodes: []Node{
			{ID: "n1", Type: "start", X: 0, Y: 0},
			{ID: "n2", Type: "task", Label: "Review", X: 100, Y: 50},
			{ID: "n3", Type: "end", X: 200, Y: 0},
		},
		Edges: []Edge{
			{ID: "e1", Source: "n1", Target: "n2"},
			{ID: "e2", Source: "n2", Target: "n3"},
		},
	}
	to := Payload{
		Nodes: []Node{
			{ID: "n1", Type: "start", X: 0, Y: 0},
			{ID: "n2", Type: "task", Label: "Approve", X: 100, Y: 50},
			{ID: "n4", Type: "task", Label: "Notify", X: 150, Y: 100},
		},
		Edges: []Edge{
			{ID: "e1", Source: "n1", Target: "n2"},
			{ID: "e3", Source: "n2", Target: "n4"},
		},
	}

	diff := Compare(from, to)

	if len(diff.AddedNodes) != 1 || diff.AddedNodes[0].ID != "n4" {
		t.Errorf("added nodes: got %+v", diff.AddedNodes)
	}
	if len(diff.RemovedNodes) != 1 || diff.RemovedNodes[0].ID != "n3" {
		t.Errorf("removed nodes: got %+v", diff.RemovedNodes)
	}
	if len(diff.ChangedNodes) != 1 || diff.ChangedNodes[0].ID != "n2" || diff.ChangedNodes[0].Label != "Approve" {
		t.Errorf("changed nodes: got %+v", diff.ChangedNodes)
	}
	if len(diff.AddedEdges) != 1 || diff.AddedEdges[0].ID != "e3" {
		t.Errorf("added edges: got %+v", diff.AddedEdges)
	}
	if len(diff.RemovedEdges) != 1 || diff.RemovedEdges[0].ID != "e2" {
		t.Errorf("removed edges: got %+v", diff.RemovedEdges)
	}
	if len(diff.ChangedEdges) != 0 {
		t.Errorf("changed edges: got %+v", diff.ChangedEdges)
	}
}

func TestCompareIdenticalPayloadsIsEmpty(t *testing.T) {
	payload := Payload{
		Nodes: []Node{{ID: "n1", Config: json.RawMessage(`{"retries":3}`)}},
		Edges: []Edge{{ID: "e1", Source: "n1", Target: "n1"}},
	}
	if diff := Compare(payload, payload); !diff.Empty() {
		t.Errorf("expected empty diff, got %+v", diff)
	}
}

func TestCompareConfigChangeMarksNodeChanged(t *testing.T) {
	from := Payload{Nodes: []Node{{ID: "n1", Config: json.RawMessage(`{"retries":3}`)}}}
	to := Payload{Nodes: []Node{{ID: "n1", Config: json.RawMessage(`{"retries":5}`)}}}
	diff := Compare(from, to)
	if len(diff.ChangedNodes) != 1 {
		t.Fatalf("expected one changed node, got %+v", diff)
	}
}

func TestParseRoundTrip(t *testing.T) {
	payload := Payload{
		Nodes: []Node{{ID: "n1", Type: "start"}},
		Edges: []Edge{{ID: "e1", Source: "n1", Target: "n1"}},
	}
	raw, err := payload.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	parsed, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if diff := Compare(payload, parsed); !diff.Empty() {
		t.Errorf("round-trip changed payload: %+v", diff)
	}
}

func TestParseRejectsMalformedJSON(t *testing.T) {
	if _, err := Parse([]byte(`{"nodes":`)); err == nil {
		t.Error("expected error for malformed payload")
	}
}
