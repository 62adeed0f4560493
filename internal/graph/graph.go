// Package graph models workflow-designer payloads and computes structural
// diffs between two versions of a graph.
package graph

import (
	"encoding/json"
	"fmt"
)

type Node struct {
	ID     string          `json:"id"`
	Type   string          `json:"type,omitempty"`
	Label  string          `json:"label,omitempty"`
	X      float64         `json:"x"`
	Y      float64         `json:"y"`
	Config json.RawMessage `json:"config,omitempty"`
}

type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label,omitempty"`
}

type Payload struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

func Parse(raw []byte) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Payload{}, fmt.Errorf("parse graph payload: %w", err)
	}
	return payload, nil
}

func (p Payload) Marshal() ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal graph payload: %w", err)
	}
	return raw, nil
}

func (p Payload) nodeIndex() map[string]Node {
	index := make(map[string]Node, len(p.Nodes))
	for _, node := range p.Nodes {
		index[node.ID] = node
	}
	return index
}

func (p Payload) edgeIndex() map[string]Edge {
	index := make(map[string]Edge, len(p.Edges))
	for _, edge := range p.Edges {
		index[edge.ID] = edge
	}
	return index
}
