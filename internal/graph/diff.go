package graph

import (
	"bytes"
	"sort"
)

// Diff is a structural comparison of two graph payloads: node/edge set
// difference plus in-place changes, not a textual diff.
type Diff struct {
	AddedNodes   []Node `json:"addedNodes"`
	RemovedNodes []Node `json:"removedNodes"`
	ChangedNodes []Node `json:"changedNodes"`
	AddedEdges   []Edge `json:"addedEdges"`
	RemovedEdges []Edge `json:"removedEdges"`
	ChangedEdges []Edge `json:"changedEdges"`
}

func (d Diff) Empty() bool {
	return len(d.AddedNodes) == 0 && len(d.RemovedNodes) == 0 && len(d.ChangedNodes) == 0 &&
		len(d.AddedEdges) == 0 && len(d.RemovedEdges) == 0 && len(d.ChangedEdges) == 0
}

// Compare diffs from (the baseline) against to (the candidate). Changed
// entries carry the candidate's state.
func Compare(from, to Payload) Diff {
	var diff Diff

	fromNodes := from.nodeIndex()
	toNodes := to.nodeIndex()
	for _, node := range to.Nodes {
		prev, ok := fromNodes[node.ID]
		if !ok {
			diff.AddedNodes = append(diff.AddedNodes, node)
			continue
		}
		if !nodesEqual(prev, node) {
			diff.ChangedNodes = append(diff.ChangedNodes, node)
		}
	}
	for _, node := range from.Nodes {
		if _, ok := toNodes[node.ID]; !ok {
			diff.RemovedNodes = append(diff.RemovedNodes, node)
		}
	}

	fromEdges := from.edgeIndex()
	toEdges := to.edgeIndex()
	for _, edge := range to.Edges {
		prev, ok := fromEdges[edge.ID]
		if !ok {
			diff.AddedEdges = append(diff.AddedEdges, edge)
			continue
		}
		if prev != edge {
			diff.ChangedEdges = append(diff.ChangedEdges, edge)
		}
	}
	for _, edge := range from.Edges {
		if _, ok := toEdges[edge.ID]; !ok {
			diff.RemovedEdges = append(diff.RemovedEdges, edge)
		}
	}

	sortNodes(diff.AddedNodes)
	sortNodes(diff.RemovedNodes)
	sortNodes(diff.ChangedNodes)
	sortEdges(diff.AddedEdges)
	sortEdges(diff.RemovedEdges)
	sortEdges(diff.ChangedEdges)
	return diff
}

func nodesEqual(a, b Node) bool {
	return a.ID == b.ID && a.Type == b.Type && a.Label == b.Label &&
		a.X == b.X && a.Y == b.Y && bytes.Equal(a.Config, b.Config)
}

func sortNodes(nodes []Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
}

func sortEdges(edges []Edge) {
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
}
