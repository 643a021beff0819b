package core

import (
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/iterator"
	"gonum.org/v1/gonum/graph/simple"

	"trackcore/pkg/domain"
)

// Graph returns a read-only gonum view of the store.
func (s *Store) Graph() graph.Directed {
	return directedView{s: s}
}

// directedView adapts the store to graph.Directed. When cut is set, the
// outgoing links of every detection it matches are hidden.
type directedView struct {
	s   *Store
	cut func(domain.NodeID) bool
}

var _ graph.Directed = directedView{}

func (v directedView) hidden(from domain.NodeID) bool {
	return v.cut != nil && v.cut(from)
}

func (v directedView) Node(id int64) graph.Node {
	if !v.s.HasDetection(domain.NodeID(id)) {
		return nil
	}
	return simple.Node(id)
}

func (v directedView) Nodes() graph.Nodes {
	ids := v.s.DetectionIDs()
	if len(ids) == 0 {
		return graph.Empty
	}
	return iterator.NewOrderedNodes(toNodes(ids))
}

func (v directedView) From(id int64) graph.Nodes {
	nid := domain.NodeID(id)
	if v.hidden(nid) {
		return graph.Empty
	}
	succ := v.s.Successors(nid)
	if len(succ) == 0 {
		return graph.Empty
	}
	return iterator.NewOrderedNodes(toNodes(succ))
}

func (v directedView) To(id int64) graph.Nodes {
	var preds []domain.NodeID
	for _, p := range v.s.Predecessors(domain.NodeID(id)) {
		if !v.hidden(p) {
			preds = append(preds, p)
		}
	}
	if len(preds) == 0 {
		return graph.Empty
	}
	return iterator.NewOrderedNodes(toNodes(preds))
}

func (v directedView) HasEdgeBetween(xid, yid int64) bool {
	return v.HasEdgeFromTo(xid, yid) || v.HasEdgeFromTo(yid, xid)
}

func (v directedView) HasEdgeFromTo(uid, vid int64) bool {
	from := domain.NodeID(uid)
	return !v.hidden(from) && v.s.HasLink(domain.Edge{Source: from, Target: domain.NodeID(vid)})
}

func (v directedView) Edge(uid, vid int64) graph.Edge {
	if !v.HasEdgeFromTo(uid, vid) {
		return nil
	}
	return simple.Edge{F: simple.Node(uid), T: simple.Node(vid)}
}

func toNodes(ids []domain.NodeID) []graph.Node {
	nodes := make([]graph.Node, len(ids))
	for i, id := range ids {
		nodes[i] = simple.Node(id)
	}
	return nodes
}
