package lineage

import (
	"cmp"
	"slices"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/traverse"

	"trackcore/pkg/domain"
)

// Source is the read-only view of a tracking store the layout needs.
type Source interface {
	Detections() []domain.Detection
	Successors(id domain.NodeID) []domain.NodeID
	Predecessors(id domain.NodeID) []domain.NodeID
	Graph() graph.Directed
}

// NodeState classifies a detection within its tracklet.
type NodeState string

const (
	StateSplit    NodeState = "split"
	StateEnd      NodeState = "end"
	StateContinue NodeState = "continue"
)

// Row is one detection of the lineage table.
type Row struct {
	Time             int
	Node             domain.NodeID
	TrackletID       int
	Parent           domain.NodeID
	HasParent        bool
	ParentTrackletID int
	State            NodeState
	Position         []float64
	Area             float64
	XPos             int
}

// Layout is the lineage table of a store with its horizontal ordering.
type Layout struct {
	Rows    []Row
	Records []Record
	Order   []int

	position map[int]int
}

// Build tabulates every detection of src grouped by tracklet and orders the
// tracklets, keeping roots from prev in place where possible.
func Build(src Source, prev *Previous) Layout {
	dets := src.Detections()
	slices.SortFunc(dets, func(a, b domain.Detection) int {
		if c := cmp.Compare(a.TrackletID, b.TrackletID); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Time, b.Time); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	trackOf := make(map[domain.NodeID]int, len(dets))
	for _, d := range dets {
		trackOf[d.ID] = d.TrackletID
	}

	var l Layout
	for i := 0; i < len(dets); {
		j := i
		for j < len(dets) && dets[j].TrackletID == dets[i].TrackletID {
			j++
		}
		run := dets[i:j]
		parentTrack := 0
		if preds := src.Predecessors(run[0].ID); len(preds) > 0 {
			parentTrack = trackOf[preds[0]]
		}
		for _, d := range run {
			row := Row{
				Time:             d.Time,
				Node:             d.ID,
				TrackletID:       d.TrackletID,
				ParentTrackletID: parentTrack,
				Position:         slices.Clone(d.Position),
			}
			if preds := src.Predecessors(d.ID); len(preds) > 0 {
				row.Parent, row.HasParent = preds[0], true
			}
			switch n := len(src.Successors(d.ID)); {
			case n > 1:
				row.State = StateSplit
			case n == 0:
				row.State = StateEnd
			default:
				row.State = StateContinue
			}
			if d.Area != nil {
				row.Area = *d.Area
			}
			l.Rows = append(l.Rows, row)
		}
		l.Records = append(l.Records, Record{
			TrackletID:       run[0].TrackletID,
			ParentTrackletID: parentTrack,
			Representative:   run[len(run)-1].ID,
		})
		i = j
	}

	l.Order = Order(l.Records, prev)
	l.position = make(map[int]int, len(l.Order))
	for i, id := range l.Order {
		l.position[id] = i
	}
	for i := range l.Rows {
		l.Rows[i].XPos = l.position[l.Rows[i].TrackletID]
	}
	return l
}

// Position returns the horizontal position of a tracklet.
func (l Layout) Position(trackletID int) (int, bool) {
	pos, ok := l.position[trackletID]
	return pos, ok
}

// Previous captures the placement to pass to the next Build.
func (l Layout) Previous() *Previous {
	prev := &Previous{
		Order:     slices.Clone(l.Order),
		Roots:     make(map[int]struct{}),
		Positions: make(map[domain.NodeID]int, len(l.Rows)),
	}
	for _, r := range l.Records {
		if _, ok := l.position[r.ParentTrackletID]; r.ParentTrackletID == 0 || !ok {
			prev.Roots[r.TrackletID] = struct{}{}
		}
	}
	for _, row := range l.Rows {
		prev.Positions[row.Node] = row.XPos
	}
	return prev
}

// Extract returns the whole lineage containing node: the root reached by
// following first predecessors, and everything downstream of it, sorted.
func Extract(src Source, node domain.NodeID) []domain.NodeID {
	root := node
	seen := map[domain.NodeID]struct{}{root: {}}
	for {
		preds := src.Predecessors(root)
		if len(preds) == 0 {
			break
		}
		if _, loop := seen[preds[0]]; loop {
			break
		}
		root = preds[0]
		seen[root] = struct{}{}
	}

	g := src.Graph()
	if g.Node(int64(root)) == nil {
		return nil
	}
	var out []domain.NodeID
	dfs := traverse.DepthFirst{
		Visit: func(n graph.Node) { out = append(out, domain.NodeID(n.ID())) },
	}
	dfs.Walk(g, simple.Node(root), nil)
	slices.Sort(out)
	return out
}
