package core

import (
	"cmp"
	"fmt"
	"slices"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/topo"

	"trackcore/internal/segmentation"
	"trackcore/pkg/domain"
)

// Assignment is the outcome of tracklet derivation.
type Assignment struct {
	// Tracklets maps every detection to its tracklet id.
	Tracklets map[domain.NodeID]int
	// InterTrackLinks are the outgoing links of division points, ordered by
	// source then target.
	InterTrackLinks []domain.Edge
	// MaxID is the largest id handed out, or startID-1 for an empty store.
	MaxID int
}

// DivisionPoints returns the detections with two or more outgoing links in
// ascending id order.
func DivisionPoints(s *Store) []domain.NodeID {
	var out []domain.NodeID
	for _, id := range s.DetectionIDs() {
		if s.OutDegree(id) >= 2 {
			out = append(out, id)
		}
	}
	return out
}

// AssignTracklets partitions the store into tracklets: the weakly connected
// components left after hiding every outgoing link of every division point.
// Components are numbered from startID in ascending order of their smallest
// detection id, so identical graphs always receive identical numbering.
func AssignTracklets(s *Store, startID int) Assignment {
	divisions := DivisionPoints(s)
	isDivision := make(map[domain.NodeID]bool, len(divisions))
	var inter []domain.Edge
	for _, id := range divisions {
		isDivision[id] = true
		for _, child := range s.Successors(id) {
			inter = append(inter, domain.Edge{Source: id, Target: child})
		}
	}
	slices.SortFunc(inter, compareEdges)

	view := directedView{s: s, cut: func(id domain.NodeID) bool { return isDivision[id] }}
	components := topo.ConnectedComponents(graph.Undirect{G: view})

	members := make([][]domain.NodeID, len(components))
	for i, comp := range components {
		ids := make([]domain.NodeID, len(comp))
		for j, n := range comp {
			ids[j] = domain.NodeID(n.ID())
		}
		slices.Sort(ids)
		members[i] = ids
	}
	slices.SortFunc(members, func(a, b []domain.NodeID) int { return cmp.Compare(a[0], b[0]) })

	out := Assignment{
		Tracklets:       make(map[domain.NodeID]int, s.NodeCount()),
		InterTrackLinks: inter,
		MaxID:           startID - 1,
	}
	for i, ids := range members {
		tid := startID + i
		for _, id := range ids {
			out.Tracklets[id] = tid
		}
		out.MaxID = tid
	}
	return out
}

// ApplyAssignment writes tracklet ids into the store.
func ApplyAssignment(s *Store, a Assignment) error {
	for _, id := range s.DetectionIDs() {
		tid, ok := a.Tracklets[id]
		if !ok {
			return domain.ValidationError{Entity: domain.EntityDetection, ID: fmt.Sprint(id), Reason: "not covered by tracklet assignment"}
		}
		if err := s.SetTrackletID(id, tid); err != nil {
			return err
		}
	}
	return nil
}

// InitializeTracklets assigns tracklet ids when any detection lacks one.
// Stores whose detections all carry ids keep them.
func InitializeTracklets(s *Store) error {
	for _, d := range s.Detections() {
		if d.TrackletID == 0 {
			return ApplyAssignment(s, AssignTracklets(s, 1))
		}
	}
	return nil
}

// NewSolutionStore wraps a solver or importer result in a fresh store and
// derives tracklet ids.
func NewSolutionStore(meta domain.Metadata, seg *segmentation.LabelArray, out domain.SolverOutput) (*Store, error) {
	s, err := NewStore(meta, seg)
	if err != nil {
		return nil, err
	}
	if err := s.AddDetections(out.Detections); err != nil {
		return nil, err
	}
	if err := s.AddLinks(out.Links); err != nil {
		return nil, err
	}
	if err := InitializeTracklets(s); err != nil {
		return nil, err
	}
	return s, nil
}
