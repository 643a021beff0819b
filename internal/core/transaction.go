package core

import (
	"fmt"
	"slices"

	"trackcore/internal/segmentation"
	"trackcore/pkg/domain"
)

// journal collects undo steps and change records for the active transaction.
type journal struct {
	undo    []func()
	changes []domain.Change
}

func (j *journal) rollback() {
	for i := len(j.undo) - 1; i >= 0; i-- {
		j.undo[i]()
	}
}

func (s *Store) record(undo func()) {
	if s.journal != nil {
		s.journal.undo = append(s.journal.undo, undo)
	}
}

func (s *Store) change(c domain.Change) {
	if s.journal != nil {
		s.journal.changes = append(s.journal.changes, c)
	}
}

// InTransaction reports whether a transaction is active.
func (s *Store) InTransaction() bool { return s.journal != nil }

// RunInTransaction executes fn with every store mutation journaled. When fn
// returns an error (or panics) the journal is replayed backwards and the
// store is left exactly as it was. Nested calls join the outer transaction.
// On success the recorded changes are returned.
func (s *Store) RunInTransaction(fn func() error) (changes []domain.Change, err error) {
	if s.journal != nil {
		return nil, fn()
	}
	j := &journal{}
	s.journal = j
	committed := false
	defer func() {
		s.journal = nil
		if !committed {
			j.rollback()
		}
	}()
	if err := fn(); err != nil {
		return nil, err
	}
	committed = true
	return j.changes, nil
}

// State is a plain value copy of a store, used for persistence and
// comparisons.
type State struct {
	Metadata     domain.Metadata
	Detections   []domain.Detection
	Links        []domain.Link
	Segmentation *segmentation.LabelArray
}

// State returns a deep copy of the store contents.
func (s *Store) State() State {
	st := State{
		Metadata:   s.meta.Clone(),
		Detections: s.Detections(),
		Links:      s.Links(),
	}
	if s.seg != nil {
		st.Segmentation = s.seg.Clone()
	}
	return st
}

// FromState rebuilds a store from a state value. Links are added after every
// detection so their order in the state does not matter.
func FromState(st State) (*Store, error) {
	s, err := NewStore(st.Metadata, st.Segmentation)
	if err != nil {
		return nil, err
	}
	if err := s.AddDetections(st.Detections); err != nil {
		return nil, fmt.Errorf("restore detections: %w", err)
	}
	if err := s.AddLinks(st.Links); err != nil {
		return nil, fmt.Errorf("restore links: %w", err)
	}
	return s, nil
}

// Validate checks the structural invariants of the store: adjacency agrees
// with the link set, positions share one dimensionality, and with a
// segmentation every detection owns a non-empty cell set that no other
// detection at the same time shares.
func (s *Store) Validate() error {
	for e := range s.links {
		src, okS := s.nodes[e.Source]
		dst, okT := s.nodes[e.Target]
		if !okS || !okT {
			return domain.ValidationError{Entity: domain.EntityLink, ID: fmt.Sprintf("%d->%d", e.Source, e.Target), Reason: "dangling endpoint"}
		}
		if !slices.Contains(src.succ, e.Target) || !slices.Contains(dst.pred, e.Source) {
			return domain.ValidationError{Entity: domain.EntityLink, ID: fmt.Sprintf("%d->%d", e.Source, e.Target), Reason: "adjacency out of sync"}
		}
	}
	type frameLabel struct {
		time  int
		label uint64
	}
	owners := make(map[frameLabel]domain.NodeID)
	for _, id := range s.DetectionIDs() {
		n := s.nodes[id]
		for _, t := range n.succ {
			if _, ok := s.links[domain.Edge{Source: id, Target: t}]; !ok {
				return domain.ValidationError{Entity: domain.EntityDetection, ID: fmt.Sprint(id), Reason: "successor without link"}
			}
		}
		if err := s.checkAttrs(fmt.Sprint(id), n.det.DetectionAttrs, s.meta.NDim); err != nil {
			return err
		}
		if s.seg == nil {
			continue
		}
		key := frameLabel{n.det.Time, n.det.SegID}
		if other, dup := owners[key]; dup {
			return domain.ValidationError{Entity: domain.EntityDetection, ID: fmt.Sprint(id), Reason: fmt.Sprintf("shares label %d with detection %d at time %d", key.label, other, key.time)}
		}
		owners[key] = id
		cells, err := s.seg.CellsOf(n.det.Time, n.det.SegID)
		if err != nil {
			return err
		}
		if cells.IsEmpty() {
			return domain.ValidationError{Entity: domain.EntityDetection, ID: fmt.Sprint(id), Reason: fmt.Sprintf("label %d has no cells at time %d", key.label, key.time)}
		}
	}
	return nil
}
