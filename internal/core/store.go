package core

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"trackcore/internal/segmentation"
	"trackcore/pkg/domain"
)

// ErrTransactionActive is returned when a store is replaced or cloned while a
// transaction is in flight.
var ErrTransactionActive = errors.New("transaction in progress")

type nodeEntry struct {
	det  domain.Detection
	succ []domain.NodeID
	pred []domain.NodeID
}

// Store is the in-memory tracking store: a directed graph of detections and
// links, an optional dense label array, and coordinate metadata. It is not
// safe for concurrent mutation; callers serialize access.
type Store struct {
	nodes    map[domain.NodeID]*nodeEntry
	links    map[domain.Edge]domain.LinkAttrs
	seg      *segmentation.LabelArray
	meta     domain.Metadata
	maxTrack int
	maxNode  domain.NodeID
	journal  *journal
}

// NewStore constructs an empty store. seg may be nil. When a segmentation is
// supplied and meta.NDim is zero the dimensionality is taken from it.
func NewStore(meta domain.Metadata, seg *segmentation.LabelArray) (*Store, error) {
	meta = meta.Clone()
	if seg != nil {
		if meta.NDim == 0 {
			meta.NDim = seg.SpatialDims()
		}
		if meta.NDim != seg.SpatialDims() {
			return nil, domain.ValidationError{
				Entity: domain.EntitySegmentation,
				Reason: fmt.Sprintf("segmentation has %d spatial axes, store positions have %d", seg.SpatialDims(), meta.NDim),
			}
		}
		if meta.Scale != nil && len(meta.Scale) != len(seg.Shape()) {
			return nil, domain.ValidationError{
				Entity: domain.EntitySegmentation,
				Reason: fmt.Sprintf("scale %v does not match segmentation shape %v", meta.Scale, seg.Shape()),
			}
		}
	}
	return &Store{
		nodes: make(map[domain.NodeID]*nodeEntry),
		links: make(map[domain.Edge]domain.LinkAttrs),
		seg:   seg,
		meta:  meta,
	}, nil
}

// NewEmptyStore constructs a store without segmentation for positions of the
// given dimensionality (zero lets the first detection decide).
func NewEmptyStore(ndim int) *Store {
	s, _ := NewStore(domain.DefaultMetadata(ndim), nil)
	return s
}

// Metadata returns a copy of the coordinate metadata.
func (s *Store) Metadata() domain.Metadata { return s.meta.Clone() }

// Segmentation returns the label array or nil. The array must only be
// modified through ApplyPatch.
func (s *Store) Segmentation() *segmentation.LabelArray { return s.seg }

// HasSegmentation reports whether the store carries a label array.
func (s *Store) HasSegmentation() bool { return s.seg != nil }

// NodeCount is the number of detections.
func (s *Store) NodeCount() int { return len(s.nodes) }

// LinkCount is the number of links.
func (s *Store) LinkCount() int { return len(s.links) }

// HasDetection reports whether id is present.
func (s *Store) HasDetection(id domain.NodeID) bool {
	_, ok := s.nodes[id]
	return ok
}

// HasLink reports whether e is present.
func (s *Store) HasLink(e domain.Edge) bool {
	_, ok := s.links[e]
	return ok
}

func (s *Store) entry(id domain.NodeID) (*nodeEntry, error) {
	n, ok := s.nodes[id]
	if !ok {
		return nil, domain.MissingDetection(id)
	}
	return n, nil
}

// Detection returns a copy of the detection.
func (s *Store) Detection(id domain.NodeID) (domain.Detection, error) {
	n, err := s.entry(id)
	if err != nil {
		return domain.Detection{}, err
	}
	return n.det.Clone(), nil
}

// Time returns the frame index of a detection.
func (s *Store) Time(id domain.NodeID) (int, error) {
	n, err := s.entry(id)
	if err != nil {
		return 0, err
	}
	return n.det.Time, nil
}

// Position returns a copy of the detection position.
func (s *Store) Position(id domain.NodeID) ([]float64, error) {
	n, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	return slices.Clone(n.det.Position), nil
}

// TrackletID returns the tracklet a detection belongs to.
func (s *Store) TrackletID(id domain.NodeID) (int, error) {
	n, err := s.entry(id)
	if err != nil {
		return 0, err
	}
	return n.det.TrackletID, nil
}

// SegmentationID returns the label of a detection, zero when it has none.
func (s *Store) SegmentationID(id domain.NodeID) (uint64, error) {
	n, err := s.entry(id)
	if err != nil {
		return 0, err
	}
	return n.det.SegID, nil
}

// Link returns a copy of the link.
func (s *Store) Link(e domain.Edge) (domain.Link, error) {
	attrs, ok := s.links[e]
	if !ok {
		return domain.Link{}, domain.MissingLink(e)
	}
	return domain.Link{Edge: e, LinkAttrs: attrs.Clone()}, nil
}

// Successors returns the targets of outgoing links in insertion order.
func (s *Store) Successors(id domain.NodeID) []domain.NodeID {
	if n, ok := s.nodes[id]; ok {
		return slices.Clone(n.succ)
	}
	return nil
}

// Predecessors returns the sources of incoming links in insertion order.
func (s *Store) Predecessors(id domain.NodeID) []domain.NodeID {
	if n, ok := s.nodes[id]; ok {
		return slices.Clone(n.pred)
	}
	return nil
}

// OutDegree counts outgoing links.
func (s *Store) OutDegree(id domain.NodeID) int {
	if n, ok := s.nodes[id]; ok {
		return len(n.succ)
	}
	return 0
}

// InDegree counts incoming links.
func (s *Store) InDegree(id domain.NodeID) int {
	if n, ok := s.nodes[id]; ok {
		return len(n.pred)
	}
	return 0
}

// DetectionIDs returns every detection id in ascending order.
func (s *Store) DetectionIDs() []domain.NodeID {
	ids := make([]domain.NodeID, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Detections returns copies of every detection ordered by id.
func (s *Store) Detections() []domain.Detection {
	ids := s.DetectionIDs()
	out := make([]domain.Detection, len(ids))
	for i, id := range ids {
		out[i] = s.nodes[id].det.Clone()
	}
	return out
}

// Links returns copies of every link ordered by source then target.
func (s *Store) Links() []domain.Link {
	out := make([]domain.Link, 0, len(s.links))
	for e, attrs := range s.links {
		out = append(out, domain.Link{Edge: e, LinkAttrs: attrs.Clone()})
	}
	slices.SortFunc(out, func(a, b domain.Link) int { return compareEdges(a.Edge, b.Edge) })
	return out
}

func compareEdges(a, b domain.Edge) int {
	if c := cmp.Compare(a.Source, b.Source); c != 0 {
		return c
	}
	return cmp.Compare(a.Target, b.Target)
}

// DetectionsInTracklet returns the members of a tracklet ordered by time.
func (s *Store) DetectionsInTracklet(trackletID int) []domain.NodeID {
	var ids []domain.NodeID
	for id, n := range s.nodes {
		if n.det.TrackletID == trackletID {
			ids = append(ids, id)
		}
	}
	slices.SortFunc(ids, func(a, b domain.NodeID) int {
		if c := cmp.Compare(s.nodes[a].det.Time, s.nodes[b].det.Time); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	return ids
}

// MaxTrackletID is the largest tracklet id handed out so far.
func (s *Store) MaxTrackletID() int { return s.maxTrack }

// NextTrackletID reserves and returns an unused tracklet id.
func (s *Store) NextTrackletID() int {
	prev := s.maxTrack
	s.maxTrack++
	s.record(func() { s.maxTrack = prev })
	return s.maxTrack
}

// NextDetectionIDs reserves n unused detection ids.
func (s *Store) NextDetectionIDs(n int) []domain.NodeID {
	prev := s.maxNode
	ids := make([]domain.NodeID, n)
	for i := range ids {
		s.maxNode++
		ids[i] = s.maxNode
	}
	s.record(func() { s.maxNode = prev })
	return ids
}

func (s *Store) checkNewDetection(d domain.Detection, batch map[domain.NodeID]struct{}, ndim int) error {
	id := fmt.Sprint(d.ID)
	if _, ok := s.nodes[d.ID]; ok {
		return domain.ValidationError{Entity: domain.EntityDetection, ID: id, Reason: "already exists"}
	}
	if _, ok := batch[d.ID]; ok {
		return domain.ValidationError{Entity: domain.EntityDetection, ID: id, Reason: "duplicated in batch"}
	}
	return s.checkAttrs(id, d.DetectionAttrs, ndim)
}

func (s *Store) checkAttrs(id string, a domain.DetectionAttrs, ndim int) error {
	if a.Time < 0 {
		return domain.ValidationError{Entity: domain.EntityDetection, ID: id, Reason: fmt.Sprintf("negative time %d", a.Time)}
	}
	if ndim > 0 && len(a.Position) != ndim {
		return domain.ValidationError{Entity: domain.EntityDetection, ID: id, Reason: fmt.Sprintf("position has %d dimensions, store uses %d", len(a.Position), ndim)}
	}
	if a.TrackletID < 0 {
		return domain.ValidationError{Entity: domain.EntityDetection, ID: id, Reason: fmt.Sprintf("negative tracklet id %d", a.TrackletID)}
	}
	if s.seg != nil {
		if a.SegID == 0 {
			return domain.ValidationError{Entity: domain.EntityDetection, ID: id, Reason: "segmentation id required when the store has a segmentation"}
		}
		if a.Time >= s.seg.Frames() {
			return domain.ValidationError{Entity: domain.EntityDetection, ID: id, Reason: fmt.Sprintf("time %d beyond %d segmentation frames", a.Time, s.seg.Frames())}
		}
	}
	return nil
}

// CheckNewDetections validates detections for insertion without mutating the store.
func (s *Store) CheckNewDetections(dets []domain.Detection) error {
	batch := make(map[domain.NodeID]struct{}, len(dets))
	ndim := s.meta.NDim
	for _, d := range dets {
		if ndim == 0 {
			ndim = len(d.Position)
		}
		if err := s.checkNewDetection(d, batch, ndim); err != nil {
			return err
		}
		batch[d.ID] = struct{}{}
	}
	return nil
}

// AddDetections inserts detections. The batch is validated as a whole before
// anything is written.
func (s *Store) AddDetections(dets []domain.Detection) error {
	if len(dets) == 0 {
		return nil
	}
	if err := s.CheckNewDetections(dets); err != nil {
		return err
	}
	prevNDim, prevTrack, prevNode := s.meta.NDim, s.maxTrack, s.maxNode
	if s.meta.NDim == 0 {
		s.meta.NDim = len(dets[0].Position)
	}
	ids := make([]domain.NodeID, len(dets))
	for i, d := range dets {
		s.nodes[d.ID] = &nodeEntry{det: d.Clone()}
		ids[i] = d.ID
		s.maxTrack = max(s.maxTrack, d.TrackletID)
		s.maxNode = max(s.maxNode, d.ID)
		s.change(domain.Change{Entity: domain.EntityDetection, Action: domain.ActionCreate, Node: d.ID})
	}
	s.record(func() {
		for _, id := range ids {
			delete(s.nodes, id)
		}
		s.meta.NDim, s.maxTrack, s.maxNode = prevNDim, prevTrack, prevNode
	})
	return nil
}

// RemoveDetections deletes detections. Every detection must exist and have no
// incident links.
func (s *Store) RemoveDetections(ids []domain.NodeID) error {
	seen := make(map[domain.NodeID]struct{}, len(ids))
	for _, id := range ids {
		n, err := s.entry(id)
		if err != nil {
			return err
		}
		if _, dup := seen[id]; dup {
			return domain.ValidationError{Entity: domain.EntityDetection, ID: fmt.Sprint(id), Reason: "duplicated in batch"}
		}
		seen[id] = struct{}{}
		if len(n.succ)+len(n.pred) > 0 {
			return domain.ValidationError{Entity: domain.EntityDetection, ID: fmt.Sprint(id), Reason: "has incident links"}
		}
	}
	removed := make([]*nodeEntry, 0, len(ids))
	for _, id := range ids {
		removed = append(removed, s.nodes[id])
		delete(s.nodes, id)
		s.change(domain.Change{Entity: domain.EntityDetection, Action: domain.ActionDelete, Node: id})
	}
	s.record(func() {
		for _, n := range removed {
			s.nodes[n.det.ID] = n
		}
	})
	return nil
}

func (s *Store) checkNewLink(e domain.Edge, batch map[domain.Edge]struct{}) error {
	if _, err := s.entry(e.Source); err != nil {
		return err
	}
	if _, err := s.entry(e.Target); err != nil {
		return err
	}
	id := fmt.Sprintf("%d->%d", e.Source, e.Target)
	if e.Source == e.Target {
		return domain.ValidationError{Entity: domain.EntityLink, ID: id, Reason: "self loop"}
	}
	if _, ok := s.links[e]; ok {
		return domain.ValidationError{Entity: domain.EntityLink, ID: id, Reason: "already exists"}
	}
	if _, ok := batch[e]; ok {
		return domain.ValidationError{Entity: domain.EntityLink, ID: id, Reason: "duplicated in batch"}
	}
	return nil
}

// CheckNewLinks validates links for insertion without mutating the store.
func (s *Store) CheckNewLinks(links []domain.Link) error {
	batch := make(map[domain.Edge]struct{}, len(links))
	for _, l := range links {
		if err := s.checkNewLink(l.Edge, batch); err != nil {
			return err
		}
		batch[l.Edge] = struct{}{}
	}
	return nil
}

// AddLinks inserts links between existing detections.
func (s *Store) AddLinks(links []domain.Link) error {
	if err := s.CheckNewLinks(links); err != nil {
		return err
	}
	for _, l := range links {
		s.links[l.Edge] = l.LinkAttrs.Clone()
		src, dst := s.nodes[l.Source], s.nodes[l.Target]
		src.succ = append(src.succ, l.Target)
		dst.pred = append(dst.pred, l.Source)
		s.change(domain.Change{Entity: domain.EntityLink, Action: domain.ActionCreate, Edge: l.Edge})
	}
	s.record(func() {
		for i := len(links) - 1; i >= 0; i-- {
			e := links[i].Edge
			delete(s.links, e)
			src, dst := s.nodes[e.Source], s.nodes[e.Target]
			src.succ = src.succ[:len(src.succ)-1]
			dst.pred = dst.pred[:len(dst.pred)-1]
		}
	})
	return nil
}

type removedLink struct {
	edge    domain.Edge
	attrs   domain.LinkAttrs
	succIdx int
	predIdx int
}

// RemoveLinks deletes links. Every link must exist.
func (s *Store) RemoveLinks(edges []domain.Edge) error {
	seen := make(map[domain.Edge]struct{}, len(edges))
	for _, e := range edges {
		if _, ok := s.links[e]; !ok {
			return domain.MissingLink(e)
		}
		if _, dup := seen[e]; dup {
			return domain.ValidationError{Entity: domain.EntityLink, ID: fmt.Sprintf("%d->%d", e.Source, e.Target), Reason: "duplicated in batch"}
		}
		seen[e] = struct{}{}
	}
	removed := make([]removedLink, 0, len(edges))
	for _, e := range edges {
		src, dst := s.nodes[e.Source], s.nodes[e.Target]
		r := removedLink{
			edge:    e,
			attrs:   s.links[e],
			succIdx: slices.Index(src.succ, e.Target),
			predIdx: slices.Index(dst.pred, e.Source),
		}
		src.succ = slices.Delete(src.succ, r.succIdx, r.succIdx+1)
		dst.pred = slices.Delete(dst.pred, r.predIdx, r.predIdx+1)
		delete(s.links, e)
		removed = append(removed, r)
		s.change(domain.Change{Entity: domain.EntityLink, Action: domain.ActionDelete, Edge: e})
	}
	s.record(func() {
		for i := len(removed) - 1; i >= 0; i-- {
			r := removed[i]
			src, dst := s.nodes[r.edge.Source], s.nodes[r.edge.Target]
			src.succ = slices.Insert(src.succ, r.succIdx, r.edge.Target)
			dst.pred = slices.Insert(dst.pred, r.predIdx, r.edge.Source)
			s.links[r.edge] = r.attrs
		}
	})
	return nil
}

// SetDetectionAttrs replaces the attribute bag of a detection.
func (s *Store) SetDetectionAttrs(id domain.NodeID, attrs domain.DetectionAttrs) error {
	n, err := s.entry(id)
	if err != nil {
		return err
	}
	if err := s.checkAttrs(fmt.Sprint(id), attrs, s.meta.NDim); err != nil {
		return err
	}
	prev, prevTrack := n.det.DetectionAttrs, s.maxTrack
	n.det.DetectionAttrs = attrs.Clone()
	s.maxTrack = max(s.maxTrack, attrs.TrackletID)
	s.change(domain.Change{Entity: domain.EntityDetection, Action: domain.ActionUpdate, Node: id})
	s.record(func() {
		n.det.DetectionAttrs = prev
		s.maxTrack = prevTrack
	})
	return nil
}

// SetTrackletID updates only the tracklet id of a detection.
func (s *Store) SetTrackletID(id domain.NodeID, trackletID int) error {
	n, err := s.entry(id)
	if err != nil {
		return err
	}
	attrs := n.det.DetectionAttrs.Clone()
	attrs.TrackletID = trackletID
	return s.SetDetectionAttrs(id, attrs)
}

// SetSegID updates only the segmentation label of a detection.
func (s *Store) SetSegID(id domain.NodeID, label uint64) error {
	n, err := s.entry(id)
	if err != nil {
		return err
	}
	attrs := n.det.DetectionAttrs.Clone()
	attrs.SegID = label
	return s.SetDetectionAttrs(id, attrs)
}

// SetLinkAttrs replaces the attribute bag of a link.
func (s *Store) SetLinkAttrs(e domain.Edge, attrs domain.LinkAttrs) error {
	prev, ok := s.links[e]
	if !ok {
		return domain.MissingLink(e)
	}
	s.links[e] = attrs.Clone()
	s.change(domain.Change{Entity: domain.EntityLink, Action: domain.ActionUpdate, Edge: e})
	s.record(func() { s.links[e] = prev })
	return nil
}

// ApplyPatch writes a segmentation patch. An empty patch is a no-op even
// without a segmentation.
func (s *Store) ApplyPatch(p segmentation.Patch) error {
	if p.IsEmpty() {
		return nil
	}
	if err := p.Apply(s.seg); err != nil {
		return err
	}
	s.change(domain.Change{Entity: domain.EntitySegmentation, Action: domain.ActionUpdate})
	s.record(func() {
		// Rollback runs newest first, so the array holds exactly this
		// patch's output. Anything else means the segmentation was written
		// outside the journal.
		if err := p.Inverse().Apply(s.seg); err != nil {
			panic(fmt.Sprintf("core: rolling back segmentation patch: array no longer holds the patch output: %v", err))
		}
	})
	return nil
}

// Clone returns a deep copy of the store without any transaction state.
func (s *Store) Clone() (*Store, error) {
	if s.journal != nil {
		return nil, ErrTransactionActive
	}
	out := &Store{
		nodes:    make(map[domain.NodeID]*nodeEntry, len(s.nodes)),
		links:    make(map[domain.Edge]domain.LinkAttrs, len(s.links)),
		meta:     s.meta.Clone(),
		maxTrack: s.maxTrack,
		maxNode:  s.maxNode,
	}
	for id, n := range s.nodes {
		out.nodes[id] = &nodeEntry{det: n.det.Clone(), succ: slices.Clone(n.succ), pred: slices.Clone(n.pred)}
	}
	for e, a := range s.links {
		out.links[e] = a.Clone()
	}
	if s.seg != nil {
		out.seg = s.seg.Clone()
	}
	return out, nil
}
