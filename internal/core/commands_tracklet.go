package core

import (
	"fmt"

	"trackcore/internal/segmentation"
	"trackcore/pkg/domain"
)

// ReassignTrackletID gives a run of detections a new tracklet id and
// relabels their cells to match. The run is found once, at construction: it
// walks forward from the start detection while the tracklet id equals the
// start's id and never passes a division. A detection with several
// successors is reassigned and the walk ends there. Apply and Inverse touch
// exactly the recorded detections.
type ReassignTrackletID struct {
	store *Store
	start domain.NodeID
	oldID int
	newID int
	steps []reassignStep
}

// reassignStep is one detection moved by the command.
type reassignStep struct {
	id                 domain.NodeID
	time               int
	fromTrack, toTrack int
	fromSeg, toSeg     uint64
}

func (st reassignStep) reversed() reassignStep {
	return reassignStep{
		id: st.id, time: st.time,
		fromTrack: st.toTrack, toTrack: st.fromTrack,
		fromSeg: st.toSeg, toSeg: st.fromSeg,
	}
}

// NewReassignTrackletID records the run starting at start together with the
// prior tracklet and segmentation ids of every detection in it. A new id
// whose label is already present in a frame the run touches is rejected.
func NewReassignTrackletID(s *Store, start domain.NodeID, newID int) (*ReassignTrackletID, error) {
	old, err := s.TrackletID(start)
	if err != nil {
		return nil, err
	}
	if newID <= 0 {
		return nil, domain.ValidationError{Entity: domain.EntityTracklet, ID: fmt.Sprint(newID), Reason: "tracklet ids must be positive"}
	}
	c := &ReassignTrackletID{store: s, start: start, oldID: old, newID: newID}
	if old == newID {
		return c, nil
	}

	seg := s.Segmentation()
	visited := make(map[domain.NodeID]struct{})
	for node := start; ; {
		if _, seen := visited[node]; seen {
			break
		}
		visited[node] = struct{}{}
		d, err := s.Detection(node)
		if err != nil {
			return nil, err
		}
		if d.TrackletID != old {
			break
		}
		st := reassignStep{id: d.ID, time: d.Time, fromTrack: old, toTrack: newID, fromSeg: d.SegID, toSeg: d.SegID}
		if seg != nil && d.SegID != 0 && d.SegID != uint64(newID) {
			if err := checkLabelFree(seg, d, uint64(newID)); err != nil {
				return nil, err
			}
			st.toSeg = uint64(newID)
		}
		c.steps = append(c.steps, st)
		succ := s.Successors(node)
		if len(succ) != 1 {
			break
		}
		node = succ[0]
	}
	return c, nil
}

// checkLabelFree rejects relabeling d when label already has cells in d's
// frame.
func checkLabelFree(seg *segmentation.LabelArray, d domain.Detection, label uint64) error {
	taken, err := seg.CellsOf(d.Time, label)
	if err != nil {
		return err
	}
	if !taken.IsEmpty() {
		return domain.ValidationError{
			Entity: domain.EntityTracklet, ID: fmt.Sprint(label),
			Reason: fmt.Sprintf("label %d is already used at time %d, detection %d cannot take it", label, d.Time, d.ID),
		}
	}
	return nil
}

func (c *ReassignTrackletID) Name() string { return "reassign_tracklet_id" }

// Start is the detection the walk begins at.
func (c *ReassignTrackletID) Start() domain.NodeID { return c.start }

// IDs returns the recorded old id and the id being assigned.
func (c *ReassignTrackletID) IDs() (oldID, newID int) { return c.oldID, c.newID }

// Detections lists the detections the command moves, in walk order.
func (c *ReassignTrackletID) Detections() []domain.NodeID {
	out := make([]domain.NodeID, len(c.steps))
	for i, st := range c.steps {
		out[i] = st.id
	}
	return out
}

func (c *ReassignTrackletID) Apply() error {
	for _, st := range c.steps {
		d, err := c.store.Detection(st.id)
		if err != nil {
			return domain.ReversibilityError{Op: c.Name(), Reason: fmt.Sprintf("detection %d no longer exists", st.id)}
		}
		if d.TrackletID != st.fromTrack || d.SegID != st.fromSeg {
			return domain.ReversibilityError{Op: c.Name(), Reason: fmt.Sprintf(
				"detection %d has tracklet %d label %d, expected tracklet %d label %d",
				st.id, d.TrackletID, d.SegID, st.fromTrack, st.fromSeg)}
		}
		attrs := d.DetectionAttrs.Clone()
		attrs.TrackletID = st.toTrack
		if st.fromSeg != st.toSeg {
			op, err := segmentation.RelabelOp(c.store.Segmentation(), st.time, st.fromSeg, st.toSeg)
			if err != nil {
				return err
			}
			if err := c.store.ApplyPatch(segmentation.NewPatch(op)); err != nil {
				return err
			}
			attrs.SegID = st.toSeg
		}
		if err := c.store.SetDetectionAttrs(st.id, attrs); err != nil {
			return err
		}
	}
	return nil
}

// Inverse moves the same detections back to their recorded ids.
func (c *ReassignTrackletID) Inverse() Command {
	inv := &ReassignTrackletID{store: c.store, start: c.start, oldID: c.newID, newID: c.oldID, steps: make([]reassignStep, len(c.steps))}
	for i, st := range c.steps {
		inv.steps[len(c.steps)-1-i] = st.reversed()
	}
	return inv
}

// CompositeEdit applies its children in order and then an optional pixel
// patch, as one command.
type CompositeEdit struct {
	store       *Store
	children    []Command
	pixels      segmentation.Patch
	pixelsFirst bool
}

// NewCompositeEdit groups children with an optional patch applied last.
func NewCompositeEdit(s *Store, children []Command, pixels segmentation.Patch) *CompositeEdit {
	return &CompositeEdit{store: s, children: append([]Command(nil), children...), pixels: pixels}
}

func (c *CompositeEdit) Name() string { return "composite_edit" }

// Children returns the grouped commands in application order.
func (c *CompositeEdit) Children() []Command { return append([]Command(nil), c.children...) }

// Len is the number of grouped commands.
func (c *CompositeEdit) Len() int { return len(c.children) }

func (c *CompositeEdit) Apply() error {
	if c.pixelsFirst {
		if err := c.store.ApplyPatch(c.pixels); err != nil {
			return err
		}
	}
	for _, child := range c.children {
		if err := child.Apply(); err != nil {
			return fmt.Errorf("%s: %w", child.Name(), err)
		}
	}
	if !c.pixelsFirst {
		return c.store.ApplyPatch(c.pixels)
	}
	return nil
}

// Inverse reverses and inverts the children and inverts the patch. The
// inverted patch runs before the inverted children so the overall order is
// the exact mirror of Apply.
func (c *CompositeEdit) Inverse() Command {
	inv := &CompositeEdit{
		store:       c.store,
		children:    make([]Command, len(c.children)),
		pixels:      c.pixels.Inverse(),
		pixelsFirst: !c.pixelsFirst,
	}
	for i, child := range c.children {
		inv.children[len(c.children)-1-i] = child.Inverse()
	}
	return inv
}
