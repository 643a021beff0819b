package core

import (
	"fmt"

	"trackcore/internal/segmentation"
	"trackcore/pkg/domain"
)

// Command is one reversible mutation of a store. Constructors validate
// against the store read-only; Apply mutates it. Apply does not roll back on
// failure by itself, so History and Service run it inside
// Store.RunInTransaction. Inverse is built purely from recorded state and
// never requires Apply to have run.
type Command interface {
	Name() string
	Apply() error
	Inverse() Command
}

func cloneDetections(in []domain.Detection) []domain.Detection {
	out := make([]domain.Detection, len(in))
	for i, d := range in {
		out[i] = d.Clone()
	}
	return out
}

func cloneLinks(in []domain.Link) []domain.Link {
	out := make([]domain.Link, len(in))
	for i, l := range in {
		out[i] = l.Clone()
	}
	return out
}

func detectionIDs(dets []domain.Detection) []domain.NodeID {
	ids := make([]domain.NodeID, len(dets))
	for i, d := range dets {
		ids[i] = d.ID
	}
	return ids
}

func edgesOf(links []domain.Link) []domain.Edge {
	out := make([]domain.Edge, len(links))
	for i, l := range links {
		out[i] = l.Edge
	}
	return out
}

// AddDetections inserts detections, first writing their pixels when a patch
// is supplied.
type AddDetections struct {
	store  *Store
	dets   []domain.Detection
	pixels segmentation.Patch
}

// NewAddDetections validates that the detections can be inserted. pixels may
// be the zero Patch.
func NewAddDetections(s *Store, dets []domain.Detection, pixels segmentation.Patch) (*AddDetections, error) {
	if err := s.CheckNewDetections(dets); err != nil {
		return nil, err
	}
	if !pixels.IsEmpty() && !s.HasSegmentation() {
		return nil, domain.ValidationError{Entity: domain.EntitySegmentation, Reason: "pixels supplied for a store without segmentation"}
	}
	return &AddDetections{store: s, dets: cloneDetections(dets), pixels: pixels}, nil
}

func (c *AddDetections) Name() string { return "add_detections" }

// Detections returns the recorded detections.
func (c *AddDetections) Detections() []domain.Detection { return cloneDetections(c.dets) }

func (c *AddDetections) Apply() error {
	for _, d := range c.dets {
		if c.store.HasDetection(d.ID) {
			return domain.ReversibilityError{Op: c.Name(), Reason: fmt.Sprintf("detection %d already exists", d.ID)}
		}
	}
	if err := c.store.ApplyPatch(c.pixels); err != nil {
		return err
	}
	return c.store.AddDetections(c.dets)
}

func (c *AddDetections) Inverse() Command {
	return &RemoveDetections{store: c.store, dets: cloneDetections(c.dets), pixels: c.pixels.Inverse()}
}

// RemoveDetections deletes detections that have no incident links and clears
// their pixels.
type RemoveDetections struct {
	store  *Store
	dets   []domain.Detection
	pixels segmentation.Patch
}

// NewRemoveDetections captures the detections' attributes and, with a
// segmentation, a patch setting their cells to background. Detections with
// incident links are rejected.
func NewRemoveDetections(s *Store, ids []domain.NodeID) (*RemoveDetections, error) {
	dets := make([]domain.Detection, 0, len(ids))
	var ops []segmentation.Op
	for _, id := range ids {
		d, err := s.Detection(id)
		if err != nil {
			return nil, err
		}
		if s.InDegree(id)+s.OutDegree(id) > 0 {
			return nil, domain.ValidationError{Entity: domain.EntityDetection, ID: fmt.Sprint(id), Reason: "has incident links"}
		}
		dets = append(dets, d)
		if s.HasSegmentation() {
			op, err := segmentation.ClearOp(s.Segmentation(), d.Time, d.SegID)
			if err != nil {
				return nil, err
			}
			ops = append(ops, op)
		}
	}
	return &RemoveDetections{store: s, dets: dets, pixels: segmentation.NewPatch(ops...)}, nil
}

func (c *RemoveDetections) Name() string { return "remove_detections" }

func (c *RemoveDetections) Apply() error {
	for _, d := range c.dets {
		if !c.store.HasDetection(d.ID) {
			return domain.ReversibilityError{Op: c.Name(), Reason: fmt.Sprintf("detection %d no longer exists", d.ID)}
		}
	}
	if err := c.store.RemoveDetections(detectionIDs(c.dets)); err != nil {
		return err
	}
	return c.store.ApplyPatch(c.pixels)
}

func (c *RemoveDetections) Inverse() Command {
	return &AddDetections{store: c.store, dets: cloneDetections(c.dets), pixels: c.pixels.Inverse()}
}

// AddLinks inserts links between existing detections.
type AddLinks struct {
	store *Store
	links []domain.Link
}

// NewAddLinks validates that every link can be inserted.
func NewAddLinks(s *Store, links []domain.Link) (*AddLinks, error) {
	if err := s.CheckNewLinks(links); err != nil {
		return nil, err
	}
	return &AddLinks{store: s, links: cloneLinks(links)}, nil
}

func (c *AddLinks) Name() string { return "add_links" }

func (c *AddLinks) Apply() error {
	for _, l := range c.links {
		if c.store.HasLink(l.Edge) {
			return domain.ReversibilityError{Op: c.Name(), Reason: fmt.Sprintf("link %d->%d already exists", l.Source, l.Target)}
		}
	}
	return c.store.AddLinks(c.links)
}

func (c *AddLinks) Inverse() Command {
	return &RemoveLinks{store: c.store, links: cloneLinks(c.links)}
}

// RemoveLinks deletes links.
type RemoveLinks struct {
	store *Store
	links []domain.Link
}

// NewRemoveLinks captures the current attributes of every link.
func NewRemoveLinks(s *Store, edges []domain.Edge) (*RemoveLinks, error) {
	links := make([]domain.Link, 0, len(edges))
	for _, e := range edges {
		l, err := s.Link(e)
		if err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return &RemoveLinks{store: s, links: links}, nil
}

func (c *RemoveLinks) Name() string { return "remove_links" }

func (c *RemoveLinks) Apply() error {
	for _, l := range c.links {
		if !c.store.HasLink(l.Edge) {
			return domain.ReversibilityError{Op: c.Name(), Reason: fmt.Sprintf("link %d->%d no longer exists", l.Source, l.Target)}
		}
	}
	return c.store.RemoveLinks(edgesOf(c.links))
}

func (c *RemoveLinks) Inverse() Command {
	return &AddLinks{store: c.store, links: cloneLinks(c.links)}
}

// UpdateAttributes replaces the attribute bags of detections and links.
// Changing Time or SegID of a segmented detection must be paired with a pixel
// patch in a CompositeEdit.
type UpdateAttributes struct {
	store    *Store
	nodes    []domain.NodeID
	oldNodes []domain.DetectionAttrs
	newNodes []domain.DetectionAttrs
	edges    []domain.Edge
	oldLinks []domain.LinkAttrs
	newLinks []domain.LinkAttrs
}

// NewUpdateDetections captures the current attributes of ids and validates
// the replacements.
func NewUpdateDetections(s *Store, ids []domain.NodeID, attrs []domain.DetectionAttrs) (*UpdateAttributes, error) {
	return NewUpdateAttributes(s, ids, attrs, nil, nil)
}

// NewUpdateLinks captures the current attributes of edges.
func NewUpdateLinks(s *Store, edges []domain.Edge, attrs []domain.LinkAttrs) (*UpdateAttributes, error) {
	return NewUpdateAttributes(s, nil, nil, edges, attrs)
}

// NewUpdateAttributes updates detections and links in one command.
func NewUpdateAttributes(s *Store, ids []domain.NodeID, nodeAttrs []domain.DetectionAttrs, edges []domain.Edge, linkAttrs []domain.LinkAttrs) (*UpdateAttributes, error) {
	if len(ids) != len(nodeAttrs) || len(edges) != len(linkAttrs) {
		return nil, domain.ValidationError{Entity: domain.EntityDetection, Reason: "ids and attributes differ in length"}
	}
	c := &UpdateAttributes{store: s, nodes: append([]domain.NodeID(nil), ids...), edges: append([]domain.Edge(nil), edges...)}
	for i, id := range ids {
		d, err := s.Detection(id)
		if err != nil {
			return nil, err
		}
		if err := s.checkAttrs(fmt.Sprint(id), nodeAttrs[i], s.meta.NDim); err != nil {
			return nil, err
		}
		c.oldNodes = append(c.oldNodes, d.DetectionAttrs)
		c.newNodes = append(c.newNodes, nodeAttrs[i].Clone())
	}
	for i, e := range edges {
		l, err := s.Link(e)
		if err != nil {
			return nil, err
		}
		c.oldLinks = append(c.oldLinks, l.LinkAttrs)
		c.newLinks = append(c.newLinks, linkAttrs[i].Clone())
	}
	return c, nil
}

func (c *UpdateAttributes) Name() string { return "update_attributes" }

func (c *UpdateAttributes) Apply() error {
	for i, id := range c.nodes {
		d, err := c.store.Detection(id)
		if err != nil {
			return domain.ReversibilityError{Op: c.Name(), Reason: fmt.Sprintf("detection %d no longer exists", id)}
		}
		if !d.DetectionAttrs.Equal(c.oldNodes[i]) {
			return domain.ReversibilityError{Op: c.Name(), Reason: fmt.Sprintf("detection %d attributes changed since the edit was recorded", id)}
		}
	}
	for i, e := range c.edges {
		l, err := c.store.Link(e)
		if err != nil {
			return domain.ReversibilityError{Op: c.Name(), Reason: fmt.Sprintf("link %d->%d no longer exists", e.Source, e.Target)}
		}
		if !l.LinkAttrs.Equal(c.oldLinks[i]) {
			return domain.ReversibilityError{Op: c.Name(), Reason: fmt.Sprintf("link %d->%d attributes changed since the edit was recorded", e.Source, e.Target)}
		}
	}
	for i, id := range c.nodes {
		if err := c.store.SetDetectionAttrs(id, c.newNodes[i]); err != nil {
			return err
		}
	}
	for i, e := range c.edges {
		if err := c.store.SetLinkAttrs(e, c.newLinks[i]); err != nil {
			return err
		}
	}
	return nil
}

func (c *UpdateAttributes) Inverse() Command {
	inv := &UpdateAttributes{
		store: c.store,
		nodes: append([]domain.NodeID(nil), c.nodes...),
		edges: append([]domain.Edge(nil), c.edges...),
	}
	for i := range c.nodes {
		inv.oldNodes = append(inv.oldNodes, c.newNodes[i].Clone())
		inv.newNodes = append(inv.newNodes, c.oldNodes[i].Clone())
	}
	for i := range c.edges {
		inv.oldLinks = append(inv.oldLinks, c.newLinks[i].Clone())
		inv.newLinks = append(inv.newLinks, c.oldLinks[i].Clone())
	}
	return inv
}
