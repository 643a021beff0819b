// Package domain defines the tracking entities, value types, error taxonomy,
// and rule evaluation primitives used by trackcore.
package domain

import (
	"encoding/json"
	"maps"
	"slices"
)

// EntityType identifies the kind of record a change, violation, or error refers to.
type EntityType string

// Supported entity type identifiers used in Change records and errors.
const (
	// EntityDetection identifies a detection (graph node).
	EntityDetection EntityType = "detection"
	// EntityLink identifies a link (graph edge).
	EntityLink EntityType = "link"
	// EntityTracklet identifies a derived tracklet.
	EntityTracklet EntityType = "tracklet"
	// EntitySegmentation identifies the dense label array.
	EntitySegmentation EntityType = "segmentation"
	EntitySnapshot     EntityType = "snapshot"
	EntityRun          EntityType = "run"
)

// NodeID identifies a detection. Identifiers are caller assigned and unique
// within a store.
type NodeID int64

// Edge is an ordered pair of detections. By convention the target lies at a
// later time than the source.
type Edge struct {
	Source NodeID `json:"source"`
	Target NodeID `json:"target"`
}

// Reversed returns the edge with its endpoints swapped.
func (e Edge) Reversed() Edge {
	return Edge{Source: e.Target, Target: e.Source}
}

// Extra carries pass-through attributes the core never interprets.
type Extra map[string]json.RawMessage

// Clone returns a deep copy of the map.
func (e Extra) Clone() Extra {
	if e == nil {
		return nil
	}
	out := make(Extra, len(e))
	for k, v := range e {
		out[k] = slices.Clone(v)
	}
	return out
}

// Equal reports whether both maps hold byte-identical values.
func (e Extra) Equal(other Extra) bool {
	return maps.EqualFunc(e, other, func(a, b json.RawMessage) bool {
		return string(a) == string(b)
	})
}

// DetectionAttrs is the typed attribute bag of a detection.
type DetectionAttrs struct {
	Time       int       `json:"time"`
	Position   []float64 `json:"pos"`
	TrackletID int       `json:"track_id,omitempty"`
	// SegID is the label of the detection in the segmentation at Time. Zero
	// means the detection has no segmentation.
	SegID uint64   `json:"seg_id,omitempty"`
	Area  *float64 `json:"area,omitempty"`
	Extra Extra    `json:"-"`
}

// Clone returns a deep copy of the attribute bag.
func (a DetectionAttrs) Clone() DetectionAttrs {
	out := a
	out.Position = slices.Clone(a.Position)
	if a.Area != nil {
		v := *a.Area
		out.Area = &v
	}
	out.Extra = a.Extra.Clone()
	return out
}

// Equal compares two attribute bags field by field.
func (a DetectionAttrs) Equal(b DetectionAttrs) bool {
	return a.Time == b.Time &&
		slices.Equal(a.Position, b.Position) &&
		a.TrackletID == b.TrackletID &&
		a.SegID == b.SegID &&
		floatPtrEqual(a.Area, b.Area) &&
		a.Extra.Equal(b.Extra)
}

// Detection is a single object instance at one time frame.
type Detection struct {
	ID NodeID `json:"id"`
	DetectionAttrs
}

// Clone returns a deep copy of the detection.
func (d Detection) Clone() Detection {
	return Detection{ID: d.ID, DetectionAttrs: d.DetectionAttrs.Clone()}
}

// LinkAttrs is the typed attribute bag of a link.
type LinkAttrs struct {
	Distance *float64 `json:"distance,omitempty"`
	IoU      *float64 `json:"iou,omitempty"`
	Extra    Extra    `json:"-"`
}

// Clone returns a deep copy of the attribute bag.
func (a LinkAttrs) Clone() LinkAttrs {
	out := LinkAttrs{Extra: a.Extra.Clone()}
	if a.Distance != nil {
		v := *a.Distance
		out.Distance = &v
	}
	if a.IoU != nil {
		v := *a.IoU
		out.IoU = &v
	}
	return out
}

// Equal compares two attribute bags field by field.
func (a LinkAttrs) Equal(b LinkAttrs) bool {
	return floatPtrEqual(a.Distance, b.Distance) && floatPtrEqual(a.IoU, b.IoU) && a.Extra.Equal(b.Extra)
}

// Link is a temporal association between two detections.
type Link struct {
	Edge
	LinkAttrs
}

// Clone returns a deep copy of the link.
func (l Link) Clone() Link {
	return Link{Edge: l.Edge, LinkAttrs: l.LinkAttrs.Clone()}
}

// Metadata describes how detections map onto the segmentation coordinate space.
type Metadata struct {
	TimeAttr string    `json:"time_attr"`
	PosAttr  []string  `json:"pos_attr"`
	Scale    []float64 `json:"scale,omitempty"`
	// NDim is the dimensionality of every detection position. Zero means it is
	// fixed by the first detection added.
	NDim int `json:"-"`
}

// Clone returns a deep copy of the metadata.
func (m Metadata) Clone() Metadata {
	out := m
	out.PosAttr = slices.Clone(m.PosAttr)
	out.Scale = slices.Clone(m.Scale)
	return out
}

// DefaultMetadata returns the metadata used for freshly created stores.
func DefaultMetadata(ndim int) Metadata {
	pos := []string{"y", "x"}
	if ndim == 3 {
		pos = []string{"z", "y", "x"}
	}
	return Metadata{TimeAttr: "t", PosAttr: pos, NDim: ndim}
}

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks the edit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows the edit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Change describes a mutation applied to the store during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Node   NodeID
	Edge   Edge
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate the mutations a store records.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
