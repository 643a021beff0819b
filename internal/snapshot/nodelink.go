package snapshot

import (
	"encoding/json"
	"fmt"
	"math"

	"trackcore/pkg/domain"
)

// Keys with fixed meaning in node and edge objects. Time and position keys
// come from the store metadata.
const (
	keyID       = "id"
	keyTrackID  = "track_id"
	keySegID    = "seg_id"
	keyArea     = "area"
	keySource   = "source"
	keyTarget   = "target"
	keyDistance = "distance"
	keyIoU      = "iou"
)

// nodeLinkGraph is the node-link document layout shared with networkx.
type nodeLinkGraph struct {
	Directed   bool                         `json:"directed"`
	Multigraph bool                         `json:"multigraph"`
	Graph      map[string]json.RawMessage   `json:"graph"`
	Nodes      []map[string]json.RawMessage `json:"nodes"`
	Edges      []map[string]json.RawMessage `json:"edges,omitempty"`
	Links      []map[string]json.RawMessage `json:"links,omitempty"`
}

func encodeNode(meta domain.Metadata, d domain.Detection) (map[string]json.RawMessage, error) {
	obj := make(map[string]json.RawMessage, len(d.Extra)+6)
	for k, v := range d.Extra {
		obj[k] = v
	}
	put := func(key string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode node %d %s: %w", d.ID, key, err)
		}
		obj[key] = raw
		return nil
	}
	if err := put(keyID, d.ID); err != nil {
		return nil, err
	}
	if err := put(meta.TimeAttr, d.Time); err != nil {
		return nil, err
	}
	if len(meta.PosAttr) == 1 {
		if err := put(meta.PosAttr[0], d.Position); err != nil {
			return nil, err
		}
	} else {
		if len(meta.PosAttr) != len(d.Position) {
			return nil, domain.ValidationError{
				Entity: domain.EntityDetection,
				ID:     fmt.Sprint(d.ID),
				Reason: fmt.Sprintf("position has %d axes, metadata names %d", len(d.Position), len(meta.PosAttr)),
			}
		}
		for i, axis := range meta.PosAttr {
			if err := put(axis, d.Position[i]); err != nil {
				return nil, err
			}
		}
	}
	if d.TrackletID != 0 {
		if err := put(keyTrackID, d.TrackletID); err != nil {
			return nil, err
		}
	}
	if d.SegID != 0 {
		if err := put(keySegID, d.SegID); err != nil {
			return nil, err
		}
	}
	if d.Area != nil {
		if err := put(keyArea, *d.Area); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

func encodeEdge(l domain.Link) (map[string]json.RawMessage, error) {
	obj := make(map[string]json.RawMessage, len(l.Extra)+4)
	for k, v := range l.Extra {
		obj[k] = v
	}
	put := func(key string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode link %d->%d %s: %w", l.Source, l.Target, key, err)
		}
		obj[key] = raw
		return nil
	}
	if err := put(keySource, l.Source); err != nil {
		return nil, err
	}
	if err := put(keyTarget, l.Target); err != nil {
		return nil, err
	}
	if l.Distance != nil {
		if err := put(keyDistance, *l.Distance); err != nil {
			return nil, err
		}
	}
	if l.IoU != nil {
		if err := put(keyIoU, *l.IoU); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

// take removes key from obj and decodes it into dst. It reports whether the
// key was present.
func take(obj map[string]json.RawMessage, key string, dst any) (bool, error) {
	raw, ok := obj[key]
	if !ok {
		return false, nil
	}
	delete(obj, key)
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("attribute %q: %w", key, err)
	}
	return true, nil
}

// integral converts a JSON number to an integer. Fractions are rejected.
func integral(key string, v float64) (int64, error) {
	if v != math.Trunc(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("attribute %q: %v is not an integer", key, v)
	}
	return int64(v), nil
}

func decodeNode(meta domain.Metadata, obj map[string]json.RawMessage) (domain.Detection, error) {
	var d domain.Detection
	var id float64
	ok, err := take(obj, keyID, &id)
	if err != nil {
		return d, err
	}
	if !ok {
		return d, domain.ValidationError{Entity: domain.EntityDetection, Reason: "node without id"}
	}
	n, err := integral(keyID, id)
	if err != nil {
		return d, err
	}
	d.ID = domain.NodeID(n)

	var t float64
	ok, err = take(obj, meta.TimeAttr, &t)
	if err != nil {
		return d, err
	}
	if !ok {
		return d, domain.ValidationError{Entity: domain.EntityDetection, ID: fmt.Sprint(d.ID), Reason: fmt.Sprintf("missing time attribute %q", meta.TimeAttr)}
	}
	tt, err := integral(meta.TimeAttr, t)
	if err != nil {
		return d, err
	}
	d.Time = int(tt)

	if len(meta.PosAttr) == 1 {
		ok, err = take(obj, meta.PosAttr[0], &d.Position)
		if err != nil {
			return d, err
		}
		if !ok {
			return d, domain.ValidationError{Entity: domain.EntityDetection, ID: fmt.Sprint(d.ID), Reason: fmt.Sprintf("missing position attribute %q", meta.PosAttr[0])}
		}
	} else {
		d.Position = make([]float64, len(meta.PosAttr))
		for i, axis := range meta.PosAttr {
			ok, err = take(obj, axis, &d.Position[i])
			if err != nil {
				return d, err
			}
			if !ok {
				return d, domain.ValidationError{Entity: domain.EntityDetection, ID: fmt.Sprint(d.ID), Reason: fmt.Sprintf("missing position attribute %q", axis)}
			}
		}
	}

	var track float64
	if ok, err = take(obj, keyTrackID, &track); err != nil {
		return d, err
	} else if ok {
		v, err := integral(keyTrackID, track)
		if err != nil {
			return d, err
		}
		d.TrackletID = int(v)
	}
	var seg float64
	if ok, err = take(obj, keySegID, &seg); err != nil {
		return d, err
	} else if ok {
		v, err := integral(keySegID, seg)
		if err != nil {
			return d, err
		}
		if v < 0 {
			return d, fmt.Errorf("attribute %q: negative label %d", keySegID, v)
		}
		d.SegID = uint64(v)
	}
	var area float64
	if ok, err = take(obj, keyArea, &area); err != nil {
		return d, err
	} else if ok {
		d.Area = &area
	}
	if len(obj) > 0 {
		d.Extra = domain.Extra(obj)
	}
	return d, nil
}

func decodeEdge(obj map[string]json.RawMessage) (domain.Link, error) {
	var l domain.Link
	var src, dst float64
	okS, err := take(obj, keySource, &src)
	if err != nil {
		return l, err
	}
	okT, err := take(obj, keyTarget, &dst)
	if err != nil {
		return l, err
	}
	if !okS || !okT {
		return l, domain.ValidationError{Entity: domain.EntityLink, Reason: "edge without source or target"}
	}
	s, err := integral(keySource, src)
	if err != nil {
		return l, err
	}
	t, err := integral(keyTarget, dst)
	if err != nil {
		return l, err
	}
	l.Edge = domain.Edge{Source: domain.NodeID(s), Target: domain.NodeID(t)}
	var distance, iou float64
	if ok, err := take(obj, keyDistance, &distance); err != nil {
		return l, err
	} else if ok {
		l.Distance = &distance
	}
	if ok, err := take(obj, keyIoU, &iou); err != nil {
		return l, err
	} else if ok {
		l.IoU = &iou
	}
	if len(obj) > 0 {
		l.Extra = domain.Extra(obj)
	}
	return l, nil
}
