package core

import (
	"trackcore/internal/segmentation"
	"trackcore/pkg/domain"
)

// NewRelabelSegmentation builds an edit moving every segmented detection to
// the label equal to its tracklet id. Cell sets are captured before anything
// is written, so swapped labels do not interfere. It returns nil when the
// store has no segmentation or is already normalized.
func NewRelabelSegmentation(s *Store) (Command, error) {
	if !s.HasSegmentation() {
		return nil, nil
	}
	var (
		ops   []segmentation.Op
		ids   []domain.NodeID
		attrs []domain.DetectionAttrs
	)
	for _, d := range s.Detections() {
		target := uint64(d.TrackletID)
		if d.TrackletID <= 0 || d.SegID == target {
			continue
		}
		op, err := segmentation.RelabelOp(s.Segmentation(), d.Time, d.SegID, target)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
		next := d.DetectionAttrs.Clone()
		next.SegID = target
		ids = append(ids, d.ID)
		attrs = append(attrs, next)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	update, err := NewUpdateDetections(s, ids, attrs)
	if err != nil {
		return nil, err
	}
	return NewCompositeEdit(s, []Command{update}, segmentation.NewPatch(ops...)), nil
}

// NormalizeSegmentation applies NewRelabelSegmentation directly, outside any
// history. It is used on freshly loaded or solved stores.
func NormalizeSegmentation(s *Store) error {
	cmd, err := NewRelabelSegmentation(s)
	if err != nil || cmd == nil {
		return err
	}
	_, err = s.RunInTransaction(cmd.Apply)
	return err
}
