package core

import (
	"testing"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/google/go-cmp/cmp"

	"trackcore/internal/segmentation"
	"trackcore/pkg/domain"
)

func fptr(v float64) *float64 { return &v }

func det(id domain.NodeID, t, tid int, pos ...float64) domain.Detection {
	return domain.Detection{ID: id, DetectionAttrs: domain.DetectionAttrs{Time: t, Position: pos, TrackletID: tid}}
}

func segDet(id domain.NodeID, t, tid int, label uint64, pos ...float64) domain.Detection {
	d := det(id, t, tid, pos...)
	d.SegID = label
	return d
}

func link(src, dst domain.NodeID) domain.Link {
	return domain.Link{Edge: domain.Edge{Source: src, Target: dst}}
}

func edge(src, dst domain.NodeID) domain.Edge {
	return domain.Edge{Source: src, Target: dst}
}

func mustAdd(t *testing.T, s *Store, dets []domain.Detection, links []domain.Link) {
	t.Helper()
	if err := s.AddDetections(dets); err != nil {
		t.Fatalf("add detections: %v", err)
	}
	if err := s.AddLinks(links); err != nil {
		t.Fatalf("add links: %v", err)
	}
}

// pointStore builds a store without segmentation:
//
//	t0  t1  t2  t3  t4
//	1 - 2 - 3 - 4         tracklets 1 (1,2,3) and 2 (4)
//	          \ 5 - 6     tracklet 3
//	7                     tracklet 4
func pointStore(t *testing.T) *Store {
	t.Helper()
	s := NewEmptyStore(2)
	mustAdd(t, s,
		[]domain.Detection{
			det(1, 0, 1, 0, 0), det(2, 1, 1, 0, 1), det(3, 2, 1, 0, 2), det(4, 3, 2, 0, 3),
			det(5, 3, 3, 1, 3), det(6, 4, 3, 1, 4), det(7, 0, 4, 5, 5),
		},
		[]domain.Link{link(1, 2), link(2, 3), link(3, 4), link(3, 5), link(5, 6)},
	)
	return s
}

// labelStore builds a 2x3x3 segmented store. Frame 0 holds labels 1 and 2,
// frame 1 holds label 1, and detection 1 links to detection 3.
func labelStore(t *testing.T) *Store {
	t.Helper()
	seg, err := segmentation.FromData([]int{2, 3, 3}, []uint64{
		1, 1, 0,
		0, 0, 0,
		0, 0, 2,

		0, 0, 0,
		0, 1, 0,
		0, 0, 0,
	})
	if err != nil {
		t.Fatalf("segmentation: %v", err)
	}
	s, err := NewStore(domain.DefaultMetadata(2), seg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	mustAdd(t, s,
		[]domain.Detection{segDet(1, 0, 1, 1, 0, 0.5), segDet(2, 0, 2, 2, 2, 2), segDet(3, 1, 1, 1, 1, 1)},
		[]domain.Link{link(1, 3)},
	)
	return s
}

func cells(t *testing.T, a *segmentation.LabelArray, coords ...[]int) *roaring64.Bitmap {
	t.Helper()
	bm := roaring64.New()
	for _, c := range coords {
		off, err := a.Offset(c...)
		if err != nil {
			t.Fatalf("offset %v: %v", c, err)
		}
		bm.Add(off)
	}
	return bm
}

var stateComparer = cmp.Comparer(func(a, b *segmentation.LabelArray) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(b)
})

func assertState(t *testing.T, want State, s *Store) {
	t.Helper()
	if diff := cmp.Diff(want, s.State(), stateComparer); diff != "" {
		t.Fatalf("store state differs (-want +got):\n%s", diff)
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("store invariants: %v", err)
	}
}

// applyTx runs a command inside a transaction, the way History and Service
// do.
func applyTx(t *testing.T, s *Store, cmd Command) {
	t.Helper()
	if _, err := s.RunInTransaction(cmd.Apply); err != nil {
		t.Fatalf("apply %s: %v", cmd.Name(), err)
	}
}
