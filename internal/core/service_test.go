package core

import (
	"context"
	"errors"
	"slices"
	"testing"

	"trackcore/internal/segmentation"
	"trackcore/pkg/domain"
)

func tracklets(t *testing.T, s *Store, ids ...domain.NodeID) map[domain.NodeID]int {
	t.Helper()
	out := make(map[domain.NodeID]int, len(ids))
	for _, id := range ids {
		tid, err := s.TrackletID(id)
		if err != nil {
			t.Fatalf("tracklet of %d: %v", id, err)
		}
		out[id] = tid
	}
	return out
}

func assertTracklets(t *testing.T, s *Store, want map[domain.NodeID]int) {
	t.Helper()
	for id, tid := range want {
		got, err := s.TrackletID(id)
		if err != nil {
			t.Fatalf("tracklet of %d: %v", id, err)
		}
		if got != tid {
			t.Fatalf("detection %d: want tracklet %d, got %d (all: %v)", id, tid, got, tracklets(t, s, s.DetectionIDs()...))
		}
	}
}

func assertLinks(t *testing.T, s *Store, want ...domain.Edge) {
	t.Helper()
	var got []domain.Edge
	for _, l := range s.Links() {
		got = append(got, l.Edge)
	}
	slices.SortFunc(want, compareEdges)
	if !slices.Equal(got, want) {
		t.Fatalf("links: want %v, got %v", want, got)
	}
}

func TestServiceAddDetectionsSplicesSkipLink(t *testing.T) {
	ctx := context.Background()
	st := NewEmptyStore(2)
	mustAdd(t, st, []domain.Detection{det(1, 0, 1, 0, 0), det(3, 2, 1, 0, 2)}, []domain.Link{link(1, 3)})
	svc := NewService(st)
	before := st.State()

	ids, err := svc.AddDetections(ctx, []domain.Detection{det(0, 1, 1, 0, 1)}, segmentation.Patch{})
	if err != nil {
		t.Fatalf("add detections: %v", err)
	}
	if !slices.Equal(ids, []domain.NodeID{4}) {
		t.Fatalf("expected fresh id 4, got %v", ids)
	}
	assertLinks(t, st, edge(1, 4), edge(4, 3))
	assertTracklets(t, st, map[domain.NodeID]int{1: 1, 3: 1, 4: 1})

	fresh, err := svc.AddDetections(ctx, []domain.Detection{det(0, 0, 0, 9, 9)}, segmentation.Patch{})
	if err != nil {
		t.Fatalf("add untracked detection: %v", err)
	}
	assertTracklets(t, st, map[domain.NodeID]int{fresh[0]: 2})

	for i := 0; i < 2; i++ {
		if ok, err := svc.Undo(ctx); err != nil || !ok {
			t.Fatalf("undo %d: ok=%v err=%v", i, ok, err)
		}
	}
	assertState(t, before, st)
}

func TestServiceDeleteDetectionsBridgesGaps(t *testing.T) {
	ctx := context.Background()
	st := pointStore(t)
	svc := NewService(st)

	if err := svc.DeleteDetections(ctx, []domain.NodeID{2}); err != nil {
		t.Fatalf("delete 2: %v", err)
	}
	assertLinks(t, st, edge(1, 3), edge(3, 4), edge(3, 5), edge(5, 6))
	assertTracklets(t, st, map[domain.NodeID]int{1: 1, 3: 1})

	if err := svc.DeleteDetections(ctx, []domain.NodeID{99}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected missing detection error, got %v", err)
	}
	if err := st.Validate(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

func TestServiceDeleteDivisionChildMergesSibling(t *testing.T) {
	ctx := context.Background()
	st := pointStore(t)
	svc := NewService(st)
	before := st.State()

	if err := svc.DeleteDetections(ctx, []domain.NodeID{4}); err != nil {
		t.Fatalf("delete 4: %v", err)
	}
	assertLinks(t, st, edge(1, 2), edge(2, 3), edge(3, 5), edge(5, 6))
	assertTracklets(t, st, map[domain.NodeID]int{3: 1, 5: 1, 6: 1, 7: 4})

	if ok, err := svc.Undo(ctx); err != nil || !ok {
		t.Fatalf("undo: ok=%v err=%v", ok, err)
	}
	assertState(t, before, st)
}

func TestServiceAddLinksRepairsTracklets(t *testing.T) {
	ctx := context.Background()
	st := NewEmptyStore(2)
	mustAdd(t, st, []domain.Detection{det(1, 0, 1, 0, 0), det(2, 1, 2, 0, 1), det(3, 1, 3, 1, 1), det(4, 0, 5, 2, 2)}, nil)
	svc := NewService(st)

	// Reversed endpoints are oriented forward in time.
	if err := svc.AddLinks(ctx, []domain.Link{link(2, 1)}, AddLinkOptions{}); err != nil {
		t.Fatalf("join: %v", err)
	}
	assertLinks(t, st, edge(1, 2))
	assertTracklets(t, st, map[domain.NodeID]int{1: 1, 2: 1})

	if err := svc.AddLinks(ctx, []domain.Link{link(1, 3)}, AddLinkOptions{}); err != nil {
		t.Fatalf("divide: %v", err)
	}
	assertTracklets(t, st, map[domain.NodeID]int{1: 1, 2: 6, 3: 3})
	divided := st.State()

	var rv domain.RuleViolationError
	if err := svc.AddLinks(ctx, []domain.Link{link(2, 3)}, AddLinkOptions{}); !errors.As(err, &rv) || rv.Result.Violations[0].Rule != "horizontal_link" {
		t.Fatalf("expected horizontal link violation, got %v", err)
	}
	if err := svc.AddLinks(ctx, []domain.Link{link(4, 2)}, AddLinkOptions{}); !errors.As(err, &rv) || rv.Result.Violations[0].Rule != "single_parent" {
		t.Fatalf("expected merge violation, got %v", err)
	}
	assertState(t, divided, st)

	if err := svc.AddLinks(ctx, []domain.Link{link(4, 2)}, AddLinkOptions{ReplaceIncoming: true}); err != nil {
		t.Fatalf("replace incoming: %v", err)
	}
	assertLinks(t, st, edge(1, 3), edge(4, 2))
	assertTracklets(t, st, map[domain.NodeID]int{1: 1, 2: 5, 3: 1, 4: 5})

	if ok, err := svc.Undo(ctx); err != nil || !ok {
		t.Fatalf("undo: ok=%v err=%v", ok, err)
	}
	assertState(t, divided, st)
	if ok, err := svc.Redo(ctx); err != nil || !ok {
		t.Fatalf("redo: ok=%v err=%v", ok, err)
	}
	assertTracklets(t, st, map[domain.NodeID]int{2: 5, 3: 1})
}

func TestServiceDeleteLinksStartsNewTracklets(t *testing.T) {
	ctx := context.Background()
	st := pointStore(t)
	svc := NewService(st)

	if err := svc.DeleteLinks(ctx, []domain.Edge{edge(3, 4)}); err != nil {
		t.Fatalf("delete division link: %v", err)
	}
	assertTracklets(t, st, map[domain.NodeID]int{3: 1, 4: 2, 5: 1, 6: 1})

	if err := svc.DeleteLinks(ctx, []domain.Edge{edge(1, 2)}); err != nil {
		t.Fatalf("delete continuation: %v", err)
	}
	assertTracklets(t, st, map[domain.NodeID]int{1: 1, 2: 5, 3: 5, 5: 5, 6: 5})

	if err := svc.DeleteLinks(ctx, []domain.Edge{edge(1, 2)}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected missing link error, got %v", err)
	}
}

func TestServiceListenersAndReentrancy(t *testing.T) {
	ctx := context.Background()
	st := pointStore(t)
	svc := NewService(st)

	var (
		ops        []string
		reentrant  []error
		seenCounts []int
	)
	unsubscribe := svc.Subscribe(func(ev Event) {
		ops = append(ops, ev.Operation)
		seenCounts = append(seenCounts, svc.Store().LinkCount())
		reentrant = append(reentrant, svc.DeleteLinks(ctx, []domain.Edge{edge(5, 6)}))
		_, err := svc.Undo(ctx)
		reentrant = append(reentrant, err)
	})

	if err := svc.DeleteLinks(ctx, []domain.Edge{edge(1, 2)}); err != nil {
		t.Fatalf("delete link: %v", err)
	}
	if _, err := svc.Undo(ctx); err != nil {
		t.Fatalf("undo: %v", err)
	}
	if !slices.Equal(ops, []string{"delete_links", "undo"}) {
		t.Fatalf("unexpected events %v", ops)
	}
	if !slices.Equal(seenCounts, []int{4, 5}) {
		t.Fatalf("listener saw link counts %v", seenCounts)
	}
	for _, err := range reentrant {
		if !errors.Is(err, ErrReentrantMutation) {
			t.Fatalf("expected reentrant mutation error, got %v", err)
		}
	}
	if !st.HasLink(edge(5, 6)) {
		t.Fatalf("listener edit must not reach the store")
	}

	unsubscribe()
	if _, err := svc.Redo(ctx); err != nil {
		t.Fatalf("redo: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("unsubscribed listener still notified: %v", ops)
	}
}

func TestServiceRejectedEditLeavesHistory(t *testing.T) {
	ctx := context.Background()
	st := pointStore(t)
	svc := NewService(st)
	before := st.State()
	if err := svc.AddLinks(ctx, []domain.Link{link(7, 1)}, AddLinkOptions{}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected horizontal link rejection, got %v", err)
	}
	if svc.History().CanUndo() {
		t.Fatalf("rejected edit must not be recorded")
	}
	if ok, err := svc.Undo(ctx); ok || err != nil {
		t.Fatalf("undo with empty history: ok=%v err=%v", ok, err)
	}
	assertState(t, before, st)
}

func TestServiceUpdateAndReassign(t *testing.T) {
	ctx := context.Background()
	st := labelStore(t)
	svc := NewService(st)

	d, _ := st.Detection(2)
	attrs := d.DetectionAttrs.Clone()
	attrs.Extra = domain.Extra{"score": []byte("0.5")}
	if err := svc.UpdateDetectionAttrs(ctx, []domain.NodeID{2}, []domain.DetectionAttrs{attrs}); err != nil {
		t.Fatalf("update detection: %v", err)
	}
	if err := svc.UpdateLinkAttrs(ctx, []domain.Edge{edge(1, 3)}, []domain.LinkAttrs{{IoU: fptr(0.75)}}); err != nil {
		t.Fatalf("update link: %v", err)
	}
	if l, _ := st.Link(edge(1, 3)); l.IoU == nil || *l.IoU != 0.75 {
		t.Fatalf("link attributes not replaced: %+v", l)
	}
	if err := svc.ReassignTracklet(ctx, 1, 4); err != nil {
		t.Fatalf("reassign: %v", err)
	}
	assertTracklets(t, st, map[domain.NodeID]int{1: 4, 3: 4})
	if v, _ := st.Segmentation().At(1, 1, 1); v != 4 {
		t.Fatalf("reassign should repaint cells, got label %d", v)
	}
	if err := svc.RelabelSegmentation(ctx); err != nil {
		t.Fatalf("relabel: %v", err)
	}
	undo, _ := svc.History().Len()
	if undo != 3 {
		t.Fatalf("normalized store should not record a relabel edit, history has %d", undo)
	}
}

func TestServiceReassignUndoReplaysRecordedRun(t *testing.T) {
	ctx := context.Background()
	st := NewEmptyStore(2)
	mustAdd(t, st,
		[]domain.Detection{det(1, 0, 1, 0, 0), det(2, 1, 1, 0, 1), det(3, 2, 1, 0, 2)},
		[]domain.Link{link(1, 2), link(2, 3)},
	)
	svc := NewService(st)
	initial := st.State()

	if err := svc.ReassignTracklet(ctx, 2, 5); err != nil {
		t.Fatalf("reassign tail: %v", err)
	}
	assertTracklets(t, st, map[domain.NodeID]int{1: 1, 2: 5, 3: 5})
	split := st.State()

	if err := svc.ReassignTracklet(ctx, 1, 5); err != nil {
		t.Fatalf("reassign head: %v", err)
	}
	assertTracklets(t, st, map[domain.NodeID]int{1: 5, 2: 5, 3: 5})

	if ok, err := svc.Undo(ctx); err != nil || !ok {
		t.Fatalf("first undo: ok=%v err=%v", ok, err)
	}
	assertState(t, split, st)
	if ok, err := svc.Undo(ctx); err != nil || !ok {
		t.Fatalf("second undo: ok=%v err=%v", ok, err)
	}
	assertState(t, initial, st)

	if ok, err := svc.Redo(ctx); err != nil || !ok {
		t.Fatalf("redo: ok=%v err=%v", ok, err)
	}
	assertState(t, split, st)
}

func TestServiceReassignRejectsTakenLabel(t *testing.T) {
	ctx := context.Background()
	st := labelStore(t)
	svc := NewService(st)
	before := st.State()

	if err := svc.ReassignTracklet(ctx, 1, 2); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	assertState(t, before, st)
	if undo, _ := svc.History().Len(); undo != 0 {
		t.Fatalf("rejected edit recorded in history: %d", undo)
	}
}

type fakeSolver struct {
	out domain.SolverOutput
	err error
}

func (f fakeSolver) Solve(context.Context, domain.SolverParams, domain.SolverInput) (domain.SolverOutput, error) {
	return f.out, f.err
}

func TestServiceSolveAndAdopt(t *testing.T) {
	ctx := context.Background()
	svc := NewService(pointStore(t))
	original := svc.Store()

	solver := fakeSolver{out: domain.SolverOutput{
		Detections: []domain.Detection{segDet(1, 0, 0, 5, 0, 0.5), segDet(2, 0, 0, 6, 2, 2), segDet(3, 1, 0, 5, 1, 1)},
		Links:      []domain.Link{link(1, 3)},
		Gaps:       []float64{0.01},
	}}
	input := domain.SolverInput{
		Shape: []int{2, 3, 3},
		Labels: []uint64{
			5, 5, 0,
			0, 0, 0,
			0, 0, 6,

			0, 0, 0,
			0, 5, 0,
			0, 0, 0,
		},
	}
	res := <-svc.SolveAsync(ctx, solver, domain.DefaultSolverParams(), input)
	if res.Err != nil {
		t.Fatalf("solve: %v", res.Err)
	}
	if svc.Store() != original {
		t.Fatalf("solving must not replace the current store")
	}
	if !slices.Equal(res.Output.Gaps, []float64{0.01}) {
		t.Fatalf("gaps not forwarded: %v", res.Output.Gaps)
	}

	if err := svc.AdoptSolution(res.Store); err != nil {
		t.Fatalf("adopt: %v", err)
	}
	st := svc.Store()
	if st != res.Store || svc.History().CanUndo() {
		t.Fatalf("adopted store should be current with a fresh history")
	}
	assertTracklets(t, st, map[domain.NodeID]int{1: 1, 2: 2, 3: 1})
	for _, c := range []struct {
		coords []int
		want   uint64
	}{{[]int{0, 0, 0}, 1}, {[]int{0, 0, 1}, 1}, {[]int{0, 2, 2}, 2}, {[]int{1, 1, 1}, 1}} {
		if v, _ := st.Segmentation().At(c.coords...); v != c.want {
			t.Fatalf("cell %v: want label %d, got %d", c.coords, c.want, v)
		}
	}
	if err := st.Validate(); err != nil {
		t.Fatalf("invariants: %v", err)
	}

	boom := errors.New("infeasible")
	failed := <-svc.SolveAsync(ctx, fakeSolver{err: boom}, domain.DefaultSolverParams(), domain.SolverInput{})
	if !errors.Is(failed.Err, boom) || failed.Store != nil {
		t.Fatalf("expected solver failure, got %+v", failed)
	}
	if err := svc.AdoptSolution(nil); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected nil store rejection, got %v", err)
	}
}

func TestServiceReplaceStoreNotifies(t *testing.T) {
	svc := NewService(nil)
	var got []Event
	svc.Subscribe(func(ev Event) { got = append(got, ev) })
	next := pointStore(t)
	if err := svc.ReplaceStore(next); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if svc.Store() != next || len(got) != 1 || got[0].Operation != "replace_store" || got[0].Store != next {
		t.Fatalf("unexpected replace outcome: %+v", got)
	}
	if err := svc.ReplaceStore(nil); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected nil store rejection, got %v", err)
	}
}
