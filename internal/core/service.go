package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"trackcore/internal/segmentation"
	"trackcore/pkg/domain"
)

// ErrReentrantMutation is returned when a listener tries to edit the store
// while a change notification is being delivered.
var ErrReentrantMutation = errors.New("store mutated from inside a change notification")

// Event is delivered to listeners once per completed operation or
// undo/redo step.
type Event struct {
	Operation string
	Changes   []domain.Change
	Store     *Store
}

// Listener receives change notifications synchronously.
type Listener func(Event)

// Service owns the current tracking store and its edit history. Every edit
// is built from commands applied inside one store transaction, recorded in
// the history as a single CompositeEdit, and announced to listeners.
type Service struct {
	mu        sync.Mutex
	store     *Store
	history   *History
	engine    *domain.RulesEngine
	metrics   MetricsRecorder
	tracer    Tracer
	logger    *slog.Logger
	now       func() time.Time
	listeners []listenerEntry
	nextID    int
	notifying atomic.Bool
	// bound mirrors store and history for lock-free readers such as
	// listeners running while mu is held.
	bound atomic.Pointer[binding]
}

type binding struct {
	store   *Store
	history *History
}

type listenerEntry struct {
	id int
	fn Listener
}

// ServiceOption customises a Service.
type ServiceOption func(*Service)

// WithRulesEngine replaces the default link validity rules.
func WithRulesEngine(engine *domain.RulesEngine) ServiceOption {
	return func(s *Service) {
		if engine != nil {
			s.engine = engine
		}
	}
}

// WithMetricsRecorder installs a metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) ServiceOption {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithTracer installs a tracer.
func WithTracer(t Tracer) ServiceOption {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithLogger installs a structured logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source used for operation timing.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService wraps store. A nil store starts from an empty one.
func NewService(store *Store, opts ...ServiceOption) *Service {
	if store == nil {
		store = NewEmptyStore(0)
	}
	s := &Service{
		store:   store,
		history: NewHistory(store),
		engine:  DefaultLinkRules(),
		metrics: noopMetrics{},
		tracer:  noopTracer{},
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.bound.Store(&binding{store: s.store, history: s.history})
	return s
}

// Store returns the current store. It must only be read by callers; edits go
// through the service. It never blocks, so listeners may call it.
func (s *Service) Store() *Store { return s.bound.Load().store }

// History returns the edit history of the current store.
func (s *Service) History() *History { return s.bound.Load().history }

// Subscribe registers a listener and returns a function removing it.
func (s *Service) Subscribe(fn Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.listeners = slices.DeleteFunc(s.listeners, func(e listenerEntry) bool { return e.id == id })
	}
}

// notify must be called with s.mu held.
func (s *Service) notify(ev Event) {
	s.notifying.Store(true)
	defer s.notifying.Store(false)
	for _, l := range slices.Clone(s.listeners) {
		l.fn(ev)
	}
}

// ReplaceStore swaps in a new store wholesale and starts a fresh history.
func (s *Service) ReplaceStore(store *Store) error {
	if store == nil {
		return domain.ValidationError{Entity: domain.EntitySnapshot, Reason: "nil store"}
	}
	if s.notifying.Load() {
		return ErrReentrantMutation
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store.InTransaction() {
		return ErrTransactionActive
	}
	s.store = store
	s.history = NewHistory(store)
	s.bound.Store(&binding{store: store, history: s.history})
	s.logger.Info("tracking store replaced", "detections", store.NodeCount(), "links", store.LinkCount())
	s.notify(Event{Operation: "replace_store", Store: store})
	return nil
}

// editBuilder applies commands one at a time so each constructor validates
// against the state left by the previous one.
type editBuilder struct {
	store *Store
	cmds  []Command
}

func (b *editBuilder) apply(cmd Command, err error) error {
	if err != nil {
		return err
	}
	if err := cmd.Apply(); err != nil {
		return fmt.Errorf("%s: %w", cmd.Name(), err)
	}
	b.cmds = append(b.cmds, cmd)
	return nil
}

func (b *editBuilder) reassign(start domain.NodeID, newID int) error {
	cmd, err := NewReassignTrackletID(b.store, start, newID)
	return b.apply(cmd, err)
}

func (s *Service) execute(ctx context.Context, op string, build func(b *editBuilder) error) (err error) {
	if s.notifying.Load() {
		return ErrReentrantMutation
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, op)
	start := s.now()
	defer func() {
		s.metrics.Observe(ctx, op, err == nil, s.now().Sub(start))
		span.End(err)
	}()

	b := &editBuilder{store: s.store}
	changes, err := s.store.RunInTransaction(func() error { return build(b) })
	if err != nil {
		s.logger.Warn("edit rejected", "operation", op, "error", err)
		return err
	}
	if len(b.cmds) == 0 {
		return nil
	}
	s.history.Record(NewCompositeEdit(s.store, b.cmds, segmentation.Patch{}))
	s.logger.Debug("edit applied", "operation", op, "commands", len(b.cmds), "changes", len(changes))
	s.notify(Event{Operation: op, Changes: changes, Store: s.store})
	return nil
}

// Undo reverts the most recent edit. It reports false when there is nothing
// to undo.
func (s *Service) Undo(ctx context.Context) (bool, error) {
	return s.step(ctx, "undo", func(h *History) (bool, error) { return h.Undo() })
}

// Redo re-applies the most recently undone edit. It reports false when there
// is nothing to redo.
func (s *Service) Redo(ctx context.Context) (bool, error) {
	return s.step(ctx, "redo", func(h *History) (bool, error) { return h.Redo() })
}

func (s *Service) step(ctx context.Context, op string, fn func(*History) (bool, error)) (did bool, err error) {
	if s.notifying.Load() {
		return false, ErrReentrantMutation
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, op)
	start := s.now()
	defer func() {
		s.metrics.Observe(ctx, op, err == nil, s.now().Sub(start))
		span.End(err)
	}()

	changes, err := s.store.RunInTransaction(func() error {
		var err error
		did, err = fn(s.history)
		return err
	})
	if err != nil {
		s.logger.Warn("history step failed", "operation", op, "error", err)
		return false, err
	}
	if !did {
		s.logger.Debug("nothing to "+op, "operation", op)
		return false, nil
	}
	s.notify(Event{Operation: op, Changes: changes, Store: s.store})
	return true, nil
}

// predAndSucc returns the last detection of tracklet tid before time and the
// first one after it, skipping any detection at time itself.
func predAndSucc(st *Store, tid, time int) (pred, succ domain.NodeID, hasPred, hasSucc bool) {
	for _, id := range st.DetectionsInTracklet(tid) {
		t, _ := st.Time(id)
		switch {
		case t < time:
			pred, hasPred = id, true
		case t > time:
			return pred, id, hasPred, true
		}
	}
	return pred, 0, hasPred, false
}

// AddDetections inserts detections, assigning fresh ids, and splices each
// into its tracklet: a skip link bridging the new detection's frame is
// removed and the detection is linked to its tracklet neighbours. Detections
// without a tracklet id start a new tracklet. The new ids are returned.
func (s *Service) AddDetections(ctx context.Context, dets []domain.Detection, pixels segmentation.Patch) ([]domain.NodeID, error) {
	var ids []domain.NodeID
	err := s.execute(ctx, "add_detections", func(b *editBuilder) error {
		st := b.store
		prepared := cloneDetections(dets)
		ids = st.NextDetectionIDs(len(prepared))
		for i := range prepared {
			prepared[i].ID = ids[i]
			if prepared[i].TrackletID == 0 {
				prepared[i].TrackletID = st.NextTrackletID()
			}
		}

		var skips []domain.Edge
		for _, d := range prepared {
			pred, succ, okP, okS := predAndSucc(st, d.TrackletID, d.Time)
			e := domain.Edge{Source: pred, Target: succ}
			if okP && okS && st.HasLink(e) && !slices.Contains(skips, e) {
				skips = append(skips, e)
			}
		}
		if len(skips) > 0 {
			cmd, err := NewRemoveLinks(st, skips)
			if err := b.apply(cmd, err); err != nil {
				return err
			}
		}

		cmd, err := NewAddDetections(st, prepared, pixels)
		if err := b.apply(cmd, err); err != nil {
			return err
		}

		var links []domain.Link
		seen := make(map[domain.Edge]struct{})
		for _, d := range prepared {
			pred, succ, okP, okS := predAndSucc(st, d.TrackletID, d.Time)
			candidates := []struct {
				ok bool
				e  domain.Edge
			}{
				{okP, domain.Edge{Source: pred, Target: d.ID}},
				{okS, domain.Edge{Source: d.ID, Target: succ}},
			}
			for _, c := range candidates {
				if _, dup := seen[c.e]; !c.ok || dup || st.HasLink(c.e) {
					continue
				}
				seen[c.e] = struct{}{}
				links = append(links, domain.Link{Edge: c.e})
			}
		}
		if len(links) > 0 {
			cmd, err := NewAddLinks(st, links)
			return b.apply(cmd, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// DeleteDetections removes detections together with their incident links.
// When a removal dissolves a division the surviving sibling inherits the
// parent's tracklet id, and gaps left inside a tracklet are bridged with a
// skip link.
func (s *Service) DeleteDetections(ctx context.Context, ids []domain.NodeID) error {
	return s.execute(ctx, "delete_detections", func(b *editBuilder) error {
		st := b.store
		deleting := make(map[domain.NodeID]struct{}, len(ids))
		for _, id := range ids {
			if !st.HasDetection(id) {
				return domain.MissingDetection(id)
			}
			deleting[id] = struct{}{}
		}

		var edges []domain.Edge
		seen := make(map[domain.Edge]struct{})
		addEdge := func(e domain.Edge) {
			if _, ok := seen[e]; !ok {
				seen[e] = struct{}{}
				edges = append(edges, e)
			}
		}
		type relabel struct {
			node domain.NodeID
			tid  int
		}
		var relabels []relabel
		for _, id := range ids {
			for _, pred := range st.Predecessors(id) {
				addEdge(domain.Edge{Source: pred, Target: id})
				siblings := st.Successors(pred)
				if len(siblings) != 2 {
					continue
				}
				sib := siblings[0]
				if sib == id {
					sib = siblings[1]
				}
				if _, gone := deleting[sib]; gone {
					continue
				}
				tid, _ := st.TrackletID(pred)
				relabels = append(relabels, relabel{node: sib, tid: tid})
			}
			for _, succ := range st.Successors(id) {
				addEdge(domain.Edge{Source: id, Target: succ})
			}
		}
		if len(edges) > 0 {
			cmd, err := NewRemoveLinks(st, edges)
			if err := b.apply(cmd, err); err != nil {
				return err
			}
		}
		for _, r := range relabels {
			if err := b.reassign(r.node, r.tid); err != nil {
				return err
			}
		}

		type slot struct{ tid, time int }
		slots := make([]slot, 0, len(ids))
		for _, id := range ids {
			d, _ := st.Detection(id)
			slots = append(slots, slot{d.TrackletID, d.Time})
		}
		cmd, err := NewRemoveDetections(st, ids)
		if err := b.apply(cmd, err); err != nil {
			return err
		}

		var skips []domain.Link
		seenSkip := make(map[domain.Edge]struct{})
		for _, sl := range slots {
			pred, succ, okP, okS := predAndSucc(st, sl.tid, sl.time)
			e := domain.Edge{Source: pred, Target: succ}
			if _, dup := seenSkip[e]; !okP || !okS || dup || st.HasLink(e) {
				continue
			}
			seenSkip[e] = struct{}{}
			skips = append(skips, domain.Link{Edge: e})
		}
		if len(skips) > 0 {
			cmd, err := NewAddLinks(st, skips)
			return b.apply(cmd, err)
		}
		return nil
	})
}

// AddLinkOptions tunes AddLinks.
type AddLinkOptions struct {
	// ReplaceIncoming removes an existing incoming link of a target instead
	// of rejecting the new link as a merge.
	ReplaceIncoming bool
}

// AddLinks validates and inserts links, orienting each from the earlier
// detection to the later one. Joining a tracklet end hands the source's
// tracklet id downstream; creating a division gives the existing child a new
// tracklet id.
func (s *Service) AddLinks(ctx context.Context, links []domain.Link, opts AddLinkOptions) error {
	return s.execute(ctx, "add_links", func(b *editBuilder) error {
		st := b.store
		oriented := cloneLinks(links)
		changes := make([]domain.Change, 0, len(oriented))
		for i, l := range oriented {
			t1, err := st.Time(l.Source)
			if err != nil {
				return err
			}
			t2, err := st.Time(l.Target)
			if err != nil {
				return err
			}
			if t1 > t2 {
				oriented[i].Edge = l.Edge.Reversed()
			}
			changes = append(changes, domain.Change{Entity: domain.EntityLink, Action: domain.ActionCreate, Edge: oriented[i].Edge})
		}

		if opts.ReplaceIncoming {
			for _, l := range oriented {
				for _, pred := range st.Predecessors(l.Target) {
					if pred == l.Source {
						continue
					}
					if err := s.removeLink(b, domain.Edge{Source: pred, Target: l.Target}); err != nil {
						return err
					}
				}
			}
		}

		res, err := s.engine.Evaluate(ctx, st, changes)
		if err != nil {
			return err
		}
		if res.HasBlocking() {
			return domain.RuleViolationError{Result: res}
		}
		for _, v := range res.Violations {
			s.logger.Warn("link rule warning", "rule", v.Rule, "link", v.EntityID, "message", v.Message)
		}

		for _, l := range oriented {
			switch st.OutDegree(l.Source) {
			case 0:
				tid, _ := st.TrackletID(l.Source)
				if err := b.reassign(l.Target, tid); err != nil {
					return err
				}
			case 1:
				child := st.Successors(l.Source)[0]
				if err := b.reassign(child, st.NextTrackletID()); err != nil {
					return err
				}
			default:
				return domain.ValidationError{Entity: domain.EntityDetection, ID: fmt.Sprint(l.Source), Reason: "already divides into two children"}
			}
			cmd, err := NewAddLinks(st, []domain.Link{l})
			if err := b.apply(cmd, err); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteLinks removes links and repairs tracklet ids: the target of a
// removed continuation starts a new tracklet, and the remaining child of a
// dissolved division inherits the parent's tracklet id.
func (s *Service) DeleteLinks(ctx context.Context, edges []domain.Edge) error {
	return s.execute(ctx, "delete_links", func(b *editBuilder) error {
		for _, e := range edges {
			if !b.store.HasLink(e) {
				return domain.MissingLink(e)
			}
		}
		for _, e := range edges {
			if err := s.removeLink(b, e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Service) removeLink(b *editBuilder, e domain.Edge) error {
	st := b.store
	cmd, err := NewRemoveLinks(st, []domain.Edge{e})
	if err := b.apply(cmd, err); err != nil {
		return err
	}
	switch st.OutDegree(e.Source) {
	case 0:
		return b.reassign(e.Target, st.NextTrackletID())
	case 1:
		tid, _ := st.TrackletID(e.Source)
		return b.reassign(st.Successors(e.Source)[0], tid)
	default:
		return domain.ValidationError{Entity: domain.EntityDetection, ID: fmt.Sprint(e.Source), Reason: "still divides after link removal"}
	}
}

// UpdateDetectionAttrs replaces detection attribute bags.
func (s *Service) UpdateDetectionAttrs(ctx context.Context, ids []domain.NodeID, attrs []domain.DetectionAttrs) error {
	return s.execute(ctx, "update_detection_attrs", func(b *editBuilder) error {
		cmd, err := NewUpdateDetections(b.store, ids, attrs)
		return b.apply(cmd, err)
	})
}

// UpdateLinkAttrs replaces link attribute bags.
func (s *Service) UpdateLinkAttrs(ctx context.Context, edges []domain.Edge, attrs []domain.LinkAttrs) error {
	return s.execute(ctx, "update_link_attrs", func(b *editBuilder) error {
		cmd, err := NewUpdateLinks(b.store, edges, attrs)
		return b.apply(cmd, err)
	})
}

// ReassignTracklet gives the run of detections starting at start a new
// tracklet id as a recorded edit.
func (s *Service) ReassignTracklet(ctx context.Context, start domain.NodeID, newID int) error {
	return s.execute(ctx, "reassign_tracklet_id", func(b *editBuilder) error {
		return b.reassign(start, newID)
	})
}

// RelabelSegmentation rewrites every detection's cells and segmentation id to
// its tracklet id as one recorded edit.
func (s *Service) RelabelSegmentation(ctx context.Context) error {
	return s.execute(ctx, "relabel_segmentation", func(b *editBuilder) error {
		cmd, err := NewRelabelSegmentation(b.store)
		if err != nil || cmd == nil {
			return err
		}
		return b.apply(cmd, nil)
	})
}

// ApplyEdit applies an arbitrary prepared command as a recorded edit.
func (s *Service) ApplyEdit(ctx context.Context, cmd Command) error {
	return s.execute(ctx, cmd.Name(), func(b *editBuilder) error {
		return b.apply(cmd, nil)
	})
}

// SolveResult is delivered once by SolveAsync.
type SolveResult struct {
	Store  *Store
	Output domain.SolverOutput
	Err    error
}

// SolveAsync runs solver on its own goroutine and delivers a fresh store
// built from the solution. The current store is untouched; hand the result
// to AdoptSolution to switch to it.
func (s *Service) SolveAsync(ctx context.Context, solver domain.Solver, params domain.SolverParams, input domain.SolverInput) <-chan SolveResult {
	ch := make(chan SolveResult, 1)
	go func() {
		defer close(ch)
		ch <- s.solve(ctx, solver, params, input)
	}()
	return ch
}

func (s *Service) solve(ctx context.Context, solver domain.Solver, params domain.SolverParams, input domain.SolverInput) (res SolveResult) {
	ctx, span := s.tracer.Start(ctx, "solve")
	start := s.now()
	defer func() {
		s.metrics.Observe(ctx, "solve", res.Err == nil, s.now().Sub(start))
		span.End(res.Err)
	}()

	var seg *segmentation.LabelArray
	if len(input.Shape) > 0 {
		var err error
		seg, err = segmentation.FromData(input.Shape, slices.Clone(input.Labels))
		if err != nil {
			res.Err = fmt.Errorf("solver input: %w", err)
			return res
		}
	}
	out, err := solver.Solve(ctx, params, input)
	if err != nil {
		s.logger.Warn("solve failed", "error", err)
		res.Err = err
		return res
	}
	meta := input.Metadata
	if meta.TimeAttr == "" {
		ndim := 0
		if seg != nil {
			ndim = seg.SpatialDims()
		} else if len(out.Detections) > 0 {
			ndim = len(out.Detections[0].Position)
		}
		meta = domain.DefaultMetadata(ndim)
	}
	st, err := NewSolutionStore(meta, seg, out)
	if err != nil {
		res.Err = fmt.Errorf("build solution: %w", err)
		return res
	}
	s.logger.Info("solve finished", "detections", st.NodeCount(), "links", st.LinkCount(), "gaps", len(out.Gaps))
	return SolveResult{Store: st, Output: out}
}

// AdoptSolution relabels the solution's segmentation so that every
// detection is painted with its tracklet id, then replaces the current store
// with it. The edit history starts over.
func (s *Service) AdoptSolution(st *Store) error {
	if st == nil {
		return domain.ValidationError{Entity: domain.EntitySnapshot, Reason: "nil store"}
	}
	if err := NormalizeSegmentation(st); err != nil {
		return fmt.Errorf("normalize segmentation: %w", err)
	}
	return s.ReplaceStore(st)
}
