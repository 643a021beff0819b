package core

import (
	"context"
	"fmt"

	"trackcore/pkg/domain"
)

// DefaultLinkRules returns an engine with every link validity rule applied
// to manual link creation.
func DefaultLinkRules() *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(LinkExistsRule())
	engine.Register(HorizontalLinkRule())
	engine.Register(SingleParentRule())
	engine.Register(MaxChildrenRule())
	engine.Register(ShortestConnectionRule())
	return engine
}

func proposedLinks(changes []domain.Change) []domain.Edge {
	var out []domain.Edge
	for _, c := range changes {
		if c.Entity == domain.EntityLink && c.Action == domain.ActionCreate {
			out = append(out, c.Edge)
		}
	}
	return out
}

func linkViolation(rule string, e domain.Edge, msg string) domain.Violation {
	return domain.Violation{
		Rule:     rule,
		Severity: domain.SeverityBlock,
		Message:  msg,
		Entity:   domain.EntityLink,
		EntityID: fmt.Sprintf("%d->%d", e.Source, e.Target),
	}
}

// LinkExistsRule rejects links that are already present.
func LinkExistsRule() domain.Rule { return linkExistsRule{} }

type linkExistsRule struct{}

func (linkExistsRule) Name() string { return "link_exists" }

func (r linkExistsRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, e := range proposedLinks(changes) {
		if view.HasLink(e) {
			res.Violations = append(res.Violations, linkViolation(r.Name(), e, fmt.Sprintf("link %d->%d already exists", e.Source, e.Target)))
		}
	}
	return res, nil
}

// HorizontalLinkRule rejects links between detections of the same frame.
func HorizontalLinkRule() domain.Rule { return horizontalLinkRule{} }

type horizontalLinkRule struct{}

func (horizontalLinkRule) Name() string { return "horizontal_link" }

func (r horizontalLinkRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, e := range proposedLinks(changes) {
		t1, err := view.Time(e.Source)
		if err != nil {
			return domain.Result{}, err
		}
		t2, err := view.Time(e.Target)
		if err != nil {
			return domain.Result{}, err
		}
		if t1 == t2 {
			res.Violations = append(res.Violations, linkViolation(r.Name(), e, fmt.Sprintf("link %d->%d is horizontal", e.Source, e.Target)))
		}
	}
	return res, nil
}

// SingleParentRule rejects merges: a target may have one incoming link.
func SingleParentRule() domain.Rule { return singleParentRule{} }

type singleParentRule struct{}

func (singleParentRule) Name() string { return "single_parent" }

func (r singleParentRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	incoming := make(map[domain.NodeID]int)
	for _, e := range proposedLinks(changes) {
		incoming[e.Target]++
		if len(view.Predecessors(e.Target))+incoming[e.Target] > 1 {
			res.Violations = append(res.Violations, linkViolation(r.Name(), e, fmt.Sprintf("detection %d already has an incoming link", e.Target)))
		}
	}
	return res, nil
}

// MaxChildrenRule rejects triple divisions.
func MaxChildrenRule() domain.Rule { return maxChildrenRule{} }

type maxChildrenRule struct{}

func (maxChildrenRule) Name() string { return "max_children" }

func (r maxChildrenRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	outgoing := make(map[domain.NodeID]int)
	for _, e := range proposedLinks(changes) {
		outgoing[e.Source]++
		if len(view.Successors(e.Source))+outgoing[e.Source] > 2 {
			res.Violations = append(res.Violations, linkViolation(r.Name(), e, fmt.Sprintf("detection %d would divide into more than two children", e.Source)))
		}
	}
	return res, nil
}

// ShortestConnectionRule rejects links that skip over detections of the
// target's tracklet lying between the two endpoints.
func ShortestConnectionRule() domain.Rule { return shortestConnectionRule{} }

type shortestConnectionRule struct{}

func (shortestConnectionRule) Name() string { return "shortest_connection" }

func (r shortestConnectionRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, e := range proposedLinks(changes) {
		t1, err := view.Time(e.Source)
		if err != nil {
			return domain.Result{}, err
		}
		t2, err := view.Time(e.Target)
		if err != nil {
			return domain.Result{}, err
		}
		if t2-t1 <= 1 {
			continue
		}
		tid, err := view.TrackletID(e.Target)
		if err != nil {
			return domain.Result{}, err
		}
		for _, id := range view.DetectionsInTracklet(tid) {
			t, err := view.Time(id)
			if err != nil {
				return domain.Result{}, err
			}
			if t > t1 && t < t2 {
				res.Violations = append(res.Violations, linkViolation(r.Name(), e, fmt.Sprintf("link %d->%d skips detection %d of tracklet %d", e.Source, e.Target, id, tid)))
				break
			}
		}
	}
	return res, nil
}
