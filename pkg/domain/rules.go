package domain

import "context"

// RuleView provides read-only access to the tracking graph for rule evaluation.
type RuleView interface {
	HasDetection(id NodeID) bool
	HasLink(e Edge) bool
	Time(id NodeID) (int, error)
	TrackletID(id NodeID) (int, error)
	Successors(id NodeID) []NodeID
	Predecessors(id NodeID) []NodeID
	DetectionsInTracklet(trackletID int) []NodeID
}

// Rule defines an evaluation executed against a proposed set of changes
// before they are applied.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, view RuleView, changes []Change) (Result, error)
}

// RulesEngine orchestrates rule evaluation.
type RulesEngine struct {
	rules []Rule
}

// NewRulesEngine constructs an engine instance.
func NewRulesEngine() *RulesEngine {
	return &RulesEngine{}
}

// Register appends a rule to the engine.
func (e *RulesEngine) Register(rule Rule) {
	e.rules = append(e.rules, rule)
}

// Rules returns the registered rules in evaluation order.
func (e *RulesEngine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Evaluate executes all registered rules and aggregates their results.
func (e *RulesEngine) Evaluate(ctx context.Context, view RuleView, changes []Change) (Result, error) {
	var combined Result
	for _, rule := range e.rules {
		res, err := rule.Evaluate(ctx, view, changes)
		if err != nil {
			return Result{}, err
		}
		combined.Merge(res)
	}
	return combined, nil
}
