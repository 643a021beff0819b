package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors matched through errors.Is against the typed errors below.
var (
	ErrValidation    = errors.New("validation failed")
	ErrNotFound      = errors.New("not found")
	ErrReversibility = errors.New("store state does not match recorded edit")
)

// ValidationError reports a missing id or a violated precondition.
type ValidationError struct {
	Entity EntityType
	ID     string
	Reason string
}

func (e ValidationError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("invalid %s: %s", e.Entity, e.Reason)
	}
	return fmt.Sprintf("invalid %s %s: %s", e.Entity, e.ID, e.Reason)
}

// Is matches ErrValidation.
func (e ValidationError) Is(target error) bool { return target == ErrValidation }

// MissingDetection builds the error returned for unknown detection ids.
func MissingDetection(id NodeID) error {
	return ValidationError{Entity: EntityDetection, ID: fmt.Sprint(id), Reason: "missing id"}
}

// MissingLink builds the error returned for unknown links.
func MissingLink(e Edge) error {
	return ValidationError{Entity: EntityLink, ID: fmt.Sprintf("%d->%d", e.Source, e.Target), Reason: "missing id"}
}

// NotFoundError reports a missing snapshot file or run.
type NotFoundError struct {
	Entity EntityType
	ID     string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

// Is matches ErrNotFound.
func (e NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ReversibilityError reports an inverse edit applied to a store whose state no
// longer matches what the edit recorded.
type ReversibilityError struct {
	Op     string
	Reason string
}

func (e ReversibilityError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// Is matches ErrReversibility.
func (e ReversibilityError) Is(target error) bool { return target == ErrReversibility }

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present. It
// matches ErrValidation.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	var msgs []string
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			msgs = append(msgs, v.Message)
		}
	}
	if len(msgs) == 0 {
		return "edit blocked by rules"
	}
	return "edit blocked by rules: " + strings.Join(msgs, "; ")
}

// Is matches ErrValidation.
func (e RuleViolationError) Is(target error) bool { return target == ErrValidation }
