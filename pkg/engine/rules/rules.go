package rules

import (
	"context"
	"time"

	"github.com/vnykmshr/stageflow/pkg/engine/core"
)

// Rule describes one optimization that can wrap or replace a stage
// execution. Rules are matched per stage and applied in ascending priority
// order.
type Rule interface {
	// ID returns the unique rule identifier.
	ID() string

	// Name returns a human-readable rule name.
	Name() string

	// Priority orders applicable rules; lower runs first.
	Priority() int

	// Enabled reports whether the rule participates in matching.
	Enabled() bool

	// EstimatedSavings is the rule author's declared estimate of the
	// execution time saved when the rule applies, in percent. It is an
	// estimate, not a measurement.
	EstimatedSavings() float64

	// Applies reports whether the rule matches the stage under the given
	// execution context.
	Applies(ec core.ExecutionContext, stage core.Stage) bool

	// Apply runs the rule's action.
	Apply(ctx context.Context, ec core.ExecutionContext, stage core.Stage) (any, error)
}

// PredicateFunc decides whether a rule matches a stage.
type PredicateFunc func(ec core.ExecutionContext, stage core.Stage) bool

// ActionFunc is a rule's action.
type ActionFunc func(ctx context.Context, ec core.ExecutionContext, stage core.Stage) (any, error)

// FuncRule is a Rule built from functions.
type FuncRule struct {
	id        string
	name      string
	priority  int
	enabled   bool
	savings   float64
	predicate PredicateFunc
	action    ActionFunc
}

// NewRule creates an enabled rule with the given id and action. Without a
// predicate the rule matches every stage.
func NewRule(id string, action ActionFunc) *FuncRule {
	return &FuncRule{
		id:      id,
		name:    id,
		enabled: true,
		action:  action,
	}
}

// WithName sets a human-readable name.
func (r *FuncRule) WithName(name string) *FuncRule {
	r.name = name
	return r
}

// WithPriority sets the rule priority; lower runs first.
func (r *FuncRule) WithPriority(priority int) *FuncRule {
	r.priority = priority
	return r
}

// WithPredicate sets the matching predicate.
func (r *FuncRule) WithPredicate(predicate PredicateFunc) *FuncRule {
	r.predicate = predicate
	return r
}

// WithEstimatedSavings declares the estimated savings in percent.
func (r *FuncRule) WithEstimatedSavings(percent float64) *FuncRule {
	r.savings = percent
	return r
}

// WithEnabled sets the enabled flag.
func (r *FuncRule) WithEnabled(enabled bool) *FuncRule {
	r.enabled = enabled
	return r
}

// ID returns the rule identifier.
func (r *FuncRule) ID() string { return r.id }

// Name returns the rule name.
func (r *FuncRule) Name() string { return r.name }

// Priority returns the rule priority.
func (r *FuncRule) Priority() int { return r.priority }

// Enabled reports whether the rule participates in matching.
func (r *FuncRule) Enabled() bool { return r.enabled }

// EstimatedSavings returns the declared savings estimate in percent.
func (r *FuncRule) EstimatedSavings() float64 { return r.savings }

// Applies reports whether the rule matches the stage.
func (r *FuncRule) Applies(ec core.ExecutionContext, stage core.Stage) bool {
	if r.predicate == nil {
		return true
	}
	return r.predicate(ec, stage)
}

// Apply runs the rule action.
func (r *FuncRule) Apply(ctx context.Context, ec core.ExecutionContext, stage core.Stage) (any, error) {
	return r.action(ctx, ec, stage)
}

// ApplicationResult reports the outcome of one rule application. Failures
// are carried here rather than returned as errors so a failed optimization
// never aborts a pipeline run.
type ApplicationResult struct {
	// RuleID identifies the applied rule.
	RuleID string

	// RuleName is the rule's human-readable name.
	RuleName string

	// Success reports whether the action completed without error.
	Success bool

	// Output is the action's result when successful.
	Output any

	// Err holds the failure message when unsuccessful.
	Err string

	// Duration is the wall time the application took.
	Duration time.Duration

	// EstimatedSavings echoes the rule's declared estimate in percent.
	EstimatedSavings float64
}

// RuleStats is a point-in-time snapshot of one rule's standing.
type RuleStats struct {
	ID               string
	Name             string
	Priority         int
	Enabled          bool
	EstimatedSavings float64

	// SuccessRate is the rolling success rate in [0, 100].
	SuccessRate float64

	// Applications counts how many times the rule was applied.
	Applications int64

	// Failures counts applications that ended in error or panic.
	Failures int64
}
