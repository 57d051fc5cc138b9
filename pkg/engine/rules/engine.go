package rules

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	sferrors "github.com/vnykmshr/stageflow/pkg/common/errors"
	"github.com/vnykmshr/stageflow/pkg/common/logging"
	"github.com/vnykmshr/stageflow/pkg/common/validation"
	"github.com/vnykmshr/stageflow/pkg/engine/core"
	"github.com/vnykmshr/stageflow/pkg/metrics"
)

const (
	// emaDecay and emaWeight define the rolling success rate update:
	// rate = rate*emaDecay + outcome*emaWeight, outcome 100 or 0.
	emaDecay  = 0.9
	emaWeight = 0.1
)

// Config holds configuration for a rule engine.
type Config struct {
	// InitialSuccessRate seeds the rolling success rate of newly
	// registered rules, in [0, 100].
	InitialSuccessRate float64

	// Logger receives rule failure reports. If nil, the shared default
	// logger is used.
	Logger logging.Logger

	// Metrics records rule applications. If nil, nothing is recorded.
	Metrics *metrics.Registry
}

// DefaultConfig returns the default engine configuration. Rules start
// fully trusted and earn their standing from there.
func DefaultConfig() Config {
	return Config{
		InitialSuccessRate: 100,
	}
}

// ruleState tracks one rule's rolling outcome history.
type ruleState struct {
	rate         float64
	applications int64
	failures     int64
}

// Engine matches registered rules against stages and applies them,
// tracking a rolling success rate per rule. Safe for concurrent use by
// multiple in-flight runs.
type Engine struct {
	mu     sync.Mutex
	config Config
	logger logging.Logger

	// rules holds registration order; Applicable sorts stably by
	// priority so equal priorities keep it.
	rules []Rule
	state map[string]*ruleState
}

// New creates a rule engine with default configuration.
func New() *Engine {
	engine, _ := NewWithConfig(DefaultConfig())
	return engine
}

// NewWithConfig creates a rule engine with the given configuration.
func NewWithConfig(config Config) (*Engine, error) {
	if config.InitialSuccessRate < 0 || config.InitialSuccessRate > 100 {
		return nil, sferrors.NewValidationError("rules", "initialSuccessRate", config.InitialSuccessRate,
			"must be between 0 and 100").WithHint("success rates are percentages")
	}

	logger := config.Logger
	if logger == nil {
		logger = logging.Default()
	}

	return &Engine{
		config: config,
		logger: logger,
		state:  make(map[string]*ruleState),
	}, nil
}

// Register adds a rule. Rule ids must be unique within the engine.
func (e *Engine) Register(rule Rule) error {
	if err := validation.ValidateNotNil("rules", "rule", rule); err != nil {
		return err
	}
	if err := validation.ValidateNotEmpty("rules", "rule id", rule.ID()); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.state[rule.ID()]; exists {
		return sferrors.NewOperationError("rules", "register", sferrors.ErrAlreadyExists).
			WithContext("rule " + rule.ID())
	}
	e.rules = append(e.rules, rule)
	e.state[rule.ID()] = &ruleState{rate: e.config.InitialSuccessRate}
	return nil
}

// Len returns the number of registered rules.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.rules)
}

// Applicable returns the enabled rules matching stage under ec, stably
// sorted by ascending priority. Predicates run outside the engine lock.
func (e *Engine) Applicable(ec core.ExecutionContext, stage core.Stage) []Rule {
	e.mu.Lock()
	candidates := make([]Rule, len(e.rules))
	copy(candidates, e.rules)
	e.mu.Unlock()

	var matched []Rule
	for _, rule := range candidates {
		if !rule.Enabled() {
			continue
		}
		if e.safeApplies(rule, ec, stage) {
			matched = append(matched, rule)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority() < matched[j].Priority()
	})
	return matched
}

// Apply runs a rule's action against a stage. Action errors and panics are
// converted into a failed ApplicationResult and degrade the rule's rolling
// success rate; they are never returned to the caller.
func (e *Engine) Apply(ctx context.Context, rule Rule, ec core.ExecutionContext, stage core.Stage) ApplicationResult {
	start := time.Now()
	output, err := e.runAction(ctx, rule, ec, stage)

	result := ApplicationResult{
		RuleID:           rule.ID(),
		RuleName:         rule.Name(),
		Duration:         time.Since(start),
		EstimatedSavings: rule.EstimatedSavings(),
	}

	outcome := 0.0
	if err != nil {
		result.Err = err.Error()
		e.logger.Warn("optimization rule failed",
			"rule", rule.ID(), "stage", stage.ID(), "error", err)
	} else {
		result.Success = true
		result.Output = output
		outcome = 100
	}

	rate := e.recordOutcome(rule.ID(), outcome)
	e.recordMetrics(rule.ID(), result.Success, rate)
	return result
}

// SuccessRate returns a rule's rolling success rate in [0, 100]. The
// second return is false for unknown rule ids.
func (e *Engine) SuccessRate(id string) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.state[id]
	if !ok {
		return 0, false
	}
	return state.rate, true
}

// Snapshot returns a copy of every registered rule's standing, sorted by
// ascending priority.
func (e *Engine) Snapshot() []RuleStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := make([]RuleStats, 0, len(e.rules))
	for _, rule := range e.rules {
		state := e.state[rule.ID()]
		stats = append(stats, RuleStats{
			ID:               rule.ID(),
			Name:             rule.Name(),
			Priority:         rule.Priority(),
			Enabled:          rule.Enabled(),
			EstimatedSavings: rule.EstimatedSavings(),
			SuccessRate:      state.rate,
			Applications:     state.applications,
			Failures:         state.failures,
		})
	}
	sort.SliceStable(stats, func(i, j int) bool {
		return stats[i].Priority < stats[j].Priority
	})
	return stats
}

// safeApplies evaluates a predicate, treating a panic as no match.
func (e *Engine) safeApplies(rule Rule, ec core.ExecutionContext, stage core.Stage) (matched bool) {
	defer func() {
		if r := recover(); r != nil {
			matched = false
			e.logger.Error("optimization rule predicate panicked",
				"rule", rule.ID(), "stage", stage.ID(), "panic", r)
		}
	}()
	return rule.Applies(ec, stage)
}

// runAction executes a rule action with panic recovery.
func (e *Engine) runAction(ctx context.Context, rule Rule, ec core.ExecutionContext, stage core.Stage) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			output = nil
			err = fmt.Errorf("rule panicked: %v", r)
			e.logger.Error("optimization rule panicked",
				"rule", rule.ID(), "stage", stage.ID(), "panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	return rule.Apply(ctx, ec, stage)
}

// recordOutcome folds one application outcome (100 or 0) into the rule's
// rolling success rate and returns the new rate. Unknown ids are tracked
// from the configured initial rate.
func (e *Engine) recordOutcome(id string, outcome float64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, ok := e.state[id]
	if !ok {
		state = &ruleState{rate: e.config.InitialSuccessRate}
		e.state[id] = state
	}
	state.rate = state.rate*emaDecay + outcome*emaWeight
	state.applications++
	if outcome == 0 {
		state.failures++
	}
	return state.rate
}

func (e *Engine) recordMetrics(id string, success bool, rate float64) {
	if e.config.Metrics == nil {
		return
	}
	status := "success"
	if !success {
		status = "failure"
	}
	e.config.Metrics.RulesApplied.WithLabelValues(id, status).Inc()
	e.config.Metrics.RuleSuccessRate.WithLabelValues(id).Set(rate)
}
