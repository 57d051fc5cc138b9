package core

import (
	sferrors "github.com/vnykmshr/stageflow/pkg/common/errors"
)

// Strategy selects how the scheduler orders and overlaps stage execution.
type Strategy int

const (
	// StrategySequential executes stages one at a time in declared order.
	StrategySequential Strategy = iota

	// StrategyParallel executes ready stages concurrently up to the
	// configured concurrency bound.
	StrategyParallel

	// StrategyAdaptive picks a strategy at run time from a static
	// pre-pass over the stage set's capabilities.
	StrategyAdaptive

	// StrategyOptimized runs the parallel algorithm and then applies
	// optimization rules whose estimated savings clear the threshold.
	StrategyOptimized
)

// String returns the strategy's configuration name.
func (s Strategy) String() string {
	switch s {
	case StrategySequential:
		return "sequential"
	case StrategyParallel:
		return "parallel"
	case StrategyAdaptive:
		return "adaptive"
	case StrategyOptimized:
		return "optimized"
	default:
		return "unknown"
	}
}

// ParseStrategy converts a configuration name into a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "sequential":
		return StrategySequential, nil
	case "parallel":
		return StrategyParallel, nil
	case "adaptive":
		return StrategyAdaptive, nil
	case "optimized":
		return StrategyOptimized, nil
	default:
		return StrategySequential, sferrors.NewValidationError("core", "strategy", name,
			"unknown strategy").
			WithHint("use sequential, parallel, adaptive, or optimized")
	}
}
