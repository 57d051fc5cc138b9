package scheduler

import (
	"time"

	sferrors "github.com/vnykmshr/stageflow/pkg/common/errors"
	"github.com/vnykmshr/stageflow/pkg/common/logging"
	"github.com/vnykmshr/stageflow/pkg/common/validation"
	"github.com/vnykmshr/stageflow/pkg/engine/analytics"
	"github.com/vnykmshr/stageflow/pkg/engine/cache"
	"github.com/vnykmshr/stageflow/pkg/engine/core"
	"github.com/vnykmshr/stageflow/pkg/engine/events"
	"github.com/vnykmshr/stageflow/pkg/engine/monitor"
	"github.com/vnykmshr/stageflow/pkg/engine/rules"
	"github.com/vnykmshr/stageflow/pkg/metrics"
)

// ResourceLimits bounds a run's resource appetite. Zero values disable the
// corresponding limit.
type ResourceLimits struct {
	// MaxCPUPercent defers new stage launches while sampled CPU usage
	// exceeds it and other stages are still running.
	MaxCPUPercent float64

	// MaxMemoryPercent defers new stage launches while sampled memory
	// usage exceeds it and other stages are still running.
	MaxMemoryPercent float64

	// MaxExecutionTime is the overall run deadline, checked between
	// scheduling rounds. Stages are never preempted.
	MaxExecutionTime time.Duration
}

// Config holds configuration for a scheduler. Collaborators are injected
// here; every scheduler instance runs independently.
type Config struct {
	// Strategy selects how stages are driven. StrategyAdaptive picks a
	// concrete strategy per run from the pipeline's capability flags.
	Strategy core.Strategy

	// MaxConcurrentStages bounds in-flight stages under the parallel and
	// optimized strategies.
	MaxConcurrentStages int

	// EnableCaching turns the execution cache on for cacheable stages.
	EnableCaching bool

	// CacheTTL is how long cached stage results stay fresh.
	CacheTTL time.Duration

	// EnableOptimization turns the rule engine pass on under the
	// optimized strategy.
	EnableOptimization bool

	// OptimizationThreshold is the minimum estimated savings, in percent,
	// a rule must declare before it is applied.
	OptimizationThreshold float64

	// ResourceLimits bounds the run's resource appetite.
	ResourceLimits ResourceLimits

	// Cache stores stage results. If nil and EnableCaching is set, an
	// in-memory store is created.
	Cache cache.Store

	// Rules supplies optimization rules. If nil and EnableOptimization is
	// set, an empty engine is created.
	Rules *rules.Engine

	// Monitor supplies resource usage samples. If nil, usage is reported
	// as zero and limits never defer launches.
	Monitor monitor.Monitor

	// Analytics records completed runs. If nil, a default aggregator is
	// created.
	Analytics *analytics.Aggregator

	// Metrics records scheduler activity. If nil, nothing is recorded.
	Metrics *metrics.Registry

	// Events receives run, stage, cache, and rule events. Optional.
	Events *events.Bus

	// Logger receives run and stage reports. If nil, the shared default
	// logger is used.
	Logger logging.Logger

	// OnStageStart is called before each stage launches.
	OnStageStart func(stageID string)

	// OnStageComplete is called with each stage's result.
	OnStageComplete func(stageID string, result core.StageResult)

	// OnRunComplete is called with the finished pipeline result.
	OnRunComplete func(result *core.PipelineResult)

	// OnError is called for each failed stage body.
	OnError func(stageID string, err error)
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Strategy:              core.StrategyAdaptive,
		MaxConcurrentStages:   4,
		EnableCaching:         true,
		CacheTTL:              5 * time.Minute,
		EnableOptimization:    true,
		OptimizationThreshold: 20,
		ResourceLimits: ResourceLimits{
			MaxCPUPercent:    90,
			MaxMemoryPercent: 90,
		},
	}
}

func validateConfig(config *Config) error {
	if config.Strategy < core.StrategySequential || config.Strategy > core.StrategyOptimized {
		return sferrors.NewValidationError("scheduler", "strategy", config.Strategy,
			"unknown strategy").WithHint("use sequential, parallel, adaptive, or optimized")
	}
	if err := validation.ValidatePositive("scheduler", "maxConcurrentStages", config.MaxConcurrentStages); err != nil {
		return err
	}
	if config.EnableCaching {
		if config.CacheTTL == 0 {
			config.CacheTTL = DefaultConfig().CacheTTL
		}
		if err := validation.ValidatePositiveDuration("scheduler", "cacheTTL", config.CacheTTL); err != nil {
			return err
		}
	}
	if err := validation.ValidateNonNegative("scheduler", "optimizationThreshold", config.OptimizationThreshold); err != nil {
		return err
	}
	if err := validation.ValidateNonNegative("scheduler", "maxCPUPercent", config.ResourceLimits.MaxCPUPercent); err != nil {
		return err
	}
	if err := validation.ValidateNonNegative("scheduler", "maxMemoryPercent", config.ResourceLimits.MaxMemoryPercent); err != nil {
		return err
	}
	if err := validation.ValidateNonNegativeDuration("scheduler", "maxExecutionTime", config.ResourceLimits.MaxExecutionTime); err != nil {
		return err
	}
	return nil
}

// applyConfigDefaults fills in collaborators the caller did not inject.
func applyConfigDefaults(config *Config) {
	if config.Logger == nil {
		config.Logger = logging.Default()
	}
	if config.EnableCaching && config.Cache == nil {
		config.Cache = cache.NewMemory()
	}
	if config.EnableOptimization && config.Rules == nil {
		config.Rules = rules.New()
	}
	if config.Analytics == nil {
		config.Analytics = analytics.New()
	}
}
