package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/vnykmshr/stageflow/pkg/common/contextutil"
	sferrors "github.com/vnykmshr/stageflow/pkg/common/errors"
	"github.com/vnykmshr/stageflow/pkg/common/logging"
	"github.com/vnykmshr/stageflow/pkg/engine/analytics"
	"github.com/vnykmshr/stageflow/pkg/engine/cache"
	"github.com/vnykmshr/stageflow/pkg/engine/core"
	"github.com/vnykmshr/stageflow/pkg/engine/events"
	"github.com/vnykmshr/stageflow/pkg/engine/graph"
	"github.com/vnykmshr/stageflow/pkg/engine/rules"
)

// Scheduler drives pipeline runs. It is safe for concurrent Run calls; the
// injected cache, rule engine, and analytics aggregator are shared across
// them.
type Scheduler struct {
	config Config
	logger logging.Logger
}

// New creates a scheduler with default configuration.
func New() *Scheduler {
	s, _ := NewWithConfig(DefaultConfig())
	return s
}

// NewWithConfig creates a scheduler with the given configuration.
func NewWithConfig(config Config) (*Scheduler, error) {
	if err := validateConfig(&config); err != nil {
		return nil, err
	}
	applyConfigDefaults(&config)
	return &Scheduler{config: config, logger: config.Logger}, nil
}

// runState carries the mutable state of one pipeline run. The scheduling
// loop owns it; stage goroutines touch only the atomic counters.
type runState struct {
	pipeline    core.Pipeline
	graph       *graph.Graph
	ec          core.ExecutionContext
	executionID string
	startedAt   time.Time

	cacheHits   atomic.Int64
	cacheMisses atomic.Int64

	result          *core.PipelineResult
	completed       map[string]struct{}
	criticalFailure bool
	interrupted     bool
}

// record appends a stage result and folds it into the run aggregates.
func (run *runState) record(stage core.Stage, sr core.StageResult) {
	run.completed[stage.ID()] = struct{}{}
	run.result.StageResults = append(run.result.StageResults, sr)
	run.result.PeakUsage = run.result.PeakUsage.Max(sr.Usage)
	run.result.TotalUsage = run.result.TotalUsage.Add(sr.Usage)
	if !sr.Success {
		run.result.Errors = append(run.result.Errors, core.StageError{StageID: sr.StageID, Message: sr.Err})
		if stage.Capabilities().Critical {
			run.criticalFailure = true
		}
	}
}

// Run executes the pipeline under the configured strategy and returns a
// structured result. Construction and graph validation problems are the
// only errors; once the graph validates, failures surface inside the
// result instead.
//
// The execution context is cloned and annotated with the pipeline id under
// rules.PipelineKey before any stage sees it, so cache keys derived inside
// optimization rules agree with the scheduler's own.
func (s *Scheduler) Run(ctx context.Context, pipeline core.Pipeline, ec core.ExecutionContext) (*core.PipelineResult, error) {
	if pipeline == nil {
		return nil, sferrors.NewValidationError("scheduler", "pipeline", nil, "cannot be nil")
	}
	stages := pipeline.Stages()
	if len(stages) == 0 {
		return nil, sferrors.NewValidationError("scheduler", "pipeline", pipeline.ID(), "has no stages").
			WithHint("a pipeline needs at least one stage")
	}

	g, err := graph.New(stages)
	if err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}

	strategy := s.config.Strategy
	if strategy == core.StrategyAdaptive {
		strategy = s.selectStrategy(stages)
	}

	runEC := ec.Clone()
	if runEC == nil {
		runEC = core.ExecutionContext{}
	}
	runEC[rules.PipelineKey] = pipeline.ID()

	ctx, cancel := contextutil.WithOptionalTimeout(ctx, s.config.ResourceLimits.MaxExecutionTime)
	defer cancel()

	run := &runState{
		pipeline:    pipeline,
		graph:       g,
		ec:          runEC,
		executionID: core.NewExecutionID(),
		startedAt:   time.Now(),
		completed:   make(map[string]struct{}, len(stages)),
	}
	run.result = &core.PipelineResult{
		ExecutionID: run.executionID,
		Strategy:    strategy,
		StartedAt:   run.startedAt,
	}

	s.publish(events.RunStarted{
		ExecutionID: run.executionID,
		PipelineID:  pipeline.ID(),
		Strategy:    strategy,
		Stages:      len(stages),
		Time:        run.startedAt,
	})
	s.logger.Info("pipeline run started",
		"execution_id", run.executionID,
		"pipeline", pipeline.ID(),
		"strategy", strategy,
		"stages", len(stages),
	)

	switch strategy {
	case core.StrategySequential:
		s.runSequential(ctx, run)
	case core.StrategyParallel:
		s.runParallel(ctx, run)
	case core.StrategyOptimized:
		s.runParallel(ctx, run)
		s.applyOptimizations(ctx, run)
	}

	s.finalize(run)
	return run.result, nil
}

// selectStrategy is the adaptive pre-pass: a static count over capability
// flags, never an inspection of stage ids.
func (s *Scheduler) selectStrategy(stages []core.Stage) core.Strategy {
	parallelizable, cacheable := 0, 0
	for _, stage := range stages {
		caps := stage.Capabilities()
		if caps.Parallelizable {
			parallelizable++
		}
		if caps.Cacheable {
			cacheable++
		}
	}
	if parallelizable > 2 && s.config.MaxConcurrentStages > 1 {
		return core.StrategyParallel
	}
	if cacheable > 0 {
		return core.StrategyOptimized
	}
	return core.StrategySequential
}

// runSequential executes stages one at a time in declared order. A critical
// failure stops the loop before the next stage starts.
func (s *Scheduler) runSequential(ctx context.Context, run *runState) {
	for len(run.completed) < run.graph.Len() {
		if ctx.Err() != nil {
			run.interrupted = true
			return
		}
		ready := run.graph.Ready(run.completed)
		if len(ready) == 0 {
			return
		}
		stage := ready[0]
		run.graph.MarkStarted(stage.ID())
		run.record(stage, s.executeStage(ctx, run, stage))
		if run.criticalFailure {
			return
		}
	}
}

// launchResult pairs a completed execution with its stage so completion
// attribution is unambiguous by construction.
type launchResult struct {
	stage  core.Stage
	result core.StageResult
}

// runParallel executes ready stages concurrently up to MaxConcurrentStages.
// A critical failure or an expired deadline suppresses further launches;
// in-flight stages drain to completion and are still recorded.
func (s *Scheduler) runParallel(ctx context.Context, run *runState) {
	results := make(chan launchResult, run.graph.Len())
	inFlight := 0

	for len(run.completed) < run.graph.Len() {
		suppress := run.criticalFailure
		if ctx.Err() != nil {
			run.interrupted = true
			suppress = true
		}

		if !suppress {
			budget := s.config.MaxConcurrentStages - inFlight
			if budget > 0 && inFlight > 0 && s.overLimits(run) {
				budget = 0
			}
			for _, stage := range run.graph.Ready(run.completed) {
				if budget <= 0 {
					break
				}
				run.graph.MarkStarted(stage.ID())
				inFlight++
				budget--
				go func(stage core.Stage) {
					results <- launchResult{stage: stage, result: s.executeStage(ctx, run, stage)}
				}(stage)
			}
		}

		if inFlight == 0 {
			return
		}
		done := <-results
		inFlight--
		run.record(done.stage, done.result)
	}
}

// overLimits reports whether sampled resource usage exceeds the configured
// limits. Launches are only deferred while other stages are in flight, so
// the run always makes forward progress.
func (s *Scheduler) overLimits(run *runState) bool {
	if s.config.Monitor == nil {
		return false
	}
	limits := s.config.ResourceLimits
	usage := s.config.Monitor.Usage()
	over := (limits.MaxCPUPercent > 0 && usage.CPUPercent > limits.MaxCPUPercent) ||
		(limits.MaxMemoryPercent > 0 && usage.MemoryPercent > limits.MaxMemoryPercent)
	if over {
		s.logger.Debug("resource limits exceeded, deferring launches",
			"execution_id", run.executionID,
			"cpu_percent", usage.CPUPercent,
			"memory_percent", usage.MemoryPercent,
		)
	}
	return over
}

// applyOptimizations is the optimized strategy's rule pass. It offers each
// successful stage result to the applicable rules whose estimated savings
// exceed the configured threshold. Failed stages are skipped so a
// cache-then-execute rule cannot re-run them.
func (s *Scheduler) applyOptimizations(ctx context.Context, run *runState) {
	if !s.config.EnableOptimization || s.config.Rules == nil {
		return
	}

	byID := make(map[string]core.Stage, run.graph.Len())
	for _, stage := range run.graph.Stages() {
		byID[stage.ID()] = stage
	}

	for i := range run.result.StageResults {
		if ctx.Err() != nil {
			return
		}
		sr := &run.result.StageResults[i]
		if !sr.Success {
			continue
		}
		stage := byID[sr.StageID]

		for _, rule := range s.config.Rules.Applicable(run.ec, stage) {
			if rule.EstimatedSavings() <= s.config.OptimizationThreshold {
				continue
			}
			applied := s.config.Rules.Apply(ctx, rule, run.ec, stage)
			s.publish(events.RuleApplied{
				ExecutionID: run.executionID,
				StageID:     sr.StageID,
				RuleID:      rule.ID(),
				Success:     applied.Success,
				Time:        time.Now(),
			})
			if !applied.Success {
				continue
			}
			sr.OptimizationApplied = true
			run.result.Metrics.OptimizationSavings += rule.EstimatedSavings()
		}
	}
}

// finalize closes out the result, records it with the analytics aggregator,
// and emits the completion callback, event, and metrics.
func (s *Scheduler) finalize(run *runState) {
	result := run.result
	result.CompletedAt = time.Now()
	result.TotalDuration = result.CompletedAt.Sub(run.startedAt)
	result.Success = !run.criticalFailure && !run.interrupted
	// An interrupted or critically failed run cannot be replayed faithfully.
	result.Replayable = result.Success
	result.Metrics.CacheHits = run.cacheHits.Load()
	result.Metrics.CacheMisses = run.cacheMisses.Load()
	result.Metrics.ParallelizationSavings = parallelizationSavings(result)

	if run.interrupted {
		s.logger.Warn("pipeline run interrupted before completion",
			"execution_id", run.executionID,
			"pipeline", run.pipeline.ID(),
			"executed", len(result.StageResults),
			"declared", run.graph.Len(),
		)
	}

	if s.config.Analytics != nil {
		s.config.Analytics.Record(result)
	}
	if s.config.OnRunComplete != nil {
		s.config.OnRunComplete(result)
	}
	s.publish(events.RunCompleted{
		ExecutionID: run.executionID,
		PipelineID:  run.pipeline.ID(),
		Strategy:    result.Strategy,
		Success:     result.Success,
		Duration:    result.TotalDuration,
		Time:        result.CompletedAt,
	})
	if s.config.Metrics != nil {
		s.config.Metrics.RunsTotal.WithLabelValues(result.Strategy.String(), statusLabel(result.Success)).Inc()
		s.config.Metrics.RunDuration.WithLabelValues(result.Strategy.String()).Observe(result.TotalDuration.Seconds())
	}
	s.logger.Info("pipeline run completed",
		"execution_id", run.executionID,
		"pipeline", run.pipeline.ID(),
		"success", result.Success,
		"duration", result.TotalDuration,
		"cache_hits", result.Metrics.CacheHits,
		"errors", len(result.Errors),
	)
}

// parallelizationSavings is the measured gap between the sum of individual
// stage durations and the run's wall-clock duration.
func parallelizationSavings(result *core.PipelineResult) time.Duration {
	var sum time.Duration
	for _, sr := range result.StageResults {
		sum += sr.Duration
	}
	if sum <= result.TotalDuration {
		return 0
	}
	return sum - result.TotalDuration
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

func (s *Scheduler) publish(event events.Event) {
	if s.config.Events != nil {
		s.config.Events.Publish(event)
	}
}

// ExecutionHistory returns the most recent runs, newest first. A
// non-positive limit returns the full retained history.
func (s *Scheduler) ExecutionHistory(limit int) []analytics.HistoryEntry {
	return s.config.Analytics.History(limit)
}

// AnalyticsStats returns a snapshot of the aggregate run statistics.
func (s *Scheduler) AnalyticsStats() analytics.Stats {
	return s.config.Analytics.Stats()
}

// CacheStats returns a snapshot of the execution cache, or the zero Stats
// when caching is disabled.
func (s *Scheduler) CacheStats(ctx context.Context) cache.Stats {
	if s.config.Cache == nil {
		return cache.Stats{}
	}
	return s.config.Cache.Stats(ctx)
}
