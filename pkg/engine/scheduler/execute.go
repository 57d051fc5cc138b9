package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/vnykmshr/stageflow/pkg/engine/cache"
	"github.com/vnykmshr/stageflow/pkg/engine/core"
	"github.com/vnykmshr/stageflow/pkg/engine/events"
)

// executeStage runs one stage: cache consult first, then the body with
// panic recovery and a resource sample at completion. Body failures are
// converted into the result, never returned; callers decide what a failure
// means for the rest of the run.
func (s *Scheduler) executeStage(ctx context.Context, run *runState, stage core.Stage) core.StageResult {
	if s.config.Metrics != nil {
		s.config.Metrics.StagesInFlight.Inc()
		defer s.config.Metrics.StagesInFlight.Dec()
	}

	startedAt := time.Now()
	caps := stage.Capabilities()

	if s.config.OnStageStart != nil {
		s.config.OnStageStart(stage.ID())
	}
	s.publish(events.StageStarted{
		ExecutionID: run.executionID,
		StageID:     stage.ID(),
		Time:        startedAt,
	})

	result := core.StageResult{
		StageID:        stage.ID(),
		StageName:      stage.Name(),
		StartedAt:      startedAt,
		Dependencies:   stage.Dependencies(),
		Parallelizable: caps.Parallelizable,
	}

	var key string
	cacheable := s.config.EnableCaching && s.config.Cache != nil && caps.Cacheable
	if cacheable {
		key = cache.Key(run.pipeline.ID(), stage.ID(), run.ec)
		if value, ok := s.config.Cache.Get(ctx, key); ok {
			run.cacheHits.Add(1)
			result.Success = true
			result.Output = value
			result.CacheHit = true
			result.CompletedAt = time.Now()
			result.Duration = result.CompletedAt.Sub(startedAt)
			s.publish(events.CacheHit{
				ExecutionID: run.executionID,
				StageID:     stage.ID(),
				Key:         key,
				Time:        result.CompletedAt,
			})
			if s.config.Metrics != nil {
				s.config.Metrics.StagesExecuted.WithLabelValues("cached").Inc()
			}
			s.finishStage(run, stage, result)
			return result
		}
		run.cacheMisses.Add(1)
		s.publish(events.CacheMiss{
			ExecutionID: run.executionID,
			StageID:     stage.ID(),
			Key:         key,
			Time:        time.Now(),
		})
	}

	output, err := s.runStageBody(ctx, stage, run.ec)
	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(startedAt)
	if s.config.Monitor != nil {
		result.Usage = s.config.Monitor.Usage()
	}

	if err != nil {
		result.Err = err.Error()
		s.logger.Warn("stage failed",
			"execution_id", run.executionID,
			"stage", stage.ID(),
			"duration", result.Duration,
			"error", err,
		)
		if s.config.OnError != nil {
			s.config.OnError(stage.ID(), err)
		}
	} else {
		result.Success = true
		result.Output = output
		if cacheable {
			s.config.Cache.Set(ctx, key, output, s.config.CacheTTL, []string{
				cache.PipelineTag(run.pipeline.ID()),
				cache.StageTag(stage.ID()),
			})
		}
	}

	if s.config.Metrics != nil {
		s.config.Metrics.StagesExecuted.WithLabelValues(statusLabel(result.Success)).Inc()
		s.config.Metrics.StageDuration.WithLabelValues(stage.ID()).Observe(result.Duration.Seconds())
	}
	s.finishStage(run, stage, result)
	return result
}

// finishStage emits the completion callback and event for a terminal stage
// result.
func (s *Scheduler) finishStage(run *runState, stage core.Stage, result core.StageResult) {
	if s.config.OnStageComplete != nil {
		s.config.OnStageComplete(stage.ID(), result)
	}
	s.publish(events.StageCompleted{
		ExecutionID: run.executionID,
		StageID:     stage.ID(),
		Success:     result.Success,
		CacheHit:    result.CacheHit,
		Duration:    result.Duration,
		Time:        result.CompletedAt,
	})
}

// runStageBody invokes the stage body, converting a panic into an error so
// a panicking stage is recorded like any other failure.
func (s *Scheduler) runStageBody(ctx context.Context, stage core.Stage, ec core.ExecutionContext) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			output = nil
			err = fmt.Errorf("stage panicked: %v", r)
			s.logger.Error("stage panic recovered",
				"stage", stage.ID(),
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	return stage.Execute(ctx, ec)
}
