package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vnykmshr/stageflow/internal/testutil"
	"github.com/vnykmshr/stageflow/pkg/common/logging"
	"github.com/vnykmshr/stageflow/pkg/engine/analytics"
	"github.com/vnykmshr/stageflow/pkg/engine/cache"
	"github.com/vnykmshr/stageflow/pkg/engine/core"
	"github.com/vnykmshr/stageflow/pkg/engine/events"
	"github.com/vnykmshr/stageflow/pkg/engine/graph"
	"github.com/vnykmshr/stageflow/pkg/engine/monitor"
	"github.com/vnykmshr/stageflow/pkg/engine/rules"
	"github.com/vnykmshr/stageflow/pkg/metrics"
)

func newScheduler(t *testing.T, mutate func(*Config)) *Scheduler {
	t.Helper()
	config := DefaultConfig()
	config.Logger = logging.NewNop()
	if mutate != nil {
		mutate(&config)
	}
	s, err := NewWithConfig(config)
	testutil.AssertNoError(t, err)
	return s
}

// countingStage returns a stage whose body bumps count and fails with
// bodyErr when it is non-nil.
func countingStage(id string, count *atomic.Int32, bodyErr error, deps ...string) *core.FuncStage {
	return core.NewStage(id, func(ctx context.Context, ec core.ExecutionContext) (any, error) {
		count.Add(1)
		if bodyErr != nil {
			return nil, bodyErr
		}
		return id + " output", nil
	}).WithDependencies(deps...)
}

// sleepStage returns a stage that waits for d, cooperating with ctx.
func sleepStage(id string, d time.Duration, deps ...string) *core.FuncStage {
	return core.NewStage(id, func(ctx context.Context, ec core.ExecutionContext) (any, error) {
		select {
		case <-time.After(d):
			return id + " output", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}).WithDependencies(deps...)
}

func findStage(t *testing.T, result *core.PipelineResult, id string) core.StageResult {
	t.Helper()
	for _, sr := range result.StageResults {
		if sr.StageID == id {
			return sr
		}
	}
	t.Fatalf("no result recorded for stage %s", id)
	return core.StageResult{}
}

func TestNewWithConfig_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown strategy", func(c *Config) { c.Strategy = core.Strategy(99) }},
		{"zero concurrency", func(c *Config) { c.MaxConcurrentStages = 0 }},
		{"negative concurrency", func(c *Config) { c.MaxConcurrentStages = -1 }},
		{"negative cache ttl", func(c *Config) { c.CacheTTL = -time.Second }},
		{"negative threshold", func(c *Config) { c.OptimizationThreshold = -5 }},
		{"negative cpu limit", func(c *Config) { c.ResourceLimits.MaxCPUPercent = -1 }},
		{"negative deadline", func(c *Config) { c.ResourceLimits.MaxExecutionTime = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(&config)
			if _, err := NewWithConfig(config); err == nil {
				t.Fatal("expected validation error, got nil")
			}
		})
	}
}

func TestRun_Validation(t *testing.T) {
	s := newScheduler(t, nil)
	ctx := context.Background()

	if _, err := s.Run(ctx, nil, nil); err == nil {
		t.Fatal("expected error for nil pipeline")
	}
	if _, err := s.Run(ctx, core.NewPipeline("empty"), nil); err == nil {
		t.Fatal("expected error for empty pipeline")
	}
}

func TestRun_CycleFailsBeforeExecution(t *testing.T) {
	var executions atomic.Int32
	pipeline := core.NewPipeline("cyclic",
		countingStage("a", &executions, nil, "b"),
		countingStage("b", &executions, nil, "a"),
	)

	s := newScheduler(t, nil)
	result, err := s.Run(context.Background(), pipeline, nil)

	testutil.AssertError(t, err)
	var cycleErr *graph.CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected *graph.CycleError, got %T", err)
	}
	if result != nil {
		t.Fatalf("expected no result for a cyclic pipeline, got %+v", result)
	}
	testutil.AssertEqual(t, executions.Load(), 0)
}

func TestRun_DependencyOrdering(t *testing.T) {
	parallel := core.Capabilities{Parallelizable: true}
	pipeline := core.NewPipeline("diamond",
		sleepStage("a", 30*time.Millisecond).WithCapabilities(parallel),
		sleepStage("b", 30*time.Millisecond).WithCapabilities(parallel),
		sleepStage("c", 10*time.Millisecond, "a", "b"),
	)

	s := newScheduler(t, func(c *Config) {
		c.Strategy = core.StrategyParallel
		c.MaxConcurrentStages = 2
	})
	result, err := s.Run(context.Background(), pipeline, nil)
	testutil.AssertNoError(t, err)

	testutil.AssertEqual(t, result.Success, true)
	testutil.AssertEqual(t, len(result.StageResults), 3)
	testutil.AssertEqual(t, len(result.Errors), 0)

	a := findStage(t, result, "a")
	b := findStage(t, result, "b")
	c := findStage(t, result, "c")

	if c.StartedAt.Before(a.CompletedAt) || c.StartedAt.Before(b.CompletedAt) {
		t.Fatalf("c started at %v before its dependencies completed (a %v, b %v)",
			c.StartedAt, a.CompletedAt, b.CompletedAt)
	}
	// a and b have no dependency relation, so with a budget of two their
	// executions overlap.
	if a.StartedAt.After(b.CompletedAt) || b.StartedAt.After(a.CompletedAt) {
		t.Fatalf("a [%v, %v] and b [%v, %v] did not overlap",
			a.StartedAt, a.CompletedAt, b.StartedAt, b.CompletedAt)
	}
}

func TestRun_CriticalFailureSuppressesLaunches(t *testing.T) {
	var cExecutions atomic.Int32
	bErr := errors.New("b exploded")
	pipeline := core.NewPipeline("critical",
		sleepStage("a", 30*time.Millisecond).WithCapabilities(core.Capabilities{Parallelizable: true}),
		core.NewStage("b", func(ctx context.Context, ec core.ExecutionContext) (any, error) {
			return nil, bErr
		}).WithCapabilities(core.Capabilities{Parallelizable: true, Critical: true}),
		countingStage("c", &cExecutions, nil, "a", "b"),
	)

	s := newScheduler(t, func(c *Config) {
		c.Strategy = core.StrategyParallel
		c.MaxConcurrentStages = 2
	})
	result, err := s.Run(context.Background(), pipeline, nil)
	testutil.AssertNoError(t, err)

	testutil.AssertEqual(t, result.Success, false)
	testutil.AssertEqual(t, result.Replayable, false)
	testutil.AssertEqual(t, cExecutions.Load(), 0)

	// The running sibling drains to completion and is still recorded.
	testutil.AssertEqual(t, len(result.StageResults), 2)
	testutil.AssertEqual(t, findStage(t, result, "a").Success, true)

	testutil.AssertEqual(t, len(result.Errors), 1)
	testutil.AssertEqual(t, result.Errors[0].StageID, "b")
	testutil.AssertEqual(t, result.Errors[0].Message, bErr.Error())
}

func TestRun_NonCriticalFailureContinues(t *testing.T) {
	var bExecutions atomic.Int32
	pipeline := core.NewPipeline("degraded",
		countingStage("a", new(atomic.Int32), errors.New("a failed")),
		countingStage("b", &bExecutions, nil, "a"),
	)

	s := newScheduler(t, func(c *Config) { c.Strategy = core.StrategySequential })
	result, err := s.Run(context.Background(), pipeline, nil)
	testutil.AssertNoError(t, err)

	// A non-critical failure is a terminal state: dependents still run and
	// the run as a whole still succeeds.
	testutil.AssertEqual(t, bExecutions.Load(), 1)
	testutil.AssertEqual(t, result.Success, true)
	testutil.AssertEqual(t, len(result.StageResults), 2)
	testutil.AssertEqual(t, len(result.Errors), 1)
	testutil.AssertEqual(t, result.Errors[0].StageID, "a")
}

func TestRun_SequentialCriticalStopsImmediately(t *testing.T) {
	var later atomic.Int32
	pipeline := core.NewPipeline("halt",
		core.NewStage("a", func(ctx context.Context, ec core.ExecutionContext) (any, error) {
			return nil, errors.New("a failed")
		}).WithCapabilities(core.Capabilities{Critical: true}),
		countingStage("b", &later, nil),
		countingStage("c", &later, nil),
	)

	s := newScheduler(t, func(c *Config) { c.Strategy = core.StrategySequential })
	result, err := s.Run(context.Background(), pipeline, nil)
	testutil.AssertNoError(t, err)

	testutil.AssertEqual(t, later.Load(), 0)
	testutil.AssertEqual(t, len(result.StageResults), 1)
	testutil.AssertEqual(t, result.Success, false)
}

func TestRun_SecondRunServedFromCache(t *testing.T) {
	var executions atomic.Int32
	cacheable := core.Capabilities{Cacheable: true}
	slow := func(id string) *core.FuncStage {
		return core.NewStage(id, func(ctx context.Context, ec core.ExecutionContext) (any, error) {
			executions.Add(1)
			time.Sleep(40 * time.Millisecond)
			return id + " output", nil
		}).WithCapabilities(cacheable)
	}
	pipeline := core.NewPipeline("cached", slow("a"), slow("b"))
	ec := core.ExecutionContext{"input": "payload"}

	s := newScheduler(t, func(c *Config) { c.Strategy = core.StrategySequential })

	first, err := s.Run(context.Background(), pipeline, ec)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, executions.Load(), 2)
	testutil.AssertEqual(t, first.Metrics.CacheMisses, 2)
	testutil.AssertEqual(t, first.Metrics.CacheHits, 0)

	second, err := s.Run(context.Background(), pipeline, ec)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, executions.Load(), 2)
	testutil.AssertEqual(t, second.Metrics.CacheHits, 2)

	a := findStage(t, second, "a")
	testutil.AssertEqual(t, a.CacheHit, true)
	testutil.AssertEqual(t, fmt.Sprint(a.Output), "a output")

	if second.TotalDuration >= first.TotalDuration/2 {
		t.Fatalf("cached run took %v, want materially shorter than %v", second.TotalDuration, first.TotalDuration)
	}
}

func TestRun_CacheKeyedByContext(t *testing.T) {
	var executions atomic.Int32
	pipeline := core.NewPipeline("keyed",
		countingStage("a", &executions, nil).WithCapabilities(core.Capabilities{Cacheable: true}),
	)

	s := newScheduler(t, func(c *Config) { c.Strategy = core.StrategySequential })

	_, err := s.Run(context.Background(), pipeline, core.ExecutionContext{"input": "one"})
	testutil.AssertNoError(t, err)
	_, err = s.Run(context.Background(), pipeline, core.ExecutionContext{"input": "two"})
	testutil.AssertNoError(t, err)

	// Different contexts are different logical requests.
	testutil.AssertEqual(t, executions.Load(), 2)
}

func TestRun_SingleSlotParallelKeepsDeclaredOrder(t *testing.T) {
	parallel := core.Capabilities{Parallelizable: true}
	pipeline := core.NewPipeline("ordered",
		sleepStage("a", 5*time.Millisecond).WithCapabilities(parallel),
		sleepStage("b", 5*time.Millisecond).WithCapabilities(parallel),
		sleepStage("c", 5*time.Millisecond).WithCapabilities(parallel),
	)

	s := newScheduler(t, func(c *Config) {
		c.Strategy = core.StrategyParallel
		c.MaxConcurrentStages = 1
	})
	result, err := s.Run(context.Background(), pipeline, nil)
	testutil.AssertNoError(t, err)

	// StageResults are appended in completion order.
	var order []string
	for _, sr := range result.StageResults {
		order = append(order, sr.StageID)
	}
	testutil.AssertEqual(t, strings.Join(order, ","), "a,b,c")
}

func TestRun_AdaptiveSelectsStrategy(t *testing.T) {
	parallel := core.Capabilities{Parallelizable: true}
	cacheable := core.Capabilities{Cacheable: true}
	plain := func(id string, caps core.Capabilities) *core.FuncStage {
		return core.NewStage(id, func(ctx context.Context, ec core.ExecutionContext) (any, error) {
			return id, nil
		}).WithCapabilities(caps)
	}

	tests := []struct {
		name        string
		stages      []core.Stage
		concurrency int
		want        core.Strategy
	}{
		{
			"parallelizable majority",
			[]core.Stage{plain("a", parallel), plain("b", parallel), plain("c", parallel)},
			4,
			core.StrategyParallel,
		},
		{
			"no concurrency budget",
			[]core.Stage{plain("a", parallel), plain("b", parallel), plain("c", parallel)},
			1,
			core.StrategySequential,
		},
		{
			"cacheable stages",
			[]core.Stage{plain("a", cacheable), plain("b", core.Capabilities{})},
			4,
			core.StrategyOptimized,
		},
		{
			"plain stages",
			[]core.Stage{plain("a", core.Capabilities{}), plain("b", core.Capabilities{})},
			4,
			core.StrategySequential,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newScheduler(t, func(c *Config) {
				c.Strategy = core.StrategyAdaptive
				c.MaxConcurrentStages = tt.concurrency
			})
			result, err := s.Run(context.Background(), core.NewPipeline("adaptive", tt.stages...), nil)
			testutil.AssertNoError(t, err)
			testutil.AssertEqual(t, result.Strategy, tt.want)
		})
	}
}

func TestRun_OptimizedAppliesRulesOverThreshold(t *testing.T) {
	var bigApplied, smallApplied atomic.Int32
	engine := rules.New()
	testutil.AssertNoError(t, engine.Register(
		rules.NewRule("big-win", func(ctx context.Context, ec core.ExecutionContext, stage core.Stage) (any, error) {
			bigApplied.Add(1)
			return nil, nil
		}).WithEstimatedSavings(50)))
	testutil.AssertNoError(t, engine.Register(
		rules.NewRule("small-win", func(ctx context.Context, ec core.ExecutionContext, stage core.Stage) (any, error) {
			smallApplied.Add(1)
			return nil, nil
		}).WithEstimatedSavings(10)))

	pipeline := core.NewPipeline("optimized",
		countingStage("a", new(atomic.Int32), nil),
		countingStage("fails", new(atomic.Int32), errors.New("no luck")),
	)

	s := newScheduler(t, func(c *Config) {
		c.Strategy = core.StrategyOptimized
		c.OptimizationThreshold = 20
		c.Rules = engine
	})
	result, err := s.Run(context.Background(), pipeline, nil)
	testutil.AssertNoError(t, err)

	// Only the rule clearing the threshold runs, and only for the
	// successful stage.
	testutil.AssertEqual(t, bigApplied.Load(), 1)
	testutil.AssertEqual(t, smallApplied.Load(), 0)
	testutil.AssertEqual(t, result.Metrics.OptimizationSavings, 50)
	testutil.AssertEqual(t, findStage(t, result, "a").OptimizationApplied, true)
	testutil.AssertEqual(t, findStage(t, result, "fails").OptimizationApplied, false)
}

func TestRun_OptimizedCacheRuleDoesNotReExecute(t *testing.T) {
	store := cache.NewMemory()
	t.Cleanup(func() { _ = store.Close() })

	engine := rules.New()
	testutil.AssertNoError(t, engine.Register(rules.CacheThenExecute(store, time.Minute)))

	var executions atomic.Int32
	pipeline := core.NewPipeline("rule-cached",
		countingStage("a", &executions, nil).WithCapabilities(core.Capabilities{Cacheable: true}),
	)

	s := newScheduler(t, func(c *Config) {
		c.Strategy = core.StrategyOptimized
		c.OptimizationThreshold = 20
		c.Cache = store
		c.Rules = engine
	})
	result, err := s.Run(context.Background(), pipeline, nil)
	testutil.AssertNoError(t, err)

	// The scheduler cached the stage result before the rule pass, so the
	// cache-then-execute action hits instead of re-running the body.
	testutil.AssertEqual(t, executions.Load(), 1)
	testutil.AssertEqual(t, findStage(t, result, "a").OptimizationApplied, true)
}

func TestRun_DeadlineInterruptsBetweenStages(t *testing.T) {
	var cExecutions atomic.Int32
	pipeline := core.NewPipeline("deadline",
		sleepStage("a", 5*time.Millisecond),
		sleepStage("b", 200*time.Millisecond, "a"),
		countingStage("c", &cExecutions, nil, "b"),
	)

	s := newScheduler(t, func(c *Config) {
		c.Strategy = core.StrategySequential
		c.ResourceLimits.MaxExecutionTime = 50 * time.Millisecond
	})
	result, err := s.Run(context.Background(), pipeline, nil)
	testutil.AssertNoError(t, err)

	// b cooperates with the expired context and fails; c is never launched.
	testutil.AssertEqual(t, cExecutions.Load(), 0)
	testutil.AssertEqual(t, len(result.StageResults), 2)
	testutil.AssertEqual(t, result.Success, false)
	testutil.AssertEqual(t, result.Replayable, false)
	testutil.AssertEqual(t, findStage(t, result, "b").Success, false)
}

func TestRun_ResourceLimitsDeferLaunches(t *testing.T) {
	parallel := core.Capabilities{Parallelizable: true}
	build := func() core.Pipeline {
		return core.NewPipeline("limited",
			sleepStage("long", 80*time.Millisecond).WithCapabilities(parallel),
			sleepStage("quick", 5*time.Millisecond).WithCapabilities(parallel),
			sleepStage("after", 5*time.Millisecond, "quick").WithCapabilities(parallel),
		)
	}

	run := func(usage core.ResourceUsage) *core.PipelineResult {
		s := newScheduler(t, func(c *Config) {
			c.Strategy = core.StrategyParallel
			c.MaxConcurrentStages = 2
			c.Monitor = monitor.NewStatic(usage)
			c.ResourceLimits.MaxCPUPercent = 90
		})
		result, err := s.Run(context.Background(), build(), nil)
		testutil.AssertNoError(t, err)
		testutil.AssertEqual(t, result.Success, true)
		return result
	}

	// Over the CPU limit: "after" becomes ready while "long" is in flight,
	// so its launch is deferred until "long" completes.
	overloaded := run(core.ResourceUsage{CPUPercent: 95})
	if findStage(t, overloaded, "after").StartedAt.Before(findStage(t, overloaded, "long").CompletedAt) {
		t.Fatal("expected launch to be deferred while over the CPU limit")
	}

	// Under the limit the same launch happens while "long" is still running.
	relaxed := run(core.ResourceUsage{CPUPercent: 10})
	if !findStage(t, relaxed, "after").StartedAt.Before(findStage(t, relaxed, "long").CompletedAt) {
		t.Fatal("expected launch while under the CPU limit")
	}
}

func TestRun_StagePanicIsRecorded(t *testing.T) {
	pipeline := core.NewPipeline("panicky",
		core.NewStage("boom", func(ctx context.Context, ec core.ExecutionContext) (any, error) {
			panic("kaboom")
		}),
		countingStage("after", new(atomic.Int32), nil),
	)

	s := newScheduler(t, func(c *Config) { c.Strategy = core.StrategySequential })
	result, err := s.Run(context.Background(), pipeline, nil)
	testutil.AssertNoError(t, err)

	boom := findStage(t, result, "boom")
	testutil.AssertEqual(t, boom.Success, false)
	if !strings.Contains(boom.Err, "panicked") {
		t.Fatalf("expected panic message in stage error, got %q", boom.Err)
	}
	testutil.AssertEqual(t, len(result.StageResults), 2)
	testutil.AssertEqual(t, result.Success, true)
}

func TestRun_Callbacks(t *testing.T) {
	var mu sync.Mutex
	var started, completed []string
	var runDone *core.PipelineResult
	var stageErr error

	pipeline := core.NewPipeline("callbacks",
		countingStage("a", new(atomic.Int32), nil),
		countingStage("b", new(atomic.Int32), errors.New("b failed"), "a"),
	)

	s := newScheduler(t, func(c *Config) {
		c.Strategy = core.StrategySequential
		c.OnStageStart = func(stageID string) {
			mu.Lock()
			started = append(started, stageID)
			mu.Unlock()
		}
		c.OnStageComplete = func(stageID string, result core.StageResult) {
			mu.Lock()
			completed = append(completed, stageID)
			mu.Unlock()
		}
		c.OnRunComplete = func(result *core.PipelineResult) { runDone = result }
		c.OnError = func(stageID string, err error) { stageErr = err }
	})
	result, err := s.Run(context.Background(), pipeline, nil)
	testutil.AssertNoError(t, err)

	testutil.AssertEqual(t, strings.Join(started, ","), "a,b")
	testutil.AssertEqual(t, strings.Join(completed, ","), "a,b")
	testutil.AssertEqual(t, runDone.ExecutionID, result.ExecutionID)
	testutil.AssertEqual(t, stageErr.Error(), "b failed")
}

func TestRun_PublishesEvents(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe(64)

	pipeline := core.NewPipeline("observed",
		countingStage("a", new(atomic.Int32), nil),
		countingStage("b", new(atomic.Int32), nil, "a"),
	)

	s := newScheduler(t, func(c *Config) {
		c.Strategy = core.StrategySequential
		c.EnableCaching = false
		c.Events = bus
	})
	_, err := s.Run(context.Background(), pipeline, nil)
	testutil.AssertNoError(t, err)

	counts := make(map[events.Kind]int)
drain:
	for {
		select {
		case event := <-sub.Events():
			counts[event.Kind()]++
		default:
			break drain
		}
	}

	testutil.AssertEqual(t, counts[events.KindRunStarted], 1)
	testutil.AssertEqual(t, counts[events.KindRunCompleted], 1)
	testutil.AssertEqual(t, counts[events.KindStageStarted], 2)
	testutil.AssertEqual(t, counts[events.KindStageCompleted], 2)
	testutil.AssertEqual(t, sub.Dropped(), 0)
}

func TestRun_RecordsAnalytics(t *testing.T) {
	aggregator := analytics.New()
	pipeline := core.NewPipeline("analyzed",
		countingStage("a", new(atomic.Int32), nil).WithCapabilities(core.Capabilities{Cacheable: true}),
	)

	s := newScheduler(t, func(c *Config) {
		c.Strategy = core.StrategySequential
		c.Analytics = aggregator
	})

	first, err := s.Run(context.Background(), pipeline, nil)
	testutil.AssertNoError(t, err)
	second, err := s.Run(context.Background(), pipeline, nil)
	testutil.AssertNoError(t, err)

	stats := s.AnalyticsStats()
	testutil.AssertEqual(t, stats.TotalExecutions, 2)
	testutil.AssertEqual(t, stats.SuccessRate, 1.0)

	history := s.ExecutionHistory(0)
	testutil.AssertEqual(t, len(history), 2)
	testutil.AssertEqual(t, history[0].ExecutionID, second.ExecutionID)
	testutil.AssertEqual(t, history[1].ExecutionID, first.ExecutionID)

	cacheStats := s.CacheStats(context.Background())
	testutil.AssertEqual(t, cacheStats.Size, 1)
	testutil.AssertEqual(t, cacheStats.Hits, 1)
}

func TestRun_RecordsMetrics(t *testing.T) {
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	pipeline := core.NewPipeline("measured",
		countingStage("ok", new(atomic.Int32), nil),
		countingStage("bad", new(atomic.Int32), errors.New("bad failed")),
	)

	s := newScheduler(t, func(c *Config) {
		c.Strategy = core.StrategySequential
		c.EnableCaching = false
		c.Metrics = reg
	})
	_, err := s.Run(context.Background(), pipeline, nil)
	testutil.AssertNoError(t, err)

	if got := promtestutil.ToFloat64(reg.RunsTotal.WithLabelValues("sequential", "success")); got != 1 {
		t.Fatalf("runs_total{sequential,success} = %v, want 1", got)
	}
	if got := promtestutil.ToFloat64(reg.StagesExecuted.WithLabelValues("success")); got != 1 {
		t.Fatalf("stages_executed_total{success} = %v, want 1", got)
	}
	if got := promtestutil.ToFloat64(reg.StagesExecuted.WithLabelValues("failure")); got != 1 {
		t.Fatalf("stages_executed_total{failure} = %v, want 1", got)
	}
	if got := promtestutil.ToFloat64(reg.StagesInFlight); got != 0 {
		t.Fatalf("stages_inflight = %v, want 0 after the run", got)
	}
}

func TestRun_ConcurrentRuns(t *testing.T) {
	s := newScheduler(t, func(c *Config) {
		c.Strategy = core.StrategyParallel
		c.MaxConcurrentStages = 2
	})

	parallel := core.Capabilities{Parallelizable: true, Cacheable: true}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pipeline := core.NewPipeline(fmt.Sprintf("run-%d", i),
				sleepStage("a", time.Millisecond).WithCapabilities(parallel),
				sleepStage("b", time.Millisecond).WithCapabilities(parallel),
				sleepStage("c", time.Millisecond, "a", "b"),
			)
			result, err := s.Run(context.Background(), pipeline, core.ExecutionContext{"run": i})
			if err != nil {
				t.Errorf("run %d failed: %v", i, err)
				return
			}
			if !result.Success {
				t.Errorf("run %d reported failure", i)
			}
		}(i)
	}
	wg.Wait()

	testutil.AssertEqual(t, s.AnalyticsStats().TotalExecutions, 8)
}
