package runner

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vnykmshr/stageflow/internal/testutil"
	"github.com/vnykmshr/stageflow/pkg/common/logging"
	"github.com/vnykmshr/stageflow/pkg/engine/core"
	"github.com/vnykmshr/stageflow/pkg/engine/scheduler"
)

func newRunner(t *testing.T, mutate func(*Config)) Runner {
	t.Helper()

	schedConfig := scheduler.DefaultConfig()
	schedConfig.Logger = logging.NewNop()
	sched, err := scheduler.NewWithConfig(schedConfig)
	testutil.AssertNoError(t, err)

	config := DefaultConfig()
	config.Scheduler = sched
	config.Logger = logging.NewNop()
	config.TickInterval = 5 * time.Millisecond
	if mutate != nil {
		mutate(&config)
	}
	r, err := NewWithConfig(config)
	testutil.AssertNoError(t, err)
	return r
}

func countingPipeline(id string, count *atomic.Int32) core.Pipeline {
	return core.NewPipeline(id, core.NewStage("work", func(ctx context.Context, ec core.ExecutionContext) (any, error) {
		count.Add(1)
		return "done", nil
	}))
}

func stopRunner(t *testing.T, r Runner) {
	t.Helper()
	select {
	case <-r.Stop():
	case <-time.After(testutil.TestTimeout):
		t.Fatal("runner did not stop in time")
	}
}

func awaitResult(t *testing.T, r Runner) RunResult {
	t.Helper()
	select {
	case result := <-r.Results():
		return result
	case <-time.After(testutil.TestTimeout):
		t.Fatal("no run result delivered in time")
		return RunResult{}
	}
}

func TestNewWithConfig_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative workers", func(c *Config) { c.Workers = -1 }},
		{"negative queue", func(c *Config) { c.QueueSize = -1 }},
		{"negative tick", func(c *Config) { c.TickInterval = -time.Second }},
		{"negative max entries", func(c *Config) { c.MaxEntries = -1 }},
		{"negative run timeout", func(c *Config) { c.RunTimeout = -time.Second }},
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

func TestSubmit_RunsPipeline(t *testing.T) {
	r := newRunner(t, nil)
	testutil.AssertNoError(t, r.Start())
	defer stopRunner(t, r)

	var executions atomic.Int32
	id, err := r.Submit(Request{
		Pipeline: countingPipeline("submitted", &executions),
		Context:  core.ExecutionContext{"request_id": "req-1"},
	})
	testutil.AssertNoError(t, err)

	result := awaitResult(t, r)
	testutil.AssertEqual(t, result.EntryID, id)
	testutil.AssertEqual(t, result.PipelineID, "submitted")
	testutil.AssertEqual(t, result.Trigger, TriggerImmediate)
	testutil.AssertNoError(t, result.Err)
	if result.Result == nil || !result.Result.Success {
		t.Fatalf("expected successful pipeline result, got %+v", result.Result)
	}
	testutil.AssertEqual(t, executions.Load(), int32(1))
	if result.CompletedAt.Before(result.FiredAt) {
		t.Error("completion must not precede firing")
	}
}

func TestSubmit_RequiresRunningRunner(t *testing.T) {
	r := newRunner(t, nil)

	var executions atomic.Int32
	if _, err := r.Submit(Request{Pipeline: countingPipeline("p", &executions)}); err == nil {
		t.Fatal("expected error submitting to a stopped runner")
	}
}

func TestSubmit_NilPipeline(t *testing.T) {
	r := newRunner(t, nil)
	testutil.AssertNoError(t, r.Start())
	defer stopRunner(t, r)

	if _, err := r.Submit(Request{}); err == nil {
		t.Fatal("expected validation error for nil pipeline")
	}
}

func TestScheduleAfter_Fires(t *testing.T) {
	r := newRunner(t, nil)
	testutil.AssertNoError(t, r.Start())
	defer stopRunner(t, r)

	var executions atomic.Int32
	err := r.ScheduleAfter("delayed", Request{
		Pipeline: countingPipeline("delayed-pipeline", &executions),
	}, 10*time.Millisecond)
	testutil.AssertNoError(t, err)

	result := awaitResult(t, r)
	testutil.AssertEqual(t, result.EntryID, "delayed")
	testutil.AssertEqual(t, result.Trigger, TriggerAt)
	testutil.AssertNoError(t, result.Err)

	// One-time entries leave the schedule once fired.
	testutil.AssertEventually(t, func() bool { return len(r.List()) == 0 })
}

func TestScheduleEvery_Repeats(t *testing.T) {
	r := newRunner(t, nil)
	testutil.AssertNoError(t, r.Start())
	defer stopRunner(t, r)

	var executions atomic.Int32
	err := r.ScheduleEvery("repeating", Request{
		Pipeline: countingPipeline("repeating-pipeline", &executions),
	}, 10*time.Millisecond)
	testutil.AssertNoError(t, err)

	for i := 0; i < 3; i++ {
		result := awaitResult(t, r)
		testutil.AssertEqual(t, result.EntryID, "repeating")
		testutil.AssertEqual(t, result.Trigger, TriggerEvery)
	}

	entries := r.List()
	testutil.AssertEqual(t, len(entries), 1)
	testutil.AssertEqual(t, entries[0].Interval, 10*time.Millisecond)
}

func TestScheduleAt_ZeroTime(t *testing.T) {
	r := newRunner(t, nil)

	var executions atomic.Int32
	err := r.ScheduleAt("bad", Request{Pipeline: countingPipeline("p", &executions)}, time.Time{})
	testutil.AssertError(t, err)
}

func TestScheduleCron_InvalidExpression(t *testing.T) {
	r := newRunner(t, nil)

	var executions atomic.Int32
	err := r.ScheduleCron("bad-cron", "not a cron line", Request{
		Pipeline: countingPipeline("p", &executions),
	})
	testutil.AssertError(t, err)
}

func TestScheduleCron_EverySecond(t *testing.T) {
	r := newRunner(t, nil)
	testutil.AssertNoError(t, r.Start())
	defer stopRunner(t, r)

	var executions atomic.Int32
	err := r.ScheduleCron("each-second", "* * * * * *", Request{
		Pipeline: countingPipeline("cron-pipeline", &executions),
	})
	testutil.AssertNoError(t, err)

	result := awaitResult(t, r)
	testutil.AssertEqual(t, result.EntryID, "each-second")
	testutil.AssertEqual(t, result.Trigger, TriggerCron)
	testutil.AssertNoError(t, result.Err)
}

func TestSchedule_DuplicateEntry(t *testing.T) {
	r := newRunner(t, nil)

	var executions atomic.Int32
	req := Request{Pipeline: countingPipeline("p", &executions)}
	testutil.AssertNoError(t, r.ScheduleEvery("dup", req, time.Hour))
	testutil.AssertError(t, r.ScheduleEvery("dup", req, time.Hour))
}

func TestSchedule_CapacityBound(t *testing.T) {
	r := newRunner(t, func(c *Config) { c.MaxEntries = 2 })

	var executions atomic.Int32
	req := Request{Pipeline: countingPipeline("p", &executions)}
	testutil.AssertNoError(t, r.ScheduleEvery("one", req, time.Hour))
	testutil.AssertNoError(t, r.ScheduleEvery("two", req, time.Hour))
	testutil.AssertError(t, r.ScheduleEvery("three", req, time.Hour))
}

func TestCancel(t *testing.T) {
	r := newRunner(t, nil)

	var executions atomic.Int32
	req := Request{Pipeline: countingPipeline("p", &executions)}
	testutil.AssertNoError(t, r.ScheduleEvery("victim", req, time.Hour))

	testutil.AssertEqual(t, r.Cancel("victim"), true)
	testutil.AssertEqual(t, r.Cancel("victim"), false)
	testutil.AssertEqual(t, len(r.List()), 0)
}

func TestList_OrderedByNextRun(t *testing.T) {
	r := newRunner(t, nil)

	var executions atomic.Int32
	req := Request{Pipeline: countingPipeline("p", &executions)}
	now := time.Now()
	testutil.AssertNoError(t, r.ScheduleAt("later", req, now.Add(2*time.Hour)))
	testutil.AssertNoError(t, r.ScheduleAt("sooner", req, now.Add(time.Hour)))

	entries := r.List()
	testutil.AssertEqual(t, len(entries), 2)
	testutil.AssertEqual(t, entries[0].ID, "sooner")
	testutil.AssertEqual(t, entries[1].ID, "later")
}

func TestRun_FailedPipelineStillDelivers(t *testing.T) {
	r := newRunner(t, nil)
	testutil.AssertNoError(t, r.Start())
	defer stopRunner(t, r)

	pipeline := core.NewPipeline("failing",
		core.NewStage("explode", func(ctx context.Context, ec core.ExecutionContext) (any, error) {
			return nil, errors.New("stage body failed")
		}).WithCapabilities(core.Capabilities{Critical: true}),
	)
	_, err := r.Submit(Request{Pipeline: pipeline})
	testutil.AssertNoError(t, err)

	result := awaitResult(t, r)
	testutil.AssertNoError(t, result.Err)
	if result.Result == nil || result.Result.Success {
		t.Fatalf("expected failed pipeline result, got %+v", result.Result)
	}
	testutil.AssertEqual(t, len(result.Result.Errors), 1)
}

// panicPipeline panics when its stages are requested, which happens inside
// the worker rather than at submission time.
type panicPipeline struct{}

func (panicPipeline) ID() string { return "panicking" }

func (panicPipeline) Stages() []core.Stage { panic("bad pipeline definition") }

func TestRun_PanicBecomesError(t *testing.T) {
	r := newRunner(t, nil)
	testutil.AssertNoError(t, r.Start())
	defer stopRunner(t, r)

	_, err := r.Submit(Request{Pipeline: panicPipeline{}})
	testutil.AssertNoError(t, err)

	result := awaitResult(t, r)
	testutil.AssertError(t, result.Err)
	if result.Result != nil {
		t.Fatalf("expected no pipeline result, got %+v", result.Result)
	}
}

func TestStop_ClosesResultsAndPreventsRestart(t *testing.T) {
	r := newRunner(t, nil)
	testutil.AssertNoError(t, r.Start())
	stopRunner(t, r)

	if _, ok := <-r.Results(); ok {
		t.Fatal("results channel should be closed after Stop")
	}
	testutil.AssertError(t, r.Start())
}

func TestStart_Twice(t *testing.T) {
	r := newRunner(t, nil)
	testutil.AssertNoError(t, r.Start())
	defer stopRunner(t, r)

	if err := r.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}
}

func TestWorkers_ProcessConcurrentSubmissions(t *testing.T) {
	r := newRunner(t, func(c *Config) {
		c.Workers = 4
		c.QueueSize = 32
	})
	testutil.AssertNoError(t, r.Start())
	defer stopRunner(t, r)

	const runs = 8
	var executions atomic.Int32
	for i := 0; i < runs; i++ {
		_, err := r.Submit(Request{
			Pipeline: countingPipeline(fmt.Sprintf("p-%d", i), &executions),
		})
		testutil.AssertNoError(t, err)
	}

	for i := 0; i < runs; i++ {
		result := awaitResult(t, r)
		testutil.AssertNoError(t, result.Err)
	}
	testutil.AssertEqual(t, executions.Load(), int32(runs))
}

func TestRunTimeout_InterruptsRun(t *testing.T) {
	r := newRunner(t, func(c *Config) { c.RunTimeout = 20 * time.Millisecond })
	testutil.AssertNoError(t, r.Start())
	defer stopRunner(t, r)

	pipeline := core.NewPipeline("slow",
		core.NewStage("sleep", func(ctx context.Context, ec core.ExecutionContext) (any, error) {
			select {
			case <-time.After(time.Second):
				return "done", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}).WithCapabilities(core.Capabilities{Critical: true}),
	)
	_, err := r.Submit(Request{Pipeline: pipeline})
	testutil.AssertNoError(t, err)

	result := awaitResult(t, r)
	testutil.AssertNoError(t, result.Err)
	if result.Result == nil || result.Result.Success {
		t.Fatal("expected the run to be interrupted by the timeout")
	}
}
