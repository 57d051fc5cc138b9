package analytics

import (
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	sferrors "github.com/vnykmshr/stageflow/pkg/common/errors"
	"github.com/vnykmshr/stageflow/pkg/engine/core"
)

func runResult(id string, strategy core.Strategy, success bool, duration time.Duration) *core.PipelineResult {
	return &core.PipelineResult{
		ExecutionID:   id,
		Strategy:      strategy,
		Success:       success,
		TotalDuration: duration,
		CompletedAt:   time.Now(),
		Replayable:    success,
	}
}

func TestNewWithConfig_Validation(t *testing.T) {
	for _, capacity := range []int{0, -1} {
		_, err := NewWithConfig(Config{HistoryCapacity: capacity})
		if err == nil {
			t.Errorf("expected error for capacity %d", capacity)
		} else if !sferrors.IsValidationError(err) {
			t.Errorf("expected validation error, got %T: %v", err, err)
		}
	}
}

func TestAggregator_IncrementalMeanEqualsBatchMean(t *testing.T) {
	a := New()

	durations := []time.Duration{
		120 * time.Millisecond,
		45 * time.Millisecond,
		310 * time.Millisecond,
		7 * time.Millisecond,
		199 * time.Millisecond,
	}
	var total time.Duration
	for i, d := range durations {
		a.Record(runResult(fmt.Sprintf("run-%d", i), core.StrategySequential, true, d))
		total += d
	}

	want := float64(total) / float64(len(durations))
	got := float64(a.Stats().AverageExecutionTime)
	if math.Abs(got-want) > 1 {
		t.Errorf("expected mean %v ns, got %v ns", want, got)
	}
}

func TestAggregator_SuccessRate(t *testing.T) {
	a := New()

	outcomes := []bool{true, true, false, true, false}
	for i, ok := range outcomes {
		a.Record(runResult(fmt.Sprintf("run-%d", i), core.StrategyParallel, ok, time.Millisecond))
	}

	stats := a.Stats()
	if stats.TotalExecutions != 5 {
		t.Errorf("expected 5 executions, got %d", stats.TotalExecutions)
	}
	if math.Abs(stats.SuccessRate-0.6) > 1e-9 {
		t.Errorf("expected success rate 0.6, got %v", stats.SuccessRate)
	}
}

func TestAggregator_PerStrategyStats(t *testing.T) {
	a := New()

	a.Record(runResult("s1", core.StrategySequential, true, 100*time.Millisecond))
	a.Record(runResult("s2", core.StrategySequential, false, 300*time.Millisecond))
	a.Record(runResult("p1", core.StrategyParallel, true, 40*time.Millisecond))

	stats := a.Stats()
	seq, ok := stats.ByStrategy[core.StrategySequential]
	if !ok {
		t.Fatal("expected sequential stats")
	}
	if seq.Executions != 2 {
		t.Errorf("expected 2 sequential executions, got %d", seq.Executions)
	}
	if math.Abs(seq.SuccessRate-0.5) > 1e-9 {
		t.Errorf("expected sequential success rate 0.5, got %v", seq.SuccessRate)
	}
	if seq.AverageDuration != 200*time.Millisecond {
		t.Errorf("expected sequential mean 200ms, got %v", seq.AverageDuration)
	}

	par := stats.ByStrategy[core.StrategyParallel]
	if par.Executions != 1 || par.SuccessRate != 1 || par.AverageDuration != 40*time.Millisecond {
		t.Errorf("unexpected parallel stats: %+v", par)
	}
}

func TestAggregator_CacheHitRate(t *testing.T) {
	a := New()

	withTraffic := func(id string, hits, misses int64) *core.PipelineResult {
		r := runResult(id, core.StrategyOptimized, true, time.Millisecond)
		r.Metrics.CacheHits = hits
		r.Metrics.CacheMisses = misses
		return r
	}

	a.Record(withTraffic("r1", 2, 0)) // 1.0
	a.Record(withTraffic("r2", 0, 0)) // no traffic, must not move the rate
	a.Record(withTraffic("r3", 1, 1)) // 0.5

	stats := a.Stats()
	if math.Abs(stats.CacheHitRate-0.75) > 1e-9 {
		t.Errorf("expected cache hit rate 0.75, got %v", stats.CacheHitRate)
	}
}

func TestAggregator_HistoryRing(t *testing.T) {
	a, err := NewWithConfig(Config{HistoryCapacity: 3})
	if err != nil {
		t.Fatalf("NewWithConfig failed: %v", err)
	}

	for i := 1; i <= 5; i++ {
		a.Record(runResult(fmt.Sprintf("run-%d", i), core.StrategySequential, true, time.Millisecond))
	}

	history := a.History(0)
	if len(history) != 3 {
		t.Fatalf("expected 3 retained runs, got %d", len(history))
	}
	for i, want := range []string{"run-5", "run-4", "run-3"} {
		if history[i].ExecutionID != want {
			t.Errorf("expected history[%d]=%s, got %s", i, want, history[i].ExecutionID)
		}
	}

	if limited := a.History(2); len(limited) != 2 || limited[0].ExecutionID != "run-5" {
		t.Errorf("expected 2 newest runs, got %v", ids(limited))
	}
	if over := a.History(10); len(over) != 3 {
		t.Errorf("expected limit beyond size to return all 3, got %d", len(over))
	}
	if stats := a.Stats(); stats.HistorySize != 3 {
		t.Errorf("expected history size 3, got %d", stats.HistorySize)
	}
}

func TestAggregator_HistoryEntriesAreSnapshots(t *testing.T) {
	a := New()

	original := runResult("r1", core.StrategyParallel, true, time.Millisecond)
	original.StageResults = []core.StageResult{{StageID: "s1", Success: true}}
	a.Record(original)

	// Mutating the recorded result must not reach the stored snapshot.
	original.StageResults[0].StageID = "mutated"

	history := a.History(1)
	if got := history[0].Result.StageResults[0].StageID; got != "s1" {
		t.Errorf("expected snapshot to keep s1, got %s", got)
	}

	// Mutating a returned entry must not reach the aggregator either.
	history[0].Result.StageResults[0].StageID = "tampered"
	if got := a.History(1)[0].Result.StageResults[0].StageID; got != "s1" {
		t.Errorf("expected aggregator copy to keep s1, got %s", got)
	}
}

func TestAggregator_ConcurrentRecord(t *testing.T) {
	a := New()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				a.Record(runResult(fmt.Sprintf("w%d-%d", worker, i), core.StrategyAdaptive, true, time.Millisecond))
			}
		}(w)
	}
	wg.Wait()

	stats := a.Stats()
	if stats.TotalExecutions != 400 {
		t.Errorf("expected 400 executions, got %d", stats.TotalExecutions)
	}
	if stats.SuccessRate != 1 {
		t.Errorf("expected success rate 1, got %v", stats.SuccessRate)
	}
	if stats.HistorySize != 100 {
		t.Errorf("expected history capped at 100, got %d", stats.HistorySize)
	}
}

func ids(entries []HistoryEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ExecutionID
	}
	return out
}
