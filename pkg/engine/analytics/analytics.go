package analytics

import (
	"sync"
	"time"

	"github.com/vnykmshr/stageflow/pkg/common/validation"
	"github.com/vnykmshr/stageflow/pkg/engine/core"
)

// HistoryEntry is one remembered pipeline run.
type HistoryEntry struct {
	// ExecutionID identifies the run.
	ExecutionID string

	// Timestamp is when the run completed.
	Timestamp time.Time

	// Strategy is the strategy that executed the run.
	Strategy core.Strategy

	// Result is a snapshot of the run's outcome.
	Result *core.PipelineResult

	// Replayable mirrors the result's replayable flag.
	Replayable bool
}

// StrategyStats aggregates outcomes for one strategy.
type StrategyStats struct {
	// Executions counts runs under this strategy.
	Executions int64

	// SuccessRate is the fraction of successful runs in [0, 1].
	SuccessRate float64

	// AverageDuration is the mean wall-clock run duration.
	AverageDuration time.Duration
}

// Stats is a point-in-time snapshot of aggregate run analytics.
type Stats struct {
	// TotalExecutions counts every recorded run.
	TotalExecutions int64

	// AverageExecutionTime is the mean wall-clock run duration.
	AverageExecutionTime time.Duration

	// SuccessRate is the fraction of successful runs in [0, 1].
	SuccessRate float64

	// CacheHitRate averages per-run hits/(hits+misses) over runs that saw
	// cache traffic, in [0, 1]. Runs without cache traffic do not move it.
	CacheHitRate float64

	// ByStrategy breaks the aggregates down per strategy.
	ByStrategy map[core.Strategy]StrategyStats

	// HistorySize is the number of runs currently retained.
	HistorySize int
}

// Config holds configuration for an aggregator.
type Config struct {
	// HistoryCapacity bounds the execution history; the oldest entry is
	// dropped once it is full.
	HistoryCapacity int
}

// DefaultConfig returns the default aggregator configuration.
func DefaultConfig() Config {
	return Config{
		HistoryCapacity: 100,
	}
}

// strategyState tracks running means for one strategy.
type strategyState struct {
	executions    int64
	successRate   float64
	avgDurationNs float64
}

// Aggregator records completed runs and serves aggregate statistics. Safe
// for concurrent use.
type Aggregator struct {
	mu     sync.Mutex
	config Config

	totalExecutions int64
	successRate     float64
	avgDurationNs   float64
	cacheHitRate    float64
	cacheRuns       int64

	byStrategy map[core.Strategy]*strategyState

	// history is a modular ring: next points at the slot the next entry
	// overwrites, count at how many slots are filled.
	history []HistoryEntry
	next    int
	count   int
}

// New creates an aggregator with default configuration.
func New() *Aggregator {
	aggregator, _ := NewWithConfig(DefaultConfig())
	return aggregator
}

// NewWithConfig creates an aggregator with the given configuration.
func NewWithConfig(config Config) (*Aggregator, error) {
	if err := validation.ValidatePositive("analytics", "historyCapacity", config.HistoryCapacity); err != nil {
		return nil, err
	}
	return &Aggregator{
		config:     config,
		byStrategy: make(map[core.Strategy]*strategyState),
		history:    make([]HistoryEntry, config.HistoryCapacity),
	}, nil
}

// Record folds one completed run into the aggregates and the history.
func (a *Aggregator) Record(result *core.PipelineResult) {
	if result == nil {
		return
	}
	snapshot := result.Clone()

	a.mu.Lock()
	defer a.mu.Unlock()

	a.totalExecutions++
	n := float64(a.totalExecutions)

	outcome := 0.0
	if snapshot.Success {
		outcome = 1
	}
	a.avgDurationNs += (float64(snapshot.TotalDuration) - a.avgDurationNs) / n
	a.successRate += (outcome - a.successRate) / n

	if traffic := snapshot.Metrics.CacheHits + snapshot.Metrics.CacheMisses; traffic > 0 {
		a.cacheRuns++
		runRate := float64(snapshot.Metrics.CacheHits) / float64(traffic)
		a.cacheHitRate += (runRate - a.cacheHitRate) / float64(a.cacheRuns)
	}

	state, ok := a.byStrategy[snapshot.Strategy]
	if !ok {
		state = &strategyState{}
		a.byStrategy[snapshot.Strategy] = state
	}
	state.executions++
	m := float64(state.executions)
	state.avgDurationNs += (float64(snapshot.TotalDuration) - state.avgDurationNs) / m
	state.successRate += (outcome - state.successRate) / m

	timestamp := snapshot.CompletedAt
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	a.history[a.next] = HistoryEntry{
		ExecutionID: snapshot.ExecutionID,
		Timestamp:   timestamp,
		Strategy:    snapshot.Strategy,
		Result:      snapshot,
		Replayable:  snapshot.Replayable,
	}
	a.next = (a.next + 1) % len(a.history)
	if a.count < len(a.history) {
		a.count++
	}
}

// History returns up to limit retained runs, newest first. A non-positive
// limit returns the full history. Returned results are snapshots.
func (a *Aggregator) History(limit int) []HistoryEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := a.count
	if limit > 0 && limit < n {
		n = limit
	}
	if n == 0 {
		return nil
	}

	out := make([]HistoryEntry, 0, n)
	for i := 0; i < n; i++ {
		entry := a.history[(a.next-1-i+len(a.history))%len(a.history)]
		entry.Result = entry.Result.Clone()
		out = append(out, entry)
	}
	return out
}

// Stats returns a snapshot of the aggregates.
func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	byStrategy := make(map[core.Strategy]StrategyStats, len(a.byStrategy))
	for strategy, state := range a.byStrategy {
		byStrategy[strategy] = StrategyStats{
			Executions:      state.executions,
			SuccessRate:     state.successRate,
			AverageDuration: time.Duration(state.avgDurationNs),
		}
	}

	return Stats{
		TotalExecutions:      a.totalExecutions,
		AverageExecutionTime: time.Duration(a.avgDurationNs),
		SuccessRate:          a.successRate,
		CacheHitRate:         a.cacheHitRate,
		ByStrategy:           byStrategy,
		HistorySize:          a.count,
	}
}
