package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ResourceUsage is a point-in-time sample of system resource consumption.
type ResourceUsage struct {
	CPUPercent    float64
	MemoryPercent float64
	DiskPercent   float64
	NetworkBytes  uint64
}

// Max returns the component-wise maximum of u and other.
func (u ResourceUsage) Max(other ResourceUsage) ResourceUsage {
	out := u
	if other.CPUPercent > out.CPUPercent {
		out.CPUPercent = other.CPUPercent
	}
	if other.MemoryPercent > out.MemoryPercent {
		out.MemoryPercent = other.MemoryPercent
	}
	if other.DiskPercent > out.DiskPercent {
		out.DiskPercent = other.DiskPercent
	}
	if other.NetworkBytes > out.NetworkBytes {
		out.NetworkBytes = other.NetworkBytes
	}
	return out
}

// Add returns the component-wise sum of u and other.
func (u ResourceUsage) Add(other ResourceUsage) ResourceUsage {
	return ResourceUsage{
		CPUPercent:    u.CPUPercent + other.CPUPercent,
		MemoryPercent: u.MemoryPercent + other.MemoryPercent,
		DiskPercent:   u.DiskPercent + other.DiskPercent,
		NetworkBytes:  u.NetworkBytes + other.NetworkBytes,
	}
}

// StageError records a single stage failure inside a pipeline result.
type StageError struct {
	StageID string
	Message string
}

// Error implements the error interface.
func (e StageError) Error() string {
	return fmt.Sprintf("stage %s: %s", e.StageID, e.Message)
}

// StageResult is the outcome of one stage execution.
type StageResult struct {
	// StageID is the stage's unique identifier.
	StageID string

	// StageName is the stage's display name.
	StageName string

	// Success reports whether the stage body completed without error.
	Success bool

	// Output is the value returned by the stage body, or the cached value
	// on a cache hit.
	Output any

	// Err holds the failure message when Success is false. It is a string
	// so results stay copyable and serializable.
	Err string

	// Duration is how long the stage execution took. Cache hits report
	// near-zero durations.
	Duration time.Duration

	// StartedAt is when the stage execution began.
	StartedAt time.Time

	// CompletedAt is when the stage execution finished.
	CompletedAt time.Time

	// Usage is the resource sample captured at stage completion.
	Usage ResourceUsage

	// Dependencies lists the stage's declared dependency ids.
	Dependencies []string

	// Parallelizable mirrors the stage's capability flag.
	Parallelizable bool

	// CacheHit reports whether the result was served from cache.
	CacheHit bool

	// OptimizationApplied reports whether an optimization rule was
	// applied for this stage.
	OptimizationApplied bool
}

// OptimizationMetrics aggregates cache and optimization outcomes for a run.
type OptimizationMetrics struct {
	// CacheHits counts stage results served from cache.
	CacheHits int64

	// CacheMisses counts stage executions that consulted the cache and
	// missed.
	CacheMisses int64

	// ParallelizationSavings is the measured difference between the sum
	// of individual stage durations and the pipeline wall-clock duration.
	ParallelizationSavings time.Duration

	// OptimizationSavings accumulates the EstimatedSavings of rules that
	// were actually applied. The values are estimates supplied by rule
	// authors, not measurements.
	OptimizationSavings float64
}

// PipelineResult is the structured outcome of one pipeline run.
type PipelineResult struct {
	// ExecutionID uniquely identifies this run.
	ExecutionID string

	// Strategy is the strategy that actually executed the run. Adaptive
	// runs record the strategy the pre-pass selected.
	Strategy Strategy

	// Success is true iff no critical stage failed.
	Success bool

	// StageResults holds one entry per executed stage, in completion
	// order.
	StageResults []StageResult

	// TotalDuration is the wall-clock duration of the run.
	TotalDuration time.Duration

	// StartedAt is when the run began.
	StartedAt time.Time

	// CompletedAt is when the run finished.
	CompletedAt time.Time

	// PeakUsage is the component-wise maximum resource sample observed
	// across stage completions.
	PeakUsage ResourceUsage

	// TotalUsage is the component-wise sum of all stage samples.
	TotalUsage ResourceUsage

	// Metrics aggregates cache and optimization outcomes.
	Metrics OptimizationMetrics

	// Errors lists every recorded stage failure.
	Errors []StageError

	// Replayable reports whether the run can be replayed from its
	// recorded context: the graph validated and every executed stage
	// either succeeded or was non-critical.
	Replayable bool
}

// Clone returns a copy with its own Dependencies slice. Output is shared,
// not copied.
func (r StageResult) Clone() StageResult {
	out := r
	out.Dependencies = append([]string(nil), r.Dependencies...)
	return out
}

// Clone returns a structural copy of the result. Slices are copied; stage
// outputs are shared, not copied.
func (r *PipelineResult) Clone() *PipelineResult {
	if r == nil {
		return nil
	}
	out := *r
	out.StageResults = make([]StageResult, len(r.StageResults))
	for i, sr := range r.StageResults {
		out.StageResults[i] = sr.Clone()
	}
	out.Errors = append([]StageError(nil), r.Errors...)
	return &out
}

// NewExecutionID returns a unique identifier for a pipeline run.
func NewExecutionID() string {
	return uuid.NewString()
}
