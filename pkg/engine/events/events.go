package events

import (
	"time"

	"github.com/vnykmshr/stageflow/pkg/engine/core"
)

// Kind identifies an event type.
type Kind int

const (
	// KindRunStarted marks the start of a pipeline run.
	KindRunStarted Kind = iota

	// KindRunCompleted marks the end of a pipeline run.
	KindRunCompleted

	// KindStageStarted marks a stage launch.
	KindStageStarted

	// KindStageCompleted marks a stage reaching a terminal state.
	KindStageCompleted

	// KindCacheHit marks a stage result served from cache.
	KindCacheHit

	// KindCacheMiss marks a cache consult that missed.
	KindCacheMiss

	// KindRuleApplied marks an optimization rule application.
	KindRuleApplied

	// KindEntryEvicted marks a cache entry eviction.
	KindEntryEvicted
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindRunStarted:
		return "run_started"
	case KindRunCompleted:
		return "run_completed"
	case KindStageStarted:
		return "stage_started"
	case KindStageCompleted:
		return "stage_completed"
	case KindCacheHit:
		return "cache_hit"
	case KindCacheMiss:
		return "cache_miss"
	case KindRuleApplied:
		return "rule_applied"
	case KindEntryEvicted:
		return "entry_evicted"
	default:
		return "unknown"
	}
}

// Event is one engine occurrence.
type Event interface {
	// Kind identifies the event type.
	Kind() Kind

	// When is the event time.
	When() time.Time
}

// RunStarted is published when a pipeline run begins.
type RunStarted struct {
	ExecutionID string
	PipelineID  string
	Strategy    core.Strategy
	Stages      int
	Time        time.Time
}

func (e RunStarted) Kind() Kind { return KindRunStarted }
func (e RunStarted) When() time.Time { return e.Time }

// RunCompleted is published when a pipeline run finishes.
type RunCompleted struct {
	ExecutionID string
	PipelineID  string
	Strategy    core.Strategy
	Success     bool
	Duration    time.Duration
	Time        time.Time
}

func (e RunCompleted) Kind() Kind { return KindRunCompleted }
func (e RunCompleted) When() time.Time { return e.Time }

// StageStarted is published when a stage launches.
type StageStarted struct {
	ExecutionID string
	StageID     string
	Time        time.Time
}

func (e StageStarted) Kind() Kind { return KindStageStarted }
func (e StageStarted) When() time.Time { return e.Time }

// StageCompleted is published when a stage reaches a terminal state.
type StageCompleted struct {
	ExecutionID string
	StageID     string
	Success     bool
	CacheHit    bool
	Duration    time.Duration
	Time        time.Time
}

func (e StageCompleted) Kind() Kind { return KindStageCompleted }
func (e StageCompleted) When() time.Time { return e.Time }

// CacheHit is published when a stage result is served from cache.
type CacheHit struct {
	ExecutionID string
	StageID     string
	Key         string
	Time        time.Time
}

func (e CacheHit) Kind() Kind { return KindCacheHit }
func (e CacheHit) When() time.Time { return e.Time }

// CacheMiss is published when a cache consult misses.
type CacheMiss struct {
	ExecutionID string
	StageID     string
	Key         string
	Time        time.Time
}

func (e CacheMiss) Kind() Kind { return KindCacheMiss }
func (e CacheMiss) When() time.Time { return e.Time }

// RuleApplied is published after an optimization rule application.
type RuleApplied struct {
	ExecutionID string
	StageID     string
	RuleID      string
	Success     bool
	Time        time.Time
}

func (e RuleApplied) Kind() Kind { return KindRuleApplied }
func (e RuleApplied) When() time.Time { return e.Time }

// EntryEvicted is published when a cache entry is evicted. It originates
// from store eviction hooks, so it carries no execution id.
type EntryEvicted struct {
	Key    string
	Reason string
	Time   time.Time
}

func (e EntryEvicted) Kind() Kind { return KindEntryEvicted }
func (e EntryEvicted) When() time.Time { return e.Time }
