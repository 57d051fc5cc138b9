package runner

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	sferrors "github.com/vnykmshr/stageflow/pkg/common/errors"
	"github.com/vnykmshr/stageflow/pkg/common/logging"
	"github.com/vnykmshr/stageflow/pkg/common/validation"
	"github.com/vnykmshr/stageflow/pkg/engine/core"
	"github.com/vnykmshr/stageflow/pkg/engine/scheduler"
	"github.com/vnykmshr/stageflow/pkg/metrics"
)

// Trigger labels for schedule entries and run results.
const (
	TriggerImmediate = "immediate"
	TriggerAt        = "at"
	TriggerEvery     = "every"
	TriggerCron      = "cron"
)

// ErrAlreadyRunning is returned by Start on a running runner.
var ErrAlreadyRunning = errors.New("runner already running")

// Request describes one pipeline run handed to a Runner.
type Request struct {
	// Pipeline is the pipeline to run.
	Pipeline core.Pipeline

	// Context is the execution context passed to the run.
	Context core.ExecutionContext
}

// RunResult is delivered on Results for every fired run.
type RunResult struct {
	// EntryID identifies the submission or schedule entry that fired the
	// run.
	EntryID string

	// PipelineID is the id of the pipeline that ran.
	PipelineID string

	// Trigger is why the run fired.
	Trigger string

	// Result is the pipeline outcome. It is nil when Err is set.
	Result *core.PipelineResult

	// Err is set when the run could not produce a result, such as a
	// dependency cycle or a panicking pipeline definition.
	Err error

	// FiredAt is when the run was queued; CompletedAt when it finished.
	FiredAt     time.Time
	CompletedAt time.Time
}

// Entry is a snapshot of one schedule entry.
type Entry struct {
	// ID is the caller-supplied entry id.
	ID string

	// PipelineID is the id of the scheduled pipeline.
	PipelineID string

	// Trigger is the entry's trigger kind.
	Trigger string

	// NextRun is when the entry fires next.
	NextRun time.Time

	// Interval is the repeat interval; zero unless Trigger is "every".
	Interval time.Duration

	// Created is when the entry was added.
	Created time.Time
}

// Runner executes pipelines on demand, at points in time, at intervals, or
// on cron schedules through a bounded worker loop.
type Runner interface {
	// Submit queues an immediate run and returns its entry id.
	Submit(req Request) (string, error)

	// ScheduleAt registers a one-time run at runAt.
	ScheduleAt(id string, req Request, runAt time.Time) error

	// ScheduleAfter registers a one-time run after delay.
	ScheduleAfter(id string, req Request, delay time.Duration) error

	// ScheduleEvery registers a repeating run. The first firing happens on
	// the next tick.
	ScheduleEvery(id string, req Request, interval time.Duration) error

	// ScheduleCron registers a run on a cron schedule. Expressions use six
	// fields with a leading seconds field.
	ScheduleCron(id string, expr string, req Request) error

	// Cancel removes a schedule entry and reports whether it existed.
	Cancel(id string) bool

	// List returns the current schedule entries ordered by next run time.
	List() []Entry

	// Results returns the run outcome channel. It is closed after Stop
	// completes. Consumers must keep reading; once the buffer fills,
	// workers block on delivery until shutdown.
	Results() <-chan RunResult

	// Start launches the tick loop and run workers.
	Start() error

	// Stop halts firing, waits for in-flight runs, and closes Results.
	// Queued runs that have not started are dropped. A stopped runner
	// cannot be restarted.
	Stop() <-chan struct{}
}

// Config holds configuration for a runner.
type Config struct {
	// Scheduler executes the fired runs. If nil, a default scheduler is
	// created.
	Scheduler *scheduler.Scheduler

	// Workers is the number of concurrent run workers.
	Workers int

	// QueueSize bounds the fired-run queue. Submissions into a full queue
	// fail; scheduled firings into a full queue are dropped and logged.
	QueueSize int

	// TickInterval is how often due entries are checked.
	TickInterval time.Duration

	// MaxEntries bounds the schedule.
	MaxEntries int

	// Location is the time zone for cron schedules. If nil, time.Local.
	Location *time.Location

	// RunTimeout bounds each fired run. Zero means no timeout.
	RunTimeout time.Duration

	// Logger receives runner reports. If nil, the shared default logger
	// is used.
	Logger logging.Logger

	// Metrics records runner activity. If nil, nothing is recorded.
	Metrics *metrics.Registry
}

// DefaultConfig returns the default runner configuration.
func DefaultConfig() Config {
	return Config{
		Workers:      2,
		QueueSize:    64,
		TickInterval: 50 * time.Millisecond,
		MaxEntries:   1000,
	}
}

// entry is one live schedule entry. The runner mutex guards all fields.
type entry struct {
	id       string
	req      Request
	trigger  string
	runAt    time.Time
	interval time.Duration
	schedule cron.Schedule
	created  time.Time
}

// firing is one queued run.
type firing struct {
	entryID string
	req     Request
	trigger string
	firedAt time.Time
}

type runner struct {
	config     Config
	logger     logging.Logger
	sched      *scheduler.Scheduler
	cronParser cron.Parser

	mu      sync.RWMutex
	entries map[string]*entry
	running bool
	halted  bool

	queue   chan firing
	results chan RunResult
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New creates a runner with default configuration.
func New() Runner {
	r, _ := NewWithConfig(DefaultConfig())
	return r
}

// NewWithConfig creates a runner with the given configuration.
func NewWithConfig(config Config) (Runner, error) {
	if config.Workers == 0 {
		config.Workers = DefaultConfig().Workers
	}
	if config.QueueSize == 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}
	if config.TickInterval == 0 {
		config.TickInterval = DefaultConfig().TickInterval
	}
	if config.MaxEntries == 0 {
		config.MaxEntries = DefaultConfig().MaxEntries
	}

	if err := validation.ValidatePositive("runner", "workers", config.Workers); err != nil {
		return nil, err
	}
	if err := validation.ValidatePositive("runner", "queueSize", config.QueueSize); err != nil {
		return nil, err
	}
	if err := validation.ValidatePositiveDuration("runner", "tickInterval", config.TickInterval); err != nil {
		return nil, err
	}
	if err := validation.ValidatePositive("runner", "maxEntries", config.MaxEntries); err != nil {
		return nil, err
	}
	if err := validation.ValidateNonNegativeDuration("runner", "runTimeout", config.RunTimeout); err != nil {
		return nil, err
	}

	if config.Scheduler == nil {
		config.Scheduler = scheduler.New()
	}
	if config.Location == nil {
		config.Location = time.Local
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Default()
	}

	return &runner{
		config: config,
		logger: logger,
		sched:  config.Scheduler,
		cronParser: cron.NewParser(
			cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		entries: make(map[string]*entry),
		queue:   make(chan firing, config.QueueSize),
		results: make(chan RunResult, config.QueueSize+config.Workers),
		stop:    make(chan struct{}),
	}, nil
}

func validateRequest(req Request) error {
	return validation.ValidateNotNil("runner", "request.pipeline", req.Pipeline)
}

func (r *runner) Submit(req Request) (string, error) {
	if err := validateRequest(req); err != nil {
		return "", err
	}

	r.mu.RLock()
	accepting := r.running
	r.mu.RUnlock()
	if !accepting {
		return "", sferrors.NewOperationError("runner", "submit", sferrors.ErrClosed).
			WithContext("runner is not running")
	}

	id := uuid.NewString()
	if !r.enqueue(firing{
		entryID: id,
		req:     req,
		trigger: TriggerImmediate,
		firedAt: time.Now(),
	}) {
		return "", sferrors.NewOperationError("runner", "submit", sferrors.ErrCapacityExceeded).
			WithContext("run queue is full")
	}
	return id, nil
}

// addEntry validates common schedule arguments and inserts the entry.
func (r *runner) addEntry(e *entry) error {
	if err := validation.ValidateNotEmpty("runner", "entry id", e.id); err != nil {
		return err
	}
	if err := validateRequest(e.req); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.halted {
		return sferrors.NewOperationError("runner", "schedule", sferrors.ErrClosed).
			WithContext("runner is stopped")
	}
	if _, exists := r.entries[e.id]; exists {
		return sferrors.NewOperationError("runner", "schedule", sferrors.ErrAlreadyExists).
			WithContext("entry " + e.id)
	}
	if len(r.entries) >= r.config.MaxEntries {
		return sferrors.NewOperationError("runner", "schedule", sferrors.ErrCapacityExceeded).
			WithContext("schedule is full")
	}

	e.created = time.Now()
	r.entries[e.id] = e
	return nil
}

func (r *runner) ScheduleAt(id string, req Request, runAt time.Time) error {
	if runAt.IsZero() {
		return sferrors.NewValidationError("runner", "runAt", runAt, "cannot be zero")
	}
	return r.addEntry(&entry{
		id:      id,
		req:     req,
		trigger: TriggerAt,
		runAt:   runAt,
	})
}

func (r *runner) ScheduleAfter(id string, req Request, delay time.Duration) error {
	if err := validation.ValidateNonNegativeDuration("runner", "delay", delay); err != nil {
		return err
	}
	return r.addEntry(&entry{
		id:      id,
		req:     req,
		trigger: TriggerAt,
		runAt:   time.Now().Add(delay),
	})
}

func (r *runner) ScheduleEvery(id string, req Request, interval time.Duration) error {
	if err := validation.ValidatePositiveDuration("runner", "interval", interval); err != nil {
		return err
	}
	return r.addEntry(&entry{
		id:       id,
		req:      req,
		trigger:  TriggerEvery,
		runAt:    time.Now(),
		interval: interval,
	})
}

func (r *runner) ScheduleCron(id string, expr string, req Request) error {
	if err := validation.ValidateNotEmpty("runner", "cron expression", expr); err != nil {
		return err
	}
	schedule, err := r.cronParser.Parse(expr)
	if err != nil {
		return sferrors.NewValidationError("runner", "cron expression", expr, err.Error()).
			WithHint("expressions use six fields with a leading seconds field")
	}
	return r.addEntry(&entry{
		id:       id,
		req:      req,
		trigger:  TriggerCron,
		runAt:    schedule.Next(time.Now().In(r.config.Location)),
		schedule: schedule,
	})
}

func (r *runner) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; exists {
		delete(r.entries, id)
		return true
	}
	return false
}

func (r *runner) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, Entry{
			ID:         e.id,
			PipelineID: e.req.Pipeline.ID(),
			Trigger:    e.trigger,
			NextRun:    e.runAt,
			Interval:   e.interval,
			Created:    e.created,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].NextRun.Before(entries[j].NextRun)
	})
	return entries
}

func (r *runner) Results() <-chan RunResult {
	return r.results
}

func (r *runner) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return ErrAlreadyRunning
	}
	if r.halted {
		return sferrors.NewOperationError("runner", "start", sferrors.ErrClosed).
			WithContext("a stopped runner cannot be restarted")
	}

	r.running = true
	r.wg.Add(1 + r.config.Workers)
	go r.loop()
	for i := 0; i < r.config.Workers; i++ {
		go r.worker(i)
	}
	return nil
}

func (r *runner) Stop() <-chan struct{} {
	r.mu.Lock()
	wasRunning := r.running
	r.running = false
	if wasRunning {
		r.halted = true
		close(r.stop)
	}
	r.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		if wasRunning {
			r.wg.Wait()
			close(r.results)
		}
	}()
	return stopped
}
