package runner

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"
)

// loop is the tick loop: on every tick, due entries are fired into the run
// queue and rescheduled or removed.
func (r *runner) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.fireDue(time.Now())
		}
	}
}

// fireDue collects entries whose run time has arrived, advances repeating
// ones, and queues a firing per entry. The queue send happens outside the
// lock.
func (r *runner) fireDue(now time.Time) {
	r.mu.Lock()
	var due []firing
	for id, e := range r.entries {
		if e.runAt.After(now) {
			continue
		}
		due = append(due, firing{
			entryID: id,
			req:     e.req,
			trigger: e.trigger,
			firedAt: now,
		})

		switch {
		case e.interval > 0:
			e.runAt = now.Add(e.interval)
		case e.schedule != nil:
			e.runAt = e.schedule.Next(now.In(r.config.Location))
		default:
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	for _, f := range due {
		if !r.enqueue(f) {
			r.logger.Warn("run queue full, dropping scheduled run",
				"entry_id", f.entryID,
				"pipeline", f.req.Pipeline.ID(),
				"trigger", f.trigger,
			)
		}
	}
}

// enqueue offers a firing to the run queue without blocking.
func (r *runner) enqueue(f firing) bool {
	select {
	case r.queue <- f:
	default:
		return false
	}
	if r.config.Metrics != nil {
		r.config.Metrics.RunnerScheduled.WithLabelValues(f.trigger).Inc()
		r.config.Metrics.RunnerQueueDepth.Set(float64(len(r.queue)))
	}
	return true
}

// worker consumes fired runs until shutdown. Runs in progress finish;
// queued firings are abandoned when the stop channel closes.
func (r *runner) worker(id int) {
	defer r.wg.Done()

	for {
		select {
		case <-r.stop:
			return
		case f := <-r.queue:
			if r.config.Metrics != nil {
				r.config.Metrics.RunnerQueueDepth.Set(float64(len(r.queue)))
			}
			r.execute(id, f)
		}
	}
}

// execute drives one fired run through the scheduler and delivers its
// outcome. A panic out of the pipeline definition is converted into a
// failed RunResult so the worker survives.
func (r *runner) execute(workerID int, f firing) {
	if r.config.Metrics != nil {
		r.config.Metrics.RunnerRunsInFlight.Inc()
		defer r.config.Metrics.RunnerRunsInFlight.Dec()
	}

	out := RunResult{
		EntryID:    f.entryID,
		PipelineID: f.req.Pipeline.ID(),
		Trigger:    f.trigger,
		FiredAt:    f.firedAt,
	}

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				out.Err = fmt.Errorf("run panicked: %v", rec)
				r.logger.Error("run panic recovered",
					"worker", workerID,
					"entry_id", f.entryID,
					"panic", rec,
					"stack", string(debug.Stack()),
				)
			}
		}()

		ctx := context.Background()
		if r.config.RunTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.config.RunTimeout)
			defer cancel()
		}
		out.Result, out.Err = r.sched.Run(ctx, f.req.Pipeline, f.req.Context)
	}()

	out.CompletedAt = time.Now()
	if out.Err != nil {
		r.logger.Warn("scheduled run failed",
			"entry_id", f.entryID,
			"pipeline", out.PipelineID,
			"trigger", f.trigger,
			"error", out.Err,
		)
	}
	r.deliver(out)
}

// deliver sends a result, giving up at shutdown so workers never block a
// Stop.
func (r *runner) deliver(result RunResult) {
	select {
	case r.results <- result:
	case <-r.stop:
	}
}
