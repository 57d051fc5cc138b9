// Package runner executes pipelines on demand and on schedules.
//
// A Runner wraps a scheduler behind a bounded queue and a fixed set of run
// workers. Runs fire immediately through Submit, once at a point in time,
// repeatedly at an interval, or on a cron schedule (six-field expressions
// with a leading seconds field). Every fired run produces a RunResult on
// the Results channel carrying the pipeline outcome or the error that
// prevented one.
//
// The schedule is checked on a tick, so firing precision is bounded by the
// configured TickInterval, not by the wall clock.
package runner
