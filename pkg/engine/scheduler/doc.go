// Package scheduler drives pipeline execution.
//
// A Scheduler consumes the stage graph, the execution cache, the rule
// engine, and a resource monitor to run stages under a chosen strategy:
// sequential, bounded-parallel, optimized (parallel plus a rule pass), or
// adaptive (a static pre-pass picks one of the others per run). A stage
// never starts before all of its declared dependencies have reached a
// terminal state; a critical stage failure suppresses further launches
// while already-running stages drain to completion.
//
// Collaborators are injected through Config, so multiple schedulers run
// independently and can be tested in isolation. Run always returns a
// structured PipelineResult for a validated graph; only construction and
// graph validation problems surface as errors.
package scheduler
