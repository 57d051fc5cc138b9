/*
Package stageflow provides a Go library for executing staged pipelines with
dependency ordering, bounded concurrency, result caching, and pluggable
optimization rules.

Engine (pkg/engine):
  - core: Stage and Pipeline contracts, execution contexts, results
  - graph: dependency validation and ready-set computation
  - scheduler: sequential, parallel, adaptive, and optimized strategies
  - cache: TTL+LRU execution cache with in-memory and Redis stores
  - rules: prioritized optimization rules with rolling success rates
  - analytics: running statistics and bounded execution history
  - monitor: resource usage sampling
  - events: bounded event bus for run observation
  - runner: managed runs on demand, at intervals, or on cron schedules

Support (pkg):
  - metrics: Prometheus instrumentation for all components
  - common: errors, validation, hashing, logging, context helpers

Example usage:

	import (
		"github.com/vnykmshr/stageflow/pkg/engine/core"
		"github.com/vnykmshr/stageflow/pkg/engine/scheduler"
	)

	fetch := core.NewStage("fetch", fetchDocs).
		WithCapabilities(core.Capabilities{Parallelizable: true, Cacheable: true})
	build := core.NewStage("build", buildAnswer).
		WithDependencies("fetch").
		WithCapabilities(core.Capabilities{Critical: true})

	sched := scheduler.New()
	result, err := sched.Run(ctx, core.NewPipeline("answer", fetch, build), core.ExecutionContext{
		"request_id": "req-42",
	})
*/
package stageflow
