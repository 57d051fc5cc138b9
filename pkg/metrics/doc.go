// Package metrics provides Prometheus instrumentation for stageflow components.
//
// This package enables monitoring and observability for stageflow's
// scheduler, execution cache, optimization rules, and runner through
// Prometheus metrics.
//
// # Overview
//
// The metrics package provides automatic instrumentation for:
//   - Pipeline runs (totals by strategy/status, wall-clock durations)
//   - Stage executions (totals by status, per-stage durations, in-flight count)
//   - Execution cache (hits, misses, evictions by reason, entry count)
//   - Optimization rules (applications by rule/status, rolling success rates)
//   - Runner (scheduled runs by trigger, in-flight runs, queue depth)
//
// # Quick Start
//
// Components record into a Registry passed through their Config:
//
//	reg := metrics.NewRegistry(prometheus.DefaultRegisterer)
//
//	sched, err := scheduler.New(scheduler.Config{
//		Metrics: reg,
//	})
//
// Then expose metrics via HTTP:
//
//	http.Handle("/metrics", promhttp.Handler())
//	log.Fatal(http.ListenAndServe(":8080", nil))
//
// # Custom Registry
//
// Use a custom Prometheus registry for isolation:
//
//	registry := prometheus.NewRegistry()
//	reg := metrics.FromConfig(metrics.Config{
//		Enabled:  true,
//		Registry: registry,
//	})
//
// FromConfig returns nil when metrics are disabled; components treat a nil
// Registry as "do not record", so disabling metrics costs a nil check.
//
// # Available Metrics
//
// ## Scheduler Metrics
//
//   - stageflow_scheduler_runs_total: Total number of pipeline runs
//   - stageflow_scheduler_run_duration_seconds: Wall-clock duration of pipeline runs
//   - stageflow_scheduler_stages_executed_total: Total number of stage executions
//   - stageflow_scheduler_stage_duration_seconds: Time spent executing individual stages
//   - stageflow_scheduler_stages_inflight: Number of stages currently executing
//
// ## Cache Metrics
//
//   - stageflow_cache_hits_total: Total number of cache hits
//   - stageflow_cache_misses_total: Total number of cache misses
//   - stageflow_cache_evictions_total: Total number of cache evictions
//   - stageflow_cache_entries: Current number of cache entries
//
// ## Rule Metrics
//
//   - stageflow_rules_applied_total: Total number of optimization rule applications
//   - stageflow_rules_success_rate: Rolling success rate per optimization rule
//
// ## Runner Metrics
//
//   - stageflow_runner_scheduled_total: Total number of runs scheduled
//   - stageflow_runner_runs_inflight: Number of pipeline runs currently executing
//   - stageflow_runner_queue_depth: Number of runs waiting in the runner queue
//
// # Labels
//
//   - strategy: "sequential", "parallel", "adaptive", or "optimized"
//   - status: "success" or "failure"
//   - stage: the stage id
//   - reason: eviction reason ("ttl", "lru", "tags", "flush")
//   - rule: the optimization rule id
//   - trigger: "immediate", "at", "interval", or "cron"
package metrics
