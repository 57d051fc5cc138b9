// Package cache provides the execution cache for pipeline results.
//
// The Store interface abstracts the backend: NewMemory builds a
// mutex-serialized in-process store with per-entry TTLs, tag invalidation,
// and least-recently-used eviction at capacity; NewRedis builds a
// Redis-backed store for multi-process deployments using the same
// semantics.
//
// Backend failures never surface to callers. A store logs the problem and
// reports a miss, so a degraded cache only costs recomputation
// (stage bodies re-execute) and never fails a pipeline run.
//
// Keys are deterministic content hashes derived from the pipeline id, the
// stage id, and the canonicalized execution context, so logically identical
// requests collide regardless of map iteration order.
package cache
