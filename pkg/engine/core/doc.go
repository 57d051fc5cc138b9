// Package core defines the shared vocabulary of the stageflow engine: the
// Stage contract with explicit capability flags, the opaque ExecutionContext
// passed to stage bodies, and the result types produced by a pipeline run.
//
// Stages declare what they are (parallelizable, cacheable, critical) through
// Capabilities rather than by naming conventions, so the scheduler never has
// to infer behavior from identifiers. FuncStage adapts a plain function into
// the Stage interface for the common case.
package core
