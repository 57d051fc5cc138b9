// Package rules implements the optimization rule engine: ordered,
// conditionally applicable rules that can wrap or replace stage execution.
//
// Rules are matched per stage (enabled rules whose predicate holds, in
// ascending priority order) and applied through the Engine, which tracks a
// rolling success rate per rule. A failed or panicking rule degrades its
// own standing but never aborts the pipeline run that applied it.
package rules
