// Package analytics aggregates pipeline run outcomes.
//
// An Aggregator consumes completed PipelineResults and maintains running
// means (overall and per strategy), a cache hit rate averaged over runs
// that saw cache traffic, and a bounded, newest-first execution history.
// All statistics are computed incrementally so recording stays O(1) per
// run regardless of how many runs came before.
package analytics
