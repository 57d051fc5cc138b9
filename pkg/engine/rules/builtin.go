package rules

import (
	"context"
	"time"

	"github.com/vnykmshr/stageflow/pkg/engine/cache"
	"github.com/vnykmshr/stageflow/pkg/engine/core"
)

// PipelineKey is the conventional execution-context key carrying the
// pipeline id. CacheThenExecute uses it for cache key derivation when
// present; the engine itself never interprets context keys.
const PipelineKey = "pipeline"

// CacheThenExecute returns a rule that serves cacheable stages from store
// when a fresh entry exists and executes-then-caches otherwise. Failed
// executions are not cached.
func CacheThenExecute(store cache.Store, ttl time.Duration) Rule {
	return NewRule("cache-then-execute", func(ctx context.Context, ec core.ExecutionContext, stage core.Stage) (any, error) {
		key := cache.Key(pipelineFrom(ec), stage.ID(), ec)
		if value, ok := store.Get(ctx, key); ok {
			return value, nil
		}

		output, err := stage.Execute(ctx, ec)
		if err != nil {
			return nil, err
		}
		store.Set(ctx, key, output, ttl, []string{cache.StageTag(stage.ID())})
		return output, nil
	}).
		WithName("cache then execute").
		WithPriority(10).
		WithEstimatedSavings(30).
		WithPredicate(func(_ core.ExecutionContext, stage core.Stage) bool {
			return stage.Capabilities().Cacheable
		})
}

func pipelineFrom(ec core.ExecutionContext) string {
	if id, ok := ec[PipelineKey].(string); ok {
		return id
	}
	return ""
}
