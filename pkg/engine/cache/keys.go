package cache

import (
	"github.com/vnykmshr/stageflow/pkg/common/hash"
	"github.com/vnykmshr/stageflow/pkg/engine/core"
)

// Key derives the deterministic cache key for one stage execution. The key
// is a SHA-256 digest over the canonical form of (pipeline id, stage id,
// execution context), so logically identical requests always collide and
// any difference in context produces a distinct key.
func Key(pipelineID, stageID string, ec core.ExecutionContext) string {
	return hash.Sum(map[string]any{
		"pipeline": pipelineID,
		"stage":    stageID,
		"context":  map[string]any(ec),
	})
}

// PipelineTag returns the invalidation tag grouping all entries of one
// pipeline.
func PipelineTag(pipelineID string) string {
	return "pipeline:" + pipelineID
}

// StageTag returns the invalidation tag grouping all entries of one stage.
func StageTag(stageID string) string {
	return "stage:" + stageID
}
