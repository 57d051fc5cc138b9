package core

// ExecutionContext carries caller-opaque keyed data (request id, tool name,
// input payload) through a pipeline run. The engine only hashes it to derive
// cache keys and passes it to stage bodies; it never interprets the contents.
type ExecutionContext map[string]any

// Clone returns a shallow copy of the context. Stage bodies receive the
// original map, so callers that mutate contexts across runs should pass a
// clone per run.
func (ec ExecutionContext) Clone() ExecutionContext {
	if ec == nil {
		return nil
	}
	out := make(ExecutionContext, len(ec))
	for k, v := range ec {
		out[k] = v
	}
	return out
}
