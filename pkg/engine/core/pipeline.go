package core

// Pipeline is an ordered set of stages executed together as one logical
// request. The id participates in cache key derivation, so two pipelines
// with the same id and context are treated as the same logical request.
type Pipeline interface {
	// ID returns the pipeline's identifier.
	ID() string

	// Stages returns the declared stage list in order.
	Stages() []Stage
}

type staticPipeline struct {
	id     string
	stages []Stage
}

// NewPipeline creates a pipeline from a declared stage list.
func NewPipeline(id string, stages ...Stage) Pipeline {
	return &staticPipeline{
		id:     id,
		stages: append([]Stage(nil), stages...),
	}
}

func (p *staticPipeline) ID() string { return p.id }

func (p *staticPipeline) Stages() []Stage {
	return append([]Stage(nil), p.stages...)
}
