package core

import (
	"context"
)

// Capabilities describes how the engine may treat a stage. The flags are
// explicit contracts: the scheduler never infers them from stage ids.
type Capabilities struct {
	// Parallelizable marks the stage safe to run concurrently with other
	// ready stages.
	Parallelizable bool

	// Cacheable allows successful results to be stored and reused for
	// logically identical requests.
	Cacheable bool

	// Critical marks a stage whose failure halts launching of further
	// not-yet-started stages.
	Critical bool
}

// Stage represents a single named unit of work with declared dependencies.
// Implementations must be safe to read concurrently; the engine treats a
// stage as immutable once a pipeline is constructed.
type Stage interface {
	// ID returns the unique identifier of this stage within its pipeline.
	ID() string

	// Name returns a human-readable display name.
	Name() string

	// Dependencies returns the ids of stages that must reach a terminal
	// state before this stage may start.
	Dependencies() []string

	// Capabilities returns the stage's capability flags.
	Capabilities() Capabilities

	// Execute runs the stage body. The execution context is caller-opaque
	// keyed data; the engine never inspects it beyond hashing.
	Execute(ctx context.Context, ec ExecutionContext) (any, error)
}

// ExecuteFunc is the signature of a stage body.
type ExecuteFunc func(ctx context.Context, ec ExecutionContext) (any, error)

// FuncStage is a function-backed Stage implementation.
type FuncStage struct {
	id   string
	name string
	deps []string
	caps Capabilities
	fn   ExecuteFunc
}

// NewStage creates a stage from a function. The display name defaults to the
// id; dependencies and capabilities are set through the With methods.
func NewStage(id string, fn ExecuteFunc) *FuncStage {
	return &FuncStage{id: id, name: id, fn: fn}
}

// WithName sets the display name.
func (s *FuncStage) WithName(name string) *FuncStage {
	s.name = name
	return s
}

// WithDependencies declares the stage ids this stage depends on.
func (s *FuncStage) WithDependencies(ids ...string) *FuncStage {
	s.deps = append([]string(nil), ids...)
	return s
}

// WithCapabilities sets the capability flags.
func (s *FuncStage) WithCapabilities(caps Capabilities) *FuncStage {
	s.caps = caps
	return s
}

// ID returns the stage id.
func (s *FuncStage) ID() string { return s.id }

// Name returns the display name.
func (s *FuncStage) Name() string { return s.name }

// Dependencies returns a copy of the declared dependency ids.
func (s *FuncStage) Dependencies() []string {
	return append([]string(nil), s.deps...)
}

// Capabilities returns the capability flags.
func (s *FuncStage) Capabilities() Capabilities { return s.caps }

// Execute invokes the wrapped function.
func (s *FuncStage) Execute(ctx context.Context, ec ExecutionContext) (any, error) {
	return s.fn(ctx, ec)
}
