// Package graph builds and validates the dependency relation over a stage
// set and answers which stages are ready to launch as execution progresses.
package graph

import (
	"fmt"
	"strings"

	sferrors "github.com/vnykmshr/stageflow/pkg/common/errors"
	"github.com/vnykmshr/stageflow/pkg/engine/core"
)

// CycleError reports a dependency cycle. No stage runs after one is detected.
type CycleError struct {
	// Cycle lists the stage ids participating in the cycle, in declared
	// order.
	Cycle []string
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected involving stages: %s", strings.Join(e.Cycle, ", "))
}

// Graph holds the dependency relation for one pipeline run.
//
// A Graph is driven by a single scheduler goroutine; it is not safe for
// concurrent use.
type Graph struct {
	stages  []core.Stage
	byID    map[string]core.Stage
	deps    map[string][]string
	started map[string]struct{}
}

// New builds a graph from the declared stage list. It rejects empty and
// duplicate ids and dependencies on unknown stages; cycle detection is a
// separate step via Validate.
func New(stages []core.Stage) (*Graph, error) {
	g := &Graph{
		stages:  append([]core.Stage(nil), stages...),
		byID:    make(map[string]core.Stage, len(stages)),
		deps:    make(map[string][]string, len(stages)),
		started: make(map[string]struct{}),
	}

	for _, stage := range g.stages {
		id := stage.ID()
		if id == "" {
			return nil, sferrors.NewValidationError("graph", "stage.id", id, "cannot be empty").
				WithHint("every stage needs a unique id")
		}
		if _, exists := g.byID[id]; exists {
			return nil, sferrors.NewValidationError("graph", "stage.id", id, "duplicate stage id")
		}
		g.byID[id] = stage
		g.deps[id] = stage.Dependencies()
	}

	for id, deps := range g.deps {
		for _, dep := range deps {
			if _, exists := g.byID[dep]; !exists {
				return nil, sferrors.NewValidationError("graph", "stage.dependencies", dep,
					fmt.Sprintf("stage %s depends on unknown stage", id))
			}
		}
	}

	return g, nil
}

// Validate checks the dependency relation for cycles using Kahn's algorithm.
// On a cycle it returns a *CycleError naming the participating stages.
func (g *Graph) Validate() error {
	indegree := make(map[string]int, len(g.stages))
	dependents := make(map[string][]string, len(g.stages))

	for id, deps := range g.deps {
		indegree[id] += 0
		for _, dep := range deps {
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	queue := make([]string, 0, len(g.stages))
	for _, stage := range g.stages {
		if indegree[stage.ID()] == 0 {
			queue = append(queue, stage.ID())
		}
	}

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, dependent := range dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if processed == len(g.stages) {
		return nil
	}

	cycle := make([]string, 0, len(g.stages)-processed)
	for _, stage := range g.stages {
		if indegree[stage.ID()] > 0 {
			cycle = append(cycle, stage.ID())
		}
	}
	return &CycleError{Cycle: cycle}
}

// Ready returns, in declared order, every stage that has not been marked
// started and whose dependencies are all contained in completed.
func (g *Graph) Ready(completed map[string]struct{}) []core.Stage {
	var ready []core.Stage
	for _, stage := range g.stages {
		id := stage.ID()
		if _, launched := g.started[id]; launched {
			continue
		}
		if g.depsSatisfied(id, completed) {
			ready = append(ready, stage)
		}
	}
	return ready
}

func (g *Graph) depsSatisfied(id string, completed map[string]struct{}) bool {
	for _, dep := range g.deps[id] {
		if _, done := completed[dep]; !done {
			return false
		}
	}
	return true
}

// MarkStarted records that a stage has been launched so later Ready calls
// skip it.
func (g *Graph) MarkStarted(id string) {
	g.started[id] = struct{}{}
}

// Stages returns the declared stage list.
func (g *Graph) Stages() []core.Stage {
	return append([]core.Stage(nil), g.stages...)
}

// Len returns the number of stages in the graph.
func (g *Graph) Len() int {
	return len(g.stages)
}
