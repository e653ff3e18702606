// Package coordinator turns a task into an ordered pipeline of stages.
package coordinator

import (
	"errors"
	"fmt"
)

// Pipeline modes.
const (
	ModeSequential  = "sequential"
	ModeIndependent = "independent"
)

var (
	ErrCycleDetected   = errors.New("cycle detected in stage dependencies")
	ErrIncompleteOrder = errors.New("topological order does not cover every stage")
)

// PlanningError aborts a pipeline before any stage runs.
type PlanningError struct {
	Err   error
	Graph *Graph
	// Ordered holds the nodes Kahn's pass managed to order, if it ran.
	Ordered []string
}

func (e *PlanningError) Error() string {
	return fmt.Sprintf("planning: %v", e.Err)
}

func (e *PlanningError) Unwrap() error { return e.Err }

// Options control planning.
type Options struct {
	Conjunction string
	// MaxStages is the agent budget for stages (root excluded).
	MaxStages int
	Mode      string
}

// StageBudget returns the number of stages a task may use when maxActive
// agents are allowed and the root orchestrator holds one of them.
func StageBudget(maxActive int) int {
	return max(1, maxActive-1)
}

type Stage struct {
	ID        string   `json:"id"`
	Text      string   `json:"text"`
	DependsOn []string `json:"depends_on"`
}

// PlanResult is a validated, ordered pipeline.
type PlanResult struct {
	Stages []Stage  `json:"stages"`
	Graph  *Graph   `json:"graph"`
	Order  []string `json:"order"`
}

// Stage returns the stage with the given id.
func (p PlanResult) Stage(id string) (Stage, bool) {
	for _, s := range p.Stages {
		if s.ID == id {
			return s, true
		}
	}
	return Stage{}, false
}

// PlanPipeline splits text into stages, builds their graph and orders it.
// A cyclic graph is rejected before ordering is attempted.
func PlanPipeline(text string, opts Options) (PlanResult, error) {
	if opts.Conjunction == "" {
		opts.Conjunction = DefaultConjunction
	}
	texts := Split(text, opts.Conjunction, opts.MaxStages)
	return PlanGraph(texts, BuildGraph(texts, opts.Mode))
}

// PlanGraph validates and orders an explicit graph whose node i carries
// texts[i].
func PlanGraph(texts []string, g *Graph) (PlanResult, error) {
	if HasCycle(g) {
		return PlanResult{}, &PlanningError{Err: ErrCycleDetected, Graph: g}
	}
	order, err := TopologicalOrder(g)
	if err != nil {
		return PlanResult{}, err
	}
	stages := make([]Stage, 0, g.Len())
	for i, id := range g.Nodes() {
		text := ""
		if i < len(texts) {
			text = texts[i]
		}
		deps := g.Deps(id)
		if deps == nil {
			deps = []string{}
		}
		stages = append(stages, Stage{ID: id, Text: text, DependsOn: deps})
	}
	return PlanResult{Stages: stages, Graph: g, Order: order}, nil
}
