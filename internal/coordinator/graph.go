package coordinator

import (
	"encoding/json"
	"fmt"
)

// Graph maps stage ids to the ids they depend on. Node order is insertion
// order and is what makes TopologicalOrder deterministic.
type Graph struct {
	nodes []string
	deps  map[string][]string
}

func NewGraph() *Graph {
	return &Graph{deps: make(map[string][]string)}
}

// Add inserts id (once) and appends deps to its dependency list.
func (g *Graph) Add(id string, deps ...string) *Graph {
	if _, ok := g.deps[id]; !ok {
		g.nodes = append(g.nodes, id)
		g.deps[id] = nil
	}
	g.deps[id] = append(g.deps[id], deps...)
	return g
}

// Nodes returns node ids in insertion order.
func (g *Graph) Nodes() []string {
	return append([]string(nil), g.nodes...)
}

// Deps returns the dependency ids of id.
func (g *Graph) Deps(id string) []string {
	return append([]string(nil), g.deps[id]...)
}

func (g *Graph) Has(id string) bool {
	_, ok := g.deps[id]
	return ok
}

func (g *Graph) Len() int {
	return len(g.nodes)
}

// MarshalJSON encodes the graph as {"s1": [], "s2": ["s1"]}.
func (g *Graph) MarshalJSON() ([]byte, error) {
	m := make(map[string][]string, len(g.nodes))
	for _, id := range g.nodes {
		deps := g.deps[id]
		if deps == nil {
			deps = []string{}
		}
		m[id] = deps
	}
	return json.Marshal(m)
}

// StageID returns the id of the stage at zero-based position i.
func StageID(i int) string {
	return fmt.Sprintf("s%d", i+1)
}

// BuildGraph creates nodes s1..sN for stages. In sequential mode stage i
// depends on stage i-1; any other mode leaves stages independent.
func BuildGraph(stages []string, mode string) *Graph {
	g := NewGraph()
	for i := range stages {
		if mode == ModeSequential && i > 0 {
			g.Add(StageID(i), StageID(i-1))
			continue
		}
		g.Add(StageID(i))
	}
	return g
}

const (
	white = iota
	gray
	black
)

// HasCycle runs an iterative three-colour DFS. Dependencies on ids that are
// not nodes are ignored here; TopologicalOrder rejects them.
func HasCycle(g *Graph) bool {
	color := make(map[string]int, len(g.nodes))
	type frame struct {
		id   string
		next int
	}
	for _, root := range g.nodes {
		if color[root] != white {
			continue
		}
		color[root] = gray
		stack := []frame{{id: root}}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := g.deps[top.id]
			if top.next == len(deps) {
				color[top.id] = black
				stack = stack[:len(stack)-1]
				continue
			}
			dep := deps[top.next]
			top.next++
			if !g.Has(dep) {
				continue
			}
			switch color[dep] {
			case gray:
				return true
			case white:
				color[dep] = gray
				stack = append(stack, frame{id: dep})
			}
		}
	}
	return false
}

// TopologicalOrder returns node ids so that every node follows its
// dependencies, using Kahn's algorithm with a FIFO queue seeded in insertion
// order. If not every node can be ordered it returns a *PlanningError
// wrapping ErrIncompleteOrder rather than a partial order.
func TopologicalOrder(g *Graph) ([]string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))
	for _, id := range g.nodes {
		inDegree[id] = len(g.deps[id])
		for _, dep := range g.deps[id] {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	queue := make([]string, 0, len(g.nodes))
	for _, id := range g.nodes {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(g.nodes) {
		return nil, &PlanningError{Err: ErrIncompleteOrder, Graph: g, Ordered: order}
	}
	return order, nil
}
