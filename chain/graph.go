package chain

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BaSui01/swarmflow/types"
)

// Graph is a validated dependency DAG over task ids.
type Graph struct {
	order      []string
	position   map[string]int
	deps       map[string][]string
	dependents map[string][]string
}

// NewGraph validates tasks and builds their dependency graph. Duplicate
// ids, self dependencies, unknown dependencies and cycles are rejected
// with CONFIGURATION_ERROR.
func NewGraph(tasks []*types.Task) (*Graph, error) {
	if len(tasks) == 0 {
		return nil, types.NewError(types.ErrConfiguration, "chain has no tasks")
	}

	index := make(map[string]int, len(tasks))
	for i, t := range tasks {
		if t == nil || strings.TrimSpace(t.ID) == "" {
			return nil, types.NewError(types.ErrConfiguration, fmt.Sprintf("task #%d has no id", i))
		}
		if _, dup := index[t.ID]; dup {
			return nil, types.NewError(types.ErrConfiguration, fmt.Sprintf("duplicate task id %s", t.ID)).WithTask(t.ID)
		}
		index[t.ID] = i
	}

	g := &Graph{
		position:   make(map[string]int, len(tasks)),
		deps:       make(map[string][]string, len(tasks)),
		dependents: make(map[string][]string, len(tasks)),
	}
	indegree := make(map[string]int, len(tasks))
	for _, t := range tasks {
		seen := make(map[string]struct{}, len(t.Dependencies))
		for _, dep := range t.Dependencies {
			if dep == t.ID {
				return nil, types.NewError(types.ErrConfiguration, fmt.Sprintf("task %s depends on itself", t.ID)).WithTask(t.ID)
			}
			if _, ok := index[dep]; !ok {
				return nil, types.NewError(types.ErrConfiguration, fmt.Sprintf("task %s depends on unknown task %s", t.ID, dep)).WithTask(t.ID)
			}
			if _, dup := seen[dep]; dup {
				continue
			}
			seen[dep] = struct{}{}
			g.deps[t.ID] = append(g.deps[t.ID], dep)
			g.dependents[dep] = append(g.dependents[dep], t.ID)
			indegree[t.ID]++
		}
	}

	// Kahn's algorithm; among ready nodes the declaration order wins.
	var queue []string
	for _, t := range tasks {
		if indegree[t.ID] == 0 {
			queue = append(queue, t.ID)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		g.position[id] = len(g.order)
		g.order = append(g.order, id)

		var unlocked []string
		for _, next := range g.dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				unlocked = append(unlocked, next)
			}
		}
		sort.Slice(unlocked, func(i, j int) bool { return index[unlocked[i]] < index[unlocked[j]] })
		queue = append(queue, unlocked...)
	}

	if len(g.order) != len(tasks) {
		var cyclic []string
		for _, t := range tasks {
			if _, ok := g.position[t.ID]; !ok {
				cyclic = append(cyclic, t.ID)
			}
		}
		return nil, types.NewError(types.ErrConfiguration, fmt.Sprintf("dependency cycle among tasks %v", cyclic))
	}
	return g, nil
}

// Order returns task ids in topological order.
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// Position returns the topological index of id, or -1.
func (g *Graph) Position(id string) int {
	if p, ok := g.position[id]; ok {
		return p
	}
	return -1
}

// Deps returns the direct dependencies of id.
func (g *Graph) Deps(id string) []string {
	return append([]string(nil), g.deps[id]...)
}

// Dependents returns the tasks that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	return append([]string(nil), g.dependents[id]...)
}

// DepsMap returns a copy of the dependency lists keyed by task id.
func (g *Graph) DepsMap() map[string][]string {
	out := make(map[string][]string, len(g.order))
	for _, id := range g.order {
		out[id] = g.Deps(id)
	}
	return out
}
