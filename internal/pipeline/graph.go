package pipeline

import (
	"fmt"

	"github.com/auto-claude/auto-claude/internal/core"
)

// graph is the validated stage DAG of one pipeline. Stage order is the
// declaration order, which keeps level layouts deterministic.
type graph struct {
	stages     map[string]Stage
	order      []string
	deps       map[string][]string
	dependents map[string][]string
}

// buildGraph validates the stage list: unique names, known dependencies,
// and an acyclic dependency relation.
func buildGraph(stages []Stage) (*graph, error) {
	g := &graph{
		stages:     make(map[string]Stage, len(stages)),
		order:      make([]string, 0, len(stages)),
		deps:       make(map[string][]string, len(stages)),
		dependents: make(map[string][]string, len(stages)),
	}

	for _, st := range stages {
		if st.Name == "" {
			return nil, core.ErrConfig(core.CodeInvalidConfig, "pipeline stage without a name")
		}
		if _, exists := g.stages[st.Name]; exists {
			return nil, core.ErrConfig(core.CodeInvalidConfig,
				fmt.Sprintf("duplicate pipeline stage %q", st.Name))
		}
		if st.Action == nil {
			return nil, core.ErrConfig(core.CodeInvalidConfig,
				fmt.Sprintf("pipeline stage %q has no action", st.Name))
		}
		g.stages[st.Name] = st
		g.order = append(g.order, st.Name)
	}

	for _, st := range stages {
		for _, dep := range st.DependsOn {
			if _, known := g.stages[dep]; !known {
				return nil, core.ErrConfig(core.CodeInvalidConfig,
					fmt.Sprintf("stage %q depends on unknown stage %q", st.Name, dep))
			}
			g.deps[st.Name] = append(g.deps[st.Name], dep)
			g.dependents[dep] = append(g.dependents[dep], st.Name)
		}
	}

	if _, err := g.topoOrder(); err != nil {
		return nil, err
	}
	return g, nil
}

// topoOrder returns the stages in dependency order using Kahn's algorithm.
// A result shorter than the stage count means the graph has a cycle.
func (g *graph) topoOrder() ([]string, error) {
	inDegree := make(map[string]int, len(g.order))
	for _, name := range g.order {
		inDegree[name] = len(g.deps[name])
	}

	queue := make([]string, 0, len(g.order))
	for _, name := range g.order {
		if inDegree[name] == 0 {
			queue = append(queue, name)
		}
	}

	result := make([]string, 0, len(g.order))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		for _, dependent := range g.dependents[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(result) != len(g.order) {
		return nil, core.ErrConfig(core.CodeDAGCycle, "pipeline stages contain a dependency cycle")
	}
	return result, nil
}

// levels groups stages into waves whose dependencies are all satisfied by
// earlier waves. Within a wave, declaration order is preserved.
func (g *graph) levels() [][]string {
	if len(g.order) == 0 {
		return nil
	}

	levels := make([][]string, 0)
	assigned := make(map[string]bool, len(g.order))

	for len(assigned) < len(g.order) {
		level := make([]string, 0)
		for _, name := range g.order {
			if assigned[name] {
				continue
			}
			ready := true
			for _, dep := range g.deps[name] {
				if !assigned[dep] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, name)
			}
		}
		for _, name := range level {
			assigned[name] = true
		}
		levels = append(levels, level)
	}
	return levels
}
