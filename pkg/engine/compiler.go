package engine

import (
	"fmt"
	"sort"
	"strings"
)

// Compiler turns a workflow definition into an executable graph. Structural
// problems (unknown steps or units, forward references, cycles, phase
// affinity mismatches) are caught here, never at runtime.
type Compiler struct {
	// resolver answers unit questions; nil skips unit-level validation.
	resolver UnitResolver
}

// NewCompiler creates a compiler backed by the given resolver.
func NewCompiler(resolver UnitResolver) *Compiler {
	return &Compiler{resolver: resolver}
}

// Compile validates the definition and builds its dependency graph.
func (c *Compiler) Compile(def *WorkflowDefinition) (*Graph, error) {
	if def == nil || len(def.Steps) == 0 {
		return nil, NewValidationError("workflow has no steps", nil)
	}

	index := make(map[string]*Step, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.ID == "" {
			return nil, NewValidationError("step has empty id", nil)
		}
		if _, exists := index[step.ID]; exists {
			return nil, NewValidationError(fmt.Sprintf("duplicate step id: %s", step.ID), nil)
		}
		if step.OnError == "" {
			step.OnError = ErrorStrategyStop
		}
		if err := step.OnError.Validate(); err != nil {
			return nil, NewValidationError(err.Error(), nil).WithStep(step.ID)
		}
		index[step.ID] = step
	}

	if err := c.validateUnits(def); err != nil {
		return nil, err
	}

	graph := &Graph{Nodes: make(map[string]*GraphNode, len(def.Steps))}
	for i := range def.Steps {
		step := &def.Steps[i]
		refs := bindingRefs(step.Inputs)
		deps := mergeDeps(step.DependsOn, refs)

		for _, dep := range deps {
			if _, ok := index[dep]; !ok {
				return nil, NewBindingError(
					fmt.Sprintf("step %s references unknown step %s", step.ID, dep), nil,
				).WithStep(step.ID)
			}
			if dep == step.ID {
				return nil, NewCyclicDependencyError([]string{step.ID, step.ID})
			}
		}
		graph.Nodes[step.ID] = &GraphNode{
			ID:           step.ID,
			Dependencies: deps,
			Refs:         refs,
		}
	}

	// Reverse edges in definition order for stable dependent lists.
	for _, step := range def.Steps {
		for _, dep := range graph.Nodes[step.ID].Dependencies {
			node := graph.Nodes[dep]
			node.Dependents = append(node.Dependents, step.ID)
		}
	}

	order, err := topoSort(def, graph)
	if err != nil {
		return nil, err
	}
	graph.Order = order

	for _, step := range def.Steps {
		if len(graph.Nodes[step.ID].Dependencies) == 0 {
			graph.Roots = append(graph.Roots, step.ID)
		}
	}

	return graph, nil
}

// validateUnits checks that every referenced unit exists and accepts the
// workflow's phase.
func (c *Compiler) validateUnits(def *WorkflowDefinition) error {
	if c.resolver == nil {
		return nil
	}
	for _, step := range def.Steps {
		if step.Unit == "" {
			return NewValidationError("step references empty unit name", nil).WithStep(step.ID)
		}
		if !c.resolver.Exists(step.Unit) {
			return NewNotFoundError(fmt.Sprintf("unknown unit: %s", step.Unit)).
				WithStep(step.ID).WithUnit(step.Unit)
		}
		if !c.resolver.AcceptsPhase(step.Unit, def.Phase) {
			return NewValidationError(
				fmt.Sprintf("unit %s has no affinity for phase %d", step.Unit, def.Phase), nil,
			).WithStep(step.ID).WithUnit(step.Unit)
		}
	}
	return nil
}

// bindingRefs extracts the step ids referenced by "$steps.<id>..." bindings,
// walking nested maps and slices. The result is deduplicated and sorted.
func bindingRefs(inputs map[string]interface{}) []string {
	seen := make(map[string]bool)
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch val := v.(type) {
		case string:
			if id, ok := stepRef(val); ok {
				seen[id] = true
			}
		case map[string]interface{}:
			for _, item := range val {
				walk(item)
			}
		case []interface{}:
			for _, item := range val {
				walk(item)
			}
		}
	}
	for _, v := range inputs {
		walk(v)
	}

	refs := make([]string, 0, len(seen))
	for id := range seen {
		refs = append(refs, id)
	}
	sort.Strings(refs)
	return refs
}

// stepRef parses "$steps.<id>.output.<path>" and returns the step id.
func stepRef(s string) (string, bool) {
	if !strings.HasPrefix(s, stepsRefPrefix) {
		return "", false
	}
	rest := strings.TrimPrefix(s, stepsRefPrefix)
	if i := strings.IndexByte(rest, '.'); i > 0 {
		return rest[:i], true
	}
	if rest != "" {
		return rest, true
	}
	return "", false
}

// mergeDeps combines explicit and binding-implied dependencies, preserving
// the explicit order first and deduplicating.
func mergeDeps(explicit, implied []string) []string {
	out := make([]string, 0, len(explicit)+len(implied))
	seen := make(map[string]bool, len(explicit)+len(implied))
	for _, lists := range [][]string{explicit, implied} {
		for _, dep := range lists {
			if !seen[dep] {
				seen[dep] = true
				out = append(out, dep)
			}
		}
	}
	return out
}

// Three-color DFS marks for cycle detection.
const (
	colorWhite = iota
	colorGray
	colorBlack
)

// topoSort produces a dependency-first order over all steps using DFS with
// three-color cycle detection. Ties among independent steps follow the
// definition order, keeping output stable across equivalent graphs.
func topoSort(def *WorkflowDefinition, graph *Graph) ([]string, error) {
	color := make(map[string]int, len(graph.Nodes))
	order := make([]string, 0, len(graph.Nodes))
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case colorBlack:
			return nil
		case colorGray:
			// Found a cycle: slice the path from the repeated node.
			start := 0
			for i, member := range stack {
				if member == id {
					start = i
					break
				}
			}
			return NewCyclicDependencyError(append(append([]string{}, stack[start:]...), id))
		}
		color[id] = colorGray
		stack = append(stack, id)
		for _, dep := range graph.Nodes[id].Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = colorBlack
		order = append(order, id)
		return nil
	}

	for _, step := range def.Steps {
		if err := visit(step.ID); err != nil {
			return nil, err
		}
	}
	return order, nil
}
