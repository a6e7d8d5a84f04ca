package engine

import (
	"testing"
)

// phaseResolver restricts units to declared phases; units absent from the
// map are treated as unknown.
type phaseResolver struct {
	phases map[string][]int
}

func (r phaseResolver) Exists(name string) bool {
	_, ok := r.phases[name]
	return ok
}

func (r phaseResolver) Dependencies(string) []string { return nil }

func (r phaseResolver) AcceptsPhase(name string, phase int) bool {
	affinity := r.phases[name]
	if len(affinity) == 0 {
		return true
	}
	for _, p := range affinity {
		if p == phase {
			return true
		}
	}
	return false
}

func compile(t *testing.T, def *WorkflowDefinition) *Graph {
	t.Helper()
	graph, err := NewCompiler(nil).Compile(def)
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	return graph
}

func TestCompileBuildsDiamond(t *testing.T) {
	graph := compile(t, &WorkflowDefinition{
		Name: "diamond",
		Steps: []Step{
			{ID: "A", Unit: "u"},
			{ID: "B", Unit: "u", DependsOn: []string{"A"}},
			{ID: "C", Unit: "u", Inputs: map[string]interface{}{"v": "$steps.A.output.v"}},
			{ID: "D", Unit: "u", DependsOn: []string{"B", "C"}},
		},
	})

	if len(graph.Roots) != 1 || graph.Roots[0] != "A" {
		t.Errorf("roots = %v, want [A]", graph.Roots)
	}
	if got := graph.Nodes["A"].Dependents; len(got) != 2 {
		t.Errorf("A dependents = %v, want B and C", got)
	}
	if got := graph.Nodes["C"].Dependencies; len(got) != 1 || got[0] != "A" {
		t.Errorf("C dependencies = %v, want binding-implied [A]", got)
	}
	if got := graph.Nodes["C"].Refs; len(got) != 1 || got[0] != "A" {
		t.Errorf("C refs = %v, want [A]", got)
	}
	// B only orders after A; no binding reference.
	if got := graph.Nodes["B"].Refs; len(got) != 0 {
		t.Errorf("B refs = %v, want none", got)
	}

	pos := make(map[string]int, len(graph.Order))
	for i, id := range graph.Order {
		pos[id] = i
	}
	for _, edge := range [][2]string{{"A", "B"}, {"A", "C"}, {"B", "D"}, {"C", "D"}} {
		if pos[edge[0]] > pos[edge[1]] {
			t.Errorf("order %v places %s after %s", graph.Order, edge[0], edge[1])
		}
	}
}

func TestCompileMergesExplicitAndImpliedDeps(t *testing.T) {
	graph := compile(t, &WorkflowDefinition{
		Name: "merge",
		Steps: []Step{
			{ID: "A", Unit: "u"},
			{ID: "B", Unit: "u", DependsOn: []string{"A"}, Inputs: map[string]interface{}{
				"nested": map[string]interface{}{"v": "$steps.A.output.v"},
			}},
		},
	})
	if got := graph.Nodes["B"].Dependencies; len(got) != 1 {
		t.Errorf("B dependencies = %v, want deduplicated [A]", got)
	}
}

func TestCompileRejectsCycle(t *testing.T) {
	_, err := NewCompiler(nil).Compile(&WorkflowDefinition{
		Name: "cycle",
		Steps: []Step{
			{ID: "A", Unit: "u", DependsOn: []string{"C"}},
			{ID: "B", Unit: "u", DependsOn: []string{"A"}},
			{ID: "C", Unit: "u", DependsOn: []string{"B"}},
		},
	})
	if !IsCyclicDependency(err) {
		t.Fatalf("error = %v, want cyclic dependency", err)
	}
	members := CycleMembers(err)
	if len(members) < 3 {
		t.Errorf("cycle members = %v, want all of A, B, C", members)
	}
}

func TestCompileRejectsSelfDependency(t *testing.T) {
	_, err := NewCompiler(nil).Compile(&WorkflowDefinition{
		Name: "self",
		Steps: []Step{
			{ID: "A", Unit: "u", DependsOn: []string{"A"}},
		},
	})
	if !IsCyclicDependency(err) {
		t.Fatalf("error = %v, want cyclic dependency", err)
	}
}

func TestCompileRejectsUnknownStepReference(t *testing.T) {
	_, err := NewCompiler(nil).Compile(&WorkflowDefinition{
		Name: "dangling",
		Steps: []Step{
			{ID: "A", Unit: "u", Inputs: map[string]interface{}{"v": "$steps.Z.output.v"}},
		},
	})
	if !IsBinding(err) {
		t.Fatalf("error = %v, want binding error", err)
	}
}

func TestCompileRejectsDuplicateStepID(t *testing.T) {
	_, err := NewCompiler(nil).Compile(&WorkflowDefinition{
		Name: "dupe",
		Steps: []Step{
			{ID: "A", Unit: "u"},
			{ID: "A", Unit: "u"},
		},
	})
	if !IsValidation(err) {
		t.Fatalf("error = %v, want validation error", err)
	}
}

func TestCompileRejectsEmptyWorkflow(t *testing.T) {
	if _, err := NewCompiler(nil).Compile(&WorkflowDefinition{Name: "empty"}); !IsValidation(err) {
		t.Fatalf("error = %v, want validation error", err)
	}
}

func TestCompileDefaultsErrorStrategyToStop(t *testing.T) {
	def := &WorkflowDefinition{
		Name:  "default-strategy",
		Steps: []Step{{ID: "A", Unit: "u"}},
	}
	compile(t, def)
	if def.Steps[0].OnError != ErrorStrategyStop {
		t.Errorf("default strategy = %s, want stop", def.Steps[0].OnError)
	}
}

func TestCompileRejectsUnknownUnit(t *testing.T) {
	resolver := phaseResolver{phases: map[string][]int{"known": nil}}
	_, err := NewCompiler(resolver).Compile(&WorkflowDefinition{
		Name:  "unknown-unit",
		Steps: []Step{{ID: "A", Unit: "mystery"}},
	})
	if !IsNotFound(err) {
		t.Fatalf("error = %v, want not found", err)
	}
}

func TestCompileRejectsPhaseAffinityMismatch(t *testing.T) {
	resolver := phaseResolver{phases: map[string][]int{
		"builder": {3},
	}}
	_, err := NewCompiler(resolver).Compile(&WorkflowDefinition{
		Name:  "wrong-phase",
		Phase: 1,
		Steps: []Step{{ID: "A", Unit: "builder"}},
	})
	if !IsValidation(err) {
		t.Fatalf("error = %v, want validation error", err)
	}

	_, err = NewCompiler(resolver).Compile(&WorkflowDefinition{
		Name:  "right-phase",
		Phase: 3,
		Steps: []Step{{ID: "A", Unit: "builder"}},
	})
	if err != nil {
		t.Fatalf("Compile() with matching affinity: %v", err)
	}
}

func TestTopoOrderFollowsDefinitionForTies(t *testing.T) {
	graph := compile(t, &WorkflowDefinition{
		Name: "ties",
		Steps: []Step{
			{ID: "zeta", Unit: "u"},
			{ID: "alpha", Unit: "u"},
		},
	})
	if graph.Order[0] != "zeta" || graph.Order[1] != "alpha" {
		t.Errorf("order = %v, want definition order for independent steps", graph.Order)
	}
}
