package engine_test

import (
	"fmt"
	"log"
	"strings"

	"github.com/stagecoach-io/stagecoach/pkg/engine"
)

// exampleResolver answers unit questions for the examples below. Real
// deployments use the registry from pkg/registry.
type exampleResolver struct{}

func (exampleResolver) Exists(name string) bool              { return true }
func (exampleResolver) Dependencies(name string) []string    { return nil }
func (exampleResolver) AcceptsPhase(name string, p int) bool { return true }

// Example_compileGraph demonstrates compiling a workflow definition into its
// dependency graph. Edges come from two places: explicit dependsOn entries
// and $steps bindings, which imply an edge on the referenced step.
func Example_compileGraph() {
	def := &engine.WorkflowDefinition{
		Name:  "ingest",
		Phase: 0,
		Steps: []engine.Step{
			{
				ID:   "fetch",
				Unit: "fetcher",
				Inputs: map[string]interface{}{
					"source": "$input.source",
				},
			},
			{
				ID:   "transform",
				Unit: "transformer",
				Inputs: map[string]interface{}{
					"records": "$steps.fetch.output.records",
				},
			},
			{
				ID:   "enrich",
				Unit: "enricher",
				Inputs: map[string]interface{}{
					"records": "$steps.fetch.output.records",
				},
			},
			{
				ID:        "publish",
				Unit:      "publisher",
				DependsOn: []string{"transform", "enrich"},
			},
		},
	}

	compiler := engine.NewCompiler(exampleResolver{})
	graph, err := compiler.Compile(def)
	if err != nil {
		log.Fatalf("failed to compile workflow: %v", err)
	}

	fmt.Printf("order: %s\n", strings.Join(graph.Order, " -> "))
	fmt.Printf("roots: %v\n", graph.Roots)
	fmt.Printf("publish waits on: %v\n", graph.Nodes["publish"].Dependencies)
	fmt.Printf("transform refs: %v\n", graph.Nodes["transform"].Refs)

	// Output:
	// order: fetch -> transform -> enrich -> publish
	// roots: [fetch]
	// publish waits on: [transform enrich]
	// transform refs: [fetch]
}

// Example_errorClassification demonstrates how dispatch decisions read the
// error taxonomy: retryable failures go back through the retry budget,
// everything else is terminal for the attempt.
func Example_errorClassification() {
	timeout := engine.NewTimeoutError("unit exceeded its attempt timeout", nil).
		WithUnit("transformer").
		WithStep("transform")

	binding := engine.NewBindingError("no such path: $steps.fetch.output.rows", nil).
		WithStep("transform")

	fmt.Printf("timeout retryable: %v\n", engine.IsRetryable(timeout))
	fmt.Printf("binding retryable: %v\n", engine.IsRetryable(binding))
	fmt.Printf("binding code match: %v\n", engine.IsBinding(binding))

	// Output:
	// timeout retryable: true
	// binding retryable: false
	// binding code match: true
}
