package config

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/stagecoach-io/stagecoach/pkg/engine"
)

// SchemaRegistry manages CUE schemas used to validate configuration
// documents before they are decoded into typed specs.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the built-in schemas installed.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	_ = sr.RegisterSchema("workflow", builtinWorkflowSchema)
	_ = sr.RegisterSchema("plan", builtinPlanSchema)
	return sr
}

// RegisterSchema compiles and registers a CUE schema under the given name.
// The schema must expose a definition named #Schema.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return engine.NewValidationError(
			fmt.Sprintf("failed to compile schema %s", name), err)
	}

	def := val.LookupPath(cue.ParsePath("#Schema"))
	if !def.Exists() {
		return engine.NewValidationError(
			fmt.Sprintf("schema %s does not define #Schema", name), nil)
	}

	sr.schemas[name] = def
	return nil
}

// Validate unifies data with the named schema and reports any mismatch.
func (sr *SchemaRegistry) Validate(name string, data interface{}) error {
	sr.mu.RLock()
	schema, ok := sr.schemas[name]
	sr.mu.RUnlock()
	if !ok {
		return engine.NewNotFoundError(fmt.Sprintf("schema not found: %s", name))
	}

	val := sr.ctx.Encode(data)
	if err := val.Err(); err != nil {
		return engine.NewValidationError("failed to encode data for schema validation", err)
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return engine.NewValidationError(
			fmt.Sprintf("schema %s validation failed", name), err)
	}
	return nil
}

// Schemas returns the registered schema names.
func (sr *SchemaRegistry) Schemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	return names
}

// Built-in schema definitions.

const builtinWorkflowSchema = `
// Workflow definition schema
#Schema: {
	// name identifies the workflow
	name: string & =~"^[a-zA-Z0-9_-]+$"

	// phase is the phase number the workflow executes under
	phase?: int & >=0

	// steps form the workflow DAG
	steps: [#Step, ...#Step]

	metadata?: {...}
}

#Step: {
	// id is unique within the workflow
	id: string & =~"^[a-zA-Z0-9_-]+$"

	// unit names the registered unit-of-work to invoke
	unit: string & !=""

	// inputs are literals or $steps/$input binding references
	inputs?: {...}

	depends_on?: [...string]

	// guard is a Starlark expression
	guard?: string

	on_error?: "stop" | "continue" | "retry"

	retries?: int & >=0
}
`

const builtinPlanSchema = `
// Phase plan schema
#Schema: {
	name: string & =~"^[a-zA-Z0-9_-]+$"

	phases: [#Phase, ...#Phase]
}

#Phase: {
	number: int & >=0
	name:   string & !=""

	// workflow names the definition the phase runs
	workflow: string & !=""

	required_context?: [...string]

	gate?: {
		name:           string & !=""
		approver_role?: string
		timeout?:       string
		on_timeout?:    "block" | "use_default" | "skip"
		default?:       "approved" | "rejected"
	}

	transitions: {
		// -1 completes the plan
		next: int & >=-1
		on_flag?: {[string]: int}
		parallel?: [...int & >=0]
		join?:    int & >=0
		rollback: int & >=0
	}
}
`
