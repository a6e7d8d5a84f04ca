package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/stagecoach-io/stagecoach/pkg/agent"
	"github.com/stagecoach-io/stagecoach/pkg/engine"
)

// Executor dispatches step invocations to registered units through the
// runner. It implements engine.StepExecutor and engine.UnitResolver.
type Executor struct {
	registry *Registry
	runner   *agent.Runner

	// configs holds per-unit initialization config, keyed by unit name.
	// Bus workers read it concurrently with CLI-driven updates.
	mu      sync.RWMutex
	configs map[string]map[string]interface{}
}

// NewExecutor creates an executor over the registry.
func NewExecutor(registry *Registry, runner *agent.Runner) *Executor {
	return &Executor{
		registry: registry,
		runner:   runner,
		configs:  make(map[string]map[string]interface{}),
	}
}

// SetUnitConfig sets the config handed to a unit's Initialize hook.
func (x *Executor) SetUnitConfig(unit string, config map[string]interface{}) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.configs[unit] = config
}

// ExecuteUnit runs one invocation of the named unit through its full
// contract. The returned record carries the attempt history regardless
// of outcome.
func (x *Executor) ExecuteUnit(ctx context.Context, unit string, payload engine.StepPayload) (json.RawMessage, *engine.ExecutionRecord, error) {
	a, err := x.registry.agentFor(unit)
	if err != nil {
		return nil, nil, err
	}
	x.mu.RLock()
	config := x.configs[unit]
	x.mu.RUnlock()
	return x.runner.Run(ctx, a, payload.RunID, payload.StepID, config, payload.Input)
}

// Exists implements engine.UnitResolver.
func (x *Executor) Exists(name string) bool {
	_, err := x.registry.Get(name)
	return err == nil
}

// Dependencies implements engine.UnitResolver.
func (x *Executor) Dependencies(name string) []string {
	def, err := x.registry.Get(name)
	if err != nil {
		return nil
	}
	return def.Dependencies
}

// AcceptsPhase implements engine.UnitResolver.
func (x *Executor) AcceptsPhase(name string, phase int) bool {
	def, err := x.registry.Get(name)
	if err != nil {
		return false
	}
	return def.AcceptsPhase(phase)
}

// Retain pins the named units for the duration of a run so they cannot be
// unregistered out from under in-flight steps.
func (x *Executor) Retain(names []string) error {
	return x.registry.Retain(names)
}

// Release undoes a Retain.
func (x *Executor) Release(names []string) {
	x.registry.Release(names)
}

// agentFor returns the live agent behind a unit name.
func (r *Registry) agentFor(name string) (agent.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.entries[name]
	if !exists {
		return nil, engine.NewNotFoundError(fmt.Sprintf("unit %q is not registered", name))
	}
	return e.agent, nil
}
