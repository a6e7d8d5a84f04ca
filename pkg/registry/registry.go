// Package registry holds every known unit-of-work definition, resolves
// declared dependencies into an executable order, and answers the
// read-only discovery queries exposed to collaborators.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/stagecoach-io/stagecoach/pkg/agent"
	"github.com/stagecoach-io/stagecoach/pkg/engine"
	"github.com/stagecoach-io/stagecoach/pkg/telemetry"
)

// entry is one registered unit plus its bookkeeping.
type entry struct {
	agent agent.Agent
	def   agent.Definition
	order int // registration order, breaks topo-sort ties
	inUse int // active workflow runs holding the unit
}

// Registry is the single dispatch table for units of work. It is created
// at process start and torn down at shutdown; the unit table is
// read-mostly after startup and guarded for concurrent access.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	names   []string // registration order
	logger  *telemetry.Logger
}

// New creates an empty registry. logger may be nil.
func New(logger *telemetry.Logger) *Registry {
	if logger == nil {
		l, _ := telemetry.NewLogger(telemetry.DefaultConfig().Logging)
		logger = l
	}
	return &Registry{
		entries: make(map[string]*entry),
		logger:  logger.NewComponentLogger("registry"),
	}
}

// Register adds a unit. The name must be unique.
func (r *Registry) Register(a agent.Agent) error {
	def := a.Definition()
	if def.Name == "" {
		return engine.NewValidationError("unit name must not be empty", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[def.Name]; exists {
		return engine.NewDuplicateNameError(def.Name)
	}

	r.entries[def.Name] = &entry{
		agent: a,
		def:   def,
		order: len(r.names),
	}
	r.names = append(r.names, def.Name)
	r.logger.WithUnit(def.Name).Debug("unit registered")
	return nil
}

// Unregister removes a unit. It fails when the unit is unknown or is
// held by an active workflow run.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.entries[name]
	if !exists {
		return engine.NewNotFoundError(fmt.Sprintf("unit %q is not registered", name))
	}
	if e.inUse > 0 {
		return engine.NewValidationError(
			fmt.Sprintf("unit %q is in use by %d active run(s)", name, e.inUse), nil).
			WithUnit(name)
	}

	delete(r.entries, name)
	for i, n := range r.names {
		if n == name {
			r.names = append(r.names[:i], r.names[i+1:]...)
			break
		}
	}
	r.logger.WithUnit(name).Debug("unit unregistered")
	return nil
}

// Retain marks the named units as held by an active workflow run. Every
// Retain must be paired with a Release.
func (r *Registry) Retain(names []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range names {
		if _, exists := r.entries[name]; !exists {
			return engine.NewNotFoundError(fmt.Sprintf("unit %q is not registered", name))
		}
	}
	for _, name := range names {
		r.entries[name].inUse++
	}
	return nil
}

// Release undoes a Retain.
func (r *Registry) Release(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range names {
		if e, exists := r.entries[name]; exists && e.inUse > 0 {
			e.inUse--
		}
	}
}

// Get returns the named unit's definition.
func (r *Registry) Get(name string) (agent.Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.entries[name]
	if !exists {
		return agent.Definition{}, engine.NewNotFoundError(fmt.Sprintf("unit %q is not registered", name))
	}
	return e.def, nil
}

// Definitions returns every registered definition in registration order.
func (r *Registry) Definitions() []agent.Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]agent.Definition, 0, len(r.names))
	for _, name := range r.names {
		defs = append(defs, r.entries[name].def)
	}
	return defs
}

// ByPhase returns the definitions of every unit accepting work for the
// given phase, in registration order. This is the phase roster.
func (r *Registry) ByPhase(phase int) []agent.Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var defs []agent.Definition
	for _, name := range r.names {
		if r.entries[name].def.AcceptsPhase(phase) {
			defs = append(defs, r.entries[name].def)
		}
	}
	return defs
}

// ByCapability returns the definitions of every unit carrying the given
// capability tag, in registration order.
func (r *Registry) ByCapability(tag string) []agent.Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var defs []agent.Definition
	for _, name := range r.names {
		if r.entries[name].def.HasCapability(tag) {
			defs = append(defs, r.entries[name].def)
		}
	}
	return defs
}

// Dependency resolution uses a three-color DFS: white nodes are
// unvisited, gray nodes are on the current path, black nodes are done.
// Hitting a gray node means a cycle.
const (
	colorWhite = iota
	colorGray
	colorBlack
)

// ResolveOrder returns a topological execution order over the named
// units and their transitive dependencies: every unit appears after all
// of its dependencies. Ties among independent units are broken by
// registration order so equivalent graphs registered in the same order
// resolve identically. A cycle fails with a CyclicDependencyError naming
// the cycle members.
func (r *Registry) ResolveOrder(names []string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range names {
		if _, exists := r.entries[name]; !exists {
			return nil, engine.NewNotFoundError(fmt.Sprintf("unit %q is not registered", name))
		}
	}

	// Visit roots in registration order, not argument order, for
	// deterministic output.
	roots := append([]string(nil), names...)
	sort.SliceStable(roots, func(i, j int) bool {
		return r.entries[roots[i]].order < r.entries[roots[j]].order
	})

	color := make(map[string]int, len(r.entries))
	var order []string
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		e, exists := r.entries[name]
		if !exists {
			return engine.NewNotFoundError(fmt.Sprintf("unit %q is not registered", name)).
				WithDetail("requiredBy", path[len(path)-1])
		}

		switch color[name] {
		case colorBlack:
			return nil
		case colorGray:
			return engine.NewCyclicDependencyError(extractCycle(path, name))
		}

		color[name] = colorGray
		path = append(path, name)

		deps := append([]string(nil), e.def.Dependencies...)
		sort.SliceStable(deps, func(i, j int) bool {
			di, okI := r.entries[deps[i]]
			dj, okJ := r.entries[deps[j]]
			if !okI || !okJ {
				return okJ
			}
			return di.order < dj.order
		})
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}

		path = path[:len(path)-1]
		color[name] = colorBlack
		order = append(order, name)
		return nil
	}

	for _, name := range roots {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// extractCycle returns the members of the cycle closed by reaching start
// while it is still on the path.
func extractCycle(path []string, start string) []string {
	for i, name := range path {
		if name == start {
			return append([]string(nil), path[i:]...)
		}
	}
	return []string{start}
}
