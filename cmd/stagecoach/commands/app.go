package commands

import (
	"context"
	"fmt"

	"github.com/stagecoach-io/stagecoach/pkg/agent"
	"github.com/stagecoach-io/stagecoach/pkg/agent/builtin"
	"github.com/stagecoach-io/stagecoach/pkg/bus"
	"github.com/stagecoach-io/stagecoach/pkg/config"
	"github.com/stagecoach-io/stagecoach/pkg/engine"
	"github.com/stagecoach-io/stagecoach/pkg/policy"
	"github.com/stagecoach-io/stagecoach/pkg/registry"
	"github.com/stagecoach-io/stagecoach/pkg/stores"
	"github.com/stagecoach-io/stagecoach/pkg/telemetry"
)

// runtime is the fully wired orchestration stack behind the run, journey,
// and status commands: telemetry, config loader, unit registry, message
// bus, workflow engine, policy engine, and the optional sqlite store.
type runtime struct {
	tel      *telemetry.Telemetry
	loader   *config.Loader
	registry *registry.Registry
	executor *registry.Executor
	bus      *bus.Bus
	engine   *engine.Engine
	policies *policy.Engine
	store    *stores.SQLiteStore
	sink     *stores.EventSink
}

// newRuntime assembles the stack from the global flags. Config paths are
// optional: without them the builtin demo workflows and the default plan
// apply. A --db path attaches the sqlite audit trail and event sink.
func newRuntime(ctx context.Context) (*runtime, error) {
	telCfg := telemetry.DefaultConfig()
	if verbose {
		telCfg.Logging.Level = "debug"
	}
	if jsonOutput {
		telCfg.Logging.Format = "json"
	}
	tel, err := telemetry.NewTelemetry(&telCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	rt := &runtime{tel: tel}

	rt.loader = config.NewLoader(tel.Logger)
	if len(configPaths) > 0 {
		if _, err := rt.loader.LoadPaths(configPaths...); err != nil {
			return nil, err
		}
	}

	rt.registry = registry.New(tel.Logger)
	agents, err := builtin.All()
	if err != nil {
		return nil, fmt.Errorf("failed to construct builtin units: %w", err)
	}
	for _, a := range agents {
		if err := rt.registry.Register(a); err != nil {
			return nil, err
		}
	}

	runner := agent.NewRunner(agent.DefaultRunnerConfig(), tel.Events, tel.Logger).WithTracer(tel.Tracer)
	rt.executor = registry.NewExecutor(rt.registry, runner)
	for unit, unitCfg := range rt.loader.UnitConfigs() {
		rt.executor.SetUnitConfig(unit, unitCfg)
	}

	rt.bus = bus.New(bus.DefaultConfig(),
		bus.WithResolver(rt.executor),
		bus.WithEvents(tel.Events),
		bus.WithMetrics(tel.Metrics),
		bus.WithLogger(tel.Logger),
	)

	engineOpts := []engine.EngineOption{
		engine.WithEvents(tel.Events),
		engine.WithMetrics(tel.Metrics),
		engine.WithLogger(tel.Logger),
		engine.WithTracer(tel.Tracer),
	}
	if dbPath != "" {
		store, err := stores.NewSQLiteStore(stores.Config{Path: dbPath})
		if err != nil {
			return nil, err
		}
		if err := store.Init(ctx); err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
		rt.store = store
		rt.sink = store.RecordEvents(tel.Events)
		engineOpts = append(engineOpts, engine.WithStore(store))
	}
	rt.engine = engine.New(engine.DefaultConfig(), rt.bus, rt.executor, rt.executor, engineOpts...)

	rt.policies, err = policy.NewEngine(tel.Logger)
	if err != nil {
		return nil, err
	}
	if len(policyPaths) > 0 {
		loaded, err := policy.NewLoader(tel.Logger).LoadFromPaths(ctx, policyPaths)
		if err != nil {
			return nil, err
		}
		for _, p := range loaded {
			if err := rt.policies.AddPolicy(ctx, p); err != nil {
				return nil, err
			}
		}
	}

	return rt, nil
}

// workflow resolves a workflow definition: configured definitions first,
// then the builtin demo pipeline.
func (rt *runtime) workflow(name string) (*engine.WorkflowDefinition, error) {
	if def, err := rt.loader.Workflow(name); err == nil {
		return def, nil
	}
	if def, ok := demoWorkflows()[name]; ok {
		return def, nil
	}
	return nil, engine.NewNotFoundError(fmt.Sprintf("workflow %q is not defined", name))
}

// Close tears the stack down. Dead letters still parked on the bus are
// persisted before it closes so they survive for later inspection.
func (rt *runtime) Close(ctx context.Context) {
	if rt.store != nil {
		for _, entry := range rt.bus.DeadLetters() {
			e := entry
			if err := rt.store.SaveDeadLetter(ctx, &e); err != nil {
				rt.tel.Logger.WithError(err).Warn("failed to persist dead letter")
			}
		}
		for _, gate := range rt.bus.Gates() {
			g := gate
			if err := rt.store.SaveGate(ctx, &g); err != nil {
				rt.tel.Logger.WithError(err).Warn("failed to persist gate")
			}
		}
	}
	if err := rt.bus.Close(); err != nil {
		rt.tel.Logger.WithError(err).Warn("bus close failed")
	}
	if err := rt.tel.Shutdown(ctx); err != nil {
		rt.tel.Logger.WithError(err).Warn("telemetry shutdown failed")
	}
	if rt.sink != nil {
		rt.sink.Close()
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.tel.Logger.WithError(err).Warn("store close failed")
		}
	}
}
