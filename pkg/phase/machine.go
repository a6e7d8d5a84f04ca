package phase

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stagecoach-io/stagecoach/pkg/bus"
	"github.com/stagecoach-io/stagecoach/pkg/engine"
	"github.com/stagecoach-io/stagecoach/pkg/policy"
	"github.com/stagecoach-io/stagecoach/pkg/telemetry"
)

// Runner executes the workflow behind one phase. Implemented in cmd by
// binding the engine to the workflow definitions named in the plan.
type Runner interface {
	RunPhase(ctx context.Context, spec *Spec, input json.RawMessage) (*engine.RunResult, error)
}

// GateBus is the slice of the message bus the machine needs for approval
// gates. Implemented by *bus.Bus.
type GateBus interface {
	OpenGate(gate engine.ApprovalGate) error
	Gate(name string) (engine.ApprovalGate, error)
	Skipped(name string) bool
	Rollback() <-chan bus.RollbackSignal
}

// Config carries the machine's tunables.
type Config struct {
	// MaxVisits bounds how often one phase may be entered in a single
	// journey before the machine escalates. Guards against endless
	// self-loops and rollback cycles.
	MaxVisits int `yaml:"max_visits" validate:"min=1"`

	// GatePollInterval is how often a pending gate is re-checked.
	GatePollInterval time.Duration `yaml:"gate_poll_interval"`
}

// DefaultMachineConfig returns the machine defaults.
func DefaultMachineConfig() Config {
	return Config{
		MaxVisits:        5,
		GatePollInterval: 25 * time.Millisecond,
	}
}

// Status is the terminal state of a journey through the plan.
type Status string

const (
	// StatusComplete means the plan's last phase exited forward.
	StatusComplete Status = "complete"

	// StatusEscalated means the journey requires manual intervention.
	StatusEscalated Status = "escalated"
)

// Outcome is the aggregated result of one journey through the plan.
type Outcome struct {
	// Status is complete or escalated.
	Status Status `json:"status"`

	// FinalPhase is the last phase number visited.
	FinalPhase int `json:"final_phase"`

	// Context is the accumulated context, including merged artifacts.
	Context map[string]interface{} `json:"context"`

	// History records every transition in order.
	History []Transition `json:"history"`

	// Runs are the workflow run results of every phase execution, in
	// completion order.
	Runs []*engine.RunResult `json:"runs"`
}

// Machine walks a plan phase by phase: it validates entry context, runs the
// phase's workflow, evaluates exit policies, waits on approval gates, and
// routes linear, conditional, parallel, rollback, and escalation
// transitions.
type Machine struct {
	cfg      Config
	plan     *Plan
	runner   Runner
	policies *policy.Engine
	gates    GateBus
	events   *telemetry.Publisher
	metrics  *telemetry.Metrics
	logger   *telemetry.Logger
}

// MachineOption configures optional machine collaborators.
type MachineOption func(*Machine)

// WithGates attaches the bus's approval gate surface.
func WithGates(gates GateBus) MachineOption {
	return func(m *Machine) { m.gates = gates }
}

// WithEvents attaches the observability event publisher.
func WithEvents(events *telemetry.Publisher) MachineOption {
	return func(m *Machine) { m.events = events }
}

// WithMetrics attaches the metrics collector.
func WithMetrics(metrics *telemetry.Metrics) MachineOption {
	return func(m *Machine) { m.metrics = metrics }
}

// WithLogger attaches the logger.
func WithLogger(logger *telemetry.Logger) MachineOption {
	return func(m *Machine) { m.logger = logger.NewComponentLogger("phase-machine") }
}

// WithConfig overrides the machine defaults.
func WithConfig(cfg Config) MachineOption {
	return func(m *Machine) {
		if cfg.MaxVisits > 0 {
			m.cfg.MaxVisits = cfg.MaxVisits
		}
		if cfg.GatePollInterval > 0 {
			m.cfg.GatePollInterval = cfg.GatePollInterval
		}
	}
}

// NewMachine creates a machine over a validated plan.
func NewMachine(plan *Plan, runner Runner, policies *policy.Engine, opts ...MachineOption) (*Machine, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	m := &Machine{
		cfg:      DefaultMachineConfig(),
		plan:     plan,
		runner:   runner,
		policies: policies,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		l, _ := telemetry.NewLogger(telemetry.DefaultConfig().Logging)
		m.logger = l.NewComponentLogger("phase-machine")
	}
	return m, nil
}

// Plan returns the machine's plan for the discovery surface.
func (m *Machine) Plan() *Plan {
	return m.plan
}

// execution is the mutable state of one journey, shared by concurrently
// running parallel phases.
type execution struct {
	mu       sync.Mutex
	context  map[string]interface{}
	history  []Transition
	runs     []*engine.RunResult
	visits   map[int]int
	barriers map[int]map[int]bool
}

// phaseOutcome is the decision one phase execution produced.
type phaseOutcome struct {
	phase     int
	targets   []int
	complete  bool
	escalated bool
	reason    string
	err       error
}

// Run executes the plan from its initial phase until it completes,
// escalates, or a structural error surfaces. The initial context must
// satisfy the first phase's required keys.
func (m *Machine) Run(ctx context.Context, initial map[string]interface{}) (*Outcome, error) {
	ex := &execution{
		context:  make(map[string]interface{}, len(initial)),
		visits:   make(map[int]int),
		barriers: make(map[int]map[int]bool),
	}
	for k, v := range initial {
		ex.context[k] = v
	}

	active := []int{m.plan.Initial()}
	finalPhase := active[0]

	for len(active) > 0 {
		outcomes := m.runPhases(ctx, ex, active)

		var next []int
		seen := make(map[int]bool)
		for _, oc := range outcomes {
			if oc.err != nil {
				return nil, oc.err
			}
			finalPhase = oc.phase
			if oc.escalated {
				return m.finish(ex, StatusEscalated, oc.phase), nil
			}
			if oc.complete {
				continue
			}
			for _, t := range oc.targets {
				if !seen[t] {
					seen[t] = true
					next = append(next, t)
				}
			}
		}
		sort.Ints(next)
		active = next
	}

	return m.finish(ex, StatusComplete, finalPhase), nil
}

func (m *Machine) finish(ex *execution, status Status, finalPhase int) *Outcome {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return &Outcome{
		Status:     status,
		FinalPhase: finalPhase,
		Context:    ex.context,
		History:    ex.history,
		Runs:       ex.runs,
	}
}

// runPhases executes the active phases concurrently. Parallel successors
// of a split run side by side and converge on the join barrier.
func (m *Machine) runPhases(ctx context.Context, ex *execution, active []int) []phaseOutcome {
	outcomes := make([]phaseOutcome, len(active))
	var wg sync.WaitGroup
	for i, n := range active {
		wg.Add(1)
		go func(i, n int) {
			defer wg.Done()
			outcomes[i] = m.runPhase(ctx, ex, n)
		}(i, n)
	}
	wg.Wait()
	return outcomes
}

// runPhase executes one phase end to end and decides its transition.
func (m *Machine) runPhase(ctx context.Context, ex *execution, n int) phaseOutcome {
	spec, err := m.plan.Phase(n)
	if err != nil {
		return phaseOutcome{phase: n, err: err}
	}
	logger := m.logger.WithPhase(n).WithField("phase_name", spec.Name)

	ex.mu.Lock()
	ex.visits[n]++
	visits := ex.visits[n]
	ex.mu.Unlock()
	if visits > m.cfg.MaxVisits {
		logger.Warn("phase visit ceiling reached, escalating")
		m.transition(ex, n, Escalated, KindEscalation,
			fmt.Sprintf("phase entered %d times, ceiling is %d", visits, m.cfg.MaxVisits))
		return phaseOutcome{phase: n, escalated: true}
	}

	if missing := m.missingContext(spec, ex); len(missing) > 0 {
		return phaseOutcome{phase: n, err: engine.NewPhaseEntryError(
			fmt.Sprintf("phase %d (%s) entry blocked: missing context keys", n, spec.Name), missing)}
	}

	logger.Info("phase entered")
	m.emit(telemetry.EventPhaseEntered, telemetry.EventLevelInfo, n,
		fmt.Sprintf("phase %d (%s) entered", n, spec.Name))

	ex.mu.Lock()
	input, err := json.Marshal(ex.context)
	ex.mu.Unlock()
	if err != nil {
		return phaseOutcome{phase: n, err: engine.NewInternalError("encoding phase context", err)}
	}

	result, err := m.runner.RunPhase(ctx, spec, input)
	if err != nil {
		return phaseOutcome{phase: n, err: err}
	}

	ex.mu.Lock()
	ex.runs = append(ex.runs, result)
	artifacts, _ := ex.context["artifacts"].(map[string]interface{})
	if artifacts == nil {
		artifacts = make(map[string]interface{})
		ex.context["artifacts"] = artifacts
	}
	phaseArtifacts := result.Artifacts()
	for id, artifact := range phaseArtifacts {
		artifacts[id] = artifact
	}
	contextSnapshot := make(map[string]interface{}, len(ex.context))
	for k, v := range ex.context {
		contextSnapshot[k] = v
	}
	ex.mu.Unlock()

	exit, err := m.policies.EvaluateExit(ctx, &policy.Input{
		Phase:     n,
		PhaseName: spec.Name,
		Artifacts: phaseArtifacts,
		Context:   contextSnapshot,
		Run:       summarize(result),
	})
	if err != nil {
		return phaseOutcome{phase: n, err: err}
	}

	if exit.Escalate {
		reason := "critical policy violation"
		if len(exit.Violations) > 0 {
			reason = exit.Violations[0].Message
		}
		logger.WithField("reason", reason).Error("phase escalated")
		m.transition(ex, n, Escalated, KindEscalation, reason)
		return phaseOutcome{phase: n, escalated: true, reason: reason}
	}

	if !exit.Allowed {
		reason := "exit validation failed"
		if len(exit.Violations) > 0 {
			reason = exit.Violations[0].Message
		}
		return m.rollback(ex, spec, reason)
	}

	for _, flag := range exit.Flags {
		if target, ok := spec.Transitions.OnFlag[flag]; ok {
			logger.WithField("flag", flag).WithField("target", target).Info("conditional transition")
			m.transition(ex, n, target, KindConditional, fmt.Sprintf("flag %s raised", flag))
			if target == Complete {
				return phaseOutcome{phase: n, complete: true}
			}
			return phaseOutcome{phase: n, targets: []int{target}}
		}
	}

	if spec.Gate != nil && m.gates != nil {
		decision, resolvedBy, err := m.resolveGate(ctx, spec, visits)
		if err != nil {
			return phaseOutcome{phase: n, err: err}
		}
		if decision == engine.GateStatusRejected {
			return m.rollback(ex, spec,
				fmt.Sprintf("gate %s rejected by %s", spec.Gate.Name, resolvedBy))
		}
	}

	return m.routeForward(ex, spec)
}

// rollback records an explicit transition to an earlier phase.
func (m *Machine) rollback(ex *execution, spec *Spec, reason string) phaseOutcome {
	target := spec.Transitions.Rollback
	m.logger.WithPhase(spec.Number).WithField("target", target).WithField("reason", reason).
		Warn("phase rolled back")
	m.transition(ex, spec.Number, target, KindRollback, reason)
	m.emit(telemetry.EventPhaseRollback, telemetry.EventLevelWarning, spec.Number,
		fmt.Sprintf("phase %d rolled back to %d: %s", spec.Number, target, reason))
	if m.metrics != nil {
		m.metrics.RecordPhaseRollback(fmt.Sprintf("%d", spec.Number))
	}
	return phaseOutcome{phase: spec.Number, targets: []int{target}, reason: reason}
}

// routeForward applies the parallel split, join barrier, completion, or
// linear successor.
func (m *Machine) routeForward(ex *execution, spec *Spec) phaseOutcome {
	t := spec.Transitions
	n := spec.Number

	if len(t.Parallel) > 0 {
		ex.mu.Lock()
		members := make(map[int]bool, len(t.Parallel))
		for _, member := range t.Parallel {
			members[member] = true
		}
		ex.barriers[t.Join] = members
		ex.mu.Unlock()

		m.transition(ex, n, t.Parallel[0], KindParallel,
			fmt.Sprintf("parallel split to %v joining at %d", t.Parallel, t.Join))
		return phaseOutcome{phase: n, targets: append([]int(nil), t.Parallel...)}
	}

	if t.Next == Complete {
		m.transition(ex, n, Complete, KindCompletion, "plan completed")
		return phaseOutcome{phase: n, complete: true}
	}

	ex.mu.Lock()
	barrier, joined := ex.barriers[t.Next]
	if joined {
		delete(barrier, n)
		if len(barrier) > 0 {
			// Not the last arrival: the join phase waits for the rest.
			ex.mu.Unlock()
			m.transition(ex, n, t.Next, KindJoin, "arrived at join barrier")
			return phaseOutcome{phase: n}
		}
		delete(ex.barriers, t.Next)
	}
	ex.mu.Unlock()

	kind := KindLinear
	reason := ""
	if joined {
		kind = KindJoin
		reason = "join barrier released"
	}
	m.transition(ex, n, t.Next, kind, reason)
	return phaseOutcome{phase: n, targets: []int{t.Next}}
}

// resolveGate opens the phase's exit gate and waits for a decision. A
// skipped gate proceeds without one. Re-entered phases open a fresh gate
// instance; gate names are unique for the lifetime of the bus.
func (m *Machine) resolveGate(ctx context.Context, spec *Spec, visit int) (engine.GateStatus, string, error) {
	g := spec.Gate
	name := g.Name
	if visit > 1 {
		name = fmt.Sprintf("%s-%d", g.Name, visit)
	}
	gate := engine.ApprovalGate{
		Name:         name,
		Phase:        spec.Number,
		ApproverRole: g.ApproverRole,
		Timeout:      g.Timeout,
		OnTimeout:    g.OnTimeout,
		Default:      g.Default,
	}
	if err := m.gates.OpenGate(gate); err != nil {
		return "", "", err
	}
	m.logger.WithPhase(spec.Number).WithField("gate", name).Info("approval gate opened, awaiting resolution")

	ticker := time.NewTicker(m.cfg.GatePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", "", engine.NewTimeoutError(
				fmt.Sprintf("gate %s unresolved when the journey was cancelled", name), ctx.Err())
		case sig := <-m.gates.Rollback():
			if sig.Gate == name {
				return engine.GateStatusRejected, sig.ResolvedBy, nil
			}
		case <-ticker.C:
			snapshot, err := m.gates.Gate(name)
			if err != nil {
				return "", "", err
			}
			if snapshot.Status.Resolved() {
				return snapshot.Status, snapshot.ResolvedBy, nil
			}
			if m.gates.Skipped(name) {
				m.logger.WithPhase(spec.Number).WithField("gate", name).
					Warn("gate skipped on timeout, proceeding without a decision")
				return engine.GateStatusApproved, "", nil
			}
		}
	}
}

// transition appends to the journey history and records telemetry.
func (m *Machine) transition(ex *execution, from, to int, kind TransitionKind, reason string) {
	ex.mu.Lock()
	ex.history = append(ex.history, Transition{
		From:   from,
		To:     to,
		Kind:   kind,
		Reason: reason,
		At:     time.Now(),
	})
	ex.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordPhaseTransition(fmt.Sprintf("%d", from), fmt.Sprintf("%d", to))
		if to == Escalated {
			m.metrics.RecordEscalation()
		}
	}
	eventType := telemetry.EventPhaseExited
	level := telemetry.EventLevelInfo
	if to == Escalated {
		eventType = telemetry.EventPhaseEscalated
		level = telemetry.EventLevelError
	}
	m.emit(eventType, level, from, fmt.Sprintf("phase %d -> %d (%s)", from, to, kind))
}

func (m *Machine) emit(eventType, level string, phase int, message string) {
	m.events.Publish(telemetry.Event{
		Type:    eventType,
		Source:  "phase-machine",
		Phase:   phase,
		Message: message,
		Level:   level,
	})
}

// missingContext returns the required context keys absent at phase entry.
func (m *Machine) missingContext(spec *Spec, ex *execution) []string {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	var missing []string
	for _, key := range spec.RequiredContext {
		if _, ok := ex.context[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}

// summarize reduces a run result to the slice policies inspect.
func summarize(result *engine.RunResult) *policy.RunSummary {
	summary := &policy.RunSummary{
		RunID:  result.RunID,
		Status: string(result.Status),
	}
	for id, sr := range result.Steps {
		switch sr.Status {
		case engine.StepStatusFailed:
			summary.FailedSteps = append(summary.FailedSteps, id)
		case engine.StepStatusSkipped:
			summary.SkippedSteps = append(summary.SkippedSteps, id)
		}
	}
	sort.Strings(summary.FailedSteps)
	sort.Strings(summary.SkippedSteps)
	return summary
}
