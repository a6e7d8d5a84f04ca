package bus

import (
	"fmt"
	"time"

	"github.com/stagecoach-io/stagecoach/pkg/engine"
	"github.com/stagecoach-io/stagecoach/pkg/telemetry"
)

// gateState is one open approval gate plus the envelopes it holds.
type gateState struct {
	gate    engine.ApprovalGate
	held    []*engine.Envelope
	timer   *time.Timer
	skipped bool
}

func (g *gateState) stopTimer() {
	if g.timer != nil {
		g.timer.Stop()
	}
}

// OpenGate opens an approval gate for a phase. Envelopes published for
// that phase are held until the gate resolves. At most one gate may be
// open per phase.
func (b *Bus) OpenGate(gate engine.ApprovalGate) error {
	if gate.Name == "" {
		return engine.NewValidationError("gate name must not be empty", nil)
	}
	if gate.OnTimeout != "" {
		if err := gate.OnTimeout.Validate(); err != nil {
			return err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return engine.NewInternalError("bus is closed", nil)
	}
	if _, exists := b.gates[gate.Name]; exists {
		return engine.NewDuplicateNameError(gate.Name)
	}
	if existing := b.byPhase[gate.Phase]; existing != nil && !existing.gate.Status.Resolved() && !existing.skipped {
		return engine.NewValidationError(
			fmt.Sprintf("phase %d already has pending gate %q", gate.Phase, existing.gate.Name), nil)
	}

	gate.Status = engine.GateStatusPending
	gate.CreatedAt = time.Now()

	state := &gateState{gate: gate}
	b.gates[gate.Name] = state
	b.byPhase[gate.Phase] = state

	if gate.Timeout > 0 {
		state.timer = time.AfterFunc(gate.Timeout, func() { b.gateTimeout(gate.Name) })
	}

	b.events.Publish(telemetry.Event{
		Type:    telemetry.EventGateOpened,
		Source:  "bus",
		Phase:   gate.Phase,
		Message: fmt.Sprintf("approval gate %q opened for phase %d", gate.Name, gate.Phase),
		Level:   telemetry.EventLevelInfo,
		Data:    map[string]interface{}{"gate": gate.Name, "approver_role": gate.ApproverRole},
	})
	if b.metrics != nil {
		b.metrics.RecordGateOpened(gate.Name)
	}
	return nil
}

// ResolveGate decides a pending gate exactly once. Approval releases the
// held envelopes into their priority queues; rejection dead-letters them
// and emits a rollback signal for the phase state machine.
func (b *Bus) ResolveGate(name string, status engine.GateStatus, resolvedBy string) error {
	if !status.Resolved() {
		return engine.NewValidationError(
			fmt.Sprintf("gate resolution must be approved or rejected, got %q", status), nil)
	}
	return b.resolveGate(name, status, resolvedBy)
}

func (b *Bus) resolveGate(name string, status engine.GateStatus, resolvedBy string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return engine.NewInternalError("bus is closed", nil)
	}
	state, ok := b.gates[name]
	if !ok {
		b.mu.Unlock()
		return engine.NewNotFoundError(fmt.Sprintf("no approval gate named %q", name))
	}
	if state.gate.Status.Resolved() || state.skipped {
		b.mu.Unlock()
		return engine.NewValidationError(
			fmt.Sprintf("gate %q is already resolved", name), nil)
	}

	state.stopTimer()
	now := time.Now()
	state.gate.Status = status
	state.gate.ResolvedAt = &now
	state.gate.ResolvedBy = resolvedBy

	held := state.held
	state.held = nil
	gate := state.gate

	if status == engine.GateStatusApproved {
		for _, env := range held {
			b.enqueueLocked(env)
		}
		b.mu.Unlock()
	} else {
		// Rejected work is parked, not dropped: each held envelope lands
		// in the dead letter queue and stays replayable.
		cause := engine.NewDeadLetterError(
			fmt.Sprintf("approval gate %q rejected by %s", name, resolvedBy), nil)
		for _, env := range held {
			b.deadLetterLocked(env, cause)
		}
		b.mu.Unlock()

		b.rollback <- RollbackSignal{Gate: name, Phase: gate.Phase, ResolvedBy: resolvedBy}
	}

	b.events.Publish(telemetry.Event{
		Type:    telemetry.EventGateResolved,
		Source:  "bus",
		Phase:   gate.Phase,
		Message: fmt.Sprintf("approval gate %q %s by %s", name, status, resolvedBy),
		Level:   telemetry.EventLevelInfo,
		Data:    map[string]interface{}{"gate": name, "status": string(status), "held": len(held)},
	})
	if b.metrics != nil {
		b.metrics.RecordGateResolved(name, string(status), now.Sub(gate.CreatedAt))
	}
	return nil
}

// gateTimeout applies the gate's configured timeout behavior.
func (b *Bus) gateTimeout(name string) {
	b.mu.Lock()
	state, ok := b.gates[name]
	if !ok || state.gate.Status.Resolved() || state.skipped {
		b.mu.Unlock()
		return
	}
	behavior := state.gate.OnTimeout
	gate := state.gate

	switch behavior {
	case engine.GateTimeoutUseDefault:
		b.mu.Unlock()
		def := gate.Default
		if def == "" {
			// use_default means "substitute a decision and proceed"; an
			// unconfigured default must not roll the phase back.
			def = engine.GateStatusApproved
		}
		_ = b.resolveGate(name, def, "timeout")

	case engine.GateTimeoutSkip:
		// Release held envelopes without an approval decision; the gate
		// stays unresolved but inert.
		state.skipped = true
		held := state.held
		state.held = nil
		for _, env := range held {
			b.enqueueLocked(env)
		}
		b.mu.Unlock()

	default:
		// block: the phase stays halted until an operator resolves the
		// gate explicitly.
		b.mu.Unlock()
	}

	b.events.Publish(telemetry.Event{
		Type:    telemetry.EventGateTimedOut,
		Source:  "bus",
		Phase:   gate.Phase,
		Message: fmt.Sprintf("approval gate %q timed out, behavior %s", name, behavior),
		Level:   telemetry.EventLevelWarning,
		Data:    map[string]interface{}{"gate": name, "behavior": string(behavior)},
	})
}

// Gate returns a snapshot of the named gate.
func (b *Bus) Gate(name string) (engine.ApprovalGate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.gates[name]
	if !ok {
		return engine.ApprovalGate{}, engine.NewNotFoundError(fmt.Sprintf("no approval gate named %q", name))
	}
	return state.gate, nil
}

// Gates returns a snapshot of every gate, in no particular order.
func (b *Bus) Gates() []engine.ApprovalGate {
	b.mu.Lock()
	defer b.mu.Unlock()

	gates := make([]engine.ApprovalGate, 0, len(b.gates))
	for _, state := range b.gates {
		gates = append(gates, state.gate)
	}
	return gates
}

// Skipped reports whether the gate timed out with skip behavior: its held
// work was released without a decision and it can no longer be resolved.
func (b *Bus) Skipped(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if state, ok := b.gates[name]; ok {
		return state.skipped
	}
	return false
}

// HeldCount returns how many envelopes a gate currently holds.
func (b *Bus) HeldCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if state, ok := b.gates[name]; ok {
		return len(state.held)
	}
	return 0
}
