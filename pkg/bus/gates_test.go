package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stagecoach-io/stagecoach/pkg/engine"
)

func openGate(t *testing.T, b *Bus, gate engine.ApprovalGate) {
	t.Helper()
	if err := b.OpenGate(gate); err != nil {
		t.Fatalf("OpenGate() error = %v", err)
	}
}

func TestGateHoldsAndApprovalReleases(t *testing.T) {
	b := testBus(t, DefaultConfig())
	openGate(t, b, engine.ApprovalGate{Name: "review-exit", Phase: 5, ApproverRole: "lead"})

	delivered := make(chan string, 1)
	if err := b.Subscribe("handoff", func(ctx context.Context, env *engine.Envelope) error {
		delivered <- env.ID
		return nil
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	publish(t, b, &engine.Envelope{ID: "gated", Destination: "handoff", Phase: 5, Priority: engine.PriorityHigh})

	select {
	case id := <-delivered:
		t.Fatalf("envelope %s delivered before gate resolution", id)
	case <-time.After(50 * time.Millisecond):
	}
	if held := b.HeldCount("review-exit"); held != 1 {
		t.Fatalf("held envelopes = %d, want 1", held)
	}

	if err := b.ResolveGate("review-exit", engine.GateStatusApproved, "lead@example.com"); err != nil {
		t.Fatalf("ResolveGate() error = %v", err)
	}

	select {
	case id := <-delivered:
		if id != "gated" {
			t.Errorf("delivered = %s, want gated", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("approved envelope was never delivered")
	}

	gate, err := b.Gate("review-exit")
	if err != nil {
		t.Fatalf("Gate() error = %v", err)
	}
	if gate.Status != engine.GateStatusApproved || gate.ResolvedAt == nil {
		t.Errorf("gate = %+v, want approved with resolution time", gate)
	}
}

func TestGateRejectionSignalsRollbackAndParksWork(t *testing.T) {
	b := testBus(t, DefaultConfig())
	openGate(t, b, engine.ApprovalGate{Name: "review-exit", Phase: 5})

	publish(t, b, &engine.Envelope{ID: "gated", Destination: "handoff", Phase: 5, Priority: engine.PriorityNormal})

	if err := b.ResolveGate("review-exit", engine.GateStatusRejected, "lead@example.com"); err != nil {
		t.Fatalf("ResolveGate() error = %v", err)
	}

	select {
	case sig := <-b.Rollback():
		if sig.Gate != "review-exit" || sig.Phase != 5 {
			t.Errorf("rollback signal = %+v, want review-exit/5", sig)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no rollback signal after rejection")
	}

	entries := b.DeadLetters()
	if len(entries) != 1 || entries[0].Envelope.ID != "gated" {
		t.Errorf("dead letters = %+v, want the held envelope parked", entries)
	}
}

func TestGateResolvedExactlyOnce(t *testing.T) {
	b := testBus(t, DefaultConfig())
	openGate(t, b, engine.ApprovalGate{Name: "g", Phase: 1})

	if err := b.ResolveGate("g", engine.GateStatusApproved, "op"); err != nil {
		t.Fatalf("first ResolveGate() error = %v", err)
	}
	if err := b.ResolveGate("g", engine.GateStatusRejected, "op"); err == nil {
		t.Error("expected error resolving a gate twice")
	}
}

func TestGateResolveRequiresDecision(t *testing.T) {
	b := testBus(t, DefaultConfig())
	openGate(t, b, engine.ApprovalGate{Name: "g", Phase: 1})

	if err := b.ResolveGate("g", engine.GateStatusPending, "op"); err == nil {
		t.Error("expected error for a non-decision resolution")
	}
}

func TestGateTimeoutUseDefault(t *testing.T) {
	b := testBus(t, DefaultConfig())
	openGate(t, b, engine.ApprovalGate{
		Name:      "g",
		Phase:     2,
		Timeout:   20 * time.Millisecond,
		OnTimeout: engine.GateTimeoutUseDefault,
		Default:   engine.GateStatusApproved,
	})

	delivered := make(chan struct{}, 1)
	if err := b.Subscribe("unit", func(ctx context.Context, env *engine.Envelope) error {
		delivered <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	publish(t, b, &engine.Envelope{Destination: "unit", Phase: 2, Priority: engine.PriorityNormal})

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("use_default did not release the held envelope")
	}

	gate, _ := b.Gate("g")
	if gate.Status != engine.GateStatusApproved || gate.ResolvedBy != "timeout" {
		t.Errorf("gate = %+v, want approved by timeout", gate)
	}
}

func TestGateTimeoutUseDefaultUnconfiguredApproves(t *testing.T) {
	b := testBus(t, DefaultConfig())
	openGate(t, b, engine.ApprovalGate{
		Name:      "g",
		Phase:     2,
		Timeout:   20 * time.Millisecond,
		OnTimeout: engine.GateTimeoutUseDefault,
	})

	delivered := make(chan struct{}, 1)
	if err := b.Subscribe("unit", func(ctx context.Context, env *engine.Envelope) error {
		delivered <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	publish(t, b, &engine.Envelope{Destination: "unit", Phase: 2, Priority: engine.PriorityNormal})

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("unconfigured use_default did not release the held envelope")
	}

	gate, _ := b.Gate("g")
	if gate.Status != engine.GateStatusApproved {
		t.Errorf("gate status = %s, want approved when no default is configured", gate.Status)
	}
}

func TestGateTimeoutBlockHoldsWork(t *testing.T) {
	b := testBus(t, DefaultConfig())
	openGate(t, b, engine.ApprovalGate{
		Name:      "g",
		Phase:     2,
		Timeout:   10 * time.Millisecond,
		OnTimeout: engine.GateTimeoutBlock,
	})

	publish(t, b, &engine.Envelope{Destination: "unit", Phase: 2, Priority: engine.PriorityNormal})

	time.Sleep(50 * time.Millisecond)
	gate, _ := b.Gate("g")
	if gate.Status != engine.GateStatusPending {
		t.Errorf("gate status = %s, want still pending", gate.Status)
	}
	if held := b.HeldCount("g"); held != 1 {
		t.Errorf("held = %d, want envelope still held", held)
	}

	// An operator can still resolve a blocked gate afterwards.
	if err := b.ResolveGate("g", engine.GateStatusApproved, "op"); err != nil {
		t.Errorf("ResolveGate() after block error = %v", err)
	}
}

func TestGateTimeoutSkipReleasesWithoutDecision(t *testing.T) {
	b := testBus(t, DefaultConfig())
	openGate(t, b, engine.ApprovalGate{
		Name:      "g",
		Phase:     2,
		Timeout:   20 * time.Millisecond,
		OnTimeout: engine.GateTimeoutSkip,
	})

	delivered := make(chan struct{}, 1)
	if err := b.Subscribe("unit", func(ctx context.Context, env *engine.Envelope) error {
		delivered <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	publish(t, b, &engine.Envelope{Destination: "unit", Phase: 2, Priority: engine.PriorityNormal})

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("skip did not release the held envelope")
	}

	gate, _ := b.Gate("g")
	if gate.Status.Resolved() {
		t.Errorf("gate status = %s, want unresolved after skip", gate.Status)
	}
	if !b.Skipped("g") {
		t.Error("Skipped(g) = false, want true")
	}
	if err := b.ResolveGate("g", engine.GateStatusApproved, "op"); err == nil {
		t.Error("expected error resolving a skipped gate")
	}
}

func TestOpenGateRejectsSecondPendingForPhase(t *testing.T) {
	b := testBus(t, DefaultConfig())
	openGate(t, b, engine.ApprovalGate{Name: "g1", Phase: 3})

	if err := b.OpenGate(engine.ApprovalGate{Name: "g2", Phase: 3}); err == nil {
		t.Error("expected error opening a second pending gate for the phase")
	}
	if err := b.OpenGate(engine.ApprovalGate{Name: "g1", Phase: 4}); err == nil {
		t.Error("expected duplicate name error")
	}
}
