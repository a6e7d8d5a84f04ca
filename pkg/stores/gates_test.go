package stores

import (
	"context"
	"testing"
	"time"

	"github.com/stagecoach-io/stagecoach/pkg/engine"
)

func TestGateRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	opened := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	gate := &engine.ApprovalGate{
		Name:         "review-exit",
		Phase:        5,
		Status:       engine.GateStatusPending,
		ApproverRole: "release-manager",
		CreatedAt:    opened,
	}
	if err := store.SaveGate(ctx, gate); err != nil {
		t.Fatalf("failed to save gate: %v", err)
	}

	got, err := store.GetGate(ctx, "review-exit")
	if err != nil {
		t.Fatalf("failed to get gate: %v", err)
	}
	if got.Status != engine.GateStatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if got.ApproverRole != "release-manager" {
		t.Errorf("approver role = %s, want release-manager", got.ApproverRole)
	}
	if got.ResolvedAt != nil {
		t.Errorf("unresolved gate has resolved_at %v", got.ResolvedAt)
	}
}

func TestSaveGateUpsertsResolution(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	opened := time.Now().Add(-time.Hour).UTC()
	gate := &engine.ApprovalGate{
		Name:      "deploy-exit",
		Phase:     3,
		Status:    engine.GateStatusPending,
		CreatedAt: opened,
	}
	if err := store.SaveGate(ctx, gate); err != nil {
		t.Fatalf("failed to save pending gate: %v", err)
	}

	resolved := time.Now().UTC()
	gate.Status = engine.GateStatusApproved
	gate.ResolvedBy = "alice"
	gate.ResolvedAt = &resolved
	if err := store.SaveGate(ctx, gate); err != nil {
		t.Fatalf("failed to upsert resolved gate: %v", err)
	}

	got, err := store.GetGate(ctx, "deploy-exit")
	if err != nil {
		t.Fatalf("failed to get gate: %v", err)
	}
	if got.Status != engine.GateStatusApproved {
		t.Errorf("status = %s, want approved", got.Status)
	}
	if got.ResolvedBy != "alice" {
		t.Errorf("resolved by = %s, want alice", got.ResolvedBy)
	}
	if got.ResolvedAt == nil {
		t.Error("resolved gate has no resolved_at")
	}
}

func TestListGatesOldestFirst(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()
	ctx := context.Background()

	base := time.Now().Add(-time.Hour).UTC()
	for i, name := range []string{"gate-a", "gate-b", "gate-c"} {
		gate := &engine.ApprovalGate{
			Name:      name,
			Phase:     i,
			Status:    engine.GateStatusPending,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.SaveGate(ctx, gate); err != nil {
			t.Fatalf("failed to save gate %s: %v", name, err)
		}
	}

	gates, err := store.ListGates(ctx)
	if err != nil {
		t.Fatalf("failed to list gates: %v", err)
	}
	if len(gates) != 3 {
		t.Fatalf("got %d gates, want 3", len(gates))
	}
	if gates[0].Name != "gate-a" || gates[2].Name != "gate-c" {
		t.Errorf("gates out of order: %s, %s, %s", gates[0].Name, gates[1].Name, gates[2].Name)
	}
}

func TestGetGateNotFound(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	_, err := store.GetGate(context.Background(), "missing")
	if !engine.IsNotFound(err) {
		t.Errorf("expected not-found error, got %v", err)
	}
}
