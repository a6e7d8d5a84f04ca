package stores

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/stagecoach-io/stagecoach/pkg/engine"
)

// SaveGate upserts an approval gate snapshot keyed by name. Gate names are
// single-use on the bus, so the latest snapshot is always the final word.
func (s *SQLiteStore) SaveGate(ctx context.Context, gate *engine.ApprovalGate) error {
	query := `
		INSERT INTO gates (name, phase, status, approver_role, resolved_by, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			status = excluded.status,
			resolved_by = excluded.resolved_by,
			resolved_at = excluded.resolved_at
	`

	var resolvedAt *time.Time
	if gate.ResolvedAt != nil {
		t := gate.ResolvedAt.UTC()
		resolvedAt = &t
	}

	_, err := s.db.ExecContext(ctx, query,
		gate.Name,
		gate.Phase,
		string(gate.Status),
		gate.ApproverRole,
		gate.ResolvedBy,
		gate.CreatedAt.UTC(),
		resolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save gate: %w", err)
	}

	return nil
}

// GetGate retrieves one persisted gate by name.
func (s *SQLiteStore) GetGate(ctx context.Context, name string) (*engine.ApprovalGate, error) {
	query := `
		SELECT name, phase, status, approver_role, resolved_by, created_at, resolved_at
		FROM gates
		WHERE name = ?
	`

	gate, err := scanGate(s.db.QueryRowContext(ctx, query, name))
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError(fmt.Sprintf("gate not found: %s", name))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get gate: %w", err)
	}
	return gate, nil
}

// ListGates retrieves every persisted gate, oldest first.
func (s *SQLiteStore) ListGates(ctx context.Context) ([]*engine.ApprovalGate, error) {
	query := `
		SELECT name, phase, status, approver_role, resolved_by, created_at, resolved_at
		FROM gates
		ORDER BY created_at ASC, name ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list gates: %w", err)
	}
	defer rows.Close()

	gates := []*engine.ApprovalGate{}
	for rows.Next() {
		gate, err := scanGate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan gate: %w", err)
		}
		gates = append(gates, gate)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating gates: %w", err)
	}

	return gates, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanGate(row rowScanner) (*engine.ApprovalGate, error) {
	gate := &engine.ApprovalGate{}
	var status string
	var approverRole, resolvedBy sql.NullString
	var resolvedAt sql.NullTime
	err := row.Scan(
		&gate.Name,
		&gate.Phase,
		&status,
		&approverRole,
		&resolvedBy,
		&gate.CreatedAt,
		&resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	gate.Status = engine.GateStatus(status)
	gate.ApproverRole = approverRole.String
	gate.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		gate.ResolvedAt = &t
	}
	return gate, nil
}
