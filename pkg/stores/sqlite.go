package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/stagecoach-io/stagecoach/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore persists the audit trail: run results, per-step execution
// records, dead letter entries, and observability events. It implements
// engine.RunStore.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string        `yaml:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, engine.NewValidationError("database path is required", nil)
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{path: cfg.Path, cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Foreign keys are a connection-level setting.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations from the embedded migration files.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// SaveRun persists a terminal run result. Implements engine.RunStore.
func (s *SQLiteStore) SaveRun(ctx context.Context, result *engine.RunResult) error {
	doc, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode run result: %w", err)
	}

	query := `
		INSERT INTO runs (id, workflow, phase, status, started_at, completed_at, result)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			result = excluded.result
	`

	_, err = s.db.ExecContext(ctx, query,
		result.RunID,
		result.Workflow,
		result.Phase,
		string(result.Status),
		result.StartedAt.UTC(),
		result.CompletedAt.UTC(),
		string(doc),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	return nil
}

// GetRun retrieves a persisted run result by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*engine.RunResult, error) {
	query := `SELECT result FROM runs WHERE id = ?`

	var doc string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError(fmt.Sprintf("run not found: %s", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	result := &engine.RunResult{}
	if err := json.Unmarshal([]byte(doc), result); err != nil {
		return nil, fmt.Errorf("failed to decode run result: %w", err)
	}
	return result, nil
}

// RunSummary is one row of the run listing.
type RunSummary struct {
	RunID       string    `json:"run_id"`
	Workflow    string    `json:"workflow"`
	Phase       int       `json:"phase"`
	Status      string    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// ListRuns lists persisted runs, newest first, with pagination.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*RunSummary, error) {
	query := `
		SELECT id, workflow, phase, status, started_at, completed_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*RunSummary{}
	for rows.Next() {
		run := &RunSummary{}
		err := rows.Scan(
			&run.RunID,
			&run.Workflow,
			&run.Phase,
			&run.Status,
			&run.StartedAt,
			&run.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// SaveRecord persists one unit execution record. Records are append-only;
// every invocation lands as a new row. Implements engine.RunStore.
func (s *SQLiteStore) SaveRecord(ctx context.Context, record *engine.ExecutionRecord) error {
	history, err := json.Marshal(record.History)
	if err != nil {
		return fmt.Errorf("failed to encode attempt history: %w", err)
	}

	var errDoc *string
	if record.Error != nil {
		raw, err := json.Marshal(record.Error)
		if err != nil {
			return fmt.Errorf("failed to encode record error: %w", err)
		}
		doc := string(raw)
		errDoc = &doc
	}

	query := `
		INSERT INTO step_records (
			run_id, step_id, unit, status, attempts,
			started_at, completed_at, input, output, error, history
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		record.RunID,
		record.StepID,
		record.Unit,
		string(record.Status),
		record.Attempts,
		record.StartedAt.UTC(),
		record.CompletedAt,
		nullableJSON(record.Input),
		nullableJSON(record.Output),
		errDoc,
		string(history),
	)
	if err != nil {
		return fmt.Errorf("failed to save execution record: %w", err)
	}

	return nil
}

// ListRecords retrieves every execution record of a run, oldest first.
func (s *SQLiteStore) ListRecords(ctx context.Context, runID string) ([]*engine.ExecutionRecord, error) {
	query := `
		SELECT run_id, step_id, unit, status, attempts,
			   started_at, completed_at, input, output, error, history
		FROM step_records
		WHERE run_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution records: %w", err)
	}
	defer rows.Close()

	records := []*engine.ExecutionRecord{}
	for rows.Next() {
		record := &engine.ExecutionRecord{}
		var status, history string
		var input, output, errDoc sql.NullString
		err := rows.Scan(
			&record.RunID,
			&record.StepID,
			&record.Unit,
			&status,
			&record.Attempts,
			&record.StartedAt,
			&record.CompletedAt,
			&input,
			&output,
			&errDoc,
			&history,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution record: %w", err)
		}

		record.Status = engine.AttemptStatus(status)
		if input.Valid {
			record.Input = json.RawMessage(input.String)
		}
		if output.Valid {
			record.Output = json.RawMessage(output.String)
		}
		if errDoc.Valid {
			record.Error = &engine.Error{}
			if err := json.Unmarshal([]byte(errDoc.String), record.Error); err != nil {
				return nil, fmt.Errorf("failed to decode record error: %w", err)
			}
		}
		if err := json.Unmarshal([]byte(history), &record.History); err != nil {
			return nil, fmt.Errorf("failed to decode attempt history: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating execution records: %w", err)
	}

	return records, nil
}

// SaveDeadLetter persists a dead letter entry keyed by its replay token.
func (s *SQLiteStore) SaveDeadLetter(ctx context.Context, entry *engine.DeadLetterEntry) error {
	envelope, err := json.Marshal(entry.Envelope)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	failures, err := json.Marshal(entry.Failures)
	if err != nil {
		return fmt.Errorf("failed to encode failure history: %w", err)
	}

	query := `
		INSERT INTO dead_letters (replay_token, envelope, reason, failures, dead_lettered_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		entry.ReplayToken,
		string(envelope),
		entry.Reason,
		string(failures),
		entry.DeadLetteredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save dead letter: %w", err)
	}

	return nil
}

// ListDeadLetters retrieves every persisted dead letter entry, oldest first.
func (s *SQLiteStore) ListDeadLetters(ctx context.Context) ([]*engine.DeadLetterEntry, error) {
	query := `
		SELECT replay_token, envelope, reason, failures, dead_lettered_at
		FROM dead_letters
		ORDER BY dead_lettered_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	entries := []*engine.DeadLetterEntry{}
	for rows.Next() {
		entry := &engine.DeadLetterEntry{}
		var envelope, failures string
		err := rows.Scan(
			&entry.ReplayToken,
			&envelope,
			&entry.Reason,
			&failures,
			&entry.DeadLetteredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		if err := json.Unmarshal([]byte(envelope), &entry.Envelope); err != nil {
			return nil, fmt.Errorf("failed to decode envelope: %w", err)
		}
		if err := json.Unmarshal([]byte(failures), &entry.Failures); err != nil {
			return nil, fmt.Errorf("failed to decode failure history: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letters: %w", err)
	}

	return entries, nil
}

// DeleteDeadLetter removes a replayed or expired entry by its token.
func (s *SQLiteStore) DeleteDeadLetter(ctx context.Context, token string) error {
	query := `DELETE FROM dead_letters WHERE replay_token = ?`

	result, err := s.db.ExecContext(ctx, query, token)
	if err != nil {
		return fmt.Errorf("failed to delete dead letter: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewNotFoundError(fmt.Sprintf("dead letter not found: %s", token))
	}

	return nil
}

// PurgeDeadLetters removes entries older than the given age and reports how
// many were removed.
func (s *SQLiteStore) PurgeDeadLetters(ctx context.Context, age time.Duration) (int64, error) {
	query := `DELETE FROM dead_letters WHERE dead_lettered_at <= ?`

	result, err := s.db.ExecContext(ctx, query, time.Now().Add(-age).UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge dead letters: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

func nullableJSON(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}
