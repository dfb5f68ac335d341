// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite mirrors run records into a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/stepwise/internal/ledger"
	"github.com/tombee/stepwise/internal/mirror"
	stepwiseerrors "github.com/tombee/stepwise/pkg/errors"
)

var _ mirror.Store = (*Backend)(nil)

// timeLayout is fixed-width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Backend is a SQLite run mirror.
type Backend struct {
	db  *sql.DB
	now func() time.Time
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent readers.
	WAL bool
}

// New opens (creating if needed) the mirror database.
func New(cfg Config) (*Backend, error) {
	if cfg.Path == "" {
		return nil, errors.New("mirror database path is required")
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db, now: time.Now}
	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return b, nil
}

func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			started_at TEXT,
			ended_at TEXT,
			error_kind TEXT,
			error_message TEXT,
			record TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_job_id ON runs(job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)`,
	}
	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// UpsertRun inserts or replaces rec.
func (b *Backend) UpsertRun(ctx context.Context, rec *ledger.RunRecord) error {
	if rec == nil || rec.RunID == "" {
		return &stepwiseerrors.ValidationError{Field: "run_id", Message: "run record has no id"}
	}
	return b.upsert(ctx, b.db, rec)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (b *Backend) upsert(ctx context.Context, db execer, rec *ledger.RunRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal run record: %w", err)
	}

	var errKind, errMsg string
	if rec.Error != nil {
		errKind, errMsg = rec.Error.Kind, rec.Error.Message
	}

	query := `
		INSERT INTO runs (run_id, job_id, status, created_at, started_at, ended_at,
			error_kind, error_message, record, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			job_id = excluded.job_id,
			status = excluded.status,
			created_at = excluded.created_at,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			error_kind = excluded.error_kind,
			error_message = excluded.error_message,
			record = excluded.record,
			updated_at = excluded.updated_at
	`
	_, err = db.ExecContext(ctx, query,
		rec.RunID, rec.JobID, string(rec.Status), rec.CreatedAt.UTC().Format(timeLayout),
		formatTime(rec.StartedAt), formatTime(rec.EndedAt),
		nullString(errKind), nullString(errMsg),
		string(raw), b.now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert run: %w", err)
	}
	return nil
}

// GetRun retrieves a mirrored run by id.
func (b *Backend) GetRun(ctx context.Context, runID string) (*ledger.RunRecord, error) {
	var raw string
	err := b.db.QueryRowContext(ctx, `SELECT record FROM runs WHERE run_id = ?`, runID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &stepwiseerrors.NotFoundError{Resource: "run", ID: runID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return decode(raw)
}

// ListRuns lists mirrored runs newest first.
func (b *Backend) ListRuns(ctx context.Context, f ledger.Filter) ([]*ledger.RunRecord, error) {
	query := `SELECT record FROM runs WHERE 1=1`
	args := []any{}

	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.JobID != "" {
		query += " AND job_id = ?"
		args = append(args, f.JobID)
	}
	query += " ORDER BY created_at DESC, run_id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*ledger.RunRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		rec, err := decode(raw)
		if err != nil {
			return nil, err
		}
		runs = append(runs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

// ReconcileOrphans marks RUNNING runs of jobs without a live holder as
// INTERRUPTED.
func (b *Backend) ReconcileOrphans(ctx context.Context, live mirror.LiveFunc, reason string) ([]string, error) {
	running, err := b.ListRuns(ctx, ledger.Filter{Status: ledger.StatusRunning})
	if err != nil {
		return nil, err
	}

	var orphans []*ledger.RunRecord
	for _, rec := range running {
		if live != nil && live(rec.JobID) {
			continue
		}
		orphans = append(orphans, rec)
	}
	if len(orphans) == 0 {
		return nil, nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := b.now().UTC()
	ids := make([]string, 0, len(orphans))
	for _, rec := range orphans {
		rec.Status = ledger.StatusInterrupted
		ended := now
		rec.EndedAt = &ended
		rec.Error = &ledger.RunError{Kind: ledger.ErrorKindOrphaned, Message: reason}
		if err := b.upsert(ctx, tx, rec); err != nil {
			return nil, err
		}
		ids = append(ids, rec.RunID)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reconciliation: %w", err)
	}
	return ids, nil
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

func decode(raw string) (*ledger.RunRecord, error) {
	var rec ledger.RunRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run record: %w", err)
	}
	return &rec, nil
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
