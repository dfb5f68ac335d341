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

// Package ledger records the history and outcome of every run.
//
// Each run has its own record at <runs>/<run_id>/metadata.json. A shared
// index document denormalizes the fields needed for listing; it is rebuilt
// from the per-run records whenever it is missing or unreadable, so a crash
// between the record write and the index write self-heals.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tombee/stepwise/internal/fsutil"
	"github.com/tombee/stepwise/internal/log"
	"github.com/tombee/stepwise/internal/metrics"
	stepwiseerrors "github.com/tombee/stepwise/pkg/errors"
)

const recordFile = "metadata.json"

// Config contains ledger configuration.
type Config struct {
	// RunsDir holds one directory per run.
	RunsDir string

	// IndexPath is the shared index document.
	IndexPath string

	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// Ledger reads and writes run records.
type Ledger struct {
	runsDir   string
	indexPath string
	logger    *slog.Logger
	metrics   *metrics.Collector

	// indexMu serializes in-process index read-modify-write cycles.
	indexMu sync.Mutex

	now func() time.Time
}

// New creates a ledger.
func New(cfg Config) (*Ledger, error) {
	if cfg.RunsDir == "" || cfg.IndexPath == "" {
		return nil, fmt.Errorf("ledger requires runs directory and index path")
	}
	if err := os.MkdirAll(cfg.RunsDir, 0o700); err != nil {
		return nil, stepwiseerrors.Persistence("create runs directory", cfg.RunsDir, err)
	}
	return &Ledger{
		runsDir:   cfg.RunsDir,
		indexPath: cfg.IndexPath,
		logger:    log.WithComponent(log.OrDiscard(cfg.Logger), "ledger"),
		metrics:   cfg.Metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// RunDir returns the directory for runID.
func (l *Ledger) RunDir(runID string) string {
	return filepath.Join(l.runsDir, runID)
}

func (l *Ledger) recordPath(runID string) string {
	return filepath.Join(l.runsDir, runID, recordFile)
}

// StartParams describes a run entering RUNNING.
type StartParams struct {
	// RunID is generated when empty.
	RunID    string
	JobID    string
	Pipeline map[string]any
	Paths    map[string]string
}

// RecordRunStart creates a RUNNING record, persists it and updates the index.
func (l *Ledger) RecordRunStart(ctx context.Context, p StartParams) (*RunRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.RunID == "" {
		p.RunID = NewRunID(l.now())
	}
	if err := validateID(p.RunID); err != nil {
		return nil, err
	}
	if err := fsutil.ValidateName("job id", p.JobID); err != nil {
		return nil, &stepwiseerrors.ValidationError{Field: "job_id", Message: err.Error()}
	}

	now := l.now()
	rec := &RunRecord{
		RunID:     p.RunID,
		JobID:     p.JobID,
		CreatedAt: now,
		StartedAt: &now,
		Status:    StatusRunning,
		Pipeline:  p.Pipeline,
		Paths:     maps.Clone(p.Paths),
	}
	rec.normalize()
	if _, ok := rec.Paths["run_dir"]; !ok {
		rec.Paths["run_dir"] = l.RunDir(rec.RunID)
	}

	if err := l.persist(rec); err != nil {
		return nil, err
	}
	l.logger.Info("run started", slog.String(log.RunIDKey, rec.RunID), slog.String(log.JobIDKey, rec.JobID))
	return rec, nil
}

// EndParams describes a run reaching a terminal status.
type EndParams struct {
	Status    Status
	Artifacts map[string][]string
	Metrics   map[string]float64
	Error     *RunError
	Paths     map[string]string

	// JobID is only used when the start record is missing and a minimal
	// record has to be synthesized.
	JobID string
}

// RecordRunEnd finishes a run. A missing or unreadable start record is
// replaced by a synthesized one so the outcome is never lost.
func (l *Ledger) RecordRunEnd(ctx context.Context, runID string, p EndParams) (*RunRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateID(runID); err != nil {
		return nil, err
	}
	if !p.Status.Terminal() {
		return nil, &stepwiseerrors.ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("run end requires a terminal status, got %q", p.Status),
		}
	}

	rec, err := l.readRecord(runID)
	if err != nil {
		l.logger.Warn("start record unavailable, synthesizing",
			slog.String(log.RunIDKey, runID), log.Error(err))
		rec = &RunRecord{
			RunID:     runID,
			JobID:     p.JobID,
			CreatedAt: l.now(),
		}
	}
	rec.normalize()

	now := l.now()
	rec.Status = p.Status
	rec.EndedAt = &now
	rec.mergeArtifacts(p.Artifacts)
	maps.Copy(rec.Metrics, p.Metrics)
	maps.Copy(rec.Paths, p.Paths)
	if p.Error != nil {
		rec.Error = p.Error
	}

	if err := l.persist(rec); err != nil {
		return nil, err
	}
	l.logger.Info("run ended",
		slog.String(log.RunIDKey, rec.RunID),
		slog.String(log.JobIDKey, rec.JobID),
		slog.String("status", rec.Status.String()))
	return rec, nil
}

// MarkInterrupted moves a RUNNING run to INTERRUPTED with an "orphaned" error.
// It reports false without writing when the run is no longer RUNNING.
func (l *Ledger) MarkInterrupted(ctx context.Context, runID, reason string) (bool, error) {
	rec, err := l.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if rec.Status != StatusRunning {
		return false, nil
	}
	_, err = l.RecordRunEnd(ctx, runID, EndParams{
		Status: StatusInterrupted,
		Error:  &RunError{Kind: ErrorKindOrphaned, Message: reason},
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetRun reads a single run record. It always reads the record itself, never
// the index.
func (l *Ledger) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateID(runID); err != nil {
		return nil, err
	}
	rec, err := l.readRecord(runID)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &stepwiseerrors.NotFoundError{Resource: "run", ID: runID}
		}
		return nil, fmt.Errorf("read run %s: %w", runID, err)
	}
	return rec, nil
}

func (l *Ledger) readRecord(runID string) (*RunRecord, error) {
	// #nosec G304 -- run id is validated as a single path segment.
	data, err := os.ReadFile(l.recordPath(runID))
	if err != nil {
		return nil, err
	}
	var rec RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode run record: %w", err)
	}
	rec.normalize()
	return &rec, nil
}

// persist writes the record and then the index entry. A failed record write
// is fatal; a failed index write is logged because the index self-heals.
func (l *Ledger) persist(rec *RunRecord) error {
	path := l.recordPath(rec.RunID)
	if err := fsutil.WriteJSON(path, rec); err != nil {
		l.metrics.RecordPersistenceError("write run record", err)
		return stepwiseerrors.Persistence("write run record", path, err)
	}
	if err := l.updateIndex(rec); err != nil {
		l.metrics.RecordPersistenceError("write run index", err)
		l.logger.Warn("run index update failed", slog.String(log.RunIDKey, rec.RunID), log.Error(err))
	}
	return nil
}

func validateID(runID string) error {
	if err := fsutil.ValidateName("run id", runID); err != nil {
		return &stepwiseerrors.ValidationError{Field: "run_id", Message: err.Error()}
	}
	return nil
}
