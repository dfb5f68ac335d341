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

// Package recovery reconciles run state left behind by controllers that
// exited without finishing their runs.
//
// A run is orphaned when the ledger says RUNNING but its job's start lock has
// no live, plausible holder (or is held for a different run). Orphans are
// marked INTERRUPTED so they become resumable, and their stale locks are
// removed. The optional mirror is reconciled on its own against the same
// lock state.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tombee/stepwise/internal/ledger"
	"github.com/tombee/stepwise/internal/lifecycle"
	"github.com/tombee/stepwise/internal/log"
	"github.com/tombee/stepwise/internal/metrics"
	"github.com/tombee/stepwise/internal/mirror"
)

// OrphanReason is recorded on runs marked INTERRUPTED by recovery.
const OrphanReason = "controller exited while the run was in progress"

// Config configures a Recoverer.
type Config struct {
	Ledger *ledger.Ledger
	Locker *lifecycle.Locker

	// Mirror is optional.
	Mirror mirror.Reconciler

	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// Recoverer runs startup recovery.
type Recoverer struct {
	ledger  *ledger.Ledger
	locker  *lifecycle.Locker
	mirror  mirror.Reconciler
	logger  *slog.Logger
	metrics *metrics.Collector
}

// Summary reports what a recovery pass did.
type Summary struct {
	// Checked is the number of RUNNING runs examined.
	Checked int `json:"checked"`

	// Reconciled lists runs marked INTERRUPTED in the ledger.
	Reconciled []string `json:"reconciled"`

	// Skipped lists RUNNING runs that still have a live holder.
	Skipped []string `json:"skipped"`

	// LocksRemoved lists jobs whose stale lock file was removed.
	LocksRemoved []string `json:"locks_removed"`

	// MirrorReconciled is the number of runs marked INTERRUPTED in the mirror.
	MirrorReconciled int `json:"mirror_reconciled"`

	Errors []string `json:"errors,omitempty"`
}

// New creates a Recoverer.
func New(cfg Config) (*Recoverer, error) {
	if cfg.Ledger == nil || cfg.Locker == nil {
		return nil, errors.New("recovery requires a ledger and a locker")
	}
	return &Recoverer{
		ledger:  cfg.Ledger,
		locker:  cfg.Locker,
		mirror:  cfg.Mirror,
		logger:  log.WithComponent(log.OrDiscard(cfg.Logger), "recovery"),
		metrics: cfg.Metrics,
	}, nil
}

// Run performs one recovery pass. Per-run failures are collected in the
// summary; the returned error is non-nil only if the ledger could not be
// listed at all.
func (r *Recoverer) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{Reconciled: []string{}, Skipped: []string{}, LocksRemoved: []string{}}

	running, err := r.ledger.ListRuns(ctx, ledger.Filter{Status: ledger.StatusRunning})
	if err != nil {
		return nil, fmt.Errorf("list running runs: %w", err)
	}
	summary.Checked = len(running)

	removed := map[string]bool{}
	for _, rec := range running {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		logger := log.WithRunContext(r.logger, rec.JobID, rec.RunID)

		info, err := r.locker.Inspect(rec.JobID)
		if err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: inspect lock: %v", rec.RunID, err))
			continue
		}
		if holds(info, rec.RunID) {
			summary.Skipped = append(summary.Skipped, rec.RunID)
			logger.Debug("run still has a live holder", slog.Int(log.PIDKey, info.HolderPID))
			continue
		}

		marked, err := r.ledger.MarkInterrupted(ctx, rec.RunID, OrphanReason)
		if err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: mark interrupted: %v", rec.RunID, err))
			continue
		}
		if marked {
			summary.Reconciled = append(summary.Reconciled, rec.RunID)
			logger.Warn("orphaned run marked interrupted", slog.String("lock_state", describe(info)))
		}

		if info.Stale() && !removed[rec.JobID] {
			ok, err := r.locker.RemoveStale(rec.JobID)
			if err != nil {
				summary.Errors = append(summary.Errors, fmt.Sprintf("%s: remove stale lock: %v", rec.JobID, err))
				continue
			}
			if ok {
				removed[rec.JobID] = true
				summary.LocksRemoved = append(summary.LocksRemoved, rec.JobID)
			}
		}
	}

	r.sweepLocks(summary, removed)
	r.reconcileMirror(ctx, summary)

	r.metrics.Reconciled("ledger", len(summary.Reconciled))
	r.metrics.Reconciled("mirror", summary.MirrorReconciled)
	r.logger.Info("recovery complete",
		slog.Int("checked", summary.Checked),
		slog.Int("reconciled", len(summary.Reconciled)),
		slog.Int("skipped", len(summary.Skipped)),
		slog.Int("locks_removed", len(summary.LocksRemoved)),
		slog.Int("mirror_reconciled", summary.MirrorReconciled),
		slog.Int("errors", len(summary.Errors)))
	return summary, nil
}

// sweepLocks removes stale locks for jobs with no RUNNING record.
func (r *Recoverer) sweepLocks(summary *Summary, removed map[string]bool) {
	infos, err := r.locker.List()
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("list locks: %v", err))
		return
	}
	for _, info := range infos {
		if !info.Stale() || removed[info.JobID] {
			continue
		}
		ok, err := r.locker.RemoveStale(info.JobID)
		if err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: remove stale lock: %v", info.JobID, err))
			continue
		}
		if ok {
			removed[info.JobID] = true
			summary.LocksRemoved = append(summary.LocksRemoved, info.JobID)
		}
	}
}

func (r *Recoverer) reconcileMirror(ctx context.Context, summary *Summary) {
	if r.mirror == nil {
		return
	}
	live := func(jobID string) bool {
		info, err := r.locker.Inspect(jobID)
		// An unreadable lock is treated as held so the mirror is left alone.
		return err != nil || info.Live()
	}
	ids, err := r.mirror.ReconcileOrphans(ctx, live, OrphanReason)
	if err != nil {
		summary.Errors = append(summary.Errors, fmt.Sprintf("mirror: %v", err))
		r.logger.Warn("mirror reconciliation failed", log.Error(err))
		return
	}
	summary.MirrorReconciled = len(ids)
}

// holds reports whether info shows a live holder for runID. A live lock that
// names a different run belongs to a newer execution, so runID is orphaned.
func holds(info *lifecycle.LockInfo, runID string) bool {
	if !info.Live() {
		return false
	}
	return info.Owner == "" || info.Owner == runID
}

func describe(info *lifecycle.LockInfo) string {
	switch {
	case !info.Exists:
		return "no lock"
	case info.Stale():
		return info.StaleReason
	default:
		return fmt.Sprintf("held by run %s", info.Owner)
	}
}
