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

package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tombee/stepwise/internal/fsutil"
	"github.com/tombee/stepwise/internal/log"
	stepwiseerrors "github.com/tombee/stepwise/pkg/errors"
)

// rebuildConcurrency bounds concurrent record reads during a rebuild.
const rebuildConcurrency = 8

// Index maps run ids to their denormalized entries.
type Index map[string]IndexEntry

// Filter narrows ListRuns. Zero values mean "no filter"; Limit <= 0 means
// no limit.
type Filter struct {
	Limit  int
	Status Status
	JobID  string
}

func (f Filter) matches(status Status, jobID string) bool {
	if f.Status != "" && status != f.Status {
		return false
	}
	if f.JobID != "" && jobID != f.JobID {
		return false
	}
	return true
}

// ListRuns returns runs newest first. Listing reads the index (rebuilding it
// when missing, unreadable or missing run directories) and then hydrates up
// to Limit full records. Entries whose record vanished are skipped.
//
// Records are authoritative. An entry still marked RUNNING may belong to a
// run whose end was recorded without the index being updated, so it is
// hydrated for any status filter; entries that disagree with their record
// are rewritten.
func (l *Ledger) ListRuns(ctx context.Context, f Filter) ([]*RunRecord, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, &stepwiseerrors.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", f.Status)}
	}

	idx, err := l.indexForListing(ctx)
	if err != nil {
		return nil, err
	}

	type candidate struct {
		runID string
		entry IndexEntry
	}
	candidates := make([]candidate, 0, len(idx))
	for runID, entry := range idx {
		lagging := entry.Status == StatusRunning && (f.JobID == "" || entry.JobID == f.JobID)
		if lagging || f.matches(entry.Status, entry.JobID) {
			candidates = append(candidates, candidate{runID, entry})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := candidates[i].entry.CreatedAt, candidates[j].entry.CreatedAt
		if ci.Equal(cj) {
			return candidates[i].runID > candidates[j].runID
		}
		return ci.After(cj)
	})

	var (
		runs    []*RunRecord
		repairs = map[string][2]IndexEntry{}
	)
	for _, c := range candidates {
		if f.Limit > 0 && len(runs) >= f.Limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := l.readRecord(c.runID)
		if err != nil {
			l.logger.Debug("skipping index entry without readable record",
				slog.String(log.RunIDKey, c.runID), log.Error(err))
			continue
		}
		if rec.Status != c.entry.Status || rec.JobID != c.entry.JobID {
			repairs[c.runID] = [2]IndexEntry{c.entry, l.entryFor(rec)}
		}
		if !f.matches(rec.Status, rec.JobID) {
			continue
		}
		runs = append(runs, rec)
	}
	if len(repairs) > 0 {
		l.repairIndex(repairs)
	}
	return runs, nil
}

// repairIndex replaces index entries with entries built from their records.
// Each repair is {seen, fixed}; an entry that changed since it was seen has
// been updated by someone else and is left alone.
func (l *Ledger) repairIndex(repairs map[string][2]IndexEntry) {
	l.indexMu.Lock()
	defer l.indexMu.Unlock()

	idx, err := l.loadIndex()
	if err != nil {
		// The next listing rebuilds from the records.
		return
	}
	repaired := 0
	for runID, r := range repairs {
		if current, ok := idx[runID]; ok && sameEntry(current, r[0]) {
			idx[runID] = r[1]
			repaired++
		}
	}
	if repaired == 0 {
		return
	}
	if err := l.writeIndex(idx); err != nil {
		l.metrics.RecordPersistenceError("write run index", err)
		l.logger.Warn("failed to persist repaired index", log.Error(err))
		return
	}
	l.logger.Info("run index entries repaired", slog.Int("runs", repaired))
}

// indexForListing loads the index, rebuilding it when it is missing,
// unreadable, or does not cover every run directory on disk.
func (l *Ledger) indexForListing(ctx context.Context) (Index, error) {
	l.indexMu.Lock()
	defer l.indexMu.Unlock()

	idx, err := l.loadIndex()
	if err == nil {
		missing, scanErr := l.hasUnindexedRuns(idx)
		if scanErr != nil {
			return nil, scanErr
		}
		if !missing {
			return idx, nil
		}
		l.logger.Info("run index incomplete, rebuilding")
	} else if !os.IsNotExist(err) {
		l.logger.Warn("run index unreadable, rebuilding", log.Error(err))
	}

	return l.rebuildLocked(ctx)
}

func (l *Ledger) hasUnindexedRuns(idx Index) (bool, error) {
	entries, err := os.ReadDir(l.runsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read runs directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, ok := idx[entry.Name()]; ok {
			continue
		}
		if _, err := os.Stat(filepath.Join(l.runsDir, entry.Name(), recordFile)); err == nil {
			return true, nil
		}
	}
	return false, nil
}

// RebuildIndex rescans every run record and rewrites the index.
func (l *Ledger) RebuildIndex(ctx context.Context) error {
	l.indexMu.Lock()
	defer l.indexMu.Unlock()
	_, err := l.rebuildLocked(ctx)
	return err
}

func (l *Ledger) rebuildLocked(ctx context.Context) (Index, error) {
	entries, err := os.ReadDir(l.runsDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read runs directory: %w", err)
	}

	var (
		mu  sync.Mutex
		idx = Index{}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rebuildConcurrency)

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		runID := entry.Name()
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rec, err := l.readRecord(runID)
			if err != nil {
				if !os.IsNotExist(err) {
					l.logger.Warn("skipping unreadable run record during rebuild",
						slog.String(log.RunIDKey, runID), log.Error(err))
				}
				return nil
			}
			mu.Lock()
			idx[rec.RunID] = l.entryFor(rec)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := l.writeIndex(idx); err != nil {
		l.metrics.RecordPersistenceError("write run index", err)
		l.logger.Warn("failed to persist rebuilt index", log.Error(err))
	}
	l.logger.Debug("run index rebuilt", slog.Int("runs", len(idx)))
	return idx, nil
}

func (l *Ledger) updateIndex(rec *RunRecord) error {
	l.indexMu.Lock()
	defer l.indexMu.Unlock()

	idx, err := l.loadIndex()
	if err != nil {
		// The record is already on disk, so a rebuild includes it.
		_, err = l.rebuildLocked(context.Background())
		return err
	}
	idx[rec.RunID] = l.entryFor(rec)
	return l.writeIndex(idx)
}

func sameEntry(a, b IndexEntry) bool {
	return a.CreatedAt.Equal(b.CreatedAt) && a.Status == b.Status && a.JobID == b.JobID && a.RunDir == b.RunDir
}

func (l *Ledger) entryFor(rec *RunRecord) IndexEntry {
	runDir := rec.Paths["run_dir"]
	if runDir == "" {
		runDir = l.RunDir(rec.RunID)
	}
	return IndexEntry{
		CreatedAt: rec.CreatedAt,
		Status:    rec.Status,
		JobID:     rec.JobID,
		RunDir:    runDir,
	}
}

func (l *Ledger) loadIndex() (Index, error) {
	// #nosec G304 -- index path comes from the configured layout.
	data, err := os.ReadFile(l.indexPath)
	if err != nil {
		return nil, err
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("decode run index: %w", err)
	}
	if idx == nil {
		idx = Index{}
	}
	return idx, nil
}

func (l *Ledger) writeIndex(idx Index) error {
	return fsutil.WriteJSON(l.indexPath, idx)
}
