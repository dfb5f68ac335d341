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

package recovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/stepwise/internal/ledger"
	"github.com/tombee/stepwise/internal/lifecycle"
	"github.com/tombee/stepwise/internal/mirror/sqlite"
)

// fakeInspector treats every PID in alive as a running stepwise process for
// any job.
type fakeInspector struct {
	alive map[int]bool
}

func (f fakeInspector) Alive(pid int) bool { return f.alive[pid] }

func (f fakeInspector) Args(pid int) ([]string, error) {
	if !f.alive[pid] {
		return nil, os.ErrNotExist
	}
	return nil, fmt.Errorf("cmdline unavailable")
}

const (
	livePID = 4242
	deadPID = 4343
)

type fixture struct {
	root   string
	ledger *ledger.Ledger
	locker *lifecycle.Locker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	l, err := ledger.New(ledger.Config{
		RunsDir:   filepath.Join(root, "runs"),
		IndexPath: filepath.Join(root, "cache", "run_index.json"),
	})
	require.NoError(t, err)
	locker, err := lifecycle.NewLocker(lifecycle.LockerConfig{
		Dir:       filepath.Join(root, "locks"),
		Inspector: fakeInspector{alive: map[int]bool{livePID: true}},
	})
	require.NoError(t, err)
	return &fixture{root: root, ledger: l, locker: locker}
}

func (f *fixture) startRun(t *testing.T, jobID string) string {
	t.Helper()
	rec, err := f.ledger.RecordRunStart(context.Background(), ledger.StartParams{JobID: jobID})
	require.NoError(t, err)
	return rec.RunID
}

func (f *fixture) writeLock(t *testing.T, jobID string, pid int, owner string) {
	t.Helper()
	content := fmt.Sprintf("%d\n%s\n\n%s\n", pid, time.Now().UTC().Format(time.RFC3339), owner)
	require.NoError(t, os.WriteFile(f.locker.LockPath(jobID), []byte(content), 0o600))
}

func (f *fixture) recoverer(t *testing.T, cfg Config) *Recoverer {
	t.Helper()
	cfg.Ledger = f.ledger
	cfg.Locker = f.locker
	r, err := New(cfg)
	require.NoError(t, err)
	return r
}

func (f *fixture) status(t *testing.T, runID string) ledger.Status {
	t.Helper()
	rec, err := f.ledger.GetRun(context.Background(), runID)
	require.NoError(t, err)
	return rec.Status
}

func TestNew_RequiresLedgerAndLocker(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestRun_DeadHolderIsReconciled(t *testing.T) {
	f := newFixture(t)
	runID := f.startRun(t, "A")
	f.writeLock(t, "A", deadPID, runID)

	summary, err := f.recoverer(t, Config{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Checked)
	assert.Equal(t, []string{runID}, summary.Reconciled)
	assert.Equal(t, []string{"A"}, summary.LocksRemoved)
	assert.Empty(t, summary.Errors)

	rec, err := f.ledger.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusInterrupted, rec.Status)
	require.NotNil(t, rec.Error)
	assert.Equal(t, ledger.ErrorKindOrphaned, rec.Error.Kind)
	assert.NoFileExists(t, f.locker.LockPath("A"))
}

func TestRun_MissingLockIsReconciled(t *testing.T) {
	f := newFixture(t)
	runID := f.startRun(t, "A")

	summary, err := f.recoverer(t, Config{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{runID}, summary.Reconciled)
	assert.Empty(t, summary.LocksRemoved)
	assert.Equal(t, ledger.StatusInterrupted, f.status(t, runID))
}

func TestRun_LiveHolderIsSkipped(t *testing.T) {
	f := newFixture(t)
	runID := f.startRun(t, "A")
	f.writeLock(t, "A", livePID, runID)

	summary, err := f.recoverer(t, Config{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{runID}, summary.Skipped)
	assert.Empty(t, summary.Reconciled)
	assert.Equal(t, ledger.StatusRunning, f.status(t, runID))
	assert.FileExists(t, f.locker.LockPath("A"))
}

func TestRun_LockHeldForNewerRun(t *testing.T) {
	f := newFixture(t)
	old := f.startRun(t, "A")
	current := f.startRun(t, "A")
	f.writeLock(t, "A", livePID, current)

	summary, err := f.recoverer(t, Config{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{old}, summary.Reconciled)
	assert.Equal(t, []string{current}, summary.Skipped)
	assert.Equal(t, ledger.StatusRunning, f.status(t, current))
	assert.FileExists(t, f.locker.LockPath("A"))
}

func TestRun_TerminalRunsAreIgnored(t *testing.T) {
	f := newFixture(t)
	runID := f.startRun(t, "A")
	_, err := f.ledger.RecordRunEnd(context.Background(), runID, ledger.EndParams{Status: ledger.StatusCompleted})
	require.NoError(t, err)

	summary, err := f.recoverer(t, Config{}).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Checked)
	assert.Equal(t, ledger.StatusCompleted, f.status(t, runID))
}

func TestRun_SweepsStaleLocksWithoutRuns(t *testing.T) {
	f := newFixture(t)
	f.writeLock(t, "B", deadPID, "")
	f.writeLock(t, "C", livePID, "")

	summary, err := f.recoverer(t, Config{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, summary.LocksRemoved)
	assert.NoFileExists(t, f.locker.LockPath("B"))
	assert.FileExists(t, f.locker.LockPath("C"))
}

func TestRun_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.startRun(t, "A")
	r := f.recoverer(t, Config{})

	_, err := r.Run(context.Background())
	require.NoError(t, err)

	summary, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Checked)
	assert.Empty(t, summary.Reconciled)
}

func TestRun_ReconcilesMirrorIndependently(t *testing.T) {
	f := newFixture(t)
	m, err := sqlite.New(sqlite.Config{Path: filepath.Join(f.root, "mirror.db")})
	require.NoError(t, err)
	defer m.Close()

	ctx := context.Background()
	now := time.Now()

	// Only the mirror knows about this run; the ledger record was lost.
	require.NoError(t, m.UpsertRun(ctx, &ledger.RunRecord{
		RunID: "mirror-only", JobID: "A", CreatedAt: now, StartedAt: &now, Status: ledger.StatusRunning,
	}))
	require.NoError(t, m.UpsertRun(ctx, &ledger.RunRecord{
		RunID: "held", JobID: "B", CreatedAt: now, StartedAt: &now, Status: ledger.StatusRunning,
	}))
	f.writeLock(t, "B", livePID, "held")

	summary, err := f.recoverer(t, Config{Mirror: m}).Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Checked)
	assert.Equal(t, 1, summary.MirrorReconciled)

	rec, err := m.GetRun(ctx, "mirror-only")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusInterrupted, rec.Status)

	rec, err = m.GetRun(ctx, "held")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRunning, rec.Status)
}
