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
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	stepwiseerrors "github.com/tombee/stepwise/pkg/errors"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	root := t.TempDir()
	l, err := New(Config{
		RunsDir:   filepath.Join(root, "runs"),
		IndexPath: filepath.Join(root, "cache", "run_index.json"),
	})
	require.NoError(t, err)
	return l
}

// withClock makes the ledger hand out strictly increasing timestamps.
func withClock(l *Ledger) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	l.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
}

func TestRecordRunStartAndEnd(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	rec, err := l.RecordRunStart(ctx, StartParams{
		JobID:    "A",
		Pipeline: map[string]any{"steps": 5},
		Paths:    map[string]string{"workdir": "/tmp/a"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, rec.Status)
	assert.Regexp(t, `^\d{8}T\d{6}-[0-9a-f]{8}$`, rec.RunID)
	assert.Equal(t, l.RunDir(rec.RunID), rec.Paths["run_dir"])

	_, err = l.RecordRunEnd(ctx, rec.RunID, EndParams{
		Status:    StatusFailed,
		Artifacts: map[string][]string{"steps": {"a", "b"}},
		Metrics:   map[string]float64{"steps_run": 3},
		Error:     &RunError{Kind: ErrorKindStep, Message: "exit 1"},
	})
	require.NoError(t, err)

	got, err := l.GetRun(ctx, rec.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.NotNil(t, got.EndedAt)
	assert.Equal(t, []string{"a", "b"}, got.Artifacts["steps"])
	assert.Equal(t, 3.0, got.Metrics["steps_run"])
	assert.Equal(t, "/tmp/a", got.Paths["workdir"])
	require.NotNil(t, got.Error)
	assert.Equal(t, ErrorKindStep, got.Error.Kind)
	assert.Equal(t, 5.0, got.Pipeline["steps"])
}

func TestRecordRunEnd_MergesArtifacts(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	rec, err := l.RecordRunStart(ctx, StartParams{JobID: "A"})
	require.NoError(t, err)

	_, err = l.RecordRunEnd(ctx, rec.RunID, EndParams{
		Status:    StatusFailed,
		Artifacts: map[string][]string{"steps": {"x", "y"}},
		Metrics:   map[string]float64{"a": 1, "b": 2},
	})
	require.NoError(t, err)

	got, err := l.RecordRunEnd(ctx, rec.RunID, EndParams{
		Status:    StatusCompleted,
		Artifacts: map[string][]string{"steps": {"y", "z", "x"}, "logs": {"l"}},
		Metrics:   map[string]float64{"b": 5},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y", "z"}, got.Artifacts["steps"])
	assert.Equal(t, []string{"l"}, got.Artifacts["logs"])
	assert.Equal(t, map[string]float64{"a": 1, "b": 5}, got.Metrics)
}

func TestRecordRunEnd_UnknownRunSynthesizes(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	rec, err := l.RecordRunEnd(ctx, "20250101T000000-deadbeef", EndParams{
		Status: StatusCompleted,
		JobID:  "A",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, "A", rec.JobID)
	assert.NotNil(t, rec.EndedAt)

	got, err := l.GetRun(ctx, "20250101T000000-deadbeef")
	require.NoError(t, err)
	assert.True(t, got.Status.Terminal())
}

func TestRecordRunEnd_RejectsNonTerminal(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.RecordRunEnd(context.Background(), "r1", EndParams{Status: StatusRunning})
	require.Error(t, err)

	var verr *stepwiseerrors.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestGetRun_NotFound(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.GetRun(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, stepwiseerrors.IsNotFound(err))

	_, err = l.GetRun(context.Background(), "../etc")
	require.Error(t, err)
	assert.False(t, stepwiseerrors.IsNotFound(err))
}

func TestMarkInterrupted(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	rec, err := l.RecordRunStart(ctx, StartParams{JobID: "B"})
	require.NoError(t, err)

	changed, err := l.MarkInterrupted(ctx, rec.RunID, "no live lock")
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := l.GetRun(ctx, rec.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusInterrupted, got.Status)
	assert.True(t, got.Status.Resumable())
	require.NotNil(t, got.Error)
	assert.Equal(t, ErrorKindOrphaned, got.Error.Kind)

	changed, err = l.MarkInterrupted(ctx, rec.RunID, "again")
	require.NoError(t, err)
	assert.False(t, changed, "already-terminal run must not be rewritten")
}

func TestListRuns_SortAndFilter(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	withClock(l)

	var ids []string
	for i, job := range []string{"A", "B", "A", "A"} {
		rec, err := l.RecordRunStart(ctx, StartParams{RunID: fmt.Sprintf("run-%d", i), JobID: job})
		require.NoError(t, err)
		ids = append(ids, rec.RunID)
	}
	_, err := l.RecordRunEnd(ctx, ids[0], EndParams{Status: StatusCompleted})
	require.NoError(t, err)

	all, err := l.ListRuns(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "run-3", all[0].RunID, "newest first")
	assert.Equal(t, "run-0", all[3].RunID)

	limited, err := l.ListRuns(ctx, Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	jobA, err := l.ListRuns(ctx, Filter{JobID: "A", Status: StatusRunning})
	require.NoError(t, err)
	require.Len(t, jobA, 2)
	assert.Equal(t, "run-3", jobA[0].RunID)
	assert.Equal(t, "run-2", jobA[1].RunID)

	_, err = l.ListRuns(ctx, Filter{Status: "BOGUS"})
	assert.Error(t, err)
}

func TestListRuns_RebuildsMissingIndex(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	for i := 0; i < 12; i++ {
		_, err := l.RecordRunStart(ctx, StartParams{RunID: fmt.Sprintf("r%02d", i), JobID: "A"})
		require.NoError(t, err)
	}

	before := runIDs(t, l)
	require.NoError(t, os.Remove(l.indexPath))
	after := runIDs(t, l)
	assert.Equal(t, before, after)

	_, err := os.Stat(l.indexPath)
	assert.NoError(t, err, "listing should persist the rebuilt index")
}

func TestListRuns_RebuildsCorruptIndex(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	_, err := l.RecordRunStart(ctx, StartParams{RunID: "r1", JobID: "A"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(l.indexPath, []byte("{not json"), 0o600))

	runs, err := l.ListRuns(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r1", runs[0].RunID)
}

func TestListRuns_HealsLostIndexEntry(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	_, err := l.RecordRunStart(ctx, StartParams{RunID: "r1", JobID: "A"})
	require.NoError(t, err)
	_, err = l.RecordRunStart(ctx, StartParams{RunID: "r2", JobID: "A"})
	require.NoError(t, err)

	// Simulate another controller overwriting the index without r2.
	data, err := json.Marshal(Index{"r1": {Status: StatusRunning, JobID: "A"}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(l.indexPath, data, 0o600))

	assert.Equal(t, []string{"r1", "r2"}, runIDs(t, l))
}

func TestListRuns_RepairsLaggingStatus(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	_, err := l.RecordRunStart(ctx, StartParams{RunID: "r1", JobID: "A"})
	require.NoError(t, err)
	beforeEnd, err := os.ReadFile(l.indexPath)
	require.NoError(t, err)
	_, err = l.RecordRunEnd(ctx, "r1", EndParams{Status: StatusCompleted})
	require.NoError(t, err)

	// Another controller writes back an index read before the run ended.
	require.NoError(t, os.WriteFile(l.indexPath, beforeEnd, 0o600))

	completed, err := l.ListRuns(ctx, Filter{Status: StatusCompleted})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, "r1", completed[0].RunID)

	running, err := l.ListRuns(ctx, Filter{Status: StatusRunning})
	require.NoError(t, err)
	assert.Empty(t, running)

	idx, err := l.loadIndex()
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, idx["r1"].Status, "the index follows the record")
}

func TestListRuns_SkipsVanishedRecords(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	_, err := l.RecordRunStart(ctx, StartParams{RunID: "keep", JobID: "A"})
	require.NoError(t, err)
	_, err = l.RecordRunStart(ctx, StartParams{RunID: "gone", JobID: "A"})
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(l.RunDir("gone")))

	assert.Equal(t, []string{"keep"}, runIDs(t, l))
}

func TestStatus(t *testing.T) {
	var st Status
	require.NoError(t, json.Unmarshal([]byte(`"INTERRUPTED"`), &st))
	assert.Equal(t, StatusInterrupted, st)
	assert.Error(t, json.Unmarshal([]byte(`"PAUSED"`), &st))

	parsed, err := ParseStatus("failed")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, parsed)

	assert.False(t, StatusRunning.Terminal())
	assert.False(t, StatusCompleted.Resumable())
	for _, s := range Statuses {
		assert.True(t, s.Valid())
	}
}

func runIDs(t *testing.T, l *Ledger) []string {
	t.Helper()
	runs, err := l.ListRuns(context.Background(), Filter{})
	require.NoError(t, err)
	ids := make([]string, 0, len(runs))
	for _, r := range runs {
		ids = append(ids, r.RunID)
	}
	sort.Strings(ids)
	return ids
}
