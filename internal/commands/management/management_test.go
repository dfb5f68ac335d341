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

package management

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/stepwise/internal/commands/shared"
	"github.com/tombee/stepwise/internal/controller"
	"github.com/tombee/stepwise/internal/orchestrator"
)

const twoSteps = `
name: nightly
steps:
  - name: fetch
    command: ["/bin/sh", "-c", "echo a > a.txt"]
    artifacts: ["a.txt"]
  - name: build
    command: ["/bin/sh", "-c", "echo b > b.txt"]
    artifacts: ["b.txt"]
`

// setupRoot points the commands at a fresh root containing the nightly job.
func setupRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("STEPWISE_NON_INTERACTIVE", "1")
	shared.SetRootForTest(root)
	t.Cleanup(func() { shared.SetRootForTest("") })

	require.NoError(t, os.MkdirAll(filepath.Join(root, "jobs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "jobs", "nightly.yaml"), []byte(twoSteps), 0o644))
	return root
}

func runJob(t *testing.T) *orchestrator.Result {
	t.Helper()
	c, err := shared.OpenController()
	require.NoError(t, err)
	defer c.Close()

	job, err := c.LoadJob("nightly")
	require.NoError(t, err)
	res, err := c.Start(context.Background(), job, controller.StartOptions{Mode: orchestrator.ModeFresh})
	require.NoError(t, err)
	return res
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	err := cmd.Execute()
	return out.String(), err
}

func writeLock(t *testing.T, root, jobID string, pid int) string {
	t.Helper()
	path := filepath.Join(root, "locks", jobID+".lock")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	content := fmt.Sprintf("%d\n%s\n", pid, time.Now().UTC().Format(time.RFC3339))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// deadPID returns the PID of a process that has already exited.
func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	require.NoError(t, cmd.Run())
	return cmd.Process.Pid
}

func TestRunsList(t *testing.T) {
	setupRoot(t)

	out, err := execute(t, NewRunsCommand(), "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No runs found")

	res := runJob(t)

	out, err = execute(t, NewRunsCommand(), "list", "--job", "nightly", "--status", "completed")
	require.NoError(t, err)
	assert.Contains(t, out, res.RunID)
	assert.Contains(t, out, "COMPLETED")

	out, err = execute(t, NewRunsCommand(), "list", "--status", "failed")
	require.NoError(t, err)
	assert.Contains(t, out, "No runs found")
}

func TestRunsList_InvalidStatus(t *testing.T) {
	setupRoot(t)

	_, err := execute(t, NewRunsCommand(), "list", "--status", "paused")
	require.Error(t, err)
	assert.Equal(t, shared.ExitInvalidInput, shared.ExitCodeFor(err))
}

func TestRunsShow(t *testing.T) {
	setupRoot(t)
	res := runJob(t)

	out, err := execute(t, NewRunsCommand(), "show", res.RunID)
	require.NoError(t, err)
	assert.Contains(t, out, "Job:        nightly")
	assert.Contains(t, out, "steps_run")
	assert.Contains(t, out, "a.txt")

	_, err = execute(t, NewRunsCommand(), "show", "20240101-000000-missing")
	require.Error(t, err)
	assert.Equal(t, shared.ExitNotFound, shared.ExitCodeFor(err))
}

func TestRunsReindex(t *testing.T) {
	root := setupRoot(t)
	res := runJob(t)
	require.NoError(t, os.Remove(filepath.Join(root, "cache", "run_index.json")))

	_, err := execute(t, NewRunsCommand(), "reindex")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(root, "cache", "run_index.json"))

	out, err := execute(t, NewRunsCommand(), "list")
	require.NoError(t, err)
	assert.Contains(t, out, res.RunID)
}

func TestStatus(t *testing.T) {
	setupRoot(t)

	out, err := execute(t, NewStatusCommand(), "nightly")
	require.NoError(t, err)
	assert.Contains(t, out, "No completed steps checkpointed")
	assert.Contains(t, out, "would start at step 0 of 2")

	res := runJob(t)

	out, err = execute(t, NewStatusCommand(), "nightly")
	require.NoError(t, err)
	assert.Contains(t, out, "idle")
	assert.Contains(t, out, "fetch")
	assert.Contains(t, out, "nothing to do (2/2 steps complete)")
	assert.Contains(t, out, res.RunID)
}

func TestStatus_MissingDefinition(t *testing.T) {
	setupRoot(t)

	out, err := execute(t, NewStatusCommand(), "ghost")
	require.NoError(t, err)
	assert.Contains(t, out, "Definition:")
}

func TestCheckpointShowAndClear(t *testing.T) {
	root := setupRoot(t)
	runJob(t)

	out, err := execute(t, NewCheckpointCommand(), "show", "nightly")
	require.NoError(t, err)
	assert.Contains(t, out, "Next step:  2")
	assert.Contains(t, out, "fetch")

	require.NoError(t, os.Remove(filepath.Join(root, "b.txt")))
	out, err = execute(t, NewCheckpointCommand(), "show", "nightly")
	require.NoError(t, err)
	lines := strings.Split(out, "\n")
	var buildLine string
	for _, l := range lines {
		if strings.Contains(l, "build") {
			buildLine = l
		}
	}
	assert.Contains(t, buildLine, " no ")

	_, err = execute(t, NewCheckpointCommand(), "clear", "nightly", "--yes")
	require.NoError(t, err)

	out, err = execute(t, NewCheckpointCommand(), "show", "nightly")
	require.NoError(t, err)
	assert.Contains(t, out, "Next step:  0")
	assert.Contains(t, out, "No completed steps")
}

func TestCheckpointClear_RequiresConfirmation(t *testing.T) {
	setupRoot(t)
	runJob(t)

	_, err := execute(t, NewCheckpointCommand(), "clear", "nightly")
	require.Error(t, err)
	assert.Equal(t, shared.ExitInvalidInput, shared.ExitCodeFor(err))

	t.Setenv("STEPWISE_NON_INTERACTIVE", "")
	t.Setenv("CI", "")
	if !shared.IsNonInteractive() {
		orig := confirmFunc
		t.Cleanup(func() { confirmFunc = orig })
		confirmFunc = func(string) (bool, error) { return false, nil }

		out, err := execute(t, NewCheckpointCommand(), "clear", "nightly")
		require.NoError(t, err)
		assert.Contains(t, out, "Cancelled")
	}
}

func TestCheckpointClear_RefusesWhileRunning(t *testing.T) {
	root := setupRoot(t)
	writeLock(t, root, "nightly", os.Getpid())

	_, err := execute(t, NewCheckpointCommand(), "clear", "nightly", "--yes")
	require.Error(t, err)
	assert.Equal(t, shared.ExitAlreadyRunning, shared.ExitCodeFor(err))
}

func TestLockClaim_HoldsLockForCommand(t *testing.T) {
	root := setupRoot(t)
	lockPath := filepath.Join(root, "locks", "nightly.lock")
	marker := filepath.Join(root, "seen")

	script := fmt.Sprintf("test -f %s && touch %s", lockPath, marker)
	_, err := execute(t, NewLockCommand(), "claim", "nightly", "--", "/bin/sh", "-c", script)
	require.NoError(t, err)

	assert.FileExists(t, marker)
	assert.NoFileExists(t, lockPath)
}

func TestLockClaim_PropagatesExitCode(t *testing.T) {
	root := setupRoot(t)

	_, err := execute(t, NewLockCommand(), "claim", "nightly", "--", "/bin/sh", "-c", "exit 7")
	require.Error(t, err)
	assert.Equal(t, 7, shared.ExitCodeFor(err))
	assert.NoFileExists(t, filepath.Join(root, "locks", "nightly.lock"))
}

func TestLockClaim_Conflict(t *testing.T) {
	root := setupRoot(t)
	writeLock(t, root, "nightly", os.Getpid())
	marker := filepath.Join(root, "ran")

	_, err := execute(t, NewLockCommand(), "claim", "nightly", "--", "/bin/sh", "-c", "touch "+marker)
	require.Error(t, err)
	assert.Equal(t, shared.ExitAlreadyRunning, shared.ExitCodeFor(err))
	assert.NoFileExists(t, marker)
}

func TestLockRelease(t *testing.T) {
	root := setupRoot(t)

	out, err := execute(t, NewLockCommand(), "release", "nightly")
	require.NoError(t, err)
	assert.Contains(t, out, "No lock held")

	path := writeLock(t, root, "nightly", os.Getpid())
	_, err = execute(t, NewLockCommand(), "release", "nightly")
	require.Error(t, err)
	assert.Equal(t, shared.ExitAlreadyRunning, shared.ExitCodeFor(err))
	assert.FileExists(t, path)

	out, err = execute(t, NewLockCommand(), "release", "nightly", "--force")
	require.NoError(t, err)
	assert.Contains(t, out, "lock released")
	assert.NoFileExists(t, path)

	path = writeLock(t, root, "nightly", deadPID(t))
	_, err = execute(t, NewLockCommand(), "release", "nightly")
	require.NoError(t, err)
	assert.NoFileExists(t, path)
}

func TestLockShowAndList(t *testing.T) {
	root := setupRoot(t)

	out, err := execute(t, NewLockCommand(), "show", "nightly")
	require.NoError(t, err)
	assert.Contains(t, out, "No lock held for nightly")

	out, err = execute(t, NewLockCommand(), "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No locks held")

	writeLock(t, root, "nightly", os.Getpid())

	out, err = execute(t, NewLockCommand(), "show", "nightly")
	require.NoError(t, err)
	assert.Contains(t, out, fmt.Sprintf("Holder PID: %d", os.Getpid()))
	assert.Contains(t, out, "live")

	out, err = execute(t, NewLockCommand(), "list")
	require.NoError(t, err)
	assert.Contains(t, out, "nightly")
}

func TestLockWait(t *testing.T) {
	root := setupRoot(t)

	out, err := execute(t, NewLockCommand(), "wait", "nightly")
	require.NoError(t, err)
	assert.Contains(t, out, "nightly is not running")

	path := writeLock(t, root, "nightly", os.Getpid())
	go func() {
		time.Sleep(200 * time.Millisecond)
		_ = os.Remove(path)
	}()
	_, err = execute(t, NewLockCommand(), "wait", "nightly", "--timeout", "10s")
	require.NoError(t, err)
}

func TestLockWait_Timeout(t *testing.T) {
	root := setupRoot(t)
	writeLock(t, root, "nightly", os.Getpid())

	_, err := execute(t, NewLockCommand(), "wait", "nightly", "--timeout", "300ms")
	require.Error(t, err)
	assert.Equal(t, shared.ExitAlreadyRunning, shared.ExitCodeFor(err))
	assert.Contains(t, err.Error(), "still running")
}

func TestLockEvents(t *testing.T) {
	setupRoot(t)
	runJob(t)

	out, err := execute(t, NewLockCommand(), "events", "--job", "nightly")
	require.NoError(t, err)
	assert.Contains(t, out, "claim")
	assert.Contains(t, out, "release")
}

func TestRecover(t *testing.T) {
	setupRoot(t)
	runJob(t)

	out, err := execute(t, NewRecoverCommand())
	require.NoError(t, err)
	assert.Contains(t, out, "Checked 0 running run(s)")
}

func TestRunsLogs(t *testing.T) {
	setupRoot(t)
	require.NoError(t, os.WriteFile(filepath.Join(shared.GetRoot(), "jobs", "noisy.yaml"), []byte(`
steps:
  - name: one
    command: ["/bin/sh", "-c", "echo first-output"]
  - name: two
    command: ["/bin/sh", "-c", "echo second-output"]
`), 0o644))

	c, err := shared.OpenController()
	require.NoError(t, err)
	job, err := c.LoadJob("noisy")
	require.NoError(t, err)
	res, err := c.Start(context.Background(), job, controller.StartOptions{Mode: orchestrator.ModeFresh})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	out, err := execute(t, NewRunsCommand(), "logs", res.RunID)
	require.NoError(t, err)
	assert.Contains(t, out, "step-0.log")
	assert.Less(t, strings.Index(out, "first-output"), strings.Index(out, "second-output"))

	out, err = execute(t, NewRunsCommand(), "logs", res.RunID, "--step", "1")
	require.NoError(t, err)
	assert.Equal(t, "second-output\n", out)

	_, err = execute(t, NewRunsCommand(), "logs", res.RunID, "--step", "5")
	require.Error(t, err)
	assert.Equal(t, shared.ExitNotFound, shared.ExitCodeFor(err))
}

func TestRunsShow_Raw(t *testing.T) {
	setupRoot(t)
	res := runJob(t)

	out, err := execute(t, NewRunsCommand(), "show", res.RunID, "--raw")
	require.NoError(t, err)
	assert.Contains(t, out, `"run_id": "`+res.RunID+`"`)
	assert.Contains(t, out, `"status": "COMPLETED"`)
}

func TestRunsTimeline(t *testing.T) {
	root := setupRoot(t)

	_, err := execute(t, NewRunsCommand(), "timeline", "20250101-000000-none")
	require.Error(t, err)
	assert.Equal(t, shared.ExitInvalidInput, shared.ExitCodeFor(err))

	t.Setenv("STEPWISE_TRACE_FILE", filepath.Join(root, "logs", "traces.jsonl"))
	res := runJob(t)

	out, err := execute(t, NewRunsCommand(), "timeline", res.RunID)
	require.NoError(t, err)
	assert.Contains(t, out, "Run: "+res.RunID)
	assert.Contains(t, out, "0 fetch")
	assert.Contains(t, out, "1 build")

	_, err = execute(t, NewRunsCommand(), "timeline", "20250101-000000-none")
	require.Error(t, err)
	assert.Equal(t, shared.ExitNotFound, shared.ExitCodeFor(err))
}
