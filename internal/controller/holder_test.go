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

package controller

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/stepwise/internal/config"
	"github.com/tombee/stepwise/internal/ledger"
	"github.com/tombee/stepwise/internal/lifecycle"
	"github.com/tombee/stepwise/internal/orchestrator"
	stepwiseerrors "github.com/tombee/stepwise/pkg/errors"
)

// holdRootEnv makes TestHelperHoldJob act as a long-lived service that runs
// job "jobsvc" from the given state root through an embedded controller.
const holdRootEnv = "STEPWISE_TEST_HOLD_ROOT"

func TestHelperHoldJob(t *testing.T) {
	root := os.Getenv(holdRootEnv)
	if root == "" {
		t.Skip("runs only as a subprocess")
	}
	cfg := config.Default()
	cfg.Root = root
	cfg.StopTimeout = 500 * time.Millisecond
	c, err := New(cfg, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	job, err := c.LoadJob("jobsvc")
	if err != nil {
		t.Fatal(err)
	}
	// A failed step is an outcome, not a crash of the host.
	if _, err := c.Start(context.Background(), job, StartOptions{Mode: orchestrator.ModeFresh}); err != nil {
		t.Logf("run ended: %v", err)
	}
}

type host struct {
	cmd  *exec.Cmd
	done chan error
}

// startHost launches a separate process whose command line does not name the
// job and waits until it is running the job's first step.
func startHost(t *testing.T, c *Controller) (*host, *lifecycle.LockInfo) {
	t.Helper()
	cmd := exec.Command(os.Args[0], "-test.run=^TestHelperHoldJob$")
	cmd.Env = append(os.Environ(), holdRootEnv+"="+c.Layout().Root)
	require.NoError(t, cmd.Start())

	h := &host{cmd: cmd, done: make(chan error, 1)}
	go func() { h.done <- cmd.Wait() }()
	t.Cleanup(func() { _ = cmd.Process.Kill() })

	var info *lifecycle.LockInfo
	require.Eventually(t, func() bool {
		var err error
		info, err = c.Locker().Inspect("jobsvc")
		return err == nil && info.Valid && info.ChildPID > 0
	}, 15*time.Second, 50*time.Millisecond, "host never started its step")
	require.Equal(t, cmd.Process.Pid, info.HolderPID)
	return h, info
}

// wait expects the host to exit normally; it is never signalled.
func (h *host) wait(t *testing.T) {
	t.Helper()
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("host did not exit")
	}
}

func TestStart_ConflictsWithControllerInAnotherProcess(t *testing.T) {
	c := newController(t, testConfig(t), Options{})
	writeJob(t, c, "jobsvc", `
steps:
  - name: slow
    command: ["sleep", "3"]
`)
	h, info := startHost(t, c)
	assert.True(t, info.Live(), "stale reason %q", info.StaleReason)
	assert.False(t, info.Dedicated)

	job, err := c.LoadJob("jobsvc")
	require.NoError(t, err)
	_, err = c.Start(context.Background(), job, StartOptions{Mode: orchestrator.ModeResume})
	var conflict *stepwiseerrors.ConflictError
	require.True(t, errors.As(err, &conflict), "want conflict, got %v", err)
	assert.Equal(t, h.cmd.Process.Pid, conflict.HolderPID)

	// Recovery leaves the host's run alone.
	_, err = c.Recover(context.Background())
	require.NoError(t, err)
	rec, err := c.Run(context.Background(), info.Owner)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRunning, rec.Status)

	h.wait(t)
	rec, err = c.Run(context.Background(), info.Owner)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, rec.Status)
}

func TestStop_SharedHostStopsOnlyTheStep(t *testing.T) {
	c := newController(t, testConfig(t), Options{})
	writeJob(t, c, "jobsvc", `
steps:
  - name: forever
    command: ["sleep", "30"]
`)
	h, info := startHost(t, c)

	lock, err := c.Stop(context.Background(), "jobsvc", 5*time.Second, false)
	require.NoError(t, err)
	assert.False(t, lock.Dedicated)
	assert.Equal(t, info.ChildPID, lock.ChildPID)

	h.wait(t)
	rec, err := c.Run(context.Background(), info.Owner)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, rec.Status)

	after, err := c.Locker().Inspect("jobsvc")
	require.NoError(t, err)
	assert.False(t, after.Exists, "the host releases its lock")
}

func TestHandOff_StopsRunnerWhenTransferFails(t *testing.T) {
	c := newController(t, testConfig(t), Options{})

	handle, res, err := c.Locker().Claim(context.Background(), "A", "r1")
	require.NoError(t, err)
	require.True(t, res.Acquired)
	pid, err := lifecycle.SpawnRunner(lifecycle.RunnerSpec{
		Binary:  "sleep",
		Args:    []string{"60"},
		LogPath: filepath.Join(t.TempDir(), "runner.log"),
	})
	require.NoError(t, err)

	// A handle that no longer owns the lock cannot hand it on.
	require.NoError(t, handle.Release())
	err = c.handOff(handle, pid, "")
	require.ErrorIs(t, err, lifecycle.ErrReleased)

	var ws syscall.WaitStatus
	require.Eventually(t, func() bool {
		got, err := syscall.Wait4(pid, &ws, syscall.WNOHANG, nil)
		return err == nil && got == pid
	}, 5*time.Second, 20*time.Millisecond, "runner was not stopped")
	assert.True(t, ws.Signaled())
	assert.Equal(t, syscall.SIGKILL, ws.Signal())

	info, err := c.Locker().Inspect("A")
	require.NoError(t, err)
	assert.False(t, info.Exists)
}
