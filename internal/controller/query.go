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
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/tombee/stepwise/internal/checkpoint"
	"github.com/tombee/stepwise/internal/ledger"
	"github.com/tombee/stepwise/internal/lifecycle"
	"github.com/tombee/stepwise/internal/log"
	"github.com/tombee/stepwise/internal/orchestrator"
	stepwiseerrors "github.com/tombee/stepwise/pkg/errors"
)

// ErrNotRunning is returned by Stop when the job has no live holder.
var ErrNotRunning = errors.New("job is not running")

// ErrBetweenSteps is returned by Stop when the job is hosted by a process that
// also serves other work and no step is running to be stopped.
var ErrBetweenSteps = errors.New("job is hosted by a shared process with no step running")

// JobStatus is everything known about one job.
type JobStatus struct {
	JobID      string              `json:"job_id"`
	Running    bool                `json:"running"`
	Lock       *lifecycle.LockInfo `json:"lock"`
	Checkpoint checkpoint.Info     `json:"checkpoint"`
	LastRun    *ledger.RunRecord   `json:"last_run,omitempty"`
	TotalSteps int                 `json:"total_steps,omitempty"`
	Resume     *orchestrator.Plan  `json:"resume,omitempty"`

	// DefinitionError is set when the job definition could not be loaded.
	DefinitionError string `json:"definition_error,omitempty"`
}

// Status reports the lock, checkpoint and latest run of jobID.
func (c *Controller) Status(ctx context.Context, jobID string) (*JobStatus, error) {
	cp, err := c.store.Job(jobID)
	if err != nil {
		return nil, err
	}
	lock, err := c.locker.Inspect(jobID)
	if err != nil {
		return nil, err
	}

	st := &JobStatus{
		JobID:      jobID,
		Running:    lock.Live(),
		Lock:       lock,
		Checkpoint: cp.Info(),
	}

	runs, err := c.ledger.ListRuns(ctx, ledger.Filter{JobID: jobID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(runs) > 0 {
		st.LastRun = runs[0]
	}

	job, err := c.LoadJob(jobID)
	if err != nil {
		st.DefinitionError = err.Error()
		return st, nil
	}
	st.TotalSteps = len(job.Steps)
	plan, err := c.orch.Plan(job, orchestrator.ModeResume, 0)
	if err == nil {
		st.Resume = &plan
	}
	return st, nil
}

// Runs lists runs newest first.
func (c *Controller) Runs(ctx context.Context, f ledger.Filter) ([]*ledger.RunRecord, error) {
	return c.ledger.ListRuns(ctx, f)
}

// Run returns one run record.
func (c *Controller) Run(ctx context.Context, runID string) (*ledger.RunRecord, error) {
	return c.ledger.GetRun(ctx, runID)
}

// RebuildIndex regenerates the run index from the run directories.
func (c *Controller) RebuildIndex(ctx context.Context) error {
	return c.ledger.RebuildIndex(ctx)
}

// Checkpoint returns the checkpoint summary of jobID.
func (c *Controller) Checkpoint(jobID string) (checkpoint.Info, error) {
	cp, err := c.store.Job(jobID)
	if err != nil {
		return checkpoint.Info{}, err
	}
	return cp.Info(), nil
}

// ClearCheckpoint forgets jobID's progress. It refuses while the job is
// running.
func (c *Controller) ClearCheckpoint(jobID string) error {
	cp, err := c.store.Job(jobID)
	if err != nil {
		return err
	}
	lock, err := c.locker.Inspect(jobID)
	if err != nil {
		return err
	}
	if lock.Live() {
		return &stepwiseerrors.ConflictError{JobID: jobID, HolderPID: lock.HolderPID, Reason: lifecycle.ReasonAlreadyRunning}
	}
	if err := cp.Clear(); err != nil {
		return err
	}
	c.logger.Info("checkpoint cleared", slog.String(log.JobIDKey, jobID))
	return nil
}

// Stop asks the process holding jobID's lock to stop. A dedicated holder
// (a CLI run or detached runner) is signalled: it cancels its current step
// and records the run as CANCELLED. With force, a holder still alive after
// timeout is killed; its run is then left for recovery.
//
// A holder that does not exist just for this job, such as a service
// embedding a controller, is never signalled. Its running step's process
// group is stopped instead and the holder records the step as failed.
func (c *Controller) Stop(ctx context.Context, jobID string, timeout time.Duration, force bool) (*lifecycle.LockInfo, error) {
	lock, err := c.locker.Inspect(jobID)
	if err != nil {
		return nil, err
	}
	if !lock.Live() || !lock.Valid {
		return lock, fmt.Errorf("%s: %w", jobID, ErrNotRunning)
	}
	if lock.HolderPID == os.Getpid() {
		return lock, fmt.Errorf("%s: lock is held by this process", jobID)
	}
	if timeout <= 0 {
		// Leave the holder time to stop its step and write the end record.
		timeout = 2 * c.cfg.StopTimeout
	}

	logger := log.WithJobContext(c.logger, jobID)
	if !lock.Dedicated {
		return lock, c.stopStep(logger, lock, timeout, force)
	}

	logger.Info("stopping job", slog.Int(log.PIDKey, lock.HolderPID))
	if err := lifecycle.GracefulShutdown(lock.HolderPID, timeout, force); err != nil {
		if errors.Is(err, lifecycle.ErrProcessNotRunning) {
			return lock, fmt.Errorf("%s: %w", jobID, ErrNotRunning)
		}
		return lock, err
	}

	// A killed holder cannot release its own lock.
	if _, err := c.locker.RemoveStale(jobID); err != nil {
		logger.Warn("failed to remove lock after stop", log.Error(err))
	}
	if force {
		if _, err := c.Recover(ctx); err != nil {
			logger.Warn("recovery after stop failed", log.Error(err))
		}
	}
	return lock, nil
}

func (c *Controller) stopStep(logger *slog.Logger, lock *lifecycle.LockInfo, timeout time.Duration, force bool) error {
	if lock.ChildPID <= 0 || !lifecycle.IsProcessRunning(lock.ChildPID) {
		return fmt.Errorf("%s (pid %d): %w", lock.JobID, lock.HolderPID, ErrBetweenSteps)
	}
	logger.Info("stopping current step",
		slog.Int(log.PIDKey, lock.ChildPID),
		slog.Int("holder_pid", lock.HolderPID))
	err := lifecycle.GracefulShutdownGroup(lock.ChildPID, timeout, force)
	if errors.Is(err, lifecycle.ErrProcessNotRunning) {
		return fmt.Errorf("%s (pid %d): %w", lock.JobID, lock.HolderPID, ErrBetweenSteps)
	}
	return err
}
