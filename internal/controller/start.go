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
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/tombee/stepwise/internal/jobdef"
	"github.com/tombee/stepwise/internal/ledger"
	"github.com/tombee/stepwise/internal/lifecycle"
	"github.com/tombee/stepwise/internal/log"
	"github.com/tombee/stepwise/internal/orchestrator"
	stepwiseerrors "github.com/tombee/stepwise/pkg/errors"
)

// RunnerLogName is the log file of a detached runner inside its run directory.
const RunnerLogName = "runner.log"

// StartOptions selects where a run begins.
type StartOptions struct {
	Mode orchestrator.Mode

	// Step is the explicit start ordinal for orchestrator.ModeStep.
	Step int
}

// ExecOptions describes a run whose lock was claimed by another process.
type ExecOptions struct {
	StartOptions

	RunID string

	// ParentPID is the controller that claimed the lock and spawned us.
	ParentPID int
}

// Detached describes a run handed to a background runner.
type Detached struct {
	RunID   string `json:"run_id"`
	JobID   string `json:"job_id"`
	PID     int    `json:"pid"`
	LogPath string `json:"log_path"`
}

// Start runs job in the calling process. It returns a *errors.ConflictError
// without side effects when another live process holds the job's lock. The
// lock's owner is the new run id, which lets recovery tell this run apart
// from older RUNNING records of the same job.
func (c *Controller) Start(ctx context.Context, job *jobdef.Job, opts StartOptions) (*orchestrator.Result, error) {
	if err := c.checkStart(job, opts); err != nil {
		return nil, err
	}
	c.recoverOnce(ctx)

	runID := ledger.NewRunID(time.Now())
	handle, err := c.claim(ctx, job.ID, runID)
	if err != nil {
		return nil, err
	}
	defer c.release(handle)

	return c.execute(ctx, job, runID, opts, handle)
}

// Detach claims job's lock, spawns a background runner to execute it and
// hands the lock to that runner. The lock stays held when Detach returns.
func (c *Controller) Detach(ctx context.Context, job *jobdef.Job, opts StartOptions) (*Detached, error) {
	if err := c.checkStart(job, opts); err != nil {
		return nil, err
	}
	c.recoverOnce(ctx)

	binary := c.opts.Executable
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate stepwise binary: %w", err)
		}
		binary = exe
	}

	runID := ledger.NewRunID(time.Now())
	handle, err := c.claim(ctx, job.ID, runID)
	if err != nil {
		return nil, err
	}

	args := []string{"exec", job.ID,
		"--run-id", runID,
		"--mode", string(opts.Mode),
		"--step", strconv.Itoa(opts.Step),
		"--parent-pid", strconv.Itoa(os.Getpid()),
		"--root", c.layout.Root,
	}
	args = append(args, c.opts.ExecArgs...)

	logPath := filepath.Join(c.ledger.RunDir(runID), RunnerLogName)
	pid, err := lifecycle.SpawnRunner(lifecycle.RunnerSpec{
		Binary:  binary,
		Args:    args,
		Env:     c.opts.Env,
		Dir:     c.layout.Root,
		LogPath: logPath,
	})
	if err != nil {
		c.release(handle)
		return nil, fmt.Errorf("failed to spawn runner: %w", err)
	}
	if err := c.handOff(handle, pid, logPath); err != nil {
		return nil, err
	}

	c.logger.Info("run detached",
		slog.String(log.JobIDKey, job.ID),
		slog.String(log.RunIDKey, runID),
		slog.Int(log.PIDKey, pid))
	return &Detached{RunID: runID, JobID: job.ID, PID: pid, LogPath: logPath}, nil
}

// checkStart resolves the start step before anything is claimed or recorded.
func (c *Controller) checkStart(job *jobdef.Job, opts StartOptions) error {
	_, err := c.orch.Plan(job, opts.Mode, opts.Step)
	if err == nil {
		return nil
	}
	var invalid *stepwiseerrors.ValidationError
	if errors.As(err, &invalid) {
		return err
	}
	return &stepwiseerrors.ValidationError{Field: "start_step", Message: err.Error()}
}

// handOff names the runner pid as the lock holder. If the lock cannot be
// rewritten the runner is killed and the lock released.
func (c *Controller) handOff(handle *lifecycle.LockHandle, pid int, logPath string) error {
	err := handle.Transfer(pid, logPath)
	if err == nil {
		return nil
	}
	c.logger.Error("failed to hand lock to runner, stopping it",
		slog.String(log.JobIDKey, handle.JobID),
		slog.Int(log.PIDKey, pid),
		log.Error(err))
	if killErr := lifecycle.SignalGroup(pid, syscall.SIGKILL); killErr != nil && !errors.Is(killErr, lifecycle.ErrProcessNotRunning) {
		c.logger.Warn("failed to stop runner", slog.Int(log.PIDKey, pid), log.Error(killErr))
	}
	c.release(handle)
	return fmt.Errorf("failed to hand lock for job %s to runner %d: %w", handle.JobID, pid, err)
}

// Execute runs job under a lock claimed by opts.ParentPID on our behalf.
func (c *Controller) Execute(ctx context.Context, job *jobdef.Job, opts ExecOptions) (*orchestrator.Result, error) {
	if opts.RunID == "" {
		return nil, &stepwiseerrors.ValidationError{Field: "run_id", Message: "run id is required"}
	}
	logPath := filepath.Join(c.ledger.RunDir(opts.RunID), RunnerLogName)
	handle, err := c.locker.Adopt(job.ID, opts.ParentPID, logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to adopt lock for job %s: %w", job.ID, err)
	}
	defer c.release(handle)

	return c.execute(ctx, job, opts.RunID, opts.StartOptions, handle)
}

func (c *Controller) claim(ctx context.Context, jobID, owner string) (*lifecycle.LockHandle, error) {
	handle, res, err := c.locker.Claim(ctx, jobID, owner)
	if err != nil {
		return nil, err
	}
	if !res.Acquired {
		return nil, &stepwiseerrors.ConflictError{JobID: jobID, HolderPID: res.HolderPID, Reason: res.Reason}
	}
	return handle, nil
}

func (c *Controller) release(handle *lifecycle.LockHandle) {
	if err := handle.Release(); err != nil {
		c.logger.Warn("failed to release lock",
			slog.String(log.JobIDKey, handle.JobID),
			slog.String(log.LockPathKey, handle.Path()),
			log.Error(err))
	}
}

// execute runs job while holding handle and records the run in the ledger.
func (c *Controller) execute(ctx context.Context, job *jobdef.Job, runID string, opts StartOptions, handle *lifecycle.LockHandle) (*orchestrator.Result, error) {
	logger := log.WithRunContext(c.logger, job.ID, runID)

	cp, err := c.store.Job(job.ID)
	if err != nil {
		return nil, err
	}
	pipeline := job.Descriptor()
	if c.opts.Version != "" {
		pipeline["stepwise_version"] = c.opts.Version
	}
	pipeline["mode"] = string(opts.Mode)

	rec, err := c.ledger.RecordRunStart(ctx, ledger.StartParams{
		RunID:    runID,
		JobID:    job.ID,
		Pipeline: pipeline,
		Paths: map[string]string{
			"checkpoint": cp.Path(),
			"lock":       handle.Path(),
		},
	})
	if err != nil {
		return nil, err
	}
	c.mirrorRun(ctx, rec)
	c.metrics.RunStarted(job.ID)

	result, runErr := c.orch.Run(ctx, orchestrator.Request{
		Job:       job,
		Mode:      opts.Mode,
		StartStep: opts.Step,
		RunID:     runID,
		RunDir:    c.ledger.RunDir(runID),
		OnSpawn: func(pid int, logPath string) {
			if err := handle.SetStep(pid, logPath); err != nil {
				logger.Warn("failed to record step on lock", log.Error(err))
			}
		},
	})

	// The run context may be cancelled; the end record must still be written.
	endCtx := context.WithoutCancel(ctx)
	end := endParams(job.ID, result, runErr)
	rec, endErr := c.ledger.RecordRunEnd(endCtx, runID, end)
	if endErr != nil {
		logger.Error("failed to record run end", log.Error(endErr))
	} else {
		c.mirrorRun(endCtx, rec)
	}
	c.metrics.RunFinished(job.ID, string(end.Status))
	c.flushMetrics()

	if runErr != nil {
		if endErr != nil {
			return result, errors.Join(runErr, endErr)
		}
		return result, runErr
	}
	return result, endErr
}

// endParams maps an orchestrator outcome to the ledger's end record.
func endParams(jobID string, result *orchestrator.Result, runErr error) ledger.EndParams {
	end := ledger.EndParams{JobID: jobID}
	if result == nil {
		end.Status = ledger.StatusFailed
		end.Error = &ledger.RunError{Kind: ledger.ErrorKindInternal, Message: errorMessage(runErr)}
		return end
	}

	end.Status = result.Status
	end.Artifacts = map[string][]string{
		"steps": result.Artifacts,
		"logs":  result.StepLogs,
	}
	end.Metrics = map[string]float64{
		"steps_run":        float64(len(result.CompletedSteps)),
		"steps_skipped":    float64(len(result.Skipped)),
		"start_step":       float64(result.StartStep),
		"duration_seconds": result.Duration.Seconds(),
	}

	switch result.Status {
	case ledger.StatusFailed:
		end.Error = &ledger.RunError{
			Kind:        ledger.ErrorKindStep,
			Message:     errorMessage(runErr),
			StepOrdinal: result.FailedStep,
			ExitCode:    result.ExitCode,
		}
		if _, ok := stepwiseerrors.AsStepError(runErr); !ok {
			end.Error.Kind = ledger.ErrorKindInternal
		}
	case ledger.StatusCancelled:
		end.Error = &ledger.RunError{Kind: ledger.ErrorKindCancelled, Message: errorMessage(runErr)}
	case ledger.StatusCompleted:
	default:
		// A run that stopped without a terminal status cannot stay RUNNING.
		end.Status = ledger.StatusFailed
		end.Error = &ledger.RunError{Kind: ledger.ErrorKindInternal, Message: errorMessage(runErr)}
	}
	return end
}

func errorMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
