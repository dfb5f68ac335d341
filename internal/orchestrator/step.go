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

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/stepwise/internal/checkpoint"
	"github.com/tombee/stepwise/internal/lifecycle"
	"github.com/tombee/stepwise/internal/log"
	"github.com/tombee/stepwise/internal/metrics"
	"github.com/tombee/stepwise/internal/tracing"
	stepwiseerrors "github.com/tombee/stepwise/pkg/errors"
)

// Environment variables exported to every step.
const (
	EnvJobID  = "STEPWISE_JOB_ID"
	EnvRunID  = "STEPWISE_RUN_ID"
	EnvStep   = "STEPWISE_STEP"
	EnvRunDir = "STEPWISE_RUN_DIR"
	EnvRoot   = "STEPWISE_ROOT"
)

type stepStatus int

const (
	stepCompleted stepStatus = iota
	stepFailed
	stepCancelled
)

type stepOutcome struct {
	status   stepStatus
	exitCode int
	err      error
}

// StepLogPath returns the log file for step ordinal inside runDir.
func StepLogPath(runDir string, ordinal int) string {
	return filepath.Join(runDir, fmt.Sprintf("step-%d.log", ordinal))
}

func (o *Orchestrator) runStep(ctx context.Context, req Request, ordinal int, workdir string,
	onSpawn func(int, string), cp *checkpoint.Checkpoint, result *Result) stepOutcome {
	job := req.Job
	step := job.Steps[ordinal]
	logger := log.WithStepContext(log.WithRunContext(o.logger, job.ID, req.RunID), ordinal, step.Name)

	ctx, span := o.tracer.Start(ctx, "stepwise.step", trace.WithAttributes(
		tracing.AttrJobID.String(job.ID),
		tracing.AttrStep.Int(ordinal),
		tracing.AttrStepName.String(step.Name),
	))

	outcome := o.execStep(ctx, req, ordinal, workdir, onSpawn, cp, result, logger)
	if outcome.exitCode >= 0 {
		span.SetAttributes(tracing.AttrExitCode.Int(outcome.exitCode))
	}
	tracing.End(span, outcome.err)
	return outcome
}

func (o *Orchestrator) execStep(ctx context.Context, req Request, ordinal int, workdir string,
	onSpawn func(int, string), cp *checkpoint.Checkpoint, result *Result, logger *slog.Logger) stepOutcome {
	job := req.Job
	step := job.Steps[ordinal]

	fail := func(code int, cause error) stepOutcome {
		o.metrics.StepObserved(job.ID, metrics.StepFailed, 0)
		return stepOutcome{
			status:   stepFailed,
			exitCode: code,
			err: &stepwiseerrors.StepError{
				JobID:    job.ID,
				Ordinal:  ordinal,
				Name:     step.Name,
				ExitCode: code,
				Cause:    cause,
			},
		}
	}

	if err := os.MkdirAll(req.RunDir, 0o755); err != nil {
		return fail(-1, fmt.Errorf("create run directory: %w", err))
	}
	logPath := StepLogPath(req.RunDir, ordinal)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fail(-1, fmt.Errorf("open step log: %w", err))
	}
	defer logFile.Close()
	result.StepLogs = append(result.StepLogs, logPath)

	cmd := exec.Command(step.Command[0], step.Command[1:]...)
	cmd.Dir = workdir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = o.stepEnv(req, ordinal, step.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		logger.Error("step failed to start", log.Error(err))
		return fail(-1, fmt.Errorf("start %q: %w", step.Command[0], err))
	}
	pid := cmd.Process.Pid
	logger.Info("step started", slog.Int(log.PIDKey, pid), slog.String("log", logPath))
	if onSpawn != nil {
		onSpawn(pid, logPath)
	}

	waitErr, cancelled := o.wait(ctx, cmd, logger)
	elapsed := time.Since(started)

	if cancelled {
		o.metrics.StepObserved(job.ID, metrics.StepCancelled, elapsed.Seconds())
		logger.Warn("step stopped", log.Duration(elapsed.Milliseconds()))
		cause := ctx.Err()
		if cause == nil {
			cause = context.Canceled
		}
		return stepOutcome{
			status:   stepCancelled,
			exitCode: -1,
			err:      fmt.Errorf("run cancelled during step %d (%s): %w", ordinal, step.Name, cause),
		}
	}

	if waitErr != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		}
		logger.Error("step failed",
			slog.Int("exit_code", code),
			log.Duration(elapsed.Milliseconds()))
		var cause error
		if code < 0 {
			cause = waitErr
		}
		return fail(code, cause)
	}

	artifacts := o.expandArtifacts(step.Artifacts, workdir, logger)
	if err := cp.MarkStepComplete(ordinal, step.Name, artifacts, elapsed); err != nil {
		// The step ran but its completion could not be recorded; a resume
		// will run it again.
		logger.Error("could not checkpoint completed step", log.Error(err))
		o.metrics.StepObserved(job.ID, metrics.StepFailed, elapsed.Seconds())
		return stepOutcome{status: stepFailed, exitCode: 0, err: err}
	}
	result.Artifacts = append(result.Artifacts, artifacts...)
	o.metrics.StepObserved(job.ID, metrics.StepCompleted, elapsed.Seconds())
	logger.Info("step completed",
		log.Duration(elapsed.Milliseconds()),
		slog.Int("artifacts", len(artifacts)))
	return stepOutcome{status: stepCompleted, exitCode: 0}
}

// wait blocks until cmd exits. If ctx ends first the step's process group
// receives SIGTERM and, after the stop timeout, SIGKILL.
func (o *Orchestrator) wait(ctx context.Context, cmd *exec.Cmd, logger *slog.Logger) (error, bool) {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err, false
	case <-ctx.Done():
	}

	pid := cmd.Process.Pid
	logger.Info("stopping step", slog.Int(log.PIDKey, pid))
	if err := lifecycle.SignalGroup(pid, syscall.SIGTERM); err != nil && !errors.Is(err, lifecycle.ErrProcessNotRunning) {
		logger.Warn("could not signal step", log.Error(err))
	}

	timer := time.NewTimer(o.stopTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err, true
	case <-timer.C:
	}

	logger.Warn("step ignored SIGTERM, killing", slog.Int(log.PIDKey, pid))
	if err := lifecycle.SignalGroup(pid, syscall.SIGKILL); err != nil && !errors.Is(err, lifecycle.ErrProcessNotRunning) {
		logger.Warn("could not kill step", log.Error(err))
	}
	return <-done, true
}

func (o *Orchestrator) stepEnv(req Request, ordinal int, stepEnv map[string]string) []string {
	env := make([]string, 0, len(o.env)+len(req.Job.Env)+len(stepEnv)+5)
	env = append(env, o.env...)
	for k, v := range req.Job.Env {
		env = append(env, k+"="+v)
	}
	for k, v := range stepEnv {
		env = append(env, k+"="+v)
	}
	// Later entries win.
	return append(env,
		EnvJobID+"="+req.Job.ID,
		EnvRunID+"="+req.RunID,
		EnvStep+"="+strconv.Itoa(ordinal),
		EnvRunDir+"="+req.RunDir,
		EnvRoot+"="+o.root,
	)
}

// expandArtifacts resolves declared artifact patterns against workdir.
// A literal path is recorded whether or not it exists so that verification
// catches a step that forgot to produce it. A glob that matches nothing
// records nothing.
func (o *Orchestrator) expandArtifacts(patterns []string, workdir string, logger *slog.Logger) []string {
	out := make([]string, 0, len(patterns))
	seen := make(map[string]bool)
	add := func(p string) {
		p = o.relativeToRoot(p)
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	for _, pattern := range patterns {
		abs := pattern
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(workdir, pattern)
		}
		if !isGlob(pattern) {
			add(abs)
			continue
		}
		matches, err := doublestar.FilepathGlob(abs)
		if err != nil {
			logger.Warn("invalid artifact pattern", slog.String("pattern", pattern), log.Error(err))
			continue
		}
		if len(matches) == 0 {
			logger.Warn("artifact pattern matched nothing", slog.String("pattern", pattern))
			continue
		}
		for _, m := range matches {
			add(m)
		}
	}
	return out
}

func (o *Orchestrator) relativeToRoot(p string) string {
	rel, err := filepath.Rel(o.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.Clean(p)
	}
	return rel
}

func isGlob(p string) bool {
	return strings.ContainsAny(p, "*?[{")
}
