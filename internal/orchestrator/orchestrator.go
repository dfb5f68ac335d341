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

// Package orchestrator runs a job's steps in order, resuming from the
// checkpoint and re-verifying every step it skips.
//
// A run moves IDLE -> RUNNING(i) -> RUNNING(i+1) ... and ends COMPLETED,
// FAILED (a step exited non-zero or could not start) or CANCELLED (the
// context was cancelled). Steps are never retried automatically, and a step
// is only marked complete after it exits zero, so a resume re-enters at the
// step that failed or was interrupted.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/tombee/stepwise/internal/checkpoint"
	"github.com/tombee/stepwise/internal/jobdef"
	"github.com/tombee/stepwise/internal/ledger"
	"github.com/tombee/stepwise/internal/log"
	"github.com/tombee/stepwise/internal/metrics"
	"github.com/tombee/stepwise/internal/tracing"
	stepwiseerrors "github.com/tombee/stepwise/pkg/errors"
)

// Checkpoint metadata keys written by the orchestrator.
const (
	MetaPipelineDigest = "pipeline_digest"
	MetaLastRunID      = "last_run_id"
)

// DefaultStopTimeout is the grace period between SIGTERM and SIGKILL.
const DefaultStopTimeout = 10 * time.Second

// Config contains orchestrator configuration.
type Config struct {
	Store *checkpoint.Store

	// Root is the working root; relative workdirs and artifacts resolve against it.
	Root string

	// StopTimeout bounds how long a stopped step may take to exit after SIGTERM.
	StopTimeout time.Duration

	// Env is the base environment for steps. Defaults to os.Environ().
	Env []string

	// OnSpawn is called after each step process starts.
	OnSpawn func(pid int, logPath string)

	Logger  *slog.Logger
	Metrics *metrics.Collector
	Tracer  trace.Tracer
}

// Orchestrator executes jobs.
type Orchestrator struct {
	store       *checkpoint.Store
	root        string
	stopTimeout time.Duration
	env         []string
	onSpawn     func(pid int, logPath string)
	logger      *slog.Logger
	metrics     *metrics.Collector
	tracer      trace.Tracer
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errors.New("orchestrator requires a checkpoint store")
	}
	if cfg.Root == "" {
		return nil, errors.New("orchestrator requires a working root")
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.Env == nil {
		cfg.Env = os.Environ()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer(tracing.InstrumentationName)
	}
	return &Orchestrator{
		store:       cfg.Store,
		root:        cfg.Root,
		stopTimeout: cfg.StopTimeout,
		env:         cfg.Env,
		onSpawn:     cfg.OnSpawn,
		logger:      log.WithComponent(log.OrDiscard(cfg.Logger), "orchestrator"),
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
	}, nil
}

// Request describes one run.
type Request struct {
	Job  *jobdef.Job
	Mode Mode

	// StartStep is used with ModeStep.
	StartStep int

	RunID string

	// RunDir receives step logs (step-<n>.log).
	RunDir string

	// OnSpawn overrides Config.OnSpawn for this run.
	OnSpawn func(pid int, logPath string)
}

// Result is the outcome of a run.
type Result struct {
	RunID  string        `json:"run_id"`
	JobID  string        `json:"job_id"`
	Status ledger.Status `json:"status"`

	RequestedStep int   `json:"requested_step"`
	StartStep     int   `json:"start_step"`
	GapAt         *int  `json:"gap_at,omitempty"`
	Skipped       []int `json:"skipped"`

	// CompletedSteps lists the steps executed successfully by this run.
	CompletedSteps []int `json:"completed_steps"`

	FailedStep *int `json:"failed_step,omitempty"`
	ExitCode   *int `json:"exit_code,omitempty"`

	// Artifacts lists every artifact recorded by this run, in step order.
	Artifacts []string `json:"artifacts"`

	// StepLogs lists the log file of every step started by this run.
	StepLogs []string `json:"step_logs"`

	Duration time.Duration `json:"duration"`
}

// Plan resolves where a run with mode/step would start without running it.
func (o *Orchestrator) Plan(job *jobdef.Job, mode Mode, step int) (Plan, error) {
	if err := validateSteps(job); err != nil {
		return Plan{}, err
	}
	cp, err := o.store.Job(job.ID)
	if err != nil {
		return Plan{}, err
	}
	if mode == ModeFresh {
		return Plan{Mode: mode, Total: len(job.Steps), Skipped: []int{}}, nil
	}
	return resolve(cp, mode, step, len(job.Steps))
}

// validateSteps rejects jobs that were built without going through jobdef's
// loader and cannot be executed.
func validateSteps(job *jobdef.Job) error {
	if job == nil || len(job.Steps) == 0 {
		return &stepwiseerrors.ValidationError{Field: "job", Message: "job has no steps"}
	}
	for i, step := range job.Steps {
		if len(step.Command) == 0 || step.Command[0] == "" {
			return &stepwiseerrors.ValidationError{
				Field:   fmt.Sprintf("steps[%d].command", i),
				Message: fmt.Sprintf("step %d (%s) has no command", i, step.Name),
			}
		}
	}
	return nil
}

// Run executes req. The returned Result is non-nil whenever the run got as
// far as resolving its start step. A failed step yields a *errors.StepError;
// cancellation yields an error wrapping the context's error.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	if err := validateSteps(req.Job); err != nil {
		return nil, err
	}
	if req.RunDir == "" {
		return nil, &stepwiseerrors.ValidationError{Field: "run_dir", Message: "run directory is required"}
	}
	job := req.Job
	logger := log.WithRunContext(o.logger, job.ID, req.RunID)

	cp, err := o.store.Job(job.ID)
	if err != nil {
		return nil, err
	}

	ctx, span := o.tracer.Start(ctx, "stepwise.run", trace.WithAttributes(
		tracing.AttrJobID.String(job.ID),
		tracing.AttrRunID.String(req.RunID),
		tracing.AttrMode.String(string(req.Mode)),
	))

	started := time.Now()
	result, err := o.run(ctx, req, cp, logger)
	if result != nil {
		result.Duration = time.Since(started)
	}
	tracing.End(span, err)
	return result, err
}

func (o *Orchestrator) run(ctx context.Context, req Request, cp *checkpoint.Checkpoint, logger *slog.Logger) (*Result, error) {
	job := req.Job

	if req.Mode == ModeFresh {
		if err := cp.Clear(); err != nil {
			return nil, err
		}
	}
	plan, err := resolve(cp, req.Mode, req.StartStep, len(job.Steps))
	if err != nil {
		return nil, &stepwiseerrors.ValidationError{Field: "start_step", Message: err.Error()}
	}
	if plan.GapAt != nil {
		logger.Warn("verification gap, lowering start step",
			slog.Int("requested_step", plan.Requested),
			slog.Int(log.StepKey, plan.Start))
	}

	result := &Result{
		RunID:          req.RunID,
		JobID:          job.ID,
		Status:         ledger.StatusRunning,
		RequestedStep:  plan.Requested,
		StartStep:      plan.Start,
		GapAt:          plan.GapAt,
		Skipped:        plan.Skipped,
		CompletedSteps: []int{},
		Artifacts:      []string{},
		StepLogs:       []string{},
	}
	for range plan.Skipped {
		o.metrics.StepObserved(job.ID, metrics.StepSkipped, 0)
	}

	o.recordPipeline(cp, job, req, logger)

	logger.Info("run starting",
		slog.String("mode", string(req.Mode)),
		slog.Int(log.StepKey, plan.Start),
		slog.Int("total_steps", plan.Total))

	onSpawn := req.OnSpawn
	if onSpawn == nil {
		onSpawn = o.onSpawn
	}
	workdir := job.ResolveWorkdir(o.root)

	for i := plan.Start; i < len(job.Steps); i++ {
		if err := ctx.Err(); err != nil {
			result.Status = ledger.StatusCancelled
			logger.Info("run cancelled before step", slog.Int(log.StepKey, i))
			return result, fmt.Errorf("run cancelled before step %d: %w", i, err)
		}

		outcome := o.runStep(ctx, req, i, workdir, onSpawn, cp, result)
		switch outcome.status {
		case stepCompleted:
			result.CompletedSteps = append(result.CompletedSteps, i)
		case stepCancelled:
			result.Status = ledger.StatusCancelled
			return result, outcome.err
		case stepFailed:
			result.Status = ledger.StatusFailed
			failed := i
			result.FailedStep = &failed
			if outcome.exitCode >= 0 {
				code := outcome.exitCode
				result.ExitCode = &code
			}
			return result, outcome.err
		}
	}

	result.Status = ledger.StatusCompleted
	logger.Info("run completed", slog.Int("steps_run", len(result.CompletedSteps)))
	return result, nil
}

// recordPipeline stores the job digest and run id on the checkpoint. A digest
// change between runs is worth a warning: completed steps were produced by a
// different definition.
func (o *Orchestrator) recordPipeline(cp *checkpoint.Checkpoint, job *jobdef.Job, req Request, logger *slog.Logger) {
	digest, err := job.Digest()
	if err != nil {
		logger.Warn("could not compute pipeline digest", log.Error(err))
		return
	}
	doc := cp.Load()
	if prev, ok := doc.Metadata[MetaPipelineDigest].(string); ok && prev != digest && len(doc.CompletedSteps) > 0 {
		logger.Warn("job definition changed since the checkpoint was written",
			slog.String("previous_digest", prev),
			slog.String("digest", digest))
	}
	if err := cp.SetMetadata(MetaPipelineDigest, digest); err != nil {
		logger.Warn("could not record pipeline digest", log.Error(err))
	}
	if req.RunID != "" {
		if err := cp.SetMetadata(MetaLastRunID, req.RunID); err != nil {
			logger.Warn("could not record run id on checkpoint", log.Error(err))
		}
	}
}
