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

// Package controller composes the checkpoint store, run ledger, start lock,
// orchestrator and recovery into the operations every front end needs.
//
// A controller is any process that starts jobs: the CLI, a detached runner,
// or a long-lived service embedding this package. All of them go through the
// same sequence so that the lock, the ledger and the checkpoint never
// disagree about a run:
//
//	claim lock -> record run start -> execute steps -> record run end -> release lock
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tombee/stepwise/internal/checkpoint"
	"github.com/tombee/stepwise/internal/config"
	"github.com/tombee/stepwise/internal/jobdef"
	"github.com/tombee/stepwise/internal/ledger"
	"github.com/tombee/stepwise/internal/lifecycle"
	"github.com/tombee/stepwise/internal/log"
	"github.com/tombee/stepwise/internal/metrics"
	"github.com/tombee/stepwise/internal/mirror"
	"github.com/tombee/stepwise/internal/mirror/sqlite"
	"github.com/tombee/stepwise/internal/orchestrator"
	"github.com/tombee/stepwise/internal/recovery"
	"github.com/tombee/stepwise/internal/retry"
	"github.com/tombee/stepwise/internal/tracing"
)

// Options contains optional controller dependencies.
type Options struct {
	// Version is reported in traces and pipeline descriptors.
	Version string

	// Logger defaults to a discard logger.
	Logger *slog.Logger

	// Inspector overrides process inspection for lock liveness checks.
	Inspector lifecycle.ProcessInspector

	// Env is the base environment for steps and detached runners.
	Env []string

	// Executable is the binary spawned for detached runs. Defaults to os.Executable().
	Executable string

	// ExecArgs are extra arguments passed to detached runners (e.g. --config).
	ExecArgs []string
}

// Controller owns one working root.
type Controller struct {
	cfg     *config.Config
	layout  config.Layout
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Collector
	traces  *tracing.Provider

	store     *checkpoint.Store
	ledger    *ledger.Ledger
	locker    *lifecycle.Locker
	events    *lifecycle.LifecycleLogger
	orch      *orchestrator.Orchestrator
	recoverer *recovery.Recoverer
	mirror    mirror.Store

	recovered bool
}

// New builds a controller for cfg.Root. It does not run recovery; callers
// that start jobs call Recover (Start does so itself when RecoverOnStart is
// set).
func New(cfg *config.Config, opts Options) (*Controller, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	layout := cfg.Layout()
	if err := os.MkdirAll(layout.Root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create working root: %w", err)
	}

	logger := log.WithComponent(log.OrDiscard(opts.Logger), "controller")
	if opts.Env == nil {
		opts.Env = os.Environ()
	}
	c := &Controller{
		cfg:     cfg,
		layout:  layout,
		opts:    opts,
		logger:  logger,
		metrics: metrics.New(),
	}

	traces, err := tracing.NewProvider(tracing.Config{
		ServiceName:    "stepwise",
		ServiceVersion: opts.Version,
		File:           cfg.TraceFile(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	c.traces = traces

	c.store, err = checkpoint.NewStore(checkpoint.StoreConfig{
		Dir:    layout.CheckpointsDir(),
		Root:   layout.Root,
		Logger: opts.Logger,
	})
	if err != nil {
		return nil, errors.Join(err, c.Close())
	}

	c.ledger, err = ledger.New(ledger.Config{
		RunsDir:   layout.RunsDir(),
		IndexPath: layout.IndexPath(),
		Logger:    opts.Logger,
		Metrics:   c.metrics,
	})
	if err != nil {
		return nil, errors.Join(err, c.Close())
	}

	c.events = lifecycle.NewLifecycleLogger(layout.LifecycleLogPath())
	c.locker, err = lifecycle.NewLocker(lifecycle.LockerConfig{
		Dir: layout.LocksDir(),
		Retry: retry.Policy{
			MaxAttempts:     cfg.Lock.RetryAttempts,
			InitialInterval: cfg.Lock.RetryInitial,
			MaxInterval:     cfg.Lock.RetryMax,
		},
		Inspector: opts.Inspector,
		Events:    c.events,
		Logger:    opts.Logger,
		Metrics:   c.metrics,
	})
	if err != nil {
		return nil, errors.Join(err, c.Close())
	}

	c.orch, err = orchestrator.New(orchestrator.Config{
		Store:       c.store,
		Root:        layout.Root,
		StopTimeout: cfg.StopTimeout,
		Env:         opts.Env,
		Logger:      opts.Logger,
		Metrics:     c.metrics,
		Tracer:      traces.Tracer(),
	})
	if err != nil {
		return nil, errors.Join(err, c.Close())
	}

	if path := cfg.MirrorPath(); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Join(fmt.Errorf("failed to create mirror directory: %w", err), c.Close())
		}
		m, err := sqlite.New(sqlite.Config{Path: path, WAL: true})
		if err != nil {
			return nil, errors.Join(fmt.Errorf("failed to open mirror: %w", err), c.Close())
		}
		c.mirror = m
	}

	recCfg := recovery.Config{
		Ledger:  c.ledger,
		Locker:  c.locker,
		Logger:  opts.Logger,
		Metrics: c.metrics,
	}
	if c.mirror != nil {
		recCfg.Mirror = c.mirror
	}
	c.recoverer, err = recovery.New(recCfg)
	if err != nil {
		return nil, errors.Join(err, c.Close())
	}

	return c, nil
}

// Close releases the mirror database and flushes spans and metrics.
func (c *Controller) Close() error {
	var errs []error
	if c.mirror != nil {
		if err := c.mirror.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close mirror: %w", err))
		}
	}
	if err := c.traces.Shutdown(context.Background()); err != nil {
		errs = append(errs, fmt.Errorf("flush traces: %w", err))
	}
	c.flushMetrics()
	return errors.Join(errs...)
}

// Config returns the controller's configuration.
func (c *Controller) Config() *config.Config { return c.cfg }

// Layout returns the persisted-file layout.
func (c *Controller) Layout() config.Layout { return c.layout }

// Metrics returns the controller's metrics collector.
func (c *Controller) Metrics() *metrics.Collector { return c.metrics }

// Locker returns the start lock manager.
func (c *Controller) Locker() *lifecycle.Locker { return c.locker }

// Events returns the lock lifecycle log.
func (c *Controller) Events() *lifecycle.LifecycleLogger { return c.events }

// LoadJob reads a job definition from the jobs directory.
func (c *Controller) LoadJob(jobID string) (*jobdef.Job, error) {
	return jobdef.LoadByID(c.layout.JobsDir(), jobID)
}

// Recover runs startup recovery.
func (c *Controller) Recover(ctx context.Context) (*recovery.Summary, error) {
	summary, err := c.recoverer.Run(ctx)
	if err == nil {
		c.recovered = true
	}
	return summary, err
}

// recoverOnce runs recovery before the first claim of this controller's
// lifetime when configured to.
func (c *Controller) recoverOnce(ctx context.Context) {
	if !c.cfg.RecoverOnStart || c.recovered {
		return
	}
	if _, err := c.Recover(ctx); err != nil {
		c.logger.Warn("startup recovery failed", log.Error(err))
	}
}

func (c *Controller) flushMetrics() {
	path := c.cfg.Metrics.Textfile
	if path == "" {
		return
	}
	if err := c.metrics.WriteTextfile(path); err != nil {
		c.logger.Warn("failed to write metrics textfile", slog.String("path", path), log.Error(err))
	}
}

func (c *Controller) mirrorRun(ctx context.Context, rec *ledger.RunRecord) {
	if c.mirror == nil || rec == nil {
		return
	}
	if err := c.mirror.UpsertRun(ctx, rec); err != nil {
		c.metrics.RecordPersistenceError("mirror_upsert", err)
		c.logger.Warn("failed to mirror run", slog.String(log.RunIDKey, rec.RunID), log.Error(err))
	}
}
