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

// Package metrics exposes Prometheus collectors for runs, steps, locks and
// recovery. Every stepwise invocation is short-lived, so instead of serving
// /metrics the collectors are flushed to a node_exporter textfile.
package metrics

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "stepwise"

// Lock claim outcomes.
const (
	LockAcquired       = "acquired"
	LockAlreadyRunning = "already_running"
	LockStaleReclaimed = "stale_reclaimed"
)

// Step outcomes.
const (
	StepCompleted = "completed"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
	StepCancelled = "cancelled"
)

// Collector owns a private registry and the stepwise metric families.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	runsStarted        *prometheus.CounterVec
	runsFinished       *prometheus.CounterVec
	stepDuration       *prometheus.HistogramVec
	stepOutcomes       *prometheus.CounterVec
	lockClaims         *prometheus.CounterVec
	recoveryReconciled *prometheus.CounterVec
	persistenceErrors  *prometheus.CounterVec
}

// New creates a Collector registered against a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		runsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of runs started",
			},
			[]string{"job_id"},
		),
		runsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_finished_total",
				Help:      "Total number of runs finished, by terminal status",
			},
			[]string{"job_id", "status"},
		),
		stepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Wall-clock duration of executed steps",
				Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
			},
			[]string{"job_id"},
		),
		stepOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_outcomes_total",
				Help:      "Total number of steps by outcome",
			},
			[]string{"job_id", "outcome"},
		),
		lockClaims: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_claims_total",
				Help:      "Total number of start lock claims by result",
			},
			[]string{"result"},
		),
		recoveryReconciled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recovery_reconciled_total",
				Help:      "Total number of orphaned runs reconciled by startup recovery",
			},
			[]string{"store"},
		),
		persistenceErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "persistence_errors_total",
				Help:      "Total number of persistence errors by operation and type",
			},
			[]string{"operation", "error_type"},
		),
	}
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// RunStarted counts a run entering RUNNING.
func (c *Collector) RunStarted(jobID string) {
	if c == nil {
		return
	}
	c.runsStarted.WithLabelValues(jobID).Inc()
}

// RunFinished counts a run reaching a terminal status.
func (c *Collector) RunFinished(jobID, status string) {
	if c == nil {
		return
	}
	c.runsFinished.WithLabelValues(jobID, status).Inc()
}

// StepObserved records one step outcome. Duration is only observed for steps
// that actually executed.
func (c *Collector) StepObserved(jobID, outcome string, seconds float64) {
	if c == nil {
		return
	}
	c.stepOutcomes.WithLabelValues(jobID, outcome).Inc()
	if outcome != StepSkipped {
		c.stepDuration.WithLabelValues(jobID).Observe(seconds)
	}
}

// LockClaim counts a start lock claim result.
func (c *Collector) LockClaim(result string) {
	if c == nil {
		return
	}
	c.lockClaims.WithLabelValues(result).Inc()
}

// Reconciled counts runs reconciled in store ("ledger" or "mirror").
func (c *Collector) Reconciled(store string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.recoveryReconciled.WithLabelValues(store).Add(float64(n))
}

// RecordPersistenceError increments the persistence error counter.
// errorType is derived from err (see ErrorType).
func (c *Collector) RecordPersistenceError(operation string, err error) {
	if c == nil || err == nil {
		return
	}
	c.persistenceErrors.WithLabelValues(operation, ErrorType(err)).Inc()
}

// ErrorType classifies an I/O error into a low-cardinality label.
func ErrorType(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, os.ErrNotExist):
		return "not_found"
	case errors.Is(err, os.ErrPermission):
		return "permission_denied"
	case errors.Is(err, syscall.ENOSPC):
		return "disk_full"
	case strings.Contains(err.Error(), "context"):
		return "context_canceled"
	default:
		return "io_error"
	}
}

// WriteTextfile writes the registry in Prometheus text format to path.
// The write is atomic so a scraping node_exporter never reads a partial file.
func (c *Collector) WriteTextfile(path string) error {
	if c == nil || path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
