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

// Package mirror defines the optional external copy of run state.
//
// The ledger under the working root is authoritative. A mirror holds a
// queryable copy of the same records for other tools, and startup recovery
// reconciles it on its own because a crash can leave the two out of step.
package mirror

import (
	"context"

	"github.com/tombee/stepwise/internal/ledger"
)

// RunWriter stores run records.
type RunWriter interface {
	// UpsertRun inserts or replaces the mirrored copy of rec.
	UpsertRun(ctx context.Context, rec *ledger.RunRecord) error
}

// RunReader reads mirrored run records.
type RunReader interface {
	GetRun(ctx context.Context, runID string) (*ledger.RunRecord, error)
	ListRuns(ctx context.Context, f ledger.Filter) ([]*ledger.RunRecord, error)
}

// LiveFunc reports whether a job currently has a live holder.
type LiveFunc func(jobID string) bool

// Reconciler marks orphaned runs.
type Reconciler interface {
	// ReconcileOrphans marks every RUNNING run whose job has no live holder
	// as INTERRUPTED and returns the affected run ids.
	ReconcileOrphans(ctx context.Context, live LiveFunc, reason string) ([]string, error)
}

// Store is the full mirror interface.
type Store interface {
	RunWriter
	RunReader
	Reconciler
	Close() error
}
