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
	"crypto/rand"
	"encoding/hex"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Error kinds recorded on runs.
const (
	ErrorKindStep      = "step_failed"
	ErrorKindCancelled = "cancelled"
	ErrorKindOrphaned  = "orphaned"
	ErrorKindInternal  = "internal"
)

// RunError is the structured failure attached to a run.
type RunError struct {
	Kind        string `json:"kind"`
	Message     string `json:"message"`
	StepOrdinal *int   `json:"step_ordinal,omitempty"`
	ExitCode    *int   `json:"exit_code,omitempty"`
}

// RunRecord is the persisted record of one execution attempt.
type RunRecord struct {
	RunID     string     `json:"run_id"`
	JobID     string     `json:"job_id"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at"`
	Status    Status     `json:"status"`

	// Pipeline is an opaque descriptor of what was run. The ledger never
	// interprets it.
	Pipeline map[string]any `json:"pipeline,omitempty"`

	Paths     map[string]string   `json:"paths"`
	Artifacts map[string][]string `json:"artifacts"`
	Metrics   map[string]float64  `json:"metrics"`
	Error     *RunError           `json:"error,omitempty"`
}

// Duration returns the wall-clock duration of a finished run, or zero.
func (r *RunRecord) Duration() time.Duration {
	if r.StartedAt == nil || r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(*r.StartedAt)
}

func (r *RunRecord) normalize() {
	if r.Paths == nil {
		r.Paths = map[string]string{}
	}
	if r.Artifacts == nil {
		r.Artifacts = map[string][]string{}
	}
	if r.Metrics == nil {
		r.Metrics = map[string]float64{}
	}
}

// mergeArtifacts appends paths not already present, preserving order.
func (r *RunRecord) mergeArtifacts(add map[string][]string) {
	for category, paths := range add {
		existing := r.Artifacts[category]
		for _, p := range paths {
			if !slices.Contains(existing, p) {
				existing = append(existing, p)
			}
		}
		if existing == nil {
			existing = []string{}
		}
		r.Artifacts[category] = existing
	}
}

// NewRunID returns a sortable unique run id: <UTC yyyymmddThhmmss>-<8 hex>.
func NewRunID(now time.Time) string {
	return now.UTC().Format("20060102T150405") + "-" + shortID()
}

func shortID() string {
	id, err := uuid.NewRandom()
	if err != nil {
		var b [4]byte
		_, _ = rand.Read(b[:])
		return hex.EncodeToString(b[:])
	}
	return hex.EncodeToString(id[:4])
}

// IndexEntry is the denormalized index view of a run.
type IndexEntry struct {
	CreatedAt time.Time `json:"created_at"`
	Status    Status    `json:"status"`
	JobID     string    `json:"job_id"`
	RunDir    string    `json:"run_dir"`
}
