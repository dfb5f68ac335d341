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

// Package checkpoint records which steps of a job have verified-complete output.
//
// A checkpoint is a hint, never a guarantee: completion flags are only trusted
// after the declared artifacts are checked on disk, and a missing or corrupt
// checkpoint file yields an empty document rather than an error.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/tombee/stepwise/internal/fsutil"
	"github.com/tombee/stepwise/internal/log"
	stepwiseerrors "github.com/tombee/stepwise/pkg/errors"
)

const fileName = "checkpoint.json"

// StepOutput records a completed step.
type StepOutput struct {
	Name            string    `json:"name"`
	CompletedAt     time.Time `json:"completed_at"`
	DurationSeconds float64   `json:"duration_seconds"`
	Artifacts       []string  `json:"declared_artifact_paths"`
}

// Document is the persisted checkpoint for one job.
type Document struct {
	JobID          string             `json:"job_id"`
	LastRunAt      *time.Time         `json:"last_run_at"`
	CompletedSteps []int              `json:"completed_steps"`
	StepOutputs    map[int]StepOutput `json:"step_outputs"`
	Metadata       map[string]any     `json:"metadata"`
}

func newDocument(jobID string) *Document {
	return &Document{
		JobID:          jobID,
		CompletedSteps: []int{},
		StepOutputs:    map[int]StepOutput{},
		Metadata:       map[string]any{},
	}
}

// normalize restores the document invariants after decoding.
func (d *Document) normalize(jobID string) {
	d.JobID = jobID
	slices.Sort(d.CompletedSteps)
	d.CompletedSteps = slices.Compact(d.CompletedSteps)
	if d.CompletedSteps == nil {
		d.CompletedSteps = []int{}
	}
	if d.StepOutputs == nil {
		d.StepOutputs = map[int]StepOutput{}
	}
	if d.Metadata == nil {
		d.Metadata = map[string]any{}
	}
}

// StoreConfig contains checkpoint store configuration.
type StoreConfig struct {
	// Dir holds one subdirectory per job (<root>/checkpoints).
	Dir string

	// Root resolves relative artifact paths.
	Root string

	Logger *slog.Logger
}

// Store is the checkpoint store for a working root.
type Store struct {
	dir    string
	root   string
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*Checkpoint
}

// NewStore creates a checkpoint store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("checkpoint directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &Store{
		dir:    cfg.Dir,
		root:   cfg.Root,
		logger: log.WithComponent(log.OrDiscard(cfg.Logger), "checkpoint"),
		jobs:   map[string]*Checkpoint{},
	}, nil
}

// Job returns the checkpoint view for jobID.
func (s *Store) Job(jobID string) (*Checkpoint, error) {
	if err := fsutil.ValidateName("job id", jobID); err != nil {
		return nil, &stepwiseerrors.ValidationError{Field: "job_id", Message: err.Error()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cp, ok := s.jobs[jobID]; ok {
		return cp, nil
	}
	cp := &Checkpoint{
		jobID:  jobID,
		path:   filepath.Join(s.dir, jobID, fileName),
		root:   s.root,
		logger: log.WithJobContext(s.logger, jobID),
	}
	s.jobs[jobID] = cp
	return cp, nil
}

// ListJobs returns the ids of jobs that have a checkpoint file.
func (s *Store) ListJobs() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}

	var jobs []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.dir, entry.Name(), fileName)); err == nil {
			jobs = append(jobs, entry.Name())
		}
	}
	return jobs, nil
}

// Checkpoint is the per-job view of the store. Every read goes to disk so
// that a controller observing a job sees the runner's latest writes.
type Checkpoint struct {
	jobID  string
	path   string
	root   string
	logger *slog.Logger

	mu sync.Mutex
}

// JobID returns the job this checkpoint belongs to.
func (c *Checkpoint) JobID() string { return c.jobID }

// Path returns the checkpoint file path.
func (c *Checkpoint) Path() string { return c.path }

// Load returns the current document. It never fails.
func (c *Checkpoint) Load() *Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load()
}

func (c *Checkpoint) load() *Document {
	// #nosec G304 -- path is derived from a validated job id.
	data, err := os.ReadFile(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("checkpoint unreadable, starting clean", log.Error(err))
		}
		return newDocument(c.jobID)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		c.logger.Warn("checkpoint corrupt, starting clean", log.Error(err))
		return newDocument(c.jobID)
	}
	doc.normalize(c.jobID)
	return &doc
}

func (c *Checkpoint) save(doc *Document) error {
	if err := fsutil.WriteJSON(c.path, doc); err != nil {
		return stepwiseerrors.Persistence("write checkpoint", c.path, err)
	}
	return nil
}

// MarkStepComplete records ordinal as complete with its declared artifacts and
// persists the document before returning.
func (c *Checkpoint) MarkStepComplete(ordinal int, name string, artifacts []string, duration time.Duration) error {
	if ordinal < 0 {
		return &stepwiseerrors.ValidationError{Field: "ordinal", Message: fmt.Sprintf("must be >= 0, got %d", ordinal)}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	doc := c.load()
	now := time.Now().UTC()

	if _, found := slices.BinarySearch(doc.CompletedSteps, ordinal); !found {
		doc.CompletedSteps = append(doc.CompletedSteps, ordinal)
		slices.Sort(doc.CompletedSteps)
	}
	if artifacts == nil {
		artifacts = []string{}
	}
	doc.StepOutputs[ordinal] = StepOutput{
		Name:            name,
		CompletedAt:     now,
		DurationSeconds: duration.Seconds(),
		Artifacts:       slices.Clone(artifacts),
	}
	doc.LastRunAt = &now

	if err := c.save(doc); err != nil {
		return err
	}
	log.Trace(c.logger, "step marked complete", slog.Int(log.StepKey, ordinal), slog.Int("artifacts", len(artifacts)))
	return nil
}

// IsStepComplete reports whether ordinal is flagged complete.
func (c *Checkpoint) IsStepComplete(ordinal int) bool {
	_, found := slices.BinarySearch(c.Load().CompletedSteps, ordinal)
	return found
}

// VerifyOutputFiles reports whether every artifact declared for ordinal exists.
// A step with no declared artifacts is trusted on its completion flag.
func (c *Checkpoint) VerifyOutputFiles(ordinal int) bool {
	return c.verify(c.Load(), ordinal)
}

func (c *Checkpoint) verify(doc *Document, ordinal int) bool {
	out, ok := doc.StepOutputs[ordinal]
	if !ok {
		return true
	}
	for _, artifact := range out.Artifacts {
		if _, err := os.Stat(c.resolve(artifact)); err != nil {
			c.logger.Debug("declared artifact missing",
				slog.Int(log.StepKey, ordinal),
				slog.String("artifact", artifact))
			return false
		}
	}
	return true
}

// ShouldSkipStep reports whether ordinal can be skipped: it must be complete
// and, when verify is set, its artifacts must still exist. A verification
// mismatch does not clear the stale flag; the next successful run of the step
// overwrites it.
func (c *Checkpoint) ShouldSkipStep(ordinal int, verify bool) bool {
	doc := c.Load()
	if _, found := slices.BinarySearch(doc.CompletedSteps, ordinal); !found {
		return false
	}
	return !verify || c.verify(doc, ordinal)
}

// NextStep returns max(completed)+1, or 0 when nothing is complete.
func (c *Checkpoint) NextStep() int {
	return nextStep(c.Load())
}

func nextStep(doc *Document) int {
	if len(doc.CompletedSteps) == 0 {
		return 0
	}
	return doc.CompletedSteps[len(doc.CompletedSteps)-1] + 1
}

// Clear resets the checkpoint to empty and persists it immediately.
func (c *Checkpoint) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.save(newDocument(c.jobID)); err != nil {
		return err
	}
	c.logger.Info("checkpoint cleared")
	return nil
}

// SetMetadata stores an orchestrator bookkeeping value.
func (c *Checkpoint) SetMetadata(key string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc := c.load()
	doc.Metadata[key] = value
	return c.save(doc)
}

// StepInfo is a completed step with its current verification result.
type StepInfo struct {
	Ordinal         int       `json:"ordinal"`
	Name            string    `json:"name"`
	CompletedAt     time.Time `json:"completed_at,omitzero"`
	DurationSeconds float64   `json:"duration_seconds"`
	Artifacts       []string  `json:"artifacts"`
	Verified        bool      `json:"verified"`
}

// Info is the controller-facing summary of a job's checkpoint.
type Info struct {
	JobID          string         `json:"job_id"`
	LastRunAt      *time.Time     `json:"last_run_at"`
	CompletedSteps []int          `json:"completed_steps"`
	NextStep       int            `json:"next_step"`
	Steps          []StepInfo     `json:"steps"`
	Metadata       map[string]any `json:"metadata"`
}

// Info returns the checkpoint summary with per-step verification.
func (c *Checkpoint) Info() Info {
	doc := c.Load()
	info := Info{
		JobID:          doc.JobID,
		LastRunAt:      doc.LastRunAt,
		CompletedSteps: doc.CompletedSteps,
		NextStep:       nextStep(doc),
		Steps:          make([]StepInfo, 0, len(doc.CompletedSteps)),
		Metadata:       doc.Metadata,
	}
	for _, ordinal := range doc.CompletedSteps {
		out := doc.StepOutputs[ordinal]
		info.Steps = append(info.Steps, StepInfo{
			Ordinal:         ordinal,
			Name:            out.Name,
			CompletedAt:     out.CompletedAt,
			DurationSeconds: out.DurationSeconds,
			Artifacts:       out.Artifacts,
			Verified:        c.verify(doc, ordinal),
		})
	}
	return info
}

func (c *Checkpoint) resolve(p string) string {
	if filepath.IsAbs(p) || c.root == "" {
		return p
	}
	return filepath.Join(c.root, p)
}
