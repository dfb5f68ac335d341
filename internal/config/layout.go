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

package config

import "path/filepath"

// Layout maps stepwise's persisted documents onto the working root:
//
//	<root>/checkpoints/<job_id>/checkpoint.json
//	<root>/runs/<run_id>/metadata.json
//	<root>/cache/run_index.json
//	<root>/locks/<job_id>.lock
//	<root>/logs/lifecycle.jsonl
//	<root>/jobs/<job_id>.yaml
type Layout struct {
	Root string

	jobsDir string
}

// NewLayout returns a layout rooted at root with the default jobs directory.
func NewLayout(root string) Layout {
	return Layout{Root: root}
}

// CheckpointsDir holds one directory per job.
func (l Layout) CheckpointsDir() string { return filepath.Join(l.Root, "checkpoints") }

// RunsDir holds one directory per run.
func (l Layout) RunsDir() string { return filepath.Join(l.Root, "runs") }

// RunDir is the directory for a single run's record and step logs.
func (l Layout) RunDir(runID string) string { return filepath.Join(l.RunsDir(), runID) }

// IndexPath is the shared run index document.
func (l Layout) IndexPath() string { return filepath.Join(l.Root, "cache", "run_index.json") }

// LocksDir holds one lock file per job.
func (l Layout) LocksDir() string { return filepath.Join(l.Root, "locks") }

// LogsDir holds controller-level logs.
func (l Layout) LogsDir() string { return filepath.Join(l.Root, "logs") }

// LifecycleLogPath is the lock lifecycle event log.
func (l Layout) LifecycleLogPath() string { return filepath.Join(l.LogsDir(), "lifecycle.jsonl") }

// JobsDir is where job definitions live.
func (l Layout) JobsDir() string {
	if l.jobsDir != "" {
		return l.jobsDir
	}
	return filepath.Join(l.Root, "jobs")
}

// JobDefinitionPath is the default definition file for jobID.
func (l Layout) JobDefinitionPath(jobID string) string {
	return filepath.Join(l.JobsDir(), jobID+".yaml")
}

// ResolvePath resolves p against the root when it is relative.
func (l Layout) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(l.Root, p)
}
