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

package errors

import (
	"fmt"
)

// ValidationError represents user input validation failures.
// Use this for invalid job definitions, malformed data, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "run", "job", "lock")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConfigError represents configuration problems.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "root", "lock.retry_attempts")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// StepError reports a step that exited non-zero or could not be spawned.
// Steps are never retried automatically; the run is aborted at this ordinal.
type StepError struct {
	// JobID is the job the step belongs to
	JobID string

	// Ordinal is the zero-based position of the step in the job
	Ordinal int

	// Name is the step's declared name
	Name string

	// ExitCode is the child's exit code, or -1 if it never started or was killed by a signal
	ExitCode int

	// Cause is the underlying error (spawn failure, wait failure)
	Cause error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	msg := fmt.Sprintf("job %s: step %d (%s) failed", e.JobID, e.Ordinal, e.Name)
	if e.ExitCode >= 0 {
		msg = fmt.Sprintf("%s with exit code %d", msg, e.ExitCode)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StepError) Unwrap() error {
	return e.Cause
}

// IsUserVisible implements UserVisibleError.
func (e *StepError) IsUserVisible() bool { return true }

// UserMessage implements UserVisibleError.
func (e *StepError) UserMessage() string { return e.Error() }

// Suggestion implements UserVisibleError.
func (e *StepError) Suggestion() string {
	return fmt.Sprintf("Inspect the step log, fix the cause, then run 'stepwise resume %s' to re-enter at step %d.", e.JobID, e.Ordinal)
}

// ConflictError is returned when a job's start lock is held by a live process.
// It is never fatal to the platform: the caller simply did not get to start the job.
type ConflictError struct {
	// JobID is the contended job
	JobID string

	// HolderPID is the process currently holding the lock
	HolderPID int

	// Reason is the lock's refusal reason (normally "already running")
	Reason string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "already running"
	}
	if e.HolderPID > 0 {
		return fmt.Sprintf("job %s %s (pid %d)", e.JobID, reason, e.HolderPID)
	}
	return fmt.Sprintf("job %s %s", e.JobID, reason)
}

// IsUserVisible implements UserVisibleError.
func (e *ConflictError) IsUserVisible() bool { return true }

// UserMessage implements UserVisibleError.
func (e *ConflictError) UserMessage() string { return e.Error() }

// Suggestion implements UserVisibleError.
func (e *ConflictError) Suggestion() string {
	return fmt.Sprintf("Wait for the running execution to finish, or check it with 'stepwise lock show %s'.", e.JobID)
}

// PersistenceError represents an unrecoverable storage failure (disk full, permission denied).
// These are always propagated: silently losing a run record corrupts audit history.
type PersistenceError struct {
	// Op is the operation that failed (e.g., "write run record", "write checkpoint")
	Op string

	// Path is the file that could not be written or read
	Path string

	// Cause is the underlying I/O error
	Cause error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *PersistenceError) Unwrap() error {
	return e.Cause
}
