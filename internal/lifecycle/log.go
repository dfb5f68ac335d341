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

package lifecycle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Lock lifecycle event names.
const (
	EventClaim          = "claim"
	EventAlreadyRunning = "already_running"
	EventStaleReclaimed = "stale_reclaimed"
	EventUpdateChild    = "update_child"
	EventAdopt          = "adopt"
	EventRelease        = "release"
	EventReleaseFailed  = "release_failed"
)

// LifecycleEvent represents a start lock lifecycle event.
type LifecycleEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event"`
	JobID     string    `json:"job_id"`
	PID       int       `json:"pid,omitempty"`
	HolderPID int       `json:"holder_pid,omitempty"`
	Owner     string    `json:"owner,omitempty"`
	LogPath   string    `json:"log_path,omitempty"`
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// LifecycleLogger appends lock lifecycle events as JSON lines. A nil
// *LifecycleLogger discards events.
type LifecycleLogger struct {
	logPath string
	mu      sync.Mutex
}

// NewLifecycleLogger creates a new lifecycle logger.
func NewLifecycleLogger(logPath string) *LifecycleLogger {
	return &LifecycleLogger{
		logPath: logPath,
	}
}

// Path returns the event log path.
func (l *LifecycleLogger) Path() string {
	if l == nil {
		return ""
	}
	return l.logPath
}

// LogClaim logs a successful claim.
func (l *LifecycleLogger) LogClaim(jobID, owner string) error {
	return l.writeEvent(LifecycleEvent{
		Event:   EventClaim,
		JobID:   jobID,
		PID:     os.Getpid(),
		Owner:   owner,
		Success: true,
		Message: "Start lock acquired",
	})
}

// LogAlreadyRunning logs a refused claim.
func (l *LifecycleLogger) LogAlreadyRunning(jobID, owner string, holderPID int) error {
	return l.writeEvent(LifecycleEvent{
		Event:     EventAlreadyRunning,
		JobID:     jobID,
		PID:       os.Getpid(),
		HolderPID: holderPID,
		Owner:     owner,
		Success:   false,
		Message:   "Job already running",
	})
}

// LogStaleReclaimed logs removal of a stale lock.
func (l *LifecycleLogger) LogStaleReclaimed(jobID string, holderPID int, reason string) error {
	return l.writeEvent(LifecycleEvent{
		Event:     EventStaleReclaimed,
		JobID:     jobID,
		PID:       os.Getpid(),
		HolderPID: holderPID,
		Success:   true,
		Message:   fmt.Sprintf("Stale lock removed: %s", reason),
	})
}

// LogUpdateChild logs a lock rewrite with a new holder or log path.
func (l *LifecycleLogger) LogUpdateChild(jobID string, holderPID int, logPath string) error {
	return l.writeEvent(LifecycleEvent{
		Event:     EventUpdateChild,
		JobID:     jobID,
		PID:       os.Getpid(),
		HolderPID: holderPID,
		LogPath:   logPath,
		Success:   true,
	})
}

// LogAdopt logs a runner taking ownership of a lock claimed by its parent.
func (l *LifecycleLogger) LogAdopt(jobID string, parentPID int) error {
	return l.writeEvent(LifecycleEvent{
		Event:     EventAdopt,
		JobID:     jobID,
		PID:       os.Getpid(),
		HolderPID: parentPID,
		Success:   true,
		Message:   "Runner adopted start lock",
	})
}

// LogRelease logs a lock release and its outcome.
func (l *LifecycleLogger) LogRelease(jobID string, err error) error {
	event := LifecycleEvent{
		Event:   EventRelease,
		JobID:   jobID,
		PID:     os.Getpid(),
		Success: true,
	}
	if err != nil {
		event.Event = EventReleaseFailed
		event.Success = false
		event.Error = err.Error()
	}
	return l.writeEvent(event)
}

// writeEvent appends a lifecycle event to the log file.
func (l *LifecycleLogger) writeEvent(event LifecycleEvent) error {
	if l == nil || l.logPath == "" {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	logDir := filepath.Dir(l.logPath)
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open lifecycle log: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}

	return nil
}

// ReadEvents returns every event in the log, oldest first. Malformed lines
// are skipped.
func (l *LifecycleLogger) ReadEvents() ([]LifecycleEvent, error) {
	if l == nil || l.logPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(l.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var events []LifecycleEvent
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev LifecycleEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}
