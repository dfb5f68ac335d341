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
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"
	"unicode"
)

var (
	// ErrProcessNotRunning is returned when the process does not exist.
	ErrProcessNotRunning = errors.New("process not running")

	// ErrShutdownTimeout is returned when the process doesn't exit within the timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

// ProcessInspector answers liveness and identity questions about PIDs.
// Lock plausibility checks go through it so callers can substitute it.
type ProcessInspector interface {
	// Alive reports whether pid exists.
	Alive(pid int) bool

	// Args returns the command line of pid.
	Args(pid int) ([]string, error)
}

// SystemInspector inspects real processes.
type SystemInspector struct{}

// Alive implements ProcessInspector.
func (SystemInspector) Alive(pid int) bool { return IsProcessRunning(pid) }

// Args implements ProcessInspector.
func (SystemInspector) Args(pid int) ([]string, error) { return processArgs(pid) }

// StartTime implements StartTimeInspector.
func (SystemInspector) StartTime(pid int) (string, error) { return processStartTime(pid) }

// StartTimeInspector is implemented by inspectors that can report when a
// process started. Together with the PID it identifies one process, so a
// holder is recognised even when its command line does not name the job and
// a reused PID is not mistaken for it.
type StartTimeInspector interface {
	StartTime(pid int) (string, error)
}

// ProcessInfo contains information about a running process.
type ProcessInfo struct {
	PID     int
	Running bool
	Command string
}

// IsProcessRunning checks if a process with the given PID exists.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix, FindProcess always succeeds, so we need to send signal 0.
	// EPERM means the process exists but belongs to someone else.
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// ReferencesJob reports whether a command line plausibly belongs to jobID:
// some argument token equals the job id or names its definition file.
func ReferencesJob(args []string, jobID string) bool {
	for _, arg := range args {
		tokens := strings.FieldsFunc(arg, func(r rune) bool {
			return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.' || r == '_' || r == '-')
		})
		for _, tok := range tokens {
			if tok == jobID || strings.TrimSuffix(tok, ".yaml") == jobID || strings.TrimSuffix(tok, ".lock") == jobID {
				return true
			}
		}
	}
	return false
}

// SendSignal sends a signal to the given process.
func SendSignal(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}

	if err := proc.Signal(sig); err != nil {
		return fmt.Errorf("failed to send signal %v to process %d: %w", sig, pid, err)
	}

	return nil
}

// SignalGroup sends sig to the process group led by pid.
func SignalGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return ErrProcessNotRunning
		}
		return fmt.Errorf("failed to send signal %v to process group %d: %w", sig, pid, err)
	}
	return nil
}

// WaitForExit waits for the process to exit, checking every interval.
// Returns ErrShutdownTimeout if the process is still running after timeout.
func WaitForExit(pid int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	interval := 100 * time.Millisecond

	for time.Now().Before(deadline) {
		if !IsProcessRunning(pid) {
			return nil
		}
		time.Sleep(interval)
	}

	return ErrShutdownTimeout
}

// GracefulShutdown sends SIGTERM to a process and waits for it to exit.
// If force is true and the timeout is exceeded, sends SIGKILL.
func GracefulShutdown(pid int, timeout time.Duration, force bool) error {
	return shutdown(pid, timeout, force, SendSignal)
}

// GracefulShutdownGroup is GracefulShutdown for the process group led by pid.
func GracefulShutdownGroup(pid int, timeout time.Duration, force bool) error {
	return shutdown(pid, timeout, force, SignalGroup)
}

func shutdown(pid int, timeout time.Duration, force bool, signal func(int, syscall.Signal) error) error {
	if !IsProcessRunning(pid) {
		return ErrProcessNotRunning
	}

	if err := signal(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM: %w", err)
	}

	err := WaitForExit(pid, timeout)
	if err == nil {
		return nil
	}

	if !force {
		return err
	}

	if err := signal(pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to send SIGKILL: %w", err)
	}

	if err := WaitForExit(pid, 5*time.Second); err != nil {
		return fmt.Errorf("process did not die after SIGKILL: %w", err)
	}

	return nil
}

// GetProcessInfo returns information about the process with the given PID.
func GetProcessInfo(pid int) (*ProcessInfo, error) {
	info := &ProcessInfo{
		PID:     pid,
		Running: IsProcessRunning(pid),
	}

	if info.Running {
		args, err := processArgs(pid)
		if err != nil {
			// Process exists but we can't read command - that's ok
			info.Command = "<unknown>"
		} else {
			info.Command = strings.Join(args, " ")
		}
	}

	return info, nil
}
