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
	"os"
	"os/exec"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestIsProcessRunning(t *testing.T) {
	t.Run("returns true for current process", func(t *testing.T) {
		if !IsProcessRunning(os.Getpid()) {
			t.Error("IsProcessRunning(os.Getpid()) = false, want true")
		}
	})

	t.Run("returns false for non-existent PID", func(t *testing.T) {
		if IsProcessRunning(deadPID(t)) {
			t.Error("IsProcessRunning(dead) = true, want false")
		}
	})

	t.Run("returns false for non-positive PID", func(t *testing.T) {
		if IsProcessRunning(0) || IsProcessRunning(-1) {
			t.Error("IsProcessRunning(<=0) = true, want false")
		}
	})
}

func TestSystemInspector_Args(t *testing.T) {
	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start sleep process: %v", err)
	}
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	args, err := SystemInspector{}.Args(cmd.Process.Pid)
	if err != nil {
		t.Fatalf("Args() error = %v", err)
	}
	if !strings.Contains(strings.Join(args, " "), "sleep") {
		t.Errorf("Args() = %v, want to contain sleep", args)
	}
	if ReferencesJob(args, "nightly") {
		t.Error("ReferencesJob(sleep 60, nightly) = true, want false")
	}
}

func TestSystemInspector_StartTime(t *testing.T) {
	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start sleep process: %v", err)
	}
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	var inspector StartTimeInspector = SystemInspector{}
	first, err := inspector.StartTime(cmd.Process.Pid)
	if err != nil {
		t.Fatalf("StartTime() error = %v", err)
	}
	if first == "" {
		t.Fatal("StartTime() = \"\", want a value")
	}
	again, err := inspector.StartTime(cmd.Process.Pid)
	if err != nil || again != first {
		t.Errorf("StartTime() second read = %q, %v; want %q", again, err, first)
	}

	if _, err := inspector.StartTime(deadPID(t)); err == nil {
		t.Error("StartTime() of exited process succeeded, want error")
	}
}

func TestReferencesJob(t *testing.T) {
	tests := []struct {
		name string
		args []string
		job  string
		want bool
	}{
		{"exact argument", []string{"stepwise", "run", "B"}, "B", true},
		{"definition file", []string{"stepwise", "exec", "--job-file=/srv/jobs/nightly.yaml"}, "nightly", true},
		{"flag value", []string{"python", "worker.py", "--job=nightly"}, "nightly", true},
		{"substring only", []string{"stepwise", "run", "nightly-full"}, "nightly", false},
		{"single letter in path", []string{"/usr/bin/Apps/stepwise"}, "B", false},
		{"unrelated", []string{"sleep", "60"}, "B", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ReferencesJob(tt.args, tt.job); got != tt.want {
				t.Errorf("ReferencesJob(%v, %q) = %v, want %v", tt.args, tt.job, got, tt.want)
			}
		})
	}
}

func TestSendSignal(t *testing.T) {
	t.Run("sends signal to running process", func(t *testing.T) {
		cmd := exec.Command("sleep", "60")
		if err := cmd.Start(); err != nil {
			t.Fatalf("Failed to start sleep process: %v", err)
		}
		defer cmd.Process.Kill()

		if err := SendSignal(cmd.Process.Pid, syscall.Signal(0)); err != nil {
			t.Errorf("SendSignal() error = %v", err)
		}
	})

	t.Run("returns error for non-existent process", func(t *testing.T) {
		if err := SendSignal(deadPID(t), syscall.SIGTERM); err == nil {
			t.Error("SendSignal() to non-existent process succeeded, want error")
		}
	})
}

func TestSignalGroup(t *testing.T) {
	cmd := exec.Command("sh", "-c", "sleep 60 & wait")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start process: %v", err)
	}

	if err := SignalGroup(cmd.Process.Pid, syscall.SIGKILL); err != nil {
		t.Fatalf("SignalGroup() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		t.Fatal("process group did not exit after SIGKILL")
	}

	if err := SignalGroup(cmd.Process.Pid, syscall.SIGTERM); !errors.Is(err, ErrProcessNotRunning) {
		t.Errorf("SignalGroup() on exited group error = %v, want ErrProcessNotRunning", err)
	}
}

func TestWaitForExit(t *testing.T) {
	t.Run("returns nil when process exits", func(t *testing.T) {
		cmd := exec.Command("sh", "-c", "exit 0")
		if err := cmd.Start(); err != nil {
			t.Fatalf("Failed to start process: %v", err)
		}
		pid := cmd.Process.Pid
		cmd.Wait()

		if err := WaitForExit(pid, 2*time.Second); err != nil {
			t.Errorf("WaitForExit() error = %v, want nil", err)
		}
	})

	t.Run("returns timeout error for long-running process", func(t *testing.T) {
		cmd := exec.Command("sleep", "60")
		if err := cmd.Start(); err != nil {
			t.Fatalf("Failed to start process: %v", err)
		}
		defer cmd.Process.Kill()

		err := WaitForExit(cmd.Process.Pid, 200*time.Millisecond)
		if !errors.Is(err, ErrShutdownTimeout) {
			t.Errorf("WaitForExit() error = %v, want ErrShutdownTimeout", err)
		}
	})
}

func TestGracefulShutdown(t *testing.T) {
	t.Run("returns error for non-existent process", func(t *testing.T) {
		err := GracefulShutdown(deadPID(t), 1*time.Second, false)
		if !errors.Is(err, ErrProcessNotRunning) {
			t.Errorf("GracefulShutdown() error = %v, want ErrProcessNotRunning", err)
		}
	})
}

func TestGracefulShutdownGroup(t *testing.T) {
	cmd := exec.Command("sh", "-c", "sleep 60 & wait")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start process: %v", err)
	}
	// Reap the leader so WaitForExit can observe it gone.
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	defer func() {
		_ = SignalGroup(cmd.Process.Pid, syscall.SIGKILL)
		<-done
	}()

	if err := GracefulShutdownGroup(cmd.Process.Pid, 5*time.Second, true); err != nil {
		t.Fatalf("GracefulShutdownGroup() error = %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("group leader was not reaped after shutdown")
	}
}

func TestGetProcessInfo(t *testing.T) {
	info, err := GetProcessInfo(os.Getpid())
	if err != nil {
		t.Fatalf("GetProcessInfo() error = %v", err)
	}
	if !info.Running {
		t.Error("info.Running = false, want true")
	}
	if info.Command == "" {
		t.Error("info.Command is empty")
	}
}

// deadPID returns the PID of a process that has already exited and been reaped.
func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("sh", "-c", "exit 0")
	if err := cmd.Run(); err != nil {
		t.Fatalf("Failed to run short-lived process: %v", err)
	}
	return cmd.Process.Pid
}
