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
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// RunnerSpec describes a background runner process.
type RunnerSpec struct {
	// Binary is the executable to start, normally our own.
	Binary string
	Args   []string

	// Env is the child's environment. Nil inherits ours.
	Env []string

	// Dir is the child's working directory; empty inherits ours.
	Dir string

	// LogPath receives the child's stdout and stderr.
	LogPath string
}

// SpawnRunner starts spec in a new session so that closing the launching
// terminal does not stop it. The child's stdin is closed and its output is
// appended to spec.LogPath after a one-line launch banner. The child is not
// waited for; its PID is returned.
func SpawnRunner(spec RunnerSpec) (int, error) {
	if spec.LogPath == "" {
		return 0, fmt.Errorf("runner log path is required")
	}
	if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0o700); err != nil {
		return 0, fmt.Errorf("failed to create runner log directory: %w", err)
	}

	logFile, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return 0, fmt.Errorf("failed to open runner log: %w", err)
	}
	defer logFile.Close()

	fmt.Fprintf(logFile, "# %s launch %s %s\n",
		time.Now().UTC().Format(time.RFC3339), filepath.Base(spec.Binary), strings.Join(spec.Args, " "))

	cmd := exec.Command(spec.Binary, spec.Args...)
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	cmd.Dir = spec.Dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// Setsid implies a new process group led by the child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(logFile, "# launch failed: %v\n", err)
		return 0, fmt.Errorf("failed to start runner: %w", err)
	}

	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("runner %d started but could not be released: %w", pid, err)
	}
	return pid, nil
}
