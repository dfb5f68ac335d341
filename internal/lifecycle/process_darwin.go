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

//go:build darwin

package lifecycle

import (
	"fmt"
	"os/exec"
	"strings"
)

// processArgs returns the command line of the process using ps.
func processArgs(pid int) ([]string, error) {
	cmd := exec.Command("ps", "-p", fmt.Sprintf("%d", pid), "-o", "command=")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ps command failed: %w", err)
	}

	fields := strings.Fields(string(output))
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty command for pid %d", pid)
	}
	return fields, nil
}

// processStartTime returns the process start time as printed by ps.
func processStartTime(pid int) (string, error) {
	output, err := exec.Command("ps", "-p", fmt.Sprintf("%d", pid), "-o", "lstart=").Output()
	if err != nil {
		return "", fmt.Errorf("ps command failed: %w", err)
	}
	started := strings.Join(strings.Fields(string(output)), " ")
	if started == "" {
		return "", fmt.Errorf("no start time for pid %d", pid)
	}
	return started, nil
}
