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

//go:build linux

package lifecycle

import (
	"bytes"
	"fmt"
	"os"
	"strings"
)

// processArgs reads /proc/[pid]/cmdline.
func processArgs(pid int) ([]string, error) {
	cmdline, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return nil, fmt.Errorf("failed to read cmdline: %w", err)
	}

	// cmdline is NUL-separated with a trailing NUL
	cmd := strings.TrimRight(string(cmdline), "\x00")
	if cmd == "" {
		return nil, fmt.Errorf("empty cmdline for pid %d", pid)
	}
	return strings.Split(cmd, "\x00"), nil
}

// processStartTime returns field 22 of /proc/[pid]/stat, the start time in
// clock ticks since boot.
func processStartTime(pid int) (string, error) {
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return "", fmt.Errorf("failed to read stat: %w", err)
	}

	// comm (field 2) is parenthesised and may itself contain spaces or ')'.
	end := bytes.LastIndexByte(stat, ')')
	if end < 0 {
		return "", fmt.Errorf("malformed stat for pid %d", pid)
	}
	fields := strings.Fields(string(stat[end+1:]))
	if len(fields) < 20 {
		return "", fmt.Errorf("short stat for pid %d", pid)
	}
	return fields[19], nil
}
