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

// Package format provides CLI output formatting with TTY detection.
package format

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/alecthomas/chroma/v2/quick"
)

const (
	maxJSONSize = 10 * 1024 * 1024  // 10MB
	maxLogSize  = 100 * 1024 * 1024 // 100MB
)

// ansiEscapeRegex matches ANSI escape sequences for sanitization.
var ansiEscapeRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// sanitizeANSI removes ANSI escape sequences from a string.
func sanitizeANSI(s string) string {
	return ansiEscapeRegex.ReplaceAllString(s, "")
}

// enforceSize checks if content exceeds the maximum size for its format.
func enforceSize(content []byte, format string, maxSize int) error {
	if len(content) > maxSize {
		return fmt.Errorf("output size (%d bytes) exceeds maximum for %s format (%d bytes)", len(content), format, maxSize)
	}
	return nil
}

// FormatJSON pretty-prints a JSON document with 2-space indentation and,
// on a TTY, syntax highlighting.
func FormatJSON(content []byte, isTTY bool) (string, error) {
	if err := enforceSize(content, "json", maxJSONSize); err != nil {
		return "", err
	}

	var indented bytes.Buffer
	if err := json.Indent(&indented, bytes.TrimSpace(content), "", "  "); err != nil {
		return "", fmt.Errorf("invalid JSON: %w", err)
	}

	if !isTTY {
		return indented.String(), nil
	}

	var buf bytes.Buffer
	if err := quick.Highlight(&buf, indented.String(), "json", "terminal256", "monokai"); err != nil {
		return indented.String(), nil
	}
	return buf.String(), nil
}

// FormatLog returns step output for display. Escape sequences written by the
// child are kept on a TTY and stripped otherwise.
func FormatLog(content []byte, isTTY bool) (string, error) {
	if err := enforceSize(content, "log", maxLogSize); err != nil {
		return "", err
	}
	if isTTY {
		return string(content), nil
	}
	return sanitizeANSI(string(content)), nil
}
