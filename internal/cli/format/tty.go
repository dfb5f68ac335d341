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

package format

import (
	"os"

	"golang.org/x/term"
)

// IsTTY determines if output should use terminal formatting.
// Returns true if stdout is a TTY with color support.
// Returns false if stdout is piped, NO_COLOR is set, or TERM is "dumb" or empty.
func IsTTY() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}

	termEnv := os.Getenv("TERM")
	if termEnv == "dumb" || termEnv == "" {
		return false
	}

	return term.IsTerminal(int(os.Stdout.Fd()))
}
