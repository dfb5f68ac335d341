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

package shared

import (
	"os"

	"golang.org/x/term"
)

// ciIndicators maps CI environment variables to whether any non-empty value counts.
// The others must be "true" or "1".
var ciIndicators = map[string]bool{
	"CI":             false,
	"GITHUB_ACTIONS": false,
	"GITLAB_CI":      false,
	"CIRCLECI":       false,
	"BUILDKITE":      false,
	"JENKINS_HOME":   true,
}

// stdinIsTerminal is replaced in tests.
var stdinIsTerminal = func() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// IsNonInteractive reports whether stepwise must not prompt. It is true when
// STEPWISE_NON_INTERACTIVE=true, when a CI system is detected, or when stdin
// is not a terminal. Jobs launched by cron hit the last case.
func IsNonInteractive() bool {
	if os.Getenv("STEPWISE_NON_INTERACTIVE") == "true" {
		return true
	}
	if runningInCI() {
		return true
	}
	return !stdinIsTerminal()
}

// CanPrompt reports whether a destructive command may ask for confirmation.
// JSON output always disables prompts so the stream stays parseable.
func CanPrompt() bool {
	return !GetJSON() && !IsNonInteractive()
}

func runningInCI() bool {
	for name, anyValue := range ciIndicators {
		value := os.Getenv(name)
		if value == "true" || value == "1" || (anyValue && value != "") {
			return true
		}
	}
	return false
}
