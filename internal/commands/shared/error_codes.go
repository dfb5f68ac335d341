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
	"errors"

	pkgerrors "github.com/tombee/stepwise/pkg/errors"
)

// Error codes for structured JSON output
const (
	// Input errors (E001-E099)
	ErrorCodeInvalidInput  = "E001" // Invalid argument or job definition
	ErrorCodeInvalidConfig = "E002" // Invalid configuration

	// Execution errors (E100-E199)
	ErrorCodeStepFailed = "E101" // A step exited non-zero or failed to start
	ErrorCodeCancelled  = "E102" // Run was stopped

	// Coordination errors (E200-E299)
	ErrorCodeAlreadyRunning = "E201" // Start lock held by a live process

	// Resource errors (E300-E399)
	ErrorCodeNotFound = "E301" // Run, job or lock not found

	ErrorCodeInternal = "E402" // Internal error
)

// errorCodeFor maps an error and its exit code to a JSON error code.
func errorCodeFor(err error, exitCode int) string {
	var cfgErr *pkgerrors.ConfigError
	if _, ok := pkgerrors.AsStepError(err); ok {
		return ErrorCodeStepFailed
	}
	switch {
	case errors.As(err, &cfgErr):
		return ErrorCodeInvalidConfig
	}

	switch exitCode {
	case ExitInvalidInput:
		return ErrorCodeInvalidInput
	case ExitAlreadyRunning:
		return ErrorCodeAlreadyRunning
	case ExitNotFound:
		return ErrorCodeNotFound
	case ExitCancelled:
		return ErrorCodeCancelled
	default:
		return ErrorCodeInternal
	}
}
