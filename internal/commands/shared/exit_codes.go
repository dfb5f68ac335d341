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
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/tombee/stepwise/internal/config"
	pkgerrors "github.com/tombee/stepwise/pkg/errors"
)

// Exit codes for stepwise commands
const (
	ExitSuccess         = 0
	ExitExecutionFailed = 1
	ExitInvalidInput    = 2
	ExitAlreadyRunning  = 3
	ExitNotFound        = 4
	ExitCancelled       = 130 // 128 + SIGINT, as shells report an interrupted command
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewExecutionError creates an error for failed runs
func NewExecutionError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitExecutionFailed, Message: msg, Cause: cause}
}

// NewInvalidInputError creates an error for bad arguments or job definitions
func NewInvalidInputError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitInvalidInput, Message: msg, Cause: cause}
}

// ExitCodeFor classifies err into an exit code.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	var validation *pkgerrors.ValidationError
	var cfgErr *pkgerrors.ConfigError
	switch {
	case pkgerrors.IsConflict(err):
		return ExitAlreadyRunning
	case pkgerrors.IsNotFound(err):
		return ExitNotFound
	case errors.As(err, &validation), errors.As(err, &cfgErr), errors.Is(err, config.ErrInvalidConfig):
		return ExitInvalidInput
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ExitCancelled
	}
	return ExitExecutionFailed
}

// HandleExitError reports err on stderr (or as a JSON error document with
// --json) and exits with its code.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	code := ExitCodeFor(err)

	if GetJSON() {
		_ = EmitJSONError("", []JSONError{jsonErrorFor(err, code)})
		os.Exit(code)
	}

	fmt.Fprintln(os.Stderr, "Error:", err.Error())
	if s := pkgerrors.SuggestionFor(err); s != "" {
		fmt.Fprintf(os.Stderr, "\nSuggestion: %s\n", s)
	}
	os.Exit(code)
}

func jsonErrorFor(err error, code int) JSONError {
	je := JSONError{
		Code:       errorCodeFor(err, code),
		Message:    err.Error(),
		Suggestion: pkgerrors.SuggestionFor(err),
	}
	if stepErr, ok := pkgerrors.AsStepError(err); ok {
		je.JobID = stepErr.JobID
		je.Step = &stepErr.Ordinal
		if stepErr.ExitCode >= 0 {
			je.ExitCode = &stepErr.ExitCode
		}
		return je
	}
	var conflict *pkgerrors.ConflictError
	if errors.As(err, &conflict) {
		je.JobID = conflict.JobID
	}
	return je
}
