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
	"testing"

	"github.com/tombee/stepwise/internal/config"
	pkgerrors "github.com/tombee/stepwise/pkg/errors"
)

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"exit error", &ExitError{Code: 42, Message: "custom"}, 42},
		{"conflict", &pkgerrors.ConflictError{JobID: "A", HolderPID: 10}, ExitAlreadyRunning},
		{"wrapped conflict", fmt.Errorf("start: %w", &pkgerrors.ConflictError{JobID: "A"}), ExitAlreadyRunning},
		{"not found", &pkgerrors.NotFoundError{Resource: "run", ID: "x"}, ExitNotFound},
		{"validation", &pkgerrors.ValidationError{Field: "start_step", Message: "out of range"}, ExitInvalidInput},
		{"config", fmt.Errorf("%w: root is required", config.ErrInvalidConfig), ExitInvalidInput},
		{"step failed", &pkgerrors.StepError{JobID: "A", Ordinal: 1, ExitCode: 3}, ExitExecutionFailed},
		{"cancelled", fmt.Errorf("run cancelled: %w", context.Canceled), ExitCancelled},
		{"joined step error", errors.Join(&pkgerrors.StepError{JobID: "A"}, errors.New("index")), ExitExecutionFailed},
		{"plain", errors.New("boom"), ExitExecutionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCodeFor(tt.err); got != tt.want {
				t.Errorf("ExitCodeFor(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorCodeFor(t *testing.T) {
	stepErr := &pkgerrors.StepError{JobID: "A", Ordinal: 0, ExitCode: 1}
	if got := errorCodeFor(stepErr, ExitCodeFor(stepErr)); got != ErrorCodeStepFailed {
		t.Errorf("expected %s for step error, got %s", ErrorCodeStepFailed, got)
	}

	conflict := &pkgerrors.ConflictError{JobID: "A"}
	if got := errorCodeFor(conflict, ExitCodeFor(conflict)); got != ErrorCodeAlreadyRunning {
		t.Errorf("expected %s for conflict, got %s", ErrorCodeAlreadyRunning, got)
	}
}

func TestExitError(t *testing.T) {
	cause := errors.New("disk full")
	err := NewExecutionError("run failed", cause)

	if err.Error() != "run failed: disk full" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("expected ExitError to unwrap to its cause")
	}
	if NewInvalidInputError("bad", nil).Code != ExitInvalidInput {
		t.Error("expected invalid input code")
	}
}

func TestConflictSuggestion(t *testing.T) {
	err := fmt.Errorf("start: %w", &pkgerrors.ConflictError{JobID: "nightly"})
	if s := pkgerrors.SuggestionFor(err); s == "" {
		t.Error("expected a suggestion for a conflict")
	}
}

func TestJSONErrorFor(t *testing.T) {
	stepErr := fmt.Errorf("run: %w", &pkgerrors.StepError{JobID: "nightly", Ordinal: 2, Name: "build", ExitCode: 3})
	je := jsonErrorFor(stepErr, ExitCodeFor(stepErr))
	if je.JobID != "nightly" || je.Step == nil || *je.Step != 2 || je.ExitCode == nil || *je.ExitCode != 3 {
		t.Errorf("unexpected step error document: %+v", je)
	}

	signalled := &pkgerrors.StepError{JobID: "nightly", Ordinal: 0, ExitCode: -1}
	if je := jsonErrorFor(signalled, ExitExecutionFailed); je.ExitCode != nil {
		t.Errorf("expected no exit code for a signalled step, got %d", *je.ExitCode)
	}

	conflict := &pkgerrors.ConflictError{JobID: "nightly", HolderPID: 10}
	je = jsonErrorFor(conflict, ExitCodeFor(conflict))
	if je.JobID != "nightly" || je.Step != nil || je.Code != ErrorCodeAlreadyRunning {
		t.Errorf("unexpected conflict document: %+v", je)
	}
}
