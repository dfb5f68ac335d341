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

package errors_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	stepwiseerrors "github.com/tombee/stepwise/pkg/errors"
)

func TestStepError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *stepwiseerrors.StepError
		wantMsg string
	}{
		{
			name:    "non-zero exit",
			err:     &stepwiseerrors.StepError{JobID: "A", Ordinal: 3, Name: "translate", ExitCode: 2},
			wantMsg: "job A: step 3 (translate) failed with exit code 2",
		},
		{
			name:    "spawn failure",
			err:     &stepwiseerrors.StepError{JobID: "A", Ordinal: 0, Name: "fetch", ExitCode: -1, Cause: errors.New("no such file")},
			wantMsg: "job A: step 0 (fetch) failed: no such file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("StepError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConflictError(t *testing.T) {
	err := &stepwiseerrors.ConflictError{JobID: "B", HolderPID: 4242}
	if got := err.Error(); got != "job B already running (pid 4242)" {
		t.Errorf("ConflictError.Error() = %q", got)
	}

	wrapped := fmt.Errorf("start: %w", err)
	if !stepwiseerrors.IsConflict(wrapped) {
		t.Error("IsConflict should see through wrapping")
	}
	if s := stepwiseerrors.SuggestionFor(wrapped); !strings.Contains(s, "stepwise lock show B") {
		t.Errorf("unexpected suggestion %q", s)
	}
}

func TestPersistenceError_Unwrap(t *testing.T) {
	cause := errors.New("no space left on device")
	err := stepwiseerrors.Persistence("write run record", "/tmp/x", cause)
	if !errors.Is(err, cause) {
		t.Error("PersistenceError should unwrap to its cause")
	}
	if stepwiseerrors.Persistence("op", "p", nil) != nil {
		t.Error("Persistence(nil) should return nil")
	}
}

func TestAsStepErrorAndIsConflict(t *testing.T) {
	err := fmt.Errorf("run: %w", &stepwiseerrors.StepError{JobID: "A", Ordinal: 2, ExitCode: 1})
	se, ok := stepwiseerrors.AsStepError(err)
	if !ok || se.Ordinal != 2 {
		t.Errorf("AsStepError = %v, %v", se, ok)
	}
	if _, ok := stepwiseerrors.AsStepError(errors.New("other")); ok {
		t.Error("AsStepError should not match plain errors")
	}

	if !stepwiseerrors.IsConflict(fmt.Errorf("start: %w", &stepwiseerrors.ConflictError{JobID: "A"})) {
		t.Error("IsConflict should match wrapped ConflictError")
	}
	if stepwiseerrors.IsConflict(err) {
		t.Error("IsConflict should not match a StepError")
	}
}

func TestIsNotFound(t *testing.T) {
	err := fmt.Errorf("get: %w", &stepwiseerrors.NotFoundError{Resource: "run", ID: "r1"})
	if !stepwiseerrors.IsNotFound(err) {
		t.Error("IsNotFound should match wrapped NotFoundError")
	}
	if stepwiseerrors.IsNotFound(errors.New("other")) {
		t.Error("IsNotFound should not match plain errors")
	}
}
