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

package errors

import (
	"errors"
)

// IsNotFound reports whether err (or any error it wraps) is a *NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err (or any error it wraps) is a *ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// AsStepError extracts a *StepError from err's chain.
func AsStepError(err error) (*StepError, bool) {
	var se *StepError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// Persistence wraps an I/O failure as a *PersistenceError.
// If err is nil, returns nil.
func Persistence(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Path: path, Cause: err}
}
