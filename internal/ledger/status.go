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

package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning     Status = "RUNNING"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
	StatusCancelled   Status = "CANCELLED"
	StatusInterrupted Status = "INTERRUPTED"
)

// Statuses lists every valid status in display order.
var Statuses = []Status{StatusRunning, StatusCompleted, StatusFailed, StatusCancelled, StatusInterrupted}

// ParseStatus parses s case-insensitively.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown run status %q", s)
	}
	return st, nil
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusRunning, StatusCompleted, StatusFailed, StatusCancelled, StatusInterrupted:
		return true
	default:
		return false
	}
}

// Terminal reports whether the run will never progress.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusInterrupted:
		return true
	case StatusRunning:
		return false
	default:
		return false
	}
}

// Resumable reports whether the job can be resumed from the checkpoint after
// a run ended in this status.
func (s Status) Resumable() bool {
	switch s {
	case StatusFailed, StatusCancelled, StatusInterrupted:
		return true
	case StatusRunning, StatusCompleted:
		return false
	default:
		return false
	}
}

func (s Status) String() string { return string(s) }

// UnmarshalJSON rejects unknown statuses.
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	st := Status(raw)
	if !st.Valid() {
		return fmt.Errorf("unknown run status %q", raw)
	}
	*s = st
	return nil
}
