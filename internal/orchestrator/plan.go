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

package orchestrator

import (
	"fmt"
	"strings"

	"github.com/tombee/stepwise/internal/checkpoint"
)

// Mode selects how the start step is resolved.
type Mode string

const (
	// ModeFresh clears the checkpoint and starts at step 0.
	ModeFresh Mode = "fresh"
	// ModeResume starts at the checkpoint's next step.
	ModeResume Mode = "resume"
	// ModeStep starts at an explicit ordinal.
	ModeStep Mode = "step"
)

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeFresh, ModeResume, ModeStep:
		return m, nil
	default:
		return "", fmt.Errorf("unknown run mode %q (want fresh, resume or step)", s)
	}
}

// Plan is the resolved start of a run.
type Plan struct {
	Mode Mode `json:"mode"`

	// Requested is the start step before verification.
	Requested int `json:"requested_step"`

	// Start is where execution begins. It is lower than Requested when an
	// earlier step failed verification.
	Start int `json:"start_step"`

	// Skipped lists the ordinals before Start that passed verification.
	Skipped []int `json:"skipped"`

	// GapAt is the lowest ordinal that failed verification, if any.
	GapAt *int `json:"gap_at,omitempty"`

	Total int `json:"total_steps"`
}

// Done reports whether there is nothing left to run.
func (p Plan) Done() bool { return p.Start >= p.Total }

// resolve computes the plan against cp without modifying it. For ModeFresh
// the caller clears the checkpoint before executing.
func resolve(cp *checkpoint.Checkpoint, mode Mode, step, total int) (Plan, error) {
	plan := Plan{Mode: mode, Total: total}

	switch mode {
	case ModeFresh:
		plan.Requested = 0
	case ModeResume:
		plan.Requested = cp.NextStep()
	case ModeStep:
		if step < 0 || step >= total {
			return Plan{}, fmt.Errorf("step %d out of range (job has %d steps)", step, total)
		}
		plan.Requested = step
	default:
		return Plan{}, fmt.Errorf("unknown run mode %q", mode)
	}

	// A checkpoint can claim more steps than the job now has.
	if plan.Requested > total {
		plan.Requested = total
	}
	plan.Start = plan.Requested

	// Never advance past a verification gap, even when a higher step was
	// asked for explicitly.
	plan.Skipped = []int{}
	for i := 0; i < plan.Requested; i++ {
		if !cp.ShouldSkipStep(i, true) {
			gap := i
			plan.GapAt = &gap
			plan.Start = i
			break
		}
		plan.Skipped = append(plan.Skipped, i)
	}
	return plan, nil
}
