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

package management

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/stepwise/internal/commands/completion"
	"github.com/tombee/stepwise/internal/commands/shared"
	"github.com/tombee/stepwise/internal/controller"
	"github.com/tombee/stepwise/internal/ledger"
)

// NewStatusCommand creates the status command.
func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use: "status <job>",
		Annotations: map[string]string{
			"group": "management",
		},
		Short: "Show lock, checkpoint and last run of a job",
		Long: `Show everything known about a job: whether it is running, which steps
have a verified checkpoint, where a resume would start, and the latest run.`,
		Example: `  stepwise status nightly
  stepwise status nightly --json`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completion.CompleteJobIDs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.OpenController()
			if err != nil {
				return err
			}
			defer c.Close()

			st, err := c.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if shared.GetJSON() {
				return shared.EmitJSON(st)
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func printStatus(out io.Writer, st *controller.JobStatus) {
	fmt.Fprintf(out, "%s %s\n", shared.RenderLabel("Job:"), st.JobID)

	switch {
	case st.Running:
		fmt.Fprintf(out, "%s %s (pid %d since %s)\n", shared.RenderLabel("State:"),
			shared.RenderRunStatus(string(ledger.StatusRunning)), st.Lock.HolderPID, st.Lock.AcquiredAt.Local().Format(time.RFC3339))
		if st.Lock.LogPath != "" {
			fmt.Fprintf(out, "%s %s\n", shared.RenderLabel("Log:"), st.Lock.LogPath)
		}
	case st.Lock != nil && st.Lock.Stale():
		fmt.Fprintf(out, "%s idle %s\n", shared.RenderLabel("State:"),
			shared.RenderWarn(fmt.Sprintf("(stale lock: %s)", st.Lock.StaleReason)))
	default:
		fmt.Fprintf(out, "%s idle\n", shared.RenderLabel("State:"))
	}

	if st.DefinitionError != "" {
		fmt.Fprintf(out, "%s %s\n", shared.RenderLabel("Definition:"), shared.RenderError(st.DefinitionError))
	}

	fmt.Fprintln(out)
	if len(st.Checkpoint.Steps) == 0 {
		fmt.Fprintln(out, "No completed steps checkpointed")
	} else {
		fmt.Fprintln(out, "Checkpointed steps:")
		for _, s := range st.Checkpoint.Steps {
			fmt.Fprintf(out, "  %s %d %s\n", shared.RenderVerified(s.Verified), s.Ordinal, s.Name)
		}
	}

	if st.Resume != nil && st.TotalSteps > 0 {
		if st.Resume.Start >= st.TotalSteps {
			fmt.Fprintf(out, "\nResume: nothing to do (%d/%d steps complete)\n", st.TotalSteps, st.TotalSteps)
		} else {
			fmt.Fprintf(out, "\nResume: would start at step %d of %d\n", st.Resume.Start, st.TotalSteps)
		}
	}

	if st.LastRun != nil {
		fmt.Fprintln(out, "\nLast run:")
		r := st.LastRun
		fmt.Fprintf(out, "  %s  %s  %s\n", r.RunID, shared.RenderRunStatus(string(r.Status)), r.CreatedAt.Local().Format(time.RFC3339))
		if r.Error != nil {
			fmt.Fprintf(out, "  [%s] %s\n", r.Error.Kind, r.Error.Message)
		}
	}
}
