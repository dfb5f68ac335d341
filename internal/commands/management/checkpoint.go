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

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/tombee/stepwise/internal/checkpoint"
	"github.com/tombee/stepwise/internal/commands/completion"
	"github.com/tombee/stepwise/internal/commands/shared"
)

// confirmFunc asks the user to confirm a destructive action. Tests replace it.
var confirmFunc = func(title string) (bool, error) {
	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Affirmative("Clear").
		Negative("Cancel").
		Value(&ok).
		Run()
	return ok, err
}

// NewCheckpointCommand creates the checkpoint command group.
func NewCheckpointCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use: "checkpoint",
		Annotations: map[string]string{
			"group": "management",
		},
		Short: "Inspect or clear a job's checkpoint",
	}

	cmd.AddCommand(newCheckpointShowCommand())
	cmd.AddCommand(newCheckpointClearCommand())

	return cmd
}

func newCheckpointShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:               "show <job>",
		Short:             "Show completed steps and whether their artifacts still exist",
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completion.CompleteJobIDs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.OpenController()
			if err != nil {
				return err
			}
			defer c.Close()

			info, err := c.Checkpoint(args[0])
			if err != nil {
				return err
			}
			if shared.GetJSON() {
				return shared.EmitJSON(info)
			}
			printCheckpoint(cmd.OutOrStdout(), info)
			return nil
		},
	}
}

func newCheckpointClearCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear <job>",
		Short: "Forget every completed step so the next run starts from step 0",
		Example: `  stepwise checkpoint clear nightly
  stepwise checkpoint clear nightly --yes`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completion.CompleteJobIDs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := args[0]

			if !yes {
				if !shared.CanPrompt() {
					return shared.NewInvalidInputError("refusing to clear checkpoint without confirmation; pass --yes", nil)
				}
				ok, err := confirmFunc(fmt.Sprintf("Clear the checkpoint of %s?", jobID))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "Cancelled")
					return nil
				}
			}

			c, err := shared.OpenController()
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.ClearCheckpoint(jobID); err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.EmitJSON(map[string]any{"job_id": jobID, "cleared": true})
			}
			if !shared.GetQuiet() {
				fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK("checkpoint cleared for "+jobID))
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")

	return cmd
}

func printCheckpoint(out io.Writer, info checkpoint.Info) {
	fmt.Fprintf(out, "Job:        %s\n", info.JobID)
	if info.LastRunAt != nil {
		fmt.Fprintf(out, "Last step:  %s\n", info.LastRunAt.Local().Format(time.RFC3339))
	}
	fmt.Fprintf(out, "Next step:  %d\n", info.NextStep)

	if len(info.Steps) == 0 {
		fmt.Fprintln(out, "\nNo completed steps")
		return
	}

	fmt.Fprintln(out, "\nSTEP NAME                 VERIFIED DURATION  ARTIFACTS")
	for _, s := range info.Steps {
		verified := "yes"
		if !s.Verified {
			verified = "no"
		}
		d := time.Duration(s.DurationSeconds * float64(time.Second)).Round(time.Millisecond)
		fmt.Fprintf(out, "%-4d %-20s %-8s %-9s %d\n", s.Ordinal, truncate(s.Name, 20), verified, d, len(s.Artifacts))
	}
}
