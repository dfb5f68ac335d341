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

package run

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/stepwise/internal/commands/completion"
	"github.com/tombee/stepwise/internal/commands/shared"
	"github.com/tombee/stepwise/internal/controller"
)

// NewStopCommand creates the stop command.
func NewStopCommand() *cobra.Command {
	var (
		timeout time.Duration
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "stop <job>",
		Short: "Stop a running job",
		Annotations: map[string]string{
			"group": "execution",
		},
		Long: `Stop sends SIGTERM to the process holding the job's start lock. The holder
stops its current step and records the run as CANCELLED; the checkpoint keeps
every step completed so far, so 'stepwise resume' picks up where it stopped.

With --force, a holder still alive after --timeout is killed and its run is
reconciled as INTERRUPTED.

A job hosted by a longer-lived process (a service embedding stepwise) is
stopped by terminating its current step only; the host records the step as
failed and keeps running.`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completion.CompleteJobIDs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.OpenController()
			if err != nil {
				return err
			}
			defer c.Close()

			lock, err := c.Stop(cmd.Context(), args[0], timeout, force)
			if errors.Is(err, controller.ErrNotRunning) {
				return &shared.ExitError{Code: shared.ExitNotFound, Message: fmt.Sprintf("job %s is not running", args[0])}
			}
			if errors.Is(err, controller.ErrBetweenSteps) {
				return &shared.ExitError{
					Code:    shared.ExitAlreadyRunning,
					Message: fmt.Sprintf("job %s is hosted by pid %d and has no step to stop", args[0], lock.HolderPID),
				}
			}
			if err != nil {
				return err
			}

			stopped := lock.HolderPID
			if !lock.Dedicated {
				stopped = lock.ChildPID
			}
			if shared.GetJSON() {
				return shared.EmitJSON(map[string]any{"job_id": args[0], "stopped_pid": stopped})
			}
			if !shared.GetQuiet() {
				fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK(fmt.Sprintf("stopped %s (pid %d)", args[0], stopped)))
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "How long to wait for the holder to exit (default: twice stop_timeout)")
	cmd.Flags().BoolVar(&force, "force", false, "Kill the holder if it does not exit in time")

	return cmd
}
