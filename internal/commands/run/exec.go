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
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/stepwise/internal/commands/completion"
	"github.com/tombee/stepwise/internal/commands/shared"
	"github.com/tombee/stepwise/internal/controller"
	"github.com/tombee/stepwise/internal/orchestrator"
)

// NewExecCommand creates the hidden command a detached run executes in.
func NewExecCommand() *cobra.Command {
	var (
		runID     string
		mode      string
		step      int
		parentPID int
	)

	cmd := &cobra.Command{
		Use:    "exec <job>",
		Short:  "Execute a job under a lock claimed by a parent process",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := orchestrator.ParseMode(mode)
			if err != nil {
				return shared.NewInvalidInputError("invalid --mode", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := shared.OpenController()
			if err != nil {
				return err
			}
			defer c.Close()

			job, err := c.LoadJob(args[0])
			if err != nil {
				// The lock was claimed for us; give it back before failing.
				c.Locker().ReleaseQuietly(c.Locker().LockPath(args[0]))
				return shared.NewInvalidInputError(fmt.Sprintf("cannot load job %s", args[0]), err)
			}

			res, err := c.Execute(ctx, job, controller.ExecOptions{
				StartOptions: controller.StartOptions{Mode: m, Step: step},
				RunID:        runID,
				ParentPID:    parentPID,
			})
			if res != nil {
				_ = printResult(cmd, res)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "Run id assigned by the parent")
	cmd.Flags().StringVar(&mode, "mode", string(orchestrator.ModeResume), "Start mode (fresh, resume, step)")
	cmd.Flags().IntVar(&step, "step", 0, "Start step for --mode step")
	cmd.Flags().IntVar(&parentPID, "parent-pid", 0, "PID of the process that claimed the lock")
	_ = cmd.RegisterFlagCompletionFunc("mode", completion.CompleteRunMode)
	_ = cmd.MarkFlagRequired("run-id")

	return cmd
}
