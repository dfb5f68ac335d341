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

// Package run implements the commands that start and stop jobs.
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

// NewCommand creates the run command.
func NewCommand() *cobra.Command {
	var (
		fresh    bool
		fromStep int
		detach   bool
	)

	cmd := &cobra.Command{
		Use:   "run <job>",
		Short: "Run a job",
		Annotations: map[string]string{
			"group": "execution",
		},
		Long: `Run executes a job's steps in order, each as its own child process.

Start step:
  (default)        Resume from the checkpoint's next step
  --fresh          Clear the checkpoint and start at step 0
  --from-step N    Start at step N

Steps before the start step are skipped only if they completed before and
every artifact they declared still exists. If an earlier step fails that
check, the run starts there instead.

Only one run per job may be in progress. A second 'stepwise run' for the same
job exits with code 3 while the first is alive.

See also: stepwise resume, stepwise status, stepwise stop`,
		Example: `  # Run from wherever the job left off
  stepwise run nightly

  # Start over
  stepwise run nightly --fresh

  # Re-run from the fourth step (ordinals start at 0)
  stepwise run nightly --from-step 3

  # Run in the background and return immediately
  stepwise run nightly --detach`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completion.CompleteJobIDs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if fresh && cmd.Flags().Changed("from-step") {
				return shared.NewInvalidInputError("--fresh and --from-step are mutually exclusive", nil)
			}
			opts := controller.StartOptions{Mode: orchestrator.ModeResume}
			switch {
			case fresh:
				opts.Mode = orchestrator.ModeFresh
			case cmd.Flags().Changed("from-step"):
				opts.Mode = orchestrator.ModeStep
				opts.Step = fromStep
			}
			return startJob(cmd, args[0], opts, detach)
		},
	}

	cmd.Flags().BoolVar(&fresh, "fresh", false, "Clear the checkpoint and start at step 0")
	cmd.Flags().IntVar(&fromStep, "from-step", 0, "Start at this step ordinal")
	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "Run in the background and return the run id")

	return cmd
}

// NewResumeCommand creates the resume command.
func NewResumeCommand() *cobra.Command {
	var detach bool

	cmd := &cobra.Command{
		Use:   "resume <job>",
		Short: "Resume a job from its checkpoint",
		Annotations: map[string]string{
			"group": "execution",
		},
		Long: `Resume runs a job from the first step its checkpoint has not completed,
re-running any earlier step whose artifacts have gone missing.`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completion.CompleteJobIDs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return startJob(cmd, args[0], controller.StartOptions{Mode: orchestrator.ModeResume}, detach)
		},
	}

	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "Run in the background and return the run id")

	return cmd
}

func startJob(cmd *cobra.Command, jobID string, opts controller.StartOptions, detach bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := shared.OpenController()
	if err != nil {
		return err
	}
	defer c.Close()

	job, err := c.LoadJob(jobID)
	if err != nil {
		return shared.NewInvalidInputError(fmt.Sprintf("cannot load job %s", jobID), err)
	}

	if detach {
		d, err := c.Detach(ctx, job, opts)
		if err != nil {
			return err
		}
		return printDetached(cmd, d)
	}

	res, err := c.Start(ctx, job, opts)
	if res != nil {
		if perr := printResult(cmd, res); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}
