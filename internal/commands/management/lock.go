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
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/stepwise/internal/commands/completion"
	"github.com/tombee/stepwise/internal/commands/shared"
	"github.com/tombee/stepwise/internal/lifecycle"
	pkgerrors "github.com/tombee/stepwise/pkg/errors"
)

// NewLockCommand creates the lock command group.
func NewLockCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use: "lock",
		Annotations: map[string]string{
			"group": "management",
		},
		Short: "Inspect and manage per-job start locks",
		Long: `A start lock guarantees at most one live execution per job. The lock
file records the holder PID, the acquisition time, the live log path and the
owning run id.

A lock is stale when its holder has exited or its command line no longer
refers to the job. Stale locks are reclaimed automatically by the next claim.`,
	}

	cmd.AddCommand(newLockClaimCommand())
	cmd.AddCommand(newLockReleaseCommand())
	cmd.AddCommand(newLockShowCommand())
	cmd.AddCommand(newLockListCommand())
	cmd.AddCommand(newLockEventsCommand())
	cmd.AddCommand(newLockWaitCommand())

	return cmd
}

func newLockClaimCommand() *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "claim <job> -- <command> [args...]",
		Short: "Hold a job's start lock while running an external command",
		Long: `Claim the start lock for a job, run the given command, and release the
lock when the command exits. Exits with code 3 if the job is already running.`,
		Example: `  # Run a manual backfill that must not overlap the scheduled job
  stepwise lock claim nightly -- ./backfill.sh --since 2024-01-01`,
		Args:              cobra.MinimumNArgs(2),
		ValidArgsFunction: completion.CompleteJobIDs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := args[0]

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := shared.OpenController()
			if err != nil {
				return err
			}
			defer c.Close()

			handle, res, err := c.Locker().Claim(ctx, jobID, owner)
			if err != nil {
				return err
			}
			if !res.Acquired {
				return &pkgerrors.ConflictError{JobID: jobID, HolderPID: res.HolderPID, Reason: res.Reason}
			}
			defer handle.ReleaseQuietly()

			if !shared.GetQuiet() && !shared.GetJSON() {
				fmt.Fprintln(cmd.ErrOrStderr(), shared.RenderOK(fmt.Sprintf("lock claimed for %s (%s)", jobID, res.LockPath)))
			}

			// #nosec G204 -- the command is supplied by the operator.
			child := exec.CommandContext(ctx, args[1], args[2:]...)
			child.Stdin = os.Stdin
			child.Stdout = cmd.OutOrStdout()
			child.Stderr = cmd.ErrOrStderr()
			child.Cancel = func() error { return child.Process.Signal(syscall.SIGTERM) }
			child.WaitDelay = c.Config().StopTimeout

			if err := child.Run(); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				var exitErr *exec.ExitError
				if errors.As(err, &exitErr) {
					return &shared.ExitError{Code: exitErr.ExitCode(), Message: "command failed", Cause: err}
				}
				return shared.NewExecutionError("command failed", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "manual", "Owner label recorded in the lock file")

	return cmd
}

func newLockReleaseCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "release <job>",
		Short: "Remove a stale start lock",
		Long: `Remove a job's start lock if its holder is gone. A lock held by a live
process is left alone unless --force is given; use 'stepwise stop' to end a
running job instead.`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completion.CompleteJobIDs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := args[0]

			c, err := shared.OpenController()
			if err != nil {
				return err
			}
			defer c.Close()

			locker := c.Locker()
			info, err := locker.Inspect(jobID)
			if err != nil {
				return err
			}

			removed := false
			switch {
			case !info.Exists:
			case info.Live() && !force:
				return &pkgerrors.ConflictError{JobID: jobID, HolderPID: info.HolderPID}
			case info.Live():
				if err := locker.Release(info.Path); err != nil {
					return err
				}
				removed = true
			default:
				if removed, err = locker.RemoveStale(jobID); err != nil {
					return err
				}
			}

			if shared.GetJSON() {
				return shared.EmitJSON(map[string]any{"job_id": jobID, "removed": removed})
			}
			if shared.GetQuiet() {
				return nil
			}
			if removed {
				fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK("lock released for "+jobID))
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "No lock held for %s\n", jobID)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Remove the lock even if its holder is alive")

	return cmd
}

func newLockShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:               "show <job>",
		Short:             "Show a job's start lock",
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completion.CompleteJobIDs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.OpenController()
			if err != nil {
				return err
			}
			defer c.Close()

			info, err := c.Locker().Inspect(args[0])
			if err != nil {
				return err
			}
			if shared.GetJSON() {
				return shared.EmitJSON(info)
			}
			printLock(cmd.OutOrStdout(), info)
			return nil
		},
	}
}

func newLockWaitCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "wait <job>",
		Short: "Block until a job's start lock is released",
		Long: `Wait returns as soon as the job holds no live lock: its execution has
finished or its holder died. With --timeout, exits with code 3 if the job is
still running when the timeout expires.`,
		Example: `  # Start the backup only after tonight's run is done
  stepwise lock wait nightly --timeout 2h && ./backup.sh`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completion.CompleteJobIDs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := args[0]

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			c, err := shared.OpenController()
			if err != nil {
				return err
			}
			defer c.Close()

			start := time.Now()
			if err := c.Locker().WaitForRelease(ctx, jobID); err != nil {
				if errors.Is(err, context.DeadlineExceeded) {
					return &shared.ExitError{
						Code:    shared.ExitAlreadyRunning,
						Message: fmt.Sprintf("job %s still running after %s", jobID, timeout),
					}
				}
				return err
			}

			if !shared.GetQuiet() && !shared.GetJSON() {
				fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK(fmt.Sprintf("%s is not running (waited %s)", jobID, time.Since(start).Round(time.Second))))
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up after this long (0 waits forever)")

	return cmd
}

func newLockListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every lock file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.OpenController()
			if err != nil {
				return err
			}
			defer c.Close()

			infos, err := c.Locker().List()
			if err != nil {
				return err
			}
			if shared.GetJSON() {
				if infos == nil {
					infos = []*lifecycle.LockInfo{}
				}
				return shared.EmitJSON(map[string]any{"locks": infos})
			}

			out := cmd.OutOrStdout()
			if len(infos) == 0 {
				fmt.Fprintln(out, "No locks held")
				return nil
			}
			fmt.Fprintln(out, "JOB                  PID      STATE  ACQUIRED             OWNER")
			for _, info := range infos {
				state := "live"
				if info.Stale() {
					state = "stale"
				}
				fmt.Fprintf(out, "%-20s %-8d %-6s %-20s %s\n", truncate(info.JobID, 20), info.HolderPID, state,
					info.AcquiredAt.Local().Format("2006-01-02 15:04:05"), info.Owner)
			}
			return nil
		},
	}
}

func newLockEventsCommand() *cobra.Command {
	var (
		job   string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the lock lifecycle log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.OpenController()
			if err != nil {
				return err
			}
			defer c.Close()

			all, err := c.Events().ReadEvents()
			if err != nil {
				return err
			}
			events := make([]lifecycle.LifecycleEvent, 0, len(all))
			for _, e := range all {
				if job == "" || e.JobID == job {
					events = append(events, e)
				}
			}
			if limit > 0 && len(events) > limit {
				events = events[len(events)-limit:]
			}

			if shared.GetJSON() {
				return shared.EmitJSON(map[string]any{"events": events})
			}
			out := cmd.OutOrStdout()
			for _, e := range events {
				line := fmt.Sprintf("%s %-16s %-20s", e.Timestamp.Local().Format(time.RFC3339), e.Event, e.JobID)
				if e.HolderPID > 0 {
					line += fmt.Sprintf(" pid=%d", e.HolderPID)
				}
				if e.Message != "" {
					line += " " + e.Message
				}
				if e.Error != "" {
					line += " " + shared.RenderError(e.Error)
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&job, "job", "", "Only events for this job")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Show the last N events (0 for all)")

	return cmd
}

func printLock(out io.Writer, info *lifecycle.LockInfo) {
	if !info.Exists {
		fmt.Fprintf(out, "No lock held for %s\n", info.JobID)
		return
	}
	fmt.Fprintf(out, "Job:        %s\n", info.JobID)
	fmt.Fprintf(out, "Lock file:  %s\n", info.Path)
	if !info.Valid {
		fmt.Fprintf(out, "State:      %s\n", shared.RenderWarn("unreadable lock file"))
		return
	}
	fmt.Fprintf(out, "Holder PID: %d\n", info.HolderPID)
	fmt.Fprintf(out, "Acquired:   %s\n", info.AcquiredAt.Local().Format(time.RFC3339))
	if info.Owner != "" {
		fmt.Fprintf(out, "Owner:      %s\n", info.Owner)
	}
	if info.ChildPID > 0 {
		fmt.Fprintf(out, "Step PID:   %d\n", info.ChildPID)
	}
	if info.LogPath != "" {
		fmt.Fprintf(out, "Log:        %s\n", info.LogPath)
	}
	if info.Live() {
		fmt.Fprintf(out, "State:      %s\n", shared.RenderOK("live"))
	} else {
		fmt.Fprintf(out, "State:      %s\n", shared.RenderWarn("stale ("+info.StaleReason+")"))
	}
}
