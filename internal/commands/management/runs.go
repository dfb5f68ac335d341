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

// Package management implements the commands that inspect and maintain job
// state: runs, status, checkpoints, locks and recovery.
package management

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/stepwise/internal/cli/format"
	"github.com/tombee/stepwise/internal/cli/timeline"
	"github.com/tombee/stepwise/internal/commands/completion"
	"github.com/tombee/stepwise/internal/commands/shared"
	"github.com/tombee/stepwise/internal/controller"
	"github.com/tombee/stepwise/internal/ledger"
	"github.com/tombee/stepwise/internal/orchestrator"
	"github.com/tombee/stepwise/internal/tracing"
	pkgerrors "github.com/tombee/stepwise/pkg/errors"
)

// NewRunsCommand creates the runs command group.
func NewRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use: "runs",
		Annotations: map[string]string{
			"group": "management",
		},
		Short: "List and inspect runs",
		Long: `Commands for listing and viewing recorded runs.

Every execution attempt of a job gets a run record under <root>/runs/<run-id>.`,
	}

	cmd.AddCommand(newRunsListCommand())
	cmd.AddCommand(newRunsShowCommand())
	cmd.AddCommand(newRunsReindexCommand())
	cmd.AddCommand(newRunsLogsCommand())
	cmd.AddCommand(newRunsTimelineCommand())

	return cmd
}

func newRunsListCommand() *cobra.Command {
	var (
		status string
		job    string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Example: `  # The last 20 runs
  stepwise runs list

  # Failed runs of one job
  stepwise runs list --job nightly --status failed

  # Resumable runs as JSON
  stepwise runs list --status interrupted --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := ledger.Filter{Limit: limit, JobID: job}
			if status != "" {
				s, err := ledger.ParseStatus(status)
				if err != nil {
					return shared.NewInvalidInputError("invalid --status", err)
				}
				filter.Status = s
			}
			return runsList(cmd, filter)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (running, completed, failed, cancelled, interrupted)")
	cmd.Flags().StringVar(&job, "job", "", "Filter by job id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs (0 for all)")
	_ = cmd.RegisterFlagCompletionFunc("status", completion.CompleteRunStatus)
	_ = cmd.RegisterFlagCompletionFunc("job", completion.CompleteJobIDs)

	return cmd
}

func newRunsShowCommand() *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:               "show <run-id>",
		Short:             "Show a run record",
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completion.CompleteRunIDs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runsShow(cmd, args[0], raw)
		},
	}

	cmd.Flags().BoolVar(&raw, "raw", false, "Print the stored record document")

	return cmd
}

func newRunsLogsCommand() *cobra.Command {
	var step int

	cmd := &cobra.Command{
		Use:   "logs <run-id>",
		Short: "Print the output captured from a run's steps",
		Example: `  # Every step log of a run, in order
  stepwise runs logs 20250101-120000-ab12cd34

  # Only step 2
  stepwise runs logs 20250101-120000-ab12cd34 --step 2`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completion.CompleteRunIDs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.OpenController()
			if err != nil {
				return err
			}
			defer c.Close()

			r, err := c.Run(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			runDir := r.Paths["run_dir"]
			if runDir == "" {
				runDir = c.Layout().RunDir(r.RunID)
			}

			var files []string
			if cmd.Flags().Changed("step") {
				files = []string{orchestrator.StepLogPath(runDir, step)}
			} else if files, err = runLogFiles(runDir); err != nil {
				return err
			}
			return printLogs(cmd.OutOrStdout(), files, len(files) > 1)
		},
	}

	cmd.Flags().IntVar(&step, "step", 0, "Only print this step's log")

	return cmd
}

func newRunsTimelineCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "timeline <run-id>",
		Short: "Render a run's step spans as a timeline",
		Long: `Render the run and step spans recorded for a run as an ASCII timeline.

Requires tracing to be enabled (tracing.enabled in the config file).`,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completion.CompleteRunIDs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.OpenController()
			if err != nil {
				return err
			}
			defer c.Close()

			traceFile := c.Config().TraceFile()
			if traceFile == "" {
				return shared.NewInvalidInputError("tracing is disabled; enable tracing.enabled to record spans", nil)
			}
			spans, err := tracing.ReadRunSpans(traceFile, args[0])
			if err != nil {
				return err
			}
			if len(spans) == 0 {
				return &pkgerrors.NotFoundError{Resource: "trace", ID: args[0]}
			}

			if shared.GetJSON() {
				return shared.EmitJSON(map[string]any{"run_id": args[0], "spans": spans})
			}

			r, err := timeline.NewRenderer()
			if err != nil {
				return err
			}
			out, err := r.Render(args[0], spans)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func newRunsReindexCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the run index from the run directories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.OpenController()
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.RebuildIndex(cmd.Context()); err != nil {
				return err
			}
			if !shared.GetQuiet() && !shared.GetJSON() {
				fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK("run index rebuilt"))
			}
			return nil
		},
	}
}

func runsList(cmd *cobra.Command, filter ledger.Filter) error {
	c, err := shared.OpenController()
	if err != nil {
		return err
	}
	defer c.Close()

	runs, err := c.Runs(cmd.Context(), filter)
	if err != nil {
		return err
	}

	if shared.GetJSON() {
		if runs == nil {
			runs = []*ledger.RunRecord{}
		}
		return shared.EmitJSON(map[string]any{"runs": runs})
	}

	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs found")
		return nil
	}

	fmt.Fprintln(out, "RUN ID                   JOB                  STATUS       STARTED              DURATION")
	fmt.Fprintln(out, "------------------------ -------------------- ------------ -------------------- --------")
	for _, r := range runs {
		started := "-"
		if r.StartedAt != nil {
			started = r.StartedAt.Local().Format("2006-01-02 15:04:05")
		}
		duration := "-"
		if d := r.Duration(); d > 0 {
			duration = d.Round(time.Second).String()
		}
		// Pad before styling so ANSI codes do not break the columns.
		status := shared.RenderRunStatus(string(r.Status)) + strings.Repeat(" ", max(0, 12-len(r.Status)))
		fmt.Fprintf(out, "%-24s %-20s %s %-20s %s\n", r.RunID, truncate(r.JobID, 20), status, started, duration)
	}
	return nil
}

func runsShow(cmd *cobra.Command, runID string, raw bool) error {
	c, err := shared.OpenController()
	if err != nil {
		return err
	}
	defer c.Close()

	r, err := c.Run(cmd.Context(), runID)
	if err != nil {
		return err
	}

	if shared.GetJSON() {
		return shared.EmitJSON(r)
	}
	if raw {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		out, err := format.FormatJSON(data, format.IsTTY())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	}
	printRun(cmd.OutOrStdout(), r)
	return nil
}

// runLogFiles returns the step logs of runDir in step order, followed by the
// detached runner's log when present.
func runLogFiles(runDir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(runDir, "step-*.log"))
	if err != nil {
		return nil, err
	}
	ordinal := func(p string) int {
		n, _ := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(filepath.Base(p), "step-"), ".log"))
		return n
	}
	sort.Slice(matches, func(i, j int) bool { return ordinal(matches[i]) < ordinal(matches[j]) })

	runner := filepath.Join(runDir, controller.RunnerLogName)
	if _, err := os.Stat(runner); err == nil {
		matches = append(matches, runner)
	}
	return matches, nil
}

func printLogs(out io.Writer, files []string, headers bool) error {
	tty := format.IsTTY()
	for _, f := range files {
		// #nosec G304 -- log paths are derived from the run directory.
		data, err := os.ReadFile(f)
		if err != nil {
			if os.IsNotExist(err) {
				return &pkgerrors.NotFoundError{Resource: "log", ID: filepath.Base(f)}
			}
			return err
		}
		text, err := format.FormatLog(data, tty)
		if err != nil {
			return err
		}
		if headers {
			fmt.Fprintln(out, shared.Header.Render("==> "+filepath.Base(f)+" <=="))
		}
		fmt.Fprint(out, text)
		if headers && len(text) > 0 && !strings.HasSuffix(text, "\n") {
			fmt.Fprintln(out)
		}
	}
	return nil
}

func printRun(out io.Writer, r *ledger.RunRecord) {
	fmt.Fprintf(out, "Run ID:     %s\n", r.RunID)
	fmt.Fprintf(out, "Job:        %s\n", r.JobID)
	fmt.Fprintf(out, "Status:     %s\n", shared.RenderRunStatus(string(r.Status)))
	fmt.Fprintf(out, "Created:    %s\n", r.CreatedAt.Local().Format(time.RFC3339))
	if r.StartedAt != nil {
		fmt.Fprintf(out, "Started:    %s\n", r.StartedAt.Local().Format(time.RFC3339))
	}
	if r.EndedAt != nil {
		fmt.Fprintf(out, "Ended:      %s (%s)\n", r.EndedAt.Local().Format(time.RFC3339), r.Duration().Round(time.Millisecond))
	}
	if r.Error != nil {
		msg := fmt.Sprintf("[%s] %s", r.Error.Kind, r.Error.Message)
		if r.Error.StepOrdinal != nil {
			msg += fmt.Sprintf(" (step %d", *r.Error.StepOrdinal)
			if r.Error.ExitCode != nil {
				msg += fmt.Sprintf(", exit code %d", *r.Error.ExitCode)
			}
			msg += ")"
		}
		fmt.Fprintf(out, "Error:      %s\n", msg)
	}

	if len(r.Metrics) > 0 {
		fmt.Fprintln(out, "\nMetrics:")
		for _, k := range sortedKeys(r.Metrics) {
			fmt.Fprintf(out, "  %-18s %g\n", k, r.Metrics[k])
		}
	}
	if len(r.Paths) > 0 {
		fmt.Fprintln(out, "\nPaths:")
		for _, k := range sortedKeys(r.Paths) {
			fmt.Fprintf(out, "  %-18s %s\n", k, r.Paths[k])
		}
	}
	for _, category := range sortedKeys(r.Artifacts) {
		paths := r.Artifacts[category]
		if len(paths) == 0 {
			continue
		}
		fmt.Fprintf(out, "\nArtifacts (%s):\n", category)
		for _, p := range paths {
			fmt.Fprintf(out, "  %s\n", p)
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
