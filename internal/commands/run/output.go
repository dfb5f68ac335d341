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
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/stepwise/internal/commands/shared"
	"github.com/tombee/stepwise/internal/controller"
	"github.com/tombee/stepwise/internal/ledger"
	"github.com/tombee/stepwise/internal/orchestrator"
)

// ResultResponse is the JSON document printed after a run.
type ResultResponse struct {
	shared.JSONResponse
	Result *orchestrator.Result `json:"result"`
}

// DetachedResponse is the JSON document printed by --detach.
type DetachedResponse struct {
	shared.JSONResponse
	Run *controller.Detached `json:"run"`
}

func printResult(cmd *cobra.Command, res *orchestrator.Result) error {
	if shared.GetJSON() {
		return shared.EmitJSON(ResultResponse{
			JSONResponse: shared.NewJSONResponse("run", res.Status == ledger.StatusCompleted),
			Result:       res,
		})
	}
	if shared.GetQuiet() {
		return nil
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s\n", shared.RenderLabel("Run:"), res.RunID)
	fmt.Fprintf(out, "%s %s\n", shared.RenderLabel("Status:"), shared.RenderRunStatus(string(res.Status)))
	if res.GapAt != nil {
		fmt.Fprintln(out, shared.RenderWarn(fmt.Sprintf(
			"step %d was requested but step %d no longer verifies; started there", res.RequestedStep, *res.GapAt)))
	}
	if len(res.Skipped) > 0 {
		fmt.Fprintf(out, "%s %s\n", shared.RenderLabel("Skipped:"), joinInts(res.Skipped))
	}
	if len(res.CompletedSteps) > 0 {
		fmt.Fprintf(out, "%s %s\n", shared.RenderLabel("Ran:"), joinInts(res.CompletedSteps))
	}
	if res.FailedStep != nil {
		msg := fmt.Sprintf("step %d failed", *res.FailedStep)
		if res.ExitCode != nil {
			msg += fmt.Sprintf(" (exit code %d)", *res.ExitCode)
		}
		fmt.Fprintln(out, shared.RenderError(msg))
		if n := len(res.StepLogs); n > 0 {
			fmt.Fprintf(out, "%s %s\n", shared.RenderLabel("Log:"), res.StepLogs[n-1])
		}
	}
	fmt.Fprintf(out, "%s %s\n", shared.RenderLabel("Duration:"), res.Duration.Round(time.Millisecond))
	return nil
}

func printDetached(cmd *cobra.Command, d *controller.Detached) error {
	if shared.GetJSON() {
		return shared.EmitJSON(DetachedResponse{
			JSONResponse: shared.NewJSONResponse("run", true),
			Run:          d,
		})
	}
	if shared.GetQuiet() {
		fmt.Fprintln(cmd.OutOrStdout(), d.RunID)
		return nil
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, shared.RenderOK(fmt.Sprintf("started %s in the background", d.JobID)))
	fmt.Fprintf(out, "%s %s\n", shared.RenderLabel("Run:"), d.RunID)
	fmt.Fprintf(out, "%s %d\n", shared.RenderLabel("PID:"), d.PID)
	fmt.Fprintf(out, "%s %s\n", shared.RenderLabel("Log:"), d.LogPath)
	return nil
}

func joinInts(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = fmt.Sprint(x)
	}
	return strings.Join(parts, ", ")
}
