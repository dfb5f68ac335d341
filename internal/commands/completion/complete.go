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

package completion

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/stepwise/internal/commands/shared"
	"github.com/tombee/stepwise/internal/config"
	"github.com/tombee/stepwise/internal/jobdef"
	"github.com/tombee/stepwise/internal/ledger"
	"github.com/tombee/stepwise/internal/orchestrator"
)

const (
	maxRunCompletions = 50
	listTimeout       = 500 * time.Millisecond
)

// SafeCompletionWrapper wraps a completion function with panic recovery.
// Returns empty completion list on panic or error.
func SafeCompletionWrapper(fn func() ([]string, cobra.ShellCompDirective)) (results []string, directive cobra.ShellCompDirective) {
	results = []string{}
	directive = cobra.ShellCompDirectiveNoFileComp

	defer func() {
		if r := recover(); r != nil {
			results = []string{}
			directive = cobra.ShellCompDirectiveNoFileComp
		}
	}()

	results, directive = fn()
	if results == nil {
		return []string{}, cobra.ShellCompDirectiveNoFileComp
	}
	return results, directive
}

// layout resolves the root the command would operate on without creating
// anything under it.
func layout() (config.Layout, error) {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return config.Layout{}, err
	}
	return cfg.Layout(), nil
}

// CompleteJobIDs completes the first positional argument with the ids of
// job definitions in the jobs directory.
func CompleteJobIDs(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		if len(args) > 0 {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		l, err := layout()
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		ids, err := jobdef.List(l.JobsDir())
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		var out []string
		for _, id := range ids {
			if strings.HasPrefix(id, toComplete) {
				out = append(out, id)
			}
		}
		return out, cobra.ShellCompDirectiveNoFileComp
	})
}

// CompleteRunIDs completes run ids, newest first, described as "job (STATUS)".
func CompleteRunIDs(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		if len(args) > 0 {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		l, err := layout()
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		led, err := ledger.New(ledger.Config{RunsDir: l.RunsDir(), IndexPath: l.IndexPath()})
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}

		ctx, cancel := context.WithTimeout(context.Background(), listTimeout)
		defer cancel()
		runs, err := led.ListRuns(ctx, ledger.Filter{Limit: maxRunCompletions})
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}

		var out []string
		for _, r := range runs {
			if strings.HasPrefix(r.RunID, toComplete) {
				out = append(out, r.RunID+"\t"+r.JobID+" ("+string(r.Status)+")")
			}
		}
		return out, cobra.ShellCompDirectiveNoFileComp
	})
}

// CompleteRunStatus provides completion for --status flag values.
func CompleteRunStatus(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		statuses := make([]string, 0, len(ledger.Statuses))
		for _, s := range ledger.Statuses {
			statuses = append(statuses, strings.ToLower(string(s)))
		}
		return statuses, cobra.ShellCompDirectiveNoFileComp
	})
}

// CompleteRunMode provides completion for the hidden exec --mode flag.
func CompleteRunMode(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		return []string{
			string(orchestrator.ModeFresh) + "\tStart at step 0 after clearing the checkpoint",
			string(orchestrator.ModeResume) + "\tStart at the first step without a verified checkpoint",
			string(orchestrator.ModeStep) + "\tStart at --step, lowered to the first gap",
		}, cobra.ShellCompDirectiveNoFileComp
	})
}
