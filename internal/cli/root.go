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

package cli

import (
	"github.com/spf13/cobra"

	"github.com/tombee/stepwise/internal/commands/shared"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for stepwise
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stepwise",
		Short: "stepwise - resumable multi-step jobs",
		Long: `stepwise runs long multi-step jobs as a sequence of child processes and
records what happened so an interrupted or failed job can pick up where it
stopped.

Each completed step is checkpointed together with the artifacts it produced.
'stepwise resume <job>' re-enters at the first step whose checkpoint or
artifacts are missing. A per-job start lock guarantees at most one live
execution, and every attempt is recorded as a run.

Job definitions live in <root>/jobs/<job>.yaml.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	// Get flag pointers from shared package
	verbose, quiet, json, config, root := shared.RegisterFlagPointers()

	// Add global flags
	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable verbose output")
	cmd.PersistentFlags().BoolVarP(quiet, "quiet", "q", false, "Suppress non-error output")
	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(config, "config", "", "Path to config file (default: ~/.config/stepwise/config.yaml)")
	cmd.PersistentFlags().StringVar(root, "root", "", "State root directory (overrides config and STEPWISE_ROOT)")

	return cmd
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
