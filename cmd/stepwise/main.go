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

package main

import (
	"github.com/tombee/stepwise/internal/cli"
	"github.com/tombee/stepwise/internal/commands/completion"
	"github.com/tombee/stepwise/internal/commands/management"
	"github.com/tombee/stepwise/internal/commands/run"
	versioncmd "github.com/tombee/stepwise/internal/commands/version"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildDate)

	rootCmd := cli.NewRootCommand()

	// Execution
	rootCmd.AddCommand(run.NewCommand())
	rootCmd.AddCommand(run.NewResumeCommand())
	rootCmd.AddCommand(run.NewStopCommand())
	rootCmd.AddCommand(run.NewExecCommand())

	// State inspection and maintenance
	rootCmd.AddCommand(management.NewStatusCommand())
	rootCmd.AddCommand(management.NewRunsCommand())
	rootCmd.AddCommand(management.NewCheckpointCommand())
	rootCmd.AddCommand(management.NewLockCommand())
	rootCmd.AddCommand(management.NewRecoverCommand())

	rootCmd.AddCommand(completion.NewCommand())
	rootCmd.AddCommand(versioncmd.NewVersionCommand())

	rootCmd.SetHelpCommand(cli.NewHelpCommand(rootCmd))

	if err := rootCmd.Execute(); err != nil {
		cli.HandleExitError(err)
	}
}
