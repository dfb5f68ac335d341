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

/*
Package cli provides the root command and shared configuration for the
stepwise CLI.

This package creates the main Cobra command tree and handles global concerns like
version information, persistent flags, and error handling. Individual commands
are implemented in the internal/commands subpackages.

# Command Tree

	stepwise
	├── run           Run a job (--fresh, --from-step N, --detach)
	├── resume        Resume a job at its first unverified step
	├── stop          Stop a running job
	├── status        Show lock, checkpoint and last run of a job
	├── runs          List and inspect runs
	├── checkpoint    Show or clear a job's checkpoint
	├── lock          Inspect and manage start locks
	├── recover       Reconcile orphaned runs and stale locks
	├── completion    Shell completion scripts
	├── version       Show version
	└── help          Show help

# Usage

From main.go:

	cli.SetVersion(version, commit, date)
	rootCmd := cli.NewRootCommand()
	// ... add commands ...
	if err := rootCmd.Execute(); err != nil {
	    cli.HandleExitError(err)
	}

# Global Flags

All commands inherit these flags:

	--verbose, -v    Enable verbose output
	--quiet, -q      Suppress non-error output
	--json           Output in JSON format
	--config         Path to config file
	--root           State root directory

# Error Handling

Errors are handled centrally to ensure proper exit codes:

  - Exit 0: Success
  - Exit 1: Execution failed
  - Exit 2: Invalid input or job definition
  - Exit 3: Job already running
  - Exit 4: Not found
  - Exit 130: Cancelled

Use HandleExitError for consistent error handling:

	if err := cmd.Execute(); err != nil {
	    cli.HandleExitError(err)
	}
*/
package cli
