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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/stepwise/internal/commands/shared"
)

// NewRecoverCommand creates the recover command.
func NewRecoverCommand() *cobra.Command {
	return &cobra.Command{
		Use: "recover",
		Annotations: map[string]string{
			"group": "management",
		},
		Short: "Mark orphaned runs as interrupted and remove stale locks",
		Long: `Scan for runs still recorded as running whose controller is gone.

Each orphaned run is marked interrupted so it can be resumed, and any lock left
behind by a dead process is removed. Runs with a live holder are untouched.
Running recover repeatedly is safe.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.OpenController()
			if err != nil {
				return err
			}
			defer c.Close()

			sum, err := c.Recover(cmd.Context())
			if err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.EmitJSON(sum)
			}
			if shared.GetQuiet() {
				return nil
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Checked %d running run(s)\n", sum.Checked)
			for _, id := range sum.Reconciled {
				fmt.Fprintf(out, "  %s %s\n", shared.RenderWarn("interrupted"), id)
			}
			for _, id := range sum.Skipped {
				fmt.Fprintf(out, "  %s %s\n", shared.RenderOK("still running"), id)
			}
			for _, job := range sum.LocksRemoved {
				fmt.Fprintf(out, "  removed stale lock for %s\n", job)
			}
			if sum.MirrorReconciled > 0 {
				fmt.Fprintf(out, "  reconciled %d mirror row(s)\n", sum.MirrorReconciled)
			}
			for _, e := range sum.Errors {
				fmt.Fprintf(out, "  %s\n", shared.RenderError(e))
			}
			return nil
		},
	}
}
