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
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tombee/stepwise/internal/commands/shared"
)

const docsBaseURL = "https://github.com/tombee/stepwise"

// groupOrder controls how commands are listed in JSON help. Unknown groups sort last.
var groupOrder = map[string]int{
	"execution":   0,
	"management":  1,
	"diagnostics": 2,
}

// CommandMetadata describes one command for machine consumers.
type CommandMetadata struct {
	Name        string         `json:"name"`
	Short       string         `json:"short"`
	Long        string         `json:"long,omitempty"`
	Usage       string         `json:"usage"`
	Flags       []FlagMetadata `json:"flags,omitempty"`
	Examples    string         `json:"examples,omitempty"`
	Subcommands []string       `json:"subcommands,omitempty"`
	Group       string         `json:"group,omitempty"`
	Aliases     []string       `json:"aliases,omitempty"`
}

type FlagMetadata struct {
	Name      string `json:"name"`
	Shorthand string `json:"shorthand,omitempty"`
	Usage     string `json:"usage"`
	Default   string `json:"default,omitempty"`
	Required  bool   `json:"required"`
}

// ExitCodeMetadata documents a process exit status so scripts can branch on it.
type ExitCodeMetadata struct {
	Code    int    `json:"code"`
	Meaning string `json:"meaning"`
}

type HelpResponse struct {
	shared.JSONResponse
	Commands    []CommandMetadata  `json:"commands,omitempty"`
	Command     *CommandMetadata   `json:"command_metadata,omitempty"`
	GlobalFlags []FlagMetadata     `json:"global_flags,omitempty"`
	ExitCodes   []ExitCodeMetadata `json:"exit_codes"`
	DocsURL     string             `json:"docs_url"`
}

var exitCodes = []ExitCodeMetadata{
	{Code: shared.ExitSuccess, Meaning: "success, or nothing left to resume"},
	{Code: shared.ExitExecutionFailed, Meaning: "a step failed or the run could not be recorded"},
	{Code: shared.ExitInvalidInput, Meaning: "invalid arguments, configuration or job definition"},
	{Code: shared.ExitAlreadyRunning, Meaning: "the job's start lock is held by a live process"},
	{Code: shared.ExitNotFound, Meaning: "job, run or lock not found"},
	{Code: shared.ExitCancelled, Meaning: "interrupted by a signal"},
}

// NewHelpCommand creates the help command
func NewHelpCommand(rootCmd *cobra.Command) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "help [command]",
		Short: "Help about any command",
		Long: `Help provides detailed information about commands and their usage.

Run 'stepwise help' to see all available commands.
Run 'stepwise help <command>' to see detailed help for a specific command.
Use --json for machine-readable output, including the exit code table.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			useJSON := shared.GetJSON() || jsonOutput

			if len(args) == 0 {
				if !useJSON {
					return rootCmd.Help()
				}
				return writeHelp(cmd.OutOrStdout(), HelpResponse{
					JSONResponse: shared.NewJSONResponse("help", true),
					Commands:     listCommands(rootCmd),
					GlobalFlags:  extractGlobalFlags(rootCmd),
				})
			}

			targetCmd, _, err := rootCmd.Find(args)
			if err != nil || targetCmd == rootCmd {
				return shared.NewInvalidInputError(fmt.Sprintf("command %q not found", args[0]), nil)
			}
			if !useJSON {
				return targetCmd.Help()
			}

			metadata := extractCommandMetadata(targetCmd)
			return writeHelp(cmd.OutOrStdout(), HelpResponse{
				JSONResponse: shared.NewJSONResponse("help "+targetCmd.CommandPath(), true),
				Command:      &metadata,
				GlobalFlags:  extractGlobalFlags(rootCmd),
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	return cmd
}

func writeHelp(out io.Writer, resp HelpResponse) error {
	resp.ExitCodes = exitCodes
	resp.DocsURL = docsBaseURL + "#cli"
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(resp)
}

// listCommands returns the visible top-level commands ordered by group, then name.
func listCommands(rootCmd *cobra.Command) []CommandMetadata {
	commands := []CommandMetadata{}
	for _, c := range rootCmd.Commands() {
		if c.Hidden || c.Name() == "help" {
			continue
		}
		commands = append(commands, extractCommandMetadata(c))
	}
	sort.SliceStable(commands, func(i, j int) bool {
		gi, gj := groupRank(commands[i].Group), groupRank(commands[j].Group)
		if gi != gj {
			return gi < gj
		}
		return commands[i].Name < commands[j].Name
	})
	return commands
}

func groupRank(group string) int {
	if rank, ok := groupOrder[group]; ok {
		return rank
	}
	return len(groupOrder)
}

func extractCommandMetadata(cmd *cobra.Command) CommandMetadata {
	metadata := CommandMetadata{
		Name:     cmd.Name(),
		Short:    cmd.Short,
		Long:     cmd.Long,
		Usage:    cmd.UseLine(),
		Examples: cmd.Example,
		Aliases:  cmd.Aliases,
	}

	// Subcommands inherit their parent's group.
	for c := cmd; c != nil; c = c.Parent() {
		if group, ok := c.Annotations["group"]; ok {
			metadata.Group = group
			break
		}
	}

	metadata.Flags = collectFlags(cmd.Flags(), true)

	for _, sub := range cmd.Commands() {
		if !sub.Hidden {
			metadata.Subcommands = append(metadata.Subcommands, sub.Name())
		}
	}

	return metadata
}

func extractGlobalFlags(rootCmd *cobra.Command) []FlagMetadata {
	flags := collectFlags(rootCmd.PersistentFlags(), false)
	if flags == nil {
		flags = []FlagMetadata{}
	}
	return flags
}

func collectFlags(set *pflag.FlagSet, markRequired bool) []FlagMetadata {
	var flags []FlagMetadata
	set.VisitAll(func(flag *pflag.Flag) {
		if flag.Hidden {
			return
		}
		meta := FlagMetadata{
			Name:      flag.Name,
			Shorthand: flag.Shorthand,
			Usage:     flag.Usage,
			Default:   flag.DefValue,
		}
		if markRequired {
			if ann := flag.Annotations[cobra.BashCompOneRequiredFlag]; len(ann) > 0 && ann[0] == "true" {
				meta.Required = true
			}
		}
		flags = append(flags, meta)
	})
	return flags
}
