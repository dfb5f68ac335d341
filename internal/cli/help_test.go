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
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

// newHelpTree builds a small command tree shaped like stepwise's.
func newHelpTree() *cobra.Command {
	rootCmd := &cobra.Command{Use: "stepwise", Short: "Resumable jobs"}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().Bool("verbose", false, "Verbose output")

	add := func(parent *cobra.Command, use, group string) *cobra.Command {
		c := &cobra.Command{Use: use, Short: use + " command", RunE: func(*cobra.Command, []string) error { return nil }}
		if group != "" {
			c.Annotations = map[string]string{"group": group}
		}
		parent.AddCommand(c)
		return c
	}
	add(rootCmd, "version", "diagnostics")
	runs := add(rootCmd, "runs", "management")
	add(runs, "list", "")
	add(runs, "show", "")
	run := add(rootCmd, "run", "execution")
	run.Example = "  stepwise run nightly"
	run.Flags().Bool("fresh", false, "Ignore the checkpoint")
	add(rootCmd, "stop", "execution")

	rootCmd.SetHelpCommand(NewHelpCommand(rootCmd))
	return rootCmd
}

func runHelp(t *testing.T, rootCmd *cobra.Command, args ...string) (HelpResponse, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(append([]string{"help"}, args...))
	if err := rootCmd.Execute(); err != nil {
		return HelpResponse{}, err
	}
	var resp HelpResponse
	if err := json.NewDecoder(strings.NewReader(buf.String())).Decode(&resp); err != nil {
		t.Fatalf("failed to parse JSON output: %v\nOutput: %s", err, buf.String())
	}
	return resp, nil
}

func TestHelpCommandJSON_ListsCommandsByGroup(t *testing.T) {
	resp, err := runHelp(t, newHelpTree(), "--json")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if resp.Version != "1.0" || !resp.Success {
		t.Errorf("unexpected envelope: %+v", resp.JSONResponse)
	}
	if resp.Command != nil {
		t.Errorf("expected no single command, got %+v", resp.Command)
	}

	var names []string
	for _, c := range resp.Commands {
		names = append(names, c.Name)
	}
	want := "run,stop,runs,version"
	if got := strings.Join(names, ","); got != want {
		t.Errorf("command order = %s, want %s", got, want)
	}
	if len(resp.GlobalFlags) != 1 || resp.GlobalFlags[0].Name != "verbose" {
		t.Errorf("unexpected global flags: %+v", resp.GlobalFlags)
	}
	if !strings.HasSuffix(resp.DocsURL, "#cli") {
		t.Errorf("docs_url = %q", resp.DocsURL)
	}
}

func TestHelpCommandJSON_IncludesExitCodes(t *testing.T) {
	resp, err := runHelp(t, newHelpTree(), "--json")
	if err != nil {
		t.Fatal(err)
	}

	codes := map[int]bool{}
	for _, c := range resp.ExitCodes {
		codes[c.Code] = true
		if c.Meaning == "" {
			t.Errorf("exit code %d has no meaning", c.Code)
		}
	}
	for _, code := range []int{0, 1, 2, 3, 4, 130} {
		if !codes[code] {
			t.Errorf("exit code %d missing", code)
		}
	}
}

func TestHelpCommandJSON_SingleCommand(t *testing.T) {
	resp, err := runHelp(t, newHelpTree(), "run", "--json")
	if err != nil {
		t.Fatal(err)
	}

	if resp.Command == nil {
		t.Fatal("expected command metadata")
	}
	if resp.Command.Name != "run" || resp.Command.Group != "execution" {
		t.Errorf("unexpected metadata: %+v", resp.Command)
	}
	if resp.Command.Examples == "" {
		t.Error("expected examples to be populated")
	}
	if len(resp.Commands) != 0 {
		t.Errorf("expected no command list, got %d", len(resp.Commands))
	}
	if resp.JSONResponse.Command != "help stepwise run" {
		t.Errorf("envelope command = %q", resp.JSONResponse.Command)
	}
}

func TestHelpCommandJSON_KeysDoNotCollide(t *testing.T) {
	rootCmd := newHelpTree()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetArgs([]string{"help", "run", "--json"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatal(err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(buf.Bytes(), &raw); err != nil {
		t.Fatalf("failed to parse JSON output: %v", err)
	}
	var envelope string
	if err := json.Unmarshal(raw["command"], &envelope); err != nil || envelope != "help stepwise run" {
		t.Errorf("command = %s, want the envelope string", raw["command"])
	}
	if _, ok := raw["command_metadata"]; !ok {
		t.Errorf("command_metadata missing from %s", buf.String())
	}
}

func TestHelpCommandJSON_SubcommandInheritsGroup(t *testing.T) {
	resp, err := runHelp(t, newHelpTree(), "runs", "list", "--json")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Command == nil || resp.Command.Name != "list" {
		t.Fatalf("unexpected command: %+v", resp.Command)
	}
	if resp.Command.Group != "management" {
		t.Errorf("group = %q, want management", resp.Command.Group)
	}
}

func TestHelpCommand_UnknownCommand(t *testing.T) {
	_, err := runHelp(t, newHelpTree(), "frobnicate", "--json")
	if err == nil || !strings.Contains(err.Error(), "frobnicate") {
		t.Errorf("expected not found error, got %v", err)
	}
}

func TestHelpCommandHumanOutput(t *testing.T) {
	rootCmd := newHelpTree()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs([]string{"help"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Error("expected human output, got JSON")
	}
}

func TestExtractCommandMetadata(t *testing.T) {
	cmd := &cobra.Command{
		Use:     "checkpoint",
		Short:   "Inspect checkpoints",
		Long:    "Show or clear a job's checkpoint",
		Example: "stepwise checkpoint show nightly",
		Aliases: []string{"cp", "ckpt"},
		Annotations: map[string]string{
			"group": "management",
		},
	}
	cmd.Flags().String("format", "table", "Output format")
	cmd.Flags().Bool("yes", false, "Skip confirmation")
	cmd.Flags().String("internal", "", "Internal use")
	if err := cmd.Flags().MarkHidden("internal"); err != nil {
		t.Fatal(err)
	}

	metadata := extractCommandMetadata(cmd)

	if metadata.Name != "checkpoint" || metadata.Short != "Inspect checkpoints" {
		t.Errorf("unexpected name/short: %+v", metadata)
	}
	if metadata.Group != "management" {
		t.Errorf("group = %s", metadata.Group)
	}
	if len(metadata.Aliases) != 2 {
		t.Errorf("expected 2 aliases, got %d", len(metadata.Aliases))
	}
	if len(metadata.Flags) != 2 {
		t.Errorf("expected 2 visible flags, got %d", len(metadata.Flags))
	}
}

func TestExtractGlobalFlags(t *testing.T) {
	rootCmd := &cobra.Command{Use: "stepwise"}
	rootCmd.PersistentFlags().Bool("verbose", false, "Verbose output")
	rootCmd.PersistentFlags().String("root", "", "State root directory")

	flags := extractGlobalFlags(rootCmd)
	if len(flags) != 2 {
		t.Fatalf("expected 2 global flags, got %d", len(flags))
	}
	byName := map[string]FlagMetadata{}
	for _, f := range flags {
		byName[f.Name] = f
	}
	if byName["verbose"].Usage != "Verbose output" {
		t.Errorf("verbose usage = %q", byName["verbose"].Usage)
	}
	if _, ok := byName["root"]; !ok {
		t.Error("expected root flag")
	}
}

func TestExtractGlobalFlags_Empty(t *testing.T) {
	flags := extractGlobalFlags(&cobra.Command{Use: "stepwise"})
	if flags == nil || len(flags) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", flags)
	}
}

func TestExtractCommandMetadata_RequiredFlag(t *testing.T) {
	cmd := &cobra.Command{Use: "exec"}
	cmd.Flags().String("run-id", "", "Run id")
	cmd.Flags().Int("step", 0, "Start step")
	if err := cmd.MarkFlagRequired("run-id"); err != nil {
		t.Fatal(err)
	}

	meta := extractCommandMetadata(cmd)
	required := map[string]bool{}
	for _, f := range meta.Flags {
		required[f.Name] = f.Required
	}
	if !required["run-id"] {
		t.Error("expected run-id to be required")
	}
	if required["step"] {
		t.Error("expected step to be optional")
	}
}
