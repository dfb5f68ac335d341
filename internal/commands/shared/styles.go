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

package shared

import (
	"github.com/charmbracelet/lipgloss"
)

// Palette for human output. lipgloss drops the colors when stdout is not a terminal.
var (
	statusOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))  // green
	statusWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // orange
	statusError = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // red
	statusInfo  = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))  // blue
	muted       = lipgloss.NewStyle().Foreground(lipgloss.Color("245")) // gray

	// Header styles section headings such as log file banners.
	Header = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
)

const (
	SymbolOK    = "✓"
	SymbolWarn  = "⚠"
	SymbolError = "✗"
)

func RenderOK(msg string) string {
	return statusOK.Render(SymbolOK) + " " + msg
}

func RenderWarn(msg string) string {
	return statusWarn.Render(SymbolWarn) + " " + msg
}

func RenderError(msg string) string {
	return statusError.Render(SymbolError) + " " + msg
}

// RenderVerified tags a checkpointed step by whether its artifacts were checked on completion.
func RenderVerified(verified bool) string {
	if verified {
		return statusOK.Render("[verified]")
	}
	return statusWarn.Render("[unverified]")
}

// RenderRunStatus colors a run status by outcome.
func RenderRunStatus(status string) string {
	switch status {
	case "COMPLETED":
		return statusOK.Render(status)
	case "RUNNING":
		return statusInfo.Render(status)
	case "CANCELLED", "INTERRUPTED":
		return statusWarn.Render(status)
	case "FAILED":
		return statusError.Render(status)
	default:
		return status
	}
}

// RenderLabel renders a dim label for key: value pairs.
func RenderLabel(label string) string {
	return muted.Render(label)
}
