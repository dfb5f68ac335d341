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

// Package timeline renders a run's spans as an ASCII timeline.
package timeline

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/tombee/stepwise/internal/tracing"
)

const (
	// MinTerminalWidth is the minimum supported terminal width
	MinTerminalWidth = 80
	// DefaultBarWidth is the default width for duration bars
	DefaultBarWidth = 40
	// StatusIconOK indicates successful completion
	StatusIconOK = "✓"
	// StatusIconError indicates failure
	StatusIconError = "✗"
)

// TimelineSpan represents a span in timeline format with position information.
type TimelineSpan struct {
	Name      string
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Failed    bool
	Level     int  // Indentation level for hierarchy
	IsParent  bool // Whether this span has children
}

// Renderer renders ASCII timelines from trace spans.
type Renderer struct {
	Width    int
	BarWidth int
}

// NewRenderer creates a new timeline renderer with terminal width detection.
func NewRenderer() (*Renderer, error) {
	width, _, err := term.GetSize(0)
	if err != nil {
		width = 100
	}
	return NewRendererWidth(width)
}

// NewRendererWidth creates a renderer for a fixed terminal width.
func NewRendererWidth(width int) (*Renderer, error) {
	if width < MinTerminalWidth {
		return nil, fmt.Errorf("terminal width %d is too narrow (minimum %d columns)", width, MinTerminalWidth)
	}

	// "│ name(20) bar  duration(6)  icon │"
	barWidth := width - 40
	if barWidth > 60 {
		barWidth = 60
	}
	if barWidth < DefaultBarWidth {
		barWidth = DefaultBarWidth
	}

	return &Renderer{
		Width:    width,
		BarWidth: barWidth,
	}, nil
}

// Render generates an ASCII timeline for runID from its spans.
func (r *Renderer) Render(runID string, spans []*tracing.Span) (string, error) {
	if len(spans) == 0 {
		return "", fmt.Errorf("no spans to render")
	}

	timelineSpans := r.prepareSpans(spans)
	if len(timelineSpans) == 0 {
		return "", fmt.Errorf("no valid spans to render")
	}

	minTime, maxTime := r.calculateBounds(timelineSpans)
	totalDuration := maxTime.Sub(minTime)
	if totalDuration <= 0 {
		totalDuration = time.Millisecond
	}

	var sb strings.Builder

	border := strings.Repeat("─", r.Width-2)
	sb.WriteString("┌" + border + "┐\n")

	header := fmt.Sprintf("│ Run: %-*s Total: %s  │\n",
		r.Width-23,
		truncate(runID, r.Width-23),
		formatDuration(totalDuration))
	sb.WriteString(header)

	sb.WriteString("├" + border + "┤\n")

	for _, span := range timelineSpans {
		sb.WriteString(r.renderSpan(span, minTime, totalDuration))
	}

	sb.WriteString("└" + border + "┘\n")

	return sb.String(), nil
}

// prepareSpans orders spans depth-first from the roots. A span whose parent
// is not in the set is treated as a root.
func (r *Renderer) prepareSpans(spans []*tracing.Span) []TimelineSpan {
	var result []TimelineSpan

	known := make(map[string]bool, len(spans))
	for _, span := range spans {
		known[span.SpanID] = true
	}

	children := make(map[string][]*tracing.Span)
	var roots []*tracing.Span
	for _, span := range spans {
		if span.ParentID != "" && known[span.ParentID] {
			children[span.ParentID] = append(children[span.ParentID], span)
		} else {
			roots = append(roots, span)
		}
	}

	for _, root := range roots {
		r.convertSpan(root, children, 0, &result)
	}

	return result
}

func (r *Renderer) convertSpan(span *tracing.Span, children map[string][]*tracing.Span, level int, result *[]TimelineSpan) {
	*result = append(*result, TimelineSpan{
		Name:      displayName(span),
		StartTime: span.StartTime,
		EndTime:   span.EndTime,
		Duration:  span.Duration(),
		Failed:    span.Failed,
		Level:     level,
		IsParent:  len(children[span.SpanID]) > 0,
	})

	for _, child := range children[span.SpanID] {
		r.convertSpan(child, children, level+1, result)
	}
}

// displayName labels step spans by ordinal and name.
func displayName(span *tracing.Span) string {
	name, _ := span.Attributes[string(tracing.AttrStepName)].(string)
	ordinal, ok := span.Attributes[string(tracing.AttrStep)].(float64)
	if !ok {
		return span.Name
	}
	if name == "" {
		return fmt.Sprintf("step %d", int(ordinal))
	}
	return fmt.Sprintf("%d %s", int(ordinal), name)
}

// calculateBounds finds the earliest start and latest end time across all spans.
func (r *Renderer) calculateBounds(spans []TimelineSpan) (time.Time, time.Time) {
	if len(spans) == 0 {
		return time.Now(), time.Now()
	}

	minTime := spans[0].StartTime
	maxTime := spans[0].EndTime

	for _, span := range spans {
		if span.StartTime.Before(minTime) {
			minTime = span.StartTime
		}
		if span.EndTime.After(maxTime) {
			maxTime = span.EndTime
		}
	}

	return minTime, maxTime
}

// renderSpan generates a timeline line for a single span.
func (r *Renderer) renderSpan(span TimelineSpan, minTime time.Time, totalDuration time.Duration) string {
	startOffset := span.StartTime.Sub(minTime)
	startPos := int(float64(startOffset) / float64(totalDuration) * float64(r.BarWidth))
	barLength := int(float64(span.Duration) / float64(totalDuration) * float64(r.BarWidth))

	if startPos >= r.BarWidth {
		startPos = r.BarWidth - 1
	}
	if barLength < 1 {
		barLength = 1
	}
	if startPos+barLength > r.BarWidth {
		barLength = r.BarWidth - startPos
	}

	bar := make([]rune, r.BarWidth)
	for i := 0; i < r.BarWidth; i++ {
		if i >= startPos && i < startPos+barLength {
			bar[i] = '█'
		} else {
			bar[i] = '░'
		}
	}

	statusIcon := StatusIconOK
	if span.Failed {
		statusIcon = StatusIconError
	}

	indent := strings.Repeat("  ", span.Level)
	prefix := ""
	if span.Level > 0 {
		if span.IsParent {
			prefix = "├─ "
		} else {
			prefix = "└─ "
		}
	}

	nameWidth := 20 - len(indent) - len([]rune(prefix))
	if nameWidth < 10 {
		nameWidth = 10
	}

	return fmt.Sprintf("│ %s%s%-*s %s  %6s  %s │\n",
		indent,
		prefix,
		nameWidth,
		truncate(span.Name, nameWidth),
		string(bar),
		formatDuration(span.Duration),
		statusIcon,
	)
}

// truncate shortens a string to maxLen with ellipsis if needed.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%.1fm", d.Minutes())
	}
	return fmt.Sprintf("%.1fh", d.Hours())
}
