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

package tracing

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"sort"
	"time"
)

// Span is an exported span read back from the trace file.
type Span struct {
	Name       string         `json:"name"`
	TraceID    string         `json:"trace_id"`
	SpanID     string         `json:"span_id"`
	ParentID   string         `json:"parent_id,omitempty"`
	StartTime  time.Time      `json:"start_time"`
	EndTime    time.Time      `json:"end_time"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Failed     bool           `json:"failed"`
	Message    string         `json:"message,omitempty"`
}

// Duration returns the span's wall time.
func (s *Span) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// exportedSpan mirrors the subset of the stdouttrace JSON encoding we read.
type exportedSpan struct {
	Name        string
	SpanContext struct {
		TraceID string
		SpanID  string
	}
	Parent struct {
		SpanID string
	}
	StartTime  time.Time
	EndTime    time.Time
	Attributes []struct {
		Key   string
		Value struct {
			Type  string
			Value any
		}
	}
	Status struct {
		Code        string
		Description string
	}
}

const zeroSpanID = "0000000000000000"

// ReadRunSpans returns every span in path belonging to runID's trace, oldest
// first. A missing file yields no spans; undecodable lines are skipped.
func ReadRunSpans(path, runID string) ([]*Span, error) {
	// #nosec G304 -- trace file path comes from configuration.
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var all []*Span
	traces := make(map[string]bool)

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var raw exportedSpan
		if err := json.Unmarshal(sc.Bytes(), &raw); err != nil || raw.SpanContext.SpanID == "" {
			continue
		}
		s := &Span{
			Name:       raw.Name,
			TraceID:    raw.SpanContext.TraceID,
			SpanID:     raw.SpanContext.SpanID,
			StartTime:  raw.StartTime,
			EndTime:    raw.EndTime,
			Attributes: make(map[string]any, len(raw.Attributes)),
			Failed:     raw.Status.Code == "Error",
			Message:    raw.Status.Description,
		}
		if raw.Parent.SpanID != zeroSpanID {
			s.ParentID = raw.Parent.SpanID
		}
		for _, kv := range raw.Attributes {
			s.Attributes[kv.Key] = kv.Value.Value
		}
		if id, _ := s.Attributes[string(AttrRunID)].(string); id == runID {
			traces[s.TraceID] = true
		}
		all = append(all, s)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	var spans []*Span
	for _, s := range all {
		if traces[s.TraceID] {
			spans = append(spans, s)
		}
	}
	sort.SliceStable(spans, func(i, j int) bool {
		return spans[i].StartTime.Before(spans[j].StartTime)
	})
	return spans, nil
}
