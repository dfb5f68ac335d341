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
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestProvider_RecordsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()

	provider, err := NewProvider(Config{ServiceName: "stepwise-test"}, sdktrace.WithSyncer(exporter))
	require.NoError(t, err)
	defer provider.Shutdown(context.Background())

	ctx, run := provider.Tracer().Start(context.Background(), "run")
	run.SetAttributes(AttrJobID.String("A"))
	_, step := provider.Tracer().Start(ctx, "step")
	End(step, errors.New("exit status 1"))
	End(run, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)

	var stepSpan, runSpan *tracetest.SpanStub
	for i := range spans {
		switch spans[i].Name {
		case "step":
			stepSpan = &spans[i]
		case "run":
			runSpan = &spans[i]
		}
	}
	require.NotNil(t, stepSpan)
	require.NotNil(t, runSpan)

	assert.Equal(t, runSpan.SpanContext.SpanID(), stepSpan.Parent.SpanID())
	assert.Equal(t, codes.Error, stepSpan.Status.Code)
	assert.Equal(t, codes.Ok, runSpan.Status.Code)
}

func TestProvider_NoopWithoutFile(t *testing.T) {
	provider, err := NewProvider(Config{})
	require.NoError(t, err)

	_, span := provider.Tracer().Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	End(span, nil)
	assert.NoError(t, provider.Shutdown(context.Background()))
}

func TestProvider_FileExport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "traces.jsonl")

	provider, err := NewProvider(Config{ServiceName: "stepwise", File: path})
	require.NoError(t, err)

	_, span := provider.Tracer().Start(context.Background(), "run")
	End(span, nil)
	require.NoError(t, provider.Shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"Name":"run"`), "trace file: %s", data)
}

func TestReadRunSpans(t *testing.T) {
	file := filepath.Join(t.TempDir(), "traces.jsonl")
	p, err := NewProvider(Config{ServiceName: "stepwise", File: file})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}

	tracer := p.Tracer()
	for _, runID := range []string{"run-a", "run-b"} {
		ctx, run := tracer.Start(context.Background(), "stepwise.run", trace.WithAttributes(AttrRunID.String(runID)))
		_, step := tracer.Start(ctx, "stepwise.step", trace.WithAttributes(AttrStep.Int(0)))
		End(step, errors.New("exit status 3"))
		End(run, nil)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	spans, err := ReadRunSpans(file, "run-b")
	if err != nil {
		t.Fatalf("ReadRunSpans: %v", err)
	}
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}

	run, step := spans[0], spans[1]
	if run.Name != "stepwise.run" || run.ParentID != "" {
		t.Errorf("run span = %+v", run)
	}
	if run.Attributes[string(AttrRunID)] != "run-b" {
		t.Errorf("run id attribute = %v", run.Attributes[string(AttrRunID)])
	}
	if step.ParentID != run.SpanID {
		t.Errorf("step parent = %q, want %q", step.ParentID, run.SpanID)
	}
	if !step.Failed || step.Message != "exit status 3" {
		t.Errorf("step status = %v %q", step.Failed, step.Message)
	}
	if step.Attributes[string(AttrStep)] != float64(0) {
		t.Errorf("step attribute = %v", step.Attributes[string(AttrStep)])
	}
}

func TestReadRunSpans_MissingFile(t *testing.T) {
	spans, err := ReadRunSpans(filepath.Join(t.TempDir(), "none.jsonl"), "run-a")
	if err != nil || spans != nil {
		t.Fatalf("got %v, %v", spans, err)
	}
}
