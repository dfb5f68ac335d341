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

// Package tracing wires OpenTelemetry spans for runs and steps.
//
// When no trace file is configured the provider is a no-op, so callers can
// start spans unconditionally.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// InstrumentationName is the tracer scope used by stepwise.
const InstrumentationName = "github.com/tombee/stepwise"

// Attribute keys shared by run and step spans.
const (
	AttrJobID    = attribute.Key("stepwise.job_id")
	AttrRunID    = attribute.Key("stepwise.run_id")
	AttrMode     = attribute.Key("stepwise.mode")
	AttrStep     = attribute.Key("stepwise.step")
	AttrStepName = attribute.Key("stepwise.step_name")
	AttrExitCode = attribute.Key("stepwise.exit_code")
	AttrSkipped  = attribute.Key("stepwise.skipped")
)

// Config configures span export.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// File receives one JSON span per line. Empty disables export.
	File string
}

// Provider owns the tracer provider and the exporter's output file.
type Provider struct {
	tp     trace.TracerProvider
	sdk    *sdktrace.TracerProvider
	closer io.Closer
}

// NewProvider creates a provider. Extra options (e.g. a test syncer) force an
// SDK provider even when no file is configured.
func NewProvider(cfg Config, opts ...sdktrace.TracerProviderOption) (*Provider, error) {
	if cfg.File == "" && len(opts) == 0 {
		return &Provider{tp: noop.NewTracerProvider()}, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	allOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	var closer io.Closer
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o700); err != nil {
			return nil, fmt.Errorf("create trace directory: %w", err)
		}
		// #nosec G304 -- trace file path comes from configuration.
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open trace file: %w", err)
		}
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(f))
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to create file exporter: %w", err)
		}
		allOpts = append(allOpts, sdktrace.WithSyncer(exporter))
		closer = f
	}
	allOpts = append(allOpts, opts...)

	tp := sdktrace.NewTracerProvider(allOpts...)
	return &Provider{tp: tp, sdk: tp, closer: closer}, nil
}

// Tracer returns the stepwise tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil {
		return noop.NewTracerProvider().Tracer(InstrumentationName)
	}
	return p.tp.Tracer(InstrumentationName)
}

// Shutdown flushes pending spans and closes the trace file.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.sdk == nil {
		return nil
	}
	err := p.sdk.Shutdown(ctx)
	if p.closer != nil {
		if cerr := p.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// End records err on span (if any) and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
