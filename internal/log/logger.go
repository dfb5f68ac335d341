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

// Package log configures structured logging for stepwise controllers.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format represents the log output format.
type Format string

const (
	// FormatJSON outputs logs in JSON format for machine parsing.
	FormatJSON Format = "json"
	// FormatText outputs logs in human-readable text format.
	FormatText Format = "text"
)

// LevelTrace is more verbose than Debug, used for per-attempt retry and lock probing detail.
const LevelTrace = slog.Level(-8)

// Standard field keys for structured logging.
// These constants ensure consistent field naming across the codebase.
const (
	// JobIDKey is the field key for job identifiers.
	JobIDKey = "job_id"
	// RunIDKey is the field key for run identifiers.
	RunIDKey = "run_id"
	// StepKey is the field key for step ordinals.
	StepKey = "step"
	// StepNameKey is the field key for step names.
	StepNameKey = "step_name"
	// DurationKey is the field key for duration in milliseconds.
	DurationKey = "duration_ms"
	// PIDKey is the field key for process identifiers.
	PIDKey = "pid"
	// LockPathKey is the field key for start lock file paths.
	LockPathKey = "lock_path"
	// ComponentKey is the field key for component names.
	ComponentKey = "component"
)

// Config holds the logging configuration.
type Config struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	// Default: info
	Level string

	// Format sets the output format (json, text).
	// Default: json
	Format Format

	// Output is the writer for log output.
	// Default: os.Stderr
	Output io.Writer

	// AddSource adds source file and line information to logs.
	AddSource bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: FormatJSON,
		Output: os.Stderr,
	}
}

// FromEnv creates a Config from environment variables.
// Supported environment variables:
//   - STEPWISE_DEBUG: true/1 to enable debug level and source logging (takes precedence)
//   - STEPWISE_LOG_LEVEL: trace, debug, info, warn, error (takes precedence over LOG_LEVEL)
//   - LOG_LEVEL: trace, debug, info, warn, error (default: info)
//   - LOG_FORMAT: json, text (default: json)
//   - LOG_SOURCE: 1 to enable source file/line (default: 0)
func FromEnv() *Config {
	cfg := DefaultConfig()

	debug := os.Getenv("STEPWISE_DEBUG")
	if debug == "true" || debug == "1" {
		cfg.Level = "debug"
		cfg.AddSource = true
	}

	if debug == "" {
		if level := os.Getenv("STEPWISE_LOG_LEVEL"); level != "" {
			cfg.Level = strings.ToLower(level)
		} else if level := os.Getenv("LOG_LEVEL"); level != "" {
			cfg.Level = strings.ToLower(level)
		}
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Format = Format(strings.ToLower(format))
	}

	if os.Getenv("LOG_SOURCE") == "1" {
		cfg.AddSource = true
	}

	return cfg
}

// New creates a new structured logger from the given configuration.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatText:
		handler = slog.NewTextHandler(out, opts)
	case FormatJSON:
		fallthrough
	default:
		handler = slog.NewJSONHandler(out, opts)
	}

	return slog.New(handler)
}

// Discard returns a logger that drops every record. Useful as a default for
// library components constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// OrDiscard returns logger, or a discarding logger if it is nil.
func OrDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return Discard()
	}
	return logger
}

// ParseLevel converts a string level to slog.Level. Unknown values map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithComponent returns a new logger with a component name field.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(ComponentKey, component)
}

// WithJobContext returns a new logger carrying the job id.
func WithJobContext(logger *slog.Logger, jobID string) *slog.Logger {
	return logger.With(slog.String(JobIDKey, jobID))
}

// WithRunContext returns a new logger with job and run context fields.
func WithRunContext(logger *slog.Logger, jobID, runID string) *slog.Logger {
	return logger.With(
		slog.String(JobIDKey, jobID),
		slog.String(RunIDKey, runID),
	)
}

// WithStepContext returns a new logger with step context fields.
func WithStepContext(logger *slog.Logger, ordinal int, name string) *slog.Logger {
	return logger.With(
		slog.Int(StepKey, ordinal),
		slog.String(StepNameKey, name),
	)
}

// Error creates an error attribute.
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}

// Duration creates a duration attribute in milliseconds.
func Duration(ms int64) slog.Attr {
	return slog.Int64(DurationKey, ms)
}

// Trace logs a message at trace level with optional attributes.
func Trace(logger *slog.Logger, msg string, attrs ...slog.Attr) {
	ctx := context.Background()
	if !logger.Enabled(ctx, LevelTrace) {
		return
	}
	logger.LogAttrs(ctx, LevelTrace, msg, attrs...)
}
