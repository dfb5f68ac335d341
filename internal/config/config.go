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

// Package config loads stepwise controller configuration.
//
// Configuration is resolved in order: built-in defaults, the YAML config file,
// defaults for any zero values the file left behind, then environment
// variables. The result is validated before use.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	stepwiseerrors "github.com/tombee/stepwise/pkg/errors"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config represents the complete stepwise configuration.
type Config struct {
	// Root is the process-wide working root. Checkpoints, runs, the run index
	// and locks all live beneath it.
	// Environment: STEPWISE_ROOT
	Root string `yaml:"root"`

	// JobsDir is where job definitions (<job_id>.yaml) are looked up.
	// Default: <root>/jobs
	JobsDir string `yaml:"jobs_dir,omitempty"`

	// StopTimeout is how long a stopped step gets between SIGTERM and SIGKILL.
	// Environment: STEPWISE_STOP_TIMEOUT
	// Default: 10s
	StopTimeout time.Duration `yaml:"stop_timeout,omitempty"`

	// RecoverOnStart runs startup recovery before every lock claim.
	// Default: true
	RecoverOnStart bool `yaml:"recover_on_start"`

	Lock    LockConfig    `yaml:"lock"`
	Mirror  MirrorConfig  `yaml:"mirror"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
	Log     LogConfig     `yaml:"log"`
}

// LockConfig tunes the bounded retry used for stale-lock reclaim and release races.
type LockConfig struct {
	RetryAttempts uint          `yaml:"retry_attempts,omitempty"`
	RetryInitial  time.Duration `yaml:"retry_initial,omitempty"`
	RetryMax      time.Duration `yaml:"retry_max,omitempty"`
}

// MirrorConfig configures the optional SQLite mirror of run state.
type MirrorConfig struct {
	// Enabled turns on mirroring of run records into SQLite.
	// Environment: STEPWISE_MIRROR (1/true)
	Enabled bool `yaml:"enabled"`

	// Path is the database file. Default: <root>/mirror.db
	Path string `yaml:"path,omitempty"`
}

// MetricsConfig configures Prometheus metrics export.
type MetricsConfig struct {
	// Textfile, when set, receives a Prometheus text exposition after every run
	// (for node_exporter's textfile collector).
	// Environment: STEPWISE_METRICS_TEXTFILE
	Textfile string `yaml:"textfile,omitempty"`
}

// TracingConfig configures OpenTelemetry span export.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// File receives JSON spans. Default: <root>/logs/traces.jsonl
	// Environment: STEPWISE_TRACE_FILE (also enables tracing)
	File string `yaml:"file,omitempty"`
}

// LogConfig configures controller logging.
type LogConfig struct {
	Level     string `yaml:"level,omitempty"`
	Format    string `yaml:"format,omitempty"`
	AddSource bool   `yaml:"add_source"`
}

// Default returns a configuration with default values.
func Default() *Config {
	return &Config{
		Root:           defaultRoot(),
		StopTimeout:    10 * time.Second,
		RecoverOnStart: true,
		Lock: LockConfig{
			RetryAttempts: 5,
			RetryInitial:  25 * time.Millisecond,
			RetryMax:      500 * time.Millisecond,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from configPath. An empty path loads the default
// config file if one exists and otherwise uses defaults.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		if p, err := ConfigPath(); err == nil {
			if _, statErr := os.Stat(p); statErr == nil {
				configPath = p
			}
		}
	}

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &stepwiseerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &stepwiseerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// Layout returns the persisted-file layout rooted at cfg.Root.
func (c *Config) Layout() Layout {
	return Layout{Root: c.Root, jobsDir: c.JobsDir}
}

// MirrorPath returns the SQLite mirror path, or "" when mirroring is disabled.
func (c *Config) MirrorPath() string {
	if !c.Mirror.Enabled {
		return ""
	}
	if c.Mirror.Path != "" {
		return c.Mirror.Path
	}
	return filepath.Join(c.Root, "mirror.db")
}

// TraceFile returns the span export file, or "" when tracing is disabled.
func (c *Config) TraceFile() string {
	if !c.Tracing.Enabled {
		return ""
	}
	if c.Tracing.File != "" {
		return c.Tracing.File
	}
	return filepath.Join(c.Root, "logs", "traces.jsonl")
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.Root == "" {
		c.Root = def.Root
	}
	if c.StopTimeout == 0 {
		c.StopTimeout = def.StopTimeout
	}
	if c.Lock.RetryAttempts == 0 {
		c.Lock.RetryAttempts = def.Lock.RetryAttempts
	}
	if c.Lock.RetryInitial == 0 {
		c.Lock.RetryInitial = def.Lock.RetryInitial
	}
	if c.Lock.RetryMax == 0 {
		c.Lock.RetryMax = def.Lock.RetryMax
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
}

func (c *Config) loadFromFile(path string) error {
	path = expandHome(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("STEPWISE_ROOT"); val != "" {
		c.Root = val
	}
	if val := os.Getenv("STEPWISE_JOBS_DIR"); val != "" {
		c.JobsDir = val
	}
	if val := os.Getenv("STEPWISE_STOP_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.StopTimeout = d
		}
	}
	if val := os.Getenv("STEPWISE_MIRROR"); val != "" {
		c.Mirror.Enabled = isTrue(val)
	}
	if val := os.Getenv("STEPWISE_METRICS_TEXTFILE"); val != "" {
		c.Metrics.Textfile = val
	}
	if val := os.Getenv("STEPWISE_TRACE_FILE"); val != "" {
		c.Tracing.Enabled = true
		c.Tracing.File = val
	}
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}

	c.Root = expandHome(c.Root)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Root) == "" {
		problems = append(problems, "root is required")
	}
	if c.StopTimeout <= 0 {
		problems = append(problems, fmt.Sprintf("stop_timeout must be positive, got %v", c.StopTimeout))
	}
	if c.Lock.RetryAttempts < 1 {
		problems = append(problems, "lock.retry_attempts must be at least 1")
	}
	if c.Lock.RetryMax < c.Lock.RetryInitial {
		problems = append(problems, fmt.Sprintf("lock.retry_max (%v) must be >= lock.retry_initial (%v)", c.Lock.RetryMax, c.Lock.RetryInitial))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		problems = append(problems, fmt.Sprintf("log.format must be json or text, got %q", c.Log.Format))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func isTrue(val string) bool {
	return val == "1" || strings.EqualFold(val, "true")
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
