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
	"log/slog"
	"os"

	"github.com/tombee/stepwise/internal/config"
	"github.com/tombee/stepwise/internal/controller"
	"github.com/tombee/stepwise/internal/log"
)

// LoadConfig loads configuration honouring --config and --root.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.Load(GetConfigPath())
	if err != nil {
		return nil, err
	}
	if root := GetRoot(); root != "" {
		cfg.Root = root
	}
	return cfg, nil
}

// NewLogger builds the stderr logger for cfg, adjusted by --verbose and --quiet.
func NewLogger(cfg *config.Config) *slog.Logger {
	level := cfg.Log.Level
	switch {
	case GetVerbose():
		level = "debug"
	case GetQuiet():
		level = "error"
	}
	return log.New(&log.Config{
		Level:     level,
		Format:    log.Format(cfg.Log.Format),
		Output:    os.Stderr,
		AddSource: cfg.Log.AddSource,
	})
}

// OpenController loads configuration and opens a controller on its root.
// The caller must Close it.
func OpenController() (*controller.Controller, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	opts := controller.Options{
		Version: version,
		Logger:  NewLogger(cfg),
	}
	if path := GetConfigPath(); path != "" {
		opts.ExecArgs = []string{"--config", path}
	}
	return controller.New(cfg, opts)
}
