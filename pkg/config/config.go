// Copyright 2025 The Warden Authors
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

// Package config loads and validates the YAML configuration, with
// environment variable expansion in every string value.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/warden-dev/warden/pkg/observability"
	"github.com/warden-dev/warden/pkg/store"
)

// Config is the root configuration document.
type Config struct {
	Manager       ManagerConfig        `yaml:"manager,omitempty"`
	Store         StoreConfig          `yaml:"store,omitempty"`
	Logging       LoggingConfig        `yaml:"logging,omitempty"`
	Observability observability.Config `yaml:"observability,omitempty"`
}

// ManagerConfig configures the instance manager.
type ManagerConfig struct {
	// Name identifies this manager in logs and events. Default: "warden"
	Name string `yaml:"name,omitempty"`

	// IdleTimeout is how long an agent may sit with zero attachments
	// before hibernation. Zero disables idle eviction.
	IdleTimeout Duration `yaml:"idle_timeout,omitempty"`

	// MaxConcurrentStarts bounds cold starts. Default: 64
	MaxConcurrentStarts int `yaml:"max_concurrent_starts,omitempty"`

	// StopTimeout bounds graceful shutdown. Default: 5s
	StopTimeout Duration `yaml:"stop_timeout,omitempty"`

	// MaxRestarts crashes per key are tolerated within RestartWindow.
	// Defaults: 1 restart in 5s.
	MaxRestarts   int      `yaml:"max_restarts,omitempty"`
	RestartWindow Duration `yaml:"restart_window,omitempty"`

	// SlowStepThreshold tags steps slower than this. Default: 5s
	SlowStepThreshold Duration `yaml:"slow_step_threshold,omitempty"`

	// InboxSize bounds each runtime's inbox. Default: 256
	InboxSize int `yaml:"inbox_size,omitempty"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	// Backend is "memory", "file" or "bolt". Default: "memory"
	Backend string `yaml:"backend,omitempty"`

	// Path is the base directory (file) or database file (bolt).
	Path string `yaml:"path,omitempty"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is debug, info, warn or error. Default: "warn"
	Level string `yaml:"level,omitempty"`

	// Format is "simple" or "verbose". Default: "simple"
	Format string `yaml:"format,omitempty"`
}

func (c *Config) SetDefaults() {
	if c.Manager.Name == "" {
		c.Manager.Name = "warden"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "warn"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "simple"
	}
	c.Observability.SetDefaults()
}

func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory":
	case "file", "bolt":
		if c.Store.Path == "" {
			return fmt.Errorf("store: path is required for the %s backend", c.Store.Backend)
		}
	default:
		return fmt.Errorf("store: invalid backend %q (valid: memory, file, bolt)", c.Store.Backend)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging: invalid level %q", c.Logging.Level)
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	return nil
}

// OpenStore builds the configured store backend.
func (c *StoreConfig) OpenStore() (store.Store, error) {
	switch c.Backend {
	case "memory":
		return store.NewMemory(), nil
	case "file":
		return store.NewFile(c.Path)
	case "bolt":
		if err := os.MkdirAll(filepath.Dir(c.Path), 0o755); err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		return store.NewBolt(c.Path)
	default:
		return nil, fmt.Errorf("store: invalid backend %q", c.Backend)
	}
}

// Load reads, expands and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))
	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// Default returns the zero-file configuration.
func Default() *Config {
	var cfg Config
	cfg.SetDefaults()
	return &cfg
}
