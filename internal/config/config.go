// Package config loads the optional taskmux configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/taskmux/taskmux/internal/pool"
)

// DefaultWorkerCommand is the worker CLI binary resolved from PATH when the
// config does not name one.
const DefaultWorkerCommand = "opencode"

// DefaultModel is used when the config file is absent or names no model.
const DefaultModel = "anthropic/claude-sonnet-4-5"

// FileName is the config file inside the base directory.
const FileName = "config.json"

// Config is the file shape: {model, fallbackModel?, defaults:{agent?},
// pool:{maxConcurrent?}, worker:{command?}}. Unknown keys are ignored.
type Config struct {
	Model         string       `json:"model"`
	FallbackModel string       `json:"fallbackModel,omitempty"`
	Defaults      Defaults     `json:"defaults"`
	Pool          PoolConfig   `json:"pool"`
	Worker        WorkerConfig `json:"worker"`

	// BaseDir overrides the persistence root. Not normally set in the
	// file; tests and one-off runs use it.
	BaseDir string `json:"baseDir,omitempty"`
}

// Defaults carries per-task defaults applied when a start request omits
// the field.
type Defaults struct {
	Agent string `json:"agent,omitempty"`
}

// PoolConfig bounds worker concurrency.
type PoolConfig struct {
	MaxConcurrent int `json:"maxConcurrent,omitempty"`
}

// WorkerConfig names the worker CLI.
type WorkerConfig struct {
	Command string `json:"command,omitempty"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Model:  DefaultModel,
		Pool:   PoolConfig{MaxConcurrent: pool.DefaultMaxConcurrent},
		Worker: WorkerConfig{Command: DefaultWorkerCommand},
	}
}

// Load reads the config file at path. A missing file yields defaults; a
// corrupt file yields defaults and an error the caller may log as a
// warning. Absent keys fall back to defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if loaded.Model != "" {
		cfg.Model = loaded.Model
	}
	cfg.FallbackModel = loaded.FallbackModel
	cfg.Defaults = loaded.Defaults
	if loaded.Pool.MaxConcurrent > 0 {
		cfg.Pool.MaxConcurrent = loaded.Pool.MaxConcurrent
	}
	if loaded.Worker.Command != "" {
		cfg.Worker.Command = loaded.Worker.Command
	}
	if loaded.BaseDir != "" {
		cfg.BaseDir = loaded.BaseDir
	}

	return cfg, nil
}

// DefaultPath returns the config file location inside baseDir.
func DefaultPath(baseDir string) string {
	return filepath.Join(baseDir, FileName)
}

// SaveToFile writes the configuration as pretty-printed JSON with 0600
// permissions.
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}
