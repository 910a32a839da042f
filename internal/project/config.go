// Package project provides per-project configuration management
package project

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/cloud-shuttle/conductor/pkg/types"
)

// ConfigFileName is the per-project configuration file
const ConfigFileName = ".conductor.toml"

// Config holds per-project Conductor configuration
type Config struct {
	// Model selection
	ConductorModel string   `toml:"conductor_model"`
	WorkerModels   []string `toml:"worker_models"`

	// Run limits
	MaxIterations      int     `toml:"max_iterations"`
	MaxParallelWorkers int     `toml:"max_parallel_workers"`
	MaxTokens          int     `toml:"max_tokens"`
	Temperature        float64 `toml:"temperature"`

	// Size thresholds
	MaxSnapshotFileSize ByteSize `toml:"max_snapshot_file_size"`
	MaxWorkerOutputSize ByteSize `toml:"max_worker_output_size"`

	// Project-specific guidelines appended to every conductor prompt
	Guidelines string `toml:"guidelines"`

	// File path where this config was loaded
	configPath string
}

// ByteSize represents a size in bytes (supports KB, MB, GB suffixes in TOML)
type ByteSize int64

// UnmarshalText parses byte sizes from TOML (e.g., "250KB", "1MB")
func (b *ByteSize) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*b = 0
		return nil
	}

	var multiplier int64 = 1
	numStr := s
	upper := strings.ToUpper(s)
	switch {
	case strings.HasSuffix(upper, "GB"):
		multiplier = 1024 * 1024 * 1024
		numStr = s[:len(s)-2]
	case strings.HasSuffix(upper, "MB"):
		multiplier = 1024 * 1024
		numStr = s[:len(s)-2]
	case strings.HasSuffix(upper, "KB"):
		multiplier = 1024
		numStr = s[:len(s)-2]
	}

	var size int64
	if _, err := fmt.Sscanf(strings.TrimSpace(numStr), "%d", &size); err != nil {
		return fmt.Errorf("invalid byte size format: %q", s)
	}
	*b = ByteSize(size * multiplier)
	return nil
}

// Bytes returns the size in bytes
func (b ByteSize) Bytes() int64 {
	return int64(b)
}

// String returns a human-readable representation
func (b ByteSize) String() string {
	switch {
	case b >= 1024*1024*1024:
		return fmt.Sprintf("%.1fGB", float64(b)/(1024*1024*1024))
	case b >= 1024*1024:
		return fmt.Sprintf("%.1fMB", float64(b)/(1024*1024))
	case b >= 1024:
		return fmt.Sprintf("%.1fKB", float64(b)/1024)
	}
	return fmt.Sprintf("%dB", b)
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		ConductorModel:      "anthropic.claude-sonnet",
		WorkerModels:        []string{"anthropic.claude-haiku"},
		MaxIterations:       20,
		MaxParallelWorkers:  3,
		MaxTokens:           8192,
		Temperature:         0.7,
		MaxSnapshotFileSize: 4 * 1024,        // 4KB
		MaxWorkerOutputSize: 1 * 1024 * 1024, // 1MB
	}
}

// Load loads the project configuration from the project directory.
// If no .conductor.toml exists, returns a default config.
func Load(projectDir string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.configPath = filepath.Join(projectDir, ConfigFileName)

	data, err := os.ReadFile(cfg.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", cfg.configPath, err)
	}
	return cfg, nil
}

// Save saves the configuration to .conductor.toml
func (c *Config) Save() error {
	if c.configPath == "" {
		return fmt.Errorf("no config path set")
	}
	if err := os.MkdirAll(filepath.Dir(c.configPath), 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	f, err := os.Create(c.configPath)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// ConfigPath returns the path to the config file
func (c *Config) ConfigPath() string {
	return c.configPath
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.ConductorModel == "" {
		return fmt.Errorf("conductor_model is required")
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be at least 1")
	}
	if c.MaxIterations > 200 {
		return fmt.Errorf("max_iterations cannot exceed 200")
	}
	if c.MaxParallelWorkers < 1 {
		return fmt.Errorf("max_parallel_workers must be at least 1")
	}
	if c.MaxParallelWorkers > 50 {
		return fmt.Errorf("max_parallel_workers cannot exceed 50")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	return nil
}

// TaskConfig converts the project configuration into the run
// parameters persisted with each task
func (c *Config) TaskConfig() types.TaskConfig {
	return types.TaskConfig{
		ConductorModel:       c.ConductorModel,
		WorkerModels:         c.WorkerModels,
		MaxIterations:        c.MaxIterations,
		MaxParallelWorkers:   c.MaxParallelWorkers,
		MaxTokens:            c.MaxTokens,
		Temperature:          c.Temperature,
		MaxWorkerOutputBytes: c.MaxWorkerOutputSize.Bytes(),
		Guidelines:           c.Guidelines,
	}
}
