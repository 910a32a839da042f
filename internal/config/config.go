// Package config handles Conductor configuration
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds process-level Conductor configuration
type Config struct {
	// Database location
	DatabasePath string

	// Model gateway
	GatewayURL     string
	GatewayAPIKey  string
	GatewayTimeout time.Duration

	// Default models
	ConductorModel string
	WorkerModels   []string

	// Run limits
	MaxIterations      int
	MaxParallelWorkers int
	MaxTokens          int
	Temperature        float64

	// Workspace root directory
	WorkspaceRoot string

	// HTTP server bind address
	ListenAddr string

	// Project directory (detected)
	ProjectDir string

	// Verbose mode for debugging
	Verbose bool
}

// Load loads configuration from environment and defaults
func Load() (*Config, error) {
	cfg := &Config{
		DatabasePath:       filepath.Join(".conductor", "conductor.db"),
		GatewayURL:         "http://localhost:8080/v1",
		GatewayTimeout:     2 * time.Minute,
		ConductorModel:     "anthropic.claude-sonnet",
		WorkerModels:       []string{"anthropic.claude-haiku"},
		MaxIterations:      20,
		MaxParallelWorkers: 3,
		MaxTokens:          8192,
		Temperature:        0.7,
		WorkspaceRoot:      "workspaces",
		ListenAddr:         ":8421",
	}

	// Environment overrides
	if v := os.Getenv("CONDUCTOR_DB_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("CONDUCTOR_GATEWAY_URL"); v != "" {
		cfg.GatewayURL = v
	}
	if v := os.Getenv("CONDUCTOR_API_KEY"); v != "" {
		cfg.GatewayAPIKey = v
	}
	if v := os.Getenv("CONDUCTOR_GATEWAY_TIMEOUT"); v != "" {
		cfg.GatewayTimeout = parseDurationOrDefault(v, cfg.GatewayTimeout)
	}
	if v := os.Getenv("CONDUCTOR_MODEL"); v != "" {
		cfg.ConductorModel = v
	}
	if v := os.Getenv("CONDUCTOR_WORKER_MODELS"); v != "" {
		cfg.WorkerModels = splitModels(v)
	}
	if v := os.Getenv("CONDUCTOR_MAX_ITERATIONS"); v != "" {
		cfg.MaxIterations = parseIntOrDefault(v, cfg.MaxIterations)
	}
	if v := os.Getenv("CONDUCTOR_MAX_PARALLEL"); v != "" {
		cfg.MaxParallelWorkers = parseIntOrDefault(v, cfg.MaxParallelWorkers)
	}
	if v := os.Getenv("CONDUCTOR_MAX_TOKENS"); v != "" {
		cfg.MaxTokens = parseIntOrDefault(v, cfg.MaxTokens)
	}
	if v := os.Getenv("CONDUCTOR_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Temperature = f
		}
	}
	if v := os.Getenv("CONDUCTOR_WORKSPACE_ROOT"); v != "" {
		cfg.WorkspaceRoot = v
	}
	if v := os.Getenv("CONDUCTOR_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CONDUCTOR_VERBOSE"); v != "" {
		cfg.Verbose = v == "true" || v == "1"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be at least 1")
	}
	if c.MaxParallelWorkers < 1 || c.MaxParallelWorkers > 50 {
		return fmt.Errorf("max_parallel must be between 1 and 50")
	}
	if c.GatewayURL == "" {
		return fmt.Errorf("gateway URL is required")
	}
	if c.ConductorModel == "" {
		return fmt.Errorf("conductor model is required")
	}
	return nil
}

func splitModels(v string) []string {
	var models []string
	for _, part := range strings.Split(v, ",") {
		if m := strings.TrimSpace(part); m != "" {
			models = append(models, m)
		}
	}
	return models
}

func parseIntOrDefault(v string, def int) int {
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return def
}

func parseDurationOrDefault(v string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return def
}
