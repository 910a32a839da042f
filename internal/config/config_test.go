package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxParallelWorkers != 3 {
		t.Errorf("MaxParallelWorkers = %d", cfg.MaxParallelWorkers)
	}
	if cfg.GatewayTimeout != 2*time.Minute {
		t.Errorf("GatewayTimeout = %s", cfg.GatewayTimeout)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("CONDUCTOR_MODEL", "anthropic.claude-opus")
	t.Setenv("CONDUCTOR_WORKER_MODELS", "model-a, model-b ,model-c")
	t.Setenv("CONDUCTOR_MAX_PARALLEL", "8")
	t.Setenv("CONDUCTOR_VERBOSE", "1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ConductorModel != "anthropic.claude-opus" {
		t.Errorf("ConductorModel = %s", cfg.ConductorModel)
	}
	if len(cfg.WorkerModels) != 3 || cfg.WorkerModels[1] != "model-b" {
		t.Errorf("WorkerModels = %v", cfg.WorkerModels)
	}
	if cfg.MaxParallelWorkers != 8 {
		t.Errorf("MaxParallelWorkers = %d", cfg.MaxParallelWorkers)
	}
	if !cfg.Verbose {
		t.Error("Verbose not set")
	}
}

func TestInvalidEnvValuesKeepDefaults(t *testing.T) {
	t.Setenv("CONDUCTOR_MAX_ITERATIONS", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxIterations != 20 {
		t.Errorf("MaxIterations = %d, want default 20", cfg.MaxIterations)
	}
}

func TestValidateRejectsBadParallelism(t *testing.T) {
	t.Setenv("CONDUCTOR_MAX_PARALLEL", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for max_parallel = 0")
	}
}
