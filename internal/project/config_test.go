package project

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxIterations != 20 || cfg.MaxParallelWorkers != 3 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestLoadAndSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	content := `
conductor_model = "anthropic.claude-opus"
worker_models = ["model-a", "model-b"]
max_iterations = 40
max_parallel_workers = 5
max_snapshot_file_size = "8KB"
guidelines = "prefer small files"
`
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ConductorModel != "anthropic.claude-opus" {
		t.Errorf("conductor_model = %s", cfg.ConductorModel)
	}
	if len(cfg.WorkerModels) != 2 {
		t.Errorf("worker_models = %v", cfg.WorkerModels)
	}
	if cfg.MaxSnapshotFileSize.Bytes() != 8*1024 {
		t.Errorf("max_snapshot_file_size = %d", cfg.MaxSnapshotFileSize.Bytes())
	}
	if cfg.Guidelines != "prefer small files" {
		t.Errorf("guidelines = %q", cfg.Guidelines)
	}

	// Unset fields keep their defaults.
	if cfg.MaxTokens != 8192 {
		t.Errorf("max_tokens = %d", cfg.MaxTokens)
	}

	cfg.MaxIterations = 60
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	reloaded, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.MaxIterations != 60 {
		t.Errorf("reloaded max_iterations = %d", reloaded.MaxIterations)
	}
}

func TestTaskConfigCarriesGuidelinesAndLimits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Guidelines = "keep packages flat"
	cfg.MaxWorkerOutputSize = 512 * 1024

	tc := cfg.TaskConfig()
	if tc.Guidelines != cfg.Guidelines {
		t.Errorf("guidelines = %q", tc.Guidelines)
	}
	if tc.MaxWorkerOutputBytes != 512*1024 {
		t.Errorf("max_worker_output_bytes = %d", tc.MaxWorkerOutputBytes)
	}
}

func TestByteSizeParsing(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"512", 512},
		{"4KB", 4 * 1024},
		{"2mb", 2 * 1024 * 1024},
		{"1GB", 1024 * 1024 * 1024},
	}
	for _, tc := range cases {
		var b ByteSize
		if err := b.UnmarshalText([]byte(tc.in)); err != nil {
			t.Errorf("UnmarshalText(%q): %v", tc.in, err)
			continue
		}
		if b.Bytes() != tc.want {
			t.Errorf("%q = %d, want %d", tc.in, b.Bytes(), tc.want)
		}
	}

	var b ByteSize
	if err := b.UnmarshalText([]byte("lots")); err == nil {
		t.Error("expected error for malformed size")
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}

	cfg.MaxParallelWorkers = 51
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for max_parallel_workers > 50")
	}
}
