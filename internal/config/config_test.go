package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"PORT", "MAX_FILE_SIZE", "WORKER_EXECUTABLE", "CHECKPOINT", "DEVICE", "MODELS_FILE", "WORKER_TIMEOUT"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "3000" || cfg.MaxFileSize != 5*1024*1024 {
		t.Errorf("Unexpected defaults: port=%s max=%d", cfg.Port, cfg.MaxFileSize)
	}
	if cfg.Worker.Executable != "python3" || cfg.Worker.Device != "cpu" || cfg.Worker.GPUSelector != "cuda:0" {
		t.Errorf("Unexpected worker defaults: %+v", cfg.Worker)
	}
	if _, ok := cfg.Worker.Checkpoints["medsam"]; !ok {
		t.Errorf("Expected a medsam checkpoint, got %v", cfg.Worker.Checkpoints)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults should validate: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("DEVICE", "gpu")
	t.Setenv("WORKER_TIMEOUT", "30s")
	t.Setenv("MAX_FILE_SIZE", "1024")
	t.Setenv("MODELS_FILE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "8080" || cfg.Worker.Device != "gpu" || cfg.Worker.Timeout != 30*time.Second || cfg.MaxFileSize != 1024 {
		t.Errorf("Environment not applied: %+v", cfg)
	}

	g := cfg.GatewayConfig()
	if g.Device != "gpu" || g.Timeout != 30*time.Second || g.Executable != cfg.Worker.Executable {
		t.Errorf("GatewayConfig mismatch: %+v", g)
	}
}

func TestModelRegistry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	content := "default: lite\nmodels:\n  medsam: work_dir/MedSAM/medsam_vit_b.pth\n  lite: work_dir/LiteMedSAM/lite_medsam.pth\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MODELS_FILE", path)
	t.Setenv("MODEL_VARIANT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(cfg.Worker.Checkpoints) != 2 || cfg.Worker.DefaultVariant != "lite" {
		t.Errorf("Registry not applied: %+v", cfg.Worker)
	}

	empty := filepath.Join(dir, "empty.yaml")
	os.WriteFile(empty, []byte("models: {}\n"), 0644)
	if err := cfg.LoadModels(empty); err == nil {
		t.Error("Expected an error for a registry without models")
	}
	if err := cfg.LoadModels(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Expected an error for a missing registry")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Port = "http" }},
		{"bad device", func(c *Config) { c.Worker.Device = "tpu" }},
		{"no executable", func(c *Config) { c.Worker.Executable = "" }},
		{"no checkpoints", func(c *Config) { c.Worker.Checkpoints = nil }},
		{"empty checkpoint path", func(c *Config) { c.Worker.Checkpoints = map[string]string{"medsam": ""} }},
		{"zero timeout", func(c *Config) { c.Worker.Timeout = 0 }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"unknown default model", func(c *Config) { c.Worker.DefaultVariant = "sam2" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected a validation error")
			}
		})
	}
}

func valid() *Config {
	return &Config{
		Port:           "3000",
		UploadDir:      "uploads",
		MaxFileSize:    1024,
		RequestTimeout: time.Minute,
		RateLimit:      1,
		RateBurst:      1,
		LogLevel:       "info",
		Worker: WorkerConfig{
			Executable:  "python3",
			Checkpoints: map[string]string{"medsam": "ckpt.pth"},
			OutputDir:   "output",
			Device:      "cpu",
			GPUSelector: "cuda:0",
			Timeout:     time.Minute,
		},
	}
}
