package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spaghettifunk/vesta/engine/core"
)

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vesta.toml")
	data := []byte(`
[engine]
name = "sponza"
backend = "Headless"

[renderer]
frames_in_flight = 3
ray_query = true

[streaming]
workers = -1

[accel]
readiness_threshold = 0.9
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.Name != "sponza" || cfg.Engine.Backend != BackendHeadless {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if cfg.Renderer.FramesInFlight != 3 || !cfg.Renderer.RayQuery {
		t.Errorf("renderer = %+v", cfg.Renderer)
	}
	if cfg.Streaming.WorkerCount() != 0 {
		t.Errorf("inline mode should have no workers, got %d", cfg.Streaming.WorkerCount())
	}
	if cfg.Accel.ReadinessThreshold != 0.9 || cfg.Accel.FreezeThreshold != 0.95 {
		t.Errorf("accel = %+v", cfg.Accel)
	}
	if len(cfg.Streaming.SiblingSuffixes) != 6 {
		t.Errorf("default suffixes lost: %v", cfg.Streaming.SiblingSuffixes)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Renderer.FramesInFlight != 2 {
		t.Errorf("frames in flight = %d, want 2", cfg.Renderer.FramesInFlight)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"VESTA_BACKEND":          "vulkan",
		"VESTA_FRAMES_IN_FLIGHT": "1",
		"VESTA_WORKERS":          "3",
		"VESTA_RAY_QUERY":        "true",
		"VESTA_MAX_FRAMES":       "600",
	}
	cfg := Default()
	err := cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Engine.Backend != BackendVulkan || cfg.Renderer.FramesInFlight != 1 ||
		cfg.Streaming.WorkerCount() != 3 || !cfg.Renderer.RayQuery || cfg.Engine.MaxFrames != 600 {
		t.Errorf("env not applied: %+v %+v %+v", cfg.Engine, cfg.Renderer, cfg.Streaming)
	}

	bad := Default()
	err = bad.applyEnv(func(k string) (string, bool) {
		if k == "VESTA_WORKERS" {
			return "many", true
		}
		return "", false
	})
	if !errors.Is(err, core.ErrInvalidConfig) {
		t.Errorf("bad worker count error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Engine.Backend = "metal" }},
		{"no frames in flight", func(c *Config) { c.Renderer.FramesInFlight = 0 }},
		{"too many frames in flight", func(c *Config) { c.Renderer.FramesInFlight = 4 }},
		{"empty batch", func(c *Config) { c.Streaming.BatchSize = 0 }},
		{"readiness above one", func(c *Config) { c.Accel.ReadinessThreshold = 1.5 }},
		{"zero freeze", func(c *Config) { c.Accel.FreezeThreshold = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, core.ErrInvalidConfig) {
				t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}

func TestWorkerCountAuto(t *testing.T) {
	n := StreamingConfig{}.WorkerCount()
	if n < 2 || n > 4 {
		t.Errorf("auto worker count = %d, want within [2, 4]", n)
	}
}
