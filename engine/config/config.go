package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/spaghettifunk/vesta/engine/core"
)

const (
	BackendHeadless = "headless"
	BackendVulkan   = "vulkan"

	MaxFramesInFlight = 3
)

type Config struct {
	Engine    EngineConfig    `toml:"engine"`
	Window    WindowConfig    `toml:"window"`
	Renderer  RendererConfig  `toml:"renderer"`
	Streaming StreamingConfig `toml:"streaming"`
	Accel     AccelConfig     `toml:"accel"`
}

type EngineConfig struct {
	Name      string `toml:"name"`
	Backend   string `toml:"backend"`
	LogLevel  string `toml:"log_level"`
	AssetRoot string `toml:"asset_root"`
	// MaxFrames stops the run loop after that many frames. Zero runs until quit.
	MaxFrames uint64 `toml:"max_frames"`
}

type WindowConfig struct {
	StartPosX uint32 `toml:"x"`
	StartPosY uint32 `toml:"y"`
	Width     uint32 `toml:"width"`
	Height    uint32 `toml:"height"`
}

type RendererConfig struct {
	FramesInFlight uint8      `toml:"frames_in_flight"`
	RayQuery       bool       `toml:"ray_query"`
	ClearColor     [4]float32 `toml:"clear_color"`
	Validation     bool       `toml:"validation"`
}

type StreamingConfig struct {
	// Workers is the size of the upload worker pool. Zero sizes it from the
	// CPU count, a negative value disables workers and uploads run inline at the safe point.
	Workers         int      `toml:"workers"`
	BatchSize       int      `toml:"batch_size"`
	LoadingBudget   int      `toml:"loading_budget"`
	RayQueryBudget  int      `toml:"ray_query_budget"`
	IdleBudget      int      `toml:"idle_budget"`
	IdleInterval    uint64   `toml:"idle_interval"`
	SiblingSuffixes []string `toml:"sibling_suffixes"`
	MaxMipLevels    uint32   `toml:"max_mip_levels"`
}

type AccelConfig struct {
	ReadinessThreshold float64 `toml:"readiness_threshold"`
	FreezeThreshold    float64 `toml:"freeze_threshold"`
	CatchUpRatio       float64 `toml:"catch_up_ratio"`
	RefitDynamic       bool    `toml:"refit_dynamic"`
}

func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			Name:      "Vesta",
			Backend:   BackendHeadless,
			LogLevel:  "info",
			AssetRoot: "assets",
		},
		Window: WindowConfig{
			StartPosX: 100,
			StartPosY: 100,
			Width:     1280,
			Height:    720,
		},
		Renderer: RendererConfig{
			FramesInFlight: 2,
			ClearColor:     [4]float32{0.0, 0.0, 0.2, 1.0},
		},
		Streaming: StreamingConfig{
			Workers:         0,
			BatchSize:       16,
			LoadingBudget:   16,
			RayQueryBudget:  32,
			IdleBudget:      1,
			IdleInterval:    3,
			SiblingSuffixes: []string{"_c", "_d", "_cm", "_diffuse", "_basecolor", "_albedo"},
			MaxMipLevels:    12,
		},
		Accel: AccelConfig{
			ReadinessThreshold: 0.95,
			FreezeThreshold:    0.95,
			CatchUpRatio:       0.95,
			RefitDynamic:       true,
		},
	}
}

// Load reads the TOML file at path on top of the defaults. A missing file is not an
// error. The optional `.env` next to the working directory and the VESTA_* variables
// are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			core.LogWarn("config file `%s` not found, using defaults", path)
		case err != nil:
			return nil, err
		default:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", core.ErrInvalidConfig, path, err)
			}
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		core.LogWarn("failed to read .env file: %s", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("VESTA_BACKEND"); ok {
		c.Engine.Backend = v
	}
	if v, ok := lookup("VESTA_LOG_LEVEL"); ok {
		c.Engine.LogLevel = v
	}
	if v, ok := lookup("VESTA_ASSET_ROOT"); ok {
		c.Engine.AssetRoot = v
	}
	if v, ok := lookup("VESTA_FRAMES_IN_FLIGHT"); ok {
		n, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return fmt.Errorf("%w: VESTA_FRAMES_IN_FLIGHT=%q", core.ErrInvalidConfig, v)
		}
		c.Renderer.FramesInFlight = uint8(n)
	}
	if v, ok := lookup("VESTA_MAX_FRAMES"); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: VESTA_MAX_FRAMES=%q", core.ErrInvalidConfig, v)
		}
		c.Engine.MaxFrames = n
	}
	if v, ok := lookup("VESTA_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: VESTA_WORKERS=%q", core.ErrInvalidConfig, v)
		}
		c.Streaming.Workers = n
	}
	if v, ok := lookup("VESTA_RAY_QUERY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: VESTA_RAY_QUERY=%q", core.ErrInvalidConfig, v)
		}
		c.Renderer.RayQuery = b
	}
	return nil
}

func (c *Config) Validate() error {
	c.Engine.Backend = strings.ToLower(c.Engine.Backend)
	if c.Engine.Backend != BackendHeadless && c.Engine.Backend != BackendVulkan {
		return fmt.Errorf("%w: unknown backend %q", core.ErrInvalidConfig, c.Engine.Backend)
	}
	if c.Renderer.FramesInFlight < 1 || c.Renderer.FramesInFlight > MaxFramesInFlight {
		return fmt.Errorf("%w: frames_in_flight must be within [1, %d], got %d", core.ErrInvalidConfig, MaxFramesInFlight, c.Renderer.FramesInFlight)
	}
	if c.Streaming.BatchSize < 1 {
		return fmt.Errorf("%w: batch_size must be positive", core.ErrInvalidConfig)
	}
	if c.Streaming.IdleInterval == 0 {
		return fmt.Errorf("%w: idle_interval must be positive", core.ErrInvalidConfig)
	}
	if c.Streaming.MaxMipLevels == 0 {
		return fmt.Errorf("%w: max_mip_levels must be positive", core.ErrInvalidConfig)
	}
	for _, r := range []struct {
		name  string
		value float64
	}{
		{"readiness_threshold", c.Accel.ReadinessThreshold},
		{"freeze_threshold", c.Accel.FreezeThreshold},
		{"catch_up_ratio", c.Accel.CatchUpRatio},
	} {
		if r.value <= 0 || r.value > 1 {
			return fmt.Errorf("%w: %s must be within (0, 1], got %v", core.ErrInvalidConfig, r.name, r.value)
		}
	}
	return nil
}

// WorkerCount resolves the configured worker pool size. It returns 0 when
// uploads run inline.
func (s StreamingConfig) WorkerCount() int {
	if s.Workers < 0 {
		return 0
	}
	if s.Workers > 0 {
		return s.Workers
	}
	return core.Clamp(runtime.NumCPU()/2, 2, 4)
}
