package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spaghettifunk/vesta/engine/assets"
	"github.com/spaghettifunk/vesta/engine/config"
	"github.com/spaghettifunk/vesta/engine/core"
	"github.com/spaghettifunk/vesta/engine/platform"
	"github.com/spaghettifunk/vesta/engine/renderer"
	"github.com/spaghettifunk/vesta/engine/renderer/headless"
	"github.com/spaghettifunk/vesta/engine/renderer/vulkan"
	"github.com/spaghettifunk/vesta/engine/systems"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently booting up
	EngineStageBooting
	// Engine completed boot process and is ready to be initialized
	EngineStageBootComplete
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
)

// suspendedPoll is how long a minimized application sleeps between event pumps.
const suspendedPoll = 50 * time.Millisecond

type Engine struct {
	currentStage  Stage
	config        *config.Config
	gameInstance  *Game
	isRunning     bool
	isSuspended   bool
	events        *core.EventBus
	platform      *platform.Platform
	device        renderer.Device
	assetManager  *assets.AssetManager
	systemManager *systems.SystemManager
	width         uint32
	height        uint32
	clock         *core.Clock
	lastTime      time.Duration
	frameCount    uint64
}

func New(cfg *config.Config, g *Game) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if g == nil || g.FnRender == nil {
		return nil, fmt.Errorf("game without a render function: %w", core.ErrInvalidConfig)
	}
	g.ApplicationConfig.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	am, err := assets.NewAssetManager()
	if err != nil {
		core.LogError("%s", err)
		return nil, err
	}

	return &Engine{
		currentStage: EngineStageUninitialized,
		config:       cfg,
		gameInstance: g,
		events:       core.NewEventBus(),
		assetManager: am,
		clock:        core.NewClock(),
		width:        cfg.Window.Width,
		height:       cfg.Window.Height,
	}, nil
}

func (e *Engine) Initialize() error {
	if e.currentStage != EngineStageUninitialized {
		return fmt.Errorf("engine initialized twice")
	}
	e.currentStage = EngineStageBooting

	e.events.Register(core.EVENT_CODE_APPLICATION_QUIT, e, e.onEvent)
	e.events.Register(core.EVENT_CODE_RESIZED, e, e.onResized)

	device, err := e.createDevice()
	if err != nil {
		e.release()
		return err
	}
	e.device = device
	e.currentStage = EngineStageBootComplete

	e.currentStage = EngineStageInitializing
	if err := e.assetManager.Initialize(e.config.Engine.AssetRoot); err != nil {
		e.release()
		return err
	}

	sm, err := systems.NewSystemManager(e.config, e.device, e.assetManager, e.events)
	if err != nil {
		e.release()
		return err
	}
	e.systemManager = sm

	if e.gameInstance.FnInitialize != nil {
		if err := e.gameInstance.FnInitialize(sm); err != nil {
			core.LogError("game failed to initialize: %s", err)
			_ = e.Shutdown(context.Background())
			return err
		}
	}

	e.currentStage = EngineStageInitialized
	core.LogInfo("%s initialized on the %s device", e.config.Engine.Name, e.device.Name())
	return nil
}

func (e *Engine) createDevice() (renderer.Device, error) {
	cfg := e.config
	switch cfg.Engine.Backend {
	case config.BackendHeadless:
		opts := headless.DefaultOptions()
		opts.Width = cfg.Window.Width
		opts.Height = cfg.Window.Height
		opts.RayQuery = cfg.Renderer.RayQuery
		return headless.New(opts), nil
	case config.BackendVulkan:
		p := platform.New(e.events)
		if err := p.Startup(cfg.Engine.Name, cfg.Window.StartPosX, cfg.Window.StartPosY, cfg.Window.Width, cfg.Window.Height); err != nil {
			return nil, err
		}
		e.platform = p
		// the drawable size differs from the window size on high-DPI displays
		width, height := p.FramebufferSize()
		cfg.Window.Width, cfg.Window.Height = width, height
		e.width, e.height = width, height
		return vulkan.New(p, vulkan.Options{
			AppName:        cfg.Engine.Name,
			Width:          width,
			Height:         height,
			FramesInFlight: cfg.Renderer.FramesInFlight,
			Validation:     cfg.Renderer.Validation,
		})
	default:
		return nil, fmt.Errorf("unknown backend `%s`: %w", cfg.Engine.Backend, core.ErrInvalidConfig)
	}
}

// release tears down whatever Initialize built before it failed.
func (e *Engine) release() {
	e.events.Unregister(core.EVENT_CODE_APPLICATION_QUIT, e)
	e.events.Unregister(core.EVENT_CODE_RESIZED, e)
	if err := e.assetManager.Close(); err != nil {
		core.LogWarn("asset manager: %s", err)
	}
	if e.device != nil {
		if err := e.device.Shutdown(); err != nil {
			core.LogWarn("device %s: %s", e.device.Name(), err)
		}
		e.device = nil
	}
	if e.platform != nil {
		_ = e.platform.Shutdown()
		e.platform = nil
	}
	e.currentStage = EngineStageUninitialized
}

// Run drives the game until the window closes, the application quits, ctx is
// cancelled or the configured frame limit is reached. Dropped frames are logged and
// the loop continues, a fatal renderer error stops it.
func (e *Engine) Run(ctx context.Context) error {
	if e.currentStage != EngineStageInitialized {
		return fmt.Errorf("engine must be initialized before running")
	}
	e.currentStage = EngineStageRunning
	e.isRunning = true

	rs := e.systemManager.Renderer()
	maxFrames := e.config.Engine.MaxFrames

	e.clock.Start()
	e.clock.Update()
	e.lastTime = e.clock.Elapsed()

	for e.isRunning {
		if ctx.Err() != nil {
			break
		}
		if e.platform != nil && !e.platform.PumpMessages() {
			break
		}
		if e.isSuspended {
			time.Sleep(suspendedPoll)
			continue
		}

		e.clock.Update()
		currentTime := e.clock.Elapsed()
		delta := (currentTime - e.lastTime).Seconds()

		if e.gameInstance.FnUpdate != nil {
			if err := e.gameInstance.FnUpdate(delta); err != nil {
				core.LogError("game update failed, shutting down: %s", err)
				return err
			}
		}

		scene := &Scene{}
		if err := e.gameInstance.FnRender(scene, delta); err != nil {
			core.LogError("game render failed, shutting down: %s", err)
			return err
		}

		if err := rs.RenderFrame(ctx, scene.Renderables, scene.Camera, scene.Overlay); err != nil {
			switch {
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				e.isRunning = false
			case core.IsFatal(err):
				core.LogError("frame %d failed: %s", e.frameCount, err)
				return err
			default:
				core.LogWarn("frame %d dropped: %s", e.frameCount, err)
			}
		}

		e.lastTime = currentTime
		e.frameCount++
		if maxFrames > 0 && e.frameCount >= maxFrames {
			core.LogInfo("frame limit of %d reached", maxFrames)
			break
		}
	}
	e.isRunning = false
	return nil
}

// Shutdown stops the game, the renderer systems, the device and finally the window.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.currentStage == EngineStageShuttingDown {
		return nil
	}
	if e.systemManager == nil {
		e.currentStage = EngineStageShuttingDown
		return e.assetManager.Close()
	}
	e.currentStage = EngineStageShuttingDown
	e.isRunning = false

	e.events.Unregister(core.EVENT_CODE_APPLICATION_QUIT, e)
	e.events.Unregister(core.EVENT_CODE_RESIZED, e)

	var errs []error
	if e.gameInstance.FnShutdown != nil {
		if err := e.gameInstance.FnShutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.systemManager.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	e.device = nil
	if e.platform != nil {
		if err := e.platform.Shutdown(); err != nil {
			errs = append(errs, err)
		}
		e.platform = nil
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	core.LogInfo("%s shut down after %d frames", e.config.Engine.Name, e.frameCount)
	return nil
}

// GetFramebufferSize returns the width and height (in this order)
// of the application framebuffer
func (e *Engine) GetFramebufferSize() (uint32, uint32) {
	return e.width, e.height
}

func (e *Engine) Stage() Stage {
	return e.currentStage
}

func (e *Engine) FrameCount() uint64 {
	return e.frameCount
}

func (e *Engine) Events() *core.EventBus {
	return e.events
}

func (e *Engine) onEvent(context core.EventContext) bool {
	switch context.Type {
	case core.EVENT_CODE_APPLICATION_QUIT:
		core.LogInfo("EVENT_CODE_APPLICATION_QUIT received, shutting down.")
		e.isRunning = false
		return true
	}
	return false
}

func (e *Engine) onResized(context core.EventContext) bool {
	width, height := context.U32[0], context.U32[1]
	if width == e.width && height == e.height {
		return false
	}
	e.width = width
	e.height = height
	core.LogDebug("Window resize: %d, %d", width, height)

	// Handle minimization
	if width == 0 || height == 0 {
		core.LogInfo("Window minimized, suspending application.")
		e.isSuspended = true
		return false
	}
	if e.isSuspended {
		core.LogInfo("Window restored, resuming application.")
		e.isSuspended = false
	}
	if e.gameInstance.FnOnResize != nil {
		if err := e.gameInstance.FnOnResize(width, height); err != nil {
			core.LogError("%s", err)
		}
	}
	// the renderer listens too
	return false
}
