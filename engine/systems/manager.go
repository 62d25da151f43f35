package systems

import (
	"context"
	"errors"
	"fmt"

	"github.com/spaghettifunk/vesta/engine/assets"
	"github.com/spaghettifunk/vesta/engine/config"
	"github.com/spaghettifunk/vesta/engine/core"
	"github.com/spaghettifunk/vesta/engine/renderer"
)

// SystemManager builds the renderer systems and connects them to the asset
// watcher and the event bus.
type SystemManager struct {
	device   renderer.Device
	assets   *assets.AssetManager
	events   *core.EventBus
	renderer *RendererSystem
}

func NewSystemManager(cfg *config.Config, device renderer.Device, am *assets.AssetManager, events *core.EventBus) (*SystemManager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("func NewSystemManager - config is nil: %w", core.ErrInvalidConfig)
	}
	var textureAssets TextureAssets
	if am != nil {
		textureAssets = am
	}
	rs, err := NewRendererSystem(RendererSystemConfig{
		Renderer:  cfg.Renderer,
		Streaming: cfg.Streaming,
		Accel:     cfg.Accel,
		Width:     cfg.Window.Width,
		Height:    cfg.Window.Height,
	}, device, textureAssets, events)
	if err != nil {
		return nil, err
	}
	sm := &SystemManager{
		device:   device,
		assets:   am,
		events:   events,
		renderer: rs,
	}
	if err := rs.Initialize(); err != nil {
		rs.Shutdown(context.Background())
		return nil, err
	}

	if am != nil {
		am.OnChange(func(path string) {
			rs.Reload(path)
		})
	}
	if events != nil {
		events.Register(core.EVENT_CODE_RESIZED, sm, sm.onResized)
	}
	return sm, nil
}

func (sm *SystemManager) onResized(ctx core.EventContext) bool {
	sm.renderer.Resized(ctx.U32[0], ctx.U32[1])
	// other listeners may want to know as well
	return false
}

func (sm *SystemManager) Renderer() *RendererSystem {
	return sm.renderer
}

// Shutdown stops the systems in dependency order: streaming and frames first,
// then every owned GPU object, then the watcher and the device.
func (sm *SystemManager) Shutdown(ctx context.Context) error {
	if sm.events != nil {
		sm.events.Unregister(core.EVENT_CODE_RESIZED, sm)
	}
	if sm.assets != nil {
		sm.assets.OnChange(nil)
	}
	var errs []error
	if err := sm.renderer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if sm.assets != nil {
		if err := sm.assets.Close(); err != nil {
			errs = append(errs, fmt.Errorf("asset manager: %w", err))
		}
	}
	if err := sm.device.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("device %s: %w", sm.device.Name(), err))
	}
	return errors.Join(errs...)
}
