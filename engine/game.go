package engine

import (
	"github.com/spaghettifunk/vesta/engine/renderer/metadata"
	"github.com/spaghettifunk/vesta/engine/systems"
)

// Scene is what a game hands to the renderer every frame.
type Scene struct {
	Renderables []metadata.Renderable
	Camera      metadata.Camera
	// Overlay is optional.
	Overlay *metadata.Overlay
}

type Game struct {
	ApplicationConfig *ApplicationConfig
	State             interface{}
	FnInitialize      Initialize
	FnUpdate          Update
	FnRender          Render
	FnOnResize        OnResize
	FnShutdown        Shutdown
}

type Initialize func(sm *systems.SystemManager) error
type Update func(deltaTime float64) error
type Render func(scene *Scene, deltaTime float64) error
type OnResize func(width uint32, height uint32) error
type Shutdown func() error
