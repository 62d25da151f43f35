package engine

import (
	"github.com/spaghettifunk/vesta/engine/config"
)

// ApplicationConfig lets a game override the window section of the loaded
// configuration. Zero fields keep the configured value.
type ApplicationConfig struct {
	// Window starting position x axis, if applicable.
	StartPosX uint32
	// Window starting position y axis, if applicable.
	StartPosY uint32
	// Window starting width, if applicable.
	StartWidth uint32
	// Window starting height, if applicable.
	StartHeight uint32
	// The application name used in windowing, if applicable.
	Name string
}

func (ac *ApplicationConfig) apply(cfg *config.Config) {
	if ac == nil {
		return
	}
	if ac.Name != "" {
		cfg.Engine.Name = ac.Name
	}
	if ac.StartPosX != 0 {
		cfg.Window.StartPosX = ac.StartPosX
	}
	if ac.StartPosY != 0 {
		cfg.Window.StartPosY = ac.StartPosY
	}
	if ac.StartWidth != 0 {
		cfg.Window.Width = ac.StartWidth
	}
	if ac.StartHeight != 0 {
		cfg.Window.Height = ac.StartHeight
	}
}
