package renderer

import (
	"github.com/spaghettifunk/vesta/engine/renderer/metadata"
)

type RendererType uint8

const (
	Headless RendererType = iota
	Vulkan
)

// RenderPath selects how the frame is shaded.
type RenderPath uint8

const (
	RenderPathRaster RenderPath = iota
	RenderPathRayQuery
)

func (p RenderPath) String() string {
	if p == RenderPathRayQuery {
		return "ray_query"
	}
	return "raster"
}

// DrawItem is one renderable bound to the binding table of the frame slot being recorded.
type DrawItem struct {
	Consumer metadata.ConsumerID
	Mesh     metadata.Mesh
	Table    metadata.BindingTableHandle
}

// FramePacket is everything a backend needs to record one frame.
type FramePacket struct {
	FrameNumber uint64
	Path        RenderPath
	Camera      metadata.Camera
	Draws       []DrawItem
	// Accel is the top-level structure for the ray-query path, if any.
	Accel      metadata.AccelHandle
	Overlay    *metadata.Overlay
	ClearColor [4]float32
}
