package metadata

import (
	"encoding/binary"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// UniformBlockSize is the size of the per-consumer uniform block: model, view and projection.
const UniformBlockSize = 3 * 16 * 4

// Renderable is one active item of the scene as seen by the renderer.
type Renderable struct {
	Consumer  ConsumerID
	Mesh      string
	Transform mgl32.Mat4
	// Textures holds the logical texture id per image slot. Empty slots bind a placeholder.
	Textures [MAX_IMAGE_SLOTS]string
	// Dynamic renderables move every frame and are refit rather than rebuilt.
	Dynamic bool
}

type Camera struct {
	Position   mgl32.Vec3
	View       mgl32.Mat4
	Projection mgl32.Mat4
}

func NewPerspectiveCamera(fovDegrees, aspect, near, far float32, eye, center mgl32.Vec3) Camera {
	return Camera{
		Position:   eye,
		View:       mgl32.LookAtV(eye, center, mgl32.Vec3{0, 1, 0}),
		Projection: mgl32.Perspective(mgl32.DegToRad(fovDegrees), aspect, near, far),
	}
}

// UniformBytes packs model, view and projection in column-major order.
func (c Camera) UniformBytes(model mgl32.Mat4) []byte {
	out := make([]byte, UniformBlockSize)
	offset := 0
	for _, m := range []mgl32.Mat4{model, c.View, c.Projection} {
		for _, f := range m {
			binary.LittleEndian.PutUint32(out[offset:], math.Float32bits(f))
			offset += 4
		}
	}
	return out
}

// Overlay is the state the external UI layer draws on top of the frame.
type Overlay struct {
	Loading  bool
	Progress float32
	Lines    []string
}
