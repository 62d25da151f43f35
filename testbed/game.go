package testbed

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"

	"github.com/spaghettifunk/vesta/engine"
	"github.com/spaghettifunk/vesta/engine/core"
	"github.com/spaghettifunk/vesta/engine/renderer/metadata"
	"github.com/spaghettifunk/vesta/engine/systems"
)

const (
	cubeMesh    = "cube"
	gridSize    = 4
	textureSize = 256
)

// fileTextures are looked up under the asset root. Missing files fall back to
// the placeholder and are reported through their futures.
var fileTextures = []string{
	"textures/cobblestone.png",
	"textures/paving.png",
}

type TestGame struct {
	*engine.Game
}

type gameState struct {
	renderer *systems.RendererSystem

	width  uint32
	height uint32

	camera      metadata.Camera
	renderables []metadata.Renderable
	futures     map[string]*systems.Future
	critical    map[string]bool
	failed      map[string]error

	rotation     float32
	loading      bool
	frames       uint64
	reportFrames uint64
}

func NewTestGame() *TestGame {
	tg := &TestGame{
		Game: &engine.Game{
			ApplicationConfig: &engine.ApplicationConfig{
				StartWidth:  1280,
				StartHeight: 720,
				Name:        "Vesta Testbed",
			},
			State: &gameState{
				futures:  make(map[string]*systems.Future),
				critical: make(map[string]bool),
				failed:   make(map[string]error),
				loading: true,
			},
		},
	}

	tg.FnInitialize = tg.Initialize
	tg.FnUpdate = tg.Update
	tg.FnRender = tg.Render
	tg.FnOnResize = tg.OnResize
	tg.FnShutdown = tg.Shutdown

	return tg
}

func (g *TestGame) state() *gameState {
	return g.State.(*gameState)
}

func (g *TestGame) Initialize(sm *systems.SystemManager) error {
	core.LogInfo("initializing testbed...")
	state := g.state()
	state.renderer = sm.Renderer()
	state.renderer.SetLoading(true)

	if n := state.renderer.SubmitMeshUpload(cube()); n != 1 {
		return fmt.Errorf("cube mesh was rejected")
	}

	ids := make([]string, 0, gridSize*gridSize+len(fileTextures))
	for i := 0; i < gridSize*gridSize; i++ {
		id := fmt.Sprintf("checker_%02d", i)
		// the first row is needed before the loading screen goes away
		state.futures[id] = state.renderer.SubmitTexturePixels(id, checker(textureSize, i), i < gridSize)
		state.critical[id] = i < gridSize
		ids = append(ids, id)
	}
	for _, path := range fileTextures {
		state.futures[path] = state.renderer.SubmitTextureLoad(path, path, false)
		ids = append(ids, path)
	}

	for i := 0; i < gridSize*gridSize; i++ {
		x := float32(i%gridSize) - float32(gridSize-1)/2
		z := float32(i/gridSize) - float32(gridSize-1)/2
		r := metadata.Renderable{
			Consumer:  consumerID(),
			Mesh:      cubeMesh,
			Transform: mgl32.Translate3D(x*2.5, 0, z*2.5),
			// the center pieces spin
			Dynamic: i == 5 || i == 10,
		}
		r.Textures[0] = ids[i]
		if i%3 == 0 {
			r.Textures[1] = fileTextures[i%len(fileTextures)]
		}
		state.renderables = append(state.renderables, r)
	}

	state.width, state.height = g.ApplicationConfig.StartWidth, g.ApplicationConfig.StartHeight
	state.camera = g.newCamera()
	return nil
}

func (g *TestGame) newCamera() metadata.Camera {
	state := g.state()
	aspect := float32(1)
	if state.height > 0 {
		aspect = float32(state.width) / float32(state.height)
	}
	return metadata.NewPerspectiveCamera(45, aspect, 0.1, 1000, mgl32.Vec3{0, 8, 12}, mgl32.Vec3{0, 0, 0})
}

func (g *TestGame) Update(deltaTime float64) error {
	state := g.state()
	state.frames++
	state.rotation += float32(deltaTime) * 0.5

	rotation := mgl32.HomogRotate3DY(state.rotation)
	for i := range state.renderables {
		if !state.renderables[i].Dynamic {
			continue
		}
		pos := state.renderables[i].Transform.Col(3)
		state.renderables[i].Transform = mgl32.Translate3D(pos.X(), pos.Y(), pos.Z()).Mul4(rotation)
	}

	criticalLeft := 0
	for id, f := range state.futures {
		if !f.Ready() {
			if state.critical[id] {
				criticalLeft++
			}
			continue
		}
		// resolved, Wait does not block
		if ok, err := f.Wait(context.Background()); !ok {
			state.failed[id] = err
			core.LogWarn("texture %s failed to load: %v", id, err)
		}
		delete(state.futures, id)
	}
	// non-critical textures stream in after the loading screen
	if state.loading && criticalLeft == 0 {
		state.loading = false
		state.renderer.CompleteInitialLoad()
		state.renderer.RequestAccelerationStructureBuild("critical textures loaded")
		core.LogInfo("initial load finished after %d frames", state.frames)
	}
	return nil
}

func (g *TestGame) Render(scene *engine.Scene, deltaTime float64) error {
	state := g.state()
	scene.Renderables = state.renderables
	scene.Camera = state.camera

	total := gridSize*gridSize + len(fileTextures)
	overlay := &metadata.Overlay{
		Loading:  state.loading,
		Progress: float32(total-len(state.futures)) / float32(total),
	}
	if state.frames-state.reportFrames >= 120 {
		state.reportFrames = state.frames
		d := state.renderer.Diagnostics()
		overlay.Lines = append(overlay.Lines, fmt.Sprintf("%+v", d))
		core.LogDebug("diagnostics: %+v", d)
	}
	scene.Overlay = overlay
	return nil
}

func (g *TestGame) OnResize(width uint32, height uint32) error {
	state := g.state()
	state.width = width
	state.height = height
	state.camera = g.newCamera()
	return nil
}

func (g *TestGame) Shutdown() error {
	core.LogInfo("shutting down testbed after %d frames", g.state().frames)
	return nil
}

func consumerID() metadata.ConsumerID {
	id := uuid.New()
	return metadata.ConsumerID(binary.BigEndian.Uint64(id[:8]) | 1)
}

// checker builds an RGBA8 checkerboard tinted by seed.
func checker(size uint32, seed int) *metadata.PixelBuffer {
	pb := &metadata.PixelBuffer{
		Width:  size,
		Height: size,
		Pixels: make([]byte, size*size*4),
	}
	tint := [3]byte{
		byte(64 + (seed*37)%192),
		byte(64 + (seed*71)%192),
		byte(64 + (seed*113)%192),
	}
	for y := uint32(0); y < size; y++ {
		for x := uint32(0); x < size; x++ {
			o := (y*size + x) * 4
			if ((x/32)+(y/32))%2 == 0 {
				copy(pb.Pixels[o:], tint[:])
			} else {
				pb.Pixels[o], pb.Pixels[o+1], pb.Pixels[o+2] = 32, 32, 32
			}
			pb.Pixels[o+3] = 255
		}
	}
	return pb
}

// cube returns a unit cube with position-only vertices.
func cube() metadata.MeshUpload {
	positions := [][3]float32{
		{-0.5, -0.5, 0.5}, {0.5, -0.5, 0.5}, {0.5, 0.5, 0.5}, {-0.5, 0.5, 0.5},
		{-0.5, -0.5, -0.5}, {0.5, -0.5, -0.5}, {0.5, 0.5, -0.5}, {-0.5, 0.5, -0.5},
	}
	vertices := make([]byte, 0, len(positions)*12)
	for _, p := range positions {
		for _, f := range p {
			vertices = binary.LittleEndian.AppendUint32(vertices, math.Float32bits(f))
		}
	}
	return metadata.MeshUpload{
		ID:           cubeMesh,
		Vertices:     vertices,
		VertexStride: 12,
		Indices: []uint32{
			0, 1, 2, 2, 3, 0, // front
			1, 5, 6, 6, 2, 1, // right
			5, 4, 7, 7, 6, 5, // back
			4, 0, 3, 3, 7, 4, // left
			3, 2, 6, 6, 7, 3, // top
			4, 5, 1, 1, 0, 4, // bottom
		},
	}
}
