package systems

import (
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spaghettifunk/vesta/engine/config"
	"github.com/spaghettifunk/vesta/engine/core"
	"github.com/spaghettifunk/vesta/engine/renderer/headless"
	"github.com/spaghettifunk/vesta/engine/renderer/metadata"
	"golang.org/x/sync/semaphore"
)

const testTimeout = 5 * time.Second

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func solidPixels(w, h uint32, c [4]byte) *metadata.PixelBuffer {
	px := make([]byte, int(w*h*4))
	for i := 0; i < len(px); i += 4 {
		copy(px[i:], c[:])
	}
	return &metadata.PixelBuffer{Width: w, Height: h, Pixels: px}
}

func writePNG(t *testing.T, path string, w, h int, c color.RGBA) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

// installPlaceholders gives the cache placeholder images without a pipeline.
func installPlaceholders(t *testing.T, d *headless.Device, cache *ResourceCache) {
	t.Helper()
	for _, p := range metadata.Placeholders {
		h, err := d.AllocateImage(metadata.ImageDesc{Width: 1, Height: 1, Format: metadata.ImageFormatRGBA8Unorm, MipLevels: 1})
		if err != nil {
			t.Fatal(err)
		}
		cache.SetPlaceholder(p.Slot, &metadata.Texture{ID: p.Name, Image: h, Width: 1, Height: 1})
	}
}

// dirtyRecorder collects the ids passed to MarkResourceDirty.
type dirtyRecorder struct {
	mu  sync.Mutex
	ids map[string]int
}

func (r *dirtyRecorder) MarkResourceDirty(ids ...string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ids == nil {
		r.ids = make(map[string]int)
	}
	for _, id := range ids {
		r.ids[id]++
	}
	return len(ids)
}

func (r *dirtyRecorder) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ids[id]
}

type pipelineFixture struct {
	device   *headless.Device
	cache    *ResourceCache
	release  *ReleaseQueue
	metrics  *core.StreamingMetrics
	dirty    *dirtyRecorder
	events   *core.EventBus
	pipeline *StreamingPipeline
}

// newPipeline starts a pipeline on a headless device. workers < 0 runs inline.
func newPipeline(t *testing.T, workers int, assets TextureAssets, mutate ...func(*config.StreamingConfig)) *pipelineFixture {
	t.Helper()
	cfg := config.Default().Streaming
	cfg.Workers = workers
	for _, m := range mutate {
		m(&cfg)
	}
	f := &pipelineFixture{
		device:  headless.New(headless.DefaultOptions()),
		cache:   NewResourceCache(),
		metrics: &core.StreamingMetrics{},
		dirty:   &dirtyRecorder{},
		events:  core.NewEventBus(),
	}
	f.release = NewReleaseQueue(f.device, 2)
	p, err := NewStreamingPipeline(StreamingPipelineConfig{Streaming: cfg}, f.device, assets, f.cache, f.dirty, f.release, semaphore.NewWeighted(1), f.metrics, f.events)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Initialize(); err != nil {
		t.Fatal(err)
	}
	f.pipeline = p
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		p.Shutdown(ctx)
	})
	return f
}

// uploads returns the image uploads done after the placeholders.
func (f *pipelineFixture) uploads() int {
	return f.device.Stats().ImageUploads - len(metadata.Placeholders)
}

func waitAll(t *testing.T, futures []*Future) []bool {
	t.Helper()
	ctx := testContext(t)
	out := make([]bool, len(futures))
	for i, fut := range futures {
		ok, err := fut.Wait(ctx)
		if ctx.Err() != nil {
			t.Fatalf("future %d did not resolve: %v", i, err)
		}
		out[i] = ok
	}
	return out
}

// eventually polls cond until it holds or the test timeout expires.
func eventually(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}
