package systems

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"path/filepath"
	"sync"
	"testing"

	"golang.org/x/sync/semaphore"

	"github.com/spaghettifunk/vesta/engine/assets"
	"github.com/spaghettifunk/vesta/engine/config"
	"github.com/spaghettifunk/vesta/engine/core"
	"github.com/spaghettifunk/vesta/engine/renderer/headless"
	"github.com/spaghettifunk/vesta/engine/renderer/metadata"
)

func TestConcurrentDuplicateLoads(t *testing.T) {
	f := newPipeline(t, 4, nil)

	pixels := make(map[string]*metadata.PixelBuffer)
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("tex_%d", i)
		pixels[id] = solidPixels(8, 8, [4]byte{byte(i), 0, 0, 255})
	}

	futures := make([]*Future, 100)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("tex_%d", i%10)
			futures[i] = f.pipeline.Submit(metadata.NewMemoryJob(id, pixels[id], i%3 == 0))
		}(i)
	}
	wg.Wait()

	for i, ok := range waitAll(t, futures) {
		if !ok {
			t.Errorf("future %d resolved false", i)
		}
	}
	if got := f.uploads(); got != 10 {
		t.Errorf("uploads = %d, want 10", got)
	}
	snap := f.metrics.Snapshot()
	if snap.JobsScheduled != 100 || snap.JobsCompleted != 100 {
		t.Errorf("scheduled/completed = %d/%d, want 100/100", snap.JobsScheduled, snap.JobsCompleted)
	}
	if snap.Uploads != 10 {
		t.Errorf("metric uploads = %d, want 10", snap.Uploads)
	}
	for id := range pixels {
		tex, ok := f.cache.Lookup(id)
		if !ok || !tex.Usable() {
			t.Errorf("%s not usable in cache", id)
		}
	}
}

func TestFileAliasesShareOneUpload(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "rock_albedo.png"), 4, 4, color.RGBA{200, 10, 10, 255})

	am, err := assets.NewAssetManager()
	if err != nil {
		t.Fatal(err)
	}
	if err := am.Initialize(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { am.Close() })

	f := newPipeline(t, 2, am)
	futures := []*Future{
		f.pipeline.Submit(metadata.NewFileJob("rock", "rock_albedo.png", true)),
		f.pipeline.Submit(metadata.NewFileJob("boulder", "rock_albedo.png", false)),
		f.pipeline.Submit(metadata.NewFileJob("pebble", "rock_albedo.png", false)),
	}
	for i, ok := range waitAll(t, futures) {
		if !ok {
			t.Errorf("future %d resolved false", i)
		}
	}
	if got := f.uploads(); got != 1 {
		t.Errorf("uploads = %d, want 1", got)
	}
	rock, _ := f.cache.Lookup("rock")
	pebble, _ := f.cache.Lookup("pebble")
	if rock != pebble {
		t.Error("aliases resolve to different textures")
	}
	if rock.Format != metadata.ImageFormatRGBA8Srgb {
		t.Errorf("format = %s, want srgb from the path", rock.Format)
	}
	if got := f.device.ImagePixels(rock.Image); len(got) != 4*4*4 || got[0] != 200 {
		t.Errorf("uploaded pixels = %v", got[:4])
	}
}

func TestSiblingFallback(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "walls", "wall_d.png"), 2, 2, color.RGBA{1, 2, 3, 255})

	am, err := assets.NewAssetManager()
	if err != nil {
		t.Fatal(err)
	}
	if err := am.Initialize(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { am.Close() })

	f := newPipeline(t, 1, am)
	ok, err := f.pipeline.Process(testContext(t), metadata.NewFileJob("wall", "walls/wall_c.png", true))
	if !ok || err != nil {
		t.Fatalf("Process = %t, %v", ok, err)
	}
	tex, _ := f.cache.Lookup("wall")
	if want := filepath.Join(am.Root(), "walls", "wall_d.png"); tex.Source != want {
		t.Errorf("source = %q, want %q", tex.Source, want)
	}

	ok, err = f.pipeline.Process(testContext(t), metadata.NewFileJob("door", "walls/door_c.png", true))
	if ok || !errors.Is(err, core.ErrAssetNotFound) {
		t.Errorf("missing file = %t, %v; want false, ErrAssetNotFound", ok, err)
	}
}

func TestAllocationRetryReducedTier(t *testing.T) {
	f := newPipeline(t, 1, nil)
	f.device.InjectAllocFailureWhen(func(desc metadata.ImageDesc) bool { return desc.MipLevels > 1 })

	ok, err := f.pipeline.Process(testContext(t), metadata.NewMemoryJob("big_normal", solidPixels(64, 64, [4]byte{128, 128, 255, 255}), true))
	if !ok || err != nil {
		t.Fatalf("Process = %t, %v", ok, err)
	}
	tex, _ := f.cache.Lookup("big_normal")
	desc, _ := f.device.ImageDesc(tex.Image)
	if desc.MipLevels != 1 {
		t.Errorf("mip levels = %d, want 1", desc.MipLevels)
	}
	if desc.Usage&metadata.ImageUsageTransferSrc != 0 {
		t.Error("reduced tier kept transfer-src usage")
	}
	if tex.Format != metadata.ImageFormatRGBA8Unorm {
		t.Errorf("format = %s, want unorm", tex.Format)
	}
}

func TestPermanentFailureReleasesWaiters(t *testing.T) {
	f := newPipeline(t, 3, nil)
	f.device.InjectAllocFailureWhen(func(metadata.ImageDesc) bool { return true })

	var mu sync.Mutex
	var loaded []bool
	f.events.Register(core.EVENT_CODE_TEXTURE_LOADED, t, func(ctx core.EventContext) bool {
		mu.Lock()
		loaded = append(loaded, ctx.Flag)
		mu.Unlock()
		return true
	})

	pixels := solidPixels(4, 4, [4]byte{})
	futures := make([]*Future, 20)
	for i := range futures {
		futures[i] = f.pipeline.Submit(metadata.NewMemoryJob("doomed", pixels, true))
	}
	for i, ok := range waitAll(t, futures) {
		if ok {
			t.Errorf("future %d resolved true", i)
		}
	}
	_, err := futures[0].Wait(testContext(t))
	if !errors.Is(err, core.ErrOutOfDeviceMemory) && !errors.Is(err, ErrTextureFailed) {
		t.Errorf("err = %v", err)
	}
	if f.cache.Contains("doomed") {
		t.Error("failed texture left a cache entry")
	}
	if f.cache.Image("doomed", metadata.TextureSlotBaseColor) != f.cache.Placeholder(metadata.TextureSlotBaseColor).Image {
		t.Error("failed texture does not bind the placeholder")
	}
	snap := f.metrics.Snapshot()
	if snap.JobsScheduled != snap.JobsCompleted {
		t.Errorf("scheduled %d != completed %d", snap.JobsScheduled, snap.JobsCompleted)
	}
	if f.device.LiveImages() != len(metadata.Placeholders) {
		t.Errorf("live images = %d, leaked after failure", f.device.LiveImages())
	}
	if len(loaded) == 0 || loaded[0] {
		t.Errorf("texture events = %v, want a failure", loaded)
	}
}

func TestFailedTextureLoadsAgainOnResubmit(t *testing.T) {
	f := newPipeline(t, 1, nil)
	pressure := true
	f.device.InjectAllocFailureWhen(func(metadata.ImageDesc) bool { return pressure })
	pixels := solidPixels(4, 4, [4]byte{10, 20, 30, 255})

	ok, err := f.pipeline.Process(testContext(t), metadata.NewMemoryJob("tex", pixels, true))
	if ok || !errors.Is(err, core.ErrOutOfDeviceMemory) {
		t.Fatalf("under pressure = %t, %v; want false, ErrOutOfDeviceMemory", ok, err)
	}

	pressure = false
	ok, err = f.pipeline.Process(testContext(t), metadata.NewMemoryJob("tex", pixels, true))
	if !ok || err != nil {
		t.Fatalf("after pressure cleared = %t, %v", ok, err)
	}
	if f.uploads() != 1 {
		t.Errorf("uploads = %d, want 1", f.uploads())
	}
	if tex, ok := f.cache.Lookup("tex"); !ok || !tex.Usable() {
		t.Error("texture not usable after the retry")
	}
}

func TestInvalidPayload(t *testing.T) {
	f := newPipeline(t, 1, nil)
	fut := f.pipeline.Submit(metadata.NewMemoryJob("short", &metadata.PixelBuffer{Width: 4, Height: 4, Pixels: make([]byte, 3)}, true))
	ok, err := fut.Wait(testContext(t))
	if ok || !errors.Is(err, core.ErrInvalidPayload) {
		t.Errorf("= %t, %v; want false, ErrInvalidPayload", ok, err)
	}
	if f.pipeline.IsLoading() {
		t.Error("rejected critical job left the pipeline loading")
	}
}

func TestBatchedUploadFallsBackPerItem(t *testing.T) {
	f := newPipeline(t, -1, nil)
	f.device.InjectBatchUploadFailures(1)

	var futures []*Future
	for i := 0; i < 3; i++ {
		futures = append(futures, f.pipeline.Submit(metadata.NewMemoryJob(fmt.Sprintf("b%d", i), solidPixels(2, 2, [4]byte{byte(i)}), false)))
	}
	if n := f.pipeline.IntegrateBounded(1, true); n != 3 {
		t.Fatalf("integrated %d jobs, want 3", n)
	}
	for i, ok := range waitAll(t, futures) {
		if !ok {
			t.Errorf("future %d resolved false", i)
		}
	}
	st := f.device.Stats()
	if st.BatchedSubmits != 1 {
		t.Errorf("batched submits = %d, want 1", st.BatchedSubmits)
	}
	if got := f.uploads(); got != 3 {
		t.Errorf("uploads = %d, want 3", got)
	}
	for i := 0; i < 3; i++ {
		if f.dirty.count(fmt.Sprintf("b%d", i)) != 1 {
			t.Errorf("b%d not marked dirty once", i)
		}
	}
}

func TestIntegrateBoundedBudgets(t *testing.T) {
	tests := []struct {
		name     string
		loading  bool
		rayQuery bool
		frame    uint64
		critical int
		normal   int
		want     int
	}{
		{"loading takes critical only", true, false, 1, 2, 5, 2},
		{"loading budget", true, false, 1, 20, 0, 16},
		{"ray query takes any", false, true, 1, 0, 40, 32},
		{"idle frame", false, false, 3, 0, 5, 1},
		{"off-interval frame", false, false, 4, 0, 5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPipeline(t, -1, nil)
			f.pipeline.SetLoading(tt.loading)
			for i := 0; i < tt.critical; i++ {
				f.pipeline.Submit(metadata.NewMemoryJob(fmt.Sprintf("c%d", i), solidPixels(1, 1, [4]byte{}), true))
			}
			for i := 0; i < tt.normal; i++ {
				f.pipeline.Submit(metadata.NewMemoryJob(fmt.Sprintf("n%d", i), solidPixels(1, 1, [4]byte{}), false))
			}
			if got := f.pipeline.IntegrateBounded(tt.frame, tt.rayQuery); got != tt.want {
				t.Errorf("IntegrateBounded = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWorkersHoldNonCriticalWhileLoading(t *testing.T) {
	f := newPipeline(t, 2, nil)
	f.pipeline.SetLoading(true)

	normal := f.pipeline.Submit(metadata.NewMemoryJob("far", solidPixels(1, 1, [4]byte{}), false))
	critical := f.pipeline.Submit(metadata.NewMemoryJob("near", solidPixels(1, 1, [4]byte{}), true))
	if ok, _ := critical.Wait(testContext(t)); !ok {
		t.Fatal("critical job failed")
	}
	if normal.Ready() {
		t.Error("non-critical job ran while loading")
	}

	f.pipeline.CompleteInitialLoad()
	if ok, _ := normal.Wait(testContext(t)); !ok {
		t.Error("non-critical job failed after loading")
	}
}

func TestShutdownDropsQueuedJobs(t *testing.T) {
	f := newPipeline(t, -1, nil)
	var futures []*Future
	for i := 0; i < 5; i++ {
		futures = append(futures, f.pipeline.Submit(metadata.NewMemoryJob(fmt.Sprintf("q%d", i), solidPixels(1, 1, [4]byte{}), i == 0)))
	}
	if err := f.pipeline.Shutdown(testContext(t)); err != nil {
		t.Fatal(err)
	}
	for i, fut := range futures {
		ok, err := fut.Wait(testContext(t))
		if ok || !errors.Is(err, core.ErrShuttingDown) {
			t.Errorf("future %d = %t, %v; want false, ErrShuttingDown", i, ok, err)
		}
	}
	late := f.pipeline.Submit(metadata.NewMemoryJob("late", solidPixels(1, 1, [4]byte{}), false))
	if ok, _ := late.Wait(testContext(t)); ok {
		t.Error("job accepted after shutdown")
	}
	snap := f.metrics.Snapshot()
	if snap.JobsScheduled != 6 || snap.JobsCompleted != 6 {
		t.Errorf("scheduled/completed = %d/%d, want 6/6", snap.JobsScheduled, snap.JobsCompleted)
	}
	if f.device.Stats().ImageUploads != len(metadata.Placeholders) {
		t.Error("dropped jobs were uploaded")
	}
}

// stalledAlloc blocks allocations of 3 pixel wide images until release is closed.
type stalledAlloc struct {
	*headless.Device
	entered chan struct{}
	release chan struct{}
}

func (s stalledAlloc) AllocateImage(desc metadata.ImageDesc) (metadata.ImageHandle, error) {
	if desc.Width == 3 {
		close(s.entered)
		<-s.release
	}
	return s.Device.AllocateImage(desc)
}

func TestShutdownPastDeadlineCompletesDroppedJobs(t *testing.T) {
	cfg := config.Default().Streaming
	cfg.Workers = 1
	d := stalledAlloc{headless.New(headless.DefaultOptions()), make(chan struct{}), make(chan struct{})}
	metrics := &core.StreamingMetrics{}
	p, err := NewStreamingPipeline(StreamingPipelineConfig{Streaming: cfg}, d, nil, NewResourceCache(), nil, NewReleaseQueue(d, 2), semaphore.NewWeighted(1), metrics, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Initialize(); err != nil {
		t.Fatal(err)
	}

	stuck := p.Submit(metadata.NewMemoryJob("stuck", solidPixels(3, 3, [4]byte{}), false))
	<-d.entered
	var queued []*Future
	for i := 0; i < 4; i++ {
		queued = append(queued, p.Submit(metadata.NewMemoryJob(fmt.Sprintf("q%d", i), solidPixels(1, 1, [4]byte{}), false)))
	}

	expired, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Shutdown(expired); !errors.Is(err, context.Canceled) {
		t.Fatalf("Shutdown = %v, want context.Canceled", err)
	}
	close(d.release)

	stuck.Wait(testContext(t))
	for i, fut := range queued {
		if ok, err := fut.Wait(testContext(t)); ok || !errors.Is(err, core.ErrShuttingDown) {
			t.Errorf("queued %d = %t, %v; want false, ErrShuttingDown", i, ok, err)
		}
	}
	snap := metrics.Snapshot()
	if snap.JobsScheduled != 5 || snap.JobsCompleted != 5 {
		t.Errorf("scheduled/completed = %d/%d, want 5/5", snap.JobsScheduled, snap.JobsCompleted)
	}
}

func TestReloadRequeuesSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crate_basecolor.png")
	writePNG(t, path, 2, 2, color.RGBA{10, 20, 30, 255})

	am, err := assets.NewAssetManager()
	if err != nil {
		t.Fatal(err)
	}
	if err := am.Initialize(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { am.Close() })

	f := newPipeline(t, 1, am, func(c *config.StreamingConfig) { c.BatchSize = 1 })
	if ok, err := f.pipeline.Process(testContext(t), metadata.NewFileJob("crate", "crate_basecolor.png", false)); !ok {
		t.Fatalf("initial load: %v", err)
	}
	before, _ := f.cache.Lookup("crate")

	writePNG(t, path, 2, 2, color.RGBA{99, 20, 30, 255})
	if !f.pipeline.Reload(before.Source) {
		t.Fatal("Reload reported nothing to reload")
	}
	reloaded := eventually(t, func() bool {
		after, ok := f.cache.Lookup("crate")
		return ok && after.Generation > before.Generation
	})
	if !reloaded {
		t.Fatal("texture was not reloaded")
	}
	after, _ := f.cache.Lookup("crate")
	if px := f.device.ImagePixels(after.Image); px[0] != 99 {
		t.Errorf("reloaded pixel = %d, want 99", px[0])
	}
	if f.release.Len() != 1 {
		t.Errorf("release queue holds %d, want the old image", f.release.Len())
	}
}
