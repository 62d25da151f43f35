package systems

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/spaghettifunk/vesta/engine/core"
	"github.com/spaghettifunk/vesta/engine/renderer/headless"
	"github.com/spaghettifunk/vesta/engine/renderer/metadata"
)

type descriptorFixture struct {
	device  *headless.Device
	cache   *ResourceCache
	release *ReleaseQueue
	dm      *DescriptorManager
}

func newDescriptorFixture(t *testing.T, frames uint8) *descriptorFixture {
	t.Helper()
	f := &descriptorFixture{
		device: headless.New(headless.DefaultOptions()),
		cache:  NewResourceCache(),
	}
	installPlaceholders(t, f.device, f.cache)
	f.release = NewReleaseQueue(f.device, frames)
	dm, err := NewDescriptorManager(DescriptorSystemConfig{FramesInFlight: frames, StorageSlots: 1}, f.device, f.cache, f.release)
	if err != nil {
		t.Fatal(err)
	}
	f.dm = dm
	return f
}

// addTexture puts a loaded texture into the cache.
func (f *descriptorFixture) addTexture(t *testing.T, id string) metadata.ImageHandle {
	t.Helper()
	h, err := f.device.AllocateImage(metadata.ImageDesc{Width: 1, Height: 1, MipLevels: 1})
	if err != nil {
		t.Fatal(err)
	}
	f.cache.Insert(id, id, &metadata.Texture{ID: id, Image: h, Width: 1, Height: 1})
	return h
}

func (f *descriptorFixture) boundImage(t *testing.T, consumer metadata.ConsumerID, slot uint8, ts metadata.TextureSlot) metadata.ImageHandle {
	t.Helper()
	table, ok := f.dm.Table(consumer, slot)
	if !ok {
		t.Fatalf("consumer %d has no table for slot %d", consumer, slot)
	}
	return f.device.Table(table)[metadata.ImageBinding(ts)].Image
}

func textures(baseColor string) [metadata.MAX_IMAGE_SLOTS]string {
	var out [metadata.MAX_IMAGE_SLOTS]string
	out[metadata.TextureSlotBaseColor] = baseColor
	return out
}

func TestNewDescriptorManagerValidation(t *testing.T) {
	d := headless.New(headless.DefaultOptions())
	tests := []struct {
		name string
		cfg  DescriptorSystemConfig
	}{
		{"no frames", DescriptorSystemConfig{FramesInFlight: 0}},
		{"too many storage slots", DescriptorSystemConfig{FramesInFlight: 2, StorageSlots: metadata.MAX_STORAGE_SLOTS + 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDescriptorManager(tt.cfg, d, NewResourceCache(), NewReleaseQueue(d, 2))
			if !errors.Is(err, core.ErrInvalidConfig) {
				t.Errorf("err = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestColdStartBindsPlaceholders(t *testing.T) {
	f := newDescriptorFixture(t, 2)
	storage, _, _ := f.device.AllocateBuffer(64, metadata.BufferUsageStorage, metadata.MemoryDeviceLocal)
	if err := f.dm.Register(1, textures("missing"), storage); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.dm.Table(1, 0); ok {
		t.Fatal("table allocated before the safe point")
	}
	n, err := f.dm.FlushSafePoint(0)
	if err != nil || n != 1 {
		t.Fatalf("FlushSafePoint = %d, %v; want 1 write", n, err)
	}
	table, _ := f.dm.Table(1, 0)
	bindings := f.device.Table(table)
	for _, p := range metadata.Placeholders {
		if got := bindings[metadata.ImageBinding(p.Slot)].Image; got != f.cache.Placeholder(p.Slot).Image {
			t.Errorf("slot %s bound %d, want placeholder", p.Slot, got)
		}
	}
	if bindings[metadata.UniformBinding].Kind != metadata.BindingUniform {
		t.Error("uniform not written on cold start")
	}
	if bindings[metadata.FirstStorageBinding].Buffer != storage {
		t.Error("storage buffer not written on cold start")
	}
	if _, ok := f.dm.Table(1, 1); ok {
		t.Error("slot 1 cold-started at the safe point of slot 0")
	}
}

func TestRequestUpdateDeferredWhileRecording(t *testing.T) {
	f := newDescriptorFixture(t, 2)
	f.dm.Register(7, textures("bricks"))
	if _, err := f.dm.FlushSafePoint(0); err != nil {
		t.Fatal(err)
	}
	placeholder := f.cache.Placeholder(metadata.TextureSlotBaseColor).Image

	f.dm.BeginRecording()
	bricks := f.addTexture(t, "bricks")
	res, err := f.dm.RequestUpdate(7, 0, true)
	if err != nil || res != UpdateDeferred {
		t.Fatalf("RequestUpdate = %s, %v; want deferred", res, err)
	}
	if got := f.boundImage(t, 7, 0, metadata.TextureSlotBaseColor); got != placeholder {
		t.Error("table written while recording")
	}
	if f.dm.Pending() != 1 {
		t.Errorf("pending = %d, want 1", f.dm.Pending())
	}
	if _, err := f.dm.FlushSafePoint(0); !errors.Is(err, core.ErrRecordingInProgress) {
		t.Errorf("flush while recording = %v, want ErrRecordingInProgress", err)
	}
	f.dm.EndRecording()

	if _, err := f.dm.FlushSafePoint(0); err != nil {
		t.Fatal(err)
	}
	if got := f.boundImage(t, 7, 0, metadata.TextureSlotBaseColor); got != bricks {
		t.Errorf("bound %d after flush, want %d", got, bricks)
	}
	if f.dm.Pending() != 0 {
		t.Errorf("pending = %d after flush", f.dm.Pending())
	}
}

func TestRequestUpdateErrors(t *testing.T) {
	f := newDescriptorFixture(t, 2)
	if _, err := f.dm.RequestUpdate(99, 0, true); !errors.Is(err, core.ErrUnknownConsumer) {
		t.Errorf("unknown consumer = %v", err)
	}
	f.dm.Register(1, textures(""))
	if _, err := f.dm.RequestUpdate(1, 5, true); !errors.Is(err, core.ErrInvalidFrameSlot) {
		t.Errorf("bad slot = %v", err)
	}
}

func TestPendingOpsFlushOnlyAtTheirSlot(t *testing.T) {
	f := newDescriptorFixture(t, 3)
	f.dm.Register(1, textures("a"))
	for s := uint8(0); s < 3; s++ {
		f.dm.FlushSafePoint(s)
	}

	f.dm.BeginRecording()
	for s := uint8(0); s < 3; s++ {
		f.dm.RequestUpdate(1, s, true)
	}
	f.dm.EndRecording()
	a := f.addTexture(t, "a")

	for s := uint8(0); s < 3; s++ {
		if _, err := f.dm.FlushSafePoint(s); err != nil {
			t.Fatal(err)
		}
		if got, want := f.dm.Pending(), 2-int(s); got != want {
			t.Errorf("after slot %d pending = %d, want %d", s, got, want)
		}
		if got := f.boundImage(t, 1, s, metadata.TextureSlotBaseColor); got != a {
			t.Errorf("slot %d not updated at its safe point", s)
		}
	}
}

func TestDirtyConsumersRefreshLazily(t *testing.T) {
	f := newDescriptorFixture(t, 2)
	f.dm.Register(1, textures("rock"))
	f.dm.Register(2, textures("grass"))
	f.dm.FlushSafePoint(0)
	f.dm.FlushSafePoint(1)

	rock := f.addTexture(t, "rock")
	if n := f.dm.MarkResourceDirty("rock"); n != 1 {
		t.Fatalf("MarkResourceDirty marked %d consumers, want 1", n)
	}
	writes := f.device.TableWrites
	t2, _ := f.dm.Table(2, 0)
	before := writes(t2)

	f.dm.FlushSafePoint(0)
	if got := f.boundImage(t, 1, 0, metadata.TextureSlotBaseColor); got != rock {
		t.Error("current slot not refreshed")
	}
	if got := f.boundImage(t, 1, 1, metadata.TextureSlotBaseColor); got == rock {
		t.Error("other slot refreshed eagerly")
	}
	if writes(t2) != before {
		t.Error("unrelated consumer rewritten")
	}

	f.dm.FlushSafePoint(1)
	if got := f.boundImage(t, 1, 1, metadata.TextureSlotBaseColor); got != rock {
		t.Error("other slot not refreshed when it became current")
	}
}

func TestRefusedFlushKeepsDirtyMarks(t *testing.T) {
	f := newDescriptorFixture(t, 2)
	f.dm.Register(1, textures("rock"))
	f.dm.FlushSafePoint(0)
	f.dm.FlushSafePoint(1)

	rock := f.addTexture(t, "rock")
	f.dm.MarkResourceDirty("rock")
	f.dm.BeginRecording()
	if _, err := f.dm.FlushSafePoint(0); !errors.Is(err, core.ErrRecordingInProgress) {
		t.Fatalf("flush while recording = %v", err)
	}
	f.dm.EndRecording()

	f.dm.FlushSafePoint(0)
	f.dm.FlushSafePoint(1)
	for slot := uint8(0); slot < 2; slot++ {
		if got := f.boundImage(t, 1, slot, metadata.TextureSlotBaseColor); got != rock {
			t.Errorf("slot %d binds %d, want %d", slot, got, rock)
		}
	}
}

func TestUniformWrittenOncePerSlot(t *testing.T) {
	f := newDescriptorFixture(t, 2)
	var uniformWrites atomic.Int32
	f.device.SetWriteObserver(func(_ metadata.BindingTableHandle, writes []metadata.BindingWrite) {
		for _, w := range writes {
			if w.Kind == metadata.BindingUniform {
				uniformWrites.Add(1)
			}
		}
	})
	f.dm.Register(1, textures(""))
	f.dm.FlushSafePoint(0)
	if uniformWrites.Load() != 1 {
		t.Fatalf("cold start wrote uniform %d times", uniformWrites.Load())
	}

	f.dm.RequestUpdate(1, 0, false)
	f.dm.RequestUpdate(1, 0, true)
	if uniformWrites.Load() != 1 {
		t.Errorf("uniform rewritten before invalidation (%d writes)", uniformWrites.Load())
	}

	if err := f.dm.InvalidateConsumer(1); err != nil {
		t.Fatal(err)
	}
	f.dm.RequestUpdate(1, 0, false)
	if uniformWrites.Load() != 2 {
		t.Errorf("uniform writes = %d after invalidation, want 2", uniformWrites.Load())
	}
}

func TestWritesOnlyOutsideRecording(t *testing.T) {
	const frames = 2
	f := newDescriptorFixture(t, frames)
	for c := metadata.ConsumerID(1); c <= 8; c++ {
		f.dm.Register(c, textures("shared"))
	}

	var recording atomic.Bool
	var violations atomic.Int32
	f.device.SetWriteObserver(func(metadata.BindingTableHandle, []metadata.BindingWrite) {
		if recording.Load() {
			violations.Add(1)
		}
	})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for {
				select {
				case <-stop:
					return
				default:
				}
				c := metadata.ConsumerID(rng.Intn(8) + 1)
				f.dm.RequestUpdate(c, uint8(rng.Intn(frames)), rng.Intn(2) == 0)
				f.dm.MarkResourceDirty("shared")
			}
		}(int64(w))
	}

	for frame := 0; frame < 200; frame++ {
		slot := uint8(frame % frames)
		if _, err := f.dm.FlushSafePoint(slot); err != nil {
			t.Fatal(err)
		}
		f.dm.BeginRecording()
		recording.Store(true)
		recording.Store(false)
		f.dm.EndRecording()
	}
	close(stop)
	wg.Wait()

	if n := violations.Load(); n != 0 {
		t.Errorf("%d binding-table writes happened while recording", n)
	}
	f.dm.FlushSafePoint(0)
	f.dm.FlushSafePoint(1)
	if f.dm.Pending() != 0 {
		t.Errorf("pending = %d after a full cycle", f.dm.Pending())
	}
}

func TestUnregisterRetiresTables(t *testing.T) {
	f := newDescriptorFixture(t, 2)
	f.dm.Register(1, textures("x"))
	f.dm.FlushSafePoint(0)
	f.dm.FlushSafePoint(1)

	if !f.dm.Unregister(1) {
		t.Fatal("Unregister reported unknown consumer")
	}
	// two tables and two uniform buffers
	if f.release.Len() != 4 {
		t.Errorf("retired %d objects, want 4", f.release.Len())
	}
	if f.dm.MarkResourceDirty("x") != 0 {
		t.Error("unregistered consumer still uses x")
	}
	if f.dm.Unregister(1) {
		t.Error("second Unregister succeeded")
	}
}

func TestInvalidateRewritesEverything(t *testing.T) {
	f := newDescriptorFixture(t, 2)
	f.dm.Register(1, textures(""))
	f.dm.FlushSafePoint(0)
	f.dm.BeginRecording()
	f.dm.RequestUpdate(1, 1, true)
	f.dm.EndRecording()

	f.dm.Invalidate()
	if f.dm.Pending() != 0 {
		t.Error("Invalidate kept pending ops")
	}
	n, err := f.dm.FlushSafePoint(0)
	if err != nil || n != 1 {
		t.Errorf("flush after invalidate = %d, %v; want 1 rewrite", n, err)
	}
}
