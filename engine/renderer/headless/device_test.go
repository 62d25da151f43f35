package headless

import (
	"errors"
	"testing"
	"time"

	"github.com/spaghettifunk/vesta/engine/core"
	"github.com/spaghettifunk/vesta/engine/renderer"
	"github.com/spaghettifunk/vesta/engine/renderer/metadata"
)

func TestFenceLifecycle(t *testing.T) {
	d := New(DefaultOptions())
	f, err := d.CreateFence(true)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.WaitFence(f, renderer.InfiniteTimeout); err != nil {
		t.Fatalf("signaled fence: %v", err)
	}
	if err := d.ResetFence(f); err != nil {
		t.Fatal(err)
	}
	if err := d.WaitFence(f, uint64(time.Millisecond)); !errors.Is(err, core.ErrFenceWait) {
		t.Fatalf("reset fence wait = %v, want ErrFenceWait", err)
	}
	if err := d.SignalFence(f); err != nil {
		t.Fatal(err)
	}
	if err := d.WaitFence(f, renderer.InfiniteTimeout); err != nil {
		t.Fatalf("re-armed fence: %v", err)
	}
	if err := d.SignalFence(f); !errors.Is(err, core.ErrSubmitFailed) {
		t.Fatalf("submit with signaled fence = %v, want ErrSubmitFailed", err)
	}
}

func TestFenceLatency(t *testing.T) {
	opts := DefaultOptions()
	opts.SubmitLatency = 5 * time.Millisecond
	d := New(opts)
	f, _ := d.CreateFence(false)
	if err := d.SignalFence(f); err != nil {
		t.Fatal(err)
	}
	if err := d.WaitFence(f, uint64(time.Microsecond)); !errors.Is(err, core.ErrFenceWait) {
		t.Fatalf("short wait = %v, want timeout", err)
	}
	start := time.Now()
	if err := d.WaitFence(f, renderer.InfiniteTimeout); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) <= 0 {
		t.Error("wait returned without elapsed time")
	}
	if err := d.WaitIdle(); err != nil {
		t.Fatal(err)
	}
}

func TestBindingTableValidation(t *testing.T) {
	d := New(DefaultOptions())
	table, err := d.AllocateBindingTable(metadata.BindingLayout{UniformSize: metadata.UniformBlockSize})
	if err != nil {
		t.Fatal(err)
	}
	buf, mapped, err := d.AllocateBuffer(metadata.UniformBlockSize, metadata.BufferUsageUniform, metadata.MemoryHostVisible)
	if err != nil {
		t.Fatal(err)
	}
	if len(mapped) != metadata.UniformBlockSize {
		t.Fatalf("mapped %d bytes", len(mapped))
	}
	img, _ := d.AllocateImage(metadata.ImageDesc{Width: 1, Height: 1, MipLevels: 1})

	tests := []struct {
		name    string
		write   metadata.BindingWrite
		wantErr bool
	}{
		{"uniform", metadata.BindingWrite{Binding: metadata.UniformBinding, Kind: metadata.BindingUniform, Buffer: buf}, false},
		{"image", metadata.BindingWrite{Binding: metadata.ImageBinding(metadata.TextureSlotNormal), Kind: metadata.BindingImage, Image: img}, false},
		{"image in uniform binding", metadata.BindingWrite{Binding: metadata.UniformBinding, Kind: metadata.BindingImage, Image: img}, true},
		{"unknown image", metadata.BindingWrite{Binding: metadata.FirstImageBinding, Kind: metadata.BindingImage, Image: 999}, true},
		{"storage without slots", metadata.BindingWrite{Binding: metadata.FirstStorageBinding, Kind: metadata.BindingStorage, Buffer: buf}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.WriteBindingTable(table, []metadata.BindingWrite{tt.write})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %t", err, tt.wantErr)
			}
		})
	}
	if got := d.TableWrites(table); got != 2 {
		t.Errorf("TableWrites = %d, want 2", got)
	}
	if got := d.Table(table)[metadata.ImageBinding(metadata.TextureSlotNormal)].Image; got != img {
		t.Errorf("normal binding = %d, want %d", got, img)
	}
}

func TestUploadImagesBatchFaults(t *testing.T) {
	d := New(DefaultOptions())
	var uploads []metadata.ImageUpload
	for i := 0; i < 3; i++ {
		desc := metadata.ImageDesc{Width: 2, Height: 2, MipLevels: 1}
		img, _ := d.AllocateImage(desc)
		staging, data, _ := d.AllocateBuffer(16, metadata.BufferUsageTransferSrc, metadata.MemoryHostVisible)
		data[0] = byte(i + 1)
		uploads = append(uploads, metadata.ImageUpload{Image: img, Staging: staging, Desc: desc})
	}
	d.InjectBatchUploadFailures(1)
	errs := d.UploadImages(uploads)
	if len(errs) != 3 || errs[0] == nil || errs[1] != nil || errs[2] != nil {
		t.Fatalf("errs = %v, want only the first to fail", errs)
	}
	if errs := d.UploadImages(uploads[:1]); errs != nil {
		t.Fatalf("single upload errs = %v", errs)
	}
	if px := d.ImagePixels(uploads[0].Image); px[0] != 1 {
		t.Errorf("pixel = %d, want 1", px[0])
	}
	if s := d.Stats(); s.ImageUploads != 3 || s.BatchedSubmits != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestAllocFaults(t *testing.T) {
	d := New(DefaultOptions())
	d.InjectImageAllocFailures(1)
	if _, err := d.AllocateImage(metadata.ImageDesc{Width: 4, Height: 4}); !errors.Is(err, core.ErrOutOfDeviceMemory) {
		t.Fatalf("err = %v, want ErrOutOfDeviceMemory", err)
	}
	d.InjectAllocFailureWhen(func(desc metadata.ImageDesc) bool { return desc.MipLevels > 1 })
	if _, err := d.AllocateImage(metadata.ImageDesc{Width: 4, Height: 4, MipLevels: 3}); err == nil {
		t.Fatal("mipmapped allocation succeeded")
	}
	if _, err := d.AllocateImage(metadata.ImageDesc{Width: 4, Height: 4, MipLevels: 1}); err != nil {
		t.Fatalf("single mip allocation: %v", err)
	}
}

func TestAccelBuildAndRefit(t *testing.T) {
	d := New(DefaultOptions())
	instances := []metadata.AccelInstance{{Consumer: 1, Dynamic: true}, {Consumer: 2}}
	h, err := d.BuildAccelerationStructure(instances)
	if err != nil {
		t.Fatal(err)
	}
	moved := metadata.AccelInstance{Consumer: 1}
	moved.Transform[12] = 5
	if err := d.RefitAccelerationStructure(h, []metadata.AccelInstance{moved}); err != nil {
		t.Fatal(err)
	}
	if got := d.AccelInstances(h)[0].Transform[12]; got != 5 {
		t.Errorf("refit translation = %v, want 5", got)
	}

	opts := DefaultOptions()
	opts.RayQuery = false
	if _, err := New(opts).BuildAccelerationStructure(instances); !errors.Is(err, core.ErrUnsupported) {
		t.Errorf("build without ray query = %v, want ErrUnsupported", err)
	}
}

func TestPresentOutOfDate(t *testing.T) {
	d := New(DefaultOptions())
	sem, _ := d.CreateSemaphore()
	slot := &metadata.FrameSlot{ImageAvailable: sem}
	d.InjectOutOfDate(1, 1)
	if _, err := d.AcquireImage(slot); !errors.Is(err, core.ErrSurfaceOutOfDate) {
		t.Fatalf("acquire = %v", err)
	}
	idx, err := d.AcquireImage(slot)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Present(slot, idx); !errors.Is(err, core.ErrSurfaceOutOfDate) {
		t.Fatalf("present = %v", err)
	}
	if err := d.RecreateSurface(0, 10); !errors.Is(err, core.ErrSwapchainBooting) {
		t.Fatalf("recreate with zero width = %v", err)
	}
	if err := d.RecreateSurface(800, 600); err != nil {
		t.Fatal(err)
	}
	if w, h := d.Size(); w != 800 || h != 600 {
		t.Errorf("size = %dx%d", w, h)
	}
}
