// Package headless implements renderer.Device in host memory. Fences, binding
// tables and acceleration structures behave like their GPU counterparts, which
// lets the engine run without a window and lets tests observe every write.
package headless

import (
	"fmt"
	"sync"
	"time"

	"github.com/spaghettifunk/vesta/engine/core"
	"github.com/spaghettifunk/vesta/engine/renderer"
	"github.com/spaghettifunk/vesta/engine/renderer/metadata"
)

type Options struct {
	Width  uint32
	Height uint32
	// SubmitLatency delays the fence signal after a submission. Zero signals synchronously.
	SubmitLatency time.Duration
	// UploadLatency is spent inside every upload submission.
	UploadLatency   time.Duration
	SwapchainImages uint32
	RayQuery        bool
}

func DefaultOptions() Options {
	return Options{
		Width:           1280,
		Height:          720,
		SwapchainImages: 3,
		RayQuery:        true,
	}
}

type buffer struct {
	size   uint64
	usage  metadata.BufferUsage
	memory metadata.MemoryProperty
	data   []byte
}

type image struct {
	desc    metadata.ImageDesc
	pixels  []byte
	uploads int
}

type fence struct {
	signaled bool
	pending  bool
}

type table struct {
	layout   metadata.BindingLayout
	bindings map[uint32]metadata.BindingWrite
	writes   int
}

type accel struct {
	instances []metadata.AccelInstance
	refits    int
}

// Stats counts the work the device performed.
type Stats struct {
	ImageUploads     int
	UploadSubmits    int
	BatchedSubmits   int
	BufferCopies     int
	FrameSubmits     int
	FramesRecorded   int
	Presents         int
	AccelBuilds      int
	AccelRefits      int
	WaitIdles        int
	SurfaceRecreates int
	BindingWrites    int
}

type Device struct {
	mu   sync.Mutex
	cond *sync.Cond
	opts Options

	nextHandle uint64
	buffers    map[metadata.BufferHandle]*buffer
	images     map[metadata.ImageHandle]*image
	fences     map[metadata.FenceHandle]*fence
	semaphores map[metadata.SemaphoreHandle]struct{}
	tables     map[metadata.BindingTableHandle]*table
	accels     map[metadata.AccelHandle]*accel
	sampler    metadata.SamplerHandle

	acquired   uint32
	lastPacket *renderer.FramePacket
	stats      Stats

	faults        faults
	writeObserver func(metadata.BindingTableHandle, []metadata.BindingWrite)
	shutdown      bool
}

type faults struct {
	imageAllocs      int
	imageAllocWhen   func(metadata.ImageDesc) bool
	batchItems       int
	accelBuilds      int
	acquireOutOfDate int
	presentOutOfDate int
}

func New(opts Options) *Device {
	if opts.SwapchainImages == 0 {
		opts.SwapchainImages = 3
	}
	d := &Device{
		opts:       opts,
		buffers:    make(map[metadata.BufferHandle]*buffer),
		images:     make(map[metadata.ImageHandle]*image),
		fences:     make(map[metadata.FenceHandle]*fence),
		semaphores: make(map[metadata.SemaphoreHandle]struct{}),
		tables:     make(map[metadata.BindingTableHandle]*table),
		accels:     make(map[metadata.AccelHandle]*accel),
	}
	d.cond = sync.NewCond(&d.mu)
	d.sampler = metadata.SamplerHandle(d.handle())
	core.LogInfo("Headless device created (%dx%d, ray query: %t).", opts.Width, opts.Height, opts.RayQuery)
	return d
}

func (d *Device) Name() string {
	return "headless"
}

// handle must be called with mu held.
func (d *Device) handle() uint64 {
	d.nextHandle++
	return d.nextHandle
}

func (d *Device) AllocateBuffer(size uint64, usage metadata.BufferUsage, memory metadata.MemoryProperty) (metadata.BufferHandle, []byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if size == 0 {
		return metadata.InvalidHandle, nil, fmt.Errorf("allocate buffer: zero size")
	}
	b := &buffer{size: size, usage: usage, memory: memory, data: make([]byte, size)}
	h := metadata.BufferHandle(d.handle())
	d.buffers[h] = b
	if memory&metadata.MemoryHostVisible != 0 {
		return h, b.data, nil
	}
	return h, nil, nil
}

func (d *Device) AllocateImage(desc metadata.ImageDesc) (metadata.ImageHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.faults.imageAllocs > 0 {
		d.faults.imageAllocs--
		return metadata.InvalidHandle, fmt.Errorf("allocate image %dx%d: %w", desc.Width, desc.Height, core.ErrOutOfDeviceMemory)
	}
	if d.faults.imageAllocWhen != nil && d.faults.imageAllocWhen(desc) {
		return metadata.InvalidHandle, fmt.Errorf("allocate image %dx%d (%d mips): %w", desc.Width, desc.Height, desc.MipLevels, core.ErrOutOfDeviceMemory)
	}
	h := metadata.ImageHandle(d.handle())
	d.images[h] = &image{desc: desc}
	return h, nil
}

func (d *Device) DestroyBuffer(h metadata.BufferHandle) {
	d.mu.Lock()
	delete(d.buffers, h)
	d.mu.Unlock()
}

func (d *Device) DestroyImage(h metadata.ImageHandle) {
	d.mu.Lock()
	delete(d.images, h)
	d.mu.Unlock()
}

func (d *Device) DefaultSampler() metadata.SamplerHandle {
	return d.sampler
}

func (d *Device) CreateFence(signaled bool) (metadata.FenceHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := metadata.FenceHandle(d.handle())
	d.fences[h] = &fence{signaled: signaled}
	return h, nil
}

func (d *Device) WaitFence(h metadata.FenceHandle, timeoutNs uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var deadline time.Time
	if timeoutNs != renderer.InfiniteTimeout {
		deadline = time.Now().Add(time.Duration(timeoutNs))
		// wake the waiter when the deadline passes
		t := time.AfterFunc(time.Duration(timeoutNs), func() {
			d.mu.Lock()
			d.cond.Broadcast()
			d.mu.Unlock()
		})
		defer t.Stop()
	}
	for {
		f, ok := d.fences[h]
		if !ok {
			return fmt.Errorf("wait fence %d: %w", h, core.ErrInvalidHandle)
		}
		if f.signaled {
			return nil
		}
		if !f.pending {
			// Nothing will ever signal it.
			return fmt.Errorf("wait fence %d: unsignaled and nothing submitted: %w", h, core.ErrFenceWait)
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return fmt.Errorf("wait fence %d: timed out: %w", h, core.ErrFenceWait)
		}
		d.cond.Wait()
	}
}

func (d *Device) ResetFence(h metadata.FenceHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.fences[h]
	if !ok {
		return fmt.Errorf("reset fence %d: %w", h, core.ErrInvalidHandle)
	}
	if f.pending {
		return fmt.Errorf("reset fence %d: still in use by the device", h)
	}
	f.signaled = false
	return nil
}

func (d *Device) SignalFence(h metadata.FenceHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submitLocked(h)
}

// submitLocked marks the fence in flight and schedules its signal.
func (d *Device) submitLocked(h metadata.FenceHandle) error {
	f, ok := d.fences[h]
	if !ok {
		return fmt.Errorf("submit with fence %d: %w", h, core.ErrInvalidHandle)
	}
	if f.signaled || f.pending {
		return fmt.Errorf("submit with fence %d: fence not reset: %w", h, core.ErrSubmitFailed)
	}
	if d.opts.SubmitLatency <= 0 {
		f.signaled = true
		d.cond.Broadcast()
		return nil
	}
	f.pending = true
	time.AfterFunc(d.opts.SubmitLatency, func() {
		d.mu.Lock()
		f.pending = false
		f.signaled = true
		d.cond.Broadcast()
		d.mu.Unlock()
	})
	return nil
}

func (d *Device) DestroyFence(h metadata.FenceHandle) {
	d.mu.Lock()
	delete(d.fences, h)
	d.mu.Unlock()
}

func (d *Device) CreateSemaphore() (metadata.SemaphoreHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := metadata.SemaphoreHandle(d.handle())
	d.semaphores[h] = struct{}{}
	return h, nil
}

func (d *Device) DestroySemaphore(h metadata.SemaphoreHandle) {
	d.mu.Lock()
	delete(d.semaphores, h)
	d.mu.Unlock()
}

func (d *Device) AllocateBindingTable(layout metadata.BindingLayout) (metadata.BindingTableHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if layout.StorageSlots > metadata.MAX_STORAGE_SLOTS {
		return metadata.InvalidHandle, fmt.Errorf("binding table with %d storage slots exceeds %d", layout.StorageSlots, metadata.MAX_STORAGE_SLOTS)
	}
	h := metadata.BindingTableHandle(d.handle())
	d.tables[h] = &table{layout: layout, bindings: make(map[uint32]metadata.BindingWrite)}
	return h, nil
}

func (d *Device) WriteBindingTable(h metadata.BindingTableHandle, writes []metadata.BindingWrite) error {
	d.mu.Lock()
	t, ok := d.tables[h]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("write binding table %d: %w", h, core.ErrInvalidHandle)
	}
	for _, w := range writes {
		if err := d.validateWriteLocked(t, w); err != nil {
			d.mu.Unlock()
			return fmt.Errorf("write binding table %d: %w", h, err)
		}
	}
	for _, w := range writes {
		t.bindings[w.Binding] = w
	}
	t.writes++
	d.stats.BindingWrites++
	observer := d.writeObserver
	d.mu.Unlock()

	if observer != nil {
		observer(h, writes)
	}
	return nil
}

func (d *Device) validateWriteLocked(t *table, w metadata.BindingWrite) error {
	switch w.Kind {
	case metadata.BindingUniform:
		if w.Binding != metadata.UniformBinding {
			return fmt.Errorf("uniform written to binding %d", w.Binding)
		}
		if _, ok := d.buffers[w.Buffer]; !ok {
			return fmt.Errorf("uniform buffer %d: %w", w.Buffer, core.ErrInvalidHandle)
		}
	case metadata.BindingImage:
		if w.Binding < metadata.FirstImageBinding || w.Binding >= metadata.FirstStorageBinding {
			return fmt.Errorf("image written to binding %d", w.Binding)
		}
		if _, ok := d.images[w.Image]; !ok {
			return fmt.Errorf("image %d: %w", w.Image, core.ErrInvalidHandle)
		}
	case metadata.BindingStorage:
		if w.Binding < metadata.FirstStorageBinding || w.Binding >= metadata.FirstStorageBinding+t.layout.StorageSlots {
			return fmt.Errorf("storage buffer written to binding %d", w.Binding)
		}
		if _, ok := d.buffers[w.Buffer]; !ok {
			return fmt.Errorf("storage buffer %d: %w", w.Buffer, core.ErrInvalidHandle)
		}
	}
	return nil
}

func (d *Device) FreeBindingTable(h metadata.BindingTableHandle) {
	d.mu.Lock()
	delete(d.tables, h)
	d.mu.Unlock()
}

func (d *Device) UploadImages(uploads []metadata.ImageUpload) []error {
	if d.opts.UploadLatency > 0 {
		time.Sleep(d.opts.UploadLatency)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stats.UploadSubmits++
	if len(uploads) > 1 {
		d.stats.BatchedSubmits++
	}
	var errs []error
	for i, u := range uploads {
		err := d.uploadLocked(u, len(uploads) > 1)
		if err != nil {
			if errs == nil {
				errs = make([]error, len(uploads))
			}
			errs[i] = err
		}
	}
	return errs
}

func (d *Device) uploadLocked(u metadata.ImageUpload, batched bool) error {
	if batched && d.faults.batchItems > 0 {
		d.faults.batchItems--
		return fmt.Errorf("batched upload of image %d: %w", u.Image, core.ErrSubmitFailed)
	}
	img, ok := d.images[u.Image]
	if !ok {
		return fmt.Errorf("upload image %d: %w", u.Image, core.ErrInvalidHandle)
	}
	staging, ok := d.buffers[u.Staging]
	if !ok {
		return fmt.Errorf("upload staging %d: %w", u.Staging, core.ErrInvalidHandle)
	}
	size := uint64(img.desc.Width) * uint64(img.desc.Height) * 4
	if staging.size < size {
		return fmt.Errorf("upload image %d: staging holds %d bytes, need %d", u.Image, staging.size, size)
	}
	img.pixels = append(img.pixels[:0], staging.data[:size]...)
	img.uploads++
	d.stats.ImageUploads++
	return nil
}

func (d *Device) CopyBuffers(copies []metadata.BufferCopy) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range copies {
		src, ok := d.buffers[c.Src]
		if !ok {
			return fmt.Errorf("copy from buffer %d: %w", c.Src, core.ErrInvalidHandle)
		}
		dst, ok := d.buffers[c.Dst]
		if !ok {
			return fmt.Errorf("copy to buffer %d: %w", c.Dst, core.ErrInvalidHandle)
		}
		if c.Size > src.size || c.Size > dst.size {
			return fmt.Errorf("copy of %d bytes overflows buffer", c.Size)
		}
		copy(dst.data[:c.Size], src.data[:c.Size])
	}
	d.stats.BufferCopies += len(copies)
	d.stats.UploadSubmits++
	return nil
}

func (d *Device) SupportsRayQuery() bool {
	return d.opts.RayQuery
}

func (d *Device) BuildAccelerationStructure(instances []metadata.AccelInstance) (metadata.AccelHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opts.RayQuery {
		return metadata.InvalidHandle, core.ErrUnsupported
	}
	if d.faults.accelBuilds > 0 {
		d.faults.accelBuilds--
		return metadata.InvalidHandle, fmt.Errorf("build acceleration structure: %w", core.ErrOutOfDeviceMemory)
	}
	h := metadata.AccelHandle(d.handle())
	d.accels[h] = &accel{instances: append([]metadata.AccelInstance(nil), instances...)}
	d.stats.AccelBuilds++
	return h, nil
}

func (d *Device) RefitAccelerationStructure(h metadata.AccelHandle, instances []metadata.AccelInstance) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.accels[h]
	if !ok {
		return fmt.Errorf("refit acceleration structure %d: %w", h, core.ErrInvalidHandle)
	}
	for _, in := range instances {
		for i := range a.instances {
			if a.instances[i].Consumer == in.Consumer {
				a.instances[i].Transform = in.Transform
			}
		}
	}
	a.refits++
	d.stats.AccelRefits++
	return nil
}

func (d *Device) DestroyAccelerationStructure(h metadata.AccelHandle) {
	d.mu.Lock()
	delete(d.accels, h)
	d.mu.Unlock()
}

func (d *Device) AcquireImage(slot *metadata.FrameSlot) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.faults.acquireOutOfDate > 0 {
		d.faults.acquireOutOfDate--
		return 0, core.ErrSurfaceOutOfDate
	}
	if _, ok := d.semaphores[slot.ImageAvailable]; !ok {
		return 0, fmt.Errorf("acquire image: semaphore %d: %w", slot.ImageAvailable, core.ErrInvalidHandle)
	}
	index := d.acquired % d.opts.SwapchainImages
	d.acquired++
	return index, nil
}

func (d *Device) RecordFrame(slot *metadata.FrameSlot, imageIndex uint32, packet *renderer.FramePacket) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if imageIndex >= d.opts.SwapchainImages {
		return fmt.Errorf("record frame: image index %d out of range", imageIndex)
	}
	for _, draw := range packet.Draws {
		if _, ok := d.tables[draw.Table]; !ok {
			return fmt.Errorf("record frame: draw for consumer %d binds table %d: %w", draw.Consumer, draw.Table, core.ErrInvalidHandle)
		}
	}
	if packet.Path == renderer.RenderPathRayQuery {
		if _, ok := d.accels[packet.Accel]; !ok {
			return fmt.Errorf("record frame: ray query without acceleration structure: %w", core.ErrInvalidHandle)
		}
	}
	p := *packet
	p.Draws = append([]renderer.DrawItem(nil), packet.Draws...)
	d.lastPacket = &p
	d.stats.FramesRecorded++
	return nil
}

func (d *Device) SubmitFrame(slot *metadata.FrameSlot) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.submitLocked(slot.Fence); err != nil {
		return err
	}
	d.stats.FrameSubmits++
	return nil
}

func (d *Device) Present(slot *metadata.FrameSlot, imageIndex uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.faults.presentOutOfDate > 0 {
		d.faults.presentOutOfDate--
		return core.ErrSurfaceOutOfDate
	}
	d.stats.Presents++
	return nil
}

func (d *Device) RecreateSurface(width, height uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if width == 0 || height == 0 {
		return core.ErrSwapchainBooting
	}
	d.opts.Width = width
	d.opts.Height = height
	d.acquired = 0
	d.stats.SurfaceRecreates++
	return nil
}

func (d *Device) WaitIdle() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.WaitIdles++
	for d.pendingLocked() {
		d.cond.Wait()
	}
	return nil
}

func (d *Device) pendingLocked() bool {
	for _, f := range d.fences {
		if f.pending {
			return true
		}
	}
	return false
}

func (d *Device) Shutdown() error {
	if err := d.WaitIdle(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if n := len(d.images) + len(d.buffers) + len(d.tables) + len(d.accels); n > 0 {
		core.LogDebug("headless device shut down with %d live objects", n)
	}
	d.shutdown = true
	return nil
}
