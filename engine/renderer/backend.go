package renderer

import (
	"math"

	"github.com/spaghettifunk/vesta/engine/renderer/metadata"
)

// InfiniteTimeout waits on a fence without bound.
const InfiniteTimeout uint64 = math.MaxUint64

// Allocator is the GPU memory service: allocate a buffer or image, get a handle and,
// for host-visible memory, a persistently mapped slice.
type Allocator interface {
	AllocateBuffer(size uint64, usage metadata.BufferUsage, memory metadata.MemoryProperty) (metadata.BufferHandle, []byte, error)
	AllocateImage(desc metadata.ImageDesc) (metadata.ImageHandle, error)
	DestroyBuffer(buffer metadata.BufferHandle)
	DestroyImage(image metadata.ImageHandle)
	// DefaultSampler is shared by every image binding.
	DefaultSampler() metadata.SamplerHandle
}

// Synchronizer owns the per-slot fences and semaphores.
type Synchronizer interface {
	CreateFence(signaled bool) (metadata.FenceHandle, error)
	// WaitFence blocks until the fence is signaled or the timeout (ns) expires.
	WaitFence(fence metadata.FenceHandle, timeoutNs uint64) error
	ResetFence(fence metadata.FenceHandle) error
	// SignalFence submits an empty batch that signals fence. Used to re-arm the fence
	// of an abandoned frame.
	SignalFence(fence metadata.FenceHandle) error
	DestroyFence(fence metadata.FenceHandle)
	CreateSemaphore() (metadata.SemaphoreHandle, error)
	DestroySemaphore(semaphore metadata.SemaphoreHandle)
}

// BindingWriter allocates and writes the GPU-visible binding tables.
type BindingWriter interface {
	AllocateBindingTable(layout metadata.BindingLayout) (metadata.BindingTableHandle, error)
	WriteBindingTable(table metadata.BindingTableHandle, writes []metadata.BindingWrite) error
	FreeBindingTable(table metadata.BindingTableHandle)
}

// Uploader performs transfer submissions. Callers serialize every call through the
// engine submission lock.
type Uploader interface {
	// UploadImages copies each staging buffer into its image using a single
	// submission and waits for it. The returned slice holds one error per upload;
	// a nil slice means everything succeeded.
	UploadImages(uploads []metadata.ImageUpload) []error
	// CopyBuffers submits all copies and waits for them to complete.
	CopyBuffers(copies []metadata.BufferCopy) error
}

// AccelBuilder builds and refits top-level acceleration structures.
type AccelBuilder interface {
	SupportsRayQuery() bool
	BuildAccelerationStructure(instances []metadata.AccelInstance) (metadata.AccelHandle, error)
	RefitAccelerationStructure(accel metadata.AccelHandle, instances []metadata.AccelInstance) error
	DestroyAccelerationStructure(accel metadata.AccelHandle)
}

// Presenter drives the swapchain for one frame slot.
type Presenter interface {
	// AcquireImage returns the next swapchain image, or core.ErrSurfaceOutOfDate.
	AcquireImage(slot *metadata.FrameSlot) (uint32, error)
	RecordFrame(slot *metadata.FrameSlot, imageIndex uint32, packet *FramePacket) error
	// SubmitFrame submits the recorded commands; the slot fence signals on completion.
	SubmitFrame(slot *metadata.FrameSlot) error
	// Present queues the image, or returns core.ErrSurfaceOutOfDate.
	Present(slot *metadata.FrameSlot, imageIndex uint32) error
	RecreateSurface(width, height uint32) error
}

// Device is everything the engine consumes from a GPU backend.
type Device interface {
	Allocator
	Synchronizer
	BindingWriter
	Uploader
	AccelBuilder
	Presenter

	Name() string
	WaitIdle() error
	Shutdown() error
}
