package systems

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/spaghettifunk/vesta/engine/core"
	"github.com/spaghettifunk/vesta/engine/renderer"
	"github.com/spaghettifunk/vesta/engine/renderer/metadata"
)

type frameDevice interface {
	CreateFence(signaled bool) (metadata.FenceHandle, error)
	WaitFence(fence metadata.FenceHandle, timeoutNs uint64) error
	ResetFence(fence metadata.FenceHandle) error
	SignalFence(fence metadata.FenceHandle) error
	DestroyFence(fence metadata.FenceHandle)
	CreateSemaphore() (metadata.SemaphoreHandle, error)
	DestroySemaphore(semaphore metadata.SemaphoreHandle)
	SubmitFrame(slot *metadata.FrameSlot) error
}

// frameTransitions lists the legal moves of the frame state machine.
var frameTransitions = map[metadata.FrameState][]metadata.FrameState{
	metadata.FrameStateIdle:           {metadata.FrameStateWaitingOnFence},
	metadata.FrameStateWaitingOnFence: {metadata.FrameStateSafePoint, metadata.FrameStateIdle},
	metadata.FrameStateSafePoint:      {metadata.FrameStateRecording, metadata.FrameStateIdle},
	metadata.FrameStateRecording:      {metadata.FrameStateSubmitted, metadata.FrameStateIdle},
	metadata.FrameStateSubmitted:      {metadata.FrameStateIdle},
}

// FrameScheduler owns the frame slots and their fences. BeginFrame is the one
// place where the engine waits for the GPU; everything that mutates shared GPU
// state runs between BeginFrame and BeginRecording.
type FrameScheduler struct {
	device frameDevice

	mu          sync.Mutex
	slots       []metadata.FrameSlot
	current     uint8
	frameNumber uint64
	abandoned   uint64
	shutdown    bool
}

func NewFrameScheduler(device frameDevice, framesInFlight uint8) (*FrameScheduler, error) {
	if framesInFlight == 0 {
		return nil, fmt.Errorf("frame scheduler needs at least one frame in flight: %w", core.ErrInvalidConfig)
	}
	fs := &FrameScheduler{
		device: device,
		slots:  make([]metadata.FrameSlot, framesInFlight),
	}
	for i := range fs.slots {
		slot := &fs.slots[i]
		slot.Index = uint8(i)
		var err error
		// Created signaled so the first wait on every slot returns at once.
		if slot.Fence, err = device.CreateFence(true); err != nil {
			fs.destroy()
			return nil, fmt.Errorf("create fence for slot %d: %w", i, err)
		}
		if slot.ImageAvailable, err = device.CreateSemaphore(); err != nil {
			fs.destroy()
			return nil, fmt.Errorf("create image-available semaphore for slot %d: %w", i, err)
		}
		if slot.RenderComplete, err = device.CreateSemaphore(); err != nil {
			fs.destroy()
			return nil, fmt.Errorf("create render-complete semaphore for slot %d: %w", i, err)
		}
	}
	core.LogDebug("frame scheduler created with %d slots", framesInFlight)
	return fs, nil
}

// transitionLocked must be called with mu held.
func (fs *FrameScheduler) transitionLocked(index uint8, to metadata.FrameState) error {
	slot := &fs.slots[index]
	for _, allowed := range frameTransitions[slot.State] {
		if allowed == to {
			slot.State = to
			return nil
		}
	}
	return fmt.Errorf("frame slot %d: illegal transition %s -> %s", index, slot.State, to)
}

func (fs *FrameScheduler) transition(index uint8, to metadata.FrameState) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if int(index) >= len(fs.slots) {
		return fmt.Errorf("frame slot %d: %w", index, core.ErrInvalidFrameSlot)
	}
	return fs.transitionLocked(index, to)
}

/**
 * @brief Waits for the fence of the next slot and resets it. On return the slot
 * is at its safe point: its previous frame completed on the GPU.
 * @return The index of the slot.
 */
func (fs *FrameScheduler) BeginFrame(ctx context.Context) (uint8, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	fs.mu.Lock()
	if fs.shutdown {
		fs.mu.Unlock()
		return 0, core.ErrShuttingDown
	}
	index := fs.current
	if err := fs.transitionLocked(index, metadata.FrameStateWaitingOnFence); err != nil {
		fs.mu.Unlock()
		return 0, err
	}
	fence := fs.slots[index].Fence
	fs.mu.Unlock()

	if err := fs.device.WaitFence(fence, renderer.InfiniteTimeout); err != nil {
		return 0, errors.Join(
			fmt.Errorf("frame slot %d: %w", index, wrapFatal(err, core.ErrFenceWait)),
			fs.transition(index, metadata.FrameStateIdle),
		)
	}
	if err := fs.device.ResetFence(fence); err != nil {
		return 0, errors.Join(
			fmt.Errorf("frame slot %d: reset fence: %w", index, wrapFatal(err, core.ErrFenceWait)),
			fs.transition(index, metadata.FrameStateIdle),
		)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.frameNumber++
	fs.slots[index].FrameNumber = fs.frameNumber
	if err := fs.transitionLocked(index, metadata.FrameStateSafePoint); err != nil {
		return 0, err
	}
	return index, nil
}

// BeginRecording closes the safe point of slot.
func (fs *FrameScheduler) BeginRecording(index uint8) error {
	return fs.transition(index, metadata.FrameStateRecording)
}

// Submit hands the recorded commands of slot to the device. The slot fence
// signals when they complete.
func (fs *FrameScheduler) Submit(ctx context.Context, index uint8) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fs.mu.Lock()
	if int(index) >= len(fs.slots) {
		fs.mu.Unlock()
		return fmt.Errorf("frame slot %d: %w", index, core.ErrInvalidFrameSlot)
	}
	if fs.slots[index].State != metadata.FrameStateRecording {
		state := fs.slots[index].State
		fs.mu.Unlock()
		return fmt.Errorf("frame slot %d: submit from %s", index, state)
	}
	slot := fs.slots[index]
	fs.mu.Unlock()

	if err := fs.device.SubmitFrame(&slot); err != nil {
		return fmt.Errorf("frame slot %d: %w", index, wrapFatal(err, core.ErrSubmitFailed))
	}
	return fs.transition(index, metadata.FrameStateSubmitted)
}

// EndFrame returns a submitted slot to Idle and advances to the next slot.
func (fs *FrameScheduler) EndFrame(index uint8) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if int(index) >= len(fs.slots) {
		return fmt.Errorf("frame slot %d: %w", index, core.ErrInvalidFrameSlot)
	}
	if fs.slots[index].State != metadata.FrameStateSubmitted {
		return fmt.Errorf("frame slot %d: end frame from %s", index, fs.slots[index].State)
	}
	fs.slots[index].State = metadata.FrameStateIdle
	fs.advanceLocked()
	return nil
}

/**
 * @brief Drops the frame of slot without committing anything. When the fence was
 * reset but nothing was submitted an empty submission re-arms it, so the next
 * wait on the slot returns.
 */
func (fs *FrameScheduler) Abandon(ctx context.Context, index uint8) error {
	fs.mu.Lock()
	if int(index) >= len(fs.slots) {
		fs.mu.Unlock()
		return fmt.Errorf("frame slot %d: %w", index, core.ErrInvalidFrameSlot)
	}
	state := fs.slots[index].State
	fence := fs.slots[index].Fence
	fs.mu.Unlock()

	if state == metadata.FrameStateSafePoint || state == metadata.FrameStateRecording {
		if err := fs.device.SignalFence(fence); err != nil {
			return fmt.Errorf("frame slot %d: re-arm fence: %w", index, wrapFatal(err, core.ErrSubmitFailed))
		}
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if state != metadata.FrameStateIdle {
		fs.slots[index].State = metadata.FrameStateIdle
	}
	fs.abandoned++
	fs.advanceLocked()
	core.LogDebug("frame %d abandoned in slot %d (%s)", fs.slots[index].FrameNumber, index, state)
	return nil
}

func (fs *FrameScheduler) advanceLocked() {
	fs.current = (fs.current + 1) % uint8(len(fs.slots))
}

// Shutdown waits until every slot fence has signaled and destroys the slots.
func (fs *FrameScheduler) Shutdown(ctx context.Context) error {
	fs.mu.Lock()
	if fs.shutdown {
		fs.mu.Unlock()
		return nil
	}
	fs.shutdown = true
	slots := append([]metadata.FrameSlot(nil), fs.slots...)
	fs.mu.Unlock()

	var errs []error
	for i := range slots {
		if err := ctx.Err(); err != nil {
			return err
		}
		slot := &slots[i]
		if slot.State == metadata.FrameStateSafePoint || slot.State == metadata.FrameStateRecording {
			if err := fs.device.SignalFence(slot.Fence); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		if err := fs.device.WaitFence(slot.Fence, renderer.InfiniteTimeout); err != nil {
			errs = append(errs, fmt.Errorf("slot %d: %w", i, err))
		}
	}

	fs.mu.Lock()
	for i := range fs.slots {
		fs.slots[i].State = metadata.FrameStateIdle
	}
	fs.mu.Unlock()
	fs.destroy()
	return errors.Join(errs...)
}

func (fs *FrameScheduler) destroy() {
	for i := range fs.slots {
		slot := &fs.slots[i]
		if slot.Fence != metadata.InvalidHandle {
			fs.device.DestroyFence(slot.Fence)
			slot.Fence = metadata.InvalidHandle
		}
		if slot.ImageAvailable != metadata.InvalidHandle {
			fs.device.DestroySemaphore(slot.ImageAvailable)
			slot.ImageAvailable = metadata.InvalidHandle
		}
		if slot.RenderComplete != metadata.InvalidHandle {
			fs.device.DestroySemaphore(slot.RenderComplete)
			slot.RenderComplete = metadata.InvalidHandle
		}
	}
}

// Slot returns a copy of the slot at index.
func (fs *FrameScheduler) Slot(index uint8) metadata.FrameSlot {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.slots[index]
}

func (fs *FrameScheduler) State(index uint8) metadata.FrameState {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.slots[index].State
}

// Current returns the slot the next BeginFrame waits on.
func (fs *FrameScheduler) Current() uint8 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.current
}

func (fs *FrameScheduler) FrameNumber() uint64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.frameNumber
}

func (fs *FrameScheduler) FramesInFlight() uint8 {
	return uint8(len(fs.slots))
}

func (fs *FrameScheduler) Abandoned() uint64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.abandoned
}

// wrapFatal tags err with the fatal sentinel unless it already carries a known one.
func wrapFatal(err, sentinel error) error {
	if core.IsFatal(err) || core.IsTransient(err) || errors.Is(err, core.ErrSurfaceOutOfDate) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
