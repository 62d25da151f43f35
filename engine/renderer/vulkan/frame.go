package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/vesta/engine/core"
	"github.com/spaghettifunk/vesta/engine/renderer"
	"github.com/spaghettifunk/vesta/engine/renderer/metadata"
)

var _ renderer.Device = (*Backend)(nil)

// AcquireImage acquires the next swapchain image for slot. If another slot is
// still rendering to that image, its fence is waited on first.
func (b *Backend) AcquireImage(slot *metadata.FrameSlot) (uint32, error) {
	ctx := b.context
	if ctx.Swapchain == nil {
		return 0, fmt.Errorf("acquire image: no swapchain: %w", core.ErrSurfaceOutOfDate)
	}
	sem, err := b.semaphore(slot.ImageAvailable)
	if err != nil {
		return 0, fmt.Errorf("acquire image: %w", err)
	}
	imageIndex, err := ctx.Swapchain.SwapchainAcquireNextImageIndex(ctx, renderer.InfiniteTimeout, sem, vk.NullFence)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	b.unconsumed[slot.Fence] = sem
	b.mu.Unlock()

	if prev := ctx.ImagesInFlight[imageIndex]; prev != 0 && prev != uint64(slot.Fence) {
		if f, err := b.fence(metadata.FenceHandle(prev)); err == nil {
			if err := f.FenceWait(ctx, renderer.InfiniteTimeout); err != nil {
				return 0, err
			}
		}
	}
	// Mark the image as in use by this slot.
	ctx.ImagesInFlight[imageIndex] = uint64(slot.Fence)
	return imageIndex, nil
}

// RecordFrame records the main pass for packet into the command buffer of slot.
// No graphics pipeline is bound: the pass clears the color and depth attachments
// after every draw was checked against live objects.
func (b *Backend) RecordFrame(slot *metadata.FrameSlot, imageIndex uint32, packet *renderer.FramePacket) error {
	ctx := b.context
	if packet.Path == renderer.RenderPathRayQuery {
		return fmt.Errorf("record frame: %s path: %w", packet.Path, core.ErrUnsupported)
	}
	if int(slot.Index) >= len(ctx.GraphicsCommandBuffers) {
		return fmt.Errorf("record frame: slot %d: %w", slot.Index, core.ErrInvalidFrameSlot)
	}
	if ctx.Swapchain == nil || int(imageIndex) >= len(ctx.Swapchain.Framebuffers) {
		return fmt.Errorf("record frame: image index %d out of range", imageIndex)
	}
	if err := b.validateDraws(packet.Draws); err != nil {
		return err
	}

	commandBuffer := ctx.GraphicsCommandBuffers[slot.Index]
	if err := commandBuffer.Reset(); err != nil {
		return err
	}
	if err := commandBuffer.Begin(false, false, false); err != nil {
		return err
	}

	extent := ctx.Swapchain.Extent
	viewport := vk.Viewport{
		X:        0.0,
		Y:        0.0,
		Width:    float32(extent.Width),
		Height:   float32(extent.Height),
		MinDepth: 0.0,
		MaxDepth: 1.0,
	}
	scissor := vk.Rect2D{
		Offset: vk.Offset2D{X: 0, Y: 0},
		Extent: extent,
	}
	vk.CmdSetViewport(commandBuffer.Handle, 0, 1, []vk.Viewport{viewport})
	vk.CmdSetScissor(commandBuffer.Handle, 0, 1, []vk.Rect2D{scissor})

	ctx.MainRenderpass.RenderpassBegin(commandBuffer, ctx.Swapchain.Framebuffers[imageIndex].Handle, extent, packet.ClearColor)
	ctx.MainRenderpass.RenderpassEnd(commandBuffer)

	return commandBuffer.End()
}

func (b *Backend) validateDraws(draws []renderer.DrawItem) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, draw := range draws {
		if _, ok := b.tables.Get(unpackHandle(uint64(draw.Table))); !ok {
			return fmt.Errorf("record frame: draw for consumer %d binds table %d: %w", draw.Consumer, draw.Table, core.ErrInvalidHandle)
		}
		for _, h := range []metadata.BufferHandle{draw.Mesh.VertexBuffer, draw.Mesh.IndexBuffer} {
			if h == metadata.InvalidHandle {
				continue
			}
			if _, ok := b.buffers.Get(unpackHandle(uint64(h))); !ok {
				return fmt.Errorf("record frame: mesh %q buffer %d: %w", draw.Mesh.ID, h, core.ErrInvalidHandle)
			}
		}
	}
	return nil
}

// SubmitFrame submits the command buffer of slot. It waits on ImageAvailable before
// writing color, signals RenderComplete for present and the slot fence on completion.
func (b *Backend) SubmitFrame(slot *metadata.FrameSlot) error {
	ctx := b.context
	if int(slot.Index) >= len(ctx.GraphicsCommandBuffers) {
		return fmt.Errorf("submit frame: slot %d: %w", slot.Index, core.ErrInvalidFrameSlot)
	}
	fence, err := b.fence(slot.Fence)
	if err != nil {
		return fmt.Errorf("submit frame: %w", err)
	}
	imageAvailable, err := b.semaphore(slot.ImageAvailable)
	if err != nil {
		return fmt.Errorf("submit frame: %w", err)
	}
	renderComplete, err := b.semaphore(slot.RenderComplete)
	if err != nil {
		return fmt.Errorf("submit frame: %w", err)
	}
	commandBuffer := ctx.GraphicsCommandBuffers[slot.Index]

	submitInfo := vk.SubmitInfo{
		SType:                vk.StructureTypeSubmitInfo,
		WaitSemaphoreCount:   1,
		PWaitSemaphores:      []vk.Semaphore{imageAvailable},
		PWaitDstStageMask:    []vk.PipelineStageFlags{vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit)},
		CommandBufferCount:   1,
		PCommandBuffers:      []vk.CommandBuffer{commandBuffer.Handle},
		SignalSemaphoreCount: 1,
		PSignalSemaphores:    []vk.Semaphore{renderComplete},
	}
	device := ctx.Device
	if err := ctx.Locks.SafeQueueCall(uint32(device.GraphicsQueueIndex), func() error {
		if res := vk.QueueSubmit(device.GraphicsQueue, 1, []vk.SubmitInfo{submitInfo}, fence.Handle); res != vk.Success {
			return submitError("vkQueueSubmit", res)
		}
		return nil
	}); err != nil {
		core.LogError("%s", err)
		return err
	}
	fence.IsSignaled = false
	commandBuffer.UpdateSubmitted()

	b.mu.Lock()
	delete(b.unconsumed, slot.Fence)
	b.mu.Unlock()
	return nil
}

// Present gives the image back to the swapchain once RenderComplete signals.
func (b *Backend) Present(slot *metadata.FrameSlot, imageIndex uint32) error {
	ctx := b.context
	if ctx.Swapchain == nil {
		return fmt.Errorf("present: no swapchain: %w", core.ErrSurfaceOutOfDate)
	}
	renderComplete, err := b.semaphore(slot.RenderComplete)
	if err != nil {
		return fmt.Errorf("present: %w", err)
	}
	device := ctx.Device
	return ctx.Locks.SafeQueueCall(uint32(device.PresentQueueIndex), func() error {
		return ctx.Swapchain.SwapchainPresent(ctx, device.PresentQueue, renderComplete, imageIndex)
	})
}

// RecreateSurface rebuilds the swapchain and its framebuffers for the new size.
// A zero dimension (minimized window) boots out without touching the swapchain.
func (b *Backend) RecreateSurface(width, height uint32) error {
	if width == 0 || height == 0 {
		return core.ErrSwapchainBooting
	}
	ctx := b.context
	return ctx.Locks.SafeCall(SwapchainManagement, func() error {
		if err := b.WaitIdle(); err != nil {
			return err
		}

		var (
			sc  *VulkanSwapchain
			err error
		)
		if ctx.Swapchain == nil {
			if err = DeviceQuerySwapchainSupport(ctx.Device.PhysicalDevice, ctx.Surface, &ctx.Device.SwapchainSupport); err != nil {
				return err
			}
			sc, err = SwapchainCreate(ctx, width, height)
		} else {
			sc, err = ctx.Swapchain.SwapchainRecreate(ctx, width, height)
		}
		// The old swapchain is gone either way.
		ctx.Swapchain = sc
		for i := range ctx.ImagesInFlight {
			ctx.ImagesInFlight[i] = 0
		}
		if err != nil {
			return err
		}

		if err := regenerateFramebuffers(ctx, sc, ctx.MainRenderpass); err != nil {
			return err
		}
		ctx.FramebufferWidth = sc.Extent.Width
		ctx.FramebufferHeight = sc.Extent.Height
		ctx.ImagesInFlight = make([]uint64, sc.ImageCount)

		core.LogInfo("Surface recreated at %dx%d.", sc.Extent.Width, sc.Extent.Height)
		return nil
	})
}
