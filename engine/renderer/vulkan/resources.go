package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/vesta/engine/core"
	"github.com/spaghettifunk/vesta/engine/renderer/metadata"
)

func (b *Backend) AllocateBuffer(size uint64, usage metadata.BufferUsage, memory metadata.MemoryProperty) (metadata.BufferHandle, []byte, error) {
	if memory == 0 {
		memory = metadata.MemoryDeviceLocal
	}
	buf, err := BufferCreate(b.context, size, bufferUsageFlags(usage), memoryPropertyFlags(memory))
	if err != nil {
		return metadata.InvalidHandle, nil, err
	}
	b.mu.Lock()
	h := b.buffers.Insert(buf)
	b.mu.Unlock()
	return metadata.BufferHandle(packHandle(h)), buf.Mapped, nil
}

// AllocateImage creates a sampled image with a view over its whole mip chain.
// The chain is reduced to one level when the format cannot be blitted linearly.
func (b *Backend) AllocateImage(desc metadata.ImageDesc) (metadata.ImageHandle, error) {
	if desc.Width == 0 || desc.Height == 0 {
		return metadata.InvalidHandle, fmt.Errorf("allocate image %dx%d: %w", desc.Width, desc.Height, core.ErrInvalidPayload)
	}
	format := imageFormat(desc.Format)
	mips := desc.MipLevels
	if mips > 1 && !supportsLinearBlit(b.context, format) {
		core.LogDebug("Format %d has no linear blit, allocating a single mip level.", format)
		mips = 1
	}
	usage := desc.Usage | metadata.ImageUsageSampled | metadata.ImageUsageTransferDst
	if mips > 1 {
		usage |= metadata.ImageUsageTransferSrc
	}
	memory := desc.Memory
	if memory == 0 {
		memory = metadata.MemoryDeviceLocal
	}

	img, err := ImageCreate(
		b.context,
		desc.Width,
		desc.Height,
		mips,
		format,
		vk.ImageTilingOptimal,
		imageUsageFlags(usage),
		memoryPropertyFlags(memory),
		true,
		vk.ImageAspectFlags(vk.ImageAspectColorBit))
	if err != nil {
		return metadata.InvalidHandle, fmt.Errorf("allocate image %dx%d (%d mips): %w", desc.Width, desc.Height, mips, err)
	}
	b.mu.Lock()
	h := b.images.Insert(img)
	b.mu.Unlock()
	return metadata.ImageHandle(packHandle(h)), nil
}

func (b *Backend) DestroyBuffer(buffer metadata.BufferHandle) {
	b.mu.Lock()
	buf, ok := b.buffers.Remove(unpackHandle(uint64(buffer)))
	b.mu.Unlock()
	if ok {
		buf.BufferDestroy(b.context)
	}
}

func (b *Backend) DestroyImage(image metadata.ImageHandle) {
	b.mu.Lock()
	img, ok := b.images.Remove(unpackHandle(uint64(image)))
	b.mu.Unlock()
	if ok {
		img.ImageDestroy(b.context)
	}
}

func (b *Backend) DefaultSampler() metadata.SamplerHandle {
	return defaultSamplerHandle
}

func (b *Backend) CreateFence(signaled bool) (metadata.FenceHandle, error) {
	fence, err := NewFence(b.context, signaled)
	if err != nil {
		return metadata.InvalidHandle, err
	}
	b.mu.Lock()
	h := b.fences.Insert(fence)
	b.mu.Unlock()
	return metadata.FenceHandle(packHandle(h)), nil
}

func (b *Backend) fence(h metadata.FenceHandle) (*VulkanFence, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.fences.Get(unpackHandle(uint64(h)))
	if !ok {
		return nil, fmt.Errorf("fence %d: %w", h, core.ErrInvalidHandle)
	}
	return *f, nil
}

func (b *Backend) WaitFence(fence metadata.FenceHandle, timeoutNs uint64) error {
	f, err := b.fence(fence)
	if err != nil {
		return err
	}
	return f.FenceWait(b.context, timeoutNs)
}

func (b *Backend) ResetFence(fence metadata.FenceHandle) error {
	f, err := b.fence(fence)
	if err != nil {
		return err
	}
	return f.FenceReset(b.context)
}

// SignalFence submits an empty batch with the fence. A semaphore left signaled by
// an acquire that was never submitted is waited on by the same batch, which
// returns it to the unsignaled state.
func (b *Backend) SignalFence(fence metadata.FenceHandle) error {
	f, err := b.fence(fence)
	if err != nil {
		return err
	}
	signaled, err := f.FenceStatus(b.context)
	if err != nil {
		return err
	}
	b.mu.Lock()
	sem, pending := b.unconsumed[fence]
	delete(b.unconsumed, fence)
	b.mu.Unlock()
	if signaled && !pending {
		return nil
	}
	if signaled {
		if err := f.FenceReset(b.context); err != nil {
			return err
		}
	}

	submitInfo := vk.SubmitInfo{
		SType: vk.StructureTypeSubmitInfo,
	}
	if pending {
		submitInfo.WaitSemaphoreCount = 1
		submitInfo.PWaitSemaphores = []vk.Semaphore{sem}
		submitInfo.PWaitDstStageMask = []vk.PipelineStageFlags{vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit)}
	}
	device := b.context.Device
	return b.context.Locks.SafeQueueCall(uint32(device.GraphicsQueueIndex), func() error {
		if res := vk.QueueSubmit(device.GraphicsQueue, 1, []vk.SubmitInfo{submitInfo}, f.Handle); res != vk.Success {
			return submitError("vkQueueSubmit", res)
		}
		f.IsSignaled = false
		return nil
	})
}

func (b *Backend) DestroyFence(fence metadata.FenceHandle) {
	b.mu.Lock()
	f, ok := b.fences.Remove(unpackHandle(uint64(fence)))
	delete(b.unconsumed, fence)
	b.mu.Unlock()
	if ok {
		f.FenceDestroy(b.context)
	}
}

func (b *Backend) CreateSemaphore() (metadata.SemaphoreHandle, error) {
	semaphoreCreateInfo := vk.SemaphoreCreateInfo{
		SType: vk.StructureTypeSemaphoreCreateInfo,
	}
	var sem vk.Semaphore
	if res := vk.CreateSemaphore(b.context.Device.LogicalDevice, &semaphoreCreateInfo, b.context.Allocator, &sem); res != vk.Success {
		return metadata.InvalidHandle, resultError("vkCreateSemaphore", res)
	}
	b.mu.Lock()
	h := b.semaphores.Insert(sem)
	b.mu.Unlock()
	return metadata.SemaphoreHandle(packHandle(h)), nil
}

func (b *Backend) semaphore(h metadata.SemaphoreHandle) (vk.Semaphore, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.semaphores.Get(unpackHandle(uint64(h)))
	if !ok {
		return vk.NullSemaphore, fmt.Errorf("semaphore %d: %w", h, core.ErrInvalidHandle)
	}
	return *s, nil
}

func (b *Backend) DestroySemaphore(semaphore metadata.SemaphoreHandle) {
	b.mu.Lock()
	s, ok := b.semaphores.Remove(unpackHandle(uint64(semaphore)))
	b.mu.Unlock()
	if ok {
		vk.DestroySemaphore(b.context.Device.LogicalDevice, s, b.context.Allocator)
	}
}

func (b *Backend) AllocateBindingTable(layout metadata.BindingLayout) (metadata.BindingTableHandle, error) {
	if layout.StorageSlots > metadata.MAX_STORAGE_SLOTS {
		return metadata.InvalidHandle, fmt.Errorf("binding table with %d storage slots exceeds %d", layout.StorageSlots, metadata.MAX_STORAGE_SLOTS)
	}
	var table *VulkanBindingTable
	err := b.context.Locks.SafeCall(DescriptorManagement, func() error {
		var err error
		table, err = b.descriptors.Allocate(b.context, layout)
		return err
	})
	if err != nil {
		return metadata.InvalidHandle, err
	}
	b.mu.Lock()
	h := b.tables.Insert(table)
	b.mu.Unlock()
	return metadata.BindingTableHandle(packHandle(h)), nil
}

// WriteBindingTable resolves every write before touching the set, so a bad handle
// leaves the table unchanged.
func (b *Backend) WriteBindingTable(table metadata.BindingTableHandle, writes []metadata.BindingWrite) error {
	b.mu.Lock()
	t, ok := b.tables.Get(unpackHandle(uint64(table)))
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("write binding table %d: %w", table, core.ErrInvalidHandle)
	}
	set := (*t).Set
	descriptorWrites := make([]vk.WriteDescriptorSet, 0, len(writes))
	for _, w := range writes {
		dw, err := b.resolveWriteLocked(*t, w)
		if err != nil {
			b.mu.Unlock()
			return fmt.Errorf("write binding table %d: %w", table, err)
		}
		dw.DstSet = set
		descriptorWrites = append(descriptorWrites, dw)
	}
	b.mu.Unlock()

	if len(descriptorWrites) == 0 {
		return nil
	}
	return b.context.Locks.SafeCall(DescriptorManagement, func() error {
		vk.UpdateDescriptorSets(b.context.Device.LogicalDevice, uint32(len(descriptorWrites)), descriptorWrites, 0, nil)
		return nil
	})
}

func (b *Backend) resolveWriteLocked(t *VulkanBindingTable, w metadata.BindingWrite) (vk.WriteDescriptorSet, error) {
	dw := vk.WriteDescriptorSet{
		SType:           vk.StructureTypeWriteDescriptorSet,
		DstBinding:      w.Binding,
		DstArrayElement: 0,
		DescriptorCount: 1,
	}
	switch w.Kind {
	case metadata.BindingUniform, metadata.BindingStorage:
		if w.Kind == metadata.BindingUniform && w.Binding != metadata.UniformBinding {
			return dw, fmt.Errorf("uniform written to binding %d", w.Binding)
		}
		if w.Kind == metadata.BindingStorage && (w.Binding < metadata.FirstStorageBinding || w.Binding >= metadata.FirstStorageBinding+t.Layout.StorageSlots) {
			return dw, fmt.Errorf("storage buffer written to binding %d", w.Binding)
		}
		buf, ok := b.buffers.Get(unpackHandle(uint64(w.Buffer)))
		if !ok {
			return dw, fmt.Errorf("buffer %d: %w", w.Buffer, core.ErrInvalidHandle)
		}
		rng := vk.DeviceSize((*buf).Size)
		if w.Range > 0 && w.Range < (*buf).Size {
			rng = vk.DeviceSize(w.Range)
		}
		dw.DescriptorType = vk.DescriptorTypeUniformBuffer
		if w.Kind == metadata.BindingStorage {
			dw.DescriptorType = vk.DescriptorTypeStorageBuffer
		}
		dw.PBufferInfo = []vk.DescriptorBufferInfo{{
			Buffer: (*buf).Handle,
			Offset: 0,
			Range:  rng,
		}}
	case metadata.BindingImage:
		if w.Binding < metadata.FirstImageBinding || w.Binding >= metadata.FirstStorageBinding {
			return dw, fmt.Errorf("image written to binding %d", w.Binding)
		}
		img, ok := b.images.Get(unpackHandle(uint64(w.Image)))
		if !ok {
			return dw, fmt.Errorf("image %d: %w", w.Image, core.ErrInvalidHandle)
		}
		if w.Sampler != metadata.InvalidHandle && w.Sampler != defaultSamplerHandle {
			return dw, fmt.Errorf("sampler %d: %w", w.Sampler, core.ErrInvalidHandle)
		}
		dw.DescriptorType = vk.DescriptorTypeCombinedImageSampler
		dw.PImageInfo = []vk.DescriptorImageInfo{{
			ImageLayout: vk.ImageLayoutShaderReadOnlyOptimal,
			ImageView:   (*img).View,
			Sampler:     b.sampler,
		}}
	default:
		return dw, fmt.Errorf("unknown binding kind %d", w.Kind)
	}
	return dw, nil
}

func (b *Backend) FreeBindingTable(table metadata.BindingTableHandle) {
	b.mu.Lock()
	t, ok := b.tables.Remove(unpackHandle(uint64(table)))
	b.mu.Unlock()
	if !ok {
		return
	}
	b.context.Locks.SafeCall(DescriptorManagement, func() error {
		b.descriptors.Free(b.context, t)
		return nil
	})
}

type pendingImageUpload struct {
	index   int
	image   *VulkanImage
	staging *VulkanBuffer
}

// UploadImages records every valid upload into one single-use command buffer:
// copy into mip 0, then blit the rest of the chain. A failed submission fails
// every upload that was part of it.
func (b *Backend) UploadImages(uploads []metadata.ImageUpload) []error {
	var errs []error
	fail := func(i int, err error) {
		if errs == nil {
			errs = make([]error, len(uploads))
		}
		errs[i] = err
	}

	batch := make([]pendingImageUpload, 0, len(uploads))
	b.mu.Lock()
	for i, u := range uploads {
		img, ok := b.images.Get(unpackHandle(uint64(u.Image)))
		if !ok {
			fail(i, fmt.Errorf("upload image %d: %w", u.Image, core.ErrInvalidHandle))
			continue
		}
		staging, ok := b.buffers.Get(unpackHandle(uint64(u.Staging)))
		if !ok {
			fail(i, fmt.Errorf("upload staging %d: %w", u.Staging, core.ErrInvalidHandle))
			continue
		}
		size := uint64((*img).Width) * uint64((*img).Height) * 4
		if (*staging).Size < size {
			fail(i, fmt.Errorf("upload image %d: staging holds %d bytes, need %d", u.Image, (*staging).Size, size))
			continue
		}
		batch = append(batch, pendingImageUpload{index: i, image: *img, staging: *staging})
	}
	b.mu.Unlock()

	if len(batch) == 0 {
		return errs
	}

	device := b.context.Device
	err := b.context.Locks.SafeCall(CommandBufferManagement, func() error {
		cb, err := AllocateAndBeginSingleUse(b.context, device.UploadCommandPool)
		if err != nil {
			return err
		}
		for _, item := range batch {
			img := item.image
			if err := img.TransitionLayout(cb, vk.ImageLayoutUndefined, vk.ImageLayoutTransferDstOptimal, 0, img.MipLevels); err != nil {
				cb.Free(b.context, device.UploadCommandPool)
				return err
			}
			img.CopyFromBuffer(cb, item.staging.Handle)
			if err := img.GenerateMipmaps(cb); err != nil {
				cb.Free(b.context, device.UploadCommandPool)
				return err
			}
		}
		return cb.EndSingleUse(b.context, device.UploadCommandPool, device.GraphicsQueue, uint32(device.GraphicsQueueIndex))
	})
	if err != nil {
		core.LogError("Image upload batch of %d failed: %s", len(batch), err)
		for _, item := range batch {
			fail(item.index, err)
		}
	}
	return errs
}

func (b *Backend) CopyBuffers(copies []metadata.BufferCopy) error {
	if len(copies) == 0 {
		return nil
	}
	type pair struct {
		src, dst *VulkanBuffer
		size     uint64
	}
	pairs := make([]pair, 0, len(copies))
	b.mu.Lock()
	for _, c := range copies {
		src, ok := b.buffers.Get(unpackHandle(uint64(c.Src)))
		if !ok {
			b.mu.Unlock()
			return fmt.Errorf("copy from buffer %d: %w", c.Src, core.ErrInvalidHandle)
		}
		dst, ok := b.buffers.Get(unpackHandle(uint64(c.Dst)))
		if !ok {
			b.mu.Unlock()
			return fmt.Errorf("copy to buffer %d: %w", c.Dst, core.ErrInvalidHandle)
		}
		if c.Size > (*src).Size || c.Size > (*dst).Size {
			b.mu.Unlock()
			return fmt.Errorf("copy of %d bytes overflows buffer", c.Size)
		}
		pairs = append(pairs, pair{src: *src, dst: *dst, size: c.Size})
	}
	b.mu.Unlock()

	device := b.context.Device
	return b.context.Locks.SafeCall(CommandBufferManagement, func() error {
		cb, err := AllocateAndBeginSingleUse(b.context, device.UploadCommandPool)
		if err != nil {
			return err
		}
		for _, p := range pairs {
			p.src.CopyTo(cb, p.dst, p.size)
		}
		return cb.EndSingleUse(b.context, device.UploadCommandPool, device.GraphicsQueue, uint32(device.GraphicsQueueIndex))
	})
}

// Acceleration structures need VK_KHR_acceleration_structure, which this backend
// does not enable. The engine falls back to the raster path.

func (b *Backend) SupportsRayQuery() bool {
	return false
}

func (b *Backend) BuildAccelerationStructure(instances []metadata.AccelInstance) (metadata.AccelHandle, error) {
	return metadata.InvalidHandle, fmt.Errorf("build acceleration structure: %w", core.ErrUnsupported)
}

func (b *Backend) RefitAccelerationStructure(accel metadata.AccelHandle, instances []metadata.AccelInstance) error {
	return fmt.Errorf("refit acceleration structure %d: %w", accel, core.ErrUnsupported)
}

func (b *Backend) DestroyAccelerationStructure(accel metadata.AccelHandle) {}
