package vulkan

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/vesta/engine/core"
	"github.com/spaghettifunk/vesta/engine/renderer/metadata"
)

type VulkanBuffer struct {
	Handle      vk.Buffer
	Memory      vk.DeviceMemory
	Size        uint64
	Usage       vk.BufferUsageFlags
	MemoryFlags vk.MemoryPropertyFlags
	// Mapped is the persistent mapping of host-visible buffers, nil otherwise.
	Mapped []byte
}

func bufferUsageFlags(usage metadata.BufferUsage) vk.BufferUsageFlags {
	var flags vk.BufferUsageFlagBits
	if usage&metadata.BufferUsageUniform != 0 {
		flags |= vk.BufferUsageUniformBufferBit
	}
	if usage&(metadata.BufferUsageStorage|metadata.BufferUsageAccelInput) != 0 {
		flags |= vk.BufferUsageStorageBufferBit
	}
	if usage&metadata.BufferUsageVertex != 0 {
		flags |= vk.BufferUsageVertexBufferBit
	}
	if usage&metadata.BufferUsageIndex != 0 {
		flags |= vk.BufferUsageIndexBufferBit
	}
	if usage&metadata.BufferUsageTransferSrc != 0 {
		flags |= vk.BufferUsageTransferSrcBit
	}
	if usage&metadata.BufferUsageTransferDst != 0 {
		flags |= vk.BufferUsageTransferDstBit
	}
	return vk.BufferUsageFlags(flags)
}

func memoryPropertyFlags(memory metadata.MemoryProperty) vk.MemoryPropertyFlags {
	var flags vk.MemoryPropertyFlagBits
	if memory&metadata.MemoryDeviceLocal != 0 {
		flags |= vk.MemoryPropertyDeviceLocalBit
	}
	if memory&metadata.MemoryHostVisible != 0 {
		flags |= vk.MemoryPropertyHostVisibleBit
	}
	if memory&metadata.MemoryHostCoherent != 0 {
		flags |= vk.MemoryPropertyHostCoherentBit
	}
	return vk.MemoryPropertyFlags(flags)
}

// BufferCreate allocates a buffer with dedicated memory. Host-visible buffers stay mapped
// until BufferDestroy.
func BufferCreate(context *VulkanContext, size uint64, usage vk.BufferUsageFlags, memoryFlags vk.MemoryPropertyFlags) (*VulkanBuffer, error) {
	if size == 0 {
		return nil, fmt.Errorf("buffer of size 0: %w", core.ErrInvalidHandle)
	}
	outBuffer := &VulkanBuffer{
		Size:        size,
		Usage:       usage,
		MemoryFlags: memoryFlags,
	}
	device := context.Device.LogicalDevice

	bufferInfo := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(size),
		Usage:       usage,
		SharingMode: vk.SharingModeExclusive, // NOTE: Only used in one queue.
	}
	if res := vk.CreateBuffer(device, &bufferInfo, context.Allocator, &outBuffer.Handle); res != vk.Success {
		return nil, resultError("vkCreateBuffer", res)
	}

	// Gather memory requirements.
	var requirements vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(device, outBuffer.Handle, &requirements)
	requirements.Deref()
	memoryIndex := context.FindMemoryIndex(requirements.MemoryTypeBits, uint32(memoryFlags))
	if memoryIndex == -1 {
		vk.DestroyBuffer(device, outBuffer.Handle, context.Allocator)
		return nil, fmt.Errorf("no memory type for buffer flags %#x: %w", uint32(memoryFlags), core.ErrOutOfDeviceMemory)
	}

	allocateInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  requirements.Size,
		MemoryTypeIndex: uint32(memoryIndex),
	}
	if res := vk.AllocateMemory(device, &allocateInfo, context.Allocator, &outBuffer.Memory); res != vk.Success {
		vk.DestroyBuffer(device, outBuffer.Handle, context.Allocator)
		return nil, resultError("vkAllocateMemory", res)
	}
	if res := vk.BindBufferMemory(device, outBuffer.Handle, outBuffer.Memory, 0); res != vk.Success {
		outBuffer.BufferDestroy(context)
		return nil, resultError("vkBindBufferMemory", res)
	}

	if vk.MemoryPropertyFlagBits(memoryFlags)&vk.MemoryPropertyHostVisibleBit != 0 {
		var data unsafe.Pointer
		if res := vk.MapMemory(device, outBuffer.Memory, 0, vk.DeviceSize(size), 0, &data); res != vk.Success {
			outBuffer.BufferDestroy(context)
			return nil, resultError("vkMapMemory", res)
		}
		outBuffer.Mapped = unsafe.Slice((*byte)(data), size)
	}
	return outBuffer, nil
}

func (vb *VulkanBuffer) BufferDestroy(context *VulkanContext) {
	device := context.Device.LogicalDevice
	if vb.Mapped != nil {
		vk.UnmapMemory(device, vb.Memory)
		vb.Mapped = nil
	}
	if vb.Memory != vk.NullDeviceMemory {
		vk.FreeMemory(device, vb.Memory, context.Allocator)
		vb.Memory = vk.NullDeviceMemory
	}
	if vb.Handle != vk.NullBuffer {
		vk.DestroyBuffer(device, vb.Handle, context.Allocator)
		vb.Handle = vk.NullBuffer
	}
	vb.Size = 0
}

// CopyTo records a copy of size bytes from the start of vb into dst.
func (vb *VulkanBuffer) CopyTo(commandBuffer *VulkanCommandBuffer, dst *VulkanBuffer, size uint64) {
	region := vk.BufferCopy{
		SrcOffset: 0,
		DstOffset: 0,
		Size:      vk.DeviceSize(size),
	}
	vk.CmdCopyBuffer(commandBuffer.Handle, vb.Handle, dst.Handle, 1, []vk.BufferCopy{region})
}
