package vulkan

import (
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/vesta/engine/containers"
	"github.com/spaghettifunk/vesta/engine/core"
)

type VulkanContext struct {
	// The framebuffer's current width.
	FramebufferWidth uint32
	// The framebuffer's current height.
	FramebufferHeight uint32

	Instance  vk.Instance
	Allocator *vk.AllocationCallbacks
	Surface   vk.Surface

	debugMessenger vk.DebugReportCallback

	Device *VulkanDevice

	Swapchain      *VulkanSwapchain
	MainRenderpass *VulkanRenderpass

	// One primary command buffer per frame slot, recorded by the render thread only.
	GraphicsCommandBuffers []*VulkanCommandBuffer

	// The fence of the frame slot that last rendered to each swapchain image.
	// Zero when the image was never used.
	ImagesInFlight []uint64

	Locks *VulkanLockPool
}

func (vc *VulkanContext) FindMemoryIndex(typeFilter, propertyFlags uint32) int32 {
	var memoryProperties vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(vc.Device.PhysicalDevice, &memoryProperties)
	memoryProperties.Deref()

	for i := uint32(0); i < memoryProperties.MemoryTypeCount; i++ {
		// Check each memory type to see if its bit is set to 1.
		memoryProperties.MemoryTypes[i].Deref()
		if (typeFilter&(1<<i)) != 0 && (uint32(memoryProperties.MemoryTypes[i].PropertyFlags)&propertyFlags) == propertyFlags {
			return int32(i)
		}
	}
	core.LogWarn("Unable to find suitable memory type!")
	return -1
}

// packHandle turns an arena handle into the opaque value handed to the engine.
// The generation is never zero, so neither is the result.
func packHandle(h containers.Handle) uint64 {
	return uint64(h.Generation)<<32 | uint64(h.Index)
}

func unpackHandle(v uint64) containers.Handle {
	return containers.Handle{Index: uint32(v), Generation: uint32(v >> 32)}
}
