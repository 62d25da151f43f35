package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/vesta/engine/core"
	"github.com/spaghettifunk/vesta/engine/renderer/metadata"
)

type VulkanImage struct {
	Handle    vk.Image
	Memory    vk.DeviceMemory
	View      vk.ImageView
	Width     uint32
	Height    uint32
	MipLevels uint32
	Format    vk.Format
}

func imageFormat(format metadata.ImageFormat) vk.Format {
	if format == metadata.ImageFormatRGBA8Srgb {
		return vk.FormatR8g8b8a8Srgb
	}
	return vk.FormatR8g8b8a8Unorm
}

func imageUsageFlags(usage metadata.ImageUsage) vk.ImageUsageFlags {
	var flags vk.ImageUsageFlagBits
	if usage&metadata.ImageUsageSampled != 0 {
		flags |= vk.ImageUsageSampledBit
	}
	if usage&metadata.ImageUsageTransferDst != 0 {
		flags |= vk.ImageUsageTransferDstBit
	}
	if usage&metadata.ImageUsageTransferSrc != 0 {
		flags |= vk.ImageUsageTransferSrcBit
	}
	return vk.ImageUsageFlags(flags)
}

// supportsLinearBlit reports whether mip levels of format can be generated with linear blits.
func supportsLinearBlit(context *VulkanContext, format vk.Format) bool {
	var properties vk.FormatProperties
	vk.GetPhysicalDeviceFormatProperties(context.Device.PhysicalDevice, format, &properties)
	properties.Deref()
	return vk.FormatFeatureFlagBits(properties.OptimalTilingFeatures)&vk.FormatFeatureSampledImageFilterLinearBit != 0
}

func ImageCreate(
	context *VulkanContext,
	width, height, mipLevels uint32,
	format vk.Format,
	tiling vk.ImageTiling,
	usage vk.ImageUsageFlags,
	memoryFlags vk.MemoryPropertyFlags,
	createView bool,
	viewAspectFlags vk.ImageAspectFlags) (*VulkanImage, error) {

	if mipLevels == 0 {
		mipLevels = 1
	}
	outImage := &VulkanImage{
		Width:     width,
		Height:    height,
		MipLevels: mipLevels,
		Format:    format,
	}
	device := context.Device.LogicalDevice

	imageCreateInfo := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Extent: vk.Extent3D{
			Width:  width,
			Height: height,
			Depth:  1, // TODO: Support configurable depth.
		},
		MipLevels:     mipLevels,
		ArrayLayers:   1,
		Format:        format,
		Tiling:        tiling,
		InitialLayout: vk.ImageLayoutUndefined,
		Usage:         usage,
		Samples:       vk.SampleCount1Bit,
		SharingMode:   vk.SharingModeExclusive,
	}
	if res := vk.CreateImage(device, &imageCreateInfo, context.Allocator, &outImage.Handle); res != vk.Success {
		return nil, resultError("vkCreateImage", res)
	}

	// Query memory requirements.
	var memoryRequirements vk.MemoryRequirements
	vk.GetImageMemoryRequirements(device, outImage.Handle, &memoryRequirements)
	memoryRequirements.Deref()

	memoryType := context.FindMemoryIndex(memoryRequirements.MemoryTypeBits, uint32(memoryFlags))
	if memoryType == -1 {
		vk.DestroyImage(device, outImage.Handle, context.Allocator)
		return nil, fmt.Errorf("required memory type not found, image not valid: %w", core.ErrOutOfDeviceMemory)
	}

	// Allocate memory
	memoryAllocateInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  memoryRequirements.Size,
		MemoryTypeIndex: uint32(memoryType),
	}
	if res := vk.AllocateMemory(device, &memoryAllocateInfo, context.Allocator, &outImage.Memory); res != vk.Success {
		vk.DestroyImage(device, outImage.Handle, context.Allocator)
		return nil, resultError("vkAllocateMemory", res)
	}

	// Bind the memory
	if res := vk.BindImageMemory(device, outImage.Handle, outImage.Memory, 0); res != vk.Success {
		outImage.ImageDestroy(context)
		return nil, resultError("vkBindImageMemory", res)
	}

	if createView {
		if err := outImage.ImageViewCreate(context, viewAspectFlags); err != nil {
			outImage.ImageDestroy(context)
			return nil, err
		}
	}
	return outImage, nil
}

func (vi *VulkanImage) ImageViewCreate(context *VulkanContext, aspectFlags vk.ImageAspectFlags) error {
	viewCreateInfo := vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    vi.Handle,
		ViewType: vk.ImageViewType2d,
		Format:   vi.Format,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask:     aspectFlags,
			BaseMipLevel:   0,
			LevelCount:     vi.MipLevels,
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
	}
	if res := vk.CreateImageView(context.Device.LogicalDevice, &viewCreateInfo, context.Allocator, &vi.View); res != vk.Success {
		return resultError("vkCreateImageView", res)
	}
	return nil
}

func (vi *VulkanImage) ImageDestroy(context *VulkanContext) {
	device := context.Device.LogicalDevice
	if vi.View != vk.NullImageView {
		vk.DestroyImageView(device, vi.View, context.Allocator)
		vi.View = vk.NullImageView
	}
	if vi.Memory != vk.NullDeviceMemory {
		vk.FreeMemory(device, vi.Memory, context.Allocator)
		vi.Memory = vk.NullDeviceMemory
	}
	if vi.Handle != vk.NullImage {
		vk.DestroyImage(device, vi.Handle, context.Allocator)
		vi.Handle = vk.NullImage
	}
}

// TransitionLayout records a barrier moving levelCount mips starting at baseMip from
// oldLayout to newLayout.
func (vi *VulkanImage) TransitionLayout(commandBuffer *VulkanCommandBuffer, oldLayout, newLayout vk.ImageLayout, baseMip, levelCount uint32) error {
	barrier := vk.ImageMemoryBarrier{
		SType:               vk.StructureTypeImageMemoryBarrier,
		OldLayout:           oldLayout,
		NewLayout:           newLayout,
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Image:               vi.Handle,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask:     vk.ImageAspectFlags(vk.ImageAspectColorBit),
			BaseMipLevel:   baseMip,
			LevelCount:     levelCount,
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
	}

	var srcStage, dstStage vk.PipelineStageFlagBits
	switch {
	case oldLayout == vk.ImageLayoutUndefined && newLayout == vk.ImageLayoutTransferDstOptimal:
		barrier.DstAccessMask = vk.AccessFlags(vk.AccessTransferWriteBit)
		srcStage = vk.PipelineStageTopOfPipeBit
		dstStage = vk.PipelineStageTransferBit
	case oldLayout == vk.ImageLayoutTransferDstOptimal && newLayout == vk.ImageLayoutTransferSrcOptimal:
		barrier.SrcAccessMask = vk.AccessFlags(vk.AccessTransferWriteBit)
		barrier.DstAccessMask = vk.AccessFlags(vk.AccessTransferReadBit)
		srcStage = vk.PipelineStageTransferBit
		dstStage = vk.PipelineStageTransferBit
	case oldLayout == vk.ImageLayoutTransferDstOptimal && newLayout == vk.ImageLayoutShaderReadOnlyOptimal:
		barrier.SrcAccessMask = vk.AccessFlags(vk.AccessTransferWriteBit)
		barrier.DstAccessMask = vk.AccessFlags(vk.AccessShaderReadBit)
		srcStage = vk.PipelineStageTransferBit
		dstStage = vk.PipelineStageFragmentShaderBit
	case oldLayout == vk.ImageLayoutTransferSrcOptimal && newLayout == vk.ImageLayoutShaderReadOnlyOptimal:
		barrier.SrcAccessMask = vk.AccessFlags(vk.AccessTransferReadBit)
		barrier.DstAccessMask = vk.AccessFlags(vk.AccessShaderReadBit)
		srcStage = vk.PipelineStageTransferBit
		dstStage = vk.PipelineStageFragmentShaderBit
	default:
		return fmt.Errorf("unsupported layout transition %d -> %d", oldLayout, newLayout)
	}

	vk.CmdPipelineBarrier(commandBuffer.Handle,
		vk.PipelineStageFlags(srcStage), vk.PipelineStageFlags(dstStage), 0,
		0, nil,
		0, nil,
		1, []vk.ImageMemoryBarrier{barrier})
	return nil
}

// CopyFromBuffer records a copy of the tightly packed pixels of buffer into mip 0.
func (vi *VulkanImage) CopyFromBuffer(commandBuffer *VulkanCommandBuffer, buffer vk.Buffer) {
	region := vk.BufferImageCopy{
		BufferOffset:      0,
		BufferRowLength:   0,
		BufferImageHeight: 0,
		ImageSubresource: vk.ImageSubresourceLayers{
			AspectMask:     vk.ImageAspectFlags(vk.ImageAspectColorBit),
			MipLevel:       0,
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
		ImageOffset: vk.Offset3D{},
		ImageExtent: vk.Extent3D{Width: vi.Width, Height: vi.Height, Depth: 1},
	}
	vk.CmdCopyBufferToImage(commandBuffer.Handle, buffer, vi.Handle, vk.ImageLayoutTransferDstOptimal, 1, []vk.BufferImageCopy{region})
}

// GenerateMipmaps blits each level from the previous one. Every level must be in
// TRANSFER_DST on entry; all of them are SHADER_READ_ONLY on return.
func (vi *VulkanImage) GenerateMipmaps(commandBuffer *VulkanCommandBuffer) error {
	width, height := int32(vi.Width), int32(vi.Height)
	for level := uint32(1); level < vi.MipLevels; level++ {
		if err := vi.TransitionLayout(commandBuffer, vk.ImageLayoutTransferDstOptimal, vk.ImageLayoutTransferSrcOptimal, level-1, 1); err != nil {
			return err
		}
		nextWidth, nextHeight := max(width/2, 1), max(height/2, 1)
		blit := vk.ImageBlit{
			SrcSubresource: vk.ImageSubresourceLayers{
				AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
				MipLevel:   level - 1,
				LayerCount: 1,
			},
			SrcOffsets: [2]vk.Offset3D{{}, {X: width, Y: height, Z: 1}},
			DstSubresource: vk.ImageSubresourceLayers{
				AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
				MipLevel:   level,
				LayerCount: 1,
			},
			DstOffsets: [2]vk.Offset3D{{}, {X: nextWidth, Y: nextHeight, Z: 1}},
		}
		vk.CmdBlitImage(commandBuffer.Handle,
			vi.Handle, vk.ImageLayoutTransferSrcOptimal,
			vi.Handle, vk.ImageLayoutTransferDstOptimal,
			1, []vk.ImageBlit{blit}, vk.FilterLinear)

		if err := vi.TransitionLayout(commandBuffer, vk.ImageLayoutTransferSrcOptimal, vk.ImageLayoutShaderReadOnlyOptimal, level-1, 1); err != nil {
			return err
		}
		width, height = nextWidth, nextHeight
	}
	// The last level was only ever written.
	return vi.TransitionLayout(commandBuffer, vk.ImageLayoutTransferDstOptimal, vk.ImageLayoutShaderReadOnlyOptimal, vi.MipLevels-1, 1)
}
