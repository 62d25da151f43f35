package vulkan

import (
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/vesta/engine/core"
	"github.com/spaghettifunk/vesta/engine/renderer/metadata"
)

// Sets allocated from one descriptor pool before another one is created.
const VULKAN_DESCRIPTOR_POOL_MAX_SETS = 256

/**
 * @brief A binding table: one descriptor set and the pool it came from.
 */
type VulkanBindingTable struct {
	Set    vk.DescriptorSet
	Pool   vk.DescriptorPool
	Layout metadata.BindingLayout
}

/**
 * @brief Owns the set layouts, one per storage slot count, and a growing list of
 * descriptor pools. Not safe for concurrent use: callers hold DescriptorManagement.
 */
type VulkanDescriptorAllocator struct {
	layouts map[uint32]vk.DescriptorSetLayout
	pools   []vk.DescriptorPool
}

func NewDescriptorAllocator() *VulkanDescriptorAllocator {
	return &VulkanDescriptorAllocator{layouts: make(map[uint32]vk.DescriptorSetLayout)}
}

func (da *VulkanDescriptorAllocator) setLayout(context *VulkanContext, storageSlots uint32) (vk.DescriptorSetLayout, error) {
	if layout, ok := da.layouts[storageSlots]; ok {
		return layout, nil
	}

	stages := vk.ShaderStageFlags(vk.ShaderStageVertexBit | vk.ShaderStageFragmentBit)
	bindings := []vk.DescriptorSetLayoutBinding{{
		Binding:         metadata.UniformBinding,
		DescriptorType:  vk.DescriptorTypeUniformBuffer,
		DescriptorCount: 1,
		StageFlags:      stages,
	}}
	for i := uint32(0); i < metadata.MAX_IMAGE_SLOTS; i++ {
		bindings = append(bindings, vk.DescriptorSetLayoutBinding{
			Binding:         metadata.FirstImageBinding + i,
			DescriptorType:  vk.DescriptorTypeCombinedImageSampler,
			DescriptorCount: 1,
			StageFlags:      vk.ShaderStageFlags(vk.ShaderStageFragmentBit),
		})
	}
	for i := uint32(0); i < storageSlots; i++ {
		bindings = append(bindings, vk.DescriptorSetLayoutBinding{
			Binding:         metadata.FirstStorageBinding + i,
			DescriptorType:  vk.DescriptorTypeStorageBuffer,
			DescriptorCount: 1,
			StageFlags:      stages,
		})
	}

	layoutInfo := vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: uint32(len(bindings)),
		PBindings:    bindings,
	}
	var layout vk.DescriptorSetLayout
	if res := vk.CreateDescriptorSetLayout(context.Device.LogicalDevice, &layoutInfo, context.Allocator, &layout); res != vk.Success {
		return vk.NullDescriptorSetLayout, resultError("vkCreateDescriptorSetLayout", res)
	}
	da.layouts[storageSlots] = layout
	return layout, nil
}

func (da *VulkanDescriptorAllocator) growPool(context *VulkanContext) (vk.DescriptorPool, error) {
	poolSizes := []vk.DescriptorPoolSize{
		{Type: vk.DescriptorTypeUniformBuffer, DescriptorCount: VULKAN_DESCRIPTOR_POOL_MAX_SETS},
		{Type: vk.DescriptorTypeCombinedImageSampler, DescriptorCount: VULKAN_DESCRIPTOR_POOL_MAX_SETS * metadata.MAX_IMAGE_SLOTS},
		{Type: vk.DescriptorTypeStorageBuffer, DescriptorCount: VULKAN_DESCRIPTOR_POOL_MAX_SETS * metadata.MAX_STORAGE_SLOTS},
	}
	poolInfo := vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		Flags:         vk.DescriptorPoolCreateFlags(vk.DescriptorPoolCreateFreeDescriptorSetBit),
		MaxSets:       VULKAN_DESCRIPTOR_POOL_MAX_SETS,
		PoolSizeCount: uint32(len(poolSizes)),
		PPoolSizes:    poolSizes,
	}
	var pool vk.DescriptorPool
	if res := vk.CreateDescriptorPool(context.Device.LogicalDevice, &poolInfo, context.Allocator, &pool); res != vk.Success {
		return vk.NullDescriptorPool, resultError("vkCreateDescriptorPool", res)
	}
	da.pools = append(da.pools, pool)
	core.LogDebug("Descriptor pool %d created.", len(da.pools))
	return pool, nil
}

// Allocate returns a fresh set for layout, creating a new pool when the newest one is exhausted.
func (da *VulkanDescriptorAllocator) Allocate(context *VulkanContext, layout metadata.BindingLayout) (*VulkanBindingTable, error) {
	if layout.StorageSlots > metadata.MAX_STORAGE_SLOTS {
		layout.StorageSlots = metadata.MAX_STORAGE_SLOTS
	}
	setLayout, err := da.setLayout(context, layout.StorageSlots)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		var pool vk.DescriptorPool
		if attempt == 0 && len(da.pools) > 0 {
			pool = da.pools[len(da.pools)-1]
		} else if pool, err = da.growPool(context); err != nil {
			return nil, err
		}

		allocateInfo := vk.DescriptorSetAllocateInfo{
			SType:              vk.StructureTypeDescriptorSetAllocateInfo,
			DescriptorPool:     pool,
			DescriptorSetCount: 1,
			PSetLayouts:        []vk.DescriptorSetLayout{setLayout},
		}
		var set vk.DescriptorSet
		switch res := vk.AllocateDescriptorSets(context.Device.LogicalDevice, &allocateInfo, &set); res {
		case vk.Success:
			return &VulkanBindingTable{Set: set, Pool: pool, Layout: layout}, nil
		case vk.ErrorOutOfPoolMemory, vk.ErrorFragmentedPool:
			continue
		default:
			return nil, resultError("vkAllocateDescriptorSets", res)
		}
	}
	return nil, resultError("vkAllocateDescriptorSets", vk.ErrorOutOfPoolMemory)
}

func (da *VulkanDescriptorAllocator) Free(context *VulkanContext, table *VulkanBindingTable) {
	if res := vk.FreeDescriptorSets(context.Device.LogicalDevice, table.Pool, 1, &table.Set); res != vk.Success {
		core.LogWarn("vkFreeDescriptorSets failed: %s", VulkanResultString(res, false))
	}
}

func (da *VulkanDescriptorAllocator) Destroy(context *VulkanContext) {
	device := context.Device.LogicalDevice
	for _, pool := range da.pools {
		// Destroying the pool frees every set allocated from it.
		vk.DestroyDescriptorPool(device, pool, context.Allocator)
	}
	da.pools = nil
	for slots, layout := range da.layouts {
		vk.DestroyDescriptorSetLayout(device, layout, context.Allocator)
		delete(da.layouts, slots)
	}
}
