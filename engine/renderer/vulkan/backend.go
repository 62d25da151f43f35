package vulkan

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/go-gl/glfw/v3.3/glfw"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/vesta/engine/containers"
	"github.com/spaghettifunk/vesta/engine/core"
	"github.com/spaghettifunk/vesta/engine/platform"
	"github.com/spaghettifunk/vesta/engine/renderer/metadata"
)

// The sampler shared by every image binding is handed out under a fixed handle.
const defaultSamplerHandle metadata.SamplerHandle = 1

// Upper bound of the mip chain sampled through the default sampler.
const maxSamplerLod = 16

type Options struct {
	AppName        string
	Width          uint32
	Height         uint32
	FramesInFlight uint8
	Validation     bool
}

// Backend implements renderer.Device on top of a Vulkan swapchain. Object handles
// are packed arena handles, so stale handles are rejected instead of reused.
type Backend struct {
	platform *platform.Platform
	opts     Options
	context  *VulkanContext

	descriptors *VulkanDescriptorAllocator
	sampler     vk.Sampler

	mu         sync.Mutex
	buffers    *containers.Arena[*VulkanBuffer]
	images     *containers.Arena[*VulkanImage]
	fences     *containers.Arena[*VulkanFence]
	semaphores *containers.Arena[vk.Semaphore]
	tables     *containers.Arena[*VulkanBindingTable]
	// ImageAvailable semaphores signaled by an acquire whose frame never reached
	// SubmitFrame, keyed by the slot fence.
	unconsumed map[metadata.FenceHandle]vk.Semaphore
}

// New brings up the instance, device and swapchain for the platform window.
func New(p *platform.Platform, opts Options) (*Backend, error) {
	if opts.FramesInFlight == 0 {
		return nil, fmt.Errorf("vulkan backend with no frames in flight: %w", core.ErrInvalidConfig)
	}
	b := &Backend{
		platform: p,
		opts:     opts,
		context: &VulkanContext{
			FramebufferWidth:  opts.Width,
			FramebufferHeight: opts.Height,
			Allocator:         nil,
			Locks:             NewVulkanLockPool(),
		},
		buffers:    containers.NewArena[*VulkanBuffer](256),
		images:     containers.NewArena[*VulkanImage](256),
		fences:     containers.NewArena[*VulkanFence](8),
		semaphores: containers.NewArena[vk.Semaphore](8),
		tables:     containers.NewArena[*VulkanBindingTable](256),
		unconsumed: make(map[metadata.FenceHandle]vk.Semaphore),
	}
	if err := b.initialize(); err != nil {
		b.Shutdown()
		return nil, err
	}
	return b, nil
}

func (b *Backend) Name() string {
	return "vulkan"
}

func (b *Backend) initialize() error {
	procAddr := glfw.GetVulkanGetInstanceProcAddress()
	if procAddr == nil {
		return fmt.Errorf("GetInstanceProcAddress is nil: %w", core.ErrUnsupported)
	}
	vk.SetGetInstanceProcAddr(procAddr)

	if err := vk.Init(); err != nil {
		core.LogError("failed to initialize vk: %s", err)
		return err
	}

	if err := b.createInstance(); err != nil {
		return err
	}

	if b.opts.Validation {
		core.LogDebug("Creating Vulkan debugger...")
		debugCreateInfo := vk.DebugReportCallbackCreateInfo{
			SType:       vk.StructureTypeDebugReportCallbackCreateInfo,
			Flags:       vk.DebugReportFlags(vk.DebugReportErrorBit | vk.DebugReportWarningBit | vk.DebugReportPerformanceWarningBit),
			PfnCallback: dbgCallbackFunc,
		}
		var dbg vk.DebugReportCallback
		if err := vk.Error(vk.CreateDebugReportCallback(b.context.Instance, &debugCreateInfo, nil, &dbg)); err != nil {
			// Validation is a debugging aid; carry on without the callback.
			core.LogWarn("vk.CreateDebugReportCallback failed with %s", err)
		} else {
			b.context.debugMessenger = dbg
		}
	}

	// Surface
	core.LogDebug("Creating Vulkan surface...")
	surface, err := b.platform.Window.CreateWindowSurface(b.context.Instance, nil)
	if err != nil {
		return fmt.Errorf("platform surface creation failed: %w", err)
	}
	b.context.Surface = vk.SurfaceFromPointer(surface)

	if err := DeviceCreate(b.context); err != nil {
		return err
	}

	sc, err := SwapchainCreate(b.context, b.context.FramebufferWidth, b.context.FramebufferHeight)
	if err != nil {
		return err
	}
	b.context.Swapchain = sc

	rp, err := RenderpassCreate(b.context, 1.0, 0)
	if err != nil {
		return err
	}
	b.context.MainRenderpass = rp

	if err := regenerateFramebuffers(b.context, b.context.Swapchain, b.context.MainRenderpass); err != nil {
		return err
	}
	b.context.ImagesInFlight = make([]uint64, b.context.Swapchain.ImageCount)

	// One primary command buffer per frame slot.
	b.context.GraphicsCommandBuffers = make([]*VulkanCommandBuffer, b.opts.FramesInFlight)
	for i := range b.context.GraphicsCommandBuffers {
		cb, err := NewVulkanCommandBuffer(b.context, b.context.Device.GraphicsCommandPool, true)
		if err != nil {
			return err
		}
		b.context.GraphicsCommandBuffers[i] = cb
	}

	if err := b.createSampler(); err != nil {
		return err
	}
	b.descriptors = NewDescriptorAllocator()

	core.LogInfo("Vulkan renderer initialized successfully.")
	return nil
}

func (b *Backend) createInstance() error {
	appInfo := &vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         uint32(vk.MakeVersion(1, 0, 0)),
		ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
		PApplicationName:   VulkanSafeString(b.opts.AppName),
		PEngineName:        VulkanSafeString("Vesta Engine"),
	}
	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: appInfo,
	}

	// Obtain a list of required extensions
	requiredExtensions := []string{"VK_KHR_surface"}
	requiredExtensions = append(requiredExtensions, b.platform.GetRequiredExtensionNames()...)
	if runtime.GOOS == "darwin" {
		requiredExtensions = append(requiredExtensions,
			"VK_KHR_portability_enumeration",
			"VK_KHR_get_physical_device_properties2",
		)
		// VK_INSTANCE_CREATE_ENUMERATE_PORTABILITY_BIT_KHR
		createInfo.Flags |= 1
	}
	if b.opts.Validation {
		requiredExtensions = append(requiredExtensions, vk.ExtDebugReportExtensionName)
	}
	core.LogDebug("Required extensions: %v", requiredExtensions)
	createInfo.EnabledExtensionCount = uint32(len(requiredExtensions))
	createInfo.PpEnabledExtensionNames = VulkanSafeStrings(requiredExtensions)

	var layers []string
	if b.opts.Validation {
		found, err := validationLayerPresent("VK_LAYER_KHRONOS_validation")
		if err != nil {
			return err
		}
		if found {
			layers = append(layers, "VK_LAYER_KHRONOS_validation")
		} else {
			core.LogWarn("Validation requested but VK_LAYER_KHRONOS_validation is missing.")
		}
	}
	createInfo.EnabledLayerCount = uint32(len(layers))
	createInfo.PpEnabledLayerNames = VulkanSafeStrings(layers)

	if res := vk.CreateInstance(&createInfo, b.context.Allocator, &b.context.Instance); res != vk.Success {
		err := resultError("vkCreateInstance", res)
		core.LogError("%s", err)
		return err
	}
	if err := vk.InitInstance(b.context.Instance); err != nil {
		core.LogError("%s", err)
		return err
	}
	core.LogInfo("Vulkan Instance created.")
	return nil
}

func validationLayerPresent(name string) (bool, error) {
	var count uint32
	if res := vk.EnumerateInstanceLayerProperties(&count, nil); res != vk.Success {
		return false, resultError("vkEnumerateInstanceLayerProperties", res)
	}
	available := make([]vk.LayerProperties, count)
	if res := vk.EnumerateInstanceLayerProperties(&count, available); res != vk.Success {
		return false, resultError("vkEnumerateInstanceLayerProperties", res)
	}
	for i := range available {
		available[i].Deref()
		if cString(available[i].LayerName[:]) == name {
			return true, nil
		}
	}
	return false, nil
}

func (b *Backend) createSampler() error {
	device := b.context.Device
	anisotropy := vk.Bool32(vk.False)
	if device.Features.SamplerAnisotropy == vk.True {
		anisotropy = vk.True
	}
	samplerInfo := vk.SamplerCreateInfo{
		SType:                   vk.StructureTypeSamplerCreateInfo,
		MagFilter:               vk.FilterLinear,
		MinFilter:               vk.FilterLinear,
		AddressModeU:            vk.SamplerAddressModeRepeat,
		AddressModeV:            vk.SamplerAddressModeRepeat,
		AddressModeW:            vk.SamplerAddressModeRepeat,
		AnisotropyEnable:        anisotropy,
		MaxAnisotropy:           16,
		BorderColor:             vk.BorderColorFloatOpaqueBlack,
		UnnormalizedCoordinates: vk.False,
		CompareEnable:           vk.False,
		CompareOp:               vk.CompareOpAlways,
		MipmapMode:              vk.SamplerMipmapModeLinear,
		MinLod:                  0,
		MaxLod:                  maxSamplerLod,
	}
	if res := vk.CreateSampler(device.LogicalDevice, &samplerInfo, b.context.Allocator, &b.sampler); res != vk.Success {
		return resultError("vkCreateSampler", res)
	}
	return nil
}

func (b *Backend) WaitIdle() error {
	if b.context.Device == nil || b.context.Device.LogicalDevice == nil {
		return nil
	}
	if res := vk.DeviceWaitIdle(b.context.Device.LogicalDevice); res != vk.Success {
		return submitError("vkDeviceWaitIdle", res)
	}
	return nil
}

// Shutdown destroys everything in the opposite order of creation. Objects the
// engine still holds handles to are released here as well.
func (b *Backend) Shutdown() error {
	ctx := b.context
	if ctx.Device != nil && ctx.Device.LogicalDevice != nil {
		if err := b.WaitIdle(); err != nil {
			core.LogWarn("vkDeviceWaitIdle before shutdown: %s", err)
		}

		// Binding tables die with their descriptor pools below.
		b.mu.Lock()
		b.images.Each(func(_ containers.Handle, img **VulkanImage) {
			(*img).ImageDestroy(ctx)
		})
		b.buffers.Each(func(_ containers.Handle, buf **VulkanBuffer) {
			(*buf).BufferDestroy(ctx)
		})
		b.fences.Each(func(_ containers.Handle, f **VulkanFence) {
			(*f).FenceDestroy(ctx)
		})
		b.semaphores.Each(func(_ containers.Handle, s *vk.Semaphore) {
			vk.DestroySemaphore(ctx.Device.LogicalDevice, *s, ctx.Allocator)
		})
		b.buffers = containers.NewArena[*VulkanBuffer](0)
		b.images = containers.NewArena[*VulkanImage](0)
		b.fences = containers.NewArena[*VulkanFence](0)
		b.semaphores = containers.NewArena[vk.Semaphore](0)
		b.tables = containers.NewArena[*VulkanBindingTable](0)
		b.unconsumed = make(map[metadata.FenceHandle]vk.Semaphore)
		b.mu.Unlock()

		if b.descriptors != nil {
			ctx.Locks.SafeCall(DescriptorManagement, func() error {
				b.descriptors.Destroy(ctx)
				return nil
			})
		}
		if b.sampler != vk.NullSampler {
			vk.DestroySampler(ctx.Device.LogicalDevice, b.sampler, ctx.Allocator)
			b.sampler = vk.NullSampler
		}

		for _, cb := range ctx.GraphicsCommandBuffers {
			if cb != nil {
				cb.Free(ctx, ctx.Device.GraphicsCommandPool)
			}
		}
		ctx.GraphicsCommandBuffers = nil
		ctx.ImagesInFlight = nil

		// Framebuffers go with the swapchain.
		if ctx.Swapchain != nil {
			ctx.Swapchain.SwapchainDestroy(ctx)
			ctx.Swapchain = nil
		}
		if ctx.MainRenderpass != nil {
			ctx.MainRenderpass.RenderpassDestroy(ctx)
			ctx.MainRenderpass = nil
		}

		core.LogDebug("Destroying Vulkan device...")
		DeviceDestroy(ctx)
	}

	if ctx.Instance != nil {
		core.LogDebug("Destroying Vulkan surface...")
		if ctx.Surface != vk.NullSurface {
			vk.DestroySurface(ctx.Instance, ctx.Surface, ctx.Allocator)
			ctx.Surface = vk.NullSurface
		}
		if ctx.debugMessenger != vk.NullDebugReportCallback {
			core.LogDebug("Destroying Vulkan debugger...")
			vk.DestroyDebugReportCallback(ctx.Instance, ctx.debugMessenger, ctx.Allocator)
			ctx.debugMessenger = vk.NullDebugReportCallback
		}
		core.LogDebug("Destroying Vulkan instance...")
		vk.DestroyInstance(ctx.Instance, ctx.Allocator)
		ctx.Instance = nil
	}
	return nil
}

func dbgCallbackFunc(flags vk.DebugReportFlags, objectType vk.DebugReportObjectType, object uint64, location uint64, messageCode int32, pLayerPrefix string, pMessage string, pUserData unsafe.Pointer) vk.Bool32 {
	switch {
	case flags&vk.DebugReportFlags(vk.DebugReportErrorBit) != 0:
		core.LogError("[%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportWarningBit|vk.DebugReportPerformanceWarningBit) != 0:
		core.LogWarn("[%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	default:
		core.LogDebug("[%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	}
	return vk.Bool32(vk.False)
}
