package vkapi

import (
	"time"
	"unsafe"

	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_surface"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"
)

type fence struct{ handle core1_0.Fence }

func (f *fence) Handle() core1_0.Fence { return f.handle }

type memory struct{ handle core1_0.DeviceMemory }

func (m *memory) Handle() core1_0.DeviceMemory { return m.handle }

// Driver implements Device over the vkngwrapper drivers of one logical device.
type Driver struct {
	instance       core1_0.CoreInstanceDriver
	device         core1_0.CoreDeviceDriver
	physicalDevice core1_0.PhysicalDevice
	swapchainExt   khr_swapchain.ExtensionDriver
	surfaceExt     khr_surface.ExtensionDriver
	memoryTypes    []core1_0.MemoryPropertyFlags
	dynamicState   ExtendedDynamicState
}

// New wraps an opened logical device. dynamicState records the extended dynamic state
// commands; with nil that state is baked into pipelines.
func New(instance core1_0.CoreInstanceDriver, physicalDevice core1_0.PhysicalDevice, device core1_0.CoreDeviceDriver, surfaceExt khr_surface.ExtensionDriver, dynamicState ExtendedDynamicState) *Driver {
	d := &Driver{
		instance:       instance,
		device:         device,
		physicalDevice: physicalDevice,
		swapchainExt:   khr_swapchain.CreateExtensionDriverFromCoreDriver(device),
		surfaceExt:     surfaceExt,
		dynamicState:   dynamicState,
	}

	memProperties := instance.GetPhysicalDeviceMemoryProperties(physicalDevice)
	for _, memoryType := range memProperties.MemoryTypes {
		d.memoryTypes = append(d.memoryTypes, memoryType.PropertyFlags)
	}
	return d
}

// Core returns the wrapped device driver.
func (d *Driver) Core() core1_0.CoreDeviceDriver { return d.device }

func (d *Driver) ExtendedDynamicState() ExtendedDynamicState { return d.dynamicState }

func (d *Driver) WaitIdle() error {
	res, err := d.device.DeviceWaitIdle()
	return translate(res, err, "wait for device idle")
}

func (d *Driver) QueueWaitIdle(queue core1_0.Queue) error {
	res, err := d.device.QueueWaitIdle(queue)
	return translate(res, err, "wait for queue idle")
}

func (d *Driver) QueueSubmit(queue core1_0.Queue, f Fence, submits ...core1_0.SubmitInfo) error {
	var handle *core1_0.Fence
	if f != nil {
		h := f.Handle()
		handle = &h
	}
	res, err := d.device.QueueSubmit(queue, handle, submits...)
	return translate(res, err, "queue submit")
}

func (d *Driver) CreateFence(signaled bool) (Fence, error) {
	info := core1_0.FenceCreateInfo{}
	if signaled {
		info.Flags = core1_0.FenceCreateSignaled
	}
	handle, res, err := d.device.CreateFence(nil, info)
	if err := translate(res, err, "create fence"); err != nil {
		return nil, err
	}
	return &fence{handle: handle}, nil
}

func (d *Driver) DestroyFence(f Fence) {
	d.device.DestroyFence(f.Handle(), nil)
}

func (d *Driver) WaitForFence(f Fence, timeout time.Duration) error {
	res, err := d.device.WaitForFences(true, timeout, f.Handle())
	return translate(res, err, "wait for fence")
}

func (d *Driver) ResetFence(f Fence) error {
	res, err := d.device.ResetFences(f.Handle())
	return translate(res, err, "reset fence")
}

func (d *Driver) CreateSemaphore() (core1_0.Semaphore, error) {
	semaphore, res, err := d.device.CreateSemaphore(nil, core1_0.SemaphoreCreateInfo{})
	return semaphore, translate(res, err, "create semaphore")
}

func (d *Driver) DestroySemaphore(semaphore core1_0.Semaphore) {
	d.device.DestroySemaphore(semaphore, nil)
}

func (d *Driver) CreateCommandPool(queueFamily int) (core1_0.CommandPool, error) {
	pool, res, err := d.device.CreateCommandPool(nil, core1_0.CommandPoolCreateInfo{
		Flags:            core1_0.CommandPoolCreateResetBuffer,
		QueueFamilyIndex: queueFamily,
	})
	return pool, translate(res, err, "create command pool")
}

func (d *Driver) DestroyCommandPool(pool core1_0.CommandPool) {
	d.device.DestroyCommandPool(pool, nil)
}

func (d *Driver) AllocateCommandBuffers(pool core1_0.CommandPool, level core1_0.CommandBufferLevel, count int) ([]core1_0.CommandBuffer, error) {
	buffers, res, err := d.device.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        pool,
		Level:              level,
		CommandBufferCount: count,
	})
	return buffers, translate(res, err, "allocate command buffers")
}

func (d *Driver) FreeCommandBuffers(buffers ...core1_0.CommandBuffer) {
	if len(buffers) == 0 {
		return
	}
	d.device.FreeCommandBuffers(buffers...)
}

func (d *Driver) BeginCommandBuffer(buffer core1_0.CommandBuffer, info core1_0.CommandBufferBeginInfo) error {
	res, err := d.device.BeginCommandBuffer(buffer, info)
	return translate(res, err, "begin command buffer")
}

func (d *Driver) EndCommandBuffer(buffer core1_0.CommandBuffer) error {
	res, err := d.device.EndCommandBuffer(buffer)
	return translate(res, err, "end command buffer")
}

func (d *Driver) ResetCommandBuffer(buffer core1_0.CommandBuffer) error {
	res, err := d.device.ResetCommandBuffer(buffer, 0)
	return translate(res, err, "reset command buffer")
}

func (d *Driver) CmdExecuteCommands(buffer core1_0.CommandBuffer, secondaries ...core1_0.CommandBuffer) {
	d.device.CmdExecuteCommands(buffer, secondaries...)
}

func (d *Driver) MemoryTypes() []core1_0.MemoryPropertyFlags { return d.memoryTypes }

func (d *Driver) AllocateMemory(size int, memoryTypeIndex int) (Memory, error) {
	handle, res, err := d.device.AllocateMemory(nil, core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: memoryTypeIndex,
	})
	if err := translate(res, err, "allocate memory"); err != nil {
		return nil, err
	}
	return &memory{handle: handle}, nil
}

func (d *Driver) FreeMemory(m Memory) {
	d.device.FreeMemory(m.Handle(), nil)
}

func (d *Driver) MapMemory(m Memory, offset, size int) ([]byte, error) {
	ptr, res, err := d.device.MapMemory(m.Handle(), offset, size, 0)
	if err := translate(res, err, "map memory"); err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(ptr), size), nil
}

func (d *Driver) UnmapMemory(m Memory) {
	d.device.UnmapMemory(m.Handle())
}

func (d *Driver) FlushMemory(m Memory, offset, size int) error {
	res, err := d.device.FlushMappedMemoryRanges(core1_0.MappedMemoryRange{
		Memory: m.Handle(),
		Offset: offset,
		Size:   size,
	})
	return translate(res, err, "flush mapped memory")
}

func (d *Driver) CreateBuffer(size int, usage core1_0.BufferUsageFlags) (core1_0.Buffer, error) {
	buffer, res, err := d.device.CreateBuffer(nil, core1_0.BufferCreateInfo{
		Size:        size,
		Usage:       usage,
		SharingMode: core1_0.SharingModeExclusive,
	})
	return buffer, translate(res, err, "create buffer")
}

func (d *Driver) DestroyBuffer(buffer core1_0.Buffer) {
	d.device.DestroyBuffer(buffer, nil)
}

func (d *Driver) BufferMemoryRequirements(buffer core1_0.Buffer) MemoryRequirements {
	reqs := d.device.GetBufferMemoryRequirements(buffer)
	return MemoryRequirements{Size: reqs.Size, Alignment: reqs.Alignment, MemoryTypeBits: reqs.MemoryTypeBits}
}

func (d *Driver) BindBufferMemory(buffer core1_0.Buffer, m Memory, offset int) error {
	res, err := d.device.BindBufferMemory(buffer, m.Handle(), offset)
	return translate(res, err, "bind buffer memory")
}

func (d *Driver) CmdCopyBuffer(cmd core1_0.CommandBuffer, src, dst core1_0.Buffer, regions ...core1_0.BufferCopy) error {
	return d.device.CmdCopyBuffer(cmd, src, dst, regions...)
}

func (d *Driver) CmdBindVertexBuffers(cmd core1_0.CommandBuffer, firstBinding int, buffers []core1_0.Buffer, offsets []int) {
	d.device.CmdBindVertexBuffers(cmd, firstBinding, buffers, offsets)
}

func (d *Driver) CmdBindIndexBuffer(cmd core1_0.CommandBuffer, buffer core1_0.Buffer, offset int, indexType core1_0.IndexType) {
	d.device.CmdBindIndexBuffer(cmd, buffer, offset, indexType)
}

func (d *Driver) CmdDraw(cmd core1_0.CommandBuffer, vertexCount, instanceCount, firstVertex, firstInstance int) {
	d.device.CmdDraw(cmd, vertexCount, instanceCount, uint32(firstVertex), uint32(firstInstance))
}

func (d *Driver) CmdDrawIndexed(cmd core1_0.CommandBuffer, indexCount, instanceCount, firstIndex, vertexOffset, firstInstance int) {
	d.device.CmdDrawIndexed(cmd, indexCount, instanceCount, uint32(firstIndex), vertexOffset, uint32(firstInstance))
}

func (d *Driver) CreateImage(info core1_0.ImageCreateInfo) (core1_0.Image, error) {
	image, res, err := d.device.CreateImage(nil, info)
	return image, translate(res, err, "create image")
}

func (d *Driver) DestroyImage(image core1_0.Image) {
	d.device.DestroyImage(image, nil)
}

func (d *Driver) ImageMemoryRequirements(image core1_0.Image) MemoryRequirements {
	reqs := d.device.GetImageMemoryRequirements(image)
	return MemoryRequirements{Size: reqs.Size, Alignment: reqs.Alignment, MemoryTypeBits: reqs.MemoryTypeBits}
}

func (d *Driver) BindImageMemory(image core1_0.Image, m Memory, offset int) error {
	res, err := d.device.BindImageMemory(image, m.Handle(), offset)
	return translate(res, err, "bind image memory")
}

func (d *Driver) CreateImageView(info core1_0.ImageViewCreateInfo) (core1_0.ImageView, error) {
	view, res, err := d.device.CreateImageView(nil, info)
	return view, translate(res, err, "create image view")
}

func (d *Driver) DestroyImageView(view core1_0.ImageView) {
	d.device.DestroyImageView(view, nil)
}

func (d *Driver) CreateSampler(info core1_0.SamplerCreateInfo) (core1_0.Sampler, error) {
	sampler, res, err := d.device.CreateSampler(nil, info)
	return sampler, translate(res, err, "create sampler")
}

func (d *Driver) DestroySampler(sampler core1_0.Sampler) {
	d.device.DestroySampler(sampler, nil)
}

func (d *Driver) FormatFeatures(format core1_0.Format) core1_0.FormatFeatureFlags {
	props := d.instance.GetPhysicalDeviceFormatProperties(d.physicalDevice, format)
	return props.OptimalTilingFeatures
}

func (d *Driver) CmdPipelineBarrier(cmd core1_0.CommandBuffer, src, dst core1_0.PipelineStageFlags, barriers ...core1_0.ImageMemoryBarrier) error {
	return d.device.CmdPipelineBarrier(cmd, src, dst, 0, nil, nil, barriers)
}

func (d *Driver) CmdCopyBufferToImage(cmd core1_0.CommandBuffer, buffer core1_0.Buffer, image core1_0.Image, layout core1_0.ImageLayout, regions ...core1_0.BufferImageCopy) error {
	return d.device.CmdCopyBufferToImage(cmd, buffer, image, layout, regions...)
}

func (d *Driver) CmdCopyImageToBuffer(cmd core1_0.CommandBuffer, image core1_0.Image, layout core1_0.ImageLayout, buffer core1_0.Buffer, regions ...core1_0.BufferImageCopy) error {
	return d.device.CmdCopyImageToBuffer(cmd, image, layout, buffer, regions...)
}

func (d *Driver) CreateDescriptorSetLayout(bindings []core1_0.DescriptorSetLayoutBinding) (core1_0.DescriptorSetLayout, error) {
	layout, res, err := d.device.CreateDescriptorSetLayout(nil, core1_0.DescriptorSetLayoutCreateInfo{
		Bindings: bindings,
	})
	return layout, translate(res, err, "create descriptor set layout")
}

func (d *Driver) DestroyDescriptorSetLayout(layout core1_0.DescriptorSetLayout) {
	d.device.DestroyDescriptorSetLayout(layout, nil)
}

func (d *Driver) CreateDescriptorPool(info core1_0.DescriptorPoolCreateInfo) (core1_0.DescriptorPool, error) {
	pool, res, err := d.device.CreateDescriptorPool(nil, info)
	return pool, translate(res, err, "create descriptor pool")
}

func (d *Driver) DestroyDescriptorPool(pool core1_0.DescriptorPool) {
	d.device.DestroyDescriptorPool(pool, nil)
}

func (d *Driver) AllocateDescriptorSets(pool core1_0.DescriptorPool, layouts ...core1_0.DescriptorSetLayout) ([]core1_0.DescriptorSet, error) {
	sets, res, err := d.device.AllocateDescriptorSets(core1_0.DescriptorSetAllocateInfo{
		DescriptorPool: pool,
		SetLayouts:     layouts,
	})
	return sets, translate(res, err, "allocate descriptor sets")
}

func (d *Driver) FreeDescriptorSets(sets ...core1_0.DescriptorSet) error {
	if len(sets) == 0 {
		return nil
	}
	res, err := d.device.FreeDescriptorSets(sets...)
	return translate(res, err, "free descriptor sets")
}

func (d *Driver) UpdateDescriptorSets(writes []core1_0.WriteDescriptorSet) error {
	return d.device.UpdateDescriptorSets(writes, nil)
}

func (d *Driver) CmdBindDescriptorSets(cmd core1_0.CommandBuffer, layout core1_0.PipelineLayout, firstSet int, sets ...core1_0.DescriptorSet) {
	d.device.CmdBindDescriptorSets(cmd, core1_0.PipelineBindPointGraphics, layout, firstSet, sets, nil)
}

func (d *Driver) CmdPushConstants(cmd core1_0.CommandBuffer, layout core1_0.PipelineLayout, stages core1_0.ShaderStageFlags, offset int, data []byte) {
	d.device.CmdPushConstants(cmd, layout, stages, offset, data)
}

func (d *Driver) CreateShaderModule(code []uint32) (core1_0.ShaderModule, error) {
	module, res, err := d.device.CreateShaderModule(nil, core1_0.ShaderModuleCreateInfo{Code: code})
	return module, translate(res, err, "create shader module")
}

func (d *Driver) DestroyShaderModule(module core1_0.ShaderModule) {
	d.device.DestroyShaderModule(module, nil)
}

func (d *Driver) CreatePipelineLayout(info core1_0.PipelineLayoutCreateInfo) (core1_0.PipelineLayout, error) {
	layout, res, err := d.device.CreatePipelineLayout(nil, info)
	return layout, translate(res, err, "create pipeline layout")
}

func (d *Driver) DestroyPipelineLayout(layout core1_0.PipelineLayout) {
	d.device.DestroyPipelineLayout(layout, nil)
}

func (d *Driver) CreateGraphicsPipeline(info core1_0.GraphicsPipelineCreateInfo) (core1_0.Pipeline, error) {
	pipelines, res, err := d.device.CreateGraphicsPipelines(nil, nil, info)
	if err := translate(res, err, "create graphics pipeline"); err != nil {
		return core1_0.Pipeline{}, err
	}
	return pipelines[0], nil
}

func (d *Driver) DestroyPipeline(pipeline core1_0.Pipeline) {
	d.device.DestroyPipeline(pipeline, nil)
}

func (d *Driver) CmdBindPipeline(cmd core1_0.CommandBuffer, pipeline core1_0.Pipeline) {
	d.device.CmdBindPipeline(cmd, core1_0.PipelineBindPointGraphics, pipeline)
}

func (d *Driver) CreateRenderPass(info core1_0.RenderPassCreateInfo) (core1_0.RenderPass, error) {
	pass, res, err := d.device.CreateRenderPass(nil, info)
	return pass, translate(res, err, "create render pass")
}

func (d *Driver) DestroyRenderPass(pass core1_0.RenderPass) {
	d.device.DestroyRenderPass(pass, nil)
}

func (d *Driver) CreateFramebuffer(info core1_0.FramebufferCreateInfo) (core1_0.Framebuffer, error) {
	framebuffer, res, err := d.device.CreateFramebuffer(nil, info)
	return framebuffer, translate(res, err, "create framebuffer")
}

func (d *Driver) DestroyFramebuffer(framebuffer core1_0.Framebuffer) {
	d.device.DestroyFramebuffer(framebuffer, nil)
}

func (d *Driver) CmdBeginRenderPass(cmd core1_0.CommandBuffer, contents core1_0.SubpassContents, info core1_0.RenderPassBeginInfo) error {
	return d.device.CmdBeginRenderPass(cmd, contents, info)
}

func (d *Driver) CmdEndRenderPass(cmd core1_0.CommandBuffer) {
	d.device.CmdEndRenderPass(cmd)
}

func (d *Driver) CmdSetViewport(cmd core1_0.CommandBuffer, viewport core1_0.Viewport) {
	d.device.CmdSetViewport(cmd, viewport)
}

func (d *Driver) CmdSetScissor(cmd core1_0.CommandBuffer, scissor core1_0.Rect2D) {
	d.device.CmdSetScissor(cmd, scissor)
}

func (d *Driver) CmdSetStencilReference(cmd core1_0.CommandBuffer, reference uint32) {
	d.device.CmdSetStencilReference(cmd, core1_0.StencilFaceFront|core1_0.StencilFaceBack, reference)
}

func (d *Driver) CmdSetStencilCompareMask(cmd core1_0.CommandBuffer, mask uint32) {
	d.device.CmdSetStencilCompareMask(cmd, core1_0.StencilFaceFront|core1_0.StencilFaceBack, mask)
}

func (d *Driver) CmdSetStencilWriteMask(cmd core1_0.CommandBuffer, mask uint32) {
	d.device.CmdSetStencilWriteMask(cmd, core1_0.StencilFaceFront|core1_0.StencilFaceBack, mask)
}

func (d *Driver) SurfaceCapabilities(surface khr_surface.Surface) (*khr_surface.SurfaceCapabilities, error) {
	caps, res, err := d.surfaceExt.GetPhysicalDeviceSurfaceCapabilities(surface, d.physicalDevice)
	return caps, translate(res, err, "query surface capabilities")
}

func (d *Driver) SurfaceFormats(surface khr_surface.Surface) ([]khr_surface.SurfaceFormat, error) {
	formats, res, err := d.surfaceExt.GetPhysicalDeviceSurfaceFormats(surface, d.physicalDevice)
	return formats, translate(res, err, "query surface formats")
}

func (d *Driver) SurfacePresentModes(surface khr_surface.Surface) ([]khr_surface.PresentMode, error) {
	modes, res, err := d.surfaceExt.GetPhysicalDeviceSurfacePresentModes(surface, d.physicalDevice)
	return modes, translate(res, err, "query surface present modes")
}

func (d *Driver) CreateSwapchain(info khr_swapchain.SwapchainCreateInfo) (khr_swapchain.Swapchain, error) {
	swapchain, res, err := d.swapchainExt.CreateSwapchain(nil, info)
	return swapchain, translate(res, err, "create swapchain")
}

func (d *Driver) DestroySwapchain(swapchain khr_swapchain.Swapchain) {
	d.swapchainExt.DestroySwapchain(swapchain, nil)
}

func (d *Driver) SwapchainImages(swapchain khr_swapchain.Swapchain) ([]core1_0.Image, error) {
	images, res, err := d.swapchainExt.GetSwapchainImages(swapchain)
	return images, translate(res, err, "get swapchain images")
}

func (d *Driver) AcquireNextImage(swapchain khr_swapchain.Swapchain, timeout time.Duration, signal core1_0.Semaphore) (int, error) {
	index, res, err := d.swapchainExt.AcquireNextImage(swapchain, timeout, &signal, nil)
	if res == khr_swapchain.VKSuboptimal {
		// Acquisition succeeded; the present call reports suboptimal swapchains.
		return index, nil
	}
	return index, translate(res, err, "acquire next image")
}

func (d *Driver) QueuePresent(queue core1_0.Queue, info khr_swapchain.PresentInfo) error {
	res, err := d.swapchainExt.QueuePresent(queue, info)
	return translate(res, err, "queue present")
}

var _ Device = (*Driver)(nil)
