// Package vkapi is the narrow boundary between the backend and the Vulkan driver.
//
// Every Vulkan call the backend makes goes through Device, so the frame,
// descriptor and buffer logic can run against vkapitest.Device in tests.
package vkapi

import (
	"time"

	"github.com/vkngwrapper/core/v3/common"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_surface"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"
)

// NoTimeout blocks until the waited object signals.
const NoTimeout = common.NoTimeout

// Fence is a GPU to CPU completion signal.
type Fence interface {
	Handle() core1_0.Fence
}

// Memory is a device memory allocation.
type Memory interface {
	Handle() core1_0.DeviceMemory
}

// MemoryRequirements mirrors the fields of core1_0.MemoryRequirements the backend reads.
type MemoryRequirements struct {
	Size           int
	Alignment      int
	MemoryTypeBits uint32
}

// Device is the set of device, queue and swapchain operations the backend issues.
type Device interface {
	WaitIdle() error
	QueueWaitIdle(queue core1_0.Queue) error
	QueueSubmit(queue core1_0.Queue, fence Fence, submits ...core1_0.SubmitInfo) error

	CreateFence(signaled bool) (Fence, error)
	DestroyFence(fence Fence)
	WaitForFence(fence Fence, timeout time.Duration) error
	ResetFence(fence Fence) error
	CreateSemaphore() (core1_0.Semaphore, error)
	DestroySemaphore(semaphore core1_0.Semaphore)

	CreateCommandPool(queueFamily int) (core1_0.CommandPool, error)
	DestroyCommandPool(pool core1_0.CommandPool)
	AllocateCommandBuffers(pool core1_0.CommandPool, level core1_0.CommandBufferLevel, count int) ([]core1_0.CommandBuffer, error)
	FreeCommandBuffers(buffers ...core1_0.CommandBuffer)
	BeginCommandBuffer(buffer core1_0.CommandBuffer, info core1_0.CommandBufferBeginInfo) error
	EndCommandBuffer(buffer core1_0.CommandBuffer) error
	ResetCommandBuffer(buffer core1_0.CommandBuffer) error
	CmdExecuteCommands(buffer core1_0.CommandBuffer, secondaries ...core1_0.CommandBuffer)

	MemoryTypes() []core1_0.MemoryPropertyFlags
	AllocateMemory(size int, memoryTypeIndex int) (Memory, error)
	FreeMemory(memory Memory)
	MapMemory(memory Memory, offset, size int) ([]byte, error)
	UnmapMemory(memory Memory)
	FlushMemory(memory Memory, offset, size int) error

	CreateBuffer(size int, usage core1_0.BufferUsageFlags) (core1_0.Buffer, error)
	DestroyBuffer(buffer core1_0.Buffer)
	BufferMemoryRequirements(buffer core1_0.Buffer) MemoryRequirements
	BindBufferMemory(buffer core1_0.Buffer, memory Memory, offset int) error
	CmdCopyBuffer(cmd core1_0.CommandBuffer, src, dst core1_0.Buffer, regions ...core1_0.BufferCopy) error
	CmdBindVertexBuffers(cmd core1_0.CommandBuffer, firstBinding int, buffers []core1_0.Buffer, offsets []int)
	CmdBindIndexBuffer(cmd core1_0.CommandBuffer, buffer core1_0.Buffer, offset int, indexType core1_0.IndexType)
	CmdDraw(cmd core1_0.CommandBuffer, vertexCount, instanceCount, firstVertex, firstInstance int)
	CmdDrawIndexed(cmd core1_0.CommandBuffer, indexCount, instanceCount, firstIndex, vertexOffset, firstInstance int)

	CreateImage(info core1_0.ImageCreateInfo) (core1_0.Image, error)
	DestroyImage(image core1_0.Image)
	ImageMemoryRequirements(image core1_0.Image) MemoryRequirements
	BindImageMemory(image core1_0.Image, memory Memory, offset int) error
	CreateImageView(info core1_0.ImageViewCreateInfo) (core1_0.ImageView, error)
	DestroyImageView(view core1_0.ImageView)
	CreateSampler(info core1_0.SamplerCreateInfo) (core1_0.Sampler, error)
	DestroySampler(sampler core1_0.Sampler)
	FormatFeatures(format core1_0.Format) core1_0.FormatFeatureFlags
	CmdPipelineBarrier(cmd core1_0.CommandBuffer, src, dst core1_0.PipelineStageFlags, barriers ...core1_0.ImageMemoryBarrier) error
	CmdCopyBufferToImage(cmd core1_0.CommandBuffer, buffer core1_0.Buffer, image core1_0.Image, layout core1_0.ImageLayout, regions ...core1_0.BufferImageCopy) error
	CmdCopyImageToBuffer(cmd core1_0.CommandBuffer, image core1_0.Image, layout core1_0.ImageLayout, buffer core1_0.Buffer, regions ...core1_0.BufferImageCopy) error

	CreateDescriptorSetLayout(bindings []core1_0.DescriptorSetLayoutBinding) (core1_0.DescriptorSetLayout, error)
	DestroyDescriptorSetLayout(layout core1_0.DescriptorSetLayout)
	CreateDescriptorPool(info core1_0.DescriptorPoolCreateInfo) (core1_0.DescriptorPool, error)
	DestroyDescriptorPool(pool core1_0.DescriptorPool)
	AllocateDescriptorSets(pool core1_0.DescriptorPool, layouts ...core1_0.DescriptorSetLayout) ([]core1_0.DescriptorSet, error)
	FreeDescriptorSets(sets ...core1_0.DescriptorSet) error
	UpdateDescriptorSets(writes []core1_0.WriteDescriptorSet) error
	CmdBindDescriptorSets(cmd core1_0.CommandBuffer, layout core1_0.PipelineLayout, firstSet int, sets ...core1_0.DescriptorSet)
	CmdPushConstants(cmd core1_0.CommandBuffer, layout core1_0.PipelineLayout, stages core1_0.ShaderStageFlags, offset int, data []byte)

	CreateShaderModule(code []uint32) (core1_0.ShaderModule, error)
	DestroyShaderModule(module core1_0.ShaderModule)
	CreatePipelineLayout(info core1_0.PipelineLayoutCreateInfo) (core1_0.PipelineLayout, error)
	DestroyPipelineLayout(layout core1_0.PipelineLayout)
	CreateGraphicsPipeline(info core1_0.GraphicsPipelineCreateInfo) (core1_0.Pipeline, error)
	DestroyPipeline(pipeline core1_0.Pipeline)
	CmdBindPipeline(cmd core1_0.CommandBuffer, pipeline core1_0.Pipeline)

	CreateRenderPass(info core1_0.RenderPassCreateInfo) (core1_0.RenderPass, error)
	DestroyRenderPass(pass core1_0.RenderPass)
	CreateFramebuffer(info core1_0.FramebufferCreateInfo) (core1_0.Framebuffer, error)
	DestroyFramebuffer(framebuffer core1_0.Framebuffer)
	CmdBeginRenderPass(cmd core1_0.CommandBuffer, contents core1_0.SubpassContents, info core1_0.RenderPassBeginInfo) error
	CmdEndRenderPass(cmd core1_0.CommandBuffer)
	CmdSetViewport(cmd core1_0.CommandBuffer, viewport core1_0.Viewport)
	CmdSetScissor(cmd core1_0.CommandBuffer, scissor core1_0.Rect2D)
	CmdSetStencilReference(cmd core1_0.CommandBuffer, reference uint32)
	CmdSetStencilCompareMask(cmd core1_0.CommandBuffer, mask uint32)
	CmdSetStencilWriteMask(cmd core1_0.CommandBuffer, mask uint32)

	SurfaceCapabilities(surface khr_surface.Surface) (*khr_surface.SurfaceCapabilities, error)
	SurfaceFormats(surface khr_surface.Surface) ([]khr_surface.SurfaceFormat, error)
	SurfacePresentModes(surface khr_surface.Surface) ([]khr_surface.PresentMode, error)
	CreateSwapchain(info khr_swapchain.SwapchainCreateInfo) (khr_swapchain.Swapchain, error)
	DestroySwapchain(swapchain khr_swapchain.Swapchain)
	SwapchainImages(swapchain khr_swapchain.Swapchain) ([]core1_0.Image, error)
	// AcquireNextImage returns ErrOutOfDate when the swapchain no longer matches the surface.
	AcquireNextImage(swapchain khr_swapchain.Swapchain, timeout time.Duration, signal core1_0.Semaphore) (int, error)
	// QueuePresent returns ErrOutOfDate or ErrSuboptimal when the swapchain should be rebuilt.
	QueuePresent(queue core1_0.Queue, info khr_swapchain.PresentInfo) error

	// ExtendedDynamicState is nil when the device cannot change the extended state at record time.
	ExtendedDynamicState() ExtendedDynamicState
}

// ExtendedDynamicState records the pipeline state introduced by VK_EXT_extended_dynamic_state.
type ExtendedDynamicState interface {
	CmdSetPrimitiveTopology(cmd core1_0.CommandBuffer, topology core1_0.PrimitiveTopology)
	CmdSetFrontFace(cmd core1_0.CommandBuffer, face core1_0.FrontFace)
	CmdSetDepthTestEnable(cmd core1_0.CommandBuffer, enabled bool)
	CmdSetDepthWriteEnable(cmd core1_0.CommandBuffer, enabled bool)
	CmdSetStencilTestEnable(cmd core1_0.CommandBuffer, enabled bool)
	CmdSetStencilOp(cmd core1_0.CommandBuffer, failOp, passOp, depthFailOp core1_0.StencilOp, compareOp core1_0.CompareOp)
}
