// Package vkapitest provides an in-memory vkapi.Device for tests.
package vkapitest

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_surface"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"

	"github.com/vkngwrapper/backend/internal/vkapi"
)

// Fence is a simulated fence. Work submitted with it completes when it is waited on.
type Fence struct {
	ID       int
	Signaled bool
}

func (f *Fence) Handle() core1_0.Fence { return core1_0.Fence{} }

// Memory is a host-backed allocation.
type Memory struct {
	ID        int
	TypeIndex int
	Bytes     []byte
	Mapped    bool
}

func (m *Memory) Handle() core1_0.DeviceMemory { return core1_0.DeviceMemory{} }

// Submission is one QueueSubmit with a fence.
type Submission struct {
	Seq       int
	Fence     *Fence
	Completed bool
}

// Device records every call made against it.
type Device struct {
	mu sync.Mutex

	calls map[string]int

	// Types lists the memory types reported by MemoryTypes.
	Types []core1_0.MemoryPropertyFlags
	// Features reported for FormatFeatures, keyed by format. Missing formats report none.
	Features map[core1_0.Format]core1_0.FormatFeatureFlags

	Capabilities khr_surface.SurfaceCapabilities
	ImageCount   int
	Formats      []khr_surface.SurfaceFormat
	PresentModes []khr_surface.PresentMode

	// AcquireErrors and PresentErrors are returned, in order, before normal results resume.
	AcquireErrors []error
	PresentErrors []error
	// FailPipelineAt fails the n-th CreateGraphicsPipeline call (1-based). Zero disables.
	FailPipelineAt int
	// FailImageAt fails the n-th CreateImage call (1-based). Zero disables.
	FailImageAt int
	// DynamicState makes ExtendedDynamicState report support.
	DynamicState bool

	Submissions []*Submission
	SetLayouts  [][]core1_0.DescriptorSetLayoutBinding
	Pools       []core1_0.DescriptorPoolCreateInfo
	Pipelines   []core1_0.GraphicsPipelineCreateInfo
	Writes      [][]core1_0.WriteDescriptorSet
	PushData    [][]byte
	Copies      []core1_0.BufferCopy
	ImageCopies []core1_0.BufferImageCopy
	Contents    []core1_0.SubpassContents
	Inheritance []core1_0.CommandBufferInheritanceInfo
	Memories    []*Memory
	LiveSets    int
	LiveModules int
	LivePipes   int

	lastSize    int
	nextFence   int
	nextImage   int
	nextSubmit  int
	pipelineNum int
	imageNum    int
}

// New returns a device with one device-local and one host-visible coherent memory type
// and a 640x480 surface with three swapchain images.
func New() *Device {
	return &Device{
		calls: map[string]int{},
		Types: []core1_0.MemoryPropertyFlags{
			core1_0.MemoryPropertyDeviceLocal,
			core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
		},
		Features: map[core1_0.Format]core1_0.FormatFeatureFlags{
			core1_0.FormatD32SignedFloat: core1_0.FormatFeatureDepthStencilAttachment,
		},
		Capabilities: khr_surface.SurfaceCapabilities{
			MinImageCount:  2,
			MaxImageCount:  3,
			CurrentExtent:  core1_0.Extent2D{Width: 640, Height: 480},
			MinImageExtent: core1_0.Extent2D{Width: 1, Height: 1},
			MaxImageExtent: core1_0.Extent2D{Width: 4096, Height: 4096},
		},
		ImageCount: 3,
		Formats: []khr_surface.SurfaceFormat{
			{Format: core1_0.FormatB8G8R8A8SRGB, ColorSpace: khr_surface.ColorSpaceSRGBNonlinear},
		},
		PresentModes: []khr_surface.PresentMode{khr_surface.PresentModeFIFO, khr_surface.PresentModeMailbox},
	}
}

func (d *Device) record(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls[name]++
}

// Calls returns how many times the named method was called.
func (d *Device) Calls(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[name]
}

// ResetCalls clears every call counter.
func (d *Device) ResetCalls() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = map[string]int{}
}

// Completed returns how many fenced submissions the simulated GPU has finished.
func (d *Device) Completed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, s := range d.Submissions {
		if s.Completed {
			n++
		}
	}
	return n
}

func (d *Device) WaitIdle() error {
	d.record("WaitIdle")
	d.completeThrough(len(d.Submissions))
	return nil
}

func (d *Device) QueueWaitIdle(core1_0.Queue) error {
	d.record("QueueWaitIdle")
	return nil
}

func (d *Device) QueueSubmit(_ core1_0.Queue, f vkapi.Fence, _ ...core1_0.SubmitInfo) error {
	d.record("QueueSubmit")
	if f == nil {
		return nil
	}
	fence := f.(*Fence)
	if fence.Signaled {
		return errors.Newf("fence %d submitted while signalled", fence.ID)
	}
	d.mu.Lock()
	d.nextSubmit++
	d.Submissions = append(d.Submissions, &Submission{Seq: d.nextSubmit, Fence: fence})
	d.mu.Unlock()
	return nil
}

// completeThrough finishes every pending submission up to and including seq, in order.
func (d *Device) completeThrough(seq int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.Submissions {
		if s.Seq > seq || s.Completed {
			continue
		}
		s.Completed = true
		s.Fence.Signaled = true
	}
}

func (d *Device) CreateFence(signaled bool) (vkapi.Fence, error) {
	d.record("CreateFence")
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextFence++
	return &Fence{ID: d.nextFence, Signaled: signaled}, nil
}

func (d *Device) DestroyFence(vkapi.Fence) { d.record("DestroyFence") }

func (d *Device) WaitForFence(f vkapi.Fence, _ time.Duration) error {
	d.record("WaitForFence")
	fence := f.(*Fence)
	if fence.Signaled {
		return nil
	}
	last := 0
	d.mu.Lock()
	for _, s := range d.Submissions {
		if s.Fence == fence && !s.Completed {
			last = s.Seq
		}
	}
	d.mu.Unlock()
	if last == 0 {
		return errors.Newf("fence %d waited on with no pending work", fence.ID)
	}
	d.completeThrough(last)
	return nil
}

func (d *Device) ResetFence(f vkapi.Fence) error {
	d.record("ResetFence")
	f.(*Fence).Signaled = false
	return nil
}

func (d *Device) CreateSemaphore() (core1_0.Semaphore, error) {
	d.record("CreateSemaphore")
	return core1_0.Semaphore{}, nil
}

func (d *Device) DestroySemaphore(core1_0.Semaphore) { d.record("DestroySemaphore") }

func (d *Device) CreateCommandPool(int) (core1_0.CommandPool, error) {
	d.record("CreateCommandPool")
	return core1_0.CommandPool{}, nil
}

func (d *Device) DestroyCommandPool(core1_0.CommandPool) { d.record("DestroyCommandPool") }

func (d *Device) AllocateCommandBuffers(_ core1_0.CommandPool, _ core1_0.CommandBufferLevel, count int) ([]core1_0.CommandBuffer, error) {
	d.record("AllocateCommandBuffers")
	return make([]core1_0.CommandBuffer, count), nil
}

func (d *Device) FreeCommandBuffers(buffers ...core1_0.CommandBuffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls["FreeCommandBuffers"] += len(buffers)
}

func (d *Device) BeginCommandBuffer(_ core1_0.CommandBuffer, info core1_0.CommandBufferBeginInfo) error {
	d.record("BeginCommandBuffer")
	if info.InheritanceInfo != nil {
		d.mu.Lock()
		d.Inheritance = append(d.Inheritance, *info.InheritanceInfo)
		d.mu.Unlock()
	}
	return nil
}

func (d *Device) EndCommandBuffer(core1_0.CommandBuffer) error {
	d.record("EndCommandBuffer")
	return nil
}

func (d *Device) ResetCommandBuffer(core1_0.CommandBuffer) error {
	d.record("ResetCommandBuffer")
	return nil
}

func (d *Device) CmdExecuteCommands(core1_0.CommandBuffer, ...core1_0.CommandBuffer) {
	d.record("CmdExecuteCommands")
}

func (d *Device) MemoryTypes() []core1_0.MemoryPropertyFlags { return d.Types }

func (d *Device) AllocateMemory(size int, memoryTypeIndex int) (vkapi.Memory, error) {
	d.record("AllocateMemory")
	d.mu.Lock()
	defer d.mu.Unlock()
	m := &Memory{ID: len(d.Memories) + 1, TypeIndex: memoryTypeIndex, Bytes: make([]byte, size)}
	d.Memories = append(d.Memories, m)
	return m, nil
}

func (d *Device) FreeMemory(vkapi.Memory) { d.record("FreeMemory") }

func (d *Device) MapMemory(m vkapi.Memory, offset, size int) ([]byte, error) {
	d.record("MapMemory")
	mem := m.(*Memory)
	if d.Types[mem.TypeIndex]&core1_0.MemoryPropertyHostVisible == 0 {
		return nil, errors.New("mapping memory that is not host visible")
	}
	if offset+size > len(mem.Bytes) {
		return nil, errors.Newf("map range %d+%d exceeds allocation of %d", offset, size, len(mem.Bytes))
	}
	mem.Mapped = true
	return mem.Bytes[offset : offset+size], nil
}

func (d *Device) UnmapMemory(m vkapi.Memory) {
	d.record("UnmapMemory")
	m.(*Memory).Mapped = false
}

func (d *Device) FlushMemory(vkapi.Memory, int, int) error {
	d.record("FlushMemory")
	return nil
}

// CreateBuffer remembers the size so the following BufferMemoryRequirements call can report it.
func (d *Device) CreateBuffer(size int, _ core1_0.BufferUsageFlags) (core1_0.Buffer, error) {
	d.record("CreateBuffer")
	d.mu.Lock()
	d.lastSize = size
	d.mu.Unlock()
	return core1_0.Buffer{}, nil
}

func (d *Device) DestroyBuffer(core1_0.Buffer) { d.record("DestroyBuffer") }

func (d *Device) BufferMemoryRequirements(core1_0.Buffer) vkapi.MemoryRequirements {
	d.mu.Lock()
	defer d.mu.Unlock()
	return vkapi.MemoryRequirements{Size: d.lastSize, Alignment: 4, MemoryTypeBits: allTypes}
}

const allTypes = ^uint32(0)

func (d *Device) BindBufferMemory(core1_0.Buffer, vkapi.Memory, int) error {
	d.record("BindBufferMemory")
	return nil
}

func (d *Device) CmdCopyBuffer(_ core1_0.CommandBuffer, _, _ core1_0.Buffer, regions ...core1_0.BufferCopy) error {
	d.record("CmdCopyBuffer")
	d.mu.Lock()
	d.Copies = append(d.Copies, regions...)
	d.mu.Unlock()
	return nil
}

func (d *Device) CmdBindVertexBuffers(core1_0.CommandBuffer, int, []core1_0.Buffer, []int) {
	d.record("CmdBindVertexBuffers")
}

func (d *Device) CmdBindIndexBuffer(core1_0.CommandBuffer, core1_0.Buffer, int, core1_0.IndexType) {
	d.record("CmdBindIndexBuffer")
}

func (d *Device) CmdDraw(core1_0.CommandBuffer, int, int, int, int) { d.record("CmdDraw") }

func (d *Device) CmdDrawIndexed(core1_0.CommandBuffer, int, int, int, int, int) {
	d.record("CmdDrawIndexed")
}

func (d *Device) CreateImage(info core1_0.ImageCreateInfo) (core1_0.Image, error) {
	d.record("CreateImage")
	d.mu.Lock()
	defer d.mu.Unlock()
	d.imageNum++
	if d.FailImageAt != 0 && d.imageNum == d.FailImageAt {
		return core1_0.Image{}, errors.New("image creation failed")
	}
	d.lastSize = info.Extent.Width * info.Extent.Height * 4
	return core1_0.Image{}, nil
}

func (d *Device) DestroyImage(core1_0.Image) { d.record("DestroyImage") }

func (d *Device) ImageMemoryRequirements(core1_0.Image) vkapi.MemoryRequirements {
	d.mu.Lock()
	defer d.mu.Unlock()
	return vkapi.MemoryRequirements{Size: d.lastSize, Alignment: 4, MemoryTypeBits: allTypes}
}

func (d *Device) BindImageMemory(core1_0.Image, vkapi.Memory, int) error {
	d.record("BindImageMemory")
	return nil
}

func (d *Device) CreateImageView(core1_0.ImageViewCreateInfo) (core1_0.ImageView, error) {
	d.record("CreateImageView")
	return core1_0.ImageView{}, nil
}

func (d *Device) DestroyImageView(core1_0.ImageView) { d.record("DestroyImageView") }

func (d *Device) CreateSampler(core1_0.SamplerCreateInfo) (core1_0.Sampler, error) {
	d.record("CreateSampler")
	return core1_0.Sampler{}, nil
}

func (d *Device) DestroySampler(core1_0.Sampler) { d.record("DestroySampler") }

func (d *Device) FormatFeatures(format core1_0.Format) core1_0.FormatFeatureFlags {
	return d.Features[format]
}

func (d *Device) CmdPipelineBarrier(core1_0.CommandBuffer, core1_0.PipelineStageFlags, core1_0.PipelineStageFlags, ...core1_0.ImageMemoryBarrier) error {
	d.record("CmdPipelineBarrier")
	return nil
}

func (d *Device) CmdCopyBufferToImage(_ core1_0.CommandBuffer, _ core1_0.Buffer, _ core1_0.Image, _ core1_0.ImageLayout, regions ...core1_0.BufferImageCopy) error {
	d.record("CmdCopyBufferToImage")
	d.mu.Lock()
	d.ImageCopies = append(d.ImageCopies, regions...)
	d.mu.Unlock()
	return nil
}

func (d *Device) CmdCopyImageToBuffer(core1_0.CommandBuffer, core1_0.Image, core1_0.ImageLayout, core1_0.Buffer, ...core1_0.BufferImageCopy) error {
	d.record("CmdCopyImageToBuffer")
	return nil
}

func (d *Device) CreateDescriptorSetLayout(bindings []core1_0.DescriptorSetLayoutBinding) (core1_0.DescriptorSetLayout, error) {
	d.record("CreateDescriptorSetLayout")
	d.mu.Lock()
	d.SetLayouts = append(d.SetLayouts, bindings)
	d.mu.Unlock()
	return core1_0.DescriptorSetLayout{}, nil
}

func (d *Device) DestroyDescriptorSetLayout(core1_0.DescriptorSetLayout) {
	d.record("DestroyDescriptorSetLayout")
}

func (d *Device) CreateDescriptorPool(info core1_0.DescriptorPoolCreateInfo) (core1_0.DescriptorPool, error) {
	d.record("CreateDescriptorPool")
	d.mu.Lock()
	d.Pools = append(d.Pools, info)
	d.mu.Unlock()
	return core1_0.DescriptorPool{}, nil
}

func (d *Device) DestroyDescriptorPool(core1_0.DescriptorPool) { d.record("DestroyDescriptorPool") }

func (d *Device) AllocateDescriptorSets(_ core1_0.DescriptorPool, layouts ...core1_0.DescriptorSetLayout) ([]core1_0.DescriptorSet, error) {
	d.record("AllocateDescriptorSets")
	d.mu.Lock()
	d.LiveSets += len(layouts)
	d.mu.Unlock()
	return make([]core1_0.DescriptorSet, len(layouts)), nil
}

func (d *Device) FreeDescriptorSets(sets ...core1_0.DescriptorSet) error {
	d.record("FreeDescriptorSets")
	d.mu.Lock()
	d.LiveSets -= len(sets)
	d.mu.Unlock()
	return nil
}

func (d *Device) UpdateDescriptorSets(writes []core1_0.WriteDescriptorSet) error {
	d.record("UpdateDescriptorSets")
	d.mu.Lock()
	d.Writes = append(d.Writes, writes)
	d.mu.Unlock()
	return nil
}

func (d *Device) CmdBindDescriptorSets(core1_0.CommandBuffer, core1_0.PipelineLayout, int, ...core1_0.DescriptorSet) {
	d.record("CmdBindDescriptorSets")
}

func (d *Device) CmdPushConstants(_ core1_0.CommandBuffer, _ core1_0.PipelineLayout, _ core1_0.ShaderStageFlags, _ int, data []byte) {
	d.record("CmdPushConstants")
	d.mu.Lock()
	d.PushData = append(d.PushData, append([]byte(nil), data...))
	d.mu.Unlock()
}

func (d *Device) CreateShaderModule([]uint32) (core1_0.ShaderModule, error) {
	d.record("CreateShaderModule")
	d.mu.Lock()
	d.LiveModules++
	d.mu.Unlock()
	return core1_0.ShaderModule{}, nil
}

func (d *Device) DestroyShaderModule(core1_0.ShaderModule) {
	d.record("DestroyShaderModule")
	d.mu.Lock()
	d.LiveModules--
	d.mu.Unlock()
}

func (d *Device) CreatePipelineLayout(core1_0.PipelineLayoutCreateInfo) (core1_0.PipelineLayout, error) {
	d.record("CreatePipelineLayout")
	return core1_0.PipelineLayout{}, nil
}

func (d *Device) DestroyPipelineLayout(core1_0.PipelineLayout) { d.record("DestroyPipelineLayout") }

func (d *Device) CreateGraphicsPipeline(info core1_0.GraphicsPipelineCreateInfo) (core1_0.Pipeline, error) {
	d.record("CreateGraphicsPipeline")
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Pipelines = append(d.Pipelines, info)
	d.pipelineNum++
	if d.FailPipelineAt != 0 && d.pipelineNum == d.FailPipelineAt {
		return core1_0.Pipeline{}, errors.New("pipeline creation failed")
	}
	d.LivePipes++
	return core1_0.Pipeline{}, nil
}

func (d *Device) DestroyPipeline(core1_0.Pipeline) {
	d.record("DestroyPipeline")
	d.mu.Lock()
	d.LivePipes--
	d.mu.Unlock()
}

func (d *Device) CmdBindPipeline(core1_0.CommandBuffer, core1_0.Pipeline) {
	d.record("CmdBindPipeline")
}

func (d *Device) CreateRenderPass(core1_0.RenderPassCreateInfo) (core1_0.RenderPass, error) {
	d.record("CreateRenderPass")
	return core1_0.RenderPass{}, nil
}

func (d *Device) DestroyRenderPass(core1_0.RenderPass) { d.record("DestroyRenderPass") }

func (d *Device) CreateFramebuffer(core1_0.FramebufferCreateInfo) (core1_0.Framebuffer, error) {
	d.record("CreateFramebuffer")
	return core1_0.Framebuffer{}, nil
}

func (d *Device) DestroyFramebuffer(core1_0.Framebuffer) { d.record("DestroyFramebuffer") }

func (d *Device) CmdBeginRenderPass(_ core1_0.CommandBuffer, contents core1_0.SubpassContents, _ core1_0.RenderPassBeginInfo) error {
	d.record("CmdBeginRenderPass")
	d.mu.Lock()
	d.Contents = append(d.Contents, contents)
	d.mu.Unlock()
	return nil
}

func (d *Device) CmdEndRenderPass(core1_0.CommandBuffer) { d.record("CmdEndRenderPass") }

func (d *Device) CmdSetViewport(core1_0.CommandBuffer, core1_0.Viewport) { d.record("CmdSetViewport") }

func (d *Device) CmdSetScissor(core1_0.CommandBuffer, core1_0.Rect2D) { d.record("CmdSetScissor") }

func (d *Device) CmdSetStencilReference(core1_0.CommandBuffer, uint32) {
	d.record("CmdSetStencilReference")
}

func (d *Device) CmdSetStencilCompareMask(core1_0.CommandBuffer, uint32) {
	d.record("CmdSetStencilCompareMask")
}

func (d *Device) CmdSetStencilWriteMask(core1_0.CommandBuffer, uint32) {
	d.record("CmdSetStencilWriteMask")
}

func (d *Device) SurfaceCapabilities(khr_surface.Surface) (*khr_surface.SurfaceCapabilities, error) {
	d.record("SurfaceCapabilities")
	caps := d.Capabilities
	return &caps, nil
}

func (d *Device) SurfaceFormats(khr_surface.Surface) ([]khr_surface.SurfaceFormat, error) {
	return d.Formats, nil
}

func (d *Device) SurfacePresentModes(khr_surface.Surface) ([]khr_surface.PresentMode, error) {
	return d.PresentModes, nil
}

func (d *Device) CreateSwapchain(khr_swapchain.SwapchainCreateInfo) (khr_swapchain.Swapchain, error) {
	d.record("CreateSwapchain")
	d.nextImage = 0
	return khr_swapchain.Swapchain{}, nil
}

func (d *Device) DestroySwapchain(khr_swapchain.Swapchain) { d.record("DestroySwapchain") }

func (d *Device) SwapchainImages(khr_swapchain.Swapchain) ([]core1_0.Image, error) {
	return make([]core1_0.Image, d.ImageCount), nil
}

func (d *Device) AcquireNextImage(khr_swapchain.Swapchain, time.Duration, core1_0.Semaphore) (int, error) {
	d.record("AcquireNextImage")
	if len(d.AcquireErrors) > 0 {
		err := d.AcquireErrors[0]
		d.AcquireErrors = d.AcquireErrors[1:]
		return 0, err
	}
	index := d.nextImage
	d.nextImage = (d.nextImage + 1) % d.ImageCount
	return index, nil
}

func (d *Device) QueuePresent(core1_0.Queue, khr_swapchain.PresentInfo) error {
	d.record("QueuePresent")
	if len(d.PresentErrors) > 0 {
		err := d.PresentErrors[0]
		d.PresentErrors = d.PresentErrors[1:]
		return err
	}
	return nil
}

func (d *Device) ExtendedDynamicState() vkapi.ExtendedDynamicState {
	if !d.DynamicState {
		return nil
	}
	return dynamicState{d}
}

type dynamicState struct{ d *Device }

func (s dynamicState) CmdSetPrimitiveTopology(core1_0.CommandBuffer, core1_0.PrimitiveTopology) {
	s.d.record("CmdSetPrimitiveTopology")
}

func (s dynamicState) CmdSetFrontFace(core1_0.CommandBuffer, core1_0.FrontFace) {
	s.d.record("CmdSetFrontFace")
}

func (s dynamicState) CmdSetDepthTestEnable(core1_0.CommandBuffer, bool) {
	s.d.record("CmdSetDepthTestEnable")
}

func (s dynamicState) CmdSetDepthWriteEnable(core1_0.CommandBuffer, bool) {
	s.d.record("CmdSetDepthWriteEnable")
}

func (s dynamicState) CmdSetStencilTestEnable(core1_0.CommandBuffer, bool) {
	s.d.record("CmdSetStencilTestEnable")
}

func (s dynamicState) CmdSetStencilOp(core1_0.CommandBuffer, core1_0.StencilOp, core1_0.StencilOp, core1_0.StencilOp, core1_0.CompareOp) {
	s.d.record("CmdSetStencilOp")
}

var _ vkapi.Device = (*Device)(nil)
