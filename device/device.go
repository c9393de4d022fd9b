// Package device owns the logical device, its queues and the capability flags that
// gate optional behaviour in the rest of the backend.
package device

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/backend/internal/logging"
	"github.com/vkngwrapper/backend/internal/vkapi"
)

// Limits holds the physical device limits the backend depends on.
type Limits struct {
	MinUniformBufferOffsetAlignment int
	MaxSamplerAnisotropy            float32
	MaxPushConstantsSize            int
}

// Options describes an opened logical device.
type Options struct {
	GraphicsQueue       core1_0.Queue
	PresentQueue        core1_0.Queue
	GraphicsQueueFamily int
	PresentQueueFamily  int
	Capabilities        Capabilities
	Limits              Limits
	// Destroy releases the logical device itself. It runs last in Device.Destroy.
	Destroy func()
}

// Device bundles the driver with the state shared by every backend subsystem.
type Device struct {
	API vkapi.Device

	GraphicsQueue       core1_0.Queue
	PresentQueue        core1_0.Queue
	GraphicsQueueFamily int
	PresentQueueFamily  int
	CommandPool         core1_0.CommandPool

	Caps         Capabilities
	Limits       Limits
	DynamicState DynamicState

	DepthFormat       core1_0.Format
	DepthChannelCount int

	destroy func()
}

// New wraps an opened device, creates its graphics command pool and detects the
// depth format.
func New(api vkapi.Device, opts Options) (*Device, error) {
	d := &Device{
		API:                 api,
		GraphicsQueue:       opts.GraphicsQueue,
		PresentQueue:        opts.PresentQueue,
		GraphicsQueueFamily: opts.GraphicsQueueFamily,
		PresentQueueFamily:  opts.PresentQueueFamily,
		Caps:                opts.Capabilities,
		Limits:              opts.Limits,
		DynamicState:        NewDynamicState(api),
		destroy:             opts.Destroy,
	}
	if d.Limits.MinUniformBufferOffsetAlignment <= 0 {
		d.Limits.MinUniformBufferOffsetAlignment = 1
	}
	if d.Caps.ExtendedDynamicState && !d.DynamicState.Supported() {
		logging.Logger().Info("extended dynamic state advertised but not exposed by the driver; pipeline state will be baked")
		d.Caps.ExtendedDynamicState = false
	}

	if err := d.DetectDepthFormat(); err != nil {
		return nil, err
	}

	pool, err := api.CreateCommandPool(d.GraphicsQueueFamily)
	if err != nil {
		return nil, err
	}
	d.CommandPool = pool

	return d, nil
}

var depthCandidates = []struct {
	format   core1_0.Format
	channels int
}{
	{core1_0.FormatD32SignedFloat, 4},
	{core1_0.FormatD32SignedFloatS8UnsignedInt, 4},
	{core1_0.FormatD24UnsignedNormalizedS8UnsignedInt, 3},
}

// DetectDepthFormat picks the first depth format usable as an optimal-tiling
// depth/stencil attachment.
func (d *Device) DetectDepthFormat() error {
	for _, candidate := range depthCandidates {
		features := d.API.FormatFeatures(candidate.format)
		if features&core1_0.FormatFeatureDepthStencilAttachment != 0 {
			d.DepthFormat = candidate.format
			d.DepthChannelCount = candidate.channels
			return nil
		}
	}
	return errors.New("failed to find a supported depth format")
}

// HasStencil reports whether the depth format carries a stencil component.
func (d *Device) HasStencil() bool {
	return d.DepthFormat == core1_0.FormatD32SignedFloatS8UnsignedInt ||
		d.DepthFormat == core1_0.FormatD24UnsignedNormalizedS8UnsignedInt
}

// FindMemoryIndex returns the first memory type allowed by typeBits that has all of flags.
func (d *Device) FindMemoryIndex(typeBits uint32, flags core1_0.MemoryPropertyFlags) (int, error) {
	for i, memoryType := range d.API.MemoryTypes() {
		if typeBits&(1<<uint(i)) != 0 && memoryType&flags == flags {
			return i, nil
		}
	}
	return -1, errors.Newf("failed to find memory type with properties %s", flags)
}

// WaitIdle blocks until the device has finished all submitted work.
func (d *Device) WaitIdle() error {
	return d.API.WaitIdle()
}

// Destroy releases the command pool and the logical device.
func (d *Device) Destroy() {
	d.API.DestroyCommandPool(d.CommandPool)
	if d.destroy != nil {
		d.destroy()
	}
	logging.Logger().Debug("device destroyed", slog.Int("graphicsQueueFamily", d.GraphicsQueueFamily))
}
