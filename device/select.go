package device

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_portability_subset"
	"github.com/vkngwrapper/extensions/v3/khr_surface"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"

	"github.com/vkngwrapper/backend/internal/logging"
	"github.com/vkngwrapper/backend/internal/vkapi"
)

type queueFamilyIndices struct {
	graphics *int
	present  *int
}

func (i queueFamilyIndices) complete() bool {
	return i.graphics != nil && i.present != nil
}

type candidate struct {
	physicalDevice core1_0.PhysicalDevice
	indices        queueFamilyIndices
	extensions     []string
	features       *core1_0.PhysicalDeviceFeatures
	properties     *core1_0.PhysicalDeviceProperties
}

// Create selects a physical device able to present to surface, opens a logical
// device with a graphics and a present queue, and wraps it.
func Create(instance core1_0.CoreInstanceDriver, surfaceExt khr_surface.ExtensionDriver, surface khr_surface.Surface) (*Device, error) {
	physicalDevices, _, err := instance.EnumeratePhysicalDevices()
	if err != nil {
		return nil, errors.Wrap(err, "enumerate physical devices")
	}

	var chosen *candidate
	for _, physicalDevice := range physicalDevices {
		c, ok, err := inspect(instance, surfaceExt, surface, physicalDevice)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if chosen == nil || (c.properties.DriverType == core1_0.PhysicalDeviceTypeDiscreteGPU &&
			chosen.properties.DriverType != core1_0.PhysicalDeviceTypeDiscreteGPU) {
			chosen = c
		}
	}
	if chosen == nil {
		return nil, errors.New("failed to find a suitable GPU")
	}

	log := logging.Logger()
	log.Info("selected physical device", slog.String("name", chosen.properties.DriverName))

	memProperties := instance.GetPhysicalDeviceMemoryProperties(chosen.physicalDevice)
	var memoryTypes []core1_0.MemoryPropertyFlags
	for _, memoryType := range memProperties.MemoryTypes {
		memoryTypes = append(memoryTypes, memoryType.PropertyFlags)
	}
	caps := DetectCapabilities(chosen.features, chosen.extensions, memoryTypes)
	logCapabilities(log, caps)

	uniqueQueueFamilies := []int{*chosen.indices.graphics}
	if *chosen.indices.present != *chosen.indices.graphics {
		uniqueQueueFamilies = append(uniqueQueueFamilies, *chosen.indices.present)
	}
	var queueInfos []core1_0.DeviceQueueCreateInfo
	for _, family := range uniqueQueueFamilies {
		queueInfos = append(queueInfos, core1_0.DeviceQueueCreateInfo{
			QueueFamilyIndex: family,
			QueuePriorities:  []float32{1.0},
		})
	}

	extensionNames := []string{khr_swapchain.ExtensionName}
	for _, ext := range chosen.extensions {
		if ext == khr_portability_subset.ExtensionName {
			extensionNames = append(extensionNames, ext)
		}
	}

	logicalDevice, _, err := instance.CreateDevice(chosen.physicalDevice, nil, core1_0.DeviceCreateInfo{
		QueueCreateInfos: queueInfos,
		EnabledFeatures: &core1_0.PhysicalDeviceFeatures{
			SamplerAnisotropy: caps.SamplerAnisotropy,
			FillModeNonSolid:  caps.FillModeNonSolid,
		},
		EnabledExtensionNames: extensionNames,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create logical device")
	}
	deviceDriver, err := instance.BuildDeviceDriver(logicalDevice)
	if err != nil {
		return nil, errors.Wrap(err, "build device driver")
	}

	// The core/v3 and extensions/v3 bindings have no commands for
	// VK_EXT_extended_dynamic_state, so the extension is not enabled and New
	// falls back to pipelines with that state baked in.
	api := vkapi.New(instance, chosen.physicalDevice, deviceDriver, surfaceExt, nil)
	limits := chosen.properties.Limits
	return New(api, Options{
		GraphicsQueue:       deviceDriver.GetQueue(*chosen.indices.graphics, 0),
		PresentQueue:        deviceDriver.GetQueue(*chosen.indices.present, 0),
		GraphicsQueueFamily: *chosen.indices.graphics,
		PresentQueueFamily:  *chosen.indices.present,
		Capabilities:        caps,
		Limits: Limits{
			MinUniformBufferOffsetAlignment: limits.MinUniformBufferOffsetAlignment,
			MaxSamplerAnisotropy:            limits.MaxSamplerAnisotropy,
			MaxPushConstantsSize:            limits.MaxPushConstantsSize,
		},
		Destroy: func() { deviceDriver.DestroyDevice(nil) },
	})
}

func inspect(instance core1_0.CoreInstanceDriver, surfaceExt khr_surface.ExtensionDriver, surface khr_surface.Surface, physicalDevice core1_0.PhysicalDevice) (*candidate, bool, error) {
	c := &candidate{physicalDevice: physicalDevice}

	for family, props := range instance.GetPhysicalDeviceQueueFamilyProperties(physicalDevice) {
		if props.QueueFlags&core1_0.QueueGraphics != 0 && c.indices.graphics == nil {
			f := family
			c.indices.graphics = &f
		}
		supported, _, err := surfaceExt.GetPhysicalDeviceSurfaceSupport(surface, physicalDevice, family)
		if err != nil {
			return nil, false, errors.Wrap(err, "query surface support")
		}
		if supported && c.indices.present == nil {
			f := family
			c.indices.present = &f
		}
		if c.indices.complete() {
			break
		}
	}
	if !c.indices.complete() {
		return nil, false, nil
	}

	extensions, _, err := instance.EnumerateDeviceExtensionProperties(physicalDevice)
	if err != nil {
		return nil, false, errors.Wrap(err, "enumerate device extensions")
	}
	if _, ok := extensions[khr_swapchain.ExtensionName]; !ok {
		return nil, false, nil
	}
	for name := range extensions {
		c.extensions = append(c.extensions, name)
	}

	formats, _, err := surfaceExt.GetPhysicalDeviceSurfaceFormats(surface, physicalDevice)
	if err != nil {
		return nil, false, errors.Wrap(err, "query surface formats")
	}
	presentModes, _, err := surfaceExt.GetPhysicalDeviceSurfacePresentModes(surface, physicalDevice)
	if err != nil {
		return nil, false, errors.Wrap(err, "query surface present modes")
	}
	if len(formats) == 0 || len(presentModes) == 0 {
		return nil, false, nil
	}

	c.features = instance.GetPhysicalDeviceFeatures(physicalDevice)
	c.properties, err = instance.GetPhysicalDeviceProperties(physicalDevice)
	if err != nil {
		return nil, false, errors.Wrap(err, "query device properties")
	}
	return c, true, nil
}

func logCapabilities(log *slog.Logger, caps Capabilities) {
	if !caps.ExtendedDynamicState {
		log.Info("extended dynamic state unsupported; pipeline state will be baked")
	}
	if !caps.SamplerAnisotropy {
		log.Warn("sampler anisotropy unsupported; anisotropic filtering disabled")
	}
	if !caps.FillModeNonSolid {
		log.Warn("non-solid fill unsupported; wireframe pipelines disabled")
	}
	if !caps.DeviceLocalHostVisible {
		log.Info("no device-local host-visible memory; uniform buffers use host memory")
	}
}
