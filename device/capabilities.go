package device

import (
	"github.com/vkngwrapper/core/v3/core1_0"
)

// ExtendedDynamicStateExtensionName names VK_EXT_extended_dynamic_state.
const ExtendedDynamicStateExtensionName = "VK_EXT_extended_dynamic_state"

// Capabilities records the optional device features the backend adapts to.
// It is detected once when the device opens and never changes afterwards.
type Capabilities struct {
	ExtendedDynamicState   bool
	DeviceLocalHostVisible bool
	SamplerAnisotropy      bool
	FillModeNonSolid       bool
}

// DetectCapabilities derives Capabilities from the device features, the available
// device extensions and the memory types.
func DetectCapabilities(features *core1_0.PhysicalDeviceFeatures, extensions []string, memoryTypes []core1_0.MemoryPropertyFlags) Capabilities {
	var caps Capabilities
	if features != nil {
		caps.SamplerAnisotropy = features.SamplerAnisotropy
		caps.FillModeNonSolid = features.FillModeNonSolid
	}

	for _, ext := range extensions {
		if ext == ExtendedDynamicStateExtensionName {
			caps.ExtendedDynamicState = true
		}
	}

	want := core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostVisible
	for _, flags := range memoryTypes {
		if flags&want == want {
			caps.DeviceLocalHostVisible = true
			break
		}
	}
	return caps
}
