package device

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/backend/internal/vkapi/vkapitest"
)

func TestDetectCapabilities(t *testing.T) {
	caps := DetectCapabilities(
		&core1_0.PhysicalDeviceFeatures{SamplerAnisotropy: true},
		[]string{"VK_KHR_swapchain", ExtendedDynamicStateExtensionName},
		[]core1_0.MemoryPropertyFlags{
			core1_0.MemoryPropertyDeviceLocal,
			core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent,
		},
	)

	assert.Equal(t, Capabilities{
		ExtendedDynamicState:   true,
		DeviceLocalHostVisible: true,
		SamplerAnisotropy:      true,
		FillModeNonSolid:       false,
	}, caps)
}

func TestDetectCapabilitiesNothingOptional(t *testing.T) {
	caps := DetectCapabilities(nil, nil, []core1_0.MemoryPropertyFlags{core1_0.MemoryPropertyDeviceLocal})
	assert.Equal(t, Capabilities{}, caps)
}

func TestDepthFormatPreference(t *testing.T) {
	api := vkapitest.New()
	api.Features = map[core1_0.Format]core1_0.FormatFeatureFlags{
		core1_0.FormatD24UnsignedNormalizedS8UnsignedInt: core1_0.FormatFeatureDepthStencilAttachment,
	}

	dev, err := New(api, Options{})
	require.NoError(t, err)
	assert.Equal(t, core1_0.FormatD24UnsignedNormalizedS8UnsignedInt, dev.DepthFormat)
	assert.Equal(t, 3, dev.DepthChannelCount)
	assert.True(t, dev.HasStencil())

	api.Features[core1_0.FormatD32SignedFloat] = core1_0.FormatFeatureDepthStencilAttachment
	require.NoError(t, dev.DetectDepthFormat())
	assert.Equal(t, core1_0.FormatD32SignedFloat, dev.DepthFormat)
	assert.False(t, dev.HasStencil())
}

func TestNoDepthFormat(t *testing.T) {
	api := vkapitest.New()
	api.Features = nil

	_, err := New(api, Options{})
	assert.Error(t, err)
}

func TestFindMemoryIndex(t *testing.T) {
	dev, err := New(vkapitest.New(), Options{})
	require.NoError(t, err)

	index, err := dev.FindMemoryIndex(^uint32(0), core1_0.MemoryPropertyHostVisible)
	require.NoError(t, err)
	assert.Equal(t, 1, index)

	_, err = dev.FindMemoryIndex(0b01, core1_0.MemoryPropertyHostVisible)
	assert.Error(t, err)
}

func TestDynamicStateStrategy(t *testing.T) {
	api := vkapitest.New()
	dev, err := New(api, Options{Capabilities: Capabilities{ExtendedDynamicState: true}})
	require.NoError(t, err)

	assert.False(t, dev.Caps.ExtendedDynamicState)
	assert.False(t, dev.DynamicState.Supported())
	assert.Len(t, dev.DynamicState.States(), 2)
	err = dev.DynamicState.SetFrontFace(core1_0.CommandBuffer{}, core1_0.FrontFaceClockwise)
	assert.True(t, errors.Is(err, ErrDynamicStateUnsupported))

	api.DynamicState = true
	dev, err = New(api, Options{Capabilities: Capabilities{ExtendedDynamicState: true}})
	require.NoError(t, err)
	assert.True(t, dev.DynamicState.Supported())
	assert.Contains(t, dev.DynamicState.States(), DynamicStatePrimitiveTopology)
	require.NoError(t, dev.DynamicState.SetFrontFace(core1_0.CommandBuffer{}, core1_0.FrontFaceClockwise))
	require.NoError(t, dev.DynamicState.SetStencilReference(core1_0.CommandBuffer{}, 1))
	assert.Equal(t, 1, api.Calls("CmdSetFrontFace"))
	assert.Equal(t, 1, api.Calls("CmdSetStencilReference"))
}
