package texture

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/backend/buffer"
	"github.com/vkngwrapper/backend/command"
	"github.com/vkngwrapper/backend/device"
	"github.com/vkngwrapper/backend/handle"
	"github.com/vkngwrapper/backend/internal/vkapi/vkapitest"
)

func newManager(t *testing.T, imageCount int) (*Manager, *device.Device, *vkapitest.Device) {
	api := vkapitest.New()
	dev, err := device.New(api, device.Options{})
	require.NoError(t, err)
	m, err := NewManager(dev, imageCount)
	require.NoError(t, err)
	return m, dev, api
}

func TestDefaults(t *testing.T) {
	m, _, api := newManager(t, 3)

	texHandle, samplerHandle := m.Defaults()
	tex, err := m.Resolve(texHandle)
	require.NoError(t, err)
	assert.Equal(t, 1, tex.Width)
	assert.Equal(t, core1_0.FormatR8G8B8A8UnsignedNormalized, tex.Format)
	assert.Equal(t, uint32(1), tex.Generation)
	assert.Equal(t, core1_0.ImageLayoutShaderReadOnlyOptimal, tex.Images[0].Layout)

	_, err = m.ResolveSampler(samplerHandle)
	require.NoError(t, err)
	assert.Equal(t, 1, api.Calls("CmdCopyBufferToImage"))
	assert.Equal(t, 1, api.Calls("CreateSampler"))
}

func TestWriteDataRejectsWrongSize(t *testing.T) {
	m, _, _ := newManager(t, 3)
	h, err := m.Acquire(Desc{Name: "t", Width: 2, Height: 2, ChannelCount: 4})
	require.NoError(t, err)

	_, err = m.WriteData(h, make([]byte, 15), nil)
	require.Error(t, err)
}

func TestDeferredWrite(t *testing.T) {
	m, dev, api := newManager(t, 3)
	h, err := m.Acquire(Desc{Name: "frames", Width: 2, Height: 2, ChannelCount: 4, Flags: PerFrame})
	require.NoError(t, err)
	tex, err := m.Resolve(h)
	require.NoError(t, err)
	require.Len(t, tex.Images, 3)

	staging, err := buffer.Create(dev, buffer.Staging, 1024, true)
	require.NoError(t, err)
	cmd, err := command.Allocate(dev.API, dev.CommandPool, true)
	require.NoError(t, err)
	require.NoError(t, cmd.Begin(false, false, false))

	copies := api.Calls("CmdCopyBufferToImage")
	deferred, err := m.WriteData(h, make([]byte, 16), &Recording{Cmd: cmd, Staging: staging, ImageIndex: 1})
	require.NoError(t, err)
	assert.True(t, deferred)
	assert.Equal(t, uint32(0), tex.Generation)
	assert.Equal(t, copies+1, api.Calls("CmdCopyBufferToImage"))

	assert.Equal(t, core1_0.ImageLayoutUndefined, tex.Images[0].Layout)
	assert.Equal(t, core1_0.ImageLayoutShaderReadOnlyOptimal, tex.Images[1].Layout)

	_, err = staging.Allocate(1024 - 16)
	require.NoError(t, err)
	_, err = staging.Allocate(1)
	assert.True(t, errors.Is(err, buffer.ErrOutOfSpace))

	require.NoError(t, m.BumpGeneration(h))
	assert.Equal(t, uint32(1), tex.Generation)
}

func TestImmediateWriteFillsEveryImage(t *testing.T) {
	m, _, _ := newManager(t, 2)
	h, err := m.Acquire(Desc{Name: "frames", Width: 1, Height: 1, Flags: PerFrame})
	require.NoError(t, err)

	deferred, err := m.WriteData(h, []byte{1, 2, 3, 4}, nil)
	require.NoError(t, err)
	assert.False(t, deferred)

	tex, err := m.Resolve(h)
	require.NoError(t, err)
	for _, img := range tex.Images {
		assert.Equal(t, core1_0.ImageLayoutShaderReadOnlyOptimal, img.Layout)
	}
	assert.Equal(t, uint32(1), tex.Generation)
}

func TestReleaseInvalidatesHandle(t *testing.T) {
	m, _, api := newManager(t, 3)
	h, err := m.Acquire(Desc{Name: "t", Width: 4, Height: 4})
	require.NoError(t, err)
	stale := h

	require.NoError(t, m.Release(&h))
	assert.Equal(t, handle.Invalid, h)
	assert.Equal(t, 1, api.Calls("DestroyImage"))

	_, err = m.Resolve(stale)
	assert.True(t, errors.Is(err, handle.ErrStaleHandle))
	assert.True(t, errors.Is(m.Release(&stale), handle.ErrStaleHandle))

	again, err := m.Acquire(Desc{Name: "u", Width: 4, Height: 4})
	require.NoError(t, err)
	assert.Equal(t, stale.Index, again.Index)
	_, err = m.Resolve(stale)
	assert.Error(t, err)
}

func TestResize(t *testing.T) {
	m, _, api := newManager(t, 3)
	h, err := m.Acquire(Desc{Name: "t", Width: 4, Height: 4})
	require.NoError(t, err)

	require.NoError(t, m.Resize(h, 8, 2))
	tex, err := m.Resolve(h)
	require.NoError(t, err)
	assert.Equal(t, 8, tex.Width)
	assert.Equal(t, 2, tex.Height)
	assert.Equal(t, uint32(1), tex.Generation)
	assert.Len(t, tex.Images, 1)
	assert.Equal(t, 1, api.Calls("DestroyImage"))
}

func TestFailedResizeKeepsOldImages(t *testing.T) {
	m, _, api := newManager(t, 3)
	h, err := m.Acquire(Desc{Name: "frames", Width: 4, Height: 4, Flags: PerFrame})
	require.NoError(t, err)
	tex, err := m.Resolve(h)
	require.NoError(t, err)
	old := append([]Image(nil), tex.Images...)

	api.FailImageAt = api.Calls("CreateImage") + 2
	err = m.Resize(h, 8, 8)
	require.Error(t, err)

	assert.Equal(t, old, tex.Images)
	assert.Equal(t, 4, tex.Width)
	assert.Equal(t, 4, tex.Height)
	assert.Zero(t, tex.Generation)
	assert.Equal(t, 1, api.Calls("DestroyImage"))
	assert.NotPanics(t, func() { tex.Image(5) })

	api.FailImageAt = 0
	require.NoError(t, m.Resize(h, 8, 8))
	assert.Len(t, tex.Images, 3)
	assert.Equal(t, 8, tex.Width)
	assert.Equal(t, 1+3, api.Calls("DestroyImage"))
}

func TestStagedWriteUsesAlignedOffset(t *testing.T) {
	m, dev, api := newManager(t, 3)
	h, err := m.Acquire(Desc{Name: "t", Width: 1, Height: 1})
	require.NoError(t, err)
	staging, err := buffer.Create(dev, buffer.Staging, 256, true)
	require.NoError(t, err)
	cmd, err := command.Allocate(dev.API, dev.CommandPool, true)
	require.NoError(t, err)
	require.NoError(t, cmd.Begin(false, false, false))

	_, err = staging.Allocate(3)
	require.NoError(t, err)
	deferred, err := m.WriteData(h, []byte{1, 2, 3, 4}, &Recording{Cmd: cmd, Staging: staging})
	require.NoError(t, err)
	assert.True(t, deferred)

	require.NotEmpty(t, api.ImageCopies)
	last := api.ImageCopies[len(api.ImageCopies)-1]
	assert.Equal(t, buffer.MinAlignment, last.BufferOffset)
	got, err := staging.Read(buffer.MinAlignment, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)
}

func TestDepthTexture(t *testing.T) {
	m, dev, _ := newManager(t, 3)
	h, err := m.Acquire(Desc{Name: "depth", Width: 4, Height: 4, Flags: Depth})
	require.NoError(t, err)
	tex, err := m.Resolve(h)
	require.NoError(t, err)
	assert.Equal(t, dev.DepthFormat, tex.Format)
	assert.Equal(t, core1_0.ImageAspectDepth, tex.Images[0].Range.AspectMask)

	_, err = m.WriteData(h, make([]byte, 64), nil)
	assert.Error(t, err)
}

func TestWrapDoesNotOwnImages(t *testing.T) {
	m, _, api := newManager(t, 3)
	images := []Image{{}, {}, {}}
	h := m.Wrap("swapchain", images, core1_0.FormatB8G8R8A8SRGB, 640, 480, PerFrame)

	tex, err := m.Resolve(h)
	require.NoError(t, err)
	assert.Len(t, tex.Images, 3)
	assert.Error(t, m.Resize(h, 10, 10))

	require.NoError(t, m.Rewrap(h, images[:2], core1_0.FormatB8G8R8A8SRGB, 800, 600))
	assert.Equal(t, 800, tex.Width)
	assert.Equal(t, uint32(1), tex.Generation)

	require.NoError(t, m.Release(&h))
	assert.Equal(t, 0, api.Calls("DestroyImage"))
	assert.Equal(t, 0, api.Calls("DestroyImageView"))
}

func TestReadPixel(t *testing.T) {
	m, _, api := newManager(t, 3)
	h, err := m.Acquire(Desc{Name: "t", Width: 4, Height: 4, ChannelCount: 3})
	require.NoError(t, err)

	_, err = m.ReadPixel(h, 4, 0)
	require.Error(t, err)

	px, err := m.ReadPixel(h, 1, 2)
	require.NoError(t, err)
	assert.Len(t, px, 3)
	assert.Equal(t, 1, api.Calls("CmdCopyImageToBuffer"))
}

func TestSamplerLifecycle(t *testing.T) {
	m, _, api := newManager(t, 3)
	h, err := m.AcquireSampler(SamplerConfig{MinFilter: core1_0.FilterNearest, MagFilter: core1_0.FilterNearest, Anisotropy: 16})
	require.NoError(t, err)

	require.NoError(t, m.RefreshSampler(h, DefaultSamplerConfig()))
	s, err := m.ResolveSampler(h)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), s.Generation)
	assert.True(t, s.Config.Repeat)
	assert.Equal(t, 1, api.Calls("DestroySampler"))

	stale := h
	require.NoError(t, m.ReleaseSampler(&h))
	assert.True(t, errors.Is(m.ReleaseSampler(&stale), handle.ErrStaleHandle))
}

func TestDestroyReleasesEverything(t *testing.T) {
	m, _, api := newManager(t, 3)
	_, err := m.Acquire(Desc{Name: "t", Width: 4, Height: 4})
	require.NoError(t, err)

	m.Destroy()
	assert.Equal(t, 2, api.Calls("DestroyImage"))
	assert.Equal(t, 1, api.Calls("DestroySampler"))
	assert.Equal(t, 0, m.textures.Live())
}
