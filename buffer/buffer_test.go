package buffer

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/backend/command"
	"github.com/vkngwrapper/backend/device"
	"github.com/vkngwrapper/backend/internal/vkapi/vkapitest"
)

func newDevice(t *testing.T, caps device.Capabilities) (*device.Device, *vkapitest.Device) {
	api := vkapitest.New()
	dev, err := device.New(api, device.Options{Capabilities: caps})
	require.NoError(t, err)
	return dev, api
}

func TestUniformMemoryPolicy(t *testing.T) {
	dev, api := newDevice(t, device.Capabilities{})
	b, err := Create(dev, Uniform, 256, false)
	require.NoError(t, err)
	assert.Equal(t, core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent, b.MemoryFlags)
	assert.Equal(t, 1, api.Calls("MapMemory"))

	api = vkapitest.New()
	api.Types = append(api.Types, core1_0.MemoryPropertyDeviceLocal|core1_0.MemoryPropertyHostVisible)
	dev, err = device.New(api, device.Options{Capabilities: device.Capabilities{DeviceLocalHostVisible: true}})
	require.NoError(t, err)
	b, err = Create(dev, Uniform, 256, false)
	require.NoError(t, err)
	assert.Equal(t, core1_0.MemoryPropertyDeviceLocal|core1_0.MemoryPropertyHostVisible, b.MemoryFlags)
	require.NoError(t, b.Flush(0, 16))
	assert.Equal(t, 1, api.Calls("FlushMemory"))
}

func TestUniformFallsBackToHostMemory(t *testing.T) {
	dev, _ := newDevice(t, device.Capabilities{DeviceLocalHostVisible: true})
	b, err := Create(dev, Uniform, 64, false)
	require.NoError(t, err)
	assert.Equal(t, core1_0.MemoryPropertyHostVisible|core1_0.MemoryPropertyHostCoherent, b.MemoryFlags)
}

func TestHostVisibleLoadAndRead(t *testing.T) {
	dev, api := newDevice(t, device.Capabilities{})
	b, err := Create(dev, Staging, 64, false)
	require.NoError(t, err)

	require.NoError(t, b.LoadRange(8, []byte{1, 2, 3, 4}, nil, nil))
	out, err := b.Read(8, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, out)
	assert.Zero(t, api.Calls("CmdCopyBuffer"))
}

func TestDeviceLocalLoadImmediate(t *testing.T) {
	dev, api := newDevice(t, device.Capabilities{})
	b, err := Create(dev, Vertex, 64, false)
	require.NoError(t, err)
	api.ResetCalls()

	require.NoError(t, b.LoadRange(0, make([]byte, 32), nil, nil))
	assert.Equal(t, 1, api.Calls("CmdCopyBuffer"))
	assert.Equal(t, 1, api.Calls("QueueWaitIdle"))
	assert.Equal(t, 1, api.Calls("DestroyBuffer"))
}

func TestDeviceLocalLoadDeferred(t *testing.T) {
	dev, api := newDevice(t, device.Capabilities{})
	b, err := Create(dev, Index, 64, false)
	require.NoError(t, err)
	staging, err := Create(dev, Staging, 128, true)
	require.NoError(t, err)
	cmd, err := command.Allocate(api, dev.CommandPool, true)
	require.NoError(t, err)
	require.NoError(t, cmd.Begin(false, false, false))
	api.ResetCalls()

	require.NoError(t, b.LoadRange(0, make([]byte, 64), staging, cmd))
	assert.Equal(t, 1, api.Calls("CmdCopyBuffer"))
	assert.Zero(t, api.Calls("QueueSubmit"))
	assert.Zero(t, api.Calls("QueueWaitIdle"))
	assert.Equal(t, 64, staging.freeList.FreeSpace())

	staging.Clear()
	assert.Equal(t, 128, staging.freeList.FreeSpace())
}

func TestStagedUploadsUseAlignedOffsets(t *testing.T) {
	dev, api := newDevice(t, device.Capabilities{})
	b, err := Create(dev, Vertex, 64, false)
	require.NoError(t, err)
	staging, err := Create(dev, Staging, 128, true)
	require.NoError(t, err)
	cmd, err := command.Allocate(api, dev.CommandPool, true)
	require.NoError(t, err)
	require.NoError(t, cmd.Begin(false, false, false))

	require.NoError(t, b.LoadRange(0, []byte{1, 2, 3}, staging, cmd))
	require.NoError(t, b.LoadRange(3, []byte{4, 5, 6, 7}, staging, cmd))
	require.Len(t, api.Copies, 2)
	assert.Zero(t, api.Copies[0].SrcOffset)
	assert.Equal(t, MinAlignment, api.Copies[1].SrcOffset)
	assert.Equal(t, 3, api.Copies[1].DstOffset)
	assert.Equal(t, 4, api.Copies[1].Size)

	got, err := staging.Read(MinAlignment, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5, 6, 7}, got)
}

func TestAllocateAlignment(t *testing.T) {
	dev, _ := newDevice(t, device.Capabilities{})
	b, err := Create(dev, Vertex, 256, true)
	require.NoError(t, err)
	_, err = b.Allocate(3)
	require.NoError(t, err)
	offset, err := b.Allocate(4)
	require.NoError(t, err)
	assert.Equal(t, MinAlignment, offset)

	api := vkapitest.New()
	dev, err = device.New(api, device.Options{Limits: device.Limits{MinUniformBufferOffsetAlignment: 256}})
	require.NoError(t, err)
	ubo, err := Create(dev, Uniform, 1024, true)
	require.NoError(t, err)
	assert.Equal(t, 256, ubo.Alignment())
	_, err = ubo.Allocate(16)
	require.NoError(t, err)
	offset, err = ubo.Allocate(16)
	require.NoError(t, err)
	assert.Equal(t, 256, offset)
}

func TestUsageFlagsAllowResizeCopies(t *testing.T) {
	dev, _ := newDevice(t, device.Capabilities{})
	copyBoth := core1_0.BufferUsageTransferSrc | core1_0.BufferUsageTransferDst

	for kind, usage := range map[Kind]core1_0.BufferUsageFlags{
		Vertex:  core1_0.BufferUsageVertexBuffer,
		Index:   core1_0.BufferUsageIndexBuffer,
		Uniform: core1_0.BufferUsageUniformBuffer,
		Staging: 0,
	} {
		b, err := Create(dev, kind, 64, false)
		require.NoError(t, err)
		assert.Equal(t, usage|copyBoth, b.Usage, kind.String())
	}

	read, err := Create(dev, Read, 64, false)
	require.NoError(t, err)
	assert.Equal(t, core1_0.BufferUsageTransferDst, read.Usage)
}

func TestResizeHostVisibleBuffers(t *testing.T) {
	dev, api := newDevice(t, device.Capabilities{})
	for _, kind := range []Kind{Uniform, Staging} {
		b, err := Create(dev, kind, 32, false)
		require.NoError(t, err)
		require.NoError(t, b.LoadRange(0, []byte{9, 8, 7, 6}, nil, nil))
		copies := api.Calls("CmdCopyBuffer")

		require.NoError(t, b.Resize(64))
		assert.Equal(t, copies+1, api.Calls("CmdCopyBuffer"), kind.String())
		assert.Equal(t, 64, b.Size)
		assert.NotZero(t, b.Usage&core1_0.BufferUsageTransferSrc)
		assert.NotZero(t, b.Usage&core1_0.BufferUsageTransferDst)
	}
}

func TestReadThroughReadBuffer(t *testing.T) {
	dev, api := newDevice(t, device.Capabilities{})
	b, err := Create(dev, Vertex, 64, false)
	require.NoError(t, err)
	api.ResetCalls()

	out, err := b.Read(0, 16)
	require.NoError(t, err)
	assert.Len(t, out, 16)
	assert.Equal(t, 1, api.Calls("CreateBuffer"))
	assert.Equal(t, 1, api.Calls("CmdCopyBuffer"))
	assert.Equal(t, 1, api.Calls("DestroyBuffer"))
}

func TestResizeKeepsAllocations(t *testing.T) {
	dev, api := newDevice(t, device.Capabilities{})
	b, err := Create(dev, Vertex, 64, true)
	require.NoError(t, err)

	offset, err := b.Allocate(64)
	require.NoError(t, err)
	assert.Zero(t, offset)
	_, err = b.Allocate(1)
	assert.True(t, errors.Is(err, ErrOutOfSpace))

	require.NoError(t, b.Resize(128))
	assert.Equal(t, 128, b.Size)
	assert.Equal(t, 1, api.Calls("WaitIdle"))
	offset, err = b.Allocate(64)
	require.NoError(t, err)
	assert.Equal(t, 64, offset)
	assert.Error(t, b.Resize(32))
}

func TestDraw(t *testing.T) {
	dev, api := newDevice(t, device.Capabilities{})
	cmd, err := command.Allocate(api, dev.CommandPool, true)
	require.NoError(t, err)

	vertices, err := Create(dev, Vertex, 64, false)
	require.NoError(t, err)
	indices, err := Create(dev, Index, 64, false)
	require.NoError(t, err)
	uniforms, err := Create(dev, Uniform, 64, false)
	require.NoError(t, err)

	require.NoError(t, vertices.Draw(cmd, 0, 3, true))
	require.NoError(t, indices.Draw(cmd, 0, 6, false))
	assert.Error(t, uniforms.Draw(cmd, 0, 1, false))

	assert.Equal(t, 1, api.Calls("CmdBindVertexBuffers"))
	assert.Zero(t, api.Calls("CmdDraw"))
	assert.Equal(t, 1, api.Calls("CmdDrawIndexed"))
}
