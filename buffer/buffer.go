// Package buffer implements typed GPU buffers and the staging path used to fill them.
package buffer

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/backend/command"
	"github.com/vkngwrapper/backend/device"
	"github.com/vkngwrapper/backend/internal/logging"
	"github.com/vkngwrapper/backend/internal/vkapi"
)

// Kind selects a buffer's usage and memory policy.
type Kind int

const (
	Vertex Kind = iota
	Index
	Uniform
	Staging
	Read
)

func (k Kind) String() string {
	switch k {
	case Vertex:
		return "vertex"
	case Index:
		return "index"
	case Uniform:
		return "uniform"
	case Staging:
		return "staging"
	case Read:
		return "read"
	}
	return "unknown"
}

// ErrOutOfSpace is returned when a buffer's free list cannot satisfy an allocation.
var ErrOutOfSpace = errors.New("buffer out of space")

const hostMemory = core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent

// MinAlignment is the alignment of every range handed out by Allocate. It covers the
// texel and 4-byte offset rules of buffer to image copies.
const MinAlignment = 16

func policy(dev *device.Device, kind Kind) (core1_0.BufferUsageFlags, core1_0.MemoryPropertyFlags) {
	switch kind {
	case Vertex:
		return core1_0.BufferUsageVertexBuffer | core1_0.BufferUsageTransferDst | core1_0.BufferUsageTransferSrc,
			core1_0.MemoryPropertyDeviceLocal
	case Index:
		return core1_0.BufferUsageIndexBuffer | core1_0.BufferUsageTransferDst | core1_0.BufferUsageTransferSrc,
			core1_0.MemoryPropertyDeviceLocal
	case Uniform:
		usage := core1_0.BufferUsageUniformBuffer | core1_0.BufferUsageTransferDst | core1_0.BufferUsageTransferSrc
		if dev.Caps.DeviceLocalHostVisible {
			return usage, core1_0.MemoryPropertyDeviceLocal | core1_0.MemoryPropertyHostVisible
		}
		return usage, hostMemory
	case Staging:
		return core1_0.BufferUsageTransferSrc | core1_0.BufferUsageTransferDst, hostMemory
	default:
		return core1_0.BufferUsageTransferDst, hostMemory
	}
}

// Buffer is a GPU buffer with its own memory allocation.
type Buffer struct {
	dev *device.Device

	Kind        Kind
	Handle      core1_0.Buffer
	Memory      vkapi.Memory
	Size        int
	Usage       core1_0.BufferUsageFlags
	MemoryFlags core1_0.MemoryPropertyFlags

	mapped     []byte
	persistent bool
	freeList   *FreeList
}

// Create allocates a buffer of kind holding size bytes. Uniform and staging buffers stay
// mapped for their whole life. With trackAllocations the buffer hands out sub-ranges
// through Allocate and Free.
func Create(dev *device.Device, kind Kind, size int, trackAllocations bool) (*Buffer, error) {
	if size <= 0 {
		return nil, errors.Newf("cannot create %s buffer of %d bytes", kind, size)
	}
	usage, flags := policy(dev, kind)
	b := &Buffer{
		dev:         dev,
		Kind:        kind,
		Size:        size,
		Usage:       usage,
		MemoryFlags: flags,
	}
	if err := b.allocate(); err != nil {
		return nil, errors.Wrapf(err, "create %s buffer", kind)
	}
	if trackAllocations {
		b.freeList = NewFreeList(size)
	}

	if kind == Uniform || kind == Staging {
		mapped, err := b.dev.API.MapMemory(b.Memory, 0, b.Size)
		if err != nil {
			b.Destroy()
			return nil, err
		}
		b.mapped = mapped
		b.persistent = true
	}

	logging.Logger().Debug("buffer created",
		slog.String("kind", kind.String()), slog.Int("size", size))
	return b, nil
}

func (b *Buffer) allocate() error {
	api := b.dev.API
	handle, err := api.CreateBuffer(b.Size, b.Usage)
	if err != nil {
		return err
	}

	reqs := api.BufferMemoryRequirements(handle)
	memoryIndex, err := b.dev.FindMemoryIndex(reqs.MemoryTypeBits, b.MemoryFlags)
	if err != nil && b.MemoryFlags != hostMemory && b.Kind == Uniform {
		logging.Logger().Warn("uniform buffer memory unavailable, falling back to host memory",
			slog.Any("flags", b.MemoryFlags))
		b.MemoryFlags = hostMemory
		memoryIndex, err = b.dev.FindMemoryIndex(reqs.MemoryTypeBits, b.MemoryFlags)
	}
	if err != nil {
		api.DestroyBuffer(handle)
		return err
	}

	memory, err := api.AllocateMemory(reqs.Size, memoryIndex)
	if err != nil {
		api.DestroyBuffer(handle)
		return err
	}
	if err := api.BindBufferMemory(handle, memory, 0); err != nil {
		api.FreeMemory(memory)
		api.DestroyBuffer(handle)
		return err
	}

	b.Handle = handle
	b.Memory = memory
	return nil
}

// Destroy releases the buffer and its memory.
func (b *Buffer) Destroy() {
	if b.Memory == nil {
		return
	}
	if b.mapped != nil {
		b.dev.API.UnmapMemory(b.Memory)
		b.mapped = nil
	}
	b.dev.API.DestroyBuffer(b.Handle)
	b.dev.API.FreeMemory(b.Memory)
	b.Memory = nil
	b.Handle = core1_0.Buffer{}
}

// HostVisible reports whether the CPU can map the buffer's memory.
func (b *Buffer) HostVisible() bool {
	return b.MemoryFlags&core1_0.MemoryPropertyHostVisible != 0
}

// Bind attaches the buffer's memory at offset.
func (b *Buffer) Bind(offset int) error {
	return b.dev.API.BindBufferMemory(b.Handle, b.Memory, offset)
}

// Map returns the bytes in [offset, offset+size). Persistently mapped buffers return a
// view of their mapping.
func (b *Buffer) Map(offset, size int) ([]byte, error) {
	if offset < 0 || size <= 0 || offset+size > b.Size {
		return nil, errors.Newf("map range %d+%d outside %s buffer of %d bytes", offset, size, b.Kind, b.Size)
	}
	if !b.HostVisible() {
		return nil, errors.Newf("%s buffer is not host visible", b.Kind)
	}
	if b.persistent {
		return b.mapped[offset : offset+size], nil
	}
	if b.mapped != nil {
		return nil, errors.Newf("%s buffer is already mapped", b.Kind)
	}
	mapped, err := b.dev.API.MapMemory(b.Memory, offset, size)
	if err != nil {
		return nil, err
	}
	b.mapped = mapped
	return mapped, nil
}

// Unmap releases a mapping made by Map. Persistent mappings are kept.
func (b *Buffer) Unmap() {
	if b.persistent || b.mapped == nil {
		return
	}
	b.dev.API.UnmapMemory(b.Memory)
	b.mapped = nil
}

// Flush makes host writes to [offset, offset+size) visible to the device.
func (b *Buffer) Flush(offset, size int) error {
	if b.MemoryFlags&core1_0.MemoryPropertyHostCoherent != 0 {
		return nil
	}
	return b.dev.API.FlushMemory(b.Memory, offset, size)
}

// Read copies size bytes starting at offset back to the host.
func (b *Buffer) Read(offset, size int) ([]byte, error) {
	if offset < 0 || size <= 0 || offset+size > b.Size {
		return nil, errors.Newf("read range %d+%d outside %s buffer of %d bytes", offset, size, b.Kind, b.Size)
	}

	if b.HostVisible() {
		src, err := b.Map(offset, size)
		if err != nil {
			return nil, err
		}
		out := append([]byte(nil), src...)
		b.Unmap()
		return out, nil
	}

	read, err := Create(b.dev, Read, size, false)
	if err != nil {
		return nil, err
	}
	defer read.Destroy()

	if err := CopyRange(b.dev, b, offset, read, 0, size, nil); err != nil {
		return nil, err
	}
	src, err := read.Map(0, size)
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), src...)
	read.Unmap()
	return out, nil
}

// Resize replaces the buffer with one of newSize bytes, keeping the existing contents.
// It waits for the device to go idle before the old buffer is destroyed.
func (b *Buffer) Resize(newSize int) error {
	if newSize < b.Size {
		return errors.Newf("cannot shrink %s buffer from %d to %d bytes", b.Kind, b.Size, newSize)
	}
	if newSize == b.Size {
		return nil
	}

	next := &Buffer{
		dev:         b.dev,
		Kind:        b.Kind,
		Size:        newSize,
		Usage:       b.Usage,
		MemoryFlags: b.MemoryFlags,
	}
	if err := next.allocate(); err != nil {
		return errors.Wrapf(err, "resize %s buffer", b.Kind)
	}
	if err := CopyRange(b.dev, b, 0, next, 0, b.Size, nil); err != nil {
		next.Destroy()
		return err
	}
	if err := b.dev.WaitIdle(); err != nil {
		next.Destroy()
		return err
	}

	if b.freeList != nil {
		if err := b.freeList.Resize(newSize); err != nil {
			next.Destroy()
			return err
		}
	}
	persistent := b.persistent
	freeList := b.freeList
	b.Destroy()

	*b = *next
	b.freeList = freeList
	if persistent {
		mapped, err := b.dev.API.MapMemory(b.Memory, 0, b.Size)
		if err != nil {
			return err
		}
		b.mapped = mapped
		b.persistent = true
	}
	return nil
}

// LoadRange writes data at offset. Buffers the host cannot map are filled through
// staging: when recording is non-nil the copy is appended to it, otherwise it runs
// immediately. staging may be nil, in which case a temporary buffer is used.
func (b *Buffer) LoadRange(offset int, data []byte, staging *Buffer, recording *command.Buffer) error {
	if offset < 0 || offset+len(data) > b.Size {
		return errors.Newf("load range %d+%d outside %s buffer of %d bytes", offset, len(data), b.Kind, b.Size)
	}
	if len(data) == 0 {
		return nil
	}

	if b.HostVisible() {
		dst, err := b.Map(offset, len(data))
		if err != nil {
			return err
		}
		copy(dst, data)
		err = b.Flush(offset, len(data))
		b.Unmap()
		return err
	}

	if staging != nil && staging.freeList != nil {
		if stagingOffset, ok := staging.freeList.Allocate(len(data), staging.Alignment()); ok {
			if err := staging.LoadRange(stagingOffset, data, nil, nil); err != nil {
				return err
			}
			return CopyRange(b.dev, staging, stagingOffset, b, offset, len(data), recording)
		}
		logging.Logger().Warn("staging buffer exhausted, using a temporary one",
			slog.Int("size", len(data)))
	}

	temp, err := Create(b.dev, Staging, len(data), false)
	if err != nil {
		return err
	}
	defer temp.Destroy()
	if err := temp.LoadRange(0, data, nil, nil); err != nil {
		return err
	}
	// The temporary buffer dies with this call, so the copy cannot be deferred.
	return CopyRange(b.dev, temp, 0, b, offset, len(data), nil)
}

// CopyRange copies size bytes between buffers. With a recording buffer the copy is
// recorded into it and completes with that buffer's submission; otherwise it runs on a
// single-use command buffer and blocks until the graphics queue is idle.
func CopyRange(dev *device.Device, src *Buffer, srcOffset int, dst *Buffer, dstOffset int, size int, recording *command.Buffer) error {
	region := core1_0.BufferCopy{SrcOffset: srcOffset, DstOffset: dstOffset, Size: size}
	if recording != nil {
		return dev.API.CmdCopyBuffer(recording.Handle, src.Handle, dst.Handle, region)
	}

	cmd, err := command.AllocateAndBeginSingleUse(dev.API, dev.CommandPool)
	if err != nil {
		return err
	}
	if err := dev.API.CmdCopyBuffer(cmd.Handle, src.Handle, dst.Handle, region); err != nil {
		cmd.Free()
		return err
	}
	return cmd.EndSingleUse(dev.GraphicsQueue)
}

// Draw binds the buffer for drawing at offset and, unless bindOnly, draws elementCount
// vertices or indices from it.
func (b *Buffer) Draw(cmd *command.Buffer, offset, elementCount int, bindOnly bool) error {
	api := b.dev.API
	switch b.Kind {
	case Vertex:
		api.CmdBindVertexBuffers(cmd.Handle, 0, []core1_0.Buffer{b.Handle}, []int{offset})
		if !bindOnly {
			api.CmdDraw(cmd.Handle, elementCount, 1, 0, 0)
		}
	case Index:
		api.CmdBindIndexBuffer(cmd.Handle, b.Handle, offset, core1_0.IndexTypeUInt32)
		if !bindOnly {
			api.CmdDrawIndexed(cmd.Handle, elementCount, 1, 0, 0, 0)
		}
	default:
		return errors.Newf("cannot draw from a %s buffer", b.Kind)
	}
	return nil
}

// Alignment returns the alignment of offsets handed out by Allocate.
func (b *Buffer) Alignment() int {
	if b.Kind == Uniform && b.dev.Limits.MinUniformBufferOffsetAlignment > MinAlignment {
		return b.dev.Limits.MinUniformBufferOffsetAlignment
	}
	return MinAlignment
}

// Allocate reserves size bytes of the buffer at an offset that is a multiple of
// Alignment.
func (b *Buffer) Allocate(size int) (int, error) {
	if b.freeList == nil {
		return 0, errors.Newf("%s buffer does not track allocations", b.Kind)
	}
	offset, ok := b.freeList.Allocate(size, b.Alignment())
	if !ok {
		return 0, errors.Wrapf(ErrOutOfSpace, "%s buffer: %d bytes requested, %d free", b.Kind, size, b.freeList.FreeSpace())
	}
	return offset, nil
}

// Free returns a range reserved with Allocate.
func (b *Buffer) Free(offset, size int) error {
	if b.freeList == nil {
		return errors.Newf("%s buffer does not track allocations", b.Kind)
	}
	return b.freeList.Free(offset, size)
}

// Clear releases every range reserved with Allocate.
func (b *Buffer) Clear() {
	if b.freeList != nil {
		b.freeList.Clear()
	}
}
