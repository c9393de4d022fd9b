package backend

import (
	"log/slog"

	"github.com/vkngwrapper/backend/buffer"
	"github.com/vkngwrapper/backend/command"
	"github.com/vkngwrapper/backend/handle"
	"github.com/vkngwrapper/backend/internal/logging"
	"github.com/vkngwrapper/backend/texture"
)

// transfer returns the command buffer and staging buffer uploads may join, or nils
// when they must run immediately. Copies cannot be recorded inside a render pass.
func (b *Backend) transfer() (*command.Buffer, *buffer.Buffer) {
	cmd, err := b.recording()
	if err != nil || cmd.InRender() {
		return nil, nil
	}
	return cmd, b.current.frame.Staging()
}

func (b *Backend) TextureAcquire(desc texture.Desc) (handle.Handle, error) {
	return b.textures.Acquire(desc)
}

// TextureRelease destroys the texture and invalidates *h.
func (b *Backend) TextureRelease(h *handle.Handle) error {
	target := *h
	if err := b.textures.Release(h); err != nil {
		return err
	}
	b.purgeFramebuffers(func(key framebufferKey) bool { return key.uses(target) })
	return nil
}

// TextureResize recreates the texture at a new size, dropping its contents.
func (b *Backend) TextureResize(h handle.Handle, width, height int) error {
	if err := b.textures.Resize(h, width, height); err != nil {
		return err
	}
	b.purgeFramebuffers(func(key framebufferKey) bool { return key.uses(h) })
	return nil
}

// TextureWriteData replaces the texture's pixels. While a frame is recorded outside a
// rendering scope the upload joins that frame and the texture's generation changes once
// the frame's slot comes around again; otherwise it completes before returning.
func (b *Backend) TextureWriteData(h handle.Handle, data []byte) error {
	var rec *texture.Recording
	if cmd, staging := b.transfer(); cmd != nil {
		rec = &texture.Recording{Cmd: cmd, Staging: staging, ImageIndex: b.current.frame.ImageIndex()}
	}
	deferred, err := b.textures.WriteData(h, data, rec)
	if err != nil {
		return err
	}
	if deferred {
		b.current.frame.QueueTextureDirty(h)
	}
	return nil
}

func (b *Backend) TextureReadData(h handle.Handle) ([]byte, error) {
	return b.textures.ReadData(h)
}

func (b *Backend) TextureReadPixel(h handle.Handle, x, y int) ([]byte, error) {
	return b.textures.ReadPixel(h, x, y)
}

func (b *Backend) SamplerAcquire(cfg texture.SamplerConfig) (handle.Handle, error) {
	return b.textures.AcquireSampler(cfg)
}

func (b *Backend) SamplerRelease(h *handle.Handle) error {
	return b.textures.ReleaseSampler(h)
}

// SamplerRefresh rebuilds the sampler with new settings, keeping its handle.
func (b *Backend) SamplerRefresh(h handle.Handle, cfg texture.SamplerConfig) error {
	return b.textures.RefreshSampler(h, cfg)
}

// BufferCreate creates a buffer of the given kind. With track set, ranges of it can be
// handed out with BufferAllocate.
func (b *Backend) BufferCreate(kind buffer.Kind, size int, track bool) (handle.Handle, error) {
	buf, err := buffer.Create(b.dev, kind, size, track)
	if err != nil {
		return handle.Invalid, err
	}
	h := b.buffers.Acquire(buf)
	logging.Logger().Debug("buffer created",
		slog.String("handle", h.String()), slog.String("kind", kind.String()), slog.Int("size", size))
	return h, nil
}

func (b *Backend) buffer(h handle.Handle) (*buffer.Buffer, error) {
	buf, err := b.buffers.Resolve(h)
	if err != nil {
		logging.Logger().Warn("buffer lookup failed", slog.String("handle", h.String()))
		return nil, err
	}
	return *buf, nil
}

// BufferDestroy waits for the device, destroys the buffer and invalidates *h.
func (b *Backend) BufferDestroy(h *handle.Handle) error {
	if _, err := b.buffer(*h); err != nil {
		return err
	}
	if err := b.dev.WaitIdle(); err != nil {
		return err
	}
	buf, err := b.buffers.Release(h)
	if err != nil {
		return err
	}
	buf.Destroy()
	return nil
}

func (b *Backend) BufferBind(h handle.Handle, offset int) error {
	buf, err := b.buffer(h)
	if err != nil {
		return err
	}
	return buf.Bind(offset)
}

func (b *Backend) BufferMap(h handle.Handle, offset, size int) ([]byte, error) {
	buf, err := b.buffer(h)
	if err != nil {
		return nil, err
	}
	return buf.Map(offset, size)
}

func (b *Backend) BufferUnmap(h handle.Handle) error {
	buf, err := b.buffer(h)
	if err != nil {
		return err
	}
	buf.Unmap()
	return nil
}

func (b *Backend) BufferFlush(h handle.Handle, offset, size int) error {
	buf, err := b.buffer(h)
	if err != nil {
		return err
	}
	return buf.Flush(offset, size)
}

func (b *Backend) BufferRead(h handle.Handle, offset, size int) ([]byte, error) {
	buf, err := b.buffer(h)
	if err != nil {
		return nil, err
	}
	return buf.Read(offset, size)
}

// BufferResize grows the buffer, keeping its contents and handle.
func (b *Backend) BufferResize(h handle.Handle, size int) error {
	buf, err := b.buffer(h)
	if err != nil {
		return err
	}
	return buf.Resize(size)
}

func (b *Backend) BufferAllocate(h handle.Handle, size int) (int, error) {
	buf, err := b.buffer(h)
	if err != nil {
		return 0, err
	}
	return buf.Allocate(size)
}

func (b *Backend) BufferFree(h handle.Handle, offset, size int) error {
	buf, err := b.buffer(h)
	if err != nil {
		return err
	}
	return buf.Free(offset, size)
}

// BufferLoadRange writes data at offset. Buffers the host cannot map are filled through
// the current frame's staging buffer when a frame is recorded.
func (b *Backend) BufferLoadRange(h handle.Handle, offset int, data []byte) error {
	buf, err := b.buffer(h)
	if err != nil {
		return err
	}
	cmd, staging := b.transfer()
	return buf.LoadRange(offset, data, staging, cmd)
}

// BufferCopyRange copies between buffers. With inFrame the copy is recorded into the
// current frame and completes with it; otherwise it completes before returning.
func (b *Backend) BufferCopyRange(src handle.Handle, srcOffset int, dst handle.Handle, dstOffset, size int, inFrame bool) error {
	from, err := b.buffer(src)
	if err != nil {
		return err
	}
	to, err := b.buffer(dst)
	if err != nil {
		return err
	}
	var cmd *command.Buffer
	if inFrame {
		if cmd, _ = b.transfer(); cmd == nil {
			return ErrNotRecording
		}
	}
	return buffer.CopyRange(b.dev, from, srcOffset, to, dstOffset, size, cmd)
}

// BufferDraw binds a vertex or index buffer and, unless bindOnly, draws elementCount
// elements from it.
func (b *Backend) BufferDraw(h handle.Handle, offset, elementCount int, bindOnly bool) error {
	buf, err := b.buffer(h)
	if err != nil {
		return err
	}
	cmd, err := b.recording()
	if err != nil {
		return err
	}
	return buf.Draw(cmd, offset, elementCount, bindOnly)
}
