package texture

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/backend/buffer"
	"github.com/vkngwrapper/backend/command"
	"github.com/vkngwrapper/backend/handle"
)

func layoutAccess(layout core1_0.ImageLayout) (core1_0.AccessFlags, core1_0.PipelineStageFlags) {
	switch layout {
	case core1_0.ImageLayoutTransferDstOptimal:
		return core1_0.AccessTransferWrite, core1_0.PipelineStageTransfer
	case core1_0.ImageLayoutTransferSrcOptimal:
		return core1_0.AccessTransferRead, core1_0.PipelineStageTransfer
	case core1_0.ImageLayoutShaderReadOnlyOptimal:
		return core1_0.AccessShaderRead, core1_0.PipelineStageFragmentShader
	case core1_0.ImageLayoutColorAttachmentOptimal:
		return core1_0.AccessColorAttachmentRead | core1_0.AccessColorAttachmentWrite,
			core1_0.PipelineStageColorAttachmentOutput
	case core1_0.ImageLayoutDepthStencilAttachmentOptimal:
		return core1_0.AccessDepthStencilAttachmentRead | core1_0.AccessDepthStencilAttachmentWrite,
			core1_0.PipelineStageEarlyFragmentTests
	}
	return 0, core1_0.PipelineStageTopOfPipe
}

// transition records a layout change for img into cmd and updates its tracked layout.
func (m *Manager) transition(cmd *command.Buffer, img *Image, newLayout core1_0.ImageLayout) error {
	if img.Layout == newLayout {
		return nil
	}
	srcAccess, srcStage := layoutAccess(img.Layout)
	dstAccess, dstStage := layoutAccess(newLayout)

	err := m.dev.API.CmdPipelineBarrier(cmd.Handle, srcStage, dstStage, core1_0.ImageMemoryBarrier{
		OldLayout:           img.Layout,
		NewLayout:           newLayout,
		SrcQueueFamilyIndex: -1,
		DstQueueFamilyIndex: -1,
		Image:               img.Handle,
		SubresourceRange:    img.Range,
		SrcAccessMask:       srcAccess,
		DstAccessMask:       dstAccess,
	})
	if err != nil {
		return err
	}
	img.Layout = newLayout
	return nil
}

func (tex *Texture) byteSize() int {
	return tex.Width * tex.Height * tex.ChannelCount
}

func (tex *Texture) copyRegion(offset int) core1_0.BufferImageCopy {
	return core1_0.BufferImageCopy{
		BufferOffset: offset,
		ImageSubresource: core1_0.ImageSubresourceLayers{
			AspectMask:     core1_0.ImageAspectColor,
			MipLevel:       0,
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
		ImageOffset: core1_0.Offset3D{X: 0, Y: 0, Z: 0},
		ImageExtent: core1_0.Extent3D{Width: tex.Width, Height: tex.Height, Depth: 1},
	}
}

func (m *Manager) recordUpload(cmd *command.Buffer, tex *Texture, img *Image, src *buffer.Buffer, offset int) error {
	if err := m.transition(cmd, img, core1_0.ImageLayoutTransferDstOptimal); err != nil {
		return err
	}
	err := m.dev.API.CmdCopyBufferToImage(cmd.Handle, src.Handle, img.Handle,
		core1_0.ImageLayoutTransferDstOptimal, tex.copyRegion(offset))
	if err != nil {
		return err
	}
	return m.transition(cmd, img, core1_0.ImageLayoutShaderReadOnlyOptimal)
}

// WriteData replaces the texture's pixels with data, which must hold exactly
// width*height*channels bytes.
//
// With rec nil the upload runs immediately and the generation is bumped before
// returning. With rec set the upload is recorded into the frame's command buffer and
// WriteData reports true: the caller must bump the generation once that frame has been
// submitted. Per-frame textures only receive the write on rec's image.
func (m *Manager) WriteData(h handle.Handle, data []byte, rec *Recording) (bool, error) {
	tex, err := m.Resolve(h)
	if err != nil {
		return false, err
	}
	if tex.Flags&(Depth|WrapsSwapchain) != 0 {
		return false, errors.Newf("texture %q cannot be written from the host", tex.Name)
	}
	if len(data) != tex.byteSize() {
		return false, errors.Newf("texture %q expects %d bytes, got %d", tex.Name, tex.byteSize(), len(data))
	}

	if rec != nil && rec.Staging != nil {
		if offset, err := rec.Staging.Allocate(len(data)); err == nil {
			if err := rec.Staging.LoadRange(offset, data, nil, nil); err != nil {
				return false, err
			}
			if err := m.recordUpload(rec.Cmd, tex, tex.Image(rec.ImageIndex), rec.Staging, offset); err != nil {
				return false, err
			}
			return true, nil
		}
	}

	staging, err := buffer.Create(m.dev, buffer.Staging, len(data), false)
	if err != nil {
		return false, err
	}
	defer staging.Destroy()
	if err := staging.LoadRange(0, data, nil, nil); err != nil {
		return false, err
	}

	cmd, err := command.AllocateAndBeginSingleUse(m.dev.API, m.dev.CommandPool)
	if err != nil {
		return false, err
	}
	for i := range tex.Images {
		if err := m.recordUpload(cmd, tex, &tex.Images[i], staging, 0); err != nil {
			cmd.Free()
			return false, err
		}
	}
	if err := cmd.EndSingleUse(m.dev.GraphicsQueue); err != nil {
		return false, err
	}
	tex.Generation++
	return false, nil
}

// ReadData copies the texture's first image back to the host.
func (m *Manager) ReadData(h handle.Handle) ([]byte, error) {
	tex, err := m.Resolve(h)
	if err != nil {
		return nil, err
	}
	if tex.Flags&Depth != 0 {
		return nil, errors.Newf("texture %q is a depth texture", tex.Name)
	}
	size := tex.byteSize()
	read, err := buffer.Create(m.dev, buffer.Read, size, false)
	if err != nil {
		return nil, err
	}
	defer read.Destroy()

	img := &tex.Images[0]
	previous := img.Layout
	if previous == core1_0.ImageLayoutUndefined {
		previous = core1_0.ImageLayoutShaderReadOnlyOptimal
	}

	cmd, err := command.AllocateAndBeginSingleUse(m.dev.API, m.dev.CommandPool)
	if err != nil {
		return nil, err
	}
	if err := m.transition(cmd, img, core1_0.ImageLayoutTransferSrcOptimal); err != nil {
		cmd.Free()
		return nil, err
	}
	err = m.dev.API.CmdCopyImageToBuffer(cmd.Handle, img.Handle, core1_0.ImageLayoutTransferSrcOptimal,
		read.Handle, tex.copyRegion(0))
	if err != nil {
		cmd.Free()
		return nil, err
	}
	if err := m.transition(cmd, img, previous); err != nil {
		cmd.Free()
		return nil, err
	}
	if err := cmd.EndSingleUse(m.dev.GraphicsQueue); err != nil {
		return nil, err
	}
	return read.Read(0, size)
}

// ReadPixel returns the channels of the pixel at (x, y).
func (m *Manager) ReadPixel(h handle.Handle, x, y int) ([]byte, error) {
	tex, err := m.Resolve(h)
	if err != nil {
		return nil, err
	}
	if x < 0 || y < 0 || x >= tex.Width || y >= tex.Height {
		return nil, errors.Newf("pixel (%d, %d) outside texture %q of %dx%d", x, y, tex.Name, tex.Width, tex.Height)
	}
	data, err := m.ReadData(h)
	if err != nil {
		return nil, err
	}
	start := (y*tex.Width + x) * tex.ChannelCount
	return data[start : start+tex.ChannelCount], nil
}
