package backend

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"

	"github.com/vkngwrapper/backend/command"
	"github.com/vkngwrapper/backend/handle"
	"github.com/vkngwrapper/backend/internal/logging"
	"github.com/vkngwrapper/backend/texture"
)

// MaxColorAttachments is the most colour targets one rendering scope can write.
const MaxColorAttachments = 4

// TargetLayout describes the attachments of a rendering scope. Pipelines built for a
// layout can draw into any targets with the same layout.
type TargetLayout struct {
	Colors     [MaxColorAttachments]core1_0.Format
	ColorCount int
	// Depth is FormatUndefined when there is no depth-stencil target.
	Depth core1_0.Format
	// Present is set when the first colour target is presented afterwards.
	Present bool
}

// ClearValues are written to the targets when rendering begins.
type ClearValues struct {
	Color   [4]float32
	Depth   float32
	Stencil uint32
}

// DefaultClear clears to opaque black and the far plane.
var DefaultClear = ClearValues{Color: [4]float32{0, 0, 0, 1}, Depth: 1}

type targetRef struct {
	h          handle.Handle
	generation uint32
}

type framebufferKey struct {
	layout     TargetLayout
	targets    [MaxColorAttachments + 1]targetRef
	imageIndex int
}

func (k framebufferKey) uses(h handle.Handle) bool {
	for _, ref := range k.targets {
		if ref.h == h {
			return true
		}
	}
	return false
}

func (k framebufferKey) sameTargets(other framebufferKey) bool {
	if k.imageIndex != other.imageIndex {
		return false
	}
	for i := range k.targets {
		if k.targets[i].h != other.targets[i].h {
			return false
		}
	}
	return true
}

type framebuffer struct {
	handle core1_0.Framebuffer
	extent core1_0.Extent2D
}

type renderScope struct {
	images  []*texture.Image
	layouts []core1_0.ImageLayout
	// secondary receives the scope's commands when secondary recording is enabled.
	secondary *command.Buffer
}

func (b *Backend) renderPass(layout TargetLayout) (core1_0.RenderPass, error) {
	if pass, ok := b.passes[layout]; ok {
		return pass, nil
	}

	info := core1_0.RenderPassCreateInfo{}
	subpass := core1_0.SubpassDescription{PipelineBindPoint: core1_0.PipelineBindPointGraphics}
	for i := 0; i < layout.ColorCount; i++ {
		final := core1_0.ImageLayoutShaderReadOnlyOptimal
		if i == 0 && layout.Present {
			final = khr_swapchain.ImageLayoutPresentSrc
		}
		info.Attachments = append(info.Attachments, core1_0.AttachmentDescription{
			Format:         layout.Colors[i],
			Samples:        core1_0.Samples1,
			LoadOp:         core1_0.AttachmentLoadOpClear,
			StoreOp:        core1_0.AttachmentStoreOpStore,
			StencilLoadOp:  core1_0.AttachmentLoadOpDontCare,
			StencilStoreOp: core1_0.AttachmentStoreOpDontCare,
			InitialLayout:  core1_0.ImageLayoutUndefined,
			FinalLayout:    final,
		})
		subpass.ColorAttachments = append(subpass.ColorAttachments, core1_0.AttachmentReference{
			Attachment: i,
			Layout:     core1_0.ImageLayoutColorAttachmentOptimal,
		})
	}
	if layout.Depth != core1_0.FormatUndefined {
		info.Attachments = append(info.Attachments, core1_0.AttachmentDescription{
			Format:         layout.Depth,
			Samples:        core1_0.Samples1,
			LoadOp:         core1_0.AttachmentLoadOpClear,
			StoreOp:        core1_0.AttachmentStoreOpStore,
			StencilLoadOp:  core1_0.AttachmentLoadOpClear,
			StencilStoreOp: core1_0.AttachmentStoreOpStore,
			InitialLayout:  core1_0.ImageLayoutUndefined,
			FinalLayout:    core1_0.ImageLayoutDepthStencilAttachmentOptimal,
		})
		subpass.DepthStencilAttachment = &core1_0.AttachmentReference{
			Attachment: layout.ColorCount,
			Layout:     core1_0.ImageLayoutDepthStencilAttachmentOptimal,
		}
	}
	info.Subpasses = []core1_0.SubpassDescription{subpass}
	info.SubpassDependencies = []core1_0.SubpassDependency{
		{
			SrcSubpass: core1_0.SubpassExternal,
			DstSubpass: 0,

			SrcStageMask:  core1_0.PipelineStageColorAttachmentOutput | core1_0.PipelineStageEarlyFragmentTests,
			SrcAccessMask: 0,

			DstStageMask:  core1_0.PipelineStageColorAttachmentOutput | core1_0.PipelineStageEarlyFragmentTests,
			DstAccessMask: core1_0.AccessColorAttachmentWrite | core1_0.AccessDepthStencilAttachmentWrite,
		},
	}

	pass, err := b.dev.API.CreateRenderPass(info)
	if err != nil {
		return core1_0.RenderPass{}, errors.Wrap(err, "create render pass")
	}
	b.passes[layout] = pass
	logging.Logger().Debug("render pass created",
		slog.Int("colors", layout.ColorCount),
		slog.Bool("depth", layout.Depth != core1_0.FormatUndefined),
		slog.Bool("present", layout.Present))
	return pass, nil
}

// purgeFramebuffers destroys cached framebuffers matching drop, or all of them when drop
// is nil. The caller makes sure the device no longer uses them.
func (b *Backend) purgeFramebuffers(drop func(framebufferKey) bool) {
	for key, fb := range b.framebuffers {
		if drop == nil || drop(key) {
			b.dev.API.DestroyFramebuffer(fb.handle)
			delete(b.framebuffers, key)
		}
	}
}

// BeginRendering starts a rendering scope into the given colour targets and optional
// depth-stencil target. Compatible render passes and framebuffers are cached; a
// framebuffer is rebuilt once any of its targets changes generation.
func (b *Backend) BeginRendering(colors []handle.Handle, depthStencil handle.Handle, clear ClearValues) error {
	cmd, err := b.recording()
	if err != nil {
		return err
	}
	if b.rendering != nil {
		return errors.New("rendering already active")
	}
	if len(colors) > MaxColorAttachments {
		return errors.Newf("%d colour targets, at most %d supported", len(colors), MaxColorAttachments)
	}
	imageIndex := b.current.frame.ImageIndex()

	var (
		key      framebufferKey
		textures []*texture.Texture
	)
	key.imageIndex = imageIndex
	add := func(slot int, h handle.Handle) error {
		tex, err := b.textures.Resolve(h)
		if err != nil {
			return errors.Wrapf(err, "render target %s", h)
		}
		if len(textures) > 0 && (tex.Width != textures[0].Width || tex.Height != textures[0].Height) {
			return errors.Wrapf(ErrTargetMismatch, "%q is %dx%d, %q is %dx%d",
				tex.Name, tex.Width, tex.Height, textures[0].Name, textures[0].Width, textures[0].Height)
		}
		key.targets[slot] = targetRef{h: h, generation: tex.Generation}
		textures = append(textures, tex)
		return nil
	}
	for i, h := range colors {
		if err := add(i, h); err != nil {
			return err
		}
		key.layout.Colors[i] = textures[i].Format
		if i == 0 && textures[i].Flags&texture.WrapsSwapchain != 0 {
			key.layout.Present = true
		}
	}
	key.layout.ColorCount = len(colors)
	if depthStencil.IsValid() {
		if err := add(MaxColorAttachments, depthStencil); err != nil {
			return err
		}
		key.layout.Depth = textures[len(textures)-1].Format
	}
	if len(textures) == 0 {
		return errors.New("rendering needs at least one target")
	}

	pass, err := b.renderPass(key.layout)
	if err != nil {
		return err
	}
	fb, ok := b.framebuffers[key]
	if !ok {
		// The acquire for this image waited on its previous frame, so framebuffers of
		// older target generations for the same image are no longer in use.
		b.purgeFramebuffers(key.sameTargets)
		views := make([]core1_0.ImageView, len(textures))
		for i, tex := range textures {
			views[i] = tex.Image(imageIndex).View
		}
		fb.extent = core1_0.Extent2D{Width: textures[0].Width, Height: textures[0].Height}
		fb.handle, err = b.dev.API.CreateFramebuffer(core1_0.FramebufferCreateInfo{
			RenderPass:  pass,
			Layers:      1,
			Attachments: views,
			Width:       fb.extent.Width,
			Height:      fb.extent.Height,
		})
		if err != nil {
			return errors.Wrap(err, "create framebuffer")
		}
		b.framebuffers[key] = fb
	}

	clearValues := make([]core1_0.ClearValue, 0, len(textures))
	for range colors {
		clearValues = append(clearValues, core1_0.ClearValueFloat(clear.Color))
	}
	if depthStencil.IsValid() {
		clearValues = append(clearValues, core1_0.ClearValueDepthStencil{Depth: clear.Depth, Stencil: clear.Stencil})
	}

	contents := core1_0.SubpassContentsInline
	if b.cfg.SecondaryRecording {
		contents = core1_0.SubpassContentsSecondaryCommandBuffers
	}
	err = b.dev.API.CmdBeginRenderPass(cmd.Handle, contents, core1_0.RenderPassBeginInfo{
		RenderPass:  pass,
		Framebuffer: fb.handle,
		RenderArea: core1_0.Rect2D{
			Offset: core1_0.Offset2D{X: 0, Y: 0},
			Extent: fb.extent,
		},
		ClearValues: clearValues,
	})
	if err != nil {
		return err
	}
	if err := cmd.BeginRender(); err != nil {
		return err
	}

	scope := &renderScope{}
	if b.cfg.SecondaryRecording {
		scope.secondary, err = b.beginSecondary(cmd, pass, fb)
		if err != nil {
			b.dev.API.CmdEndRenderPass(cmd.Handle)
			_ = cmd.EndRender()
			return err
		}
	}
	for i, tex := range textures {
		final := core1_0.ImageLayoutShaderReadOnlyOptimal
		switch {
		case tex.Flags&texture.Depth != 0:
			final = core1_0.ImageLayoutDepthStencilAttachmentOptimal
		case i == 0 && key.layout.Present:
			final = khr_swapchain.ImageLayoutPresentSrc
		}
		scope.images = append(scope.images, tex.Image(imageIndex))
		scope.layouts = append(scope.layouts, final)
	}
	b.rendering = scope
	return nil
}

// beginSecondary starts the secondary buffer that records one rendering scope. Dynamic
// viewport and scissor are not inherited from the primary, so they start out covering
// the framebuffer.
func (b *Backend) beginSecondary(cmd *command.Buffer, pass core1_0.RenderPass, fb framebuffer) (*command.Buffer, error) {
	secondary, err := cmd.SecondaryBegin(core1_0.CommandBufferInheritanceInfo{
		RenderPass:  pass,
		Subpass:     0,
		Framebuffer: fb.handle,
	})
	if err != nil {
		return nil, errors.Wrap(err, "begin secondary recording")
	}
	b.dev.API.CmdSetViewport(secondary.Handle, core1_0.Viewport{
		Width:    float32(fb.extent.Width),
		Height:   float32(fb.extent.Height),
		MaxDepth: 1,
	})
	b.dev.API.CmdSetScissor(secondary.Handle, core1_0.Rect2D{Extent: fb.extent})
	return secondary, nil
}

// EndRendering closes the scope opened by BeginRendering.
func (b *Backend) EndRendering() error {
	if _, err := b.recording(); err != nil {
		return err
	}
	if b.rendering == nil {
		return errors.New("rendering not active")
	}
	cmd := b.current.frame.CommandBuffer()
	if secondary := b.rendering.secondary; secondary != nil {
		if err := secondary.End(); err != nil {
			return err
		}
		if err := cmd.ExecuteSecondaries(); err != nil {
			return err
		}
	}
	b.dev.API.CmdEndRenderPass(cmd.Handle)
	if err := cmd.EndRender(); err != nil {
		return err
	}
	for i, img := range b.rendering.images {
		img.Layout = b.rendering.layouts[i]
	}
	b.rendering = nil
	return nil
}
