// Package backend maps an engine's renderer interface onto Vulkan.
//
// A Backend owns one device and any number of windows. Each frame the host calls
// FramePrepare, then for every window FramePrepareWindowSurface, FrameCommandsBegin,
// its drawing calls, FrameCommandsEnd, FrameSubmit and FramePresent. A false result from
// FramePrepareWindowSurface means the window skips this frame; it is not an error.
package backend

import (
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/loov/hrtime"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/backend/buffer"
	"github.com/vkngwrapper/backend/command"
	"github.com/vkngwrapper/backend/device"
	"github.com/vkngwrapper/backend/handle"
	"github.com/vkngwrapper/backend/internal/logging"
	"github.com/vkngwrapper/backend/shader"
	"github.com/vkngwrapper/backend/texture"
)

// Backend is the renderer backend of one device.
type Backend struct {
	dev      *device.Device
	cfg      Config
	compiler shader.Compiler

	textures *texture.Manager
	shaders  handle.Table[*shader.Shader]
	buffers  handle.Table[*buffer.Buffer]

	windows    []*Window
	current    *Window
	imageCount int

	passes       map[TargetLayout]core1_0.RenderPass
	framebuffers map[framebufferKey]framebuffer
	rendering    *renderScope

	frameNumber uint64
	lastFrame   time.Duration
	delta       time.Duration
}

// Initialize takes ownership of dev and creates the default texture and sampler.
// compiler turns shader sources into SPIR-V for ShaderCreate and ShaderReload.
func Initialize(dev *device.Device, compiler shader.Compiler, cfg Config) (*Backend, error) {
	cfg = cfg.normalized()
	b := &Backend{
		dev:          dev,
		cfg:          cfg,
		compiler:     compiler,
		imageCount:   1,
		passes:       map[TargetLayout]core1_0.RenderPass{},
		framebuffers: map[framebufferKey]framebuffer{},
	}

	textures, err := texture.NewManager(dev, b.imageCount)
	if err != nil {
		return nil, errors.Wrap(err, "initialize texture system")
	}
	b.textures = textures

	logging.Logger().Info("backend initialized",
		slog.String("application", cfg.ApplicationName),
		slog.Int("framesInFlight", cfg.MaxFramesInFlight),
		slog.Bool("vsync", cfg.VSync))
	return b, nil
}

// Device returns the device the backend renders with.
func (b *Backend) Device() *device.Device { return b.dev }

// Textures returns the texture and sampler manager.
func (b *Backend) Textures() *texture.Manager { return b.textures }

// Config returns the active configuration.
func (b *Backend) Config() Config { return b.cfg }

// FrameNumber returns the number of the frame being prepared.
func (b *Backend) FrameNumber() uint64 { return b.frameNumber }

// Delta returns the time between the two most recent FramePrepare calls.
func (b *Backend) Delta() time.Duration { return b.delta }

// Shutdown waits for the device and destroys everything the backend created, then the
// device itself.
func (b *Backend) Shutdown() {
	if err := b.dev.WaitIdle(); err != nil {
		logging.Logger().Error("wait idle before shutdown failed", slog.Any("error", err))
	}

	b.shaders.Each(func(h handle.Handle, s **shader.Shader) {
		if err := (*s).Destroy(); err != nil {
			logging.Logger().Error("shader destroy failed", slog.String("shader", (*s).Name), slog.Any("error", err))
		}
		_, _ = b.shaders.Release(&h)
	})
	b.buffers.Each(func(h handle.Handle, buf **buffer.Buffer) {
		(*buf).Destroy()
		_, _ = b.buffers.Release(&h)
	})
	for len(b.windows) > 0 {
		b.WindowDestroy(b.windows[0])
	}
	b.purgeFramebuffers(nil)
	for layout, pass := range b.passes {
		b.dev.API.DestroyRenderPass(pass)
		delete(b.passes, layout)
	}
	b.textures.Destroy()
	b.dev.Destroy()
	logging.Logger().Info("backend shut down")
}

// SetFlags changes presentation flags. Every window rebuilds its swapchain on its next
// prepare.
func (b *Backend) SetFlags(vsync, powerSaving bool) {
	b.cfg.VSync = vsync
	b.cfg.PowerSaving = powerSaving
	for _, w := range b.windows {
		w.frame.MarkFlagsChanged(vsync, powerSaving)
	}
}

// FramePrepare starts a new frame for every window.
func (b *Backend) FramePrepare() {
	now := hrtime.Now()
	if b.lastFrame != 0 {
		b.delta = now - b.lastFrame
	}
	b.lastFrame = now
	b.frameNumber++
}

// FramePrepareWindowSurface waits for w's frame slot and acquires its next image. It
// reports false when w skips this frame.
func (b *Backend) FramePrepareWindowSurface(w *Window) (bool, error) {
	return w.frame.Prepare()
}

// FrameCommandsBegin starts recording w's frame and resets viewport and scissor to the
// window's extent.
func (b *Backend) FrameCommandsBegin(w *Window) error {
	if _, err := w.frame.CommandsBegin(); err != nil {
		return err
	}
	b.current = w
	if err := b.ResetViewport(); err != nil {
		return err
	}
	return b.ResetScissor()
}

// FrameCommandsEnd finishes recording w's frame.
func (b *Backend) FrameCommandsEnd(w *Window) error {
	if b.rendering != nil {
		return errors.Newf("window %q: rendering still active at end of frame", w.Name())
	}
	if err := w.frame.CommandsEnd(); err != nil {
		return err
	}
	return nil
}

// FrameSubmit submits w's recorded frame.
func (b *Backend) FrameSubmit(w *Window) error {
	if b.current == w {
		b.current = nil
	}
	return w.frame.Submit()
}

// FramePresent presents w's frame.
func (b *Backend) FramePresent(w *Window) error {
	return w.frame.Present()
}

// recording returns the command buffer of the frame being recorded, or the secondary
// buffer of the open rendering scope when there is one.
func (b *Backend) recording() (*command.Buffer, error) {
	if b.current == nil {
		return nil, ErrNotRecording
	}
	cmd := b.current.frame.CommandBuffer()
	if b.rendering != nil && b.rendering.secondary != nil {
		cmd = b.rendering.secondary
	}
	state := cmd.State()
	if state != command.Recording && state != command.InRender {
		return nil, ErrNotRecording
	}
	return cmd, nil
}

func (b *Backend) shaderFrame() (shader.Frame, error) {
	cmd, err := b.recording()
	if err != nil {
		return shader.Frame{}, err
	}
	return shader.Frame{Cmd: cmd, ImageIndex: b.current.frame.ImageIndex(), Number: b.frameNumber}, nil
}

// Viewport is a rectangle in framebuffer pixels.
type Viewport struct {
	X, Y, Width, Height float32
}

// SetViewport sets the viewport of following draws.
func (b *Backend) SetViewport(v Viewport) error {
	cmd, err := b.recording()
	if err != nil {
		return err
	}
	b.dev.API.CmdSetViewport(cmd.Handle, core1_0.Viewport{
		X:        v.X,
		Y:        v.Y,
		Width:    v.Width,
		Height:   v.Height,
		MinDepth: 0,
		MaxDepth: 1,
	})
	return nil
}

// SetScissor limits following draws to the given rectangle.
func (b *Backend) SetScissor(x, y, width, height int) error {
	cmd, err := b.recording()
	if err != nil {
		return err
	}
	b.dev.API.CmdSetScissor(cmd.Handle, core1_0.Rect2D{
		Offset: core1_0.Offset2D{X: x, Y: y},
		Extent: core1_0.Extent2D{Width: width, Height: height},
	})
	return nil
}

// ResetViewport covers the current window.
func (b *Backend) ResetViewport() error {
	if b.current == nil {
		return ErrNotRecording
	}
	extent := b.current.frame.Swapchain.Extent
	return b.SetViewport(Viewport{Width: float32(extent.Width), Height: float32(extent.Height)})
}

// ResetScissor covers the current window.
func (b *Backend) ResetScissor() error {
	if b.current == nil {
		return ErrNotRecording
	}
	extent := b.current.frame.Swapchain.Extent
	return b.SetScissor(0, 0, extent.Width, extent.Height)
}

// The setters below need extended dynamic state and return a wrapped
// device.ErrDynamicStateUnsupported on devices that bake the state into pipelines.

// SetWinding sets which winding faces front.
func (b *Backend) SetWinding(face core1_0.FrontFace) error {
	cmd, err := b.recording()
	if err != nil {
		return err
	}
	return b.dev.DynamicState.SetFrontFace(cmd.Handle, face)
}

func (b *Backend) SetDepthTestEnabled(enabled bool) error {
	cmd, err := b.recording()
	if err != nil {
		return err
	}
	return b.dev.DynamicState.SetDepthTestEnabled(cmd.Handle, enabled)
}

func (b *Backend) SetDepthWriteEnabled(enabled bool) error {
	cmd, err := b.recording()
	if err != nil {
		return err
	}
	return b.dev.DynamicState.SetDepthWriteEnabled(cmd.Handle, enabled)
}

func (b *Backend) SetStencilTestEnabled(enabled bool) error {
	cmd, err := b.recording()
	if err != nil {
		return err
	}
	return b.dev.DynamicState.SetStencilTestEnabled(cmd.Handle, enabled)
}

func (b *Backend) SetStencilReference(reference uint32) error {
	cmd, err := b.recording()
	if err != nil {
		return err
	}
	return b.dev.DynamicState.SetStencilReference(cmd.Handle, reference)
}

// SetStencilOp sets the stencil operations for both faces.
func (b *Backend) SetStencilOp(failOp, passOp, depthFailOp core1_0.StencilOp, compareOp core1_0.CompareOp) error {
	cmd, err := b.recording()
	if err != nil {
		return err
	}
	return b.dev.DynamicState.SetStencilOp(cmd.Handle, failOp, passOp, depthFailOp, compareOp)
}

func (b *Backend) SetStencilCompareMask(mask uint32) error {
	cmd, err := b.recording()
	if err != nil {
		return err
	}
	return b.dev.DynamicState.SetStencilCompareMask(cmd.Handle, mask)
}

func (b *Backend) SetStencilWriteMask(mask uint32) error {
	cmd, err := b.recording()
	if err != nil {
		return err
	}
	return b.dev.DynamicState.SetStencilWriteMask(cmd.Handle, mask)
}
