package backend

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_surface"

	"github.com/vkngwrapper/backend/frame"
	"github.com/vkngwrapper/backend/handle"
	"github.com/vkngwrapper/backend/internal/logging"
	"github.com/vkngwrapper/backend/shader"
	"github.com/vkngwrapper/backend/texture"
)

var _ frame.Listener = (*Window)(nil)

// Window is a presentation surface with its swapchain and render targets.
type Window struct {
	frame *frame.Window
	b     *Backend

	// ColorTarget wraps the swapchain images. DepthTarget follows the window's size.
	ColorTarget handle.Handle
	DepthTarget handle.Handle
}

// Name returns the name the window was created with.
func (w *Window) Name() string { return w.frame.Name }

// Extent returns the size of the window's swapchain images.
func (w *Window) Extent() (width, height int) {
	extent := w.frame.Swapchain.Extent
	return extent.Width, extent.Height
}

// Phase returns where the window is in its frame loop.
func (w *Window) Phase() frame.Phase { return w.frame.Phase() }

// Stats returns timings of the window's most recent frame.
func (w *Window) Stats() frame.Stats { return w.frame.Stats() }

// Recreations returns how many times the window's swapchain has been rebuilt.
func (w *Window) Recreations() int { return w.frame.Recreations() }

// Layout returns the attachment layout of the window's own render targets, for building
// shaders that draw to it.
func (w *Window) Layout() TargetLayout {
	layout := TargetLayout{ColorCount: 1, Present: true, Depth: w.b.dev.DepthFormat}
	layout.Colors[0] = w.frame.Swapchain.Format
	return layout
}

func swapchainImages(sc *frame.Swapchain) []texture.Image {
	images := make([]texture.Image, len(sc.Images))
	for i := range sc.Images {
		images[i] = texture.Image{
			Handle: sc.Images[i],
			View:   sc.Views[i],
			Range: core1_0.ImageSubresourceRange{
				AspectMask: core1_0.ImageAspectColor,
				LevelCount: 1,
				LayerCount: 1,
			},
			Layout: core1_0.ImageLayoutUndefined,
		}
	}
	return images
}

// WindowCreate creates the swapchain, frame objects and render targets for surface.
// The surface stays owned by the caller and must outlive the window.
func (b *Backend) WindowCreate(name string, surface khr_surface.Surface, width, height int) (*Window, error) {
	secondaries := 0
	if b.cfg.SecondaryRecording {
		secondaries = 1
	}
	fw, err := frame.NewWindow(b.dev, surface, name, width, height, frame.Config{
		MaxFramesInFlight: b.cfg.MaxFramesInFlight,
		StagingBufferSize: b.cfg.StagingBufferSize,
		VSync:             b.cfg.VSync,
		PowerSaving:       b.cfg.PowerSaving,
		Secondaries:       secondaries,
	}, b.textures)
	if err != nil {
		return nil, err
	}
	w := &Window{frame: fw, b: b}

	sc := fw.Swapchain
	w.ColorTarget = b.textures.Wrap(name+".color", swapchainImages(sc), sc.Format, sc.Extent.Width, sc.Extent.Height, 0)
	w.DepthTarget, err = b.textures.Acquire(texture.Desc{
		Name:   name + ".depth",
		Width:  sc.Extent.Width,
		Height: sc.Extent.Height,
		Flags:  texture.Depth,
	})
	if err != nil {
		_ = b.textures.Release(&w.ColorTarget)
		fw.Destroy()
		return nil, errors.Wrapf(err, "window %q depth target", name)
	}

	fw.AddListener(w)
	b.windows = append(b.windows, w)
	if err := b.syncImageCount(); err != nil {
		b.WindowDestroy(w)
		return nil, err
	}
	return w, nil
}

// WindowDestroy destroys w and its render targets.
func (b *Backend) WindowDestroy(w *Window) {
	for i, other := range b.windows {
		if other == w {
			b.windows = append(b.windows[:i], b.windows[i+1:]...)
			break
		}
	}
	if b.current == w {
		b.current = nil
	}
	w.frame.Destroy()
	b.purgeFramebuffers(func(key framebufferKey) bool {
		return key.uses(w.ColorTarget) || key.uses(w.DepthTarget)
	})
	if err := b.textures.Release(&w.ColorTarget); err != nil {
		logging.Logger().Warn("release color target failed", slog.String("window", w.Name()), slog.Any("error", err))
	}
	if err := b.textures.Release(&w.DepthTarget); err != nil {
		logging.Logger().Warn("release depth target failed", slog.String("window", w.Name()), slog.Any("error", err))
	}
	if err := b.syncImageCount(); err != nil {
		logging.Logger().Error("image count update failed", slog.Any("error", err))
	}
}

// WindowResized records w's new framebuffer size. The swapchain follows over the next
// frames; a zero size pauses the window until a real size arrives.
func (b *Backend) WindowResized(w *Window, width, height int) {
	w.frame.Resized(width, height)
}

// WindowColorTarget returns the texture wrapping w's swapchain images.
func (b *Backend) WindowColorTarget(w *Window) handle.Handle { return w.ColorTarget }

// WindowDepthTarget returns w's depth texture.
func (b *Backend) WindowDepthTarget(w *Window) handle.Handle { return w.DepthTarget }

// SwapchainRecreated points the colour target at the new swapchain images.
func (w *Window) SwapchainRecreated(fw *frame.Window) error {
	b := w.b
	sc := fw.Swapchain
	b.purgeFramebuffers(func(key framebufferKey) bool { return key.uses(w.ColorTarget) })
	if err := b.textures.Rewrap(w.ColorTarget, swapchainImages(sc), sc.Format, sc.Extent.Width, sc.Extent.Height); err != nil {
		return err
	}
	return b.syncImageCount()
}

// DependentsResize brings the depth target to the swapchain's size.
func (w *Window) DependentsResize(fw *frame.Window) error {
	b := w.b
	extent := fw.Swapchain.Extent
	b.purgeFramebuffers(func(key framebufferKey) bool { return key.uses(w.DepthTarget) })
	if err := b.textures.Resize(w.DepthTarget, extent.Width, extent.Height); err != nil {
		return err
	}
	logging.Logger().Debug("window render targets resized",
		slog.String("window", fw.Name), slog.Int("width", extent.Width), slog.Int("height", extent.Height))
	return nil
}

// syncImageCount sizes per-image resources for the window with the most swapchain images.
func (b *Backend) syncImageCount() error {
	count := 1
	for _, w := range b.windows {
		if n := w.frame.Swapchain.ImageCount(); n > count {
			count = n
		}
	}
	if count == b.imageCount {
		return nil
	}
	b.imageCount = count
	b.textures.SetImageCount(count)

	var err error
	b.shaders.Each(func(_ handle.Handle, s **shader.Shader) {
		if err == nil {
			err = (*s).ResizeImageCount(count)
		}
	})
	return err
}
