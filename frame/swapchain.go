package frame

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_surface"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"

	"github.com/vkngwrapper/backend/device"
	"github.com/vkngwrapper/backend/internal/logging"
)

// Swapchain is a presentable image chain for one surface.
type Swapchain struct {
	dev     *device.Device
	surface khr_surface.Surface

	Handle      khr_swapchain.Swapchain
	Format      core1_0.Format
	ColorSpace  khr_surface.ColorSpace
	PresentMode khr_surface.PresentMode
	Extent      core1_0.Extent2D
	Images      []core1_0.Image
	Views       []core1_0.ImageView

	created bool
}

// ChooseSurfaceFormat prefers 8-bit BGRA sRGB and otherwise takes the first format.
func ChooseSurfaceFormat(formats []khr_surface.SurfaceFormat) khr_surface.SurfaceFormat {
	for _, format := range formats {
		if format.Format == core1_0.FormatB8G8R8A8SRGB && format.ColorSpace == khr_surface.ColorSpaceSRGBNonlinear {
			return format
		}
	}
	return formats[0]
}

// ChoosePresentMode picks FIFO, or mailbox when it is available and power saving is off,
// for vsync. Without vsync it picks immediate when available.
func ChoosePresentMode(modes []khr_surface.PresentMode, vsync, powerSaving bool) khr_surface.PresentMode {
	want := khr_surface.PresentModeImmediate
	if vsync {
		if powerSaving {
			return khr_surface.PresentModeFIFO
		}
		want = khr_surface.PresentModeMailbox
	}
	for _, mode := range modes {
		if mode == want {
			return mode
		}
	}
	return khr_surface.PresentModeFIFO
}

// ChooseExtent uses the surface's current extent when it reports one and otherwise clamps
// the window size to the surface limits.
func ChooseExtent(caps *khr_surface.SurfaceCapabilities, width, height int) core1_0.Extent2D {
	if caps.CurrentExtent.Width != -1 {
		return caps.CurrentExtent
	}
	clamp := func(v, lo, hi int) int {
		if v < lo {
			return lo
		}
		if v > hi {
			return hi
		}
		return v
	}
	return core1_0.Extent2D{
		Width:  clamp(width, caps.MinImageExtent.Width, caps.MaxImageExtent.Width),
		Height: clamp(height, caps.MinImageExtent.Height, caps.MaxImageExtent.Height),
	}
}

// CreateSwapchain builds a swapchain and its image views for surface.
func CreateSwapchain(dev *device.Device, surface khr_surface.Surface, width, height int, vsync, powerSaving bool) (*Swapchain, error) {
	sc := &Swapchain{dev: dev, surface: surface}
	if err := sc.create(width, height, vsync, powerSaving); err != nil {
		return nil, err
	}
	return sc, nil
}

func (sc *Swapchain) create(width, height int, vsync, powerSaving bool) error {
	api := sc.dev.API

	caps, err := api.SurfaceCapabilities(sc.surface)
	if err != nil {
		return err
	}
	formats, err := api.SurfaceFormats(sc.surface)
	if err != nil {
		return err
	}
	modes, err := api.SurfacePresentModes(sc.surface)
	if err != nil {
		return err
	}
	if len(formats) == 0 || len(modes) == 0 {
		return errors.New("surface reports no formats or present modes")
	}

	surfaceFormat := ChooseSurfaceFormat(formats)
	presentMode := ChoosePresentMode(modes, vsync, powerSaving)
	extent := ChooseExtent(caps, width, height)

	imageCount := caps.MinImageCount + 1
	if caps.MaxImageCount > 0 && caps.MaxImageCount < imageCount {
		imageCount = caps.MaxImageCount
	}

	sharingMode := core1_0.SharingModeExclusive
	var queueFamilyIndices []int
	if sc.dev.GraphicsQueueFamily != sc.dev.PresentQueueFamily {
		sharingMode = core1_0.SharingModeConcurrent
		queueFamilyIndices = append(queueFamilyIndices, sc.dev.GraphicsQueueFamily, sc.dev.PresentQueueFamily)
	}

	handle, err := api.CreateSwapchain(khr_swapchain.SwapchainCreateInfo{
		Surface: sc.surface,

		MinImageCount:    imageCount,
		ImageFormat:      surfaceFormat.Format,
		ImageColorSpace:  surfaceFormat.ColorSpace,
		ImageExtent:      extent,
		ImageArrayLayers: 1,
		ImageUsage:       core1_0.ImageUsageColorAttachment | core1_0.ImageUsageTransferSrc | core1_0.ImageUsageTransferDst,

		ImageSharingMode:   sharingMode,
		QueueFamilyIndices: queueFamilyIndices,

		PreTransform:   caps.CurrentTransform,
		CompositeAlpha: khr_surface.CompositeAlphaOpaque,
		PresentMode:    presentMode,
		Clipped:        true,
	})
	if err != nil {
		return errors.Wrap(err, "create swapchain")
	}
	sc.Handle = handle
	sc.created = true
	sc.Format = surfaceFormat.Format
	sc.ColorSpace = surfaceFormat.ColorSpace
	sc.PresentMode = presentMode
	sc.Extent = extent

	images, err := api.SwapchainImages(handle)
	if err != nil {
		sc.destroy()
		return err
	}
	sc.Images = images
	for _, image := range images {
		view, err := api.CreateImageView(core1_0.ImageViewCreateInfo{
			Image:    image,
			ViewType: core1_0.ImageViewType2D,
			Format:   sc.Format,
			SubresourceRange: core1_0.ImageSubresourceRange{
				AspectMask:     core1_0.ImageAspectColor,
				BaseMipLevel:   0,
				LevelCount:     1,
				BaseArrayLayer: 0,
				LayerCount:     1,
			},
		})
		if err != nil {
			sc.destroy()
			return err
		}
		sc.Views = append(sc.Views, view)
	}

	logging.Logger().Debug("swapchain created",
		slog.Int("width", extent.Width),
		slog.Int("height", extent.Height),
		slog.Int("images", len(images)),
		slog.Any("presentMode", presentMode))
	return nil
}

func (sc *Swapchain) destroy() {
	for _, view := range sc.Views {
		sc.dev.API.DestroyImageView(view)
	}
	sc.Views = nil
	sc.Images = nil
	if sc.created {
		sc.dev.API.DestroySwapchain(sc.Handle)
		sc.created = false
	}
}

// ImageCount returns the number of presentable images.
func (sc *Swapchain) ImageCount() int { return len(sc.Images) }

// Recreate destroys the swapchain and builds a new one. The caller must make sure the
// device no longer uses it.
func (sc *Swapchain) Recreate(width, height int, vsync, powerSaving bool) error {
	sc.destroy()
	return sc.create(width, height, vsync, powerSaving)
}

// Destroy releases the swapchain and its views.
func (sc *Swapchain) Destroy() { sc.destroy() }
