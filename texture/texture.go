// Package texture manages images and samplers behind generation-checked handles.
package texture

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/backend/buffer"
	"github.com/vkngwrapper/backend/command"
	"github.com/vkngwrapper/backend/device"
	"github.com/vkngwrapper/backend/handle"
	"github.com/vkngwrapper/backend/internal/logging"
	"github.com/vkngwrapper/backend/internal/vkapi"
)

// Flags describe how a texture is used.
type Flags uint8

const (
	HasTransparency Flags = 1 << iota
	Writeable
	// WrapsSwapchain marks textures whose images belong to a swapchain.
	WrapsSwapchain
	Depth
	// PerFrame textures hold one image per swapchain image.
	PerFrame
)

// Image is one native image of a texture.
type Image struct {
	Handle core1_0.Image
	Memory vkapi.Memory
	View   core1_0.ImageView
	Range  core1_0.ImageSubresourceRange
	Layout core1_0.ImageLayout
}

// Texture is the record stored behind a texture handle.
type Texture struct {
	Name         string
	Width        int
	Height       int
	ChannelCount int
	MipLevels    int
	Format       core1_0.Format
	Flags        Flags
	// Generation increases whenever the texture's contents or images change.
	Generation uint32
	Images     []Image
}

// Image returns the image used while recording for swapchain image imageIndex.
func (t *Texture) Image(imageIndex int) *Image {
	if len(t.Images) == 1 {
		return &t.Images[0]
	}
	return &t.Images[imageIndex%len(t.Images)]
}

// Desc describes a texture to acquire.
type Desc struct {
	Name         string
	Width        int
	Height       int
	ChannelCount int
	// Format overrides the format derived from ChannelCount.
	Format    core1_0.Format
	Flags     Flags
	MipLevels int
}

// Recording lets a write join the current frame instead of running immediately.
type Recording struct {
	Cmd        *command.Buffer
	Staging    *buffer.Buffer
	ImageIndex int
}

// Manager owns every texture and sampler.
type Manager struct {
	dev        *device.Device
	imageCount int

	textures handle.Table[*Texture]
	samplers handle.Table[*Sampler]

	defaultTexture handle.Handle
	defaultSampler handle.Handle
}

// NewManager creates the manager and its default texture and sampler. imageCount is the
// number of images per-frame textures are created with.
func NewManager(dev *device.Device, imageCount int) (*Manager, error) {
	m := &Manager{dev: dev, imageCount: imageCount}

	var err error
	m.defaultTexture, err = m.Acquire(Desc{Name: "default", Width: 1, Height: 1, ChannelCount: 4})
	if err != nil {
		return nil, errors.Wrap(err, "create default texture")
	}
	if _, err := m.WriteData(m.defaultTexture, []byte{255, 255, 255, 255}, nil); err != nil {
		return nil, errors.Wrap(err, "fill default texture")
	}
	m.defaultSampler, err = m.AcquireSampler(DefaultSamplerConfig())
	if err != nil {
		return nil, errors.Wrap(err, "create default sampler")
	}
	return m, nil
}

// Defaults returns the fallback texture and sampler bound before real resources are set.
func (m *Manager) Defaults() (texture, sampler handle.Handle) {
	return m.defaultTexture, m.defaultSampler
}

// SetImageCount changes the image count used for per-frame textures acquired afterwards.
func (m *Manager) SetImageCount(n int) { m.imageCount = n }

func formatFor(channels int) core1_0.Format {
	switch channels {
	case 1:
		return core1_0.FormatR8UnsignedNormalized
	case 2:
		return core1_0.FormatR8G8UnsignedNormalized
	case 3:
		return core1_0.FormatR8G8B8UnsignedNormalized
	default:
		return core1_0.FormatR8G8B8A8UnsignedNormalized
	}
}

// Acquire creates a texture.
func (m *Manager) Acquire(desc Desc) (handle.Handle, error) {
	tex, err := m.create(desc)
	if err != nil {
		return handle.Invalid, err
	}
	h := m.textures.Acquire(tex)
	logging.Logger().Debug("texture acquired", slog.String("name", desc.Name), slog.String("handle", h.String()))
	return h, nil
}

func (m *Manager) create(desc Desc) (*Texture, error) {
	if desc.Width <= 0 || desc.Height <= 0 {
		return nil, errors.Newf("texture %q has invalid size %dx%d", desc.Name, desc.Width, desc.Height)
	}
	tex := &Texture{
		Name:         desc.Name,
		Width:        desc.Width,
		Height:       desc.Height,
		ChannelCount: desc.ChannelCount,
		MipLevels:    desc.MipLevels,
		Format:       desc.Format,
		Flags:        desc.Flags,
	}
	if tex.MipLevels < 1 {
		tex.MipLevels = 1
	}
	if tex.ChannelCount == 0 {
		tex.ChannelCount = 4
	}
	if tex.Flags&Depth != 0 {
		tex.Format = m.dev.DepthFormat
		tex.ChannelCount = m.dev.DepthChannelCount
	} else if tex.Format == core1_0.FormatUndefined {
		tex.Format = formatFor(tex.ChannelCount)
	}

	count := 1
	if tex.Flags&PerFrame != 0 && m.imageCount > 1 {
		count = m.imageCount
	}
	for i := 0; i < count; i++ {
		img, err := m.createImage(tex)
		if err != nil {
			m.destroyImages(tex)
			return nil, errors.Wrapf(err, "texture %q", desc.Name)
		}
		tex.Images = append(tex.Images, img)
	}
	return tex, nil
}

func (m *Manager) aspect(tex *Texture) core1_0.ImageAspectFlags {
	if tex.Flags&Depth == 0 {
		return core1_0.ImageAspectColor
	}
	if m.dev.HasStencil() {
		return core1_0.ImageAspectDepth | core1_0.ImageAspectStencil
	}
	return core1_0.ImageAspectDepth
}

func (m *Manager) createImage(tex *Texture) (Image, error) {
	api := m.dev.API

	usage := core1_0.ImageUsageTransferSrc | core1_0.ImageUsageTransferDst | core1_0.ImageUsageSampled
	if tex.Flags&Depth != 0 {
		usage |= core1_0.ImageUsageDepthStencilAttachment
	} else {
		usage |= core1_0.ImageUsageColorAttachment
	}

	image, err := api.CreateImage(core1_0.ImageCreateInfo{
		ImageType:     core1_0.ImageType2D,
		Extent:        core1_0.Extent3D{Width: tex.Width, Height: tex.Height, Depth: 1},
		MipLevels:     tex.MipLevels,
		ArrayLayers:   1,
		Format:        tex.Format,
		Tiling:        core1_0.ImageTilingOptimal,
		InitialLayout: core1_0.ImageLayoutUndefined,
		Usage:         usage,
		SharingMode:   core1_0.SharingModeExclusive,
		Samples:       core1_0.Samples1,
	})
	if err != nil {
		return Image{}, err
	}

	reqs := api.ImageMemoryRequirements(image)
	memoryIndex, err := m.dev.FindMemoryIndex(reqs.MemoryTypeBits, core1_0.MemoryPropertyDeviceLocal)
	if err != nil {
		api.DestroyImage(image)
		return Image{}, err
	}
	memory, err := api.AllocateMemory(reqs.Size, memoryIndex)
	if err != nil {
		api.DestroyImage(image)
		return Image{}, err
	}
	if err := api.BindImageMemory(image, memory, 0); err != nil {
		api.FreeMemory(memory)
		api.DestroyImage(image)
		return Image{}, err
	}

	subresource := core1_0.ImageSubresourceRange{
		AspectMask:     m.aspect(tex),
		BaseMipLevel:   0,
		LevelCount:     tex.MipLevels,
		BaseArrayLayer: 0,
		LayerCount:     1,
	}
	view, err := api.CreateImageView(core1_0.ImageViewCreateInfo{
		Image:            image,
		ViewType:         core1_0.ImageViewType2D,
		Format:           tex.Format,
		SubresourceRange: subresource,
	})
	if err != nil {
		api.FreeMemory(memory)
		api.DestroyImage(image)
		return Image{}, err
	}

	return Image{
		Handle: image,
		Memory: memory,
		View:   view,
		Range:  subresource,
		Layout: core1_0.ImageLayoutUndefined,
	}, nil
}

func (m *Manager) destroyImages(tex *Texture) {
	if tex.Flags&WrapsSwapchain != 0 {
		tex.Images = nil
		return
	}
	api := m.dev.API
	for _, img := range tex.Images {
		api.DestroyImageView(img.View)
		api.DestroyImage(img.Handle)
		if img.Memory != nil {
			api.FreeMemory(img.Memory)
		}
	}
	tex.Images = nil
}

// Resolve returns the texture h names.
func (m *Manager) Resolve(h handle.Handle) (*Texture, error) {
	tex, err := m.textures.Resolve(h)
	if err != nil {
		logging.Logger().Warn("texture lookup failed", slog.String("handle", h.String()))
		return nil, err
	}
	return *tex, nil
}

// Release destroys the texture h names after the device goes idle and invalidates *h.
func (m *Manager) Release(h *handle.Handle) error {
	if _, err := m.textures.Resolve(*h); err != nil {
		return err
	}
	if err := m.dev.WaitIdle(); err != nil {
		return err
	}
	tex, err := m.textures.Release(h)
	if err != nil {
		return err
	}
	m.destroyImages(tex)
	return nil
}

// Resize recreates the texture's images at the new size. Contents are not preserved.
// On failure the texture keeps its old images and size.
func (m *Manager) Resize(h handle.Handle, width, height int) error {
	tex, err := m.Resolve(h)
	if err != nil {
		return err
	}
	if tex.Flags&WrapsSwapchain != 0 {
		return errors.Newf("texture %q wraps swapchain images and cannot be resized", tex.Name)
	}
	if err := m.dev.WaitIdle(); err != nil {
		return err
	}

	next, err := m.create(Desc{
		Name:         tex.Name,
		Width:        width,
		Height:       height,
		ChannelCount: tex.ChannelCount,
		Format:       tex.Format,
		Flags:        tex.Flags,
		MipLevels:    tex.MipLevels,
	})
	if err != nil {
		return errors.Wrapf(err, "resize texture %q to %dx%d", tex.Name, width, height)
	}
	m.destroyImages(tex)
	tex.Width, tex.Height = width, height
	tex.Images = next.Images
	tex.Generation++
	return nil
}

// Wrap registers externally owned images, such as swapchain images, as a texture.
func (m *Manager) Wrap(name string, images []Image, format core1_0.Format, width, height int, flags Flags) handle.Handle {
	tex := &Texture{
		Name:         name,
		Width:        width,
		Height:       height,
		ChannelCount: 4,
		MipLevels:    1,
		Format:       format,
		Flags:        flags | WrapsSwapchain,
		Images:       images,
	}
	return m.textures.Acquire(tex)
}

// Rewrap points a wrapped texture at new images after its owner recreated them.
func (m *Manager) Rewrap(h handle.Handle, images []Image, format core1_0.Format, width, height int) error {
	tex, err := m.Resolve(h)
	if err != nil {
		return err
	}
	tex.Images = images
	tex.Format = format
	tex.Width, tex.Height = width, height
	tex.Generation++
	return nil
}

// BumpGeneration marks the texture's contents as changed.
func (m *Manager) BumpGeneration(h handle.Handle) error {
	tex, err := m.Resolve(h)
	if err != nil {
		return err
	}
	tex.Generation++
	return nil
}

// Destroy releases every texture and sampler.
func (m *Manager) Destroy() {
	m.textures.Each(func(h handle.Handle, tex **Texture) {
		m.destroyImages(*tex)
		_, _ = m.textures.Release(&h)
	})
	m.samplers.Each(func(h handle.Handle, s **Sampler) {
		m.dev.API.DestroySampler((*s).Handle)
		_, _ = m.samplers.Release(&h)
	})
}
