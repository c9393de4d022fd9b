// Package frame drives the per-window frame loop: acquire, record, submit and present,
// with N frames in flight and swapchain recreation on resize.
package frame

import (
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/loov/hrtime"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_surface"
	"github.com/vkngwrapper/extensions/v3/khr_swapchain"

	"github.com/vkngwrapper/backend/buffer"
	"github.com/vkngwrapper/backend/command"
	"github.com/vkngwrapper/backend/device"
	"github.com/vkngwrapper/backend/handle"
	"github.com/vkngwrapper/backend/internal/logging"
	"github.com/vkngwrapper/backend/internal/vkapi"
)

var (
	// ErrRecreateInProgress is returned when a recreation is requested during another.
	ErrRecreateInProgress = errors.New("swapchain recreation already in progress")
	// ErrZeroExtent is returned when the window has no area, usually while minimised.
	ErrZeroExtent = errors.New("window has zero extent")
	// ErrPhase is returned when a frame step is called out of order.
	ErrPhase = errors.New("frame step out of order")
)

// Phase is where a window is in its frame loop.
type Phase int

const (
	Idle Phase = iota
	AcquirePending
	Recording
	Submitted
	Presented
)

func (p Phase) String() string {
	return [...]string{"idle", "acquire pending", "recording", "submitted", "presented"}[p]
}

// Listener is told about swapchain changes.
type Listener interface {
	// SwapchainRecreated runs right after the swapchain was rebuilt, with the device idle.
	SwapchainRecreated(w *Window) error
	// DependentsResize runs once resizing has settled and size-dependent resources, such
	// as depth buffers, should follow the new extent.
	DependentsResize(w *Window) error
}

// GenerationBumper marks textures written during a frame as changed once that frame
// slot comes around again.
type GenerationBumper interface {
	BumpGeneration(h handle.Handle) error
}

// Config tunes a window's frame loop.
type Config struct {
	MaxFramesInFlight int
	StagingBufferSize int
	VSync             bool
	PowerSaving       bool
	// Secondaries is how many secondary buffers each primary buffer starts with.
	Secondaries int
}

// Stats are timings of the most recent frame.
type Stats struct {
	Frames    uint64
	FenceWait time.Duration
	FrameTime time.Duration
}

type slot struct {
	imageAvailable core1_0.Semaphore
	queueComplete  core1_0.Semaphore
	fence          vkapi.Fence
	staging        *buffer.Buffer
	dirtyTextures  []handle.Handle
}

// Window is the frame state of one presentation surface.
type Window struct {
	dev     *device.Device
	bumper  GenerationBumper
	surface khr_surface.Surface

	Name      string
	cfg       Config
	Swapchain *Swapchain

	slots          []slot
	commandBuffers []*command.Buffer
	imagesInFlight []vkapi.Fence

	current    int
	imageIndex int

	width, height      int
	sizeGeneration     uint64
	lastSizeGeneration uint64
	flagsChanged       bool
	recreating         bool
	skipFrames         int
	recreations        int

	phase      Phase
	listeners  []Listener
	frameStart time.Duration
	stats      Stats
}

// NewWindow creates the swapchain and per-frame objects for surface.
func NewWindow(dev *device.Device, surface khr_surface.Surface, name string, width, height int, cfg Config, bumper GenerationBumper) (*Window, error) {
	if cfg.MaxFramesInFlight < 1 {
		cfg.MaxFramesInFlight = 1
	}
	w := &Window{
		dev:     dev,
		bumper:  bumper,
		surface: surface,
		Name:    name,
		cfg:     cfg,
		width:   width,
		height:  height,
	}

	sc, err := CreateSwapchain(dev, surface, width, height, cfg.VSync, cfg.PowerSaving)
	if err != nil {
		return nil, errors.Wrapf(err, "window %q", name)
	}
	w.Swapchain = sc

	for i := 0; i < cfg.MaxFramesInFlight; i++ {
		s, err := w.createSlot()
		if err != nil {
			w.Destroy()
			return nil, errors.Wrapf(err, "window %q frame %d", name, i)
		}
		w.slots = append(w.slots, s)
	}
	if err := w.createImageResources(); err != nil {
		w.Destroy()
		return nil, errors.Wrapf(err, "window %q", name)
	}

	logging.Logger().Info("window created",
		slog.String("window", name),
		slog.Int("framesInFlight", cfg.MaxFramesInFlight),
		slog.Int("images", sc.ImageCount()))
	return w, nil
}

func (w *Window) createSlot() (slot, error) {
	api := w.dev.API
	var s slot
	var err error
	if s.imageAvailable, err = api.CreateSemaphore(); err != nil {
		return s, err
	}
	if s.queueComplete, err = api.CreateSemaphore(); err != nil {
		api.DestroySemaphore(s.imageAvailable)
		return s, err
	}
	// Signalled, so the first wait on each slot returns at once.
	if s.fence, err = api.CreateFence(true); err != nil {
		api.DestroySemaphore(s.imageAvailable)
		api.DestroySemaphore(s.queueComplete)
		return s, err
	}
	if w.cfg.StagingBufferSize > 0 {
		if s.staging, err = buffer.Create(w.dev, buffer.Staging, w.cfg.StagingBufferSize, true); err != nil {
			w.destroySlot(&s)
			return s, err
		}
	}
	return s, nil
}

func (w *Window) destroySlot(s *slot) {
	api := w.dev.API
	api.DestroySemaphore(s.imageAvailable)
	api.DestroySemaphore(s.queueComplete)
	if s.fence != nil {
		api.DestroyFence(s.fence)
	}
	if s.staging != nil {
		s.staging.Destroy()
	}
}

func (w *Window) createImageResources() error {
	count := w.Swapchain.ImageCount()
	buffers, err := command.AllocateMany(w.dev.API, w.dev.CommandPool, true, count)
	if err != nil {
		return err
	}
	if w.cfg.Secondaries > 0 {
		for _, cmd := range buffers {
			if err := cmd.AllocateSecondaries(w.cfg.Secondaries); err != nil {
				for _, allocated := range buffers {
					allocated.Free()
				}
				return err
			}
		}
	}
	w.commandBuffers = buffers
	w.imagesInFlight = make([]vkapi.Fence, count)
	return nil
}

func (w *Window) freeImageResources() {
	for _, cmd := range w.commandBuffers {
		cmd.Free()
	}
	w.commandBuffers = nil
	w.imagesInFlight = nil
}

// AddListener registers l for swapchain notifications.
func (w *Window) AddListener(l Listener) { w.listeners = append(w.listeners, l) }

// Phase returns the window's position in the frame loop.
func (w *Window) Phase() Phase { return w.phase }

// Size returns the last size reported through Resized.
func (w *Window) Size() (width, height int) { return w.width, w.height }

// ImageIndex returns the swapchain image acquired by the last successful Prepare.
func (w *Window) ImageIndex() int { return w.imageIndex }

// FrameIndex returns the current frame-in-flight slot.
func (w *Window) FrameIndex() int { return w.current }

// Recreations returns how many times the swapchain has been rebuilt.
func (w *Window) Recreations() int { return w.recreations }

// Stats returns timings of the most recent frame.
func (w *Window) Stats() Stats { return w.stats }

// CommandBuffer returns the command buffer of the acquired image.
func (w *Window) CommandBuffer() *command.Buffer { return w.commandBuffers[w.imageIndex] }

// Staging returns the current frame slot's staging buffer, or nil if the window has none.
func (w *Window) Staging() *buffer.Buffer { return w.slots[w.current].staging }

// Resized records a new framebuffer size. The swapchain follows on a later Prepare.
func (w *Window) Resized(width, height int) {
	w.width, w.height = width, height
	w.sizeGeneration++
}

// MarkFlagsChanged applies new presentation flags on the next Prepare.
func (w *Window) MarkFlagsChanged(vsync, powerSaving bool) {
	w.cfg.VSync = vsync
	w.cfg.PowerSaving = powerSaving
	w.flagsChanged = true
}

// QueueTextureDirty defers a generation bump for h until the current frame slot is
// reused, when the GPU has finished the frame that wrote it.
func (w *Window) QueueTextureDirty(h handle.Handle) {
	s := &w.slots[w.current]
	s.dirtyTextures = append(s.dirtyTextures, h)
}

// Prepare waits for the current frame slot and acquires the next image. It returns false
// when this frame must be skipped: the swapchain is being rebuilt, was just rebuilt, or
// cannot be built at the window's size. Errors are fatal.
func (w *Window) Prepare() (bool, error) {
	if w.phase != Idle && w.phase != Presented {
		return false, errors.Wrapf(ErrPhase, "window %q prepare while %s", w.Name, w.phase)
	}
	if w.recreating {
		if err := w.dev.WaitIdle(); err != nil {
			return false, err
		}
		return false, nil
	}

	if w.sizeGeneration != w.lastSizeGeneration || w.flagsChanged {
		if w.width == 0 || w.height == 0 {
			return false, nil
		}
		if err := w.dev.WaitIdle(); err != nil {
			return false, err
		}
		err := w.RecreateSwapchain()
		if errors.Is(err, ErrZeroExtent) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		w.lastSizeGeneration = w.sizeGeneration
		w.flagsChanged = false
		return false, nil
	}

	if w.skipFrames > 0 {
		w.skipFrames--
		if w.skipFrames > 0 {
			return false, nil
		}
		for _, l := range w.listeners {
			if err := l.DependentsResize(w); err != nil {
				return false, errors.Wrapf(err, "window %q resize dependents", w.Name)
			}
		}
		return false, nil
	}

	w.frameStart = hrtime.Now()
	s := &w.slots[w.current]
	if err := w.dev.API.WaitForFence(s.fence, vkapi.NoTimeout); err != nil {
		logging.Logger().Error("in-flight fence wait failed", slog.String("window", w.Name), slog.Any("error", err))
		return false, errors.Wrapf(err, "window %q fence wait", w.Name)
	}
	w.stats.FenceWait = hrtime.Since(w.frameStart)

	index, err := w.dev.API.AcquireNextImage(w.Swapchain.Handle, vkapi.NoTimeout, s.imageAvailable)
	if errors.Is(err, vkapi.ErrOutOfDate) {
		logging.Logger().Debug("swapchain out of date on acquire", slog.String("window", w.Name))
		if err := w.RecreateSwapchain(); err != nil && !errors.Is(err, ErrZeroExtent) {
			return false, err
		}
		return false, nil
	}
	if err != nil {
		logging.Logger().Error("acquire next image failed", slog.String("window", w.Name), slog.Any("error", err))
		return false, errors.Wrapf(err, "window %q acquire", w.Name)
	}

	// A slower image may still be rendering from another slot.
	if other := w.imagesInFlight[index]; other != nil && other != s.fence {
		if err := w.dev.API.WaitForFence(other, vkapi.NoTimeout); err != nil {
			return false, errors.Wrapf(err, "window %q image fence wait", w.Name)
		}
	}
	w.imagesInFlight[index] = s.fence
	w.imageIndex = index

	if err := w.dev.API.ResetFence(s.fence); err != nil {
		return false, errors.Wrapf(err, "window %q fence reset", w.Name)
	}
	if s.staging != nil {
		s.staging.Clear()
	}
	for _, h := range s.dirtyTextures {
		if err := w.bumper.BumpGeneration(h); err != nil {
			logging.Logger().Warn("texture released before its write completed",
				slog.String("window", w.Name), slog.String("handle", h.String()))
		}
	}
	s.dirtyTextures = s.dirtyTextures[:0]

	w.phase = AcquirePending
	return true, nil
}

// CommandsBegin starts recording the acquired image's command buffer.
func (w *Window) CommandsBegin() (*command.Buffer, error) {
	if w.phase != AcquirePending {
		return nil, errors.Wrapf(ErrPhase, "window %q begin commands while %s", w.Name, w.phase)
	}
	cmd := w.commandBuffers[w.imageIndex]
	if err := cmd.Reset(); err != nil {
		return nil, err
	}
	if err := cmd.Begin(false, false, false); err != nil {
		return nil, err
	}
	w.phase = Recording
	return cmd, nil
}

// CommandsEnd finishes recording.
func (w *Window) CommandsEnd() error {
	if w.phase != Recording {
		return errors.Wrapf(ErrPhase, "window %q end commands while %s", w.Name, w.phase)
	}
	return w.commandBuffers[w.imageIndex].End()
}

// Submit hands the recorded commands to the graphics queue. The submission waits for the
// image to be available and signals the slot's fence and completion semaphore.
func (w *Window) Submit() error {
	cmd := w.commandBuffers[w.imageIndex]
	if w.phase != Recording || cmd.State() != command.RecordingEnded {
		return errors.Wrapf(ErrPhase, "window %q submit while %s", w.Name, w.phase)
	}
	s := &w.slots[w.current]
	err := w.dev.API.QueueSubmit(w.dev.GraphicsQueue, s.fence, core1_0.SubmitInfo{
		WaitSemaphores:   []core1_0.Semaphore{s.imageAvailable},
		WaitDstStageMask: []core1_0.PipelineStageFlags{core1_0.PipelineStageColorAttachmentOutput},
		CommandBuffers:   []core1_0.CommandBuffer{cmd.Handle},
		SignalSemaphores: []core1_0.Semaphore{s.queueComplete},
	})
	if err != nil {
		logging.Logger().Error("queue submit failed", slog.String("window", w.Name), slog.Any("error", err))
		return errors.Wrapf(err, "window %q submit", w.Name)
	}
	cmd.UpdateSubmitted()
	w.phase = Submitted
	return nil
}

// Present queues the acquired image for display and advances to the next frame slot.
// A stale swapchain is rebuilt rather than reported.
func (w *Window) Present() error {
	if w.phase != Submitted {
		return errors.Wrapf(ErrPhase, "window %q present while %s", w.Name, w.phase)
	}
	s := &w.slots[w.current]
	err := w.dev.API.QueuePresent(w.dev.PresentQueue, khr_swapchain.PresentInfo{
		WaitSemaphores: []core1_0.Semaphore{s.queueComplete},
		Swapchains:     []khr_swapchain.Swapchain{w.Swapchain.Handle},
		ImageIndices:   []int{w.imageIndex},
	})

	w.current = (w.current + 1) % len(w.slots)
	w.phase = Presented
	w.stats.Frames++
	w.stats.FrameTime = hrtime.Since(w.frameStart)

	if vkapi.IsSwapchainStale(err) {
		logging.Logger().Debug("swapchain stale on present", slog.String("window", w.Name), slog.Any("error", err))
		if err := w.RecreateSwapchain(); err != nil && !errors.Is(err, ErrZeroExtent) {
			return err
		}
		return nil
	}
	if err != nil {
		logging.Logger().Error("present failed", slog.String("window", w.Name), slog.Any("error", err))
		return errors.Wrapf(err, "window %q present", w.Name)
	}
	return nil
}

// RecreateSwapchain rebuilds the swapchain and every per-image resource after waiting
// for the device to go idle, then notifies listeners. The following frames are skipped
// until the debounce elapses and dependents have been resized. It fails without side
// effects when a recreation is already running or the window has zero extent.
func (w *Window) RecreateSwapchain() error {
	if w.recreating {
		return errors.Wrapf(ErrRecreateInProgress, "window %q", w.Name)
	}
	if w.width == 0 || w.height == 0 {
		logging.Logger().Debug("swapchain recreation deferred, window has zero extent", slog.String("window", w.Name))
		return errors.Wrapf(ErrZeroExtent, "window %q", w.Name)
	}
	w.recreating = true
	defer func() { w.recreating = false }()

	if err := w.dev.WaitIdle(); err != nil {
		return err
	}
	if err := w.dev.DetectDepthFormat(); err != nil {
		return err
	}

	oldCount := w.Swapchain.ImageCount()
	w.freeImageResources()
	if err := w.Swapchain.Recreate(w.width, w.height, w.cfg.VSync, w.cfg.PowerSaving); err != nil {
		logging.Logger().Error("swapchain recreation failed", slog.String("window", w.Name), slog.Any("error", err))
		return errors.Wrapf(err, "window %q", w.Name)
	}
	if err := w.createImageResources(); err != nil {
		return errors.Wrapf(err, "window %q", w.Name)
	}
	w.recreations++
	w.skipFrames = len(w.slots)

	logging.Logger().Info("swapchain recreated",
		slog.String("window", w.Name),
		slog.Int("width", w.Swapchain.Extent.Width),
		slog.Int("height", w.Swapchain.Extent.Height),
		slog.Int("oldImages", oldCount),
		slog.Int("images", w.Swapchain.ImageCount()))

	for _, l := range w.listeners {
		if err := l.SwapchainRecreated(w); err != nil {
			return errors.Wrapf(err, "window %q render target refresh", w.Name)
		}
	}
	return nil
}

// Destroy waits for the device and releases the swapchain and every per-frame object.
// The surface belongs to the caller.
func (w *Window) Destroy() {
	if err := w.dev.WaitIdle(); err != nil {
		logging.Logger().Error("wait idle before window destroy failed", slog.String("window", w.Name), slog.Any("error", err))
	}
	w.freeImageResources()
	for i := range w.slots {
		w.destroySlot(&w.slots[i])
	}
	w.slots = nil
	if w.Swapchain != nil {
		w.Swapchain.Destroy()
	}
}
