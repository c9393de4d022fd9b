package frame

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v3/core1_0"
	"github.com/vkngwrapper/extensions/v3/khr_surface"

	"github.com/vkngwrapper/backend/device"
	"github.com/vkngwrapper/backend/handle"
	"github.com/vkngwrapper/backend/internal/vkapi"
	"github.com/vkngwrapper/backend/internal/vkapi/vkapitest"
)

type bumps struct{ handles []handle.Handle }

func (b *bumps) BumpGeneration(h handle.Handle) error {
	b.handles = append(b.handles, h)
	return nil
}

type listener struct {
	recreated  int
	resized    int
	onRecreate func(w *Window)
}

func (l *listener) SwapchainRecreated(w *Window) error {
	l.recreated++
	if l.onRecreate != nil {
		l.onRecreate(w)
	}
	return nil
}

func (l *listener) DependentsResize(*Window) error {
	l.resized++
	return nil
}

func newWindow(t *testing.T, framesInFlight int) (*Window, *vkapitest.Device, *bumps) {
	api := vkapitest.New()
	dev, err := device.New(api, device.Options{})
	require.NoError(t, err)
	b := &bumps{}
	var surface khr_surface.Surface
	w, err := NewWindow(dev, surface, "main", 640, 480, Config{MaxFramesInFlight: framesInFlight, StagingBufferSize: 1024}, b)
	require.NoError(t, err)
	return w, api, b
}

func runFrame(t *testing.T, w *Window) {
	ok, err := w.Prepare()
	require.NoError(t, err)
	require.True(t, ok)
	finishFrame(t, w)
}

// settle prepares until a frame goes through, finishes it and returns the frames skipped.
func settle(t *testing.T, w *Window) int {
	for skipped := 0; skipped < 10; skipped++ {
		ok, err := w.Prepare()
		require.NoError(t, err)
		if ok {
			finishFrame(t, w)
			return skipped
		}
	}
	t.Fatal("window never resumed")
	return 0
}

func finishFrame(t *testing.T, w *Window) {
	_, err := w.CommandsBegin()
	require.NoError(t, err)
	require.NoError(t, w.CommandsEnd())
	require.NoError(t, w.Submit())
	require.NoError(t, w.Present())
}

func TestChoosePresentMode(t *testing.T) {
	all := []khr_surface.PresentMode{khr_surface.PresentModeFIFO, khr_surface.PresentModeMailbox, khr_surface.PresentModeImmediate}
	fifoOnly := []khr_surface.PresentMode{khr_surface.PresentModeFIFO}

	assert.Equal(t, khr_surface.PresentModeMailbox, ChoosePresentMode(all, true, false))
	assert.Equal(t, khr_surface.PresentModeFIFO, ChoosePresentMode(all, true, true))
	assert.Equal(t, khr_surface.PresentModeImmediate, ChoosePresentMode(all, false, false))
	assert.Equal(t, khr_surface.PresentModeFIFO, ChoosePresentMode(fifoOnly, true, false))
	assert.Equal(t, khr_surface.PresentModeFIFO, ChoosePresentMode(fifoOnly, false, false))
}

func TestChooseExtent(t *testing.T) {
	caps := &khr_surface.SurfaceCapabilities{
		CurrentExtent:  core1_0.Extent2D{Width: -1, Height: -1},
		MinImageExtent: core1_0.Extent2D{Width: 10, Height: 10},
		MaxImageExtent: core1_0.Extent2D{Width: 1000, Height: 1000},
	}
	assert.Equal(t, core1_0.Extent2D{Width: 1000, Height: 10}, ChooseExtent(caps, 5000, 1))

	caps.CurrentExtent = core1_0.Extent2D{Width: 300, Height: 200}
	assert.Equal(t, core1_0.Extent2D{Width: 300, Height: 200}, ChooseExtent(caps, 5000, 1))
}

func TestNewWindow(t *testing.T) {
	w, api, _ := newWindow(t, 2)

	assert.Equal(t, 3, w.Swapchain.ImageCount())
	assert.Len(t, w.commandBuffers, 3)
	assert.Len(t, w.slots, 2)
	assert.Equal(t, 2, api.Calls("CreateFence"))
	assert.Equal(t, 4, api.Calls("CreateSemaphore"))
	// Immediate is not offered, so vsync off falls back to FIFO.
	assert.Equal(t, khr_surface.PresentModeFIFO, w.Swapchain.PresentMode)
	assert.Equal(t, Idle, w.Phase())
}

func TestFenceDiscipline(t *testing.T) {
	for _, framesInFlight := range []int{1, 2, 3} {
		w, api, _ := newWindow(t, framesInFlight)

		for k := 1; k <= 10; k++ {
			ok, err := w.Prepare()
			require.NoError(t, err)
			require.True(t, ok)

			// No more than framesInFlight-1 earlier frames may still be running.
			submitted := k - 1
			assert.GreaterOrEqual(t, api.Completed(), submitted-(framesInFlight-1), "frames in flight %d, frame %d", framesInFlight, k)
			assert.Equal(t, (k-1)%framesInFlight, w.FrameIndex())

			finishFrame(t, w)
		}
		assert.Len(t, api.Submissions, 10)
		assert.Equal(t, uint64(10), w.Stats().Frames)
	}
}

func TestStepsOutOfOrder(t *testing.T) {
	w, _, _ := newWindow(t, 2)

	_, err := w.CommandsBegin()
	assert.True(t, errors.Is(err, ErrPhase))
	assert.True(t, errors.Is(w.Submit(), ErrPhase))
	assert.True(t, errors.Is(w.Present(), ErrPhase))

	ok, err := w.Prepare()
	require.NoError(t, err)
	require.True(t, ok)
	_, err = w.Prepare()
	assert.True(t, errors.Is(err, ErrPhase))

	_, err = w.CommandsBegin()
	require.NoError(t, err)
	assert.True(t, errors.Is(w.Submit(), ErrPhase), "submit before the buffer is ended")
}

func TestRecreateZeroExtentHasNoSideEffects(t *testing.T) {
	w, api, _ := newWindow(t, 2)
	w.Resized(0, 0)
	api.ResetCalls()

	err := w.RecreateSwapchain()
	assert.True(t, errors.Is(err, ErrZeroExtent))
	assert.Equal(t, 0, api.Calls("WaitIdle"))
	assert.Equal(t, 0, api.Calls("CreateSwapchain"))
	assert.Equal(t, 0, api.Calls("DestroySwapchain"))
	assert.Equal(t, 0, w.Recreations())

	ok, err := w.Prepare()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, api.Calls("WaitIdle"))
}

func TestMinimiseThenRestoreRecreatesOnce(t *testing.T) {
	w, api, _ := newWindow(t, 2)

	w.Resized(0, 0)
	for i := 0; i < 3; i++ {
		ok, err := w.Prepare()
		require.NoError(t, err)
		assert.False(t, ok)
	}
	w.Resized(640, 480)
	ok, err := w.Prepare()
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, 2, api.Calls("CreateSwapchain"))
	assert.Equal(t, 1, w.Recreations())
}

func TestRecreateDuringRecreateFails(t *testing.T) {
	w, _, _ := newWindow(t, 2)
	var nested error
	var prepared bool
	l := &listener{onRecreate: func(w *Window) {
		nested = w.RecreateSwapchain()
		prepared, _ = w.Prepare()
	}}
	w.AddListener(l)

	require.NoError(t, w.RecreateSwapchain())
	assert.True(t, errors.Is(nested, ErrRecreateInProgress))
	assert.False(t, prepared)
	assert.Equal(t, 1, l.recreated)
	assert.Equal(t, 1, w.Recreations())
}

func TestRecreateFollowsImageCount(t *testing.T) {
	w, api, _ := newWindow(t, 2)
	api.ImageCount = 2
	freed := api.Calls("FreeCommandBuffers")

	require.NoError(t, w.RecreateSwapchain())
	assert.Equal(t, 2, w.Swapchain.ImageCount())
	assert.Len(t, w.commandBuffers, 2)
	assert.Len(t, w.imagesInFlight, 2)
	assert.Equal(t, freed+3, api.Calls("FreeCommandBuffers"))

	assert.Equal(t, 2, settle(t, w))
}

func TestOutOfDateOnAcquire(t *testing.T) {
	w, api, _ := newWindow(t, 2)
	api.AcquireErrors = []error{vkapi.ErrOutOfDate}

	ok, err := w.Prepare()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, w.Recreations())

	assert.Equal(t, 2, settle(t, w))
}

func TestStaleOnPresent(t *testing.T) {
	for _, stale := range []error{vkapi.ErrOutOfDate, vkapi.ErrSuboptimal} {
		w, api, _ := newWindow(t, 2)
		api.PresentErrors = []error{stale}

		runFrame(t, w)
		assert.Equal(t, 1, w.Recreations())
		assert.Equal(t, 2, settle(t, w))
	}
}

func TestPresentFailure(t *testing.T) {
	w, api, _ := newWindow(t, 2)
	api.PresentErrors = []error{errors.New("device lost")}

	ok, err := w.Prepare()
	require.NoError(t, err)
	require.True(t, ok)
	_, err = w.CommandsBegin()
	require.NoError(t, err)
	require.NoError(t, w.CommandsEnd())
	require.NoError(t, w.Submit())
	require.Error(t, w.Present())
	assert.Equal(t, 0, w.Recreations())
}

func TestDeferredTextureBumps(t *testing.T) {
	w, _, b := newWindow(t, 2)
	h := handle.Handle{Index: 0, ID: uuid.New()}

	ok, err := w.Prepare()
	require.NoError(t, err)
	require.True(t, ok)
	w.QueueTextureDirty(h)
	finishFrame(t, w)

	runFrame(t, w)
	assert.Empty(t, b.handles, "other slot must not apply the bump")

	runFrame(t, w)
	assert.Equal(t, []handle.Handle{h}, b.handles)

	runFrame(t, w)
	runFrame(t, w)
	assert.Len(t, b.handles, 1)
}

func TestResizeDebounce(t *testing.T) {
	w, api, _ := newWindow(t, 2)
	l := &listener{}
	w.AddListener(l)
	runFrame(t, w)

	w.Resized(800, 600)
	w.Resized(1024, 768)

	assert.Equal(t, 3, settle(t, w))
	assert.Equal(t, 1, l.recreated)
	assert.Equal(t, 1, l.resized)
	assert.Equal(t, 2, api.Calls("CreateSwapchain"))
	w2, h2 := w.Size()
	assert.Equal(t, 1024, w2)
	assert.Equal(t, 768, h2)
}

func TestMarkFlagsChanged(t *testing.T) {
	w, _, _ := newWindow(t, 2)
	w.MarkFlagsChanged(true, false)

	ok, err := w.Prepare()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, khr_surface.PresentModeMailbox, w.Swapchain.PresentMode)
	assert.Equal(t, 1, w.Recreations())
}

func TestDestroy(t *testing.T) {
	w, api, _ := newWindow(t, 2)
	runFrame(t, w)
	w.Destroy()

	assert.Equal(t, 2, api.Calls("DestroyFence"))
	assert.Equal(t, 4, api.Calls("DestroySemaphore"))
	assert.Equal(t, 1, api.Calls("DestroySwapchain"))
	assert.Equal(t, 3, api.Calls("DestroyImageView"))
	assert.Equal(t, 1, api.Completed())
}
