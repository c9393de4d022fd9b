// Package command wraps Vulkan command buffers with an explicit recording state.
package command

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/backend/internal/vkapi"
)

// State is the recording state of a Buffer.
type State int

const (
	NotAllocated State = iota
	Ready
	Recording
	InRender
	RecordingEnded
	Submitted
)

var stateNames = map[State]string{
	NotAllocated:   "not allocated",
	Ready:          "ready",
	Recording:      "recording",
	InRender:       "in render",
	RecordingEnded: "recording ended",
	Submitted:      "submitted",
}

func (s State) String() string { return stateNames[s] }

// ErrInvalidState is returned when an operation does not fit the buffer's state.
var ErrInvalidState = errors.New("command buffer in wrong state")

// Buffer is a primary or secondary command buffer.
//
// Render scopes nest: BeginRender may be called while already in render, and the
// buffer leaves the InRender state when the outermost scope ends.
type Buffer struct {
	api     vkapi.Device
	pool    core1_0.CommandPool
	Handle  core1_0.CommandBuffer
	Primary bool

	state       State
	renderDepth int

	secondaries    []*Buffer
	secondaryIndex int
	executedIndex  int
}

// Allocate creates one command buffer from pool.
func Allocate(api vkapi.Device, pool core1_0.CommandPool, primary bool) (*Buffer, error) {
	buffers, err := AllocateMany(api, pool, primary, 1)
	if err != nil {
		return nil, err
	}
	return buffers[0], nil
}

// AllocateMany creates count command buffers from pool in one call.
func AllocateMany(api vkapi.Device, pool core1_0.CommandPool, primary bool, count int) ([]*Buffer, error) {
	level := core1_0.CommandBufferLevelSecondary
	if primary {
		level = core1_0.CommandBufferLevelPrimary
	}
	handles, err := api.AllocateCommandBuffers(pool, level, count)
	if err != nil {
		return nil, err
	}

	buffers := make([]*Buffer, 0, len(handles))
	for _, handle := range handles {
		buffers = append(buffers, &Buffer{
			api:     api,
			pool:    pool,
			Handle:  handle,
			Primary: primary,
			state:   Ready,
		})
	}
	return buffers, nil
}

// State returns the current recording state.
func (b *Buffer) State() State { return b.state }

// InRender reports whether a render scope is open.
func (b *Buffer) InRender() bool { return b.renderDepth > 0 }

func (b *Buffer) expect(op string, states ...State) error {
	for _, s := range states {
		if b.state == s {
			return nil
		}
	}
	return errors.Wrapf(ErrInvalidState, "%s: buffer is %s", op, b.state)
}

// Begin starts recording.
func (b *Buffer) Begin(singleUse, renderPassContinue, simultaneousUse bool) error {
	return b.begin(singleUse, renderPassContinue, simultaneousUse, nil)
}

func (b *Buffer) begin(singleUse, renderPassContinue, simultaneousUse bool, inheritance *core1_0.CommandBufferInheritanceInfo) error {
	if err := b.expect("begin", Ready); err != nil {
		return err
	}

	var flags core1_0.CommandBufferUsageFlags
	if singleUse {
		flags |= core1_0.CommandBufferUsageOneTimeSubmit
	}
	if renderPassContinue {
		flags |= core1_0.CommandBufferUsageRenderPassContinue
	}
	if simultaneousUse {
		flags |= core1_0.CommandBufferUsageSimultaneousUse
	}

	err := b.api.BeginCommandBuffer(b.Handle, core1_0.CommandBufferBeginInfo{
		Flags:           flags,
		InheritanceInfo: inheritance,
	})
	if err != nil {
		return err
	}
	b.state = Recording
	if renderPassContinue {
		b.state = InRender
		b.renderDepth = 1
	}
	return nil
}

// End finishes recording.
func (b *Buffer) End() error {
	if !b.Primary && b.state == InRender && b.renderDepth == 1 {
		b.renderDepth = 0
		b.state = Recording
	}
	if err := b.expect("end", Recording); err != nil {
		return err
	}
	if err := b.api.EndCommandBuffer(b.Handle); err != nil {
		return err
	}
	b.state = RecordingEnded
	return nil
}

// UpdateSubmitted marks an ended buffer as handed to a queue.
func (b *Buffer) UpdateSubmitted() {
	b.state = Submitted
}

// Reset returns the buffer to Ready so it can be recorded again.
func (b *Buffer) Reset() error {
	if b.state == NotAllocated {
		return errors.Wrap(ErrInvalidState, "reset: buffer is not allocated")
	}
	if err := b.api.ResetCommandBuffer(b.Handle); err != nil {
		return err
	}
	b.state = Ready
	b.renderDepth = 0
	b.secondaryIndex = 0
	b.executedIndex = 0
	for _, secondary := range b.secondaries {
		if secondary.state != Ready {
			if err := secondary.Reset(); err != nil {
				return err
			}
		}
	}
	return nil
}

// BeginRender opens a render scope.
func (b *Buffer) BeginRender() error {
	if err := b.expect("begin render", Recording, InRender); err != nil {
		return err
	}
	b.renderDepth++
	b.state = InRender
	return nil
}

// EndRender closes the innermost render scope.
func (b *Buffer) EndRender() error {
	if err := b.expect("end render", InRender); err != nil {
		return err
	}
	b.renderDepth--
	if b.renderDepth == 0 {
		b.state = Recording
	}
	return nil
}

// Free returns the buffer, and any secondaries it owns, to its pool.
func (b *Buffer) Free() {
	if b.state == NotAllocated {
		return
	}
	for _, secondary := range b.secondaries {
		secondary.Free()
	}
	b.secondaries = nil
	b.api.FreeCommandBuffers(b.Handle)
	b.Handle = core1_0.CommandBuffer{}
	b.state = NotAllocated
}

// AllocateAndBeginSingleUse allocates a primary buffer and begins it for one submission.
func AllocateAndBeginSingleUse(api vkapi.Device, pool core1_0.CommandPool) (*Buffer, error) {
	b, err := Allocate(api, pool, true)
	if err != nil {
		return nil, err
	}
	if err := b.Begin(true, false, false); err != nil {
		b.Free()
		return nil, err
	}
	return b, nil
}

// EndSingleUse ends, submits and frees b, blocking until queue is idle.
func (b *Buffer) EndSingleUse(queue core1_0.Queue) error {
	defer b.Free()

	if err := b.End(); err != nil {
		return err
	}
	err := b.api.QueueSubmit(queue, nil, core1_0.SubmitInfo{
		CommandBuffers: []core1_0.CommandBuffer{b.Handle},
	})
	if err != nil {
		return err
	}
	b.UpdateSubmitted()
	return b.api.QueueWaitIdle(queue)
}
