package command

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v3/core1_0"
)

// AllocateSecondaries gives a primary buffer count secondary buffers for batched recording.
func (b *Buffer) AllocateSecondaries(count int) error {
	if !b.Primary {
		return errors.New("secondary buffers can only be owned by a primary buffer")
	}
	secondaries, err := AllocateMany(b.api, b.pool, false, count)
	if err != nil {
		return err
	}
	b.secondaries = append(b.secondaries, secondaries...)
	return nil
}

// SecondaryBegin begins the next unused secondary buffer, allocating one more when all
// are in use. Inside a render scope the secondary continues the render pass described
// by inheritance.
func (b *Buffer) SecondaryBegin(inheritance core1_0.CommandBufferInheritanceInfo) (*Buffer, error) {
	if err := b.expect("secondary begin", Recording, InRender); err != nil {
		return nil, err
	}
	if b.secondaryIndex >= len(b.secondaries) {
		if err := b.AllocateSecondaries(1); err != nil {
			return nil, err
		}
	}

	secondary := b.secondaries[b.secondaryIndex]
	if err := secondary.begin(true, b.InRender(), false, &inheritance); err != nil {
		return nil, err
	}
	b.secondaryIndex++
	return secondary, nil
}

// ExecuteSecondaries records into b every secondary begun since the last call. Each of
// them must have ended.
func (b *Buffer) ExecuteSecondaries() error {
	if err := b.expect("execute secondaries", Recording, InRender); err != nil {
		return err
	}

	var handles []core1_0.CommandBuffer
	for _, secondary := range b.secondaries[b.executedIndex:b.secondaryIndex] {
		if secondary.state != RecordingEnded {
			return errors.Wrapf(ErrInvalidState, "execute secondaries: secondary is %s", secondary.state)
		}
		handles = append(handles, secondary.Handle)
		secondary.UpdateSubmitted()
	}
	if len(handles) > 0 {
		b.api.CmdExecuteCommands(b.Handle, handles...)
	}
	b.executedIndex = b.secondaryIndex
	return nil
}
