package command

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v3/core1_0"

	"github.com/vkngwrapper/backend/internal/vkapi/vkapitest"
)

func TestLifecycle(t *testing.T) {
	api := vkapitest.New()
	b, err := Allocate(api, core1_0.CommandPool{}, true)
	require.NoError(t, err)
	assert.Equal(t, Ready, b.State())

	require.NoError(t, b.Begin(false, false, false))
	assert.Equal(t, Recording, b.State())

	require.NoError(t, b.BeginRender())
	require.NoError(t, b.BeginRender())
	assert.True(t, b.InRender())
	require.NoError(t, b.EndRender())
	assert.Equal(t, InRender, b.State())
	require.NoError(t, b.EndRender())
	assert.Equal(t, Recording, b.State())

	require.NoError(t, b.End())
	assert.Equal(t, RecordingEnded, b.State())
	b.UpdateSubmitted()
	assert.Equal(t, Submitted, b.State())

	require.NoError(t, b.Reset())
	assert.Equal(t, Ready, b.State())

	b.Free()
	assert.Equal(t, NotAllocated, b.State())
	assert.Equal(t, 1, api.Calls("FreeCommandBuffers"))
}

func TestInvalidTransitions(t *testing.T) {
	b, err := Allocate(vkapitest.New(), core1_0.CommandPool{}, true)
	require.NoError(t, err)

	assert.True(t, errors.Is(b.End(), ErrInvalidState))
	assert.True(t, errors.Is(b.EndRender(), ErrInvalidState))

	require.NoError(t, b.Begin(false, false, false))
	assert.True(t, errors.Is(b.Begin(false, false, false), ErrInvalidState))
	require.NoError(t, b.BeginRender())
	assert.True(t, errors.Is(b.End(), ErrInvalidState))
}

func TestSingleUse(t *testing.T) {
	api := vkapitest.New()
	b, err := AllocateAndBeginSingleUse(api, core1_0.CommandPool{})
	require.NoError(t, err)
	require.NoError(t, b.EndSingleUse(core1_0.Queue{}))

	assert.Equal(t, NotAllocated, b.State())
	assert.Equal(t, 1, api.Calls("QueueSubmit"))
	assert.Equal(t, 1, api.Calls("QueueWaitIdle"))
	assert.Equal(t, 1, api.Calls("FreeCommandBuffers"))
}

func TestSecondaries(t *testing.T) {
	api := vkapitest.New()
	b, err := Allocate(api, core1_0.CommandPool{}, true)
	require.NoError(t, err)
	require.NoError(t, b.AllocateSecondaries(2))

	require.NoError(t, b.Begin(false, false, false))
	require.NoError(t, b.BeginRender())

	for i := 0; i < 2; i++ {
		secondary, err := b.SecondaryBegin(core1_0.CommandBufferInheritanceInfo{})
		require.NoError(t, err)
		assert.Equal(t, InRender, secondary.State())
		require.NoError(t, secondary.End())
	}
	require.NoError(t, b.ExecuteSecondaries())
	assert.Equal(t, 1, api.Calls("CmdExecuteCommands"))
	require.NoError(t, b.EndRender())

	// A second scope in the same recording grows the set and executes only its own.
	require.NoError(t, b.BeginRender())
	third, err := b.SecondaryBegin(core1_0.CommandBufferInheritanceInfo{})
	require.NoError(t, err)
	assert.Len(t, b.secondaries, 3)
	require.NoError(t, third.End())
	require.NoError(t, b.ExecuteSecondaries())
	assert.Equal(t, 2, api.Calls("CmdExecuteCommands"))
	assert.Equal(t, Submitted, third.State())

	require.NoError(t, b.EndRender())
	require.NoError(t, b.End())
	require.NoError(t, b.Reset())
	assert.Equal(t, Ready, third.State())

	secondary, err := b.SecondaryBegin(core1_0.CommandBufferInheritanceInfo{})
	assert.Nil(t, secondary)
	assert.True(t, errors.Is(err, ErrInvalidState))

	b.Free()
	assert.Equal(t, 4, api.Calls("FreeCommandBuffers"))
}

func TestExecuteRejectsOpenSecondary(t *testing.T) {
	api := vkapitest.New()
	b, err := Allocate(api, core1_0.CommandPool{}, true)
	require.NoError(t, err)
	require.NoError(t, b.Begin(false, false, false))
	require.NoError(t, b.BeginRender())

	_, err = b.SecondaryBegin(core1_0.CommandBufferInheritanceInfo{})
	require.NoError(t, err)
	err = b.ExecuteSecondaries()
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.Zero(t, api.Calls("CmdExecuteCommands"))
}
