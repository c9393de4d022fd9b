package handle

import (
	"math/rand"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireResolveRelease(t *testing.T) {
	var table Table[string]

	h := table.Acquire("albedo")
	record, err := table.Resolve(h)
	require.NoError(t, err)
	assert.Equal(t, "albedo", *record)

	released := h
	value, err := table.Release(&released)
	require.NoError(t, err)
	assert.Equal(t, "albedo", value)
	assert.Equal(t, Invalid, released)

	_, err = table.Resolve(h)
	assert.True(t, errors.Is(err, ErrStaleHandle))
}

func TestReusedSlotDoesNotAlias(t *testing.T) {
	var table Table[int]

	first := table.Acquire(1)
	release := first
	_, err := table.Release(&release)
	require.NoError(t, err)

	second := table.Acquire(2)
	assert.Equal(t, first.Index, second.Index)
	assert.NotEqual(t, first.ID, second.ID)

	_, err = table.Resolve(first)
	assert.True(t, errors.Is(err, ErrStaleHandle))

	value, err := table.Resolve(second)
	require.NoError(t, err)
	assert.Equal(t, 2, *value)
}

func TestDoubleReleaseFails(t *testing.T) {
	var table Table[int]
	h := table.Acquire(7)
	copyOfH := h

	_, err := table.Release(&h)
	require.NoError(t, err)
	_, err = table.Release(&copyOfH)
	assert.True(t, errors.Is(err, ErrStaleHandle))
}

func TestInvalidNeverResolves(t *testing.T) {
	var table Table[int]
	table.Acquire(1)

	_, err := table.Resolve(Invalid)
	assert.True(t, errors.Is(err, ErrStaleHandle))
	_, err = table.Resolve(Handle{Index: 5})
	assert.True(t, errors.Is(err, ErrStaleHandle))
}

func TestReplaceStalesOldHandle(t *testing.T) {
	var table Table[int]
	h := table.Acquire(1)

	next, err := table.Replace(h, 2)
	require.NoError(t, err)
	assert.Equal(t, h.Index, next.Index)

	_, err = table.Resolve(h)
	assert.True(t, errors.Is(err, ErrStaleHandle))
	value, err := table.Resolve(next)
	require.NoError(t, err)
	assert.Equal(t, 2, *value)
}

// Random acquire/release sequences: every live handle resolves to its own record and
// every released handle stays stale.
func TestRandomAcquireRelease(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	var table Table[int]
	live := map[Handle]int{}
	var dead []Handle

	for i := 0; i < 2000; i++ {
		if len(live) == 0 || rng.Intn(3) != 0 {
			h := table.Acquire(i)
			live[h] = i
			continue
		}
		for h := range live {
			release := h
			value, err := table.Release(&release)
			require.NoError(t, err)
			require.Equal(t, live[h], value)
			delete(live, h)
			dead = append(dead, h)
			break
		}
	}

	for h, want := range live {
		got, err := table.Resolve(h)
		require.NoError(t, err)
		require.Equal(t, want, *got)
	}
	for _, h := range dead {
		_, err := table.Resolve(h)
		require.True(t, errors.Is(err, ErrStaleHandle))
	}
	assert.Equal(t, len(live), table.Live())
}
