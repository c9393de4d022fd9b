package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreeListFirstFit(t *testing.T) {
	f := NewFreeList(1024)

	a, ok := f.Allocate(256, 1)
	require.True(t, ok)
	b, ok := f.Allocate(256, 1)
	require.True(t, ok)
	c, ok := f.Allocate(256, 1)
	require.True(t, ok)
	assert.Equal(t, []int{0, 256, 512}, []int{a, b, c})

	require.NoError(t, f.Free(b, 256))
	again, ok := f.Allocate(128, 1)
	require.True(t, ok)
	assert.Equal(t, 256, again)

	_, ok = f.Allocate(1024, 1)
	assert.False(t, ok)
}

func TestFreeListMerges(t *testing.T) {
	f := NewFreeList(300)
	a, _ := f.Allocate(100, 1)
	b, _ := f.Allocate(100, 1)
	c, _ := f.Allocate(100, 1)

	require.NoError(t, f.Free(a, 100))
	require.NoError(t, f.Free(c, 100))
	require.NoError(t, f.Free(b, 100))

	assert.Equal(t, 300, f.FreeSpace())
	whole, ok := f.Allocate(300, 1)
	require.True(t, ok)
	assert.Equal(t, 0, whole)
}

func TestFreeListRejectsDoubleFree(t *testing.T) {
	f := NewFreeList(100)
	a, _ := f.Allocate(50, 1)
	require.NoError(t, f.Free(a, 50))
	assert.Error(t, f.Free(a, 50))
	assert.Error(t, f.Free(90, 20))
}

func TestFreeListResize(t *testing.T) {
	f := NewFreeList(100)
	_, ok := f.Allocate(100, 1)
	require.True(t, ok)

	require.NoError(t, f.Resize(200))
	offset, ok := f.Allocate(100, 1)
	require.True(t, ok)
	assert.Equal(t, 100, offset)
	assert.Error(t, f.Resize(50))

	f.Clear()
	assert.Equal(t, 200, f.FreeSpace())
}

func TestFreeListAlignsOffsets(t *testing.T) {
	f := NewFreeList(64)

	a, ok := f.Allocate(3, 4)
	require.True(t, ok)
	assert.Equal(t, 0, a)
	b, ok := f.Allocate(4, 4)
	require.True(t, ok)
	assert.Equal(t, 4, b)
	c, ok := f.Allocate(8, 16)
	require.True(t, ok)
	assert.Equal(t, 16, c)

	// The padding skipped before each aligned range is still free.
	assert.Equal(t, 64-3-4-8, f.FreeSpace())
	gap, ok := f.Allocate(1, 1)
	require.True(t, ok)
	assert.Equal(t, 3, gap)
	gap, ok = f.Allocate(8, 8)
	require.True(t, ok)
	assert.Equal(t, 8, gap)

	require.NoError(t, f.Free(a, 3))
	require.NoError(t, f.Free(b, 4))
	require.NoError(t, f.Free(c, 8))
	require.NoError(t, f.Free(3, 1))
	require.NoError(t, f.Free(8, 8))
	assert.Equal(t, 64, f.FreeSpace())
	whole, ok := f.Allocate(64, 16)
	require.True(t, ok)
	assert.Zero(t, whole)
}

func TestFreeListAlignmentNeedsRoomForPadding(t *testing.T) {
	f := NewFreeList(32)
	_, ok := f.Allocate(1, 1)
	require.True(t, ok)

	_, ok = f.Allocate(20, 16)
	assert.False(t, ok)
	offset, ok := f.Allocate(16, 16)
	require.True(t, ok)
	assert.Equal(t, 16, offset)
}
