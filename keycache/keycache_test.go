package keycache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type key8 uint64

func (key8) HeapSize() int { return 8 }

type blob struct {
	n int
}

func (b blob) HeapSize() int { return b.n }

// one entry of a key8 and a 32-byte blob
const unit = 8 + 32 + entryOverhead

func TestInsertGet(t *testing.T) {
	c := New[key8, blob](4 * unit)

	require.NoError(t, c.Insert(key8(1), blob{32}))
	got, ok := c.Get(key8(1))
	assert.True(t, ok)
	assert.Equal(t, blob{32}, got)

	_, ok = c.Get(key8(2))
	assert.False(t, ok)

	assert.Equal(t, 1, c.Len())
	assert.Equal(t, unit, c.Size())
}

func TestLRUEvictionOrder(t *testing.T) {
	c := New[key8, blob](3 * unit)

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, c.Insert(key8(i), blob{32}))
	}

	// Touch 1 so 2 becomes the eviction candidate.
	_, ok := c.Get(key8(1))
	require.True(t, ok)

	require.NoError(t, c.Insert(key8(4), blob{32}))

	assert.True(t, c.Contains(key8(1)))
	assert.False(t, c.Contains(key8(2)), "least recently used entry must go first")
	assert.True(t, c.Contains(key8(3)))
	assert.True(t, c.Contains(key8(4)))
}

func TestInsertReplaces(t *testing.T) {
	c := New[key8, blob](2 * unit)

	require.NoError(t, c.Insert(key8(1), blob{32}))
	require.NoError(t, c.Insert(key8(1), blob{16}))

	assert.Equal(t, 1, c.Len())
	got, _ := c.Get(key8(1))
	assert.Equal(t, blob{16}, got)
	assert.Equal(t, unit-16, c.Size())
}

func TestEntryTooLarge(t *testing.T) {
	c := New[key8, blob](unit)
	err := c.Insert(key8(1), blob{unit})
	assert.ErrorIs(t, err, ErrEntryTooLarge)
	assert.Equal(t, 0, c.Len())
}

func TestPinnedEntriesSurviveEviction(t *testing.T) {
	c := New[key8, blob](2 * unit)

	require.NoError(t, c.Insert(key8(1), blob{32}))
	require.NoError(t, c.Insert(key8(2), blob{32}))
	require.True(t, c.Pin(key8(1)))

	// 1 is the LRU entry but pinned, so 2 must be evicted instead.
	require.NoError(t, c.Insert(key8(3), blob{32}))
	assert.True(t, c.Contains(key8(1)))
	assert.False(t, c.Contains(key8(2)))
}

func TestEvictionImpossibleWhenAllPinned(t *testing.T) {
	c := New[key8, blob](2 * unit)

	require.NoError(t, c.Insert(key8(1), blob{32}))
	require.NoError(t, c.Insert(key8(2), blob{32}))
	require.True(t, c.Pin(key8(1)))
	require.True(t, c.Pin(key8(2)))

	err := c.Insert(key8(3), blob{32})
	assert.ErrorIs(t, err, ErrEvictionImpossible)
	assert.False(t, c.Contains(key8(3)))

	// Unpinning frees the cache up again.
	require.True(t, c.Unpin(key8(1)))
	assert.NoError(t, c.Insert(key8(3), blob{32}))
	assert.False(t, c.Contains(key8(1)))
}

func TestUnpinAll(t *testing.T) {
	c := New[key8, blob](2 * unit)

	require.NoError(t, c.Insert(key8(1), blob{32}))
	require.NoError(t, c.Insert(key8(2), blob{32}))
	c.Pin(key8(1))
	c.Pin(key8(2))
	c.UnpinAll()

	assert.NoError(t, c.Insert(key8(3), blob{32}))
}

func TestPinMissingEntry(t *testing.T) {
	c := New[key8, blob](unit)
	assert.False(t, c.Pin(key8(9)))
	assert.False(t, c.Unpin(key8(9)))
}

func TestRemove(t *testing.T) {
	c := New[key8, blob](2 * unit)

	require.NoError(t, c.Insert(key8(1), blob{32}))
	c.Pin(key8(1))

	assert.True(t, c.Remove(key8(1)), "remove applies to pinned entries too")
	assert.False(t, c.Remove(key8(1)))
	assert.Equal(t, 0, c.Size())
}

func TestClear(t *testing.T) {
	c := New[key8, blob](4 * unit)

	require.NoError(t, c.Insert(key8(1), blob{32}))
	require.NoError(t, c.Insert(key8(2), blob{32}))
	c.Pin(key8(1))
	c.Clear()

	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 0, c.Size())
	assert.False(t, c.Contains(key8(1)))
}

func TestResize(t *testing.T) {
	c := New[key8, blob](4 * unit)
	for i := uint64(1); i <= 4; i++ {
		require.NoError(t, c.Insert(key8(i), blob{32}))
	}

	require.NoError(t, c.Resize(2*unit))
	assert.Equal(t, 2, c.Len())
	assert.True(t, c.Contains(key8(3)))
	assert.True(t, c.Contains(key8(4)))

	c.Pin(key8(3))
	c.Pin(key8(4))
	assert.ErrorIs(t, c.Resize(unit), ErrEvictionImpossible)
}
