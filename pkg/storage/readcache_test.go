package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noDirty() *CacheEntry { return nil }

func TestReadCacheObeysA1inA1outAmCapacities(t *testing.T) {
	alloc := NewAllocator(16, 0)
	rc := NewReadCache(16, alloc) // kIn=4, kOut=8, kM=12
	fetch := func() (*DirectPage, error) { return alloc.Allocate() }

	for i := uint64(0); i < 10; i++ {
		key := PageKey{FileID: 1, PageIndex: i}
		_, err := rc.Load(key, noDirty, fetch)
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, rc.A1inLen(), 4)
	assert.LessOrEqual(t, rc.A1outLen(), 8)
	assert.LessOrEqual(t, rc.AmLen(), 12)
}

func TestReadCacheGhostHitPromotesToAm(t *testing.T) {
	alloc := NewAllocator(16, 0)
	rc := NewReadCache(16, alloc) // kIn=4
	fetch := func() (*DirectPage, error) { return alloc.Allocate() }
	key := PageKey{FileID: 1, PageIndex: 0}

	_, err := rc.Load(key, noDirty, fetch)
	require.NoError(t, err)

	// Push key out of A1in into A1out by admitting kIn more distinct pages.
	for i := uint64(1); i <= 4; i++ {
		_, err := rc.Load(PageKey{FileID: 1, PageIndex: i}, noDirty, fetch)
		require.NoError(t, err)
	}
	require.True(t, rc.IsGhost(key))

	entry, err := rc.Load(key, noDirty, fetch)
	require.NoError(t, err)
	assert.NotNil(t, entry)
	assert.False(t, rc.IsGhost(key))
	assert.NotNil(t, rc.Get(key))
}

func TestReadCacheLoadAdoptsWriteCacheDescriptorOnMiss(t *testing.T) {
	alloc := NewAllocator(16, 0)
	rc := NewReadCache(16, alloc)
	dirty := newCacheEntry(PageKey{FileID: 1, PageIndex: 0}, &DirectPage{buf: make([]byte, 16)})
	dirty.inWriteCache = true

	fetchCalled := false
	entry, err := rc.Load(PageKey{FileID: 1, PageIndex: 0},
		func() *CacheEntry { return dirty },
		func() (*DirectPage, error) {
			fetchCalled = true
			return alloc.Allocate()
		},
	)
	require.NoError(t, err)
	assert.Same(t, dirty, entry)
	assert.False(t, fetchCalled)
}

func TestReadCacheLoadAdoptsWriteCacheDescriptorOnGhostHit(t *testing.T) {
	alloc := NewAllocator(16, 0)
	rc := NewReadCache(16, alloc) // kIn=4
	fetch := func() (*DirectPage, error) { return alloc.Allocate() }
	key := PageKey{FileID: 1, PageIndex: 0}

	_, err := rc.Load(key, noDirty, fetch)
	require.NoError(t, err)
	for i := uint64(1); i <= 4; i++ {
		_, err := rc.Load(PageKey{FileID: 1, PageIndex: i}, noDirty, fetch)
		require.NoError(t, err)
	}
	require.True(t, rc.IsGhost(key))

	dirty := newCacheEntry(key, &DirectPage{buf: make([]byte, 16)})
	dirty.inWriteCache = true
	fetchCalled := false
	entry, err := rc.Load(key,
		func() *CacheEntry { return dirty },
		func() (*DirectPage, error) {
			fetchCalled = true
			return alloc.Allocate()
		},
	)
	require.NoError(t, err)
	assert.Same(t, dirty, entry)
	assert.False(t, fetchCalled)
	assert.False(t, rc.IsGhost(key))
}

func TestReadCacheEvictionSkipsPinnedEntries(t *testing.T) {
	alloc := NewAllocator(16, 0)
	rc := NewReadCache(16, alloc) // kIn=4
	fetch := func() (*DirectPage, error) { return alloc.Allocate() }

	pinnedKey := PageKey{FileID: 1, PageIndex: 0}
	pinned, err := rc.Load(pinnedKey, noDirty, fetch)
	require.NoError(t, err)
	pinned.Pin()

	for i := uint64(1); i <= 4; i++ {
		_, err := rc.Load(PageKey{FileID: 1, PageIndex: i}, noDirty, fetch)
		require.NoError(t, err)
	}

	assert.False(t, rc.IsGhost(pinnedKey))
	assert.NotNil(t, rc.Get(pinnedKey))
}

func TestReadCacheDropGhostIsNoopOnNonGhost(t *testing.T) {
	alloc := NewAllocator(16, 0)
	rc := NewReadCache(16, alloc)
	fetch := func() (*DirectPage, error) { return alloc.Allocate() }
	key := PageKey{FileID: 1, PageIndex: 0}

	_, err := rc.Load(key, noDirty, fetch)
	require.NoError(t, err)

	rc.DropGhost(key)
	assert.NotNil(t, rc.Get(key))
}

func TestReadCacheCloseFileRejectsPinnedEntries(t *testing.T) {
	alloc := NewAllocator(16, 0)
	rc := NewReadCache(16, alloc)
	fetch := func() (*DirectPage, error) { return alloc.Allocate() }
	key := PageKey{FileID: 1, PageIndex: 0}

	entry, err := rc.Load(key, noDirty, fetch)
	require.NoError(t, err)
	entry.Pin()

	err = rc.CloseFile(1)
	assert.ErrorIs(t, err, ErrIllegalState)

	require.NoError(t, entry.Unpin())
	require.NoError(t, rc.CloseFile(1))
	assert.Nil(t, rc.Get(key))
}
