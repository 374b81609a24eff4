package storage

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemCoordinator(t *testing.T, maxPages, pageSize int, startFlush bool) *CacheCoordinator {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Dir = ""
	cfg.PageSize = pageSize
	cfg.MaxMemoryBytes = int64(maxPages * pageSize)
	cfg.StartFlush = startFlush

	cc, err := Open(cfg, filepath.Join(t.TempDir(), "wal.log"))
	require.NoError(t, err)
	return cc
}

func TestCoordinatorWriteThenReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	walPath := filepath.Join(dir, "wal.log")
	cfg := DefaultConfig()
	cfg.Dir = dir
	cfg.PageSize = 32
	cfg.StartFlush = false

	cc, err := Open(cfg, walPath)
	require.NoError(t, err)

	f, err := cc.OpenFile("t.db")
	require.NoError(t, err)

	page, err := cc.Load(f, 0)
	require.NoError(t, err)
	payload := []byte{1, 2, 3, 99, 5, 6, 7, 42}
	page.WriteAt(HeaderSize, payload)
	page.WriteHeader()
	require.NoError(t, cc.MarkDirty(f, 0))
	require.NoError(t, cc.Release(f, 0))

	require.NoError(t, cc.FlushBuffer())
	require.NoError(t, cc.Close())

	cc2, err := Open(cfg, walPath)
	require.NoError(t, err)
	defer cc2.Close()

	f2, err := cc2.OpenFile("t.db")
	require.NoError(t, err)

	require.NoError(t, cc2.MarkDirty(f2, 0))
	page2, err := cc2.Load(f2, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, page2.ReadAt(HeaderSize, len(payload)))
	require.NoError(t, cc2.Release(f2, 0))
}

func TestCoordinatorFlushClearsRecency(t *testing.T) {
	cc := newMemCoordinator(t, 64, 32, false)
	defer cc.Close()

	f, err := cc.OpenFile("f")
	require.NoError(t, err)

	for i := uint64(0); i < 4; i++ {
		_, err := cc.Load(f, i)
		require.NoError(t, err)
		require.NoError(t, cc.MarkDirty(f, i))
		require.NoError(t, cc.Release(f, i))
	}

	entries := make([]*CacheEntry, 0, 4)
	for i := uint64(0); i < 4; i++ {
		entry := cc.writeCache.Get(PageKey{FileID: f, PageIndex: i})
		require.NotNil(t, entry)
		assert.True(t, entry.RecentlyChanged())
		entries = append(entries, entry)
	}

	require.NoError(t, cc.FlushFile(f))
	assert.Equal(t, 0, cc.writeCache.Len())
	for _, entry := range entries {
		assert.False(t, entry.RecentlyChanged())
	}
}

func TestCoordinatorCapacityClamp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dir = ""
	cfg.PageSize = 32
	cfg.MaxMemoryBytes = int64(64 * 32)
	cfg.WriteQueueLength = 4
	cfg.StartFlush = true
	cfg.FlushInterval = 10 * time.Millisecond
	cfg.Hysteresis = 0

	cc, err := Open(cfg, filepath.Join(t.TempDir(), "wal.log"))
	require.NoError(t, err)
	defer cc.Close()

	f, err := cc.OpenFile("f")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := uint64(0); i < 5; i++ {
			if _, err := cc.Load(f, i); err != nil {
				return
			}
			if err := cc.MarkDirty(f, i); err != nil {
				return
			}
			if err := cc.Release(f, i); err != nil {
				return
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("marking 5 pages dirty never completed; backpressure never released")
	}

	cc.g.Lock()
	size := cc.writeCache.Len()
	cc.g.Unlock()
	assert.LessOrEqual(t, size, 4)
}

func TestCoordinatorBlockedFlushRetriesAfterRelease(t *testing.T) {
	cc := newMemCoordinator(t, 64, 32, false)
	defer cc.Close()

	f, err := cc.OpenFile("f")
	require.NoError(t, err)

	_, err = cc.Load(f, 0)
	require.NoError(t, err)
	require.NoError(t, cc.MarkDirty(f, 0))

	err = cc.FlushFile(f)
	var blocked *BlockedPageError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, fmt.Sprintf("page [%d, 0] is in use", f), blocked.Error())

	require.NoError(t, cc.Release(f, 0))
	require.NoError(t, cc.FlushFile(f))
}

func TestCoordinatorDirtyReadSatisfiesMiss(t *testing.T) {
	cc := newMemCoordinator(t, 64, 32, false)
	defer cc.Close()

	f, err := cc.OpenFile("f")
	require.NoError(t, err)

	require.NoError(t, cc.MarkDirty(f, 0)) // no prior load
	entry := cc.writeCache.Get(PageKey{FileID: f, PageIndex: 0})
	require.NotNil(t, entry)
	copy(entry.Buffer().Payload(), []byte("dirty-bytes"))

	page, err := cc.Load(f, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("dirty-bytes"), page.ReadAt(HeaderSize, len("dirty-bytes")))
	require.NoError(t, cc.Release(f, 0))
}

func TestCoordinatorUnifiedIdentityAcrossCaches(t *testing.T) {
	cc := newMemCoordinator(t, 64, 32, false)
	defer cc.Close()

	f, err := cc.OpenFile("f")
	require.NoError(t, err)

	page, err := cc.Load(f, 0)
	require.NoError(t, err)
	require.NoError(t, cc.MarkDirty(f, 0))

	fromRead := cc.readCache.Get(PageKey{FileID: f, PageIndex: 0})
	fromWrite := cc.writeCache.Get(PageKey{FileID: f, PageIndex: 0})
	require.NotNil(t, fromRead)
	require.NotNil(t, fromWrite)
	assert.Same(t, fromRead, fromWrite)
	assert.Same(t, fromRead.Buffer(), page)

	require.NoError(t, cc.Release(f, 0))
}

func TestCoordinatorCheckStoredPagesDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Dir = dir
	cfg.PageSize = 32
	cfg.StartFlush = false

	cc, err := Open(cfg, filepath.Join(dir, "wal.log"))
	require.NoError(t, err)
	defer cc.Close()

	f, err := cc.OpenFile("f")
	require.NoError(t, err)

	page, err := cc.Load(f, 0)
	require.NoError(t, err)
	page.WriteAt(HeaderSize, []byte("ok"))
	page.WriteHeader()
	require.NoError(t, cc.MarkDirty(f, 0))
	require.NoError(t, cc.Release(f, 0))
	require.NoError(t, cc.FlushFile(f))

	reports := cc.CheckStoredPages(nil)
	assert.Empty(t, reports)

	raw := make([]byte, cfg.PageSize)
	require.NoError(t, cc.store.Read(f, 0, raw))
	raw[HeaderSize] ^= 0xFF
	require.NoError(t, cc.store.Write(f, 0, raw))

	reports = cc.CheckStoredPages(nil)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].BadCRC)
	assert.False(t, reports[0].BadMagic)
}

func TestCoordinatorCloseFileRejectsPinned(t *testing.T) {
	cc := newMemCoordinator(t, 64, 32, false)
	defer cc.Close()

	f, err := cc.OpenFile("f")
	require.NoError(t, err)

	_, err = cc.Load(f, 0)
	require.NoError(t, err)

	err = cc.CloseFile(f, false)
	assert.ErrorIs(t, err, ErrIllegalState)

	require.NoError(t, cc.Release(f, 0))
	require.NoError(t, cc.CloseFile(f, false))
}

func TestCoordinatorSoftCloseFlag(t *testing.T) {
	cc := newMemCoordinator(t, 64, 32, false)
	defer cc.Close()

	f, err := cc.OpenFile("f")
	require.NoError(t, err)

	clean, err := cc.WasSoftlyClosed(f)
	require.NoError(t, err)
	assert.True(t, clean) // fresh in-memory backend starts "softly closed"

	require.NoError(t, cc.SetSoftlyClosed(f, false))
	clean, err = cc.WasSoftlyClosed(f)
	require.NoError(t, err)
	assert.False(t, clean)
}
