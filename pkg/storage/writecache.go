package storage

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// groupSize is how many consecutive page-indices within a file are
// flushed together as one write-group, to exploit sequential I/O (spec
// §4.4).
const groupSize = 16

// WriteCache is the write-ordered dirty-page buffer (WoW, spec §4.4): an
// unordered map keyed by (file-id,page-index) — grouping for flush
// purposes is computed on demand by sorting page-indices within a file,
// which gives the same deterministic, ascending flush order an
// insertion-ordered map would, without the bookkeeping of maintaining
// one — plus a background flusher that respects WAL-before-data
// ordering and exerts backpressure once too many pages are dirty.
type WriteCache struct {
	g    sync.Locker // the coordinator's structural lock, held by every caller
	cond *sync.Cond  // backpressure wait/wake, L == g

	lockPool  *lockPool
	store     *PageStore
	wal       WAL
	allocator *Allocator
	logger    *log.Logger

	writeQueueLength int
	syncOnFlush      bool
	flushInterval    time.Duration
	hysteresis       time.Duration

	entries map[PageKey]*CacheEntry

	unhealthy error // set by the flusher on repeated hard failure

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWriteCache builds a WriteCache. g must be the same lock the owning
// CacheCoordinator holds across its public methods — WriteCache never
// acquires it itself except via cond.Wait's implicit release during
// backpressure.
func NewWriteCache(g sync.Locker, lp *lockPool, store *PageStore, wal WAL, allocator *Allocator, cfg Config) *WriteCache {
	writeQueueLength := cfg.WriteQueueLength
	if writeQueueLength <= 0 {
		writeQueueLength = cfg.maxSize() / 16
	}

	wc := &WriteCache{
		g:                g,
		lockPool:         lp,
		store:            store,
		wal:              wal,
		allocator:        allocator,
		logger:           cfg.logger(),
		writeQueueLength: writeQueueLength,
		syncOnFlush:      cfg.SyncOnPageFlush,
		flushInterval:    cfg.FlushInterval,
		hysteresis:       cfg.Hysteresis,
		entries:          make(map[PageKey]*CacheEntry),
	}
	wc.cond = sync.NewCond(g)
	return wc
}

// Len reports the current dirty-page count.
func (wc *WriteCache) Len() int {
	return len(wc.entries)
}

// Get returns the dirty entry for key, or nil on miss.
func (wc *WriteCache) Get(key PageKey) *CacheEntry {
	return wc.entries[key]
}

// waitForRoom blocks (releasing g) while the dirty-page count is at or
// above writeQueueLength, for a brand-new dirty admission (spec §4.4:
// "markDirty on a new page blocks ... already-dirty pages re-marked
// never block").
func (wc *WriteCache) waitForRoom() {
	for len(wc.entries) >= wc.writeQueueLength {
		wc.cond.Wait()
	}
}

// MarkDirtyEntry applies markDirty's state transition to an existing
// descriptor (spec §4.4: "markDirty(entry): same state transitions ...
// fails with NotInCache if entry is nil"). lsn is the WAL tail stamped at
// the time of the call.
func (wc *WriteCache) MarkDirtyEntry(entry *CacheEntry, lsn uint64) error {
	if entry == nil {
		return ErrNotInCache
	}
	if wc.unhealthy != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnhealthy, wc.unhealthy)
	}

	if _, already := wc.entries[entry.Key]; !already {
		wc.waitForRoom()
	}

	entry.recentlyChanged = true
	entry.inWriteCache = true
	entry.lsn = lsn
	entry.dirtySince = time.Now()
	wc.entries[entry.Key] = entry

	if err := wc.wal.RegisterDirty(entry.Key.FileID, entry.Key.PageIndex, lsn); err != nil {
		return err
	}
	return nil
}

// NewDirtyEntry allocates and reads (or zero-inits, if beyond the file's
// current extent) a fresh buffer for key, for the case where markDirty
// is the first touch this page has ever had in either cache.
func (wc *WriteCache) NewDirtyEntry(key PageKey) (*CacheEntry, error) {
	buf, err := wc.allocator.Allocate()
	if err != nil {
		return nil, err
	}

	filled, err := wc.store.FilledUpTo(key.FileID)
	if err != nil {
		wc.allocator.Free(buf)
		return nil, err
	}
	if key.PageIndex < filled {
		if err := wc.store.Read(key.FileID, key.PageIndex, buf.Bytes()); err != nil {
			wc.allocator.Free(buf)
			return nil, err
		}
	}
	return newCacheEntry(key, buf), nil
}

// Remove deletes key from the dirty map (spec §4.4 remove). If the page
// is not also referenced by ReadCache, its buffer is freed; stillCached
// reports whether ReadCache holds the same descriptor.
func (wc *WriteCache) Remove(key PageKey, stillCached bool) {
	entry, ok := wc.entries[key]
	if !ok {
		return
	}
	delete(wc.entries, key)
	entry.inWriteCache = false
	if !stillCached {
		wc.allocator.Free(entry.buf)
		entry.buf = nil
	}
	wc.cond.Broadcast()
}

// Clear drops every dirty entry without persisting anything. stillCached
// reports, per key, whether ReadCache keeps the descriptor alive.
func (wc *WriteCache) Clear(stillCached func(PageKey) bool) {
	for key, entry := range wc.entries {
		entry.inWriteCache = false
		if !stillCached(key) {
			wc.allocator.Free(entry.buf)
			entry.buf = nil
		}
	}
	wc.entries = make(map[PageKey]*CacheEntry)
	wc.cond.Broadcast()
}

// RemoveFile drops every dirty entry belonging to fileID without
// persisting anything, leaving other files' entries untouched. Used by
// closeFile/deleteFile/truncateFile, which must not discard other open
// files' dirty pages the way a global Clear would.
func (wc *WriteCache) RemoveFile(fileID uint64, stillCached func(PageKey) bool) {
	for key, entry := range wc.entries {
		if key.FileID != fileID {
			continue
		}
		delete(wc.entries, key)
		entry.inWriteCache = false
		if !stillCached(key) {
			wc.allocator.Free(entry.buf)
			entry.buf = nil
		}
	}
	wc.cond.Broadcast()
}

// groupsOf returns, for fileID, every write-group index that currently
// has at least one dirty page, ascending.
func (wc *WriteCache) groupsOf(fileID uint64) []uint64 {
	seen := make(map[uint64]struct{})
	for key := range wc.entries {
		if key.FileID != fileID {
			continue
		}
		seen[key.PageIndex/groupSize] = struct{}{}
	}
	groups := make([]uint64, 0, len(seen))
	for g := range seen {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i] < groups[j] })
	return groups
}

// pagesInGroup returns the dirty pages of fileID within write-group
// groupIdx, ascending by page-index.
func (wc *WriteCache) pagesInGroup(fileID, groupIdx uint64) []PageKey {
	lo := groupIdx * groupSize
	hi := lo + groupSize
	var keys []PageKey
	for key := range wc.entries {
		if key.FileID == fileID && key.PageIndex >= lo && key.PageIndex < hi {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].PageIndex < keys[j].PageIndex })
	return keys
}

// FlushFile flushes every write-group of fileID in ascending page-index
// order, returning a *BlockedPageError (without having flushed the
// blocking group) on the first pinned page encountered — matching
// flushFile's abort semantics (spec §4.4), as opposed to the background
// flusher's skip-past-pinned-groups behavior.
func (wc *WriteCache) FlushFile(fileID uint64) error {
	for _, groupIdx := range wc.groupsOf(fileID) {
		keys := wc.pagesInGroup(fileID, groupIdx)
		if len(keys) == 0 {
			continue
		}
		if err := wc.flushGroup(fileID, keys, abortOnPinned); err != nil {
			return err
		}
	}
	return nil
}

// flushColdPolicy distinguishes flushFile's abort-on-pinned semantics
// from the background flusher's skip-on-pinned semantics.
type flushColdPolicy int

const (
	abortOnPinned flushColdPolicy = iota
	skipOnPinned
)

// flushGroup locks every page in keys (ascending, deduplicated by shard),
// checks for pins per policy, and if clear, persists each page in order
// after waiting on the WAL up to its LSN.
func (wc *WriteCache) flushGroup(fileID uint64, keys []PageKey, policy flushColdPolicy) error {
	unlock := wc.lockPool.LockGroup(keys)
	defer unlock()

	for _, key := range keys {
		entry := wc.entries[key]
		if entry == nil {
			continue
		}
		if entry.Pinned() {
			if policy == abortOnPinned {
				return NewBlockedPageError(key.FileID, key.PageIndex)
			}
			return nil // skip the whole group; background flusher tries again later
		}
	}

	for _, key := range keys {
		entry := wc.entries[key]
		if entry == nil {
			continue
		}
		if err := wc.wal.FlushUntil(entry.lsn); err != nil {
			return fmt.Errorf("flush wal to lsn %d for page [%d,%d]: %w", entry.lsn, key.FileID, key.PageIndex, err)
		}
		if err := wc.store.Write(key.FileID, key.PageIndex, entry.buf.Bytes()); err != nil {
			return fmt.Errorf("write page [%d,%d]: %w", key.FileID, key.PageIndex, err)
		}
		entry.recentlyChanged = false
		entry.inWriteCache = false
		delete(wc.entries, key)
		if fw, ok := wc.wal.(*FileWAL); ok {
			fw.unregisterDirty(key.FileID, key.PageIndex)
		}
	}

	if wc.syncOnFlush {
		if err := wc.store.Synch(fileID); err != nil {
			return err
		}
	}
	wc.cond.Broadcast()
	return nil
}

// FlushColdGroups scans every file's groups for ones whose oldest dirty
// entry predates now-hysteresis, flushing them with skip-on-pinned
// semantics. It is called by the coordinator's background flusher tick,
// with g already held.
func (wc *WriteCache) FlushColdGroups(now time.Time) error {
	byFile := make(map[uint64]map[uint64]time.Time)
	for key, entry := range wc.entries {
		groups, ok := byFile[key.FileID]
		if !ok {
			groups = make(map[uint64]time.Time)
			byFile[key.FileID] = groups
		}
		g := key.PageIndex / groupSize
		if oldest, ok := groups[g]; !ok || entry.dirtySince.Before(oldest) {
			groups[g] = entry.dirtySince
		}
	}

	for fileID, groups := range byFile {
		idxs := make([]uint64, 0, len(groups))
		for g := range groups {
			idxs = append(idxs, g)
		}
		sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })

		for _, groupIdx := range idxs {
			if now.Sub(groups[groupIdx]) < wc.hysteresis {
				continue
			}
			keys := wc.pagesInGroup(fileID, groupIdx)
			if len(keys) == 0 {
				continue
			}
			if err := wc.flushGroup(fileID, keys, skipOnPinned); err != nil {
				return err
			}
		}
	}
	return nil
}

// FillDirtyPages seeds the dirty map for fileID from the WAL's
// checkpointed dirty-page table, at openFile (spec §4.4). Entries are
// metadata-only (no buffer) until next touched by load or markDirty.
func (wc *WriteCache) FillDirtyPages(fileID uint64) error {
	rows, err := wc.wal.CheckpointDirtyPages()
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.FileID != fileID {
			continue
		}
		key := PageKey{FileID: row.FileID, PageIndex: row.PageIndex}
		if _, already := wc.entries[key]; already {
			continue
		}
		entry := newCacheEntry(key, nil)
		entry.recentlyChanged = true
		entry.inWriteCache = true
		entry.lsn = row.LSN
		entry.dirtySince = time.Now()
		wc.entries[key] = entry
	}
	return nil
}

// LogDirtyPagesTable snapshots every currently dirty (f,p,lsn) tuple, for
// WAL checkpoint use (spec §4.4 logDirtyPagesTable).
func (wc *WriteCache) LogDirtyPagesTable() []DirtyPageRecord {
	rows := make([]DirtyPageRecord, 0, len(wc.entries))
	for key, entry := range wc.entries {
		rows = append(rows, DirtyPageRecord{FileID: key.FileID, PageIndex: key.PageIndex, LSN: entry.lsn})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].FileID != rows[j].FileID {
			return rows[i].FileID < rows[j].FileID
		}
		return rows[i].PageIndex < rows[j].PageIndex
	})
	return rows
}

// markUnhealthy records a hard flusher failure; future MarkDirtyEntry
// calls fail fast until the coordinator is recreated (spec §7).
func (wc *WriteCache) markUnhealthy(err error) {
	wc.unhealthy = err
	wc.logger.Printf("write cache flusher unhealthy: %v", err)
}
