package storage

import (
	"container/list"
	"sync/atomic"
	"time"
)

// PageKey identifies a page by (file-id, page-index), the cache's only
// notion of page identity (spec §3).
type PageKey struct {
	FileID    uint64
	PageIndex uint64
}

// CacheEntry is the descriptor for one cached page. Invariant 1 requires
// that at most one non-ghost CacheEntry exists per PageKey across
// ReadCache and WriteCache; when both reference a page they share this
// same struct and its buffer.
type CacheEntry struct {
	Key PageKey

	buf   *DirectPage // nil means ghost: identity only, no buffer
	usage int32       // pin count, atomic; eligible for eviction only at 0

	recentlyChanged bool // set by markDirty, cleared by flush
	inWriteCache    bool // true iff present in WriteCache's map

	lsn uint64 // LSN of the WAL record describing the latest mutation

	// dirtySince is bookkeeping for the background flusher's hysteresis
	// window; it is not part of the identity or flag set the spec
	// enumerates, only of how "oldest" is computed among dirty groups.
	dirtySince time.Time

	// elem is this entry's current position in whichever ReadCache list
	// (A1in, A1out as a ghost, or Am) holds it; nil while only resident
	// in WriteCache.
	elem *list.Element
}

func newCacheEntry(key PageKey, buf *DirectPage) *CacheEntry {
	return &CacheEntry{Key: key, buf: buf}
}

// Pin increments the usage counter, marking the entry ineligible for
// eviction.
func (e *CacheEntry) Pin() {
	atomic.AddInt32(&e.usage, 1)
}

// Unpin decrements the usage counter. It returns ErrIllegalState if the
// entry was not pinned.
func (e *CacheEntry) Unpin() error {
	if atomic.AddInt32(&e.usage, -1) < 0 {
		atomic.AddInt32(&e.usage, 1)
		return ErrIllegalState
	}
	return nil
}

// Pinned reports whether usage-counter > 0.
func (e *CacheEntry) Pinned() bool {
	return atomic.LoadInt32(&e.usage) > 0
}

// Buffer returns the entry's DirectPage, or nil for a ghost.
func (e *CacheEntry) Buffer() *DirectPage {
	return e.buf
}

// IsGhost reports whether this entry is identity-only (no buffer).
func (e *CacheEntry) IsGhost() bool {
	return e.buf == nil
}

// RecentlyChanged reports the dirty-since-last-flush flag.
func (e *CacheEntry) RecentlyChanged() bool {
	return e.recentlyChanged
}

// InWriteCache reports whether the entry is currently tracked by the
// WriteCache.
func (e *CacheEntry) InWriteCache() bool {
	return e.inWriteCache
}

// LSN returns the LSN stamped at the entry's latest mutation.
func (e *CacheEntry) LSN() uint64 {
	return e.lsn
}
