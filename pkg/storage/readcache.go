package storage

import "container/list"

// ReadCache implements the 2Q replacement policy (spec §4.3) over clean
// (and dirty-but-resident) pages: A1in is a FIFO of recently admitted
// pages, A1out is a FIFO of ghosts evicted from A1in, and Am is an LRU of
// pages that earned a second reference. All three lists, together with
// the index map, are protected by the coordinator's structural lock —
// ReadCache itself takes no lock of its own, matching the teacher's
// BufferPool which relied on its caller's lock for list mutation.
type ReadCache struct {
	kIn, kOut, kM int

	a1in  *list.List
	a1out *list.List
	am    *list.List

	// index covers every key currently in exactly one of the three lists
	// above, ghost or not.
	index map[PageKey]*list.Element

	allocator *Allocator
}

// NewReadCache builds a ReadCache with A1in/A1out/Am capacities derived
// from budget, the ReadCache's slice of the overall page budget (spec
// §4.3: K_in = budget/4, K_out = budget/2, K_m = budget - K_in).
func NewReadCache(budget int, allocator *Allocator) *ReadCache {
	kIn := budget / 4
	return &ReadCache{
		kIn:       kIn,
		kOut:      budget / 2,
		kM:        budget - kIn,
		a1in:      list.New(),
		a1out:     list.New(),
		am:        list.New(),
		index:     make(map[PageKey]*list.Element),
		allocator: allocator,
	}
}

// Get returns the entry for key if it is a non-ghost hit in A1in or Am,
// without promoting it — 2Q promotion is driven by load's ghost-hit path,
// not by repeated get calls.
func (rc *ReadCache) Get(key PageKey) *CacheEntry {
	elem, ok := rc.index[key]
	if !ok {
		return nil
	}
	entry := elem.Value.(*CacheEntry)
	if entry.IsGhost() {
		return nil
	}
	return entry
}

// IsGhost reports whether key is currently an A1out ghost.
func (rc *ReadCache) IsGhost(key PageKey) bool {
	elem, ok := rc.index[key]
	if !ok {
		return false
	}
	return elem.Value.(*CacheEntry).IsGhost()
}

// Load is the 2Q miss handler. lookupDirty is consulted first on every
// miss path (plain miss or ghost hit): if WriteCache already holds a
// descriptor for key, that exact descriptor is admitted, preserving
// invariant 1 (at most one non-ghost CacheEntry per key). Only when
// lookupDirty reports nothing does fetch run, to read a fresh buffer from
// PageStore. Neither callback runs on a non-ghost hit.
func (rc *ReadCache) Load(key PageKey, lookupDirty func() *CacheEntry, fetch func() (*DirectPage, error)) (*CacheEntry, error) {
	if elem, ok := rc.index[key]; ok {
		entry := elem.Value.(*CacheEntry)
		if !entry.IsGhost() {
			return entry, nil
		}

		// Ghost hit: the ghost is superseded either by WriteCache's own
		// descriptor for this key, or by reloading this same descriptor's
		// buffer from PageStore. Either way the ghost's A1out slot goes
		// away first.
		rc.a1out.Remove(elem)
		delete(rc.index, key)

		if dirty := lookupDirty(); dirty != nil {
			return dirty, rc.admitAm(dirty)
		}

		buf, err := fetch()
		if err != nil {
			return nil, err
		}
		entry.buf = buf
		return entry, rc.admitAm(entry)
	}

	if dirty := lookupDirty(); dirty != nil {
		return dirty, rc.admitA1in(dirty)
	}

	buf, err := fetch()
	if err != nil {
		return nil, err
	}
	entry := newCacheEntry(key, buf)
	return entry, rc.admitA1in(entry)
}

// admitA1in pushes entry onto A1in at MRU, evicting and demoting to a
// ghost if that overflows A1in's budget.
func (rc *ReadCache) admitA1in(entry *CacheEntry) error {
	elem := rc.a1in.PushFront(entry)
	entry.elem = elem
	rc.index[entry.Key] = elem

	if rc.a1in.Len() > rc.kIn {
		return rc.evictAndDemoteA1in()
	}
	return nil
}

// admitAm pushes entry onto Am at MRU, evicting outright if that
// overflows Am's budget.
func (rc *ReadCache) admitAm(entry *CacheEntry) error {
	elem := rc.am.PushFront(entry)
	entry.elem = elem
	rc.index[entry.Key] = elem

	if rc.am.Len() > rc.kM {
		return rc.evictAmTail()
	}
	return nil
}

// DropGhost discards key's A1out ghost, if any. It is a no-op if key is
// not currently a ghost — used before admitting a brand new dirty
// descriptor for a key that happens to collide with a stale ghost, so
// invariant 1 never has to reconcile two distinct descriptors for the
// same key.
func (rc *ReadCache) DropGhost(key PageKey) {
	elem, ok := rc.index[key]
	if !ok {
		return
	}
	entry := elem.Value.(*CacheEntry)
	if !entry.IsGhost() {
		return
	}
	rc.a1out.Remove(elem)
	delete(rc.index, key)
}

// evictAndDemoteA1in evicts A1in's oldest unpinned entry, demoting it to
// a ghost at the front of A1out, and trims A1out if that overflows it.
func (rc *ReadCache) evictAndDemoteA1in() error {
	victimElem, victim := rc.scanUnpinned(rc.a1in)
	if victim == nil {
		return ErrResourceExhausted
	}
	rc.a1in.Remove(victimElem)
	delete(rc.index, victim.Key)

	if !victim.inWriteCache {
		rc.freeBuffer(victim)
	}

	newElem := rc.a1out.PushFront(victim)
	victim.elem = newElem
	rc.index[victim.Key] = newElem

	if rc.a1out.Len() > rc.kOut {
		rc.dropA1outTail()
	}
	return nil
}

// dropA1outTail discards A1out's oldest entry entirely. A ghost has no
// buffer; an entry demoted while in WriteCache may still hold one, which
// is freed here once WriteCache no longer tracks it and it is unpinned.
func (rc *ReadCache) dropA1outTail() {
	elem := rc.a1out.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*CacheEntry)
	rc.a1out.Remove(elem)
	delete(rc.index, entry.Key)
	if !entry.inWriteCache && !entry.Pinned() {
		rc.freeBuffer(entry)
	}
}

// evictAmTail evicts Am's oldest unpinned entry, dropping it entirely —
// unlike an A1in eviction, an Am eviction does not produce a ghost.
func (rc *ReadCache) evictAmTail() error {
	victimElem, victim := rc.scanUnpinned(rc.am)
	if victim == nil {
		return ErrResourceExhausted
	}
	rc.am.Remove(victimElem)
	delete(rc.index, victim.Key)

	if !victim.inWriteCache {
		rc.freeBuffer(victim)
	}
	return nil
}

// scanUnpinned walks lst from its LRU end looking for the first unpinned
// entry, skipping pins along the way (spec §4.3: "pinned entries are
// skipped; scan walks toward older until an unpinned victim is found").
func (rc *ReadCache) scanUnpinned(lst *list.List) (*list.Element, *CacheEntry) {
	for e := lst.Back(); e != nil; e = e.Prev() {
		entry := e.Value.(*CacheEntry)
		if !entry.Pinned() {
			return e, entry
		}
	}
	return nil, nil
}

func (rc *ReadCache) freeBuffer(entry *CacheEntry) {
	if entry.buf == nil {
		return
	}
	rc.allocator.Free(entry.buf)
	entry.buf = nil
}

// CloseFile removes every entry belonging to fileID from all three
// lists. It is a precondition violation for any of them to be pinned.
func (rc *ReadCache) CloseFile(fileID uint64) error {
	for _, lst := range [...]*list.List{rc.a1in, rc.am} {
		for e := lst.Front(); e != nil; e = e.Next() {
			if entry := e.Value.(*CacheEntry); entry.Key.FileID == fileID && entry.Pinned() {
				return ErrIllegalState
			}
		}
	}

	for _, lst := range [...]*list.List{rc.a1in, rc.a1out, rc.am} {
		var next *list.Element
		for e := lst.Front(); e != nil; e = next {
			next = e.Next()
			entry := e.Value.(*CacheEntry)
			if entry.Key.FileID != fileID {
				continue
			}
			lst.Remove(e)
			delete(rc.index, entry.Key)
			if !entry.inWriteCache {
				rc.freeBuffer(entry)
			}
		}
	}
	return nil
}

// A1inLen, A1outLen and AmLen expose list sizes for capacity assertions.
func (rc *ReadCache) A1inLen() int  { return rc.a1in.Len() }
func (rc *ReadCache) A1outLen() int { return rc.a1out.Len() }
func (rc *ReadCache) AmLen() int    { return rc.am.Len() }
