package storage

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// lockPoolShards sizes the fixed pool of per-page lock stripes (spec §9:
// "shard a fixed pool of locks by a hash of (f,p)", chosen over a
// per-page map that needs pruning under G). 1024 shards keeps collision
// odds low for the page counts this cache is sized for, at a fixed,
// small memory cost.
const lockPoolShards = 1024

// openCacheFile is the coordinator's bookkeeping for one open file.
type openCacheFile struct {
	id    uint64
	pages map[uint64]struct{}
}

// CacheCoordinator is the public facade (spec §4.5): file lifecycle,
// load/release/markDirty/flush*, per-page locking, structural
// synchronization and the integrity scan. It owns the global structural
// lock G; every exported method holds it for its duration (Close releases
// it while the flusher stops), nesting lockPool stripes inside it as
// needed.
type CacheCoordinator struct {
	g sync.Mutex

	cfg       Config
	store     *PageStore
	allocator *Allocator
	lockPool  *lockPool
	readCache *ReadCache
	writeCache *WriteCache
	wal       *FileWAL
	logger    *log.Logger

	files map[uint64]*openCacheFile

	flushStop chan struct{}
	flushDone chan struct{}
	closed    bool
}

// Open constructs a CacheCoordinator: a PageStore rooted at cfg.Dir, an
// allocator capped at cfg.maxSize(), a 2Q ReadCache sized at
// maxSize-maxSize/16, and a WriteCache whose dirty-page limit is
// cfg.WriteQueueLength (maxSize/16 when that is zero), backed by a
// FileWAL opened (or created) at walPath. If cfg.StartFlush, the
// background flusher starts immediately.
func Open(cfg Config, walPath string) (*CacheCoordinator, error) {
	if cfg.PageSize <= HeaderSize {
		return nil, fmt.Errorf("page size %d must exceed header size %d", cfg.PageSize, HeaderSize)
	}

	wal, err := OpenFileWAL(walPath)
	if err != nil {
		return nil, err
	}

	maxSize := cfg.maxSize()
	allocator := NewAllocator(cfg.PageSize, maxSize)
	readBudget := maxSize - maxSize/16

	cc := &CacheCoordinator{
		cfg:       cfg,
		store:     NewPageStore(cfg.Dir, cfg.PageSize, cfg.FileLock),
		allocator: allocator,
		lockPool:  newLockPool(lockPoolShards),
		readCache: NewReadCache(readBudget, allocator),
		wal:       wal,
		logger:    cfg.logger(),
		files:     make(map[uint64]*openCacheFile),
	}
	cc.writeCache = NewWriteCache(&cc.g, cc.lockPool, cc.store, wal, allocator, cfg)

	if cfg.StartFlush {
		cc.startFlusher()
	}
	return cc, nil
}

// OpenFile opens or creates name, assigns it a file-id, seeds its dirty
// page set from the WAL's checkpoint table, and returns the file-id.
func (cc *CacheCoordinator) OpenFile(name string) (uint64, error) {
	cc.g.Lock()
	defer cc.g.Unlock()

	id, err := cc.store.OpenOrCreate(name)
	if err != nil {
		return 0, err
	}
	cc.files[id] = &openCacheFile{id: id, pages: make(map[uint64]struct{})}

	if err := cc.writeCache.FillDirtyPages(id); err != nil {
		return 0, err
	}
	return id, nil
}

// IsOpen reports whether f is currently open.
func (cc *CacheCoordinator) IsOpen(f uint64) bool {
	cc.g.Lock()
	defer cc.g.Unlock()
	_, ok := cc.files[f]
	return ok
}

func (cc *CacheCoordinator) requireOpen(f uint64) (*openCacheFile, error) {
	cf, ok := cc.files[f]
	if !ok {
		return nil, ErrFileNotOpen
	}
	return cf, nil
}

// Load pins and returns the buffer for (f,p), admitting it via 2Q or
// WriteCache-adoption on a miss.
func (cc *CacheCoordinator) Load(f, p uint64) (*DirectPage, error) {
	cc.g.Lock()
	defer cc.g.Unlock()

	if _, err := cc.requireOpen(f); err != nil {
		return nil, err
	}

	unlock := cc.lockPool.RLock(f, p)
	defer unlock()

	key := PageKey{FileID: f, PageIndex: p}

	// A page seeded by FillDirtyPages at openFile carries identity and
	// lsn but no buffer yet (lazy load, spec §4.4); give it one before
	// ReadCache can admit it.
	if dirty := cc.writeCache.Get(key); dirty != nil && dirty.buf == nil {
		buf, err := cc.fetchFromStore(key)
		if err != nil {
			return nil, err
		}
		dirty.buf = buf
	}

	entry, err := cc.readCache.Load(key,
		func() *CacheEntry { return cc.writeCache.Get(key) },
		func() (*DirectPage, error) { return cc.fetchFromStore(key) },
	)
	if err != nil {
		return nil, err
	}

	entry.Pin()
	cc.files[f].pages[p] = struct{}{}
	return entry.Buffer(), nil
}

// fetchFromStore allocates a buffer and reads key's page from PageStore,
// zero-initialized if the page lies beyond the file's current extent.
func (cc *CacheCoordinator) fetchFromStore(key PageKey) (*DirectPage, error) {
	buf, err := cc.allocator.Allocate()
	if err != nil {
		return nil, err
	}
	if err := cc.store.Read(key.FileID, key.PageIndex, buf.Bytes()); err != nil {
		cc.allocator.Free(buf)
		return nil, err
	}
	return buf, nil
}

// Release unpins (f,p).
func (cc *CacheCoordinator) Release(f, p uint64) error {
	cc.g.Lock()
	defer cc.g.Unlock()

	key := PageKey{FileID: f, PageIndex: p}
	entry := cc.readCache.Get(key)
	if entry == nil {
		entry = cc.writeCache.Get(key)
	}
	if entry == nil {
		return ErrNotInCache
	}
	return entry.Unpin()
}

// MarkDirty marks (f,p) dirty, creating its descriptor if this is the
// page's first touch in either cache (spec §8 scenario 5).
func (cc *CacheCoordinator) MarkDirty(f, p uint64) error {
	cc.g.Lock()
	defer cc.g.Unlock()

	if _, err := cc.requireOpen(f); err != nil {
		return err
	}

	// No per-page lock here: per-page write-locking is a flush-time
	// concern (spec §4.5, "markDirty/flush* effectively take write on
	// individual pages via the flusher"), and G already serializes every
	// structural mutation. Taking it here too would let a backpressure
	// wait in MarkDirtyEntry (which releases G but not a held page lock)
	// block the flusher on an unrelated page hashing to the same shard.
	key := PageKey{FileID: f, PageIndex: p}

	entry := cc.readCache.Get(key)
	if entry == nil {
		entry = cc.writeCache.Get(key)
	}
	if entry != nil && entry.buf == nil {
		buf, err := cc.fetchFromStore(key)
		if err != nil {
			return err
		}
		entry.buf = buf
	}
	if entry == nil {
		cc.readCache.DropGhost(key)
		fresh, err := cc.writeCache.NewDirtyEntry(key)
		if err != nil {
			return err
		}
		entry = fresh
	}

	cc.files[f].pages[p] = struct{}{}
	return cc.writeCache.MarkDirtyEntry(entry, cc.wal.CurrentLSN())
}

// FlushFile flushes all dirty pages of f to disk.
func (cc *CacheCoordinator) FlushFile(f uint64) error {
	cc.g.Lock()
	defer cc.g.Unlock()

	if _, err := cc.requireOpen(f); err != nil {
		return err
	}
	return cc.writeCache.FlushFile(f)
}

// FlushBuffer flushes every open file.
func (cc *CacheCoordinator) FlushBuffer() error {
	cc.g.Lock()
	defer cc.g.Unlock()

	for f := range cc.files {
		if err := cc.writeCache.FlushFile(f); err != nil {
			return err
		}
	}
	return nil
}

// CloseFile closes f, optionally flushing first, and evicts all of its
// entries from both caches.
func (cc *CacheCoordinator) CloseFile(f uint64, flush bool) error {
	cc.g.Lock()
	defer cc.g.Unlock()

	if _, err := cc.requireOpen(f); err != nil {
		return err
	}
	if flush {
		if err := cc.writeCache.FlushFile(f); err != nil {
			return err
		}
	}
	if err := cc.readCache.CloseFile(f); err != nil {
		return err
	}
	cc.writeCache.RemoveFile(f, func(key PageKey) bool { return cc.readCache.Get(key) != nil })
	delete(cc.files, f)
	return cc.store.Close(f)
}

// DeleteFile unconditionally removes f from the cache and deletes its
// backing file.
func (cc *CacheCoordinator) DeleteFile(f uint64) error {
	cc.g.Lock()
	defer cc.g.Unlock()

	if _, err := cc.requireOpen(f); err != nil {
		return err
	}
	if err := cc.readCache.CloseFile(f); err != nil {
		return err
	}
	cc.writeCache.RemoveFile(f, func(PageKey) bool { return false })
	delete(cc.files, f)
	return cc.store.Delete(f)
}

// TruncateFile shrinks f to zero pages, forgetting its cached pages.
func (cc *CacheCoordinator) TruncateFile(f uint64) error {
	cc.g.Lock()
	defer cc.g.Unlock()

	cf, err := cc.requireOpen(f)
	if err != nil {
		return err
	}
	if err := cc.readCache.CloseFile(f); err != nil {
		return err
	}
	cc.writeCache.RemoveFile(f, func(PageKey) bool { return false })
	cf.pages = make(map[uint64]struct{})
	return cc.store.Shrink(f, 0)
}

// RenameFile renames f's backing file to newName.
func (cc *CacheCoordinator) RenameFile(f uint64, newName string) error {
	cc.g.Lock()
	defer cc.g.Unlock()

	if _, err := cc.requireOpen(f); err != nil {
		return err
	}
	return cc.store.Rename(f, newName)
}

// WasSoftlyClosed reports f's soft-close flag.
func (cc *CacheCoordinator) WasSoftlyClosed(f uint64) (bool, error) {
	cc.g.Lock()
	defer cc.g.Unlock()
	if _, err := cc.requireOpen(f); err != nil {
		return false, err
	}
	return cc.store.WasSoftlyClosed(f)
}

// SetSoftlyClosed sets f's soft-close flag.
func (cc *CacheCoordinator) SetSoftlyClosed(f uint64, clean bool) error {
	cc.g.Lock()
	defer cc.g.Unlock()
	if _, err := cc.requireOpen(f); err != nil {
		return err
	}
	return cc.store.SetSoftlyClosed(f, clean)
}

// ForceSyncStoredChanges fsyncs every open file.
func (cc *CacheCoordinator) ForceSyncStoredChanges() error {
	cc.g.Lock()
	defer cc.g.Unlock()
	for f := range cc.files {
		if err := cc.store.Synch(f); err != nil {
			return err
		}
	}
	return nil
}

// CheckStoredPages verifies the magic+CRC header of every page of every
// open file, reporting corruption without stopping the scan. listener
// (nil accepted) is notified after every page scanned; a file with no
// pages produces no notification.
func (cc *CacheCoordinator) CheckStoredPages(listener ProgressListener) []PageCorruption {
	cc.g.Lock()
	defer cc.g.Unlock()

	if listener == nil {
		listener = noopListener{}
	}

	var reports []PageCorruption
	for f := range cc.files {
		name, _ := cc.store.Name(f)
		total, err := cc.store.FilledUpTo(f)
		if err != nil {
			reports = append(reports, PageCorruption{FileID: f, FileName: name, ReadErr: err})
			continue
		}

		buf := make([]byte, cc.cfg.PageSize)
		for p := uint64(0); p < total; p++ {
			if err := cc.store.Read(f, p, buf); err != nil {
				reports = append(reports, PageCorruption{FileID: f, FileName: name, PageIndex: p, ReadErr: err})
				continue
			}
			page := &DirectPage{buf: buf}
			magicOK, crcOK := page.VerifyHeader()
			if !magicOK || !crcOK {
				reports = append(reports, PageCorruption{
					FileID: f, FileName: name, PageIndex: p,
					BadMagic: !magicOK, BadCRC: !crcOK,
				})
			}
			listener.OnProgress(f, int(p)+1, int(total))
		}
	}
	return reports
}

// Close stops the flusher, clears both caches, and syncs+closes every
// open file.
func (cc *CacheCoordinator) Close() error {
	cc.g.Lock()
	if cc.closed {
		cc.g.Unlock()
		return nil
	}
	cc.closed = true
	cc.g.Unlock()

	cc.stopFlusher()

	cc.g.Lock()
	defer cc.g.Unlock()

	cc.writeCache.Clear(func(PageKey) bool { return false })
	for f := range cc.files {
		if err := cc.readCache.CloseFile(f); err != nil {
			cc.logger.Printf("close file %d: %v", f, err)
		}
		if err := cc.store.Synch(f); err != nil {
			cc.logger.Printf("sync file %d: %v", f, err)
		}
		if err := cc.store.Close(f); err != nil {
			cc.logger.Printf("close file %d: %v", f, err)
		}
	}
	cc.files = make(map[uint64]*openCacheFile)
	return cc.wal.Close()
}

// startFlusher launches the dedicated background flusher goroutine.
func (cc *CacheCoordinator) startFlusher() {
	cc.flushStop = make(chan struct{})
	cc.flushDone = make(chan struct{})

	go func() {
		defer close(cc.flushDone)
		ticker := time.NewTicker(cc.cfg.FlushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-cc.flushStop:
				return
			case <-ticker.C:
				cc.g.Lock()
				err := cc.writeCache.FlushColdGroups(time.Now())
				if err != nil {
					cc.writeCache.markUnhealthy(err)
				}
				cc.g.Unlock()
			}
		}
	}()
}

// stopFlusher signals the flusher to stop after its current tick and
// waits for it to exit (spec §4.4: cooperative, not interruptive).
func (cc *CacheCoordinator) stopFlusher() {
	if cc.flushStop == nil {
		return
	}
	close(cc.flushStop)
	<-cc.flushDone
	cc.flushStop = nil
}
