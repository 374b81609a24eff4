package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// openFile is PageStore's bookkeeping for one open file-id.
type openFile struct {
	id      uint64
	name    string
	backend Backend
}

// PageStore is a uniform handle over the file manager (spec §4.1): it
// maps file-id to an open Backend, and translates page-index-addressed
// reads/writes into the backend's byte-offset contract.
type PageStore struct {
	mu       sync.Mutex
	dir      string // "" selects in-memory backends for every OpenOrCreate
	pageSize int
	fileLock bool
	nextID   uint64
	files    map[uint64]*openFile
}

// NewPageStore builds a PageStore rooted at dir (empty dir means every
// file is an in-memory backend, useful for ":memory:"-style configs and
// fast tests).
func NewPageStore(dir string, pageSize int, fileLock bool) *PageStore {
	return &PageStore{
		dir:      dir,
		pageSize: pageSize,
		fileLock: fileLock,
		nextID:   1,
		files:    make(map[uint64]*openFile),
	}
}

func (ps *PageStore) get(id uint64) (*openFile, error) {
	f, ok := ps.files[id]
	if !ok {
		return nil, ErrFileNotOpen
	}
	return f, nil
}

// OpenOrCreate opens name if it exists, or creates it, and assigns it a
// fresh monotonic file-id.
func (ps *PageStore) OpenOrCreate(name string) (uint64, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	var backend Backend
	if ps.dir == "" {
		backend = NewMemory()
	} else {
		if err := os.MkdirAll(ps.dir, 0755); err != nil {
			return 0, fmt.Errorf("create store dir %q: %w", ps.dir, err)
		}
		disk, err := OpenDisk(filepath.Join(ps.dir, name), ps.fileLock)
		if err != nil {
			return 0, fmt.Errorf("open file %q: %w", name, err)
		}
		backend = disk
	}

	id := ps.nextID
	ps.nextID++
	ps.files[id] = &openFile{id: id, name: name, backend: backend}
	return id, nil
}

// Exists reports whether name already exists under the store's directory.
// Always false for an in-memory store.
func (ps *PageStore) Exists(name string) bool {
	if ps.dir == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(ps.dir, name))
	return err == nil
}

// Read fills buf (exactly one page) from fileID at pageIndex, zero-filling
// any portion at or beyond the backend's current size.
func (ps *PageStore) Read(fileID, pageIndex uint64, buf []byte) error {
	ps.mu.Lock()
	f, err := ps.get(fileID)
	ps.mu.Unlock()
	if err != nil {
		return err
	}

	for i := range buf {
		buf[i] = 0
	}

	offset := int64(pageIndex) * int64(ps.pageSize)
	n, err := f.backend.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read page %d of %q: %w", pageIndex, f.name, err)
	}
	_ = n // short/EOF reads are already zero-padded above
	return nil
}

// Write persists buf (exactly one page) to fileID at pageIndex.
func (ps *PageStore) Write(fileID, pageIndex uint64, buf []byte) error {
	ps.mu.Lock()
	f, err := ps.get(fileID)
	ps.mu.Unlock()
	if err != nil {
		return err
	}

	offset := int64(pageIndex) * int64(ps.pageSize)
	if _, err := f.backend.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("write page %d of %q: %w", pageIndex, f.name, err)
	}
	return nil
}

// FilledUpTo returns the number of whole pages currently on disk for
// fileID.
func (ps *PageStore) FilledUpTo(fileID uint64) (uint64, error) {
	ps.mu.Lock()
	f, err := ps.get(fileID)
	ps.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return uint64(f.backend.Size()) / uint64(ps.pageSize), nil
}

// Shrink truncates fileID to exactly pages pages.
func (ps *PageStore) Shrink(fileID uint64, pages uint64) error {
	ps.mu.Lock()
	f, err := ps.get(fileID)
	ps.mu.Unlock()
	if err != nil {
		return err
	}
	return f.backend.Truncate(int64(pages) * int64(ps.pageSize))
}

// Synch fsyncs fileID.
func (ps *PageStore) Synch(fileID uint64) error {
	ps.mu.Lock()
	f, err := ps.get(fileID)
	ps.mu.Unlock()
	if err != nil {
		return err
	}
	return f.backend.Sync()
}

// Close closes fileID's backend and forgets it.
func (ps *PageStore) Close(fileID uint64) error {
	ps.mu.Lock()
	f, err := ps.get(fileID)
	if err == nil {
		delete(ps.files, fileID)
	}
	ps.mu.Unlock()
	if err != nil {
		return err
	}
	return f.backend.Close()
}

// Rename renames fileID's backend to newName, retrying on transient
// failures with bounded exponential backoff (spec §9 REDESIGN: bounded,
// not the source's unbounded watchdog-driven spin).
func (ps *PageStore) Rename(fileID uint64, newName string) error {
	ps.mu.Lock()
	f, err := ps.get(fileID)
	ps.mu.Unlock()
	if err != nil {
		return err
	}

	newPath := newName
	if ps.dir != "" {
		newPath = filepath.Join(ps.dir, newName)
	}

	if err := renameWithRetry(f.backend, newPath); err != nil {
		return err
	}

	ps.mu.Lock()
	f.name = newName
	ps.mu.Unlock()
	return nil
}

// Delete unconditionally deletes fileID's backend and forgets it.
func (ps *PageStore) Delete(fileID uint64) error {
	ps.mu.Lock()
	f, err := ps.get(fileID)
	if err == nil {
		delete(ps.files, fileID)
	}
	ps.mu.Unlock()
	if err != nil {
		return err
	}
	return f.backend.Delete()
}

// WasSoftlyClosed reports fileID's soft-close flag.
func (ps *PageStore) WasSoftlyClosed(fileID uint64) (bool, error) {
	ps.mu.Lock()
	f, err := ps.get(fileID)
	ps.mu.Unlock()
	if err != nil {
		return false, err
	}
	return f.backend.WasSoftlyClosed(), nil
}

// SetSoftlyClosed sets fileID's soft-close flag.
func (ps *PageStore) SetSoftlyClosed(fileID uint64, clean bool) error {
	ps.mu.Lock()
	f, err := ps.get(fileID)
	ps.mu.Unlock()
	if err != nil {
		return err
	}
	return f.backend.SetSoftlyClosed(clean)
}

// Name returns fileID's current name/label.
func (ps *PageStore) Name(fileID uint64) (string, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	f, err := ps.get(fileID)
	if err != nil {
		return "", err
	}
	return f.name, nil
}

// PageSize returns the store's fixed page size.
func (ps *PageStore) PageSize() int {
	return ps.pageSize
}
