package storage

// Backend is the file-manager contract a PageStore relies on (spec §4.1,
// §6): everything needed to treat one append-growable file as a flat byte
// range. There is no caching; each implementation guards its own state
// with a mutex, and PageStore holds its own lock only while looking up a
// backend, not across calls into it.
type Backend interface {
	// ReadAt reads len(buf) bytes at offset. Short reads past the current
	// size are the caller's concern; PageStore zero-fills them.
	ReadAt(buf []byte, offset int64) (int, error)
	// WriteAt writes len(buf) bytes at offset, growing the backend if
	// necessary.
	WriteAt(buf []byte, offset int64) (int, error)
	// Sync persists all written data.
	Sync() error
	// Size returns the current backend size in bytes.
	Size() int64
	// Truncate resizes the backend.
	Truncate(size int64) error
	// Close releases the backend's resources.
	Close() error
	// Rename moves the backend to a new path/label.
	Rename(newPath string) error
	// Delete unconditionally removes the backend's underlying storage.
	Delete() error
	// WasSoftlyClosed reports whether the last Close on this backend
	// completed cleanly.
	WasSoftlyClosed() bool
	// SetSoftlyClosed sets the soft-close flag persisted by the backend.
	SetSoftlyClosed(clean bool) error
}
