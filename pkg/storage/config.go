package storage

import (
	"log"
	"math"
	"time"
)

// Config holds the recognized cache configuration options (spec §6).
type Config struct {
	// MaxMemoryBytes is the total buffer budget for resident pages.
	MaxMemoryBytes int64
	// PageSize is the fixed page size in bytes; must accommodate the
	// 12-byte system header plus payload.
	PageSize int
	// WriteQueueLength caps outstanding dirty pages before markDirty on a
	// new page blocks. Zero means "derive from maxSize()/16", i.e. one
	// sixteenth of the page budget (MaxMemoryBytes/PageSize).
	WriteQueueLength int
	// SyncOnPageFlush requests an fsync after each flushed write-group.
	SyncOnPageFlush bool
	// StartFlush auto-starts the background flusher at construction; tests
	// set this false and drive flushes explicitly.
	StartFlush bool
	// FileLock requests OS-level file locking from the file manager; off
	// in tests.
	FileLock bool
	// FlushInterval is how often the background flusher wakes to look for
	// cold write-groups.
	FlushInterval time.Duration
	// Hysteresis is how long a write-group's oldest entry must have been
	// dirty before the background flusher will pick it up.
	Hysteresis time.Duration
	// Dir is the directory new files are created under. Empty means an
	// in-memory PageStore (every OpenFile call creates a MemoryBackend).
	Dir string
	// Logger receives diagnostic output from the flusher and integrity
	// scan. Defaults to log.Default() when nil.
	Logger *log.Logger
}

// DefaultConfig returns sane defaults, mirroring engine.DefaultOptions in
// shape: a small page count budget, WAL enabled, periodic flushing on.
func DefaultConfig() Config {
	return Config{
		MaxMemoryBytes:   64 * 1024 * 1024,
		PageSize:         4096,
		WriteQueueLength: 0,
		SyncOnPageFlush:  false,
		StartFlush:       true,
		FileLock:         false,
		FlushInterval:    200 * time.Millisecond,
		Hysteresis:       500 * time.Millisecond,
		Dir:              "",
		Logger:           nil,
	}
}

func (c Config) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

// maxSize is floor(MaxMemoryBytes/PageSize) clamped to [16, MaxInt32].
func (c Config) maxSize() int {
	n := c.MaxMemoryBytes / int64(c.PageSize)
	if n < 16 {
		n = 16
	}
	if n > math.MaxInt32 {
		n = math.MaxInt32
	}
	return int(n)
}
