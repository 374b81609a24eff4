package storage

import (
	"encoding/binary"
	"hash/crc32"
	"sync"
)

// HeaderSize is the fixed system header every on-disk page begins with:
// an 8-byte big-endian magic number followed by a 4-byte big-endian CRC32
// over the remaining bytes.
const HeaderSize = 12

// Magic is the 8-byte system header sentinel, 0xFACB03FE stored in the
// low 32 bits of a big-endian uint64.
const Magic uint64 = 0xFACB03FE

// DirectPage is a fixed-size page buffer, standing in for an off-heap
// direct-memory buffer (spec §4.2). A nil *DirectPage is the NULL_POINTER
// sentinel: "no buffer", used by ghost entries.
type DirectPage struct {
	buf []byte
}

// Bytes returns the full page-sized backing buffer.
func (d *DirectPage) Bytes() []byte {
	return d.buf
}

// ReadAt copies n bytes starting at off into a new slice.
func (d *DirectPage) ReadAt(off, n int) []byte {
	out := make([]byte, n)
	copy(out, d.buf[off:off+n])
	return out
}

// WriteAt copies src into the buffer starting at off.
func (d *DirectPage) WriteAt(off int, src []byte) {
	copy(d.buf[off:], src)
}

// Set copies n bytes from src[srcOff:srcOff+n] into the buffer at off.
func (d *DirectPage) Set(off int, src []byte, srcOff, n int) {
	copy(d.buf[off:off+n], src[srcOff:srcOff+n])
}

// Payload returns the mutable region after the system header.
func (d *DirectPage) Payload() []byte {
	return d.buf[HeaderSize:]
}

// WriteHeader stamps the magic number and recomputes the CRC32 over the
// payload region.
func (d *DirectPage) WriteHeader() {
	binary.BigEndian.PutUint64(d.buf[0:8], Magic)
	crc := crc32.ChecksumIEEE(d.buf[HeaderSize:])
	binary.BigEndian.PutUint32(d.buf[8:12], crc)
}

// VerifyHeader reports whether the magic number and CRC32 match the
// current payload.
func (d *DirectPage) VerifyHeader() (magicOK, crcOK bool) {
	magicOK = binary.BigEndian.Uint64(d.buf[0:8]) == Magic
	wantCRC := binary.BigEndian.Uint32(d.buf[8:12])
	gotCRC := crc32.ChecksumIEEE(d.buf[HeaderSize:])
	crcOK = wantCRC == gotCRC
	return magicOK, crcOK
}

// reset zeroes the buffer so a recycled page never leaks a previous
// occupant's bytes into a fresh admission.
func (d *DirectPage) reset() {
	for i := range d.buf {
		d.buf[i] = 0
	}
}

// Allocator hands out fixed-size DirectPage buffers, reusing freed ones
// before growing, and refusing to grow past limit (spec §4.2: allocation
// failure is a resource-exhaustion error surfaced to the caller). limit
// of 0 means unbounded.
type Allocator struct {
	pageSize int
	limit    int

	mu   sync.Mutex
	free []*DirectPage
	live int
}

// NewAllocator builds an Allocator for pages of pageSize bytes, capped at
// limit live buffers (0 = unbounded).
func NewAllocator(pageSize, limit int) *Allocator {
	return &Allocator{
		pageSize: pageSize,
		limit:    limit,
	}
}

// Allocate returns a zeroed page-sized buffer, preferring a freed one
// over growing the arena (mirrors the teacher's free-list-before-evict
// buffer pool strategy).
func (a *Allocator) Allocate() (*DirectPage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.free); n > 0 {
		p := a.free[n-1]
		a.free = a.free[:n-1]
		p.reset()
		return p, nil
	}

	if a.limit > 0 && a.live >= a.limit {
		return nil, ErrResourceExhausted
	}

	a.live++
	return &DirectPage{buf: make([]byte, a.pageSize)}, nil
}

// Free returns a buffer to the pool for reuse. Freeing the NULL_POINTER
// (nil) is a no-op.
func (a *Allocator) Free(p *DirectPage) {
	if p == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = append(a.free, p)
}

// Live reports how many buffers are currently allocated (free or in use).
func (a *Allocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}
