package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectPageHeaderRoundTrip(t *testing.T) {
	page := &DirectPage{buf: make([]byte, 64)}
	copy(page.Payload(), []byte("hello world"))
	page.WriteHeader()

	magicOK, crcOK := page.VerifyHeader()
	assert.True(t, magicOK)
	assert.True(t, crcOK)
}

func TestDirectPageVerifyHeaderDetectsPayloadCorruption(t *testing.T) {
	page := &DirectPage{buf: make([]byte, 64)}
	copy(page.Payload(), []byte("hello world"))
	page.WriteHeader()

	page.Payload()[0] ^= 0xFF

	magicOK, crcOK := page.VerifyHeader()
	assert.True(t, magicOK)
	assert.False(t, crcOK)
}

func TestDirectPageVerifyHeaderDetectsMagicCorruption(t *testing.T) {
	page := &DirectPage{buf: make([]byte, 64)}
	page.WriteHeader()

	page.buf[0] ^= 0xFF

	magicOK, _ := page.VerifyHeader()
	assert.False(t, magicOK)
}

func TestAllocatorReusesFreedBuffers(t *testing.T) {
	a := NewAllocator(64, 2)

	p1, err := a.Allocate()
	require.NoError(t, err)
	p2, err := a.Allocate()
	require.NoError(t, err)
	assert.Equal(t, 2, a.Live())

	_, err = a.Allocate()
	assert.ErrorIs(t, err, ErrResourceExhausted)

	a.Free(p1)
	p3, err := a.Allocate()
	require.NoError(t, err)
	assert.Same(t, p1, p3)
	assert.Equal(t, 2, a.Live())
	_ = p2
}

func TestAllocatorFreeZeroesBufferOnReuse(t *testing.T) {
	a := NewAllocator(8, 0)

	p, err := a.Allocate()
	require.NoError(t, err)
	copy(p.buf, []byte("dirtybuf"))
	a.Free(p)

	p2, err := a.Allocate()
	require.NoError(t, err)
	assert.Same(t, p, p2)
	for _, b := range p2.buf {
		assert.Equal(t, byte(0), b)
	}
}

func TestAllocatorFreeOfNilIsNoop(t *testing.T) {
	a := NewAllocator(8, 0)
	assert.NotPanics(t, func() { a.Free(nil) })
}
