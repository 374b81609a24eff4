package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileWALAppendAndFlushUntil(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	wal, err := OpenFileWAL(path)
	require.NoError(t, err)
	defer wal.Close()

	lsn1, err := wal.Append([]byte("first"))
	require.NoError(t, err)
	lsn2, err := wal.Append([]byte("second"))
	require.NoError(t, err)
	assert.Equal(t, lsn1+1, lsn2)
	assert.Equal(t, lsn2, wal.CurrentLSN())

	require.NoError(t, wal.FlushUntil(lsn2))
	assert.Equal(t, lsn2, wal.lastFlushedLSN())

	assert.Error(t, wal.FlushUntil(lsn2+1))
}

func TestFileWALDirtyPageTableSurvivesCheckpointAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	wal, err := OpenFileWAL(path)
	require.NoError(t, err)

	require.NoError(t, wal.RegisterDirty(1, 0, 5))
	require.NoError(t, wal.RegisterDirty(1, 1, 7))

	rows, err := wal.CheckpointDirtyPages()
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	require.NoError(t, wal.Checkpoint())
	require.NoError(t, wal.Close())

	reopened, err := OpenFileWAL(path)
	require.NoError(t, err)
	defer reopened.Close()

	rows2, err := reopened.CheckpointDirtyPages()
	require.NoError(t, err)
	assert.Len(t, rows2, 2)
}

func TestFileWALUnregisterDirtyRemovesEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	wal, err := OpenFileWAL(path)
	require.NoError(t, err)
	defer wal.Close()

	require.NoError(t, wal.RegisterDirty(1, 0, 1))
	wal.unregisterDirty(1, 0)

	rows, err := wal.CheckpointDirtyPages()
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestFileWALClosedRejectsOperations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	wal, err := OpenFileWAL(path)
	require.NoError(t, err)
	require.NoError(t, wal.Close())

	_, err = wal.Append([]byte("x"))
	assert.ErrorIs(t, err, ErrWALClosed)

	err = wal.FlushUntil(0)
	assert.ErrorIs(t, err, ErrWALClosed)

	err = wal.RegisterDirty(1, 0, 1)
	assert.ErrorIs(t, err, ErrWALClosed)
}

func TestFileWALLSNSurvivesReopenWithoutCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	wal, err := OpenFileWAL(path)
	require.NoError(t, err)

	_, err = wal.Append([]byte("a"))
	require.NoError(t, err)
	lastLSN, err := wal.Append([]byte("b"))
	require.NoError(t, err)
	require.NoError(t, wal.FlushUntil(lastLSN))
	require.NoError(t, wal.Close())

	reopened, err := OpenFileWAL(path)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, lastLSN, reopened.CurrentLSN())
}
