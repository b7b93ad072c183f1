package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBlobs(t *testing.T) {
	// --- Arrange ---
	ctx := context.Background()
	s := newTestStorage(t)
	base := time.Unix(1700000000, 0)

	// --- Act ---
	require.NoError(t, s.PutBlob(ctx, BlobRecord{Key: "b", Size: 20, LastAccess: base.Add(time.Second)}))
	require.NoError(t, s.PutBlob(ctx, BlobRecord{Key: "a", Size: 10, LastAccess: base.Add(2 * time.Second)}))
	require.NoError(t, s.TouchBlob(ctx, "b", base.Add(3*time.Second)))

	// --- Assert ---
	blobs, err := s.Blobs(ctx)
	require.NoError(t, err)
	require.Len(t, blobs, 2)
	assert.Equal(t, "a", blobs[0].Key)
	assert.Equal(t, int64(10), blobs[0].Size)
	assert.Equal(t, "b", blobs[1].Key)
	assert.True(t, blobs[1].LastAccess.Equal(base.Add(3*time.Second)))

	require.NoError(t, s.DeleteBlob(ctx, "a"))
	blobs, err = s.Blobs(ctx)
	require.NoError(t, err)
	assert.Len(t, blobs, 1)
}

func TestEntries(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	_, ok, err := s.GetEntry(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PutEntry(ctx, "k", []byte("first"), time.Now()))
	require.NoError(t, s.PutEntry(ctx, "k", []byte("second"), time.Now()))
	got, ok, err := s.GetEntry(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("second"), got)

	require.NoError(t, s.PutEntry(ctx, "other", []byte("x"), time.Now()))
	n, err := s.CountEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	removed, err := s.ClearEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
	n, err = s.CountEntries(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.db")
	s, err := New(path)
	require.NoError(t, err)
	require.NoError(t, s.PutBlob(ctx, BlobRecord{Key: "k", Size: 1, LastAccess: time.Now()}))
	require.NoError(t, s.Close())

	s, err = New(path)
	require.NoError(t, err)
	defer s.Close()
	blobs, err := s.Blobs(ctx)
	require.NoError(t, err)
	assert.Len(t, blobs, 1)
}
