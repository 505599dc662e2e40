package blobstore

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeUnderTest exercises the Store contract shared by every
// implementation.
func storeUnderTest(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	_, err := store.Open(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	w, err := store.Create(ctx, "backups/a")
	require.NoError(t, err)
	_, err = w.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = w.Write([]byte("world"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := store.Open(ctx, "backups/a")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "hello world", string(data))

	// Overwrite replaces content.
	w, err = store.Create(ctx, "backups/a")
	require.NoError(t, err)
	_, err = w.Write([]byte("v2"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err = store.Open(ctx, "backups/a")
	require.NoError(t, err)
	data, err = io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "v2", string(data))

	w, err = store.Create(ctx, "backups/b")
	require.NoError(t, err)
	require.NoError(t, w.Close())
	w, err = store.Create(ctx, "other/c")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	names, err := store.List(ctx, "backups/")
	require.NoError(t, err)
	assert.Equal(t, []string{"backups/a", "backups/b"}, names)

	names, err = store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"backups/a", "backups/b", "other/c"}, names)

	require.NoError(t, store.Delete(ctx, "backups/a"))
	_, err = store.Open(ctx, "backups/a")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, store.Delete(ctx, "backups/a"), "deleting a missing blob is a no-op")
}

func TestMemoryStore(t *testing.T) {
	storeUnderTest(t, NewMemoryStore())
}

func TestLocalStore(t *testing.T) {
	storeUnderTest(t, NewLocalStore(t.TempDir()))
}

func TestMemoryStoreIsolatesReads(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	w, err := store.Create(ctx, "a")
	require.NoError(t, err)
	_, err = w.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := store.Open(ctx, "a")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	data[0] = 'x'

	r2, err := store.Open(ctx, "a")
	require.NoError(t, err)
	again, err := io.ReadAll(r2)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(again), "readers get copies")
}

func TestLocalStoreHidesTempFiles(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore(t.TempDir())

	// A blob mid-write is invisible to List and Open.
	w, err := store.Create(ctx, "pending")
	require.NoError(t, err)
	_, err = w.Write([]byte("half"))
	require.NoError(t, err)

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, names)
	_, err = store.Open(ctx, "pending")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, w.Close())
	names, err = store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"pending"}, names)
}

func TestLocalStoreListMissingRoot(t *testing.T) {
	store := NewLocalStore(t.TempDir() + "/does-not-exist")

	names, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, names)
}
