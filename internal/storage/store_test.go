package storage

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrydb/quarry/model"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestOpenEmptyStore(t *testing.T) {
	s := openStore(t)

	snap, err := s.Snapshot()
	require.NoError(t, err)
	defer snap.Close()

	assert.Equal(t, model.Generation(0), snap.Generation())
	_, err = snap.Get([]byte("missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPublishAndRead(t *testing.T) {
	s := openStore(t)

	tx, err := s.BeginBuild()
	require.NoError(t, err)
	require.NoError(t, tx.Set([]byte("k1"), []byte("v1")))
	require.NoError(t, tx.Publish(Manifest{Generation: 1, NextDocID: 3, LiveDocs: 3}))

	snap, err := s.Snapshot()
	require.NoError(t, err)
	defer snap.Close()

	assert.Equal(t, model.Generation(1), snap.Generation())
	assert.Equal(t, model.DocID(3), snap.Manifest().NextDocID)
	assert.Equal(t, uint64(3), snap.Manifest().LiveDocs)

	v, err := snap.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)
}

func TestSnapshotIsolation(t *testing.T) {
	s := openStore(t)

	tx, err := s.BeginBuild()
	require.NoError(t, err)
	require.NoError(t, tx.Set([]byte("k"), []byte("old")))
	require.NoError(t, tx.Publish(Manifest{Generation: 1}))

	old, err := s.Snapshot()
	require.NoError(t, err)
	defer old.Close()

	tx, err = s.BeginBuild()
	require.NoError(t, err)
	require.NoError(t, tx.Set([]byte("k"), []byte("new")))
	require.NoError(t, tx.Publish(Manifest{Generation: 2}))

	// The pinned snapshot keeps seeing generation 1.
	v, err := old.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("old"), v)
	assert.Equal(t, model.Generation(1), old.Generation())

	fresh, err := s.Snapshot()
	require.NoError(t, err)
	defer fresh.Close()
	v, err = fresh.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), v)
}

func TestBuildSingleFlight(t *testing.T) {
	s := openStore(t)

	tx, err := s.BeginBuild()
	require.NoError(t, err)

	_, err = s.BeginBuild()
	assert.ErrorIs(t, err, ErrBuildInFlight)

	tx.Discard()

	tx, err = s.BeginBuild()
	require.NoError(t, err)
	tx.Discard()
}

func TestDiscardDropsWrites(t *testing.T) {
	s := openStore(t)

	tx, err := s.BeginBuild()
	require.NoError(t, err)
	require.NoError(t, tx.Set([]byte("k"), []byte("v")))
	tx.Discard()

	snap, err := s.Snapshot()
	require.NoError(t, err)
	defer snap.Close()

	assert.Equal(t, model.Generation(0), snap.Generation())
	_, err = snap.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIteratePrefix(t *testing.T) {
	s := openStore(t)

	tx, err := s.BeginBuild()
	require.NoError(t, err)
	require.NoError(t, tx.Set([]byte("a/1"), []byte("1")))
	require.NoError(t, tx.Set([]byte("a/2"), []byte("2")))
	require.NoError(t, tx.Set([]byte("b/1"), []byte("3")))
	require.NoError(t, tx.Publish(Manifest{Generation: 1}))

	snap, err := s.Snapshot()
	require.NoError(t, err)
	defer snap.Close()

	var keys []string
	err = snap.Iterate([]byte("a/"), func(key, value []byte) (bool, error) {
		keys = append(keys, string(key))
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a/1", "a/2"}, keys)

	// Early stop.
	keys = keys[:0]
	err = snap.Iterate(nil, func(key, value []byte) (bool, error) {
		keys = append(keys, string(key))
		return false, nil
	})
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestReadYourWrites(t *testing.T) {
	s := openStore(t)

	tx, err := s.BeginBuild()
	require.NoError(t, err)
	require.NoError(t, tx.Set([]byte("k"), []byte("v")))

	v, err := tx.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	require.NoError(t, tx.Delete([]byte("k")))
	_, err = tx.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrNotFound)

	tx.Discard()
}

func TestManifestRoundTrip(t *testing.T) {
	m := Manifest{Generation: 42, NextDocID: 1000, LiveDocs: 987}
	got, err := DecodeManifest(m.marshal())
	require.NoError(t, err)
	assert.Equal(t, m, got)

	_, err = DecodeManifest(nil)
	assert.Error(t, err)
}

func TestOrderedValueOrdering(t *testing.T) {
	// Encoded numbers must compare byte-wise in numeric order, including
	// negatives.
	nums := []float64{-100.5, -1, 0, 0.5, 1, 99, 1e9}
	var prev []byte
	for _, f := range nums {
		enc := OrderedValue(model.Number(f))
		if prev != nil {
			assert.Equal(t, -1, bytes.Compare(prev, enc), "%v must sort before next", f)
		}
		prev = enc

		got, err := DecodeOrderedValue(enc)
		require.NoError(t, err)
		assert.Equal(t, model.Number(f), got)
	}
}

func TestOrderedValueRoundTrip(t *testing.T) {
	values := []model.Value{
		model.String("genre"),
		model.String(""),
		model.Boolean(true),
		model.Boolean(false),
	}
	for _, v := range values {
		got, err := DecodeOrderedValue(OrderedValue(v))
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}
