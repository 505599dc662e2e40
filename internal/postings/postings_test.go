package postings

import (
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrydb/quarry/internal/bitmaps"
	"github.com/quarrydb/quarry/internal/codec"
	"github.com/quarrydb/quarry/internal/storage"
	"github.com/quarrydb/quarry/model"
)

const fieldTitle model.FieldID = 0

func newReader(t *testing.T) *Reader {
	t.Helper()
	s, err := storage.Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	tx, err := s.BeginBuild()
	require.NoError(t, err)

	data, err := bitmaps.Marshal(roaring.BitmapOf(1, 2, 7))
	require.NoError(t, err)
	require.NoError(t, tx.Set(storage.PostingKey(fieldTitle, "fox"), data))
	require.NoError(t, tx.Set(
		storage.PositionsKey(fieldTitle, "fox", 1),
		codec.MarshalPositions([]uint32{3, 8}),
	))
	require.NoError(t, tx.Publish(storage.Manifest{Generation: 1}))

	snap, err := s.Snapshot()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, snap.Close()) })
	return NewReader(snap)
}

func TestLookup(t *testing.T) {
	r := newReader(t)

	docs, err := r.Lookup(fieldTitle, "fox")
	require.NoError(t, err)
	assert.True(t, docs.Equals(roaring.BitmapOf(1, 2, 7)))

	docs, err = r.Lookup(fieldTitle, "wolf")
	require.NoError(t, err)
	assert.True(t, docs.IsEmpty(), "absent posting is empty, not an error")
}

func TestPositions(t *testing.T) {
	r := newReader(t)

	positions, err := r.Positions(fieldTitle, "fox", 1)
	require.NoError(t, err)
	assert.Equal(t, []uint32{3, 8}, positions)

	positions, err = r.Positions(fieldTitle, "fox", 2)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestMergeBitmaps(t *testing.T) {
	a, err := bitmaps.Marshal(roaring.BitmapOf(1, 2))
	require.NoError(t, err)
	b, err := bitmaps.Marshal(roaring.BitmapOf(2, 9))
	require.NoError(t, err)

	merged, err := MergeBitmaps(nil, [][]byte{a, b})
	require.NoError(t, err)

	got, err := bitmaps.Unmarshal(merged)
	require.NoError(t, err)
	assert.True(t, got.Equals(roaring.BitmapOf(1, 2, 9)))
}

func TestMergePositions(t *testing.T) {
	merged, err := MergePositions(nil, [][]byte{
		codec.MarshalPositions([]uint32{5, 9}),
		codec.MarshalPositions([]uint32{1, 5}),
	})
	require.NoError(t, err)

	got, err := codec.UnmarshalPositions(merged)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 5, 9}, got)
}
