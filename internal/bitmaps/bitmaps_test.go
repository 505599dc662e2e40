package bitmaps

import (
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalRoundTrip(t *testing.T) {
	bm := roaring.BitmapOf(1, 5, 100000)

	data, err := Marshal(bm)
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.True(t, got.Equals(bm))
}

func TestUnmarshalCorrupt(t *testing.T) {
	_, err := Unmarshal([]byte{0xde, 0xad})
	assert.Error(t, err)
}

func TestUnionBytes(t *testing.T) {
	a, err := Marshal(roaring.BitmapOf(1, 2))
	require.NoError(t, err)
	b, err := Marshal(roaring.BitmapOf(2, 3))
	require.NoError(t, err)

	merged, err := UnionBytes([][]byte{a, b})
	require.NoError(t, err)

	got, err := Unmarshal(merged)
	require.NoError(t, err)
	assert.True(t, got.Equals(roaring.BitmapOf(1, 2, 3)))
}

func TestAnd(t *testing.T) {
	a := roaring.BitmapOf(1, 2, 3)
	b := roaring.BitmapOf(2, 3, 4)

	got := And(a, b)
	assert.True(t, got.Equals(roaring.BitmapOf(2, 3)))
	assert.True(t, a.Equals(roaring.BitmapOf(1, 2, 3)), "inputs stay untouched")

	assert.True(t, And(a, nil, b).Equals(roaring.BitmapOf(2, 3)), "nil means all documents")
	assert.Nil(t, And())
}

func TestOr(t *testing.T) {
	got := Or(roaring.BitmapOf(1), nil, roaring.BitmapOf(3))
	assert.True(t, got.Equals(roaring.BitmapOf(1, 3)))
	assert.True(t, Or().IsEmpty())
}
