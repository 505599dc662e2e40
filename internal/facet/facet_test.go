package facet

import (
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrydb/quarry/internal/bitmaps"
	"github.com/quarrydb/quarry/internal/storage"
	"github.com/quarrydb/quarry/model"
)

const (
	fieldYear  model.FieldID = 1
	fieldGenre model.FieldID = 2
)

// newReader publishes facet buckets into an in-memory store and pins a
// reader over them.
func newReader(t *testing.T, buckets map[model.FieldID]map[model.Value][]uint32) *Reader {
	t.Helper()
	s, err := storage.Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	tx, err := s.BeginBuild()
	require.NoError(t, err)
	for field, values := range buckets {
		for value, docs := range values {
			data, err := bitmaps.Marshal(roaring.BitmapOf(docs...))
			require.NoError(t, err)
			require.NoError(t, tx.Set(storage.FacetKey(field, value), data))
		}
	}
	require.NoError(t, tx.Publish(storage.Manifest{Generation: 1}))

	snap, err := s.Snapshot()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, snap.Close()) })
	return NewReader(snap)
}

func yearsAndGenres(t *testing.T) *Reader {
	return newReader(t, map[model.FieldID]map[model.Value][]uint32{
		fieldYear: {
			model.Number(1965): {1, 2},
			model.Number(1979): {3},
			model.Number(1984): {4, 5},
			model.Number(2001): {6},
		},
		fieldGenre: {
			model.String("fantasy"): {1, 4},
			model.String("scifi"):   {2, 3, 5, 6},
		},
	})
}

func TestEqual(t *testing.T) {
	r := yearsAndGenres(t)

	docs, err := r.Equal(fieldGenre, model.String("scifi"))
	require.NoError(t, err)
	assert.True(t, docs.Equals(roaring.BitmapOf(2, 3, 5, 6)))

	docs, err = r.Equal(fieldGenre, model.String("horror"))
	require.NoError(t, err)
	assert.True(t, docs.IsEmpty())
}

func TestRange(t *testing.T) {
	r := yearsAndGenres(t)

	min := model.Number(1979)
	max := model.Number(1984)

	tests := []struct {
		name             string
		min, max         *model.Value
		minIncl, maxIncl bool
		want             []uint32
	}{
		{"inclusive both", &min, &max, true, true, []uint32{3, 4, 5}},
		{"exclusive min", &min, &max, false, true, []uint32{4, 5}},
		{"exclusive max", &min, &max, true, false, []uint32{3}},
		{"open max", &min, nil, true, false, []uint32{3, 4, 5, 6}},
		{"open min", nil, &max, false, true, []uint32{1, 2, 3, 4, 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs, err := r.Range(fieldYear, tt.min, tt.minIncl, tt.max, tt.maxIncl)
			require.NoError(t, err)
			assert.True(t, docs.Equals(roaring.BitmapOf(tt.want...)), "got %v", docs.ToArray())
		})
	}
}

func TestExists(t *testing.T) {
	r := yearsAndGenres(t)

	docs, err := r.Exists(fieldYear)
	require.NoError(t, err)
	assert.True(t, docs.Equals(roaring.BitmapOf(1, 2, 3, 4, 5, 6)))

	docs, err = r.Exists(model.FieldID(99))
	require.NoError(t, err)
	assert.True(t, docs.IsEmpty())
}

func TestOrdered(t *testing.T) {
	r := yearsAndGenres(t)

	subset := roaring.BitmapOf(1, 3, 5, 6, 7) // 7 has no year value

	buckets, err := r.Ordered(fieldYear, subset, false)
	require.NoError(t, err)
	require.Len(t, buckets, 5)
	assert.True(t, buckets[0].Equals(roaring.BitmapOf(1)))
	assert.True(t, buckets[1].Equals(roaring.BitmapOf(3)))
	assert.True(t, buckets[2].Equals(roaring.BitmapOf(5)))
	assert.True(t, buckets[3].Equals(roaring.BitmapOf(6)))
	assert.True(t, buckets[4].Equals(roaring.BitmapOf(7)), "valueless docs land last")

	buckets, err = r.Ordered(fieldYear, subset, true)
	require.NoError(t, err)
	require.Len(t, buckets, 5)
	assert.True(t, buckets[0].Equals(roaring.BitmapOf(6)))
	assert.True(t, buckets[3].Equals(roaring.BitmapOf(1)))
	assert.True(t, buckets[4].Equals(roaring.BitmapOf(7)), "valueless docs land last either way")
}

func TestBuckets(t *testing.T) {
	r := yearsAndGenres(t)

	var values []model.Value
	err := r.Buckets(fieldGenre, func(value model.Value, docs *roaring.Bitmap) bool {
		values = append(values, value)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []model.Value{model.String("fantasy"), model.String("scifi")}, values)
}

func TestRangeKindMismatch(t *testing.T) {
	r := yearsAndGenres(t)

	// String bounds never match numeric buckets.
	min := model.String("a")
	docs, err := r.Range(fieldYear, &min, true, nil, false)
	require.NoError(t, err)
	assert.True(t, docs.IsEmpty())
}
