package geo

import (
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrydb/quarry/internal/codec"
	"github.com/quarrydb/quarry/internal/storage"
	"github.com/quarrydb/quarry/model"
)

var cities = map[model.DocID]model.GeoPoint{
	1: {Lat: 48.8566, Lon: 2.3522},  // Paris
	2: {Lat: 48.8049, Lon: 2.1204},  // Versailles, ~20 km from Paris
	3: {Lat: 45.7640, Lon: 4.8357},  // Lyon, ~390 km from Paris
	4: {Lat: 51.5074, Lon: -0.1278}, // London
	5: {Lat: 40.7128, Lon: -74.006}, // New York
}

func loadIndex(t *testing.T, points map[model.DocID]model.GeoPoint) *Index {
	t.Helper()
	s, err := storage.Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	tx, err := s.BeginBuild()
	require.NoError(t, err)
	for doc, p := range points {
		require.NoError(t, tx.Set(storage.GeoKey(doc), codec.MarshalGeoPoint(p)))
	}
	require.NoError(t, tx.Publish(storage.Manifest{Generation: 1}))

	snap, err := s.Snapshot()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, snap.Close()) })

	idx, err := Load(snap)
	require.NoError(t, err)
	return idx
}

func TestLoad(t *testing.T) {
	idx := loadIndex(t, cities)
	assert.Equal(t, len(cities), idx.Len())

	p, ok := idx.Point(1)
	require.True(t, ok)
	assert.Equal(t, cities[1], p)

	_, ok = idx.Point(99)
	assert.False(t, ok)
}

func TestDistance(t *testing.T) {
	// Paris to London is roughly 344 km.
	d := Distance(cities[1], cities[4])
	assert.InDelta(t, 344000, d, 5000)

	assert.Zero(t, Distance(cities[1], cities[1]))
}

func TestWithinRadius(t *testing.T) {
	idx := loadIndex(t, cities)

	tests := []struct {
		name   string
		center model.GeoPoint
		meters float64
		want   []uint32
	}{
		{"paris tight", cities[1], 1000, []uint32{1}},
		{"paris metro", cities[1], 30000, []uint32{1, 2}},
		{"paris wide", cities[1], 400000, []uint32{1, 2, 3, 4}},
		{"negative radius", cities[1], -1, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := idx.WithinRadius(tt.center, tt.meters)
			assert.True(t, got.Equals(roaring.BitmapOf(tt.want...)), "got %v", got.ToArray())
		})
	}
}

func TestWithinBBox(t *testing.T) {
	idx := loadIndex(t, cities)

	// A box over France.
	got := idx.WithinBBox(
		model.GeoPoint{Lat: 42, Lon: -5},
		model.GeoPoint{Lat: 51, Lon: 8},
	)
	assert.True(t, got.Equals(roaring.BitmapOf(1, 2, 3)))
}

func TestNearest(t *testing.T) {
	idx := loadIndex(t, cities)

	hits := idx.Nearest(cities[1], 3, nil)
	require.Len(t, hits, 3)
	assert.Equal(t, model.DocID(1), hits[0].Doc)
	assert.Equal(t, model.DocID(2), hits[1].Doc)
	assert.Equal(t, model.DocID(4), hits[2].Doc)
	assert.True(t, hits[1].Distance <= hits[2].Distance)
}

func TestNearestFiltered(t *testing.T) {
	idx := loadIndex(t, cities)

	hits := idx.Nearest(cities[1], 2, roaring.BitmapOf(3, 5))
	require.Len(t, hits, 2)
	assert.Equal(t, model.DocID(3), hits[0].Doc)
	assert.Equal(t, model.DocID(5), hits[1].Doc)

	assert.Empty(t, idx.Nearest(cities[1], 0, nil))
}
