package vector

import (
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrydb/quarry/internal/codec"
	"github.com/quarrydb/quarry/internal/storage"
	"github.com/quarrydb/quarry/model"
	"github.com/quarrydb/quarry/testutil"
)

func newIndex(t *testing.T, dim int, metric Metric) *Index {
	t.Helper()
	idx, err := New(func(o *Options) {
		o.Dimension = dim
		o.Metric = metric
	})
	require.NoError(t, err)
	return idx
}

func TestNewValidation(t *testing.T) {
	_, err := New()
	assert.Error(t, err, "dimension is required")

	idx := newIndex(t, 4, MetricCosine)
	assert.Equal(t, 4, idx.Dimension())
	assert.Zero(t, idx.Len())
}

func TestAddDimensionMismatch(t *testing.T) {
	idx := newIndex(t, 4, MetricCosine)

	err := idx.Add(1, []float32{1, 2})
	var dimErr *ErrDimensionMismatch
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 4, dimErr.Expected)
	assert.Equal(t, 2, dimErr.Actual)

	_, err = idx.TopK([]float32{1, 2}, 1, nil)
	assert.ErrorAs(t, err, &dimErr)
}

func TestTopKEmpty(t *testing.T) {
	idx := newIndex(t, 2, MetricCosine)

	hits, err := idx.TopK([]float32{1, 0}, 5, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)

	_, err = idx.TopK([]float32{1, 0}, 0, nil)
	assert.Error(t, err)
}

func TestTopKOrdering(t *testing.T) {
	idx := newIndex(t, 2, MetricCosine)
	require.NoError(t, idx.Add(1, []float32{1, 0}))
	require.NoError(t, idx.Add(2, []float32{0.9, 0.1}))
	require.NoError(t, idx.Add(3, []float32{0, 1}))

	hits, err := idx.TopK([]float32{1, 0}, 3, nil)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, model.DocID(1), hits[0].Doc)
	assert.Equal(t, model.DocID(2), hits[1].Doc)
	assert.Equal(t, model.DocID(3), hits[2].Doc)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-5)
	assert.True(t, hits[0].Score >= hits[1].Score)
	assert.True(t, hits[1].Score >= hits[2].Score)
}

func TestTopKFiltered(t *testing.T) {
	idx := newIndex(t, 2, MetricCosine)
	require.NoError(t, idx.Add(1, []float32{1, 0}))
	require.NoError(t, idx.Add(2, []float32{0.9, 0.1}))
	require.NoError(t, idx.Add(3, []float32{0, 1}))

	hits, err := idx.TopK([]float32{1, 0}, 3, roaring.BitmapOf(3))
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, model.DocID(3), hits[0].Doc)
}

func TestDotMetric(t *testing.T) {
	idx := newIndex(t, 2, MetricDot)
	require.NoError(t, idx.Add(1, []float32{2, 0})) // larger magnitude wins under dot
	require.NoError(t, idx.Add(2, []float32{1, 0}))

	hits, err := idx.TopK([]float32{1, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, model.DocID(1), hits[0].Doc)
	assert.InDelta(t, 2.0, hits[0].Score, 1e-5)
}

func TestL2Metric(t *testing.T) {
	idx := newIndex(t, 2, MetricL2)
	require.NoError(t, idx.Add(1, []float32{3, 4})) // squared distance 25 from origin
	require.NoError(t, idx.Add(2, []float32{1, 0}))
	require.NoError(t, idx.Add(3, []float32{0, 0}))

	hits, err := idx.TopK([]float32{0, 0}, 3, nil)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, model.DocID(3), hits[0].Doc)
	assert.Equal(t, model.DocID(2), hits[1].Doc)
	assert.Equal(t, model.DocID(1), hits[2].Doc)
	assert.InDelta(t, 0.0, hits[0].Score, 1e-5)
	assert.InDelta(t, -25.0, hits[2].Score, 1e-5)
}

func TestRecall(t *testing.T) {
	const (
		numVectors = 1000
		dimensions = 16
		k          = 10
		numQueries = 20
	)
	rng := testutil.NewRNG(7)
	dataset := rng.GaussianVectors(numVectors, dimensions)
	queries := rng.GaussianVectors(numQueries, dimensions)

	idx := newIndex(t, dimensions, MetricCosine)
	for i, vec := range dataset {
		require.NoError(t, idx.Add(model.DocID(i), vec))
	}

	var total float64
	for _, q := range queries {
		exact := testutil.ExactTopK(q, dataset, k, true)
		hits, err := idx.TopK(q, k, nil)
		require.NoError(t, err)

		approx := make([]uint32, len(hits))
		for i, h := range hits {
			approx[i] = uint32(h.Doc)
		}
		total += testutil.ComputeRecall(approx, exact)
	}
	avg := total / numQueries
	assert.GreaterOrEqual(t, avg, 0.9, "average recall@%d", k)
}

func TestLoadDeterministic(t *testing.T) {
	s, err := storage.Open("", nil)
	require.NoError(t, err)
	defer s.Close()

	rng := testutil.NewRNG(11)
	vectors := rng.UniformVectors(50, 8)

	tx, err := s.BeginBuild()
	require.NoError(t, err)
	for i, vec := range vectors {
		require.NoError(t, tx.Set(storage.VectorKey(0, model.DocID(i)), codec.MarshalVector(vec)))
	}
	require.NoError(t, tx.Publish(storage.Manifest{Generation: 1}))

	snap, err := s.Snapshot()
	require.NoError(t, err)
	defer snap.Close()

	a, err := Load(snap, 0)
	require.NoError(t, err)
	b, err := Load(snap, 0)
	require.NoError(t, err)
	require.Equal(t, len(vectors), a.Len())
	assert.Equal(t, 8, a.Dimension())

	query := vectors[3]
	hitsA, err := a.TopK(query, 5, nil)
	require.NoError(t, err)
	hitsB, err := b.TopK(query, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, hitsA, hitsB, "same generation loads into the same graph")
	assert.Equal(t, model.DocID(3), hitsA[0].Doc)
}

func TestLoadMissingField(t *testing.T) {
	s, err := storage.Open("", nil)
	require.NoError(t, err)
	defer s.Close()

	snap, err := s.Snapshot()
	require.NoError(t, err)
	defer snap.Close()

	idx, err := Load(snap, 5)
	require.NoError(t, err)
	assert.Zero(t, idx.Len())
}
