// Package testutil provides testing utilities for quarry.
//
// This package is intended for use in tests and benchmarks only. It
// provides deterministic random vector generation, exact nearest-neighbor
// ground truth for recall verification, and small document corpora.
package testutil

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/quarrydb/quarry/internal/math32"
	"github.com/quarrydb/quarry/model"
)

// RNG encapsulates a seeded random number generator. It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// FillUniform fills dst with random values in range [0, 1).
// Locks only once per call (preferred over per-element calls in a loop).
func (r *RNG) FillUniform(dst []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range dst {
		dst[i] = r.rand.Float32()
	}
}

// UniformVectors generates random vectors with values in range [0, 1).
// Uses a single backing array for efficiency.
func (r *RNG) UniformVectors(num int, dimensions int) [][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := make([]float32, num*dimensions)
	vectors := make([][]float32, num)

	for i := range num {
		vec := data[i*dimensions : (i+1)*dimensions]
		for j := range vec {
			vec[j] = r.rand.Float32()
		}
		vectors[i] = vec
	}

	return vectors
}

// GaussianVectors generates random vectors with values from a standard
// normal distribution.
func (r *RNG) GaussianVectors(num int, dimensions int) [][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := make([]float32, num*dimensions)
	vectors := make([][]float32, num)

	for i := range num {
		vec := data[i*dimensions : (i+1)*dimensions]
		for j := range vec {
			vec[j] = float32(r.rand.NormFloat64())
		}
		vectors[i] = vec
	}

	return vectors
}

// Neighbor is one ground-truth nearest neighbor.
type Neighbor struct {
	ID         uint32
	Similarity float32
}

// ExactTopK computes the exact k nearest neighbors of query over dataset by
// similarity (higher is closer). cosine normalizes both sides first,
// matching the index's cosine metric; otherwise raw dot product is used.
func ExactTopK(query []float32, dataset [][]float32, k int, cosine bool) []Neighbor {
	q := query
	if cosine {
		q = append([]float32(nil), query...)
		math32.NormalizeInPlace(q)
	}

	neighbors := make([]Neighbor, 0, len(dataset))
	for i, vec := range dataset {
		v := vec
		if cosine {
			v = append([]float32(nil), vec...)
			math32.NormalizeInPlace(v)
		}
		neighbors = append(neighbors, Neighbor{ID: uint32(i), Similarity: math32.Dot(q, v)})
	}
	sort.Slice(neighbors, func(i, j int) bool {
		if neighbors[i].Similarity != neighbors[j].Similarity {
			return neighbors[i].Similarity > neighbors[j].Similarity
		}
		return neighbors[i].ID < neighbors[j].ID
	})
	if k < len(neighbors) {
		neighbors = neighbors[:k]
	}
	return neighbors
}

// ComputeRecall returns the fraction of exact neighbors present in the
// approximate result set.
func ComputeRecall(approx []uint32, exact []Neighbor) float64 {
	if len(exact) == 0 {
		return 1
	}
	got := make(map[uint32]struct{}, len(approx))
	for _, id := range approx {
		got[id] = struct{}{}
	}
	hits := 0
	for _, n := range exact {
		if _, ok := got[n.ID]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(exact))
}

// Docs builds a small corpus of documents with sequential primary keys and
// one searchable text field.
func Docs(field string, texts ...string) []model.Document {
	docs := make([]model.Document, 0, len(texts))
	for i, text := range texts {
		docs = append(docs, model.Document{
			PK:     model.PrimaryKey(fmt.Sprintf("%d", i+1)),
			Fields: map[string]any{field: text},
		})
	}
	return docs
}
