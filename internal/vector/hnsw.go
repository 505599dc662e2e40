// Package vector implements the approximate nearest-neighbor index over
// per-document embedding vectors: a Hierarchical Navigable Small World
// graph with the similarity metric (cosine, dot product or Euclidean)
// fixed at build time.
//
// The index is approximate by contract: recall is high but not guaranteed
// 100%. Search accepts an optional candidate bitmap so pre-filtered subsets
// can be searched without scoring excluded documents.
package vector

import (
	"container/heap"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/quarrydb/quarry/internal/codec"
	"github.com/quarrydb/quarry/internal/math32"
	"github.com/quarrydb/quarry/internal/storage"
	"github.com/quarrydb/quarry/model"
)

// Metric selects the similarity measure. Fixed per vector field at build.
type Metric uint8

const (
	// MetricCosine scores by cosine similarity; vectors are normalized at
	// insert so it reduces to a dot product.
	MetricCosine Metric = iota

	// MetricDot scores by raw dot product.
	MetricDot

	// MetricL2 scores by negated squared Euclidean distance, so closer
	// vectors still score higher.
	MetricL2
)

// ErrDimensionMismatch indicates a vector of the wrong dimensionality.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("vector: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Hit is one similarity-search result.
type Hit struct {
	Doc   model.DocID
	Score float32
}

// Options configures an Index.
type Options struct {
	Dimension      int
	Metric         Metric
	M              int
	EFConstruction int
	EFSearch       int
	Seed           int64
}

// DefaultOptions contains the default options for an Index.
var DefaultOptions = Options{
	M:              16,
	EFConstruction: 200,
	EFSearch:       100,
	Seed:           42,
}

type node struct {
	vec   []float32
	level int
	links [][]model.DocID // per level, level 0 first
}

// Index is the HNSW graph for one vector field of one generation.
type Index struct {
	mu sync.RWMutex

	opts  Options
	nodes map[model.DocID]*node
	entry model.DocID
	top   int
	empty bool
	rng   *rand.Rand
	mult  float64
	mmax0 int
}

// New creates an empty index.
func New(optFns ...func(o *Options)) (*Index, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("vector: invalid dimension %d", opts.Dimension)
	}
	if opts.M < 2 {
		opts.M = DefaultOptions.M
	}
	return &Index{
		opts:  opts,
		nodes: make(map[model.DocID]*node),
		empty: true,
		rng:   rand.New(rand.NewSource(opts.Seed)),
		mult:  1 / math.Log(float64(opts.M)),
		mmax0: opts.M * 2,
	}, nil
}

// Load rebuilds the index for one vector field from the snapshot's vector
// keys. Insertion order is ascending DocID, so the graph is deterministic
// for a given generation.
func Load(snap *storage.Snapshot, field model.FieldID, optFns ...func(o *Options)) (*Index, error) {
	var idx *Index
	err := snap.Iterate(storage.VectorPrefix(field), func(key, value []byte) (bool, error) {
		vec, err := codec.UnmarshalVector(value)
		if err != nil {
			return false, err
		}
		if idx == nil {
			idx, err = New(append([]func(o *Options){func(o *Options) {
				o.Dimension = len(vec)
			}}, optFns...)...)
			if err != nil {
				return false, err
			}
		}
		return true, idx.Add(storage.SplitDocSuffix(key), vec)
	})
	if err != nil {
		return nil, err
	}
	if idx == nil {
		idx, err = New(append([]func(o *Options){func(o *Options) { o.Dimension = 1 }}, optFns...)...)
		if err != nil {
			return nil, err
		}
	}
	return idx, nil
}

// Len returns the number of indexed vectors.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.nodes)
}

// Dimension returns the fixed vector dimensionality.
func (idx *Index) Dimension() int { return idx.opts.Dimension }

// Add inserts a document vector.
func (idx *Index) Add(doc model.DocID, vec []float32) error {
	if len(vec) != idx.opts.Dimension {
		return &ErrDimensionMismatch{Expected: idx.opts.Dimension, Actual: len(vec)}
	}
	v := vec
	if idx.opts.Metric == MetricCosine {
		v = normalize(vec)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	level := idx.randomLevel()
	n := &node{vec: v, level: level, links: make([][]model.DocID, level+1)}
	idx.nodes[doc] = n

	if idx.empty {
		idx.entry = doc
		idx.top = level
		idx.empty = false
		return nil
	}

	cur := idx.entry
	// Greedy descent through layers above the new node's level.
	for l := idx.top; l > level; l-- {
		cur = idx.greedyClosest(v, cur, l)
	}

	for l := min(level, idx.top); l >= 0; l-- {
		candidates := idx.searchLayer(v, cur, idx.opts.EFConstruction, l, nil)
		neighbors := idx.selectNeighbors(v, candidates, idx.maxLinks(l))
		n.links[l] = neighbors
		for _, nb := range neighbors {
			idx.link(nb, doc, l)
		}
		if len(candidates) > 0 {
			cur = candidates[0].doc
		}
	}

	if level > idx.top {
		idx.top = level
		idx.entry = doc
	}
	return nil
}

// TopK returns the k most similar documents to query, best first. A non-nil
// filter restricts results to the given candidate set; graph traversal still
// crosses excluded nodes so connectivity is preserved.
func (idx *Index) TopK(query []float32, k int, filter *roaring.Bitmap) ([]Hit, error) {
	if len(query) != idx.opts.Dimension {
		return nil, &ErrDimensionMismatch{Expected: idx.opts.Dimension, Actual: len(query)}
	}
	if k <= 0 {
		return nil, fmt.Errorf("vector: k must be positive")
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.empty {
		return nil, nil
	}

	q := query
	if idx.opts.Metric == MetricCosine {
		q = normalize(query)
	}

	ef := max(idx.opts.EFSearch, k*2)
	cur := idx.entry
	for l := idx.top; l > 0; l-- {
		cur = idx.greedyClosest(q, cur, l)
	}
	candidates := idx.searchLayer(q, cur, ef, 0, filter)

	hits := make([]Hit, 0, min(k, len(candidates)))
	for _, c := range candidates {
		if len(hits) == k {
			break
		}
		hits = append(hits, Hit{Doc: c.doc, Score: -c.dist})
	}
	return hits, nil
}

func (idx *Index) randomLevel() int {
	return int(math.Floor(-math.Log(1-idx.rng.Float64()) * idx.mult))
}

func (idx *Index) maxLinks(level int) int {
	if level == 0 {
		return idx.mmax0
	}
	return idx.opts.M
}

// distance is the graph's internal ordering: smaller is better everywhere.
func (idx *Index) distance(a, b []float32) float32 {
	if idx.opts.Metric == MetricL2 {
		return math32.SquaredL2(a, b)
	}
	return -math32.Dot(a, b)
}

func (idx *Index) greedyClosest(q []float32, start model.DocID, level int) model.DocID {
	cur := start
	curDist := idx.distance(q, idx.nodes[cur].vec)
	for {
		improved := false
		n := idx.nodes[cur]
		if level < len(n.links) {
			for _, nb := range n.links[level] {
				d := idx.distance(q, idx.nodes[nb].vec)
				if d < curDist {
					cur, curDist = nb, d
					improved = true
				}
			}
		}
		if !improved {
			return cur
		}
	}
}

type scored struct {
	doc  model.DocID
	dist float32
}

// minHeap pops the closest candidate first.
type minHeap []scored

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)         { *h = append(*h, x.(scored)) }
func (h *minHeap) Pop() any           { old := *h; n := len(old); x := old[n-1]; *h = old[:n-1]; return x }

// maxHeap pops the farthest kept result first.
type maxHeap []scored

func (h maxHeap) Len() int            { return len(h) }
func (h maxHeap) Less(i, j int) bool  { return h[i].dist > h[j].dist }
func (h maxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any)         { *h = append(*h, x.(scored)) }
func (h *maxHeap) Pop() any           { old := *h; n := len(old); x := old[n-1]; *h = old[:n-1]; return x }

// searchLayer is the ef-bounded best-first search of one layer. Results are
// returned closest first. With a filter, excluded nodes are traversed but
// never collected.
func (idx *Index) searchLayer(q []float32, entry model.DocID, ef, level int, filter *roaring.Bitmap) []scored {
	visited := make(map[model.DocID]struct{}, ef*4)
	visited[entry] = struct{}{}

	entryDist := idx.distance(q, idx.nodes[entry].vec)
	frontier := minHeap{{doc: entry, dist: entryDist}}
	heap.Init(&frontier)

	var results maxHeap
	admit := func(c scored) {
		if filter != nil && !filter.Contains(uint32(c.doc)) {
			return
		}
		heap.Push(&results, c)
		if results.Len() > ef {
			heap.Pop(&results)
		}
	}
	admit(scored{doc: entry, dist: entryDist})

	for frontier.Len() > 0 {
		cur := heap.Pop(&frontier).(scored)
		if results.Len() >= ef && cur.dist > results[0].dist {
			break
		}
		n := idx.nodes[cur.doc]
		if level >= len(n.links) {
			continue
		}
		for _, nb := range n.links[level] {
			if _, seen := visited[nb]; seen {
				continue
			}
			visited[nb] = struct{}{}
			d := idx.distance(q, idx.nodes[nb].vec)
			if results.Len() < ef || d < results[0].dist {
				heap.Push(&frontier, scored{doc: nb, dist: d})
				admit(scored{doc: nb, dist: d})
			}
		}
	}

	out := make([]scored, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&results).(scored)
	}
	return out
}

// selectNeighbors keeps the m closest candidates.
func (idx *Index) selectNeighbors(_ []float32, candidates []scored, m int) []model.DocID {
	out := make([]model.DocID, 0, min(m, len(candidates)))
	for _, c := range candidates {
		if len(out) == m {
			break
		}
		out = append(out, c.doc)
	}
	return out
}

// link adds a backlink, pruning the neighbor's list when it overflows.
func (idx *Index) link(from, to model.DocID, level int) {
	n := idx.nodes[from]
	if level >= len(n.links) {
		return
	}
	n.links[level] = append(n.links[level], to)
	limit := idx.maxLinks(level)
	if len(n.links[level]) <= limit {
		return
	}
	// Re-rank by distance from the owning node and keep the closest.
	cands := make([]scored, 0, len(n.links[level]))
	for _, nb := range n.links[level] {
		cands = append(cands, scored{doc: nb, dist: idx.distance(n.vec, idx.nodes[nb].vec)})
	}
	heap.Init((*minHeap)(&cands))
	kept := make([]model.DocID, 0, limit)
	for len(kept) < limit {
		c := heap.Pop((*minHeap)(&cands)).(scored)
		kept = append(kept, c.doc)
	}
	n.links[level] = kept
}

func normalize(vec []float32) []float32 {
	out := append([]float32(nil), vec...)
	math32.NormalizeInPlace(out)
	return out
}
