package search

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"

	"github.com/quarrydb/quarry/analyzer"
	"github.com/quarrydb/quarry/internal/bitmaps"
	"github.com/quarrydb/quarry/internal/facet"
	"github.com/quarrydb/quarry/internal/geo"
	"github.com/quarrydb/quarry/internal/postings"
	"github.com/quarrydb/quarry/internal/storage"
	"github.com/quarrydb/quarry/internal/termdict"
	"github.com/quarrydb/quarry/internal/vector"
	"github.com/quarrydb/quarry/model"
)

const (
	// DefaultLimit applies when a query asks for no explicit page size.
	DefaultLimit = 20

	// DefaultVectorK bounds an unpaginated nearest-neighbor search.
	DefaultVectorK = 100

	// maxPrefixExpansions caps the dictionary terms one prefix word may
	// expand to.
	maxPrefixExpansions = 75
)

// Options configures an Executor.
type Options struct {
	// Typo is the default typo-tolerance policy.
	Typo TypoConfig

	// Workers bounds the parallel fan-out of term and filter resolution.
	Workers int
}

// DefaultOptions contains the default options for an Executor.
var DefaultOptions = Options{
	Typo:    DefaultTypoConfig,
	Workers: 4,
}

// Executor runs queries against one pinned generation. It is safe for
// concurrent use; the heavier per-generation structures (dictionary, geo
// tree, vector graph) are materialized lazily and shared.
type Executor struct {
	snap     *storage.Snapshot
	schema   *model.Schema
	analyzer analyzer.Analyzer
	logger   *slog.Logger
	opts     Options

	postings *postings.Reader
	facets   *facet.Reader

	dictOnce sync.Once
	dict     *termdict.Dictionary
	dictErr  error

	geoOnce sync.Once
	geoIdx  *geo.Index
	geoErr  error

	vecOnce sync.Once
	vecIdx  *vector.Index
	vecErr  error

	aliveOnce sync.Once
	alive     *roaring.Bitmap
	aliveErr  error
}

// NewExecutor creates an Executor over a snapshot. The snapshot stays owned
// by the caller and must outlive the executor.
func NewExecutor(snap *storage.Snapshot, schema *model.Schema, an analyzer.Analyzer, logger *slog.Logger, optFns ...func(o *Options)) *Executor {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultOptions.Workers
	}
	return &Executor{
		snap:     snap,
		schema:   schema,
		analyzer: an,
		logger:   logger,
		opts:     opts,
		postings: postings.NewReader(snap),
		facets:   facet.NewReader(snap),
	}
}

// Generation returns the generation the executor is pinned to.
func (e *Executor) Generation() model.Generation { return e.snap.Generation() }

// Hit is one ranked result document.
type Hit struct {
	Doc     model.DocID
	Score   float64
	Details ScoreDetails
}

// Result is the ordered output of one query.
type Result struct {
	Hits       []Hit
	Total      uint64
	Generation model.Generation
}

// Search runs the full pipeline: validation, term resolution, candidate
// bitmap resolution, optional vector fusion, criteria ranking, distinct
// collapse and pagination.
func (e *Executor) Search(ctx context.Context, q *Query) (*Result, error) {
	if err := e.validate(q); err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	words, err := e.resolveWords(ctx, q.Terms)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	alive, err := e.aliveDocs()
	if err != nil {
		return nil, err
	}

	// Lexical candidates: AND across query words, within alive documents.
	lexical := alive.Clone()
	for _, w := range words {
		lexical.And(w.all)
	}

	if q.Filter != nil {
		fb, err := e.evalFilter(ctx, q.Filter)
		if err != nil {
			return nil, err
		}
		lexical.And(fb)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var sims map[model.DocID]float32
	candidates := lexical
	if q.Vector != nil {
		candidates, sims, err = e.fuseVector(q, lexical, alive, limit)
		if err != nil {
			return nil, err
		}
	}

	ranked, details, err := e.rank(ctx, q, words, candidates, sims)
	if err != nil {
		return nil, err
	}

	ranked, err = e.collapseDistinct(ranked)
	if err != nil {
		return nil, err
	}

	total := uint64(len(ranked))
	start := q.Offset
	if start > len(ranked) {
		start = len(ranked)
	}
	end := start + limit
	if end > len(ranked) {
		end = len(ranked)
	}

	hits := make([]Hit, 0, end-start)
	for _, doc := range ranked[start:end] {
		d := details[doc]
		d.MatchedTerms = matchedTerms(words, doc)
		hits = append(hits, Hit{Doc: doc, Score: e.score(q, len(words), d), Details: d})
	}
	return &Result{Hits: hits, Total: total, Generation: e.snap.Generation()}, nil
}

// score folds the per-criterion components into one number. Hybrid queries
// blend the lexical word ratio with vector similarity by the configured
// weight; pure queries use the dominant component.
func (e *Executor) score(q *Query, wordCount int, d ScoreDetails) float64 {
	lexical := 0.0
	if wordCount > 0 {
		ratio := float64(d.WordsMatched) / float64(wordCount)
		penalty := float64(d.Typos) / float64(2*wordCount+1)
		lexical = ratio * (1 - penalty)
	}
	switch {
	case q.Vector != nil && wordCount > 0:
		w := q.Vector.LexicalWeight
		return w*lexical + (1-w)*float64(d.Similarity)
	case q.Vector != nil:
		return float64(d.Similarity)
	default:
		return lexical
	}
}

// validate performs the semantic checks the AST contract leaves to the
// executor. Failures are QueryErrors, never empty results.
func (e *Executor) validate(q *Query) error {
	if q.Offset < 0 || q.Limit < 0 {
		return queryErrf("", "negative pagination")
	}
	for _, t := range q.Terms {
		if t.MaxTypos != nil && *t.MaxTypos > termdict.MaxDistance {
			return queryErrf("", "typo tolerance %d out of range (max %d)", *t.MaxTypos, termdict.MaxDistance)
		}
	}
	for _, s := range q.Sort {
		id, ok := e.schema.FieldID(s.Field)
		if !ok {
			return queryErrf(s.Field, "unknown field")
		}
		spec, _ := e.schema.Spec(id)
		if !spec.Roles.Has(model.RoleSortable) {
			return queryErrf(s.Field, "not sortable")
		}
	}
	if q.Vector != nil {
		fieldID, ok := e.schema.Vector()
		if !ok {
			return queryErrf("", "vector query against a schema with no vector field")
		}
		spec, _ := e.schema.Spec(fieldID)
		if len(q.Vector.Vector) != spec.VectorDimension {
			return queryErrf(spec.Name, "vector dimension %d, want %d", len(q.Vector.Vector), spec.VectorDimension)
		}
		if q.Vector.LexicalWeight < 0 || q.Vector.LexicalWeight > 1 {
			return queryErrf("", "lexical weight outside [0,1]")
		}
		if q.Vector.K < 0 {
			return queryErrf("", "negative vector k")
		}
	}
	if q.Filter != nil {
		return e.validateFilter(q.Filter)
	}
	return nil
}

func (e *Executor) validateFilter(f Filter) error {
	filterableField := func(name string) error {
		id, ok := e.schema.FieldID(name)
		if !ok {
			return queryErrf(name, "unknown field")
		}
		spec, _ := e.schema.Spec(id)
		if !spec.Roles.Has(model.RoleFilterable) {
			return queryErrf(name, "not filterable")
		}
		return nil
	}

	switch f := f.(type) {
	case And:
		for _, inner := range f {
			if err := e.validateFilter(inner); err != nil {
				return err
			}
		}
	case Or:
		for _, inner := range f {
			if err := e.validateFilter(inner); err != nil {
				return err
			}
		}
	case Not:
		return e.validateFilter(f.Inner)
	case Equal:
		return filterableField(f.Field)
	case Exists:
		return filterableField(f.Field)
	case Range:
		if f.Min == nil && f.Max == nil {
			return queryErrf(f.Field, "range with no bounds")
		}
		return filterableField(f.Field)
	case GeoRadius:
		if _, ok := e.schema.Geo(); !ok {
			return queryErrf("", "geo filter against a schema with no geo field")
		}
		if !f.Center.Valid() || f.Meters < 0 {
			return queryErrf("", "invalid geo radius")
		}
	case GeoBox:
		if _, ok := e.schema.Geo(); !ok {
			return queryErrf("", "geo filter against a schema with no geo field")
		}
		if !f.Min.Valid() || !f.Max.Valid() {
			return queryErrf("", "invalid geo bounding box")
		}
	default:
		return queryErrf("", "unsupported filter node")
	}
	return nil
}

// wordMatch is one query word's resolution against the dictionary and the
// posting store.
type wordMatch struct {
	word string

	// all unions every match across fields and terms.
	all *roaring.Bitmap

	// exact holds documents matched through the full word at distance zero.
	exact *roaring.Bitmap

	// byDistance partitions matches by edit distance; a document's typo
	// cost for this word is the smallest distance whose bitmap holds it.
	byDistance [termdict.MaxDistance + 1]*roaring.Bitmap

	// byField unions matches per searchable field, for the attribute
	// criterion.
	byField map[model.FieldID]*roaring.Bitmap

	// fieldTerms lists the dictionary terms matched per field, for position
	// lookups by the proximity criterion.
	fieldTerms map[model.FieldID][]string

	// termDocs unions each matched dictionary term's documents across
	// fields, for per-hit matched-term metadata.
	termDocs map[string]*roaring.Bitmap
}

// resolveWords normalizes the query terms through the analyzer and resolves
// each resulting word in parallel. Words the analyzer drops (stop words)
// vanish from the query rather than matching nothing.
func (e *Executor) resolveWords(ctx context.Context, terms []Term) ([]*wordMatch, error) {
	type job struct {
		word     string
		prefix   bool
		maxTypos *uint8
	}
	var jobs []job
	for _, t := range terms {
		toks := e.analyzer.Analyze("", t.Text)
		for i, tok := range toks {
			jobs = append(jobs, job{
				word:     tok.Term,
				prefix:   t.Prefix && i == len(toks)-1,
				maxTypos: t.MaxTypos,
			})
		}
	}
	if len(jobs) == 0 {
		return nil, nil
	}

	out := make([]*wordMatch, len(jobs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for i, j := range jobs {
		i, j := i, j
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			allowed := e.opts.Typo.AllowedTypos(j.word)
			if j.maxTypos != nil {
				allowed = *j.maxTypos
			}
			wm, err := e.resolveWord(j.word, j.prefix, allowed)
			if err != nil {
				return err
			}
			out[i] = wm
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// resolveWord resolves one word to its dictionary matches (exact, fuzzy,
// optionally prefix) and gathers the posting bitmaps per match and field.
func (e *Executor) resolveWord(word string, prefix bool, maxTypos uint8) (*wordMatch, error) {
	dict, err := e.dictionary()
	if err != nil {
		return nil, err
	}

	type cand struct {
		term     string
		distance uint8
		exact    bool
	}
	seen := make(map[string]struct{})
	var cands []cand

	matches, err := dict.Fuzzy(word, maxTypos)
	if err != nil {
		return nil, err
	}
	for _, m := range matches {
		seen[m.Term] = struct{}{}
		cands = append(cands, cand{term: m.Term, distance: m.Distance, exact: m.Distance == 0})
	}

	if prefix {
		first, last, ok, err := dict.PrefixRange(word)
		if err != nil {
			return nil, err
		}
		if ok {
			for id := first; id <= last && len(cands) < maxPrefixExpansions; id++ {
				term, ok := dict.Term(id)
				if !ok {
					break
				}
				if _, dup := seen[term]; dup {
					continue
				}
				seen[term] = struct{}{}
				// A prefix expansion costs no typos but is not exact.
				cands = append(cands, cand{term: term, distance: 0})
			}
		}
	}

	wm := &wordMatch{
		word:       word,
		all:        roaring.New(),
		exact:      roaring.New(),
		byField:    make(map[model.FieldID]*roaring.Bitmap),
		fieldTerms: make(map[model.FieldID][]string),
		termDocs:   make(map[string]*roaring.Bitmap),
	}
	for d := range wm.byDistance {
		wm.byDistance[d] = roaring.New()
	}

	for _, c := range cands {
		for _, fieldID := range e.schema.Searchable() {
			bm, err := e.postings.Lookup(fieldID, c.term)
			if err != nil {
				return nil, err
			}
			if bm.IsEmpty() {
				continue
			}
			wm.all.Or(bm)
			wm.byDistance[c.distance].Or(bm)
			if c.exact {
				wm.exact.Or(bm)
			}
			if wm.byField[fieldID] == nil {
				wm.byField[fieldID] = roaring.New()
			}
			wm.byField[fieldID].Or(bm)
			wm.fieldTerms[fieldID] = append(wm.fieldTerms[fieldID], c.term)
			if wm.termDocs[c.term] == nil {
				wm.termDocs[c.term] = roaring.New()
			}
			wm.termDocs[c.term].Or(bm)
		}
	}
	return wm, nil
}

// evalFilter evaluates a filter expression to a bitmap. Sibling branches of
// And/Or nodes run in parallel; union and intersection are order-independent
// so completion order never changes the result.
func (e *Executor) evalFilter(ctx context.Context, f Filter) (*roaring.Bitmap, error) {
	switch f := f.(type) {
	case And:
		parts, err := e.evalBranches(ctx, f)
		if err != nil {
			return nil, err
		}
		if out := bitmaps.And(parts...); out != nil {
			return out, nil
		}
		// An empty conjunction matches everything alive.
		alive, err := e.aliveDocs()
		if err != nil {
			return nil, err
		}
		return alive.Clone(), nil
	case Or:
		parts, err := e.evalBranches(ctx, f)
		if err != nil {
			return nil, err
		}
		return bitmaps.Or(parts...), nil
	case Not:
		inner, err := e.evalFilter(ctx, f.Inner)
		if err != nil {
			return nil, err
		}
		alive, err := e.aliveDocs()
		if err != nil {
			return nil, err
		}
		out := alive.Clone()
		out.AndNot(inner)
		return out, nil
	case Equal:
		id, _ := e.schema.FieldID(f.Field)
		return e.facets.Equal(id, f.Value)
	case Range:
		id, _ := e.schema.FieldID(f.Field)
		return e.facets.Range(id, f.Min, f.MinIncl, f.Max, f.MaxIncl)
	case Exists:
		id, _ := e.schema.FieldID(f.Field)
		return e.facets.Exists(id)
	case GeoRadius:
		idx, err := e.geoIndex()
		if err != nil {
			return nil, err
		}
		return idx.WithinRadius(f.Center, f.Meters), nil
	case GeoBox:
		idx, err := e.geoIndex()
		if err != nil {
			return nil, err
		}
		return idx.WithinBBox(f.Min, f.Max), nil
	default:
		return nil, queryErrf("", "unsupported filter node")
	}
}

func (e *Executor) evalBranches(ctx context.Context, branches []Filter) ([]*roaring.Bitmap, error) {
	out := make([]*roaring.Bitmap, len(branches))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers)
	for i, inner := range branches {
		i, inner := i, inner
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			bm, err := e.evalFilter(ctx, inner)
			if err != nil {
				return err
			}
			out[i] = bm
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// fuseVector runs the nearest-neighbor search and widens the candidate set
// with its hits. With query terms present the lexical candidates act as the
// pre-filter ("filter then semantic search") unless the lexical side is
// empty, in which case similarity alone drives the search.
func (e *Executor) fuseVector(q *Query, lexical, alive *roaring.Bitmap, limit int) (*roaring.Bitmap, map[model.DocID]float32, error) {
	idx, err := e.vectorIndex()
	if err != nil {
		return nil, nil, err
	}
	if idx.Len() == 0 {
		return nil, nil, queryErrf("", "vector query against a generation with no vectors")
	}

	k := q.Vector.K
	if k <= 0 {
		k = q.Offset + limit
		if k < DefaultVectorK {
			k = DefaultVectorK
		}
	}

	filter := alive
	if len(q.Terms) > 0 && !lexical.IsEmpty() {
		filter = lexical
	}
	hits, err := idx.TopK(q.Vector.Vector, k, filter)
	if err != nil {
		return nil, nil, err
	}

	sims := make(map[model.DocID]float32, len(hits))
	candidates := lexical.Clone()
	for _, h := range hits {
		sims[h.Doc] = h.Score
		candidates.Add(uint32(h.Doc))
	}
	return candidates, sims, nil
}

func (e *Executor) dictionary() (*termdict.Dictionary, error) {
	e.dictOnce.Do(func() {
		raw, err := e.snap.Get(storage.DictKey())
		switch {
		case errors.Is(err, storage.ErrNotFound):
			// Generation with no indexed text: empty dictionary.
			e.dict, _, e.dictErr = termdict.Build(nil)
		case err != nil:
			e.dictErr = err
		default:
			e.dict, e.dictErr = termdict.Load(raw)
		}
	})
	return e.dict, e.dictErr
}

func (e *Executor) geoIndex() (*geo.Index, error) {
	e.geoOnce.Do(func() {
		e.geoIdx, e.geoErr = geo.Load(e.snap)
	})
	return e.geoIdx, e.geoErr
}

func (e *Executor) vectorIndex() (*vector.Index, error) {
	e.vecOnce.Do(func() {
		fieldID, ok := e.schema.Vector()
		if !ok {
			e.vecErr = queryErrf("", "vector query against a schema with no vector field")
			return
		}
		spec, _ := e.schema.Spec(fieldID)
		metric := vector.MetricCosine
		switch spec.VectorMetric {
		case model.SimilarityDot:
			metric = vector.MetricDot
		case model.SimilarityEuclidean:
			metric = vector.MetricL2
		}
		e.vecIdx, e.vecErr = vector.Load(e.snap, fieldID, func(o *vector.Options) {
			o.Dimension = spec.VectorDimension
			o.Metric = metric
		})
	})
	return e.vecIdx, e.vecErr
}

func (e *Executor) aliveDocs() (*roaring.Bitmap, error) {
	e.aliveOnce.Do(func() {
		raw, err := e.snap.Get(storage.AliveKey())
		if errors.Is(err, storage.ErrNotFound) {
			e.alive = roaring.New()
			return
		}
		if err != nil {
			e.aliveErr = err
			return
		}
		e.alive, e.aliveErr = bitmaps.Unmarshal(raw)
	})
	return e.alive, e.aliveErr
}
