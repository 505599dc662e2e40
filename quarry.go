// Package quarry is an embedded document indexing and retrieval engine.
//
// Quarry indexes schema-described documents into immutable generations and
// serves ranked searches combining:
//
//   - Full-text matching with typo tolerance (Levenshtein automata over an
//     FST term dictionary)
//   - Faceted filtering and range queries over typed values
//   - Geo filtering (radius, bounding box) over an R-tree
//   - Approximate semantic search over an HNSW vector graph, with hybrid
//     lexical/semantic fusion
//   - A bucket-refinement ranking pipeline with deterministic total order
//
// Builds are incremental: a pass applies a document delta (adds, updates,
// removes) and rewrites only the postings, facets, geo points and vectors
// the delta touches, then publishes the new generation atomically. Readers
// pin a generation for their whole lifetime and never observe a partial
// build.
//
// # Quick Start
//
//	schema, err := model.NewSchema([]model.FieldSpec{
//	    {Name: "title", Roles: model.RoleSearchable},
//	    {Name: "genre", Roles: model.RoleFilterable},
//	})
//	if err != nil {
//	    panic(err)
//	}
//
//	eng, err := quarry.Open("./data", schema)
//	if err != nil {
//	    panic(err)
//	}
//	defer eng.Close()
//
//	gen, report, err := eng.Apply(ctx, quarry.Delta{
//	    Added: []model.Document{
//	        {PK: "1", Fields: map[string]any{"title": "quick brown fox", "genre": "fable"}},
//	    },
//	})
//
//	res, err := eng.Search(ctx, &quarry.Query{
//	    Terms: []quarry.Term{{Text: "brwon"}}, // one typo away
//	})
//
// An empty path opens an in-memory engine, useful for tests.
package quarry

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/quarrydb/quarry/analyzer"
	"github.com/quarrydb/quarry/internal/build"
	"github.com/quarrydb/quarry/internal/search"
	"github.com/quarrydb/quarry/internal/storage"
	"github.com/quarrydb/quarry/model"
)

// Re-exported build and query types, so callers only import quarry and
// model.
type (
	// Delta is one batch of document changes for Apply.
	Delta = build.Delta

	// Report summarizes a build pass, including accumulated per-document
	// warnings.
	Report = build.Report

	// Warning is one recoverable indexing problem inside a Report.
	Warning = build.Warning

	// Query is the structured input of one search.
	Query = search.Query

	// Term is one search word of a query.
	Term = search.Term

	// SortField is one explicit sort criterion.
	SortField = search.SortField

	// VectorQuery requests semantic matching.
	VectorQuery = search.VectorQuery

	// TypoConfig is the typo-tolerance policy.
	TypoConfig = search.TypoConfig

	// Filter is a boolean expression tree over facet and geo predicates.
	Filter = search.Filter

	// And matches documents satisfying every branch.
	And = search.And

	// Or matches documents satisfying at least one branch.
	Or = search.Or

	// Not inverts the inner expression within alive documents.
	Not = search.Not

	// Equal matches one facet value.
	Equal = search.Equal

	// Range matches facet values inside bounds.
	Range = search.Range

	// Exists matches documents carrying any value for a field.
	Exists = search.Exists

	// GeoRadius matches documents within a distance of a point.
	GeoRadius = search.GeoRadius

	// GeoBox matches documents inside a bounding box.
	GeoBox = search.GeoBox

	// ScoreDetails carries per-criterion ranking components of a hit.
	ScoreDetails = search.ScoreDetails
)

// DefaultTypoConfig tolerates one typo from five runes and two from nine.
var DefaultTypoConfig = search.DefaultTypoConfig

// Hit is one ranked search result.
type Hit struct {
	// PK is the document's primary key.
	PK model.PrimaryKey

	// Doc is the document's id within the result's generation. Ids are not
	// stable across generations; use PK to reference documents externally.
	Doc model.DocID

	// Score folds the ranking components into one number in [0,1].
	Score float64

	// Details are the per-criterion components behind the rank.
	Details ScoreDetails
}

// Result is the ordered output of one search.
type Result struct {
	Hits []Hit

	// Total counts matching documents after distinct collapse, before
	// pagination.
	Total uint64

	// Generation identifies the index generation the result was computed
	// against.
	Generation model.Generation
}

// Engine is an embedded index over one document collection. It is safe for
// concurrent use: any number of searches may run while one build pass is in
// flight, and searches pin the generation current when they start.
type Engine struct {
	store   *storage.Store
	schema  *model.Schema
	an      analyzer.Analyzer
	builder *build.Builder
	logger  *Logger
	metrics MetricsCollector
	opts    options

	closed atomic.Bool
}

// Open opens (or creates) an engine at path. An empty path keeps all data
// in memory.
func Open(path string, schema *model.Schema, optFns ...Option) (*Engine, error) {
	opts := options{
		logger:           NoopLogger(),
		metricsCollector: NoopMetricsCollector{},
		analyzer:         analyzer.NewStandard(),
		typo:             search.DefaultTypoConfig,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	store, err := storage.Open(path, opts.logger.Logger)
	if err != nil {
		return nil, err
	}

	builder, err := build.New(store, schema, opts.analyzer, opts.embedder, opts.logger.Logger, opts.buildOptions...)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &Engine{
		store:   store,
		schema:  schema,
		an:      opts.analyzer,
		builder: builder,
		logger:  opts.logger,
		metrics: opts.metricsCollector,
		opts:    opts,
	}, nil
}

// Schema returns the engine's field declarations.
func (e *Engine) Schema() *model.Schema { return e.schema }

// Generation returns the currently published generation.
func (e *Engine) Generation() (model.Generation, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	snap, err := e.store.Snapshot()
	if err != nil {
		return 0, err
	}
	defer snap.Close()
	return snap.Generation(), nil
}

// Apply runs one build pass over the delta and publishes a new generation.
// At most one pass runs at a time; a concurrent Apply fails with
// ErrBuildInFlight. On failure the previously published generation stays
// untouched and fully queryable.
//
// Recoverable per-document problems (malformed fields, embedding failures,
// removes of unknown keys) are accumulated in the Report alongside a
// successful publish, never silently swallowed.
func (e *Engine) Apply(ctx context.Context, delta Delta) (model.Generation, *Report, error) {
	if e.closed.Load() {
		return 0, nil, ErrClosed
	}
	start := time.Now()

	gen, report, err := e.builder.Apply(ctx, delta)
	err = translateBuildError(err)

	indexed, removed := 0, 0
	if report != nil {
		indexed, removed = report.Indexed, report.Removed
	}
	e.metrics.RecordApply(indexed, removed, time.Since(start), err)
	if err != nil {
		e.logger.LogApply(ctx, 0, 0, 0, 0, 0, err)
		return 0, report, err
	}
	e.logger.LogApply(ctx, uint64(gen), report.Indexed, report.Removed, report.Unchanged, len(report.Warnings), nil)
	return gen, report, nil
}

// Search runs one query against the currently published generation.
func (e *Engine) Search(ctx context.Context, q *Query) (*Result, error) {
	rd, err := e.Reader()
	if err != nil {
		return nil, err
	}
	defer rd.Close()
	return rd.Search(ctx, q)
}

// Reader pins the currently published generation for any number of
// consistent searches. A build publishing a newer generation never affects
// an open reader. Close releases the pinned generation.
func (e *Engine) Reader() (*Reader, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	snap, err := e.store.Snapshot()
	if err != nil {
		return nil, err
	}
	exec := search.NewExecutor(snap, e.schema, e.an, e.logger.Logger, func(o *search.Options) {
		o.Typo = e.opts.typo
		if e.opts.searchWorkers > 0 {
			o.Workers = e.opts.searchWorkers
		}
	})
	return &Reader{engine: e, snap: snap, exec: exec}, nil
}

// Close releases the engine's resources. In-flight operations must finish
// first; Close does not wait for them.
func (e *Engine) Close() error {
	if e == nil || !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	return e.store.Close()
}

// Reader is a consistent view of one generation.
type Reader struct {
	engine *Engine
	snap   *storage.Snapshot
	exec   *search.Executor
	closed atomic.Bool
}

// Generation returns the pinned generation.
func (r *Reader) Generation() model.Generation { return r.snap.Generation() }

// Search runs one query against the pinned generation.
func (r *Reader) Search(ctx context.Context, q *Query) (*Result, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	start := time.Now()

	res, err := r.exec.Search(ctx, q)
	err = translateQueryError(err)
	if err != nil {
		r.engine.metrics.RecordSearch(0, time.Since(start), err)
		r.engine.logger.LogSearch(ctx, uint64(r.snap.Generation()), 0, 0, err)
		return nil, err
	}

	out := &Result{
		Hits:       make([]Hit, 0, len(res.Hits)),
		Total:      res.Total,
		Generation: res.Generation,
	}
	for _, h := range res.Hits {
		pk, err := r.primaryKey(h.Doc)
		if err != nil {
			return nil, err
		}
		out.Hits = append(out.Hits, Hit{PK: pk, Doc: h.Doc, Score: h.Score, Details: h.Details})
	}

	r.engine.metrics.RecordSearch(len(out.Hits), time.Since(start), nil)
	r.engine.logger.LogSearch(ctx, uint64(r.snap.Generation()), len(out.Hits), out.Total, nil)
	return out, nil
}

func (r *Reader) primaryKey(doc model.DocID) (model.PrimaryKey, error) {
	raw, err := r.snap.Get(storage.DocPKKey(doc))
	if err != nil {
		return "", err
	}
	return model.PrimaryKey(raw), nil
}

// Close releases the pinned generation.
func (r *Reader) Close() error {
	if r == nil || !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	return r.snap.Close()
}
