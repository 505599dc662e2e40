// Package build implements the indexing pipeline: it turns a document delta
// into a new immutable generation of term dictionary, postings, facets, geo
// and vector structures, published atomically.
//
// A pass runs the state machine Idle -> Flattening -> Analyzing -> Building
// -> Merging -> Publishing -> Idle. Cost is proportional to the delta: only
// postings, facets, geo points and vectors touched by changed fields are
// rewritten; everything else stays untouched in the KV store. A failure
// anywhere before publish discards the pass and leaves the previous
// generation fully queryable.
package build

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/quarrydb/quarry/analyzer"
	"github.com/quarrydb/quarry/embed"
	"github.com/quarrydb/quarry/internal/bitmaps"
	"github.com/quarrydb/quarry/internal/storage"
	"github.com/quarrydb/quarry/model"
)

// State is the builder's current pipeline stage, for introspection.
type State uint32

const (
	StateIdle State = iota
	StateFlattening
	StateAnalyzing
	StateBuilding
	StateMerging
	StatePublishing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFlattening:
		return "flattening"
	case StateAnalyzing:
		return "analyzing"
	case StateBuilding:
		return "building"
	case StateMerging:
		return "merging"
	case StatePublishing:
		return "publishing"
	default:
		return "unknown"
	}
}

// Delta is one batch of document changes.
type Delta struct {
	Added   []model.Document
	Updated []model.Document
	Removed []model.PrimaryKey
}

func (d Delta) empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

// Warning is a recoverable per-document or per-field indexing problem,
// reported alongside a successful publish rather than failing it.
type Warning struct {
	PK      model.PrimaryKey
	Field   string
	Message string
}

func (w Warning) String() string {
	if w.Field == "" {
		return fmt.Sprintf("doc %q: %s", w.PK, w.Message)
	}
	return fmt.Sprintf("doc %q field %q: %s", w.PK, w.Field, w.Message)
}

// Report summarizes a build pass.
type Report struct {
	Generation        model.Generation
	Indexed           int
	Removed           int
	Unchanged         int
	Warnings          []Warning
	EmbeddingFailures int
}

// Options configures a Builder.
type Options struct {
	// Workers bounds the analysis/embedding fan-out. Defaults to NumCPU.
	Workers int

	// SorterMemoryBytes is the external sorter's in-memory budget.
	SorterMemoryBytes int

	// TempDir holds sorter spill runs.
	TempDir string

	// EmbedRate throttles embedder calls per second. Zero means unlimited.
	EmbedRate float64

	// StrictEmbedding aborts the pass on any embedding failure instead of
	// degrading the document to "no vector".
	StrictEmbedding bool
}

// DefaultOptions contains the default options for a Builder.
var DefaultOptions = Options{
	SorterMemoryBytes: 64 << 20,
}

// Builder drives index construction. One Apply pass may be in flight at a
// time; the storage layer enforces this independently.
type Builder struct {
	store    *storage.Store
	schema   *model.Schema
	analyzer analyzer.Analyzer
	embedder embed.Embedder
	limiter  *rate.Limiter
	logger   *slog.Logger
	opts     Options

	state atomic.Uint32
}

// New creates a Builder. The embedder may be nil when the schema declares no
// vector field.
func New(store *storage.Store, schema *model.Schema, an analyzer.Analyzer, embedder embed.Embedder, logger *slog.Logger, optFns ...func(o *Options)) (*Builder, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if _, ok := schema.Vector(); ok && embedder == nil {
		// Allowed: documents may carry precomputed numeric vectors.
		logger.Debug("no embedder configured, only precomputed vectors will be indexed")
	}
	var limiter *rate.Limiter
	if opts.EmbedRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.EmbedRate), 1)
	}
	return &Builder{
		store:    store,
		schema:   schema,
		analyzer: an,
		embedder: embedder,
		limiter:  limiter,
		logger:   logger,
		opts:     opts,
	}, nil
}

// State returns the current pipeline stage.
func (b *Builder) State() State { return State(b.state.Load()) }

func (b *Builder) setState(s State) { b.state.Store(uint32(s)) }

// Apply runs one build pass over the delta and publishes a new generation.
// When the delta turns out to be a no-op (all updates unchanged), the
// current generation is returned untouched.
func (b *Builder) Apply(ctx context.Context, delta Delta) (model.Generation, *Report, error) {
	defer b.setState(StateIdle)

	tx, err := b.store.BeginBuild()
	if err != nil {
		return 0, nil, err
	}
	defer tx.Discard()

	manifest := tx.Manifest()
	report := &Report{}

	if delta.empty() {
		report.Generation = manifest.Generation
		return manifest.Generation, report, nil
	}

	alive, err := b.loadAlive(tx)
	if err != nil {
		return 0, nil, err
	}

	// Resolve primary keys against the prior generation and classify every
	// change. Adds of a known PK become updates; updates of an unknown PK
	// become adds; removes of an unknown PK are reported, not fatal.
	changes, err := b.resolve(tx, delta, report)
	if err != nil {
		return 0, nil, err
	}

	b.setState(StateFlattening)
	if err := b.flattenChanges(ctx, changes, report); err != nil {
		return 0, nil, err
	}

	// Drop updates whose flattened content is identical to the stored one:
	// re-applying a delta must be a no-op.
	active := changes[:0]
	for _, ch := range changes {
		if ch.unchanged {
			report.Unchanged++
			continue
		}
		active = append(active, ch)
	}
	changes = active
	if len(changes) == 0 {
		report.Generation = manifest.Generation
		return manifest.Generation, report, nil
	}

	// Assign dense DocIDs to genuinely new documents.
	next := manifest.NextDocID
	for _, ch := range changes {
		if ch.kind == changeAdd {
			ch.docID = next
			next++
		}
	}

	b.setState(StateAnalyzing)
	if err := b.analyzeChanges(ctx, changes, report); err != nil {
		return 0, nil, err
	}

	b.setState(StateBuilding)
	agg, err := b.aggregate(ctx, tx, changes, report)
	if err != nil {
		return 0, nil, err
	}
	defer agg.cleanup()

	b.setState(StateMerging)
	if err := b.merge(ctx, tx, agg); err != nil {
		return 0, nil, err
	}
	if err := b.writeDocs(tx, changes, alive, report); err != nil {
		return 0, nil, err
	}

	b.setState(StatePublishing)
	aliveBytes, err := bitmaps.Marshal(alive)
	if err != nil {
		return 0, nil, err
	}
	if err := tx.Set(storage.AliveKey(), aliveBytes); err != nil {
		return 0, nil, err
	}
	newManifest := storage.Manifest{
		Generation: manifest.Generation + 1,
		NextDocID:  next,
		LiveDocs:   alive.GetCardinality(),
	}
	if err := tx.Publish(newManifest); err != nil {
		return 0, nil, err
	}

	report.Generation = newManifest.Generation
	b.logger.Info("build pass published",
		"generation", uint64(newManifest.Generation),
		"indexed", report.Indexed,
		"removed", report.Removed,
		"unchanged", report.Unchanged,
		"warnings", len(report.Warnings),
	)
	return newManifest.Generation, report, nil
}

type changeKind uint8

const (
	changeAdd changeKind = iota
	changeUpdate
	changeRemove
)

// change is one document's resolved contribution to the pass.
type change struct {
	kind  changeKind
	pk    model.PrimaryKey
	docID model.DocID
	doc   *model.Document

	oldFlat map[string][]model.Value
	newFlat map[string][]model.Value

	// changed holds the field paths whose values differ between oldFlat and
	// newFlat. Unchanged paths are never un-indexed nor re-indexed.
	changed   map[string]struct{}
	unchanged bool

	// Analysis output, filled per changed searchable field.
	oldTokens map[model.FieldID]map[string][]uint32
	newTokens map[model.FieldID]map[string][]uint32
}

func (b *Builder) loadAlive(tx *storage.BuildTxn) (*roaring.Bitmap, error) {
	raw, err := tx.Get(storage.AliveKey())
	if errors.Is(err, storage.ErrNotFound) {
		return roaring.New(), nil
	}
	if err != nil {
		return nil, err
	}
	return bitmaps.Unmarshal(raw)
}

func (b *Builder) resolve(tx *storage.BuildTxn, delta Delta, report *Report) ([]*change, error) {
	changes := make([]*change, 0, len(delta.Added)+len(delta.Updated)+len(delta.Removed))
	seen := make(map[model.PrimaryKey]struct{})

	classify := func(doc model.Document) error {
		if _, dup := seen[doc.PK]; dup {
			return fmt.Errorf("build: duplicate primary key %q in delta", doc.PK)
		}
		seen[doc.PK] = struct{}{}
		d := doc
		ch := &change{pk: doc.PK, doc: &d}
		raw, err := tx.Get(storage.PKKey(doc.PK))
		switch {
		case errors.Is(err, storage.ErrNotFound):
			ch.kind = changeAdd
		case err != nil:
			return err
		default:
			id, derr := decodeDocID(raw)
			if derr != nil {
				return derr
			}
			ch.kind = changeUpdate
			ch.docID = id
		}
		changes = append(changes, ch)
		return nil
	}

	for _, doc := range delta.Added {
		if err := classify(doc); err != nil {
			return nil, err
		}
	}
	for _, doc := range delta.Updated {
		if err := classify(doc); err != nil {
			return nil, err
		}
	}
	for _, pk := range delta.Removed {
		if _, dup := seen[pk]; dup {
			return nil, fmt.Errorf("build: primary key %q both written and removed in delta", pk)
		}
		seen[pk] = struct{}{}
		raw, err := tx.Get(storage.PKKey(pk))
		if errors.Is(err, storage.ErrNotFound) {
			report.Warnings = append(report.Warnings, Warning{PK: pk, Message: "remove of unknown document"})
			continue
		}
		if err != nil {
			return nil, err
		}
		id, derr := decodeDocID(raw)
		if derr != nil {
			return nil, derr
		}
		changes = append(changes, &change{kind: changeRemove, pk: pk, docID: id})
	}
	return changes, nil
}

// runParallel fans work items out over an ants pool and fans errors in
// through an errgroup.
func (b *Builder) runParallel(ctx context.Context, n int, fn func(i int) error) error {
	pool, err := ants.NewPool(b.opts.Workers)
	if err != nil {
		return err
	}
	defer pool.Release()

	g, ctx := errgroup.WithContext(ctx)
	var stop atomic.Bool
	for i := 0; i < n; i++ {
		if stop.Load() {
			break
		}
		i := i
		g.Go(func() error {
			done := make(chan error, 1)
			if err := pool.Submit(func() {
				if ctx.Err() != nil {
					done <- ctx.Err()
					return
				}
				done <- fn(i)
			}); err != nil {
				return err
			}
			err := <-done
			if err != nil {
				stop.Store(true)
			}
			return err
		})
	}
	return g.Wait()
}

func decodeDocID(raw []byte) (model.DocID, error) {
	if len(raw) != 4 {
		return 0, fmt.Errorf("build: corrupt primary-key mapping")
	}
	return model.DocID(binary.BigEndian.Uint32(raw)), nil
}

func encodeDocID(id model.DocID) []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(id))
}
