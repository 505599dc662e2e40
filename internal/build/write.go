package build

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/quarrydb/quarry/internal/bitmaps"
	"github.com/quarrydb/quarry/internal/codec"
	"github.com/quarrydb/quarry/internal/postings"
	"github.com/quarrydb/quarry/internal/sorter"
	"github.com/quarrydb/quarry/internal/storage"
	"github.com/quarrydb/quarry/internal/termdict"
	"github.com/quarrydb/quarry/model"
)

// aggregates collects everything one pass stages before the merge: sorter
// streams for additions and bounded in-memory sets for removals.
type aggregates struct {
	postings  *sorter.Writer
	positions *sorter.Writer
	facets    *sorter.Writer

	postingDels  map[string]*roaring.Bitmap
	positionDels [][]byte
	facetDels    map[string]*roaring.Bitmap

	newTerms map[string]struct{}

	vectorSets map[model.DocID][]float32
	vectorDels []model.DocID
	geoSets    map[model.DocID]model.GeoPoint
	geoDels    []model.DocID
}

func (b *Builder) newAggregates() (*aggregates, error) {
	sorterOpts := func(o *sorter.Options) {
		o.MaxBufferBytes = b.opts.SorterMemoryBytes
		o.TempDir = b.opts.TempDir
	}
	post, err := sorter.New(postings.MergeBitmaps, sorterOpts)
	if err != nil {
		return nil, err
	}
	pos, err := sorter.New(postings.MergePositions, sorterOpts)
	if err != nil {
		return nil, err
	}
	fac, err := sorter.New(postings.MergeBitmaps, sorterOpts)
	if err != nil {
		return nil, err
	}
	return &aggregates{
		postings:     post,
		positions:    pos,
		facets:       fac,
		postingDels:  make(map[string]*roaring.Bitmap),
		facetDels:    make(map[string]*roaring.Bitmap),
		newTerms:     make(map[string]struct{}),
		vectorSets:   make(map[model.DocID][]float32),
		geoSets:      make(map[model.DocID]model.GeoPoint),
		positionDels: nil,
	}, nil
}

func (a *aggregates) cleanup() {
	a.postings.Cleanup()
	a.positions.Cleanup()
	a.facets.Cleanup()
}

// aggregate stages every change's contribution: postings and facets through
// the external sorter, removals into bounded maps, vectors through the
// embedding boundary.
func (b *Builder) aggregate(ctx context.Context, tx *storage.BuildTxn, changes []*change, report *Report) (*aggregates, error) {
	agg, err := b.newAggregates()
	if err != nil {
		return nil, err
	}

	singleDoc := func(doc model.DocID) []byte {
		bm := roaring.BitmapOf(uint32(doc))
		raw, _ := bitmaps.Marshal(bm)
		return raw
	}

	for _, ch := range changes {
		// Outgoing side: un-index the old contribution of changed fields.
		for fieldID, terms := range ch.oldTokens {
			for term := range terms {
				key := string(storage.PostingKey(fieldID, term))
				if agg.postingDels[key] == nil {
					agg.postingDels[key] = roaring.New()
				}
				agg.postingDels[key].Add(uint32(ch.docID))
				agg.positionDels = append(agg.positionDels, storage.PositionsKey(fieldID, term, ch.docID))
			}
		}
		for _, fv := range b.facetValues(ch.oldFlat, ch.changed) {
			key := string(storage.FacetKey(fv.field, fv.value))
			if agg.facetDels[key] == nil {
				agg.facetDels[key] = roaring.New()
			}
			agg.facetDels[key].Add(uint32(ch.docID))
		}

		// Incoming side.
		for fieldID, terms := range ch.newTokens {
			for term, positions := range terms {
				agg.newTerms[term] = struct{}{}
				if err := agg.postings.Put(storage.PostingKey(fieldID, term), singleDoc(ch.docID)); err != nil {
					agg.cleanup()
					return nil, err
				}
				sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })
				if err := agg.positions.Put(storage.PositionsKey(fieldID, term, ch.docID), codec.MarshalPositions(positions)); err != nil {
					agg.cleanup()
					return nil, err
				}
			}
		}
		for _, fv := range b.facetValues(ch.newFlat, ch.changed) {
			if err := agg.facets.Put(storage.FacetKey(fv.field, fv.value), singleDoc(ch.docID)); err != nil {
				agg.cleanup()
				return nil, err
			}
		}

		// Geo.
		if b.geoChanged(ch) {
			if ch.kind == changeRemove {
				agg.geoDels = append(agg.geoDels, ch.docID)
			} else if p, ok, reason := b.geoPoint(ch.newFlat); ok {
				agg.geoSets[ch.docID] = p
			} else {
				agg.geoDels = append(agg.geoDels, ch.docID)
				if reason != "" {
					report.Warnings = append(report.Warnings, Warning{PK: ch.pk, Message: reason})
				}
			}
		}
	}

	if err := b.embedVectors(ctx, changes, agg, report); err != nil {
		agg.cleanup()
		return nil, err
	}
	return agg, nil
}

type fieldValue struct {
	field model.FieldID
	value model.Value
}

// facetValues lists the (field, value) facet pairs of the changed
// filterable/sortable/distinct fields of a flat document.
func (b *Builder) facetValues(flat map[string][]model.Value, changed map[string]struct{}) []fieldValue {
	if flat == nil {
		return nil
	}
	var out []fieldValue
	for i := 0; i < b.schema.Len(); i++ {
		fieldID := model.FieldID(i)
		spec, _ := b.schema.Spec(fieldID)
		if !spec.Roles.Has(model.RoleFilterable) && !spec.Roles.Has(model.RoleSortable) && !spec.Roles.Has(model.RoleDistinct) {
			continue
		}
		if _, isChanged := changed[spec.Name]; !isChanged {
			continue
		}
		for _, v := range flat[spec.Name] {
			out = append(out, fieldValue{field: fieldID, value: v})
		}
	}
	return out
}

func (b *Builder) geoChanged(ch *change) bool {
	fieldID, declared := b.schema.Geo()
	if !declared {
		return false
	}
	spec, _ := b.schema.Spec(fieldID)
	if ch.kind == changeRemove {
		return true
	}
	_, latChanged := ch.changed[spec.Name+".lat"]
	_, lonChanged := ch.changed[spec.Name+".lon"]
	return latChanged || lonChanged
}

// embedVectors resolves the vector contribution of every change whose
// vector-source field changed: precomputed numeric vectors are taken as is,
// text goes through the embedding boundary (rate limited). Failures degrade
// the document to "no vector" unless StrictEmbedding is set.
func (b *Builder) embedVectors(ctx context.Context, changes []*change, agg *aggregates, report *Report) error {
	fieldID, declared := b.schema.Vector()
	if !declared {
		return nil
	}
	spec, _ := b.schema.Spec(fieldID)

	type pending struct {
		ch   *change
		text string
	}
	var toEmbed []pending
	var mu sync.Mutex

	for _, ch := range changes {
		if ch.kind == changeRemove {
			agg.vectorDels = append(agg.vectorDels, ch.docID)
			continue
		}
		if _, isChanged := ch.changed[spec.Name]; !isChanged {
			continue
		}
		vec, text, ok := b.vectorSource(ch.newFlat)
		switch {
		case !ok:
			agg.vectorDels = append(agg.vectorDels, ch.docID)
		case vec != nil:
			agg.vectorSets[ch.docID] = vec
		case b.embedder == nil:
			agg.vectorDels = append(agg.vectorDels, ch.docID)
			report.Warnings = append(report.Warnings, Warning{PK: ch.pk, Field: spec.Name, Message: "no embedder configured"})
		default:
			toEmbed = append(toEmbed, pending{ch: ch, text: text})
		}
	}

	err := b.runParallel(ctx, len(toEmbed), func(i int) error {
		p := toEmbed[i]
		if b.limiter != nil {
			if err := b.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		vec, err := b.embedder.Embed(ctx, p.text)
		if err == nil && len(vec) != spec.VectorDimension {
			err = &ErrEmbeddingDimension{Expected: spec.VectorDimension, Actual: len(vec)}
		}
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			if b.opts.StrictEmbedding {
				return err
			}
			agg.vectorDels = append(agg.vectorDels, p.ch.docID)
			report.Warnings = append(report.Warnings, Warning{PK: p.ch.pk, Field: spec.Name, Message: "embedding failed: " + err.Error()})
			report.EmbeddingFailures++
			return nil
		}
		agg.vectorSets[p.ch.docID] = vec
		return nil
	})
	return err
}

// merge drains the sorter streams into the build transaction, reconciling
// each touched key against its stored value: final = (stored - removals) |
// additions. Keys untouched by the delta are never read or written.
func (b *Builder) merge(ctx context.Context, tx *storage.BuildTxn, agg *aggregates) error {
	if err := b.mergeBitmapStream(ctx, tx, agg.postings, agg.postingDels); err != nil {
		return err
	}
	if err := b.mergeBitmapStream(ctx, tx, agg.facets, agg.facetDels); err != nil {
		return err
	}

	// Position lists are per-document keys: deletions first, then the merged
	// additions replace whatever remains.
	for _, key := range agg.positionDels {
		if err := tx.Delete(key); err != nil {
			return err
		}
	}
	it, err := agg.positions.Finalize()
	if err != nil {
		return err
	}
	defer it.Close()
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		key, value := it.Current()
		if err := tx.Set(key, value); err != nil {
			return err
		}
	}
	if err := it.Err(); err != nil {
		return err
	}

	for _, doc := range agg.geoDels {
		if err := tx.Delete(storage.GeoKey(doc)); err != nil {
			return err
		}
	}
	for doc, p := range agg.geoSets {
		if err := tx.Set(storage.GeoKey(doc), codec.MarshalGeoPoint(p)); err != nil {
			return err
		}
	}
	for _, doc := range agg.vectorDels {
		if err := tx.Delete(storage.VectorKey(b.vectorField(), doc)); err != nil {
			return err
		}
	}
	for doc, vec := range agg.vectorSets {
		if err := tx.Set(storage.VectorKey(b.vectorField(), doc), codec.MarshalVector(vec)); err != nil {
			return err
		}
	}

	return b.mergeDictionary(tx, agg)
}

func (b *Builder) vectorField() model.FieldID {
	id, _ := b.schema.Vector()
	return id
}

// mergeBitmapStream reconciles one sorter stream of bitmap additions plus
// its removal map against storage.
func (b *Builder) mergeBitmapStream(ctx context.Context, tx *storage.BuildTxn, w *sorter.Writer, dels map[string]*roaring.Bitmap) error {
	it, err := w.Finalize()
	if err != nil {
		return err
	}
	defer it.Close()

	touched := make(map[string]struct{})
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		key, value := it.Current()
		touched[string(key)] = struct{}{}
		add, err := bitmaps.Unmarshal(value)
		if err != nil {
			return err
		}
		if err := b.reconcileBitmap(tx, key, add, dels[string(key)]); err != nil {
			return err
		}
	}
	if err := it.Err(); err != nil {
		return err
	}

	// Removal-only keys: subtract without additions.
	delKeys := make([]string, 0, len(dels))
	for key := range dels {
		if _, done := touched[key]; !done {
			delKeys = append(delKeys, key)
		}
	}
	sort.Strings(delKeys)
	for _, key := range delKeys {
		if err := b.reconcileBitmap(tx, []byte(key), nil, dels[key]); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) reconcileBitmap(tx *storage.BuildTxn, key []byte, add, del *roaring.Bitmap) error {
	final := roaring.New()
	stored, err := tx.Get(key)
	if err == nil {
		final, err = bitmaps.Unmarshal(stored)
		if err != nil {
			return err
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	if del != nil {
		final.AndNot(del)
	}
	if add != nil {
		final.Or(add)
	}
	if final.IsEmpty() {
		return tx.Delete(key)
	}
	raw, err := bitmaps.Marshal(final)
	if err != nil {
		return err
	}
	return tx.Set(key, raw)
}

// mergeDictionary unions the prior generation's term list with the pass's
// new terms and rewrites the FST when it grew. Terms are never removed from
// the dictionary even when their last posting disappears; an empty posting
// is indistinguishable from a missing one at query time.
func (b *Builder) mergeDictionary(tx *storage.BuildTxn, agg *aggregates) error {
	var oldTerms []string
	raw, err := tx.Get(storage.DictKey())
	if err == nil {
		dict, derr := termdict.Load(raw)
		if derr != nil {
			return derr
		}
		oldTerms = dict.Terms()
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	added := make([]string, 0, len(agg.newTerms))
	for term := range agg.newTerms {
		added = append(added, term)
	}
	sort.Strings(added)

	merged := sortedUnion(oldTerms, added)
	if len(merged) == len(oldTerms) {
		return nil
	}
	_, data, err := termdict.Build(merged)
	if err != nil {
		return err
	}
	return tx.Set(storage.DictKey(), data)
}

// sortedUnion merges two sorted, deduplicated string slices.
func sortedUnion(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			out = append(out, a[i])
			i++
		case a[i] > b[j]:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}

// writeDocs stages the per-document bookkeeping: flat form, primary-key
// mappings and the alive bitmap.
func (b *Builder) writeDocs(tx *storage.BuildTxn, changes []*change, alive *roaring.Bitmap, report *Report) error {
	for _, ch := range changes {
		switch ch.kind {
		case changeRemove:
			alive.Remove(uint32(ch.docID))
			if err := tx.Delete(storage.FlatDocKey(ch.docID)); err != nil {
				return err
			}
			if err := tx.Delete(storage.PKKey(ch.pk)); err != nil {
				return err
			}
			if err := tx.Delete(storage.DocPKKey(ch.docID)); err != nil {
				return err
			}
			report.Removed++
		default:
			alive.Add(uint32(ch.docID))
			flat := ch.newFlat
			paths := make([]string, 0, len(flat))
			for p := range flat {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			if err := tx.Set(storage.FlatDocKey(ch.docID), codec.MarshalFlat(paths, flat)); err != nil {
				return err
			}
			if err := tx.Set(storage.PKKey(ch.pk), encodeDocID(ch.docID)); err != nil {
				return err
			}
			if err := tx.Set(storage.DocPKKey(ch.docID), []byte(ch.pk)); err != nil {
				return err
			}
			report.Indexed++
		}
	}
	return nil
}

// ErrEmbeddingDimension indicates the embedder returned a vector of the
// wrong dimensionality for the declared vector field.
type ErrEmbeddingDimension struct {
	Expected int
	Actual   int
}

func (e *ErrEmbeddingDimension) Error() string {
	return fmt.Sprintf("build: embedding dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}
