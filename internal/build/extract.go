package build

import (
	"context"
	"errors"
	"reflect"
	"sync"

	"github.com/quarrydb/quarry/internal/codec"
	"github.com/quarrydb/quarry/internal/flatten"
	"github.com/quarrydb/quarry/internal/storage"
	"github.com/quarrydb/quarry/model"
)

// positionGap separates token positions of consecutive values of a
// multi-valued field, so phrases never straddle a value boundary.
const positionGap = 8

// flattenChanges flattens every written document, loads the stored flat form
// of updated/removed ones and computes the per-field diff.
func (b *Builder) flattenChanges(ctx context.Context, changes []*change, report *Report) error {
	var mu sync.Mutex

	err := b.runParallel(ctx, len(changes), func(i int) error {
		ch := changes[i]

		if ch.kind != changeAdd {
			raw, err := b.loadStoredFlat(ch.docID)
			if err != nil {
				return err
			}
			ch.oldFlat = raw
		}
		if ch.kind == changeRemove {
			ch.changed = changedPaths(ch.oldFlat, nil)
			return nil
		}

		flat, warnings := flatten.Flatten(ch.doc.Fields)
		ch.newFlat = flat
		if len(warnings) > 0 {
			mu.Lock()
			for _, w := range warnings {
				report.Warnings = append(report.Warnings, Warning{PK: ch.pk, Field: w.Path, Message: w.Reason})
			}
			mu.Unlock()
		}

		ch.changed = changedPaths(ch.oldFlat, ch.newFlat)
		if ch.kind == changeUpdate && len(ch.changed) == 0 {
			ch.unchanged = true
		}
		return nil
	})
	return err
}

// loadStoredFlat reads a stored flat document through its own snapshot: the
// build transaction is not safe for concurrent readers, the store is.
func (b *Builder) loadStoredFlat(doc model.DocID) (map[string][]model.Value, error) {
	snap, err := b.store.Snapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Close()
	raw, err := snap.Get(storage.FlatDocKey(doc))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return codec.UnmarshalFlat(raw)
}

// changedPaths returns the union of paths whose value lists differ.
func changedPaths(old, new map[string][]model.Value) map[string]struct{} {
	out := make(map[string]struct{})
	for p, values := range old {
		if !reflect.DeepEqual(values, new[p]) {
			out[p] = struct{}{}
		}
	}
	for p := range new {
		if _, ok := old[p]; !ok {
			out[p] = struct{}{}
		}
	}
	return out
}

// analyzeChanges tokenizes the changed searchable fields of every change,
// for both the outgoing (old) and incoming (new) side.
func (b *Builder) analyzeChanges(ctx context.Context, changes []*change, _ *Report) error {
	return b.runParallel(ctx, len(changes), func(i int) error {
		ch := changes[i]
		ch.oldTokens = b.tokenizeChanged(ch.oldFlat, ch.changed)
		ch.newTokens = b.tokenizeChanged(ch.newFlat, ch.changed)
		return nil
	})
}

// tokenizeChanged produces, per changed searchable field, the map of term ->
// sorted positions the field contributes.
func (b *Builder) tokenizeChanged(flat map[string][]model.Value, changed map[string]struct{}) map[model.FieldID]map[string][]uint32 {
	if flat == nil {
		return nil
	}
	out := make(map[model.FieldID]map[string][]uint32)
	for _, fieldID := range b.schema.Searchable() {
		spec, _ := b.schema.Spec(fieldID)
		if _, isChanged := changed[spec.Name]; !isChanged {
			continue
		}
		values, ok := flat[spec.Name]
		if !ok {
			continue
		}
		terms := make(map[string][]uint32)
		base := uint32(0)
		for _, v := range values {
			if v.Kind != model.KindString {
				continue
			}
			maxPos := base
			for _, tok := range b.analyzer.Analyze(spec.Name, v.Str) {
				pos := base + uint32(tok.Position)
				terms[tok.Term] = append(terms[tok.Term], pos)
				if pos > maxPos {
					maxPos = pos
				}
			}
			base = maxPos + positionGap
		}
		if len(terms) > 0 {
			out[fieldID] = terms
		}
	}
	return out
}

// geoPoint extracts the declared geo field's coordinate pair from a flat
// document. ok is false when the document has no usable pair.
func (b *Builder) geoPoint(flat map[string][]model.Value) (model.GeoPoint, bool, string) {
	fieldID, declared := b.schema.Geo()
	if !declared || flat == nil {
		return model.GeoPoint{}, false, ""
	}
	spec, _ := b.schema.Spec(fieldID)
	lat, latOK := singleNumber(flat[spec.Name+".lat"])
	lon, lonOK := singleNumber(flat[spec.Name+".lon"])
	if !latOK || !lonOK {
		return model.GeoPoint{}, false, ""
	}
	p := model.GeoPoint{Lat: lat, Lon: lon}
	if !p.Valid() {
		return model.GeoPoint{}, false, "coordinates out of range"
	}
	return p, true, ""
}

func singleNumber(values []model.Value) (float64, bool) {
	if len(values) != 1 || values[0].Kind != model.KindNumber {
		return 0, false
	}
	return values[0].Num, true
}

// vectorSource extracts either a precomputed numeric vector of the declared
// dimension, or the text to embed, from the vector field's values.
func (b *Builder) vectorSource(flat map[string][]model.Value) (vec []float32, text string, ok bool) {
	fieldID, declared := b.schema.Vector()
	if !declared || flat == nil {
		return nil, "", false
	}
	spec, _ := b.schema.Spec(fieldID)
	values := flat[spec.Name]
	if len(values) == 0 {
		return nil, "", false
	}

	if len(values) == spec.VectorDimension && values[0].Kind == model.KindNumber {
		vec = make([]float32, len(values))
		for i, v := range values {
			if v.Kind != model.KindNumber {
				return nil, "", false
			}
			vec[i] = float32(v.Num)
		}
		return vec, "", true
	}

	for _, v := range values {
		if v.Kind != model.KindString {
			continue
		}
		if text != "" {
			text += " "
		}
		text += v.Str
	}
	return nil, text, text != ""
}
