// Package postings reads the (field, term) -> document bitmap store and the
// per-document position lists backing proximity ranking.
package postings

import (
	"errors"
	"slices"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/quarrydb/quarry/internal/bitmaps"
	"github.com/quarrydb/quarry/internal/codec"
	"github.com/quarrydb/quarry/internal/storage"
	"github.com/quarrydb/quarry/model"
)

// Reader resolves postings against one pinned generation.
type Reader struct {
	snap *storage.Snapshot
}

// NewReader creates a Reader over a snapshot.
func NewReader(snap *storage.Snapshot) *Reader {
	return &Reader{snap: snap}
}

// Lookup returns the bitmap of documents containing the term in the field.
// An absent posting is an empty bitmap, not an error.
func (r *Reader) Lookup(field model.FieldID, term string) (*roaring.Bitmap, error) {
	raw, err := r.snap.Get(storage.PostingKey(field, term))
	if errors.Is(err, storage.ErrNotFound) {
		return roaring.New(), nil
	}
	if err != nil {
		return nil, err
	}
	return bitmaps.Unmarshal(raw)
}

// Positions returns the sorted position list of (field, term, doc). Absent
// positions are an empty list, not an error.
func (r *Reader) Positions(field model.FieldID, term string, doc model.DocID) ([]uint32, error) {
	raw, err := r.snap.Get(storage.PositionsKey(field, term, doc))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return codec.UnmarshalPositions(raw)
}

// MergeBitmaps is the sorter merge function for posting keys: bitmap union.
func MergeBitmaps(_ []byte, values [][]byte) ([]byte, error) {
	return bitmaps.UnionBytes(values)
}

// MergePositions is the sorter merge function for position keys: lists are
// concatenated, deduplicated and re-sorted.
func MergePositions(_ []byte, values [][]byte) ([]byte, error) {
	var all []uint32
	for _, v := range values {
		positions, err := codec.UnmarshalPositions(v)
		if err != nil {
			return nil, err
		}
		all = append(all, positions...)
	}
	slices.Sort(all)
	all = slices.Compact(all)
	return codec.MarshalPositions(all), nil
}
