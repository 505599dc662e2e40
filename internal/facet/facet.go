// Package facet reads the per-field typed-value -> document bitmap store,
// serving equality and range filters, ordered field sorts and
// distinct-attribute collapse.
package facet

import (
	"bytes"
	"errors"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/tidwall/btree"

	"github.com/quarrydb/quarry/internal/bitmaps"
	"github.com/quarrydb/quarry/internal/storage"
	"github.com/quarrydb/quarry/model"
)

// Entry is one facet bucket: a typed value and the documents holding it.
type Entry struct {
	Value model.Value
	Docs  *roaring.Bitmap

	key []byte
}

// Reader resolves facets against one pinned generation. Per-field sorted
// trees are materialized lazily and cached for the reader's lifetime.
type Reader struct {
	snap *storage.Snapshot

	mu    sync.Mutex
	trees map[model.FieldID]*btree.BTreeG[*Entry]
}

// NewReader creates a Reader over a snapshot.
func NewReader(snap *storage.Snapshot) *Reader {
	return &Reader{
		snap:  snap,
		trees: make(map[model.FieldID]*btree.BTreeG[*Entry]),
	}
}

func lessEntry(a, b *Entry) bool { return bytes.Compare(a.key, b.key) < 0 }

// tree loads (or returns the cached) sorted value tree of one field.
func (r *Reader) tree(field model.FieldID) (*btree.BTreeG[*Entry], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.trees[field]; ok {
		return t, nil
	}

	t := btree.NewBTreeG(lessEntry)
	prefix := storage.FacetPrefix(field)
	err := r.snap.Iterate(prefix, func(key, value []byte) (bool, error) {
		encoded := bytes.Clone(key[len(prefix):])
		v, err := storage.DecodeOrderedValue(encoded)
		if err != nil {
			return false, err
		}
		docs, err := bitmaps.Unmarshal(value)
		if err != nil {
			return false, err
		}
		t.Set(&Entry{Value: v, Docs: docs, key: encoded})
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	r.trees[field] = t
	return t, nil
}

// Equal returns the documents whose field holds exactly value.
func (r *Reader) Equal(field model.FieldID, value model.Value) (*roaring.Bitmap, error) {
	raw, err := r.snap.Get(storage.FacetKey(field, value))
	if errors.Is(err, storage.ErrNotFound) {
		return roaring.New(), nil
	}
	if err != nil {
		return nil, err
	}
	return bitmaps.Unmarshal(raw)
}

// Range returns the documents whose field value lies within the given
// bounds. Nil bounds are open; Incl flags control bound inclusion. Bounds of
// different kinds than stored values simply never match them, consistent
// with the value total order.
func (r *Reader) Range(field model.FieldID, min *model.Value, minIncl bool, max *model.Value, maxIncl bool) (*roaring.Bitmap, error) {
	t, err := r.tree(field)
	if err != nil {
		return nil, err
	}

	out := roaring.New()
	iter := func(e *Entry) bool {
		if min != nil {
			c := e.Value.Compare(*min)
			if c < 0 || (c == 0 && !minIncl) {
				return true
			}
		}
		if max != nil {
			c := e.Value.Compare(*max)
			if c > 0 || (c == 0 && !maxIncl) {
				return false
			}
		}
		out.Or(e.Docs)
		return true
	}
	if min != nil {
		t.Ascend(&Entry{key: storage.OrderedValue(*min)}, iter)
	} else {
		t.Scan(iter)
	}
	return out, nil
}

// Exists returns the documents having any value for the field.
func (r *Reader) Exists(field model.FieldID) (*roaring.Bitmap, error) {
	t, err := r.tree(field)
	if err != nil {
		return nil, err
	}
	var all []*roaring.Bitmap
	t.Scan(func(e *Entry) bool {
		all = append(all, e.Docs)
		return true
	})
	return bitmaps.Or(all...), nil
}

// Ordered partitions a candidate subset into buckets ordered by field value,
// ascending or descending. Documents without a value for the field always
// land in a final bucket. Bucket bitmaps are fresh and safe to mutate.
func (r *Reader) Ordered(field model.FieldID, subset *roaring.Bitmap, descending bool) ([]*roaring.Bitmap, error) {
	t, err := r.tree(field)
	if err != nil {
		return nil, err
	}

	rest := subset.Clone()
	var buckets []*roaring.Bitmap
	collect := func(e *Entry) bool {
		hit := bitmaps.And(rest, e.Docs)
		if !hit.IsEmpty() {
			buckets = append(buckets, hit)
			rest.AndNot(e.Docs)
		}
		return !rest.IsEmpty()
	}
	if descending {
		t.Reverse(collect)
	} else {
		t.Scan(collect)
	}
	if !rest.IsEmpty() {
		buckets = append(buckets, rest)
	}
	return buckets, nil
}

// Buckets iterates all value buckets of a field in ascending value order.
// Used by distinct collapse.
func (r *Reader) Buckets(field model.FieldID, fn func(value model.Value, docs *roaring.Bitmap) bool) error {
	t, err := r.tree(field)
	if err != nil {
		return err
	}
	t.Scan(func(e *Entry) bool {
		return fn(e.Value, e.Docs)
	})
	return nil
}
