// Package bitmaps holds shared helpers around Roaring bitmaps: the
// compressed document-set representation every index structure stores and
// every query combines.
package bitmaps

import (
	"bytes"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
)

// Marshal serializes a bitmap with the portable roaring format.
func Marshal(bm *roaring.Bitmap) ([]byte, error) {
	bm.RunOptimize()
	return bm.ToBytes()
}

// Unmarshal deserializes a bitmap.
func Unmarshal(data []byte) (*roaring.Bitmap, error) {
	bm := roaring.New()
	if _, err := bm.ReadFrom(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("bitmaps: corrupt bitmap: %w", err)
	}
	return bm, nil
}

// UnionBytes merges serialized bitmaps into one. Used as a sorter merge
// function by the builder.
func UnionBytes(values [][]byte) ([]byte, error) {
	bms := make([]*roaring.Bitmap, 0, len(values))
	for _, v := range values {
		bm, err := Unmarshal(v)
		if err != nil {
			return nil, err
		}
		bms = append(bms, bm)
	}
	return Marshal(roaring.FastOr(bms...))
}

// And intersects bitmaps without mutating the inputs. A nil entry means
// "all documents" and is skipped; intersecting nothing returns nil.
func And(bms ...*roaring.Bitmap) *roaring.Bitmap {
	var out *roaring.Bitmap
	for _, bm := range bms {
		if bm == nil {
			continue
		}
		if out == nil {
			out = bm.Clone()
			continue
		}
		out.And(bm)
	}
	return out
}

// Or unions bitmaps without mutating the inputs.
func Or(bms ...*roaring.Bitmap) *roaring.Bitmap {
	live := make([]*roaring.Bitmap, 0, len(bms))
	for _, bm := range bms {
		if bm != nil {
			live = append(live, bm)
		}
	}
	return roaring.FastOr(live...)
}
