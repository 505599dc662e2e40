package storage

import (
	"encoding/binary"
	"math"

	"github.com/quarrydb/quarry/model"
)

// Key kinds. One leading byte per index structure keeps each structure a
// contiguous, prefix-iterable key range.
const (
	kindManifest  = '!'
	kindDict      = 'd'
	kindPosting   = 'p'
	kindPositions = 'o'
	kindFacet     = 'f'
	kindGeo       = 'g'
	kindVector    = 'v'
	kindFlatDoc   = 's'
	kindPK        = 'k'
	kindDocPK     = 'K'
	kindAlive     = 'a'
)

func manifestKey() []byte { return []byte{kindManifest} }

// IsManifestKey reports whether key addresses the manifest record.
func IsManifestKey(key []byte) bool {
	return len(key) == 1 && key[0] == kindManifest
}

// DictKey addresses the serialized term-dictionary FST.
func DictKey() []byte { return []byte{kindDict} }

// AliveKey addresses the bitmap of live (non-tombstoned) DocIDs.
func AliveKey() []byte { return []byte{kindAlive} }

func appendField(key []byte, field model.FieldID) []byte {
	return binary.BigEndian.AppendUint16(key, uint16(field))
}

func appendDoc(key []byte, doc model.DocID) []byte {
	return binary.BigEndian.AppendUint32(key, uint32(doc))
}

// PostingKey addresses the (field, term) posting bitmap. Postings are keyed
// by the term string rather than its ordinal id: ordinals shift when a delta
// pass grows the dictionary, term strings never do.
func PostingKey(field model.FieldID, term string) []byte {
	return append(appendField([]byte{kindPosting}, field), term...)
}

// PositionsKey addresses the (field, term, doc) position list.
func PositionsKey(field model.FieldID, term string, doc model.DocID) []byte {
	return appendDoc(append(appendField([]byte{kindPositions}, field), term...), doc)
}

// PositionsPrefix addresses all position lists of one (field, term).
func PositionsPrefix(field model.FieldID, term string) []byte {
	return append(appendField([]byte{kindPositions}, field), term...)
}

// FacetKey addresses the (field, typed value) facet bitmap. The value part
// is order-preserving so a prefix scan over a field walks values in their
// natural order.
func FacetKey(field model.FieldID, value model.Value) []byte {
	return append(appendField([]byte{kindFacet}, field), OrderedValue(value)...)
}

// FacetPrefix addresses all facet entries of one field.
func FacetPrefix(field model.FieldID) []byte {
	return appendField([]byte{kindFacet}, field)
}

// GeoKey addresses a document's coordinate pair.
func GeoKey(doc model.DocID) []byte {
	return appendDoc([]byte{kindGeo}, doc)
}

// GeoPrefix addresses all geo points.
func GeoPrefix() []byte { return []byte{kindGeo} }

// VectorKey addresses a document's embedding vector for one vector field.
func VectorKey(field model.FieldID, doc model.DocID) []byte {
	return appendDoc(appendField([]byte{kindVector}, field), doc)
}

// VectorPrefix addresses all vectors of one field.
func VectorPrefix(field model.FieldID) []byte {
	return appendField([]byte{kindVector}, field)
}

// FlatDocKey addresses the stored flattened form of a document, kept so a
// delta pass can un-index exactly what a removed or replaced document
// contributed.
func FlatDocKey(doc model.DocID) []byte {
	return appendDoc([]byte{kindFlatDoc}, doc)
}

// PKKey maps a primary key to its DocID.
func PKKey(pk model.PrimaryKey) []byte {
	return append([]byte{kindPK}, pk...)
}

// DocPKKey maps a DocID back to its primary key.
func DocPKKey(doc model.DocID) []byte {
	return appendDoc([]byte{kindDocPK}, doc)
}

// SplitPostingKey decodes a PostingKey back into (field, term).
func SplitPostingKey(key []byte) (model.FieldID, string) {
	return model.FieldID(binary.BigEndian.Uint16(key[1:3])), string(key[3:])
}

// SplitDocSuffix decodes the trailing DocID of a key.
func SplitDocSuffix(key []byte) model.DocID {
	return model.DocID(binary.BigEndian.Uint32(key[len(key)-4:]))
}

// OrderedValue encodes a typed value so byte order matches model.Value
// ordering: kind tag first, then a sortable payload. Numbers use the usual
// sign-flip trick on the IEEE 754 bits.
func OrderedValue(v model.Value) []byte {
	switch v.Kind {
	case model.KindNumber:
		bits := math.Float64bits(v.Num)
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		return binary.BigEndian.AppendUint64([]byte{byte(model.KindNumber)}, bits)
	case model.KindString:
		return append([]byte{byte(model.KindString)}, v.Str...)
	default:
		b := byte(0)
		if v.Bool {
			b = 1
		}
		return []byte{byte(model.KindBool), b}
	}
}
