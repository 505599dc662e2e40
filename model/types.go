package model

import (
	"fmt"
	"math"
	"strconv"
)

// DocID is a dense, generation-local identifier for a document.
// IDs are assigned contiguously by the builder and are stable for the
// lifetime of an index generation. Deletions leave tombstones; an ID is
// never reused within a generation.
type DocID uint32

// Generation identifies one immutable, internally consistent snapshot of all
// index structures. A new generation is published atomically by every
// successful build pass.
type Generation uint64

// PrimaryKey is the user-facing stable identifier of a document. It survives
// generation changes; the builder maps it to a fresh DocID per generation.
type PrimaryKey string

// FieldID identifies a declared field within the schema.
type FieldID uint16

// TermID is the ordinal of a term within one term-dictionary generation.
// IDs are assigned in lexicographic order of the term string, so a prefix
// corresponds to a contiguous TermID range.
type TermID uint64

// Document is a user document: a primary key plus an arbitrarily nested
// JSON-like field tree. The engine only interprets content through the
// flattener, the analyzer and the declared field roles.
type Document struct {
	PK     PrimaryKey
	Fields map[string]any
}

// FieldRole declares how a field participates in indexing.
type FieldRole uint8

const (
	RoleSearchable FieldRole = 1 << iota
	RoleFilterable
	RoleSortable
	RoleDistinct
	RoleVector
	RoleGeo
)

// Has reports whether r includes the given role bit.
func (r FieldRole) Has(role FieldRole) bool { return r&role != 0 }

// ValueKind discriminates the typed scalar values a flattened field can hold.
type ValueKind uint8

const (
	KindNumber ValueKind = iota
	KindString
	KindBool
)

// Value is a typed scalar extracted by the flattener.
type Value struct {
	Kind ValueKind
	Num  float64
	Str  string
	Bool bool
}

// Number returns a numeric Value.
func Number(f float64) Value { return Value{Kind: KindNumber, Num: f} }

// String returns a string Value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Boolean returns a boolean Value.
func Boolean(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// Compare orders values by kind tag first, then by natural order within the
// kind. This yields the total order facet structures sort by.
func (v Value) Compare(o Value) int {
	if v.Kind != o.Kind {
		if v.Kind < o.Kind {
			return -1
		}
		return 1
	}
	switch v.Kind {
	case KindNumber:
		switch {
		case v.Num < o.Num:
			return -1
		case v.Num > o.Num:
			return 1
		default:
			return 0
		}
	case KindString:
		switch {
		case v.Str < o.Str:
			return -1
		case v.Str > o.Str:
			return 1
		default:
			return 0
		}
	default:
		switch {
		case !v.Bool && o.Bool:
			return -1
		case v.Bool && !o.Bool:
			return 1
		default:
			return 0
		}
	}
}

// String renders the value for logs and error messages.
func (v Value) String() string {
	switch v.Kind {
	case KindNumber:
		if v.Num == math.Trunc(v.Num) && math.Abs(v.Num) < 1e15 {
			return strconv.FormatInt(int64(v.Num), 10)
		}
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case KindString:
		return v.Str
	default:
		return strconv.FormatBool(v.Bool)
	}
}

// GeoPoint is a WGS84 coordinate pair attached to a document.
type GeoPoint struct {
	Lat float64
	Lon float64
}

// Valid reports whether the point lies within coordinate bounds.
func (p GeoPoint) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

func (p GeoPoint) String() string {
	return fmt.Sprintf("(%g, %g)", p.Lat, p.Lon)
}
