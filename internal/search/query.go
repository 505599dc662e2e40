// Package search executes structured queries against one pinned index
// generation. The executor resolves terms through the dictionary, combines
// posting and facet bitmaps, optionally fuses in vector similarity, and
// ranks candidates through a bucket-refinement criteria pipeline. Ties after
// every criterion fall back to ascending document id, making the output a
// deterministic total order.
package search

import "github.com/quarrydb/quarry/model"

// TypoConfig is the default typo-tolerance policy, applied per query word by
// its length. Word length is counted in runes.
type TypoConfig struct {
	// MaxTypos caps the edit distance regardless of word length. At most 2.
	MaxTypos uint8

	// OneTypoMinLen is the minimum word length to tolerate one typo.
	OneTypoMinLen int

	// TwoTyposMinLen is the minimum word length to tolerate two typos.
	TwoTyposMinLen int
}

// DefaultTypoConfig tolerates one typo from five runes and two from nine.
var DefaultTypoConfig = TypoConfig{
	MaxTypos:       2,
	OneTypoMinLen:  5,
	TwoTyposMinLen: 9,
}

// AllowedTypos returns the edit distance the policy grants a word.
func (c TypoConfig) AllowedTypos(word string) uint8 {
	n := 0
	for range word {
		n++
	}
	allowed := uint8(0)
	if c.TwoTyposMinLen > 0 && n >= c.TwoTyposMinLen {
		allowed = 2
	} else if c.OneTypoMinLen > 0 && n >= c.OneTypoMinLen {
		allowed = 1
	}
	if allowed > c.MaxTypos {
		allowed = c.MaxTypos
	}
	return allowed
}

// Term is one search word of a query.
type Term struct {
	// Text is the raw word. It is normalized through the analyzer before
	// resolution, so casing follows indexing rules.
	Text string

	// Prefix additionally matches dictionary terms the word is a prefix of.
	// Typically set on the last word of an as-you-type query.
	Prefix bool

	// MaxTypos overrides the policy's allowance for this word when non-nil.
	MaxTypos *uint8
}

// SortField is one explicit sort criterion, applied after the relevance
// criteria and before the document-id tiebreak.
type SortField struct {
	Field      string
	Descending bool
}

// VectorQuery requests semantic matching against the schema's vector field.
type VectorQuery struct {
	// Vector is the query embedding. Its length must equal the field's
	// declared dimension.
	Vector []float32

	// K bounds the nearest-neighbor search. Zero defaults to offset+limit,
	// or to DefaultVectorK when the query is unpaginated.
	K int

	// LexicalWeight blends lexical and semantic evidence in [0,1]: 1 ranks
	// purely by the lexical criteria, 0 purely by similarity. Only
	// meaningful when the query also has terms.
	LexicalWeight float64
}

// Query is the structured input of one search. The executor assumes the AST
// is syntactically well formed; semantic validation (unknown fields, bad
// dimensions, out-of-range typo parameters) happens here.
type Query struct {
	Terms  []Term
	Filter Filter
	Vector *VectorQuery
	Sort   []SortField

	Offset int
	Limit  int
}

// Filter is a boolean expression tree over facet and geo predicates.
type Filter interface {
	isFilter()
}

// And matches documents satisfying every branch.
type And []Filter

// Or matches documents satisfying at least one branch.
type Or []Filter

// Not matches documents not satisfying the inner expression, within the set
// of currently alive documents.
type Not struct {
	Inner Filter
}

// Equal matches documents carrying exactly this facet value.
type Equal struct {
	Field string
	Value model.Value
}

// Range matches documents with a facet value inside the bounds. A nil bound
// is open.
type Range struct {
	Field   string
	Min     *model.Value
	MinIncl bool
	Max     *model.Value
	MaxIncl bool
}

// Exists matches documents carrying any value for the field.
type Exists struct {
	Field string
}

// GeoRadius matches documents whose geo point lies within the given distance
// of the center.
type GeoRadius struct {
	Center model.GeoPoint
	Meters float64
}

// GeoBox matches documents whose geo point lies inside the bounding box.
type GeoBox struct {
	Min model.GeoPoint
	Max model.GeoPoint
}

func (And) isFilter()       {}
func (Or) isFilter()        {}
func (Not) isFilter()       {}
func (Equal) isFilter()     {}
func (Range) isFilter()     {}
func (Exists) isFilter()    {}
func (GeoRadius) isFilter() {}
func (GeoBox) isFilter()    {}
