// Package termdict implements the immutable per-generation term dictionary.
//
// Terms are stored in a vellum FST keyed by the normalized term string with
// the ordinal term id as value. Because ids are assigned in lexicographic
// order, a prefix maps to a contiguous id range. Fuzzy lookup walks a
// Levenshtein automaton against the FST instead of scanning terms, so its
// cost is bounded by the number of matches, not the dictionary size.
package termdict

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/blevesearch/vellum"
	"github.com/blevesearch/vellum/levenshtein"

	"github.com/quarrydb/quarry/model"
)

const (
	// MaxDistance is the highest supported edit distance.
	MaxDistance = 2

	// maxTermID bounds the addressable term-id space of one generation.
	maxTermID = math.MaxUint32
)

var (
	// ErrTermSpaceExhausted is returned when the corpus holds more unique
	// terms than the id space can address. Fatal at build time.
	ErrTermSpaceExhausted = errors.New("termdict: term id space exhausted")

	// ErrDistanceOutOfRange is returned for edit distances outside {0,1,2}.
	ErrDistanceOutOfRange = errors.New("termdict: edit distance out of range")
)

// Match is one fuzzy-lookup hit.
type Match struct {
	Term     string
	ID       model.TermID
	Distance uint8
}

// Dictionary is a sorted, immutable term -> id mapping for one generation.
type Dictionary struct {
	fst   *vellum.FST
	terms []string

	levOnce sync.Once
	lev1    *levenshtein.LevenshteinAutomatonBuilder
	lev2    *levenshtein.LevenshteinAutomatonBuilder
	levErr  error
}

// Build constructs a dictionary from terms that are already sorted and
// deduplicated (the external merger's output contract). It returns the
// dictionary and its serialized FST.
func Build(terms []string) (*Dictionary, []byte, error) {
	if len(terms) > maxTermID {
		return nil, nil, fmt.Errorf("%w: %d terms", ErrTermSpaceExhausted, len(terms))
	}

	var buf bytes.Buffer
	b, err := vellum.New(&buf, nil)
	if err != nil {
		return nil, nil, err
	}
	for i, term := range terms {
		if err := b.Insert([]byte(term), uint64(i)); err != nil {
			return nil, nil, fmt.Errorf("termdict: insert %q: %w", term, err)
		}
	}
	if err := b.Close(); err != nil {
		return nil, nil, err
	}

	fst, err := vellum.Load(buf.Bytes())
	if err != nil {
		return nil, nil, err
	}
	return &Dictionary{fst: fst, terms: append([]string(nil), terms...)}, buf.Bytes(), nil
}

// Load reopens a serialized dictionary and rebuilds the id -> term table by
// walking the FST in key order.
func Load(data []byte) (*Dictionary, error) {
	fst, err := vellum.Load(data)
	if err != nil {
		return nil, err
	}
	terms := make([]string, 0, fst.Len())
	itr, err := fst.Iterator(nil, nil)
	for err == nil {
		key, _ := itr.Current()
		terms = append(terms, string(key))
		err = itr.Next()
	}
	if !errors.Is(err, vellum.ErrIteratorDone) {
		return nil, err
	}
	return &Dictionary{fst: fst, terms: terms}, nil
}

// Len returns the number of terms.
func (d *Dictionary) Len() int { return len(d.terms) }

// Terms returns the sorted term list. The slice is shared, callers must not
// mutate it.
func (d *Dictionary) Terms() []string { return d.terms }

// Lookup resolves a term to its id.
func (d *Dictionary) Lookup(term string) (model.TermID, bool, error) {
	v, ok, err := d.fst.Get([]byte(term))
	if err != nil || !ok {
		return 0, false, err
	}
	return model.TermID(v), true, nil
}

// Term returns the term string for an id.
func (d *Dictionary) Term(id model.TermID) (string, bool) {
	if int(id) >= len(d.terms) {
		return "", false
	}
	return d.terms[id], true
}

// PrefixRange resolves a prefix to the inclusive id range [first, last] of
// all terms sharing it. ok is false when no term matches.
func (d *Dictionary) PrefixRange(prefix string) (first, last model.TermID, ok bool, err error) {
	start := []byte(prefix)
	itr, err := d.fst.Iterator(start, prefixSuccessor(start))
	if errors.Is(err, vellum.ErrIteratorDone) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	_, v := itr.Current()
	first = model.TermID(v)
	last = first
	for {
		if err := itr.Next(); err != nil {
			if errors.Is(err, vellum.ErrIteratorDone) {
				return first, last, true, nil
			}
			return 0, 0, false, err
		}
		_, v := itr.Current()
		last = model.TermID(v)
	}
}

// Fuzzy returns all terms within the given edit distance (insertions,
// deletions, substitutions; a transposition counts as two edits) of the
// query term, with their exact distance. Distance must be 0, 1 or 2.
func (d *Dictionary) Fuzzy(term string, distance uint8) ([]Match, error) {
	switch distance {
	case 0:
		id, ok, err := d.Lookup(term)
		if err != nil || !ok {
			return nil, err
		}
		return []Match{{Term: term, ID: id, Distance: 0}}, nil
	case 1, 2:
	default:
		return nil, fmt.Errorf("%w: %d", ErrDistanceOutOfRange, distance)
	}

	d.levOnce.Do(func() {
		d.lev1, d.levErr = levenshtein.NewLevenshteinAutomatonBuilder(1, false)
		if d.levErr == nil {
			d.lev2, d.levErr = levenshtein.NewLevenshteinAutomatonBuilder(2, false)
		}
	})
	if d.levErr != nil {
		return nil, d.levErr
	}

	builder := d.lev1
	if distance == 2 {
		builder = d.lev2
	}
	dfa, err := builder.BuildDfa(term, distance)
	if err != nil {
		return nil, err
	}

	var matches []Match
	itr, err := d.fst.Search(dfa, nil, nil)
	for err == nil {
		key, v := itr.Current()
		matched := string(key)
		matches = append(matches, Match{
			Term:     matched,
			ID:       model.TermID(v),
			Distance: editDistance(term, matched),
		})
		err = itr.Next()
	}
	if !errors.Is(err, vellum.ErrIteratorDone) {
		return nil, err
	}
	return matches, nil
}

// prefixSuccessor returns the exclusive upper bound of the prefix range, or
// nil when the prefix is all 0xff bytes and the range is unbounded.
func prefixSuccessor(prefix []byte) []byte {
	for i := len(prefix) - 1; i >= 0; i-- {
		if prefix[i] < 0xff {
			out := bytes.Clone(prefix[:i+1])
			out[i]++
			return out
		}
	}
	return nil
}

// editDistance computes the exact Levenshtein distance between two terms.
// Only called on automaton matches, so inputs are near-identical and short.
func editDistance(a, b string) uint8 {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return uint8(len(rb))
	}
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, min(curr[j-1]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}
	return uint8(prev[len(rb)])
}
