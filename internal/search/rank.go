package search

import (
	"context"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/quarrydb/quarry/model"
)

const (
	// maxPairProximity is the cost of a word pair never found close
	// together (or not together at all) in any field.
	maxPairProximity = 8

	// proximityBucketCap skips proximity refinement of buckets larger than
	// this; the criterion reads position lists per document, so its cost
	// must stay bounded by the ambiguity of the cheaper criteria above it.
	proximityBucketCap = 1000
)

// ScoreDetails carries the per-criterion components of one ranked document,
// enough for explain and highlight features in a caller.
type ScoreDetails struct {
	// WordsMatched counts the query words the document matched.
	WordsMatched int

	// Typos sums the cheapest edit distance per matched word.
	Typos int

	// Proximity sums adjacent word-pair distances, zero for single-word
	// queries or buckets too coarse to refine.
	Proximity int

	// Attribute sums the best (lowest, by declaration order) field each
	// word matched in.
	Attribute int

	// Exactness counts words matched through the full word at distance
	// zero, without prefix expansion.
	Exactness int

	// Similarity is the vector score of a hybrid or semantic query.
	Similarity float32

	// MatchedTerms are the dictionary terms the document matched.
	MatchedTerms []string
}

// rank orders the candidates by successive bucket refinement: each criterion
// splits only the still-tied buckets, so later, costlier criteria touch few
// documents. The final flatten walks bitmaps in ascending document id,
// making the whole order total and deterministic.
func (e *Executor) rank(ctx context.Context, q *Query, words []*wordMatch, candidates *roaring.Bitmap, sims map[model.DocID]float32) ([]model.DocID, map[model.DocID]ScoreDetails, error) {
	details := make(map[model.DocID]ScoreDetails, candidates.GetCardinality())
	buckets := []*roaring.Bitmap{candidates}

	setDetail := func(doc model.DocID, fn func(d *ScoreDetails)) {
		d := details[doc]
		fn(&d)
		details[doc] = d
	}

	wordsMatched := func(doc model.DocID) int {
		n := 0
		for _, w := range words {
			if w.all.Contains(uint32(doc)) {
				n++
			}
		}
		return n
	}

	// Hybrid first pass: blend word coverage with similarity so a document
	// carrying both kinds of evidence outranks a similarity-only one at any
	// positive lexical weight.
	if q.Vector != nil && len(words) > 0 {
		w := q.Vector.LexicalWeight
		buckets = refineByFloat(buckets, func(doc model.DocID) float64 {
			matched := wordsMatched(doc)
			sim := float64(sims[doc])
			setDetail(doc, func(d *ScoreDetails) { d.Similarity = sims[doc] })
			return w*float64(matched)/float64(len(words)) + (1-w)*sim
		})
	} else if q.Vector != nil {
		buckets = refineByFloat(buckets, func(doc model.DocID) float64 {
			setDetail(doc, func(d *ScoreDetails) { d.Similarity = sims[doc] })
			return float64(sims[doc])
		})
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	if len(words) > 0 {
		// Word coverage, descending.
		buckets = refineByInt(buckets, false, func(doc model.DocID) int {
			n := wordsMatched(doc)
			setDetail(doc, func(d *ScoreDetails) { d.WordsMatched = n })
			return n
		})

		// Typo cost, ascending.
		buckets = refineByInt(buckets, true, func(doc model.DocID) int {
			cost := 0
			for _, w := range words {
				for d := 0; d < len(w.byDistance); d++ {
					if w.byDistance[d].Contains(uint32(doc)) {
						cost += d
						break
					}
				}
			}
			setDetail(doc, func(d *ScoreDetails) { d.Typos = cost })
			return cost
		})
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		// Proximity, ascending, on small tied buckets only.
		if len(words) >= 2 {
			refined := make([]*roaring.Bitmap, 0, len(buckets))
			for _, b := range buckets {
				if b.GetCardinality() <= 1 || b.GetCardinality() > proximityBucketCap {
					refined = append(refined, b)
					continue
				}
				parts, err := e.refineByProximity(b, words, setDetail)
				if err != nil {
					return nil, nil, err
				}
				refined = append(refined, parts...)
			}
			buckets = refined
		}
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		// Attribute weight, ascending: earlier declared fields win.
		buckets = refineByInt(buckets, true, func(doc model.DocID) int {
			cost := 0
			for _, w := range words {
				best := e.schema.Len()
				for fieldID, bm := range w.byField {
					if int(fieldID) < best && bm.Contains(uint32(doc)) {
						best = int(fieldID)
					}
				}
				cost += best
			}
			setDetail(doc, func(d *ScoreDetails) { d.Attribute = cost })
			return cost
		})

		// Exactness, descending.
		buckets = refineByInt(buckets, false, func(doc model.DocID) int {
			n := 0
			for _, w := range words {
				if w.exact.Contains(uint32(doc)) {
					n++
				}
			}
			setDetail(doc, func(d *ScoreDetails) { d.Exactness = n })
			return n
		})
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	// Explicit sort fields refine what relevance left tied.
	for _, s := range q.Sort {
		fieldID, _ := e.schema.FieldID(s.Field)
		refined := make([]*roaring.Bitmap, 0, len(buckets))
		for _, b := range buckets {
			if b.GetCardinality() <= 1 {
				refined = append(refined, b)
				continue
			}
			parts, err := e.facets.Ordered(fieldID, b, s.Descending)
			if err != nil {
				return nil, nil, err
			}
			refined = append(refined, parts...)
		}
		buckets = refined
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
	}

	// Flatten; within a bucket ascending document id is the final tiebreak.
	var ranked []model.DocID
	for _, b := range buckets {
		it := b.Iterator()
		for it.HasNext() {
			ranked = append(ranked, model.DocID(it.Next()))
		}
	}
	return ranked, details, nil
}

// refineByProximity splits one bucket by the summed distance of adjacent
// query word pairs, ascending. Pair distance is the closest co-occurrence in
// any single field, capped at maxPairProximity.
func (e *Executor) refineByProximity(b *roaring.Bitmap, words []*wordMatch, setDetail func(model.DocID, func(*ScoreDetails))) ([]*roaring.Bitmap, error) {
	costs := make(map[int]*roaring.Bitmap)
	it := b.Iterator()
	for it.HasNext() {
		doc := model.DocID(it.Next())
		total := 0
		for i := 0; i+1 < len(words); i++ {
			d, err := e.pairProximity(doc, words[i], words[i+1])
			if err != nil {
				return nil, err
			}
			total += d
		}
		setDetail(doc, func(d *ScoreDetails) { d.Proximity = total })
		if costs[total] == nil {
			costs[total] = roaring.New()
		}
		costs[total].Add(uint32(doc))
	}
	return orderedBuckets(costs, true), nil
}

func (e *Executor) pairProximity(doc model.DocID, left, right *wordMatch) (int, error) {
	best := maxPairProximity
	for fieldID, leftBM := range left.byField {
		rightBM, ok := right.byField[fieldID]
		if !ok || !leftBM.Contains(uint32(doc)) || !rightBM.Contains(uint32(doc)) {
			continue
		}
		lp, err := e.wordPositions(doc, fieldID, left)
		if err != nil {
			return 0, err
		}
		rp, err := e.wordPositions(doc, fieldID, right)
		if err != nil {
			return 0, err
		}
		if d := minPositionGap(lp, rp); d < best {
			best = d
		}
	}
	return best, nil
}

// wordPositions merges the document's positions of every dictionary term the
// word matched within one field.
func (e *Executor) wordPositions(doc model.DocID, field model.FieldID, w *wordMatch) ([]uint32, error) {
	var out []uint32
	for _, term := range w.fieldTerms[field] {
		if td := w.termDocs[term]; td == nil || !td.Contains(uint32(doc)) {
			continue
		}
		positions, err := e.postings.Positions(field, term, doc)
		if err != nil {
			return nil, err
		}
		out = append(out, positions...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// minPositionGap finds the smallest absolute distance between any pair of
// positions from two sorted lists, clamped to [1, maxPairProximity].
func minPositionGap(a, b []uint32) int {
	if len(a) == 0 || len(b) == 0 {
		return maxPairProximity
	}
	best := maxPairProximity
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		var gap uint32
		if a[i] > b[j] {
			gap = a[i] - b[j]
			j++
		} else {
			gap = b[j] - a[i]
			i++
		}
		d := int(gap)
		if d < 1 {
			d = 1
		}
		if d < best {
			best = d
		}
	}
	return best
}

// refineByInt splits every still-tied bucket by an integer cost.
func refineByInt(buckets []*roaring.Bitmap, ascending bool, cost func(doc model.DocID) int) []*roaring.Bitmap {
	out := make([]*roaring.Bitmap, 0, len(buckets))
	for _, b := range buckets {
		if b.GetCardinality() <= 1 {
			// Still run the cost fn so score details stay filled.
			if b.GetCardinality() == 1 {
				cost(model.DocID(b.Minimum()))
			}
			out = append(out, b)
			continue
		}
		parts := make(map[int]*roaring.Bitmap)
		it := b.Iterator()
		for it.HasNext() {
			doc := it.Next()
			c := cost(model.DocID(doc))
			if parts[c] == nil {
				parts[c] = roaring.New()
			}
			parts[c].Add(doc)
		}
		out = append(out, orderedBuckets(parts, ascending)...)
	}
	return out
}

func refineByFloat(buckets []*roaring.Bitmap, score func(doc model.DocID) float64) []*roaring.Bitmap {
	out := make([]*roaring.Bitmap, 0, len(buckets))
	for _, b := range buckets {
		if b.GetCardinality() <= 1 {
			if b.GetCardinality() == 1 {
				score(model.DocID(b.Minimum()))
			}
			out = append(out, b)
			continue
		}
		parts := make(map[float64]*roaring.Bitmap)
		it := b.Iterator()
		for it.HasNext() {
			doc := it.Next()
			s := score(model.DocID(doc))
			if parts[s] == nil {
				parts[s] = roaring.New()
			}
			parts[s].Add(doc)
		}
		keys := make([]float64, 0, len(parts))
		for k := range parts {
			keys = append(keys, k)
		}
		sort.Sort(sort.Reverse(sort.Float64Slice(keys)))
		for _, k := range keys {
			out = append(out, parts[k])
		}
	}
	return out
}

func orderedBuckets(parts map[int]*roaring.Bitmap, ascending bool) []*roaring.Bitmap {
	keys := make([]int, 0, len(parts))
	for k := range parts {
		keys = append(keys, k)
	}
	if ascending {
		sort.Ints(keys)
	} else {
		sort.Sort(sort.Reverse(sort.IntSlice(keys)))
	}
	out := make([]*roaring.Bitmap, 0, len(keys))
	for _, k := range keys {
		out = append(out, parts[k])
	}
	return out
}

// matchedTerms lists the dictionary terms a document matched, in query word
// order.
func matchedTerms(words []*wordMatch, doc model.DocID) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, w := range words {
		for term, bm := range w.termDocs {
			if !bm.Contains(uint32(doc)) {
				continue
			}
			if _, dup := seen[term]; dup {
				continue
			}
			seen[term] = struct{}{}
			out = append(out, term)
		}
	}
	sort.Strings(out)
	return out
}

// collapseDistinct keeps, per distinct-field value, only the best-ranked
// document. Documents without a value for the field are all kept.
func (e *Executor) collapseDistinct(ranked []model.DocID) ([]model.DocID, error) {
	fieldID, ok := e.schema.Distinct()
	if !ok || len(ranked) == 0 {
		return ranked, nil
	}

	inRank := roaring.New()
	for _, doc := range ranked {
		inRank.Add(uint32(doc))
	}

	group := make(map[model.DocID]int)
	idx := 0
	err := e.facets.Buckets(fieldID, func(_ model.Value, docs *roaring.Bitmap) bool {
		members := roaring.And(docs, inRank)
		it := members.Iterator()
		for it.HasNext() {
			group[model.DocID(it.Next())] = idx
		}
		idx++
		return true
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[int]struct{})
	out := ranked[:0]
	for _, doc := range ranked {
		g, has := group[doc]
		if has {
			if _, dup := seen[g]; dup {
				continue
			}
			seen[g] = struct{}{}
		}
		out = append(out, doc)
	}
	return out, nil
}
