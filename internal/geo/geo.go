// Package geo provides the spatial index over document coordinate pairs:
// radius and bounding-box bitmap queries plus k-nearest for geo sort.
//
// Points are kept in an R-tree keyed by (lon, lat). Distances are great
// circle (haversine), never flat Euclidean; degree-space boxes are only used
// as conservative pre-filters.
package geo

import (
	"math"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/tidwall/rtree"

	"github.com/quarrydb/quarry/internal/codec"
	"github.com/quarrydb/quarry/internal/storage"
	"github.com/quarrydb/quarry/model"
)

const (
	earthRadiusMeters = 6372797.560856
	metersPerDegree   = 111319.9
)

// Hit is one geo-sort result.
type Hit struct {
	Doc      model.DocID
	Distance float64 // meters
}

// Index is the per-generation spatial index.
type Index struct {
	tree   rtree.RTreeG[model.DocID]
	points map[model.DocID]model.GeoPoint
}

// Load materializes the index from the geo keys of a snapshot.
func Load(snap *storage.Snapshot) (*Index, error) {
	idx := &Index{points: make(map[model.DocID]model.GeoPoint)}
	err := snap.Iterate(storage.GeoPrefix(), func(key, value []byte) (bool, error) {
		doc := storage.SplitDocSuffix(key)
		p, err := codec.UnmarshalGeoPoint(value)
		if err != nil {
			return false, err
		}
		idx.insert(doc, p)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *Index) insert(doc model.DocID, p model.GeoPoint) {
	idx.points[doc] = p
	pt := [2]float64{p.Lon, p.Lat}
	idx.tree.Insert(pt, pt, doc)
}

// Len returns the number of indexed points.
func (idx *Index) Len() int { return len(idx.points) }

// Point returns the coordinate pair of a document.
func (idx *Index) Point(doc model.DocID) (model.GeoPoint, bool) {
	p, ok := idx.points[doc]
	return p, ok
}

// WithinRadius returns the documents within radiusMeters of center.
func (idx *Index) WithinRadius(center model.GeoPoint, radiusMeters float64) *roaring.Bitmap {
	out := roaring.New()
	if radiusMeters < 0 {
		return out
	}

	dLat := radiusMeters / metersPerDegree
	cos := math.Cos(center.Lat * math.Pi / 180)
	dLon := 180.0
	if cos > 1e-9 {
		dLon = math.Min(180, radiusMeters/(metersPerDegree*cos))
	}
	min := [2]float64{center.Lon - dLon, math.Max(-90, center.Lat-dLat)}
	max := [2]float64{center.Lon + dLon, math.Min(90, center.Lat+dLat)}

	idx.tree.Search(min, max, func(_, _ [2]float64, doc model.DocID) bool {
		if Distance(center, idx.points[doc]) <= radiusMeters {
			out.Add(uint32(doc))
		}
		return true
	})
	return out
}

// WithinBBox returns the documents inside the bounding box.
func (idx *Index) WithinBBox(min, max model.GeoPoint) *roaring.Bitmap {
	out := roaring.New()
	idx.tree.Search(
		[2]float64{min.Lon, min.Lat},
		[2]float64{max.Lon, max.Lat},
		func(_, _ [2]float64, doc model.DocID) bool {
			out.Add(uint32(doc))
			return true
		},
	)
	return out
}

// Nearest returns up to k documents ordered by great-circle distance from
// point, optionally restricted to a candidate bitmap. The R-tree is walked
// best-first on a lower-bound box distance, so traversal stops as soon as
// the bound exceeds the kth best true distance.
//
// The query surface exposes only the radius and bounding-box filters;
// distance ordering is deliberately held back until sort criteria grow a
// geo variant, so Nearest currently serves embedders of this package only.
func (idx *Index) Nearest(point model.GeoPoint, k int, candidates *roaring.Bitmap) []Hit {
	if k <= 0 {
		return nil
	}

	var hits []Hit
	idx.tree.Nearby(
		func(min, max [2]float64, _ model.DocID, _ bool) float64 {
			return boxDistance(point, min, max)
		},
		func(_, _ [2]float64, doc model.DocID, lowerBound float64) bool {
			if len(hits) >= k && lowerBound > hits[len(hits)-1].Distance {
				return false
			}
			if candidates != nil && !candidates.Contains(uint32(doc)) {
				return true
			}
			hits = append(hits, Hit{Doc: doc, Distance: Distance(point, idx.points[doc])})
			sort.Slice(hits, func(i, j int) bool {
				if hits[i].Distance != hits[j].Distance {
					return hits[i].Distance < hits[j].Distance
				}
				return hits[i].Doc < hits[j].Doc
			})
			if len(hits) > k {
				hits = hits[:k]
			}
			return true
		},
	)
	return hits
}

// Distance computes the haversine great-circle distance in meters.
func Distance(a, b model.GeoPoint) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// boxDistance is a meters lower bound from a point to a lon/lat box: the
// haversine distance to the closest point of the box.
func boxDistance(p model.GeoPoint, min, max [2]float64) float64 {
	lon := math.Min(math.Max(p.Lon, min[0]), max[0])
	lat := math.Min(math.Max(p.Lat, min[1]), max[1])
	return Distance(p, model.GeoPoint{Lat: lat, Lon: lon})
}
