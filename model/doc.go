// Package model defines core types used throughout Quarry.
//
// # Identity types
//
//   - PrimaryKey: user-facing stable document identifier (string)
//   - DocID: dense, generation-local document identifier (uint32)
//   - Generation: immutable index snapshot version (uint64)
//   - FieldID / TermID: schema field and dictionary term ordinals
//
// # Data types
//
//   - Document: primary key plus nested JSON-like field tree
//   - Value: typed scalar (number, string, bool) with a total order
//   - GeoPoint: WGS84 coordinate pair
//   - FieldRole: searchable / filterable / sortable / distinct / vector / geo
package model
