package model

import "fmt"

// SimilarityMetric selects how a vector field scores similarity.
type SimilarityMetric uint8

const (
	SimilarityCosine SimilarityMetric = iota
	SimilarityDot
	SimilarityEuclidean
)

// FieldSpec declares one indexed field. Declaration order doubles as the
// attribute weight: earlier searchable fields rank higher.
type FieldSpec struct {
	Name  string
	Roles FieldRole

	// Vector configuration, meaningful only with RoleVector.
	VectorDimension int
	VectorMetric    SimilarityMetric
}

// Schema is the set of declared fields of an index. Documents may carry
// undeclared fields; those are stored but never indexed.
type Schema struct {
	fields []FieldSpec
	byName map[string]FieldID
}

// NewSchema builds a schema from field specs. Field names must be unique; at
// most one field may carry RoleDistinct and at most one RoleGeo.
func NewSchema(fields []FieldSpec) (*Schema, error) {
	s := &Schema{
		fields: append([]FieldSpec(nil), fields...),
		byName: make(map[string]FieldID, len(fields)),
	}
	distinct, geo := 0, 0
	for i, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("schema: field %d has no name", i)
		}
		if _, dup := s.byName[f.Name]; dup {
			return nil, fmt.Errorf("schema: duplicate field %q", f.Name)
		}
		if f.Roles.Has(RoleDistinct) {
			distinct++
		}
		if f.Roles.Has(RoleGeo) {
			geo++
		}
		if f.Roles.Has(RoleVector) && f.VectorDimension <= 0 {
			return nil, fmt.Errorf("schema: vector field %q needs a positive dimension", f.Name)
		}
		s.byName[f.Name] = FieldID(i)
	}
	if distinct > 1 {
		return nil, fmt.Errorf("schema: at most one distinct field allowed")
	}
	if geo > 1 {
		return nil, fmt.Errorf("schema: at most one geo field allowed")
	}
	return s, nil
}

// FieldID resolves a field name.
func (s *Schema) FieldID(name string) (FieldID, bool) {
	id, ok := s.byName[name]
	return id, ok
}

// Spec returns the spec for a field id.
func (s *Schema) Spec(id FieldID) (FieldSpec, bool) {
	if int(id) >= len(s.fields) {
		return FieldSpec{}, false
	}
	return s.fields[id], true
}

// Len returns the number of declared fields.
func (s *Schema) Len() int { return len(s.fields) }

// Searchable returns searchable field ids in declaration (weight) order.
func (s *Schema) Searchable() []FieldID {
	var out []FieldID
	for i, f := range s.fields {
		if f.Roles.Has(RoleSearchable) {
			out = append(out, FieldID(i))
		}
	}
	return out
}

// Distinct returns the distinct field, if declared.
func (s *Schema) Distinct() (FieldID, bool) {
	for i, f := range s.fields {
		if f.Roles.Has(RoleDistinct) {
			return FieldID(i), true
		}
	}
	return 0, false
}

// Geo returns the geo field, if declared.
func (s *Schema) Geo() (FieldID, bool) {
	for i, f := range s.fields {
		if f.Roles.Has(RoleGeo) {
			return FieldID(i), true
		}
	}
	return 0, false
}

// Vector returns the vector field, if declared.
func (s *Schema) Vector() (FieldID, bool) {
	for i, f := range s.fields {
		if f.Roles.Has(RoleVector) {
			return FieldID(i), true
		}
	}
	return 0, false
}
