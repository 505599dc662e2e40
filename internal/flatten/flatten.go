// Package flatten normalizes nested JSON-like documents into a flat mapping
// of dotted field paths to scalar leaf values.
package flatten

import (
	"fmt"
	"sort"

	"github.com/quarrydb/quarry/model"
)

// Flat is the flattened form of one document: dotted path -> leaf values.
// Arrays contribute one value per element, in element order.
type Flat map[string][]model.Value

// Warning records a field the flattener had to drop.
type Warning struct {
	Path   string
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("field %q dropped: %s", w.Path, w.Reason)
}

// Flatten walks the document tree depth-first and collects leaves under
// dotted paths. Unsupported leaf types (and nulls) are dropped and reported
// as warnings, never as errors: a malformed field must not fail the document.
func Flatten(fields map[string]any) (Flat, []Warning) {
	flat := make(Flat, len(fields))
	var warnings []Warning
	for _, key := range sortedKeys(fields) {
		walk(key, fields[key], flat, &warnings)
	}
	return flat, warnings
}

// Paths returns the flattened paths in sorted order.
func (f Flat) Paths() []string {
	paths := make([]string, 0, len(f))
	for p := range f {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func walk(path string, v any, flat Flat, warnings *[]Warning) {
	switch val := v.(type) {
	case nil:
		*warnings = append(*warnings, Warning{Path: path, Reason: "null value"})
	case string:
		flat[path] = append(flat[path], model.String(val))
	case bool:
		flat[path] = append(flat[path], model.Boolean(val))
	case float64:
		flat[path] = append(flat[path], model.Number(val))
	case float32:
		flat[path] = append(flat[path], model.Number(float64(val)))
	case int:
		flat[path] = append(flat[path], model.Number(float64(val)))
	case int32:
		flat[path] = append(flat[path], model.Number(float64(val)))
	case int64:
		flat[path] = append(flat[path], model.Number(float64(val)))
	case uint64:
		flat[path] = append(flat[path], model.Number(float64(val)))
	case []any:
		for _, elem := range val {
			walk(path, elem, flat, warnings)
		}
	case []string:
		for _, elem := range val {
			flat[path] = append(flat[path], model.String(elem))
		}
	case []float64:
		for _, elem := range val {
			flat[path] = append(flat[path], model.Number(elem))
		}
	case map[string]any:
		for _, key := range sortedKeys(val) {
			walk(path+"."+key, val[key], flat, warnings)
		}
	default:
		*warnings = append(*warnings, Warning{Path: path, Reason: fmt.Sprintf("unsupported type %T", v)})
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
