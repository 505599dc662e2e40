package search

import "fmt"

// QueryError reports semantic validation failures of a query: an unknown or
// wrongly-typed field reference, a vector query that cannot be served, or
// typo-tolerance parameters outside the supported range. A query that fails
// validation never returns an empty result instead.
type QueryError struct {
	Field  string
	Reason string
}

func (e *QueryError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("query: %s", e.Reason)
	}
	return fmt.Sprintf("query: field %q: %s", e.Field, e.Reason)
}

func queryErrf(field, format string, args ...any) *QueryError {
	return &QueryError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
