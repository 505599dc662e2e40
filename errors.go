package quarry

import (
	"errors"
	"fmt"

	"github.com/quarrydb/quarry/internal/search"
	"github.com/quarrydb/quarry/internal/storage"
	"github.com/quarrydb/quarry/internal/termdict"
)

var (
	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("engine is closed")

	// ErrBuildInFlight is returned when a second Apply starts while one is
	// still running. Build passes are serialized; retry after the current
	// pass finishes.
	ErrBuildInFlight = errors.New("a build pass is already in flight")
)

// QueryError reports semantic query validation failures: unknown or
// wrongly-typed field references, unsupported vector dimensionality or
// out-of-range typo parameters. These are never turned into empty results.
type QueryError = search.QueryError

// BuildError indicates a failed build pass. The previously published
// generation stays untouched and fully queryable.
//
// The original underlying error can be accessed via errors.Unwrap.
type BuildError struct {
	cause error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build failed: %v", e.cause)
}

func (e *BuildError) Unwrap() error { return e.cause }

// DictionaryError indicates the corpus exceeded the addressable term-id
// space. Fatal at build time.
//
// The original underlying error can be accessed via errors.Unwrap.
type DictionaryError struct {
	cause error
}

func (e *DictionaryError) Error() string {
	return fmt.Sprintf("term dictionary exhausted: %v", e.cause)
}

func (e *DictionaryError) Unwrap() error { return e.cause }

func translateBuildError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrBuildInFlight) {
		return fmt.Errorf("%w: %w", ErrBuildInFlight, err)
	}
	if errors.Is(err, termdict.ErrTermSpaceExhausted) {
		return &DictionaryError{cause: err}
	}
	return &BuildError{cause: err}
}

func translateQueryError(err error) error {
	if err == nil {
		return nil
	}
	// QueryErrors pass through untouched; everything else is a storage or
	// index failure of the pinned generation.
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe
	}
	if errors.Is(err, termdict.ErrDistanceOutOfRange) {
		return &QueryError{Reason: err.Error()}
	}
	return err
}
