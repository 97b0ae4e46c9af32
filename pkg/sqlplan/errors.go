package sqlplan

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownAttribute is returned when a resource has no attribute of the
	// requested name.
	ErrUnknownAttribute = errors.New("unknown attribute")

	// ErrUnknownRelation is returned when a resource has no relation of the
	// requested name.
	ErrUnknownRelation = errors.New("unknown relation")

	// ErrNotUnique is returned when a single row is requested through a
	// relation that may match many.
	ErrNotUnique = errors.New("relation is not unique")

	// ErrNoOrder is returned when a cursor is requested from an unordered
	// fetch.
	ErrNoOrder = errors.New("fetch has no order")

	// ErrNoSource is returned when a resource without a Source is fetched.
	ErrNoSource = errors.New("resource has no source")
)

// FetchError reports a failed query after all retry attempts.
type FetchError struct {
	Resource string
	Attempts int
	Cause    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s failed after %d attempts: %v", e.Resource, e.Attempts, e.Cause)
}

func (e *FetchError) Unwrap() error {
	return e.Cause
}
