package store

import "errors"

var (
	// ErrConflict means a write would violate the non-overlap invariant.
	ErrConflict = errors.New("conflict")
	// ErrNotFound means the referenced appointment or pattern does not exist.
	ErrNotFound = errors.New("not found")
	// ErrBusy means the provider serialization lock could not be acquired
	// within the configured timeout. Transient; callers retry a bounded
	// number of times.
	ErrBusy = errors.New("provider busy")
)
