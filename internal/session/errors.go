package session

import (
	"errors"
	"fmt"
)

var (
	// ErrFetchFailed matches every *FetchError.
	ErrFetchFailed = errors.New("fetch failed")

	// ErrStaleFetch is returned when a fetch completed after a newer one had
	// already been committed for the same list. The result must be discarded.
	ErrStaleFetch = errors.New("stale fetch result")
)

// FetchError wraps a failed bucket read.
type FetchError struct {
	Bucket Bucket
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s sessions: %v", e.Bucket, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool { return target == ErrFetchFailed }
