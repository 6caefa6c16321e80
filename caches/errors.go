package caches

import (
	"errors"
	"fmt"
)

// ValidationError is returned when a cache backend cannot be created from
// the supplied arguments.
type ValidationError struct {
	Reason string
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("creation of cache failed for reason : %s", ve.Reason)
}

var (
	// ErrValidation matches any ValidationError through errors.Is.
	ErrValidation = errors.New("cache validation failed")

	// ErrCacheItemExpired is reported by backends that found an entry whose
	// max-age has elapsed. The entry is removed before the error is returned.
	ErrCacheItemExpired = errors.New("cache item expired")

	// ErrNoCacheItem is returned when no entry exists for the key.
	ErrNoCacheItem = errors.New("no value found in cache")
)

func (ve ValidationError) Is(target error) bool {
	return target == ErrValidation
}
