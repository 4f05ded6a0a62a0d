package gatestore

import "errors"

var (
	// ErrStoreUnavailable indicates the backend could not be reached.
	// FallbackStore switches to its secondary on this error.
	ErrStoreUnavailable = errors.New("gate store unavailable")

	// ErrInvalidCeiling is returned when a ceiling below 1 is requested.
	ErrInvalidCeiling = errors.New("ceiling must be at least 1")

	// ErrInvalidTTL is returned when a non-positive TTL is requested.
	ErrInvalidTTL = errors.New("ttl must be positive")

	// ErrNotCounter is returned by Get for a key holding a SetNX value.
	ErrNotCounter = errors.New("key does not hold a counter")
)
