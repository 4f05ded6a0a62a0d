package queue

import "errors"

var (
	// ErrQueueClosed is returned when publishing to a stopped queue.
	ErrQueueClosed = errors.New("queue is closed")

	// ErrQueueFull is returned when the in-memory buffer has no room.
	ErrQueueFull = errors.New("queue is full")

	// ErrInvalidSignature is returned when a delivery callback fails
	// signature verification.
	ErrInvalidSignature = errors.New("invalid delivery signature")

	// ErrWeakSigningKey is returned for signing keys shorter than 32 bytes.
	ErrWeakSigningKey = errors.New("signing key must be at least 32 characters")

	// ErrForwardFailed is returned when the delivery callback did not accept
	// the payload.
	ErrForwardFailed = errors.New("delivery callback failed")
)
