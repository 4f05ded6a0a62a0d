package task

import "errors"

// Common errors
var (
	// ErrPoisonMessage marks a delivered payload that can never succeed.
	ErrPoisonMessage = errors.New("poison message")

	ErrNilGates     = errors.New("gates cannot be nil")
	ErrNilLocker    = errors.New("locker cannot be nil")
	ErrNilRouter    = errors.New("router cannot be nil")
	ErrNilQuota     = errors.New("quota checker cannot be nil")
	ErrNilQueue     = errors.New("queue cannot be nil")
	ErrNilModel     = errors.New("model cannot be nil")
	ErrNilOutputs   = errors.New("output store cannot be nil")
	ErrNilPublisher = errors.New("event publisher cannot be nil")
	ErrNilLogger    = errors.New("logger cannot be nil")
)
