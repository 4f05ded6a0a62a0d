package task

import (
	"context"
	"errors"
	"time"

	"github.com/phrazzld/jobfit/internal/gatestore"
	"github.com/phrazzld/jobfit/internal/generation"
)

// Stable error keys surfaced to callers and clients. Raw error text never
// leaves the service.
const (
	// Admission, returned synchronously by EnsureEnqueued.
	CodeInvalidRequest    = "invalid_request"
	CodeRateLimited       = "rate_limited"
	CodeConcurrencyLocked = "concurrency_locked"
	CodeBackpressured     = "backpressured"
	CodeUnavailable       = "service_unavailable"

	// Guards, published on delivery.
	CodeModelConcurrency = "model_concurrency"
	CodeUserConcurrency  = "user_concurrency"
	CodeGuardsFailed     = "guards_failed"
	CodeBackpressure     = "backpressure"

	// Execution.
	CodeTimeout          = "timeout"
	CodeProviderError    = "provider_error"
	CodeProviderConfig   = "provider_config"
	CodeInvalidOutput    = "invalid_output"
	CodeContentBlocked   = "content_blocked"
	CodeUnsupportedInput = "unsupported_input"
	CodePersistFailed    = "persist_failed"
	CodeStoreUnavailable = "store_unavailable"
	CodePoisonMessage    = "poison_message"
	CodeInternal         = "internal_error"
)

// Classification is the verdict on a failed execution.
type Classification struct {
	Code      string
	Retryable bool
}

// Classify maps an execution error to a stable code and decides whether a
// redelivery could succeed.
func Classify(err error) Classification {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Classification{Code: CodeTimeout, Retryable: true}
	case errors.Is(err, generation.ErrTransientFailure):
		return Classification{Code: CodeProviderError, Retryable: true}
	case errors.Is(err, gatestore.ErrStoreUnavailable):
		return Classification{Code: CodeStoreUnavailable, Retryable: true}
	case errors.Is(err, generation.ErrInvalidResponse):
		return Classification{Code: CodeInvalidOutput}
	case errors.Is(err, generation.ErrContentBlocked):
		return Classification{Code: CodeContentBlocked}
	case errors.Is(err, generation.ErrUnsupportedInput):
		return Classification{Code: CodeUnsupportedInput}
	case errors.Is(err, generation.ErrInvalidConfig):
		return Classification{Code: CodeProviderConfig}
	case errors.Is(err, ErrPoisonMessage):
		return Classification{Code: CodePoisonMessage}
	default:
		return Classification{Code: CodeInternal, Retryable: true}
	}
}

// Backoff returns base·2^retry, capped at maxDelay.
func Backoff(retry int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for range retry {
		d *= 2
		if d >= maxDelay || d <= 0 {
			return maxDelay
		}
	}
	return min(d, maxDelay)
}

// Message is the human text attached to an error event for code.
func Message(code string) string {
	switch code {
	case CodeModelConcurrency:
		return "The model is busy; the task will retry shortly."
	case CodeUserConcurrency:
		return "Another task of yours is still running; this one will retry shortly."
	case CodeGuardsFailed:
		return "Could not reserve capacity; the task will retry shortly."
	case CodeBackpressure:
		return "The queue is full."
	case CodeTimeout:
		return "The model took too long to respond."
	case CodeProviderError:
		return "The model provider returned an error."
	case CodeInvalidOutput:
		return "The model returned an unusable result."
	case CodeContentBlocked:
		return "The request was blocked by the provider's safety filters."
	case CodeUnsupportedInput:
		return "The input is not supported."
	case CodePoisonMessage:
		return "The task could not be read."
	default:
		return "The task failed."
	}
}
