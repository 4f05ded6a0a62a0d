package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/phrazzld/jobfit/internal/task"
)

// StatusForCode maps an enqueue rejection code to its HTTP status.
func StatusForCode(code string) int {
	switch code {
	case task.CodeInvalidRequest:
		return http.StatusBadRequest
	case task.CodeRateLimited, task.CodeBackpressured:
		return http.StatusTooManyRequests
	case task.CodeConcurrencyLocked:
		return http.StatusConflict
	case task.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// messageForCode returns the client-facing text for a rejection code.
func messageForCode(code string) string {
	switch code {
	case task.CodeInvalidRequest:
		return "The task request is invalid."
	case task.CodeRateLimited:
		return "Too many tasks submitted; try again later."
	case task.CodeBackpressured:
		return "The service is busy; try again later."
	case task.CodeConcurrencyLocked:
		return "This task is already running."
	case task.CodeUnavailable:
		return "The service is temporarily unavailable."
	default:
		return "An unexpected error occurred"
	}
}

// sanitizeValidationError turns a validator message into a short
// field-level description.
// Example input: "Key: 'EnqueueRequest.Kind' Error:Field validation for 'Kind' failed on the 'oneof' tag"
func sanitizeValidationError(detail string) string {
	if !strings.Contains(detail, "Field validation") {
		return detail
	}
	parts := strings.Split(detail, "Error:")
	if len(parts) < 2 {
		return "Validation error"
	}
	fieldParts := strings.Split(parts[1], "'")
	if len(fieldParts) < 3 {
		return "Validation error"
	}
	field := fieldParts[1]
	if len(fieldParts) >= 5 {
		return fmt.Sprintf("Invalid %s: %s", field, validationTagMessage(fieldParts[3]))
	}
	return fmt.Sprintf("Invalid %s", field)
}

func validationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "uuid":
		return "must be a UUID"
	case "max":
		return "too long"
	case "oneof":
		return "invalid value"
	default:
		return "validation failed"
	}
}
