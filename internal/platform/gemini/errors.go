package gemini

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/phrazzld/jobfit/internal/generation"
	"github.com/phrazzld/jobfit/internal/redact"
	"google.golang.org/genai"
)

// mapError translates an SDK error into the generation error set. Messages
// are redacted because provider errors can echo request content.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", generation.ErrTransientFailure, redact.Error(err))
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		msg := redact.String(apiErr.Message)
		switch {
		case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError:
			return fmt.Errorf("%w: status %d: %s", generation.ErrTransientFailure, apiErr.Code, msg)
		case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden ||
			apiErr.Code == http.StatusNotFound:
			return fmt.Errorf("%w: status %d: %s", generation.ErrInvalidConfig, apiErr.Code, msg)
		default:
			return fmt.Errorf("%w: status %d: %s", generation.ErrUnsupportedInput, apiErr.Code, msg)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %s", generation.ErrTransientFailure, redact.Error(err))
	}

	return fmt.Errorf("%w: %s", generation.ErrTransientFailure, redact.Error(err))
}

// checkResponse rejects responses that carry no usable text.
func checkResponse(resp *genai.GenerateContentResponse) error {
	if resp == nil {
		return fmt.Errorf("%w: nil response", generation.ErrInvalidResponse)
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return fmt.Errorf("%w: prompt blocked: %s", generation.ErrContentBlocked, resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return fmt.Errorf("%w: no candidates", generation.ErrInvalidResponse)
	}
	if resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
		return fmt.Errorf("%w: finish reason %s", generation.ErrContentBlocked, resp.Candidates[0].FinishReason)
	}
	return nil
}
