package queue

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// CallbackPath returns the path of the delivery callback for queueID.
func CallbackPath(queueID string) string {
	return "/v1/queues/" + url.PathEscape(queueID) + "/deliver"
}

// PushForwarder posts deliveries to the signed HTTP callback.
type PushForwarder struct {
	baseURL string
	signer  *Signer
	client  *http.Client
	logger  *slog.Logger
}

// NewPushForwarder creates a PushForwarder for callbacks under baseURL.
// A nil client gets a 60 second timeout.
func NewPushForwarder(baseURL string, signer *Signer, client *http.Client, logger *slog.Logger) *PushForwarder {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &PushForwarder{
		baseURL: strings.TrimRight(baseURL, "/"),
		signer:  signer,
		client:  client,
		logger:  logger.With("component", "push_forwarder"),
	}
}

// CallbackURL is the absolute callback address for queueID.
func (f *PushForwarder) CallbackURL(queueID string) string {
	return f.baseURL + CallbackPath(queueID)
}

// Forward delivers payload to the callback. Any non-2xx answer is an error
// so the delivery is retried.
func (f *PushForwarder) Forward(ctx context.Context, queueID string, payload []byte) error {
	target := f.CallbackURL(queueID)
	token, err := f.signer.Sign(target, payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, token)

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrForwardFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrForwardFailed, resp.StatusCode)
	}
	f.logger.Debug("delivery forwarded", "queue_id", queueID, "status", resp.StatusCode)
	return nil
}
