package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/phrazzld/jobfit/internal/api/shared"
	"github.com/phrazzld/jobfit/internal/platform/logger"
	"github.com/phrazzld/jobfit/internal/queue"
	"github.com/phrazzld/jobfit/internal/task"
)

// DeliveryResponse acknowledges a handled delivery.
type DeliveryResponse struct {
	OK      bool             `json:"ok"`
	Outcome task.OutcomeKind `json:"outcome"`
	Code    string           `json:"code,omitempty"`
}

// DeliveryHandler receives signed deliveries forwarded by the queue.
type DeliveryHandler struct {
	handler  queue.Handler
	verifier *queue.Verifier
	baseURL  string
}

// NewDeliveryHandler creates a DeliveryHandler. baseURL is the externally
// visible address the forwarder signs callbacks for.
func NewDeliveryHandler(handler queue.Handler, verifier *queue.Verifier, baseURL string) *DeliveryHandler {
	return &DeliveryHandler{
		handler:  handler,
		verifier: verifier,
		baseURL:  strings.TrimRight(baseURL, "/"),
	}
}

// Deliver handles POST /v1/queues/{queueID}/deliver. Any handled outcome is
// a 200, including terminal failures; only infrastructure errors answer 500
// so the queue delivers again.
func (h *DeliveryHandler) Deliver(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	body, err := shared.ReadBody(w, r)
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}

	url := h.baseURL + queue.CallbackPath(chi.URLParam(r, "queueID"))
	token := r.Header.Get(queue.SignatureHeader)
	if err := h.verifier.Verify(r.Context(), token, url, body); err != nil {
		if errors.Is(err, queue.ErrInvalidSignature) {
			log.Warn("rejected unsigned or mis-signed delivery", "error", err)
			shared.RespondWithError(w, r, http.StatusUnauthorized, "Invalid signature")
			return
		}
		shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError, "Signature check failed", err)
		return
	}

	out, err := h.handler.Handle(r.Context(), body)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusInternalServerError, "Delivery not handled", err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, DeliveryResponse{
		OK:      true,
		Outcome: out.Kind,
		Code:    out.Code,
	})
}
