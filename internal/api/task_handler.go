package api

import (
	"context"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/jobfit/internal/api/shared"
	"github.com/phrazzld/jobfit/internal/platform/logger"
	"github.com/phrazzld/jobfit/internal/routing"
	"github.com/phrazzld/jobfit/internal/task"
)

// Enqueuer admits tasks. *task.Producer implements it.
type Enqueuer interface {
	EnsureEnqueued(ctx context.Context, req task.EnqueueRequest) (task.EnqueueResult, error)
}

// EnqueueResponse is the body of an accepted submission.
type EnqueueResponse struct {
	OK      bool         `json:"ok"`
	TaskID  string       `json:"taskId"`
	Channel string       `json:"channel"`
	Tier    routing.Tier `json:"tier"`
	QueueID string       `json:"queueId"`
}

// TaskHandler handles task submission.
type TaskHandler struct {
	enqueuer Enqueuer
}

// NewTaskHandler creates a TaskHandler.
func NewTaskHandler(enqueuer Enqueuer) *TaskHandler {
	return &TaskHandler{enqueuer: enqueuer}
}

// CreateTask handles POST /v1/tasks.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := shared.GetUserID(r.Context())
	if !ok {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "User ID not found or invalid")
		return
	}

	var req task.EnqueueRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		shared.RespondWithErrorResponse(w, r, shared.ErrorResponse{
			Code:   http.StatusBadRequest,
			Error:  task.CodeInvalidRequest,
			Detail: "Invalid request format",
		})
		return
	}
	req.UserID = userID
	req.RequestID = middleware.GetReqID(r.Context())
	req.TraceID = shared.GetTraceID(r.Context())

	res, err := h.enqueuer.EnsureEnqueued(r.Context(), req)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusServiceUnavailable, task.CodeUnavailable, err)
		return
	}

	if !res.OK {
		detail := messageForCode(res.Error)
		if res.Error == task.CodeInvalidRequest && res.Detail != "" {
			detail = sanitizeValidationError(res.Detail)
		}
		if res.RetryAfter > 0 {
			secs := int(math.Ceil(res.RetryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		shared.RespondWithErrorResponse(w, r, shared.ErrorResponse{
			Code:         StatusForCode(res.Error),
			Error:        res.Error,
			Detail:       detail,
			RetryAfterMs: res.RetryAfter.Milliseconds(),
		})
		return
	}

	logger.FromContext(r.Context()).Info("task accepted",
		"task_id", res.TaskID,
		"template_id", req.TemplateID,
		"queue_id", res.Route.QueueID)

	shared.RespondWithJSON(w, r, http.StatusAccepted, EnqueueResponse{
		OK:      true,
		TaskID:  res.TaskID,
		Channel: res.Channel,
		Tier:    res.Route.Tier,
		QueueID: res.Route.QueueID,
	})
}
