package api_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/phrazzld/jobfit/internal/api"
	"github.com/phrazzld/jobfit/internal/api/middleware"
	"github.com/phrazzld/jobfit/internal/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// MockEnqueuer implements api.Enqueuer.
type MockEnqueuer struct {
	mu        sync.Mutex
	requests  []task.EnqueueRequest
	EnqueueFn func(ctx context.Context, req task.EnqueueRequest) (task.EnqueueResult, error)
}

func (m *MockEnqueuer) EnsureEnqueued(ctx context.Context, req task.EnqueueRequest) (task.EnqueueResult, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	return m.EnqueueFn(ctx, req)
}

func (m *MockEnqueuer) Requests() []task.EnqueueRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]task.EnqueueRequest(nil), m.requests...)
}

// MockHandler implements queue.Handler.
type MockHandler struct {
	HandleFn func(ctx context.Context, payload []byte) (task.Outcome, error)
}

func (m *MockHandler) Handle(ctx context.Context, payload []byte) (task.Outcome, error) {
	return m.HandleFn(ctx, payload)
}

// newRouter mounts the handlers the way the server does.
func newRouter(tasks *api.TaskHandler, deliveries *api.DeliveryHandler, evs *api.EventHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.NewTraceMiddleware(testLogger()))
	r.Route("/v1", func(r chi.Router) {
		if deliveries != nil {
			r.Post("/queues/{queueID}/deliver", deliveries.Deliver)
		}
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireUser)
			if tasks != nil {
				r.Post("/tasks", tasks.CreateTask)
			}
			if evs != nil {
				r.Get("/events/{serviceID}/{taskID}", evs.Poll)
				r.Get("/events/{serviceID}/{taskID}/ws", evs.Stream)
			}
		})
	})
	return r
}
