package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/jobfit/internal/api"
	apiMiddleware "github.com/phrazzld/jobfit/internal/api/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

// setupRouter creates and configures the application router with all routes and middleware.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.NewTraceMiddleware(app.logger))
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   app.config.Server.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", apiMiddleware.UserIDHeader, apiMiddleware.TraceHeader},
		ExposedHeaders:   []string{apiMiddleware.TraceHeader, "Retry-After"},
		AllowCredentials: true,
	}).Handler)

	taskHandler := api.NewTaskHandler(app.producer)
	eventHandler := api.NewEventHandler(app.broker, app.config.Server.AllowedOrigins)

	r.Route("/v1", func(r chi.Router) {
		// Signed callbacks from the queue forwarder; the signature is the
		// credential.
		if app.verifier != nil {
			deliveryHandler := api.NewDeliveryHandler(app.pipeline, app.verifier, app.config.Queue.CallbackBaseURL)
			r.Post("/queues/{queueID}/deliver", deliveryHandler.Deliver)
		}

		r.Group(func(r chi.Router) {
			r.Use(apiMiddleware.RequireUser)
			r.Post("/tasks", taskHandler.CreateTask)
			r.Get("/events/{serviceID}/{taskID}", eventHandler.Poll)
			r.Get("/events/{serviceID}/{taskID}/ws", eventHandler.Stream)
		})
	})

	r.Handle("/metrics", promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			app.logger.Error("failed to write health check response", "error", err)
		}
	})

	return r
}
