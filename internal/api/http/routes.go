package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates the HTTP router with task routes, the event stream,
// health check and Prometheus metrics endpoint.
func NewRouter(coordinator CoordinatorI, resolver DestinationResolver, source EventSource, allowPrivate bool, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	taskHandler := NewTaskHandler(coordinator, resolver, allowPrivate, logger)

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", taskHandler.CreateTask)
		r.Get("/", taskHandler.ListTasks)
		r.Route("/{taskID}", func(r chi.Router) {
			r.Get("/", taskHandler.GetTask)
			r.Post("/pause", taskHandler.PauseTask)
			r.Post("/resume", taskHandler.ResumeTask)
			r.Post("/cancel", taskHandler.CancelTask)
		})
	})

	r.Put("/settings/concurrency", taskHandler.SetConcurrency)

	r.Method(http.MethodGet, "/events", NewEventStream(source, coordinator, logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
