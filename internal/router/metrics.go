package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewMetricsRouter serves Prometheus scrapes on the dedicated metrics
// listener, kept off the data-plane port.
func NewMetricsRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.Recoverer)

	// Health check for the metrics listener itself
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status": "ok", "service": "metrics"}`))
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
