// Package server provides HTTP server setup for the workflow service.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/exportcontrol/caseflow/common/middleware"
	"github.com/exportcontrol/caseflow/workflow/internal/handlers"
)

// NewRouter constructs a ServeMux with the operational routes registered.
func NewRouter(h *handlers.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.HealthCheck)
	mux.HandleFunc("GET /readyz", h.ReadyCheck)
	mux.Handle("GET /metrics", promhttp.Handler())

	return middleware.RequestID(mux)
}
