// Package handlers provides the operational HTTP endpoints of the workflow
// service.
package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/exportcontrol/caseflow/common/httputil"
	"github.com/exportcontrol/caseflow/common/logging"
)

// CheckFunc reports whether a dependency is usable.
type CheckFunc func(ctx context.Context) error

// HealthResponse is the body of /healthz and /readyz.
type HealthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Handler serves liveness and readiness.
type Handler struct {
	service string
	checks  map[string]CheckFunc
	timeout time.Duration
	logger  *logging.Logger
}

func NewHandler(service string, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		service: service,
		checks:  make(map[string]CheckFunc),
		timeout: 2 * time.Second,
		logger:  logger,
	}
}

// WithCheck adds a readiness dependency.
func (h *Handler) WithCheck(name string, fn CheckFunc) *Handler {
	h.checks[name] = fn
	return h
}

// HealthCheck handles GET /healthz
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Service: h.service,
	})
}

// ReadyCheck handles GET /readyz. Any failing check makes the service
// unready.
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := HealthResponse{Status: "ready", Service: h.service, Checks: make(map[string]string, len(names))}
	status := http.StatusOK
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
			h.logger.WarnContext(ctx, "readiness check failed", logging.Service(name), logging.Error(err))
			continue
		}
		resp.Checks[name] = "ok"
	}
	httputil.WriteJSON(w, status, resp)
}
