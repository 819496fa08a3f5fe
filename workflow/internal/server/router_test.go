package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/exportcontrol/caseflow/common/middleware"
	"github.com/exportcontrol/caseflow/workflow/internal/handlers"
	"github.com/exportcontrol/caseflow/workflow/internal/metrics"
)

func TestNewRouter(t *testing.T) {
	h := handlers.NewHandler("workflow", nil).
		WithCheck("postgres", func(context.Context) error { return errors.New("down") })
	router := NewRouter(h)
	metrics.SLARuns.WithLabelValues("completed").Add(0)

	tests := []struct {
		name     string
		method   string
		path     string
		wantCode int
		contains string
	}{
		{"liveness", http.MethodGet, "/healthz", http.StatusOK, `"status":"ok"`},
		{"readiness", http.MethodGet, "/readyz", http.StatusServiceUnavailable, `"postgres":"down"`},
		{"metrics", http.MethodGet, "/metrics", http.StatusOK, "caseflow_sla_runs_total"},
		{"wrong method", http.MethodPost, "/healthz", http.StatusMethodNotAllowed, ""},
		{"unknown", http.MethodGet, "/api/v1/cases", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.wantCode, w.Code)
			assert.NotEmpty(t, w.Header().Get(middleware.HeaderRequestID))
			if tt.contains != "" {
				assert.True(t, strings.Contains(w.Body.String(), tt.contains), w.Body.String())
			}
		})
	}
}

func TestNewRouter_PropagatesRequestID(t *testing.T) {
	router := NewRouter(handlers.NewHandler("workflow", nil))
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(middleware.HeaderRequestID, "req-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get(middleware.HeaderRequestID))
}
