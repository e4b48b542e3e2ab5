// Package api exposes the orchestration core over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/envoyai/agentcore/internal/config"
	"github.com/envoyai/agentcore/internal/dispatch"
	"github.com/envoyai/agentcore/internal/handoff"
	"github.com/envoyai/agentcore/internal/ledger"
	"github.com/envoyai/agentcore/internal/metrics"
	"github.com/envoyai/agentcore/internal/storage"
)

const maxRequestBodySize = 10 << 20 // 10MB, base64 PDFs included

// TenantDeleter removes a tenant's records from the vector backend.
type TenantDeleter interface {
	DeleteTenant(ctx context.Context, tenant string) error
}

type Deps struct {
	Store      *storage.Store
	Dispatcher *dispatch.Dispatcher
	Flows      *handoff.Engine
	Ledger     *ledger.Ledger
	Vectors    TenantDeleter // optional; nil when records live in Store
	Agents     config.Agents
	Metrics    *metrics.Metrics
	// Token enables bearer authentication and multi-tenant mode when set.
	Token string
}

// NewHandler returns the REST API. /health and /metrics are public; every
// other route requires the bearer token (when configured) and is scoped to
// the caller's tenant.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))
	r.Handle("/metrics", deps.Metrics.Handler())

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Use(TenantScope(deps.Token != ""))

		r.Post("/tasks", handleSubmitTask(deps))
		r.Get("/tasks/{id}", handleGetTask(deps))
		r.Delete("/tasks/{id}", handleCancelTask(deps))
		r.Post("/corrections", handleSubmitCorrection(deps))

		r.Get("/runs", handleListRuns(deps))
		r.Get("/flows", handleListFlows(deps))
		r.Get("/flows/{id}", handleGetFlow(deps))
		r.Get("/stats", handleStats(deps))
		r.Get("/agents", handleAgents(deps))
		r.Delete("/tenant", handleDeleteTenant(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.Ping(); err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "store unavailable: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
