package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/envoyai/agentcore/internal/config"
	"github.com/envoyai/agentcore/internal/ledger"
	"github.com/envoyai/agentcore/internal/storage"
)

func handleListRuns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 50, 500)
		runs, err := deps.Ledger.ListRuns(r.Context(), TenantFrom(r.Context()), r.URL.Query().Get("agent"), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list runs: %v", err)
			return
		}
		if runs == nil {
			runs = []ledger.Entry{}
		}
		writeJSON(w, http.StatusOK, runs)
	}
}

func handleListFlows(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		flows, err := deps.Ledger.ListFlows(r.Context(), TenantFrom(r.Context()), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list flows: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, flows)
	}
}

func handleGetFlow(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flow, err := deps.Ledger.GetFlow(r.Context(), TenantFrom(r.Context()), chi.URLParam(r, "id"))
		if errors.Is(err, ledger.ErrFlowNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "flow not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get flow: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, flow)
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days := parseIntParam(r, "days", 7, 365)
		st, err := deps.Ledger.Stats(r.Context(), TenantFrom(r.Context()), days)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to compute stats: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// AgentsView describes the loaded model bindings and routes.
type AgentsView struct {
	Providers []config.ProviderSpec `json:"providers"`
	Bindings  []config.Binding      `json:"bindings"`
	Routes    []config.Route        `json:"routes"`
}

func handleAgents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, AgentsView{
			Providers: deps.Agents.Providers(),
			Bindings:  deps.Agents.Bindings(),
			Routes:    deps.Agents.Routes(),
		})
	}
}

func handleDeleteTenant(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := TenantFrom(r.Context())
		if tenant == storage.NoTenant {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "tenant deletion requires multi-tenant mode")
			return
		}
		if deps.Vectors != nil {
			if err := deps.Vectors.DeleteTenant(r.Context(), tenant); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to delete vector records: %v", err)
				return
			}
		}
		deleted, err := deps.Store.DeleteTenant(r.Context(), tenant)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete tenant: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "deleted": deleted})
	}
}
