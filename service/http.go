package service

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/forgeline/forgeline/engine"
	"github.com/forgeline/forgeline/registry"
	"github.com/forgeline/forgeline/router"
	"github.com/forgeline/forgeline/store"
	"github.com/forgeline/forgeline/surface"
	"github.com/forgeline/forgeline/workflow"
)

// API serves the HTTP surface of the engine.
type API struct {
	workflows *WorkflowService
	admin     *AdminService
	logger    *slog.Logger
}

// NewAPI creates the HTTP API.
func NewAPI(workflows *WorkflowService, admin *AdminService, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{workflows: workflows, admin: admin, logger: logger}
}

// Register mounts all handlers on the mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /api/workflows", a.handleCreateWorkflow)
	mux.HandleFunc("GET /api/workflows", a.handleListWorkflows)
	mux.HandleFunc("GET /api/workflows/{id}", a.handleGetWorkflow)
	mux.HandleFunc("POST /api/workflows/{id}/cancel", a.handleCancelWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}/events", a.handleWorkflowEvents)

	mux.HandleFunc("POST /api/platforms", a.handleCreatePlatform)
	mux.HandleFunc("GET /api/platforms", a.handleListPlatforms)
	mux.HandleFunc("GET /api/platforms/{id}/surfaces", a.handleListSurfaces)
	mux.HandleFunc("PUT /api/platforms/{id}/surfaces/{type}", a.handleUpsertSurface)

	mux.HandleFunc("POST /api/workflow-definitions", a.handleCreateDefinition)
	mux.HandleFunc("GET /api/workflow-definitions", a.handleListDefinitions)
	mux.HandleFunc("GET /api/workflow-definitions/{id}", a.handleGetDefinition)
	mux.HandleFunc("PUT /api/workflow-definitions/{id}", a.handleUpdateDefinition)
	mux.HandleFunc("DELETE /api/workflow-definitions/{id}", a.handleDeleteDefinition)
	mux.HandleFunc("POST /api/workflow-definitions/{id}/enable", a.handleToggleDefinition(true))
	mux.HandleFunc("POST /api/workflow-definitions/{id}/disable", a.handleToggleDefinition(false))
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req CreateWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	wf, err := a.workflows.Create(r.Context(), req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, wf)
}

func (a *API) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	status := workflow.Status(r.URL.Query().Get("status"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := a.workflows.List(r.Context(), status, limit)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, list)
}

func (a *API) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := a.workflows.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, wf)
}

func (a *API) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := a.workflows.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, wf)
}

func (a *API) handleWorkflowEvents(w http.ResponseWriter, r *http.Request) {
	events, err := a.workflows.Events(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, events)
}

func (a *API) handleCreatePlatform(w http.ResponseWriter, r *http.Request) {
	var p workflow.Platform
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	created, err := a.admin.CreatePlatform(r.Context(), &p)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, created)
}

func (a *API) handleListPlatforms(w http.ResponseWriter, r *http.Request) {
	platforms, err := a.admin.ListPlatforms(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, platforms)
}

func (a *API) handleListSurfaces(w http.ResponseWriter, r *http.Request) {
	surfaces, err := a.admin.ListSurfaces(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, surfaces)
}

func (a *API) handleUpsertSurface(w http.ResponseWriter, r *http.Request) {
	var binding workflow.PlatformSurface
	if err := json.NewDecoder(r.Body).Decode(&binding); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	binding.PlatformID = r.PathValue("id")
	binding.SurfaceType = workflow.SurfaceType(r.PathValue("type"))
	if err := a.admin.UpsertSurface(r.Context(), &binding); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, binding)
}

func (a *API) handleCreateDefinition(w http.ResponseWriter, r *http.Request) {
	var d workflow.WorkflowDefinition
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	created, err := a.admin.CreateDefinition(r.Context(), &d)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, created)
}

func (a *API) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	platformID := r.URL.Query().Get("platform_id")
	if platformID == "" {
		http.Error(w, "platform_id query parameter required", http.StatusBadRequest)
		return
	}
	enabledOnly := r.URL.Query().Get("enabled") == "true"
	defs, err := a.admin.ListDefinitions(r.Context(), platformID, enabledOnly)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, defs)
}

func (a *API) handleGetDefinition(w http.ResponseWriter, r *http.Request) {
	d, err := a.admin.GetDefinition(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, d)
}

func (a *API) handleUpdateDefinition(w http.ResponseWriter, r *http.Request) {
	var d workflow.WorkflowDefinition
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	d.ID = r.PathValue("id")
	updated, err := a.admin.UpdateDefinition(r.Context(), &d)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, updated)
}

func (a *API) handleDeleteDefinition(w http.ResponseWriter, r *http.Request) {
	if err := a.admin.DeleteDefinition(r.Context(), r.PathValue("id")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleToggleDefinition(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := a.admin.SetDefinitionEnabled(r.Context(), r.PathValue("id"), enabled); err != nil {
			a.writeError(w, err)
			return
		}
		a.writeJSON(w, http.StatusOK, map[string]any{
			"id":      r.PathValue("id"),
			"enabled": enabled,
		})
	}
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("write response", "error", err)
	}
}

// writeError maps domain sentinels onto HTTP statuses.
func (a *API) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, surface.ErrSurfaceNotBound):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, registry.ErrAgentUnavailable):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, router.ErrDefinitionInvalid):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, store.ErrDuplicate),
		errors.Is(err, store.ErrVersionConflict),
		errors.Is(err, engine.ErrWorkflowTerminal):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		a.logger.Error("request failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
