package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/shipmate-io/shipmate/internal/models"
	"github.com/shipmate-io/shipmate/internal/store"
	"github.com/shipmate-io/shipmate/internal/store/postgres"
)

// RunHandler handles deploy run requests.
type RunHandler struct {
	store  store.Store
	logger *slog.Logger
}

// NewRunHandler creates a new run handler.
func NewRunHandler(st store.Store, logger *slog.Logger) *RunHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunHandler{store: st, logger: logger}
}

// List handles GET /v1/targets/{targetID}/runs.
func (h *RunHandler) List(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "targetID")
	if targetID == "" {
		WriteBadRequest(w, "target ID is required")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			WriteBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := h.store.Runs().List(r.Context(), targetID, limit)
	if err != nil {
		h.logger.Error("failed to list runs", "error", err, "target_id", targetID)
		WriteInternalError(w, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []*models.DeployRun{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// Get handles GET /v1/runs/{runID}.
func (h *RunHandler) Get(w http.ResponseWriter, r *http.Request) {
	run, ok := h.load(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, run)
}

// Logs handles GET /v1/runs/{runID}/logs: the executor step transcript for
// one deploy run, oldest first.
func (h *RunHandler) Logs(w http.ResponseWriter, r *http.Request) {
	run, ok := h.load(w, r)
	if !ok {
		return
	}

	entries, err := h.store.Logs().ListByRun(r.Context(), run.ID)
	if err != nil {
		h.logger.Error("failed to list run logs", "error", err, "run_id", run.ID)
		WriteInternalError(w, "failed to list run logs")
		return
	}
	if entries == nil {
		entries = []*models.LogEntry{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *RunHandler) load(w http.ResponseWriter, r *http.Request) (*models.DeployRun, bool) {
	id := chi.URLParam(r, "runID")
	if id == "" {
		WriteBadRequest(w, "run ID is required")
		return nil, false
	}

	run, err := h.store.Runs().Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			WriteNotFound(w, "run not found")
			return nil, false
		}
		h.logger.Error("failed to get run", "error", err, "run_id", id)
		WriteInternalError(w, "failed to get run")
		return nil, false
	}
	return run, true
}
