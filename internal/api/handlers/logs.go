package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/shipmate-io/shipmate/internal/models"
	"github.com/shipmate-io/shipmate/internal/store"
)

// LogHandler serves persisted log entries for a target.
type LogHandler struct {
	store  store.Store
	logger *slog.Logger
}

// NewLogHandler creates a new log handler.
func NewLogHandler(st store.Store, logger *slog.Logger) *LogHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogHandler{store: st, logger: logger}
}

// List handles GET /v1/targets/{targetID}/logs, newest first.
func (h *LogHandler) List(w http.ResponseWriter, r *http.Request) {
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

	entries, err := h.store.Logs().List(r.Context(), targetID, limit)
	if err != nil {
		h.logger.Error("failed to list logs", "error", err, "target_id", targetID)
		WriteInternalError(w, "failed to list logs")
		return
	}
	if entries == nil {
		entries = []*models.LogEntry{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
