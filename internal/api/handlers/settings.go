package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/shipmate-io/shipmate/internal/store"
)

// SettingsHandler handles global settings requests.
type SettingsHandler struct {
	store  store.Store
	logger *slog.Logger
}

// NewSettingsHandler creates a new settings handler.
func NewSettingsHandler(st store.Store, logger *slog.Logger) *SettingsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettingsHandler{store: st, logger: logger}
}

// Get handles GET /v1/settings.
func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	settings, err := h.store.Settings().GetAll(r.Context())
	if err != nil {
		h.logger.Error("failed to load settings", "error", err)
		WriteInternalError(w, "failed to load settings")
		return
	}
	if settings == nil {
		settings = map[string]string{}
	}
	WriteJSON(w, http.StatusOK, settings)
}

// Update handles PATCH /v1/settings, upserting the provided keys.
func (h *SettingsHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if len(req) == 0 {
		WriteBadRequest(w, "no settings provided")
		return
	}

	for key, value := range req {
		if key == "" {
			WriteBadRequest(w, "setting keys must be non-empty")
			return
		}
		if err := h.store.Settings().Set(r.Context(), key, value); err != nil {
			h.logger.Error("failed to save setting", "error", err, "key", key)
			WriteInternalError(w, "failed to save settings")
			return
		}
	}

	h.logger.Info("settings updated", "count", len(req))
	WriteJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}
