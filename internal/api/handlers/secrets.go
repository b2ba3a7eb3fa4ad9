package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shipmate-io/shipmate/internal/secrets"
	"github.com/shipmate-io/shipmate/internal/store"
	"github.com/shipmate-io/shipmate/internal/store/postgres"
	"github.com/shipmate-io/shipmate/internal/validation"
)

// SecretHandler handles target secret requests. Values are age-encrypted
// before they touch the database and are never returned by the API.
type SecretHandler struct {
	store   store.Store
	secrets *secrets.Service
	logger  *slog.Logger
}

// NewSecretHandler creates a new secret handler.
func NewSecretHandler(st store.Store, secretsSvc *secrets.Service, logger *slog.Logger) *SecretHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SecretHandler{store: st, secrets: secretsSvc, logger: logger}
}

// SetSecretRequest is the request body for creating or updating a secret.
type SetSecretRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Set handles POST /v1/targets/{targetID}/secrets.
func (h *SecretHandler) Set(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "targetID")
	if targetID == "" {
		WriteBadRequest(w, "target ID is required")
		return
	}

	var req SetSecretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if err := validation.ValidateEnvKey(req.Key); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if err := validation.ValidateEnvValue(req.Value); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	if h.secrets == nil || !h.secrets.CanEncrypt() {
		WriteInternalError(w, "secret encryption is not configured")
		return
	}

	encrypted, err := h.secrets.Encrypt(r.Context(), []byte(req.Value))
	if err != nil {
		h.logger.Error("failed to encrypt secret", "error", err)
		WriteInternalError(w, "failed to encrypt secret")
		return
	}

	if err := h.store.Secrets().Set(r.Context(), targetID, req.Key, encrypted); err != nil {
		h.logger.Error("failed to store secret", "error", err, "target_id", targetID)
		WriteInternalError(w, "failed to store secret")
		return
	}

	h.logger.Info("secret set", "target_id", targetID, "key", req.Key)
	WriteJSON(w, http.StatusCreated, map[string]string{"key": req.Key, "status": "set"})
}

// List handles GET /v1/targets/{targetID}/secrets. Only key names come back.
func (h *SecretHandler) List(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "targetID")
	if targetID == "" {
		WriteBadRequest(w, "target ID is required")
		return
	}

	keys, err := h.store.Secrets().List(r.Context(), targetID)
	if err != nil {
		h.logger.Error("failed to list secrets", "error", err, "target_id", targetID)
		WriteInternalError(w, "failed to list secrets")
		return
	}
	if keys == nil {
		keys = []string{}
	}
	WriteJSON(w, http.StatusOK, map[string][]string{"keys": keys})
}

// Delete handles DELETE /v1/targets/{targetID}/secrets/{key}.
func (h *SecretHandler) Delete(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "targetID")
	key := chi.URLParam(r, "key")
	if targetID == "" || key == "" {
		WriteBadRequest(w, "target ID and key are required")
		return
	}

	if err := h.store.Secrets().Delete(r.Context(), targetID, key); err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			WriteNotFound(w, "secret not found")
			return
		}
		h.logger.Error("failed to delete secret", "error", err, "target_id", targetID, "key", key)
		WriteInternalError(w, "failed to delete secret")
		return
	}

	h.logger.Info("secret deleted", "target_id", targetID, "key", key)
	w.WriteHeader(http.StatusNoContent)
}
