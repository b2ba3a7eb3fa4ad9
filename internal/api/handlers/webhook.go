package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shipmate-io/shipmate/internal/store"
	"github.com/shipmate-io/shipmate/internal/store/postgres"
	"github.com/shipmate-io/shipmate/internal/trigger"
)

// Webhook request headers, following the GitHub push event conventions.
const (
	HeaderSignature = "X-Hub-Signature-256"
	HeaderDelivery  = "X-GitHub-Delivery"
)

// maxWebhookBody bounds the accepted payload size.
const maxWebhookBody = 1 << 20

// WebhookHandler receives push webhooks from the CI provider. It is the only
// unauthenticated write endpoint; the HMAC signature is its authentication.
type WebhookHandler struct {
	store   store.Store
	trigger *trigger.Service
	logger  *slog.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(st store.Store, triggerSvc *trigger.Service, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{store: st, trigger: triggerSvc, logger: logger}
}

// Receive handles POST /webhooks/{targetName}.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	targetName := chi.URLParam(r, "targetName")
	if targetName == "" {
		WriteBadRequest(w, "target name is required")
		return
	}

	target, err := h.store.Targets().GetByName(r.Context(), targetName)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			WriteNotFound(w, "unknown target")
			return
		}
		h.logger.Error("failed to load target for webhook", "error", err, "target", targetName)
		WriteInternalError(w, "failed to load target")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		WriteBadRequest(w, "failed to read request body")
		return
	}

	result, err := h.trigger.HandlePush(
		r.Context(),
		target,
		r.Header.Get(HeaderDelivery),
		r.Header.Get(HeaderSignature),
		body,
	)
	if err != nil {
		switch {
		case errors.Is(err, trigger.ErrInvalidSignature):
			WriteUnauthorized(w, "signature verification failed")
		case errors.Is(err, trigger.ErrMissingDelivery):
			WriteBadRequest(w, "missing delivery id header")
		case errors.Is(err, trigger.ErrInvalidPayload):
			WriteBadRequest(w, "invalid push payload")
		default:
			h.logger.Error("webhook processing failed", "error", err, "target", targetName)
			WriteInternalError(w, "failed to process push")
		}
		return
	}

	switch {
	case result.Ignored:
		WriteJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
	case result.Duplicate:
		WriteJSON(w, http.StatusOK, map[string]any{"status": "duplicate", "run_id": result.RunID})
	default:
		WriteJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "run_id": result.RunID})
	}
}
