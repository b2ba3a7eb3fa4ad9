package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/shipmate-io/shipmate/internal/firewall"
	"github.com/shipmate-io/shipmate/internal/models"
	"github.com/shipmate-io/shipmate/internal/store"
	"github.com/shipmate-io/shipmate/internal/store/postgres"
	"github.com/shipmate-io/shipmate/internal/validation"
)

// TargetHandler handles deploy target requests.
type TargetHandler struct {
	store  store.Store
	logger *slog.Logger
}

// NewTargetHandler creates a new target handler.
func NewTargetHandler(st store.Store, logger *slog.Logger) *TargetHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TargetHandler{store: st, logger: logger}
}

// CreateTargetRequest is the request body for creating a deploy target.
type CreateTargetRequest struct {
	Name              string `json:"name"`
	Host              string `json:"host"`
	SSHPort           int    `json:"ssh_port"`
	SSHUser           string `json:"ssh_user"`
	SSHKeyRef         string `json:"ssh_key_ref"`
	WorkDir           string `json:"work_dir"`
	UnitName          string `json:"unit_name"`
	Branch            string `json:"branch"`
	BackendPort       int    `json:"backend_port"`
	ExtraAllowedPorts []int  `json:"extra_allowed_ports"`
	WebhookSecret     string `json:"webhook_secret"`
}

// Create handles POST /v1/targets.
func (h *TargetHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateTargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}
	if req.Name == "" {
		WriteBadRequest(w, "name is required")
		return
	}
	if req.WebhookSecret == "" {
		WriteBadRequest(w, "webhook_secret is required")
		return
	}

	now := time.Now().UTC()
	target := &models.DeployTarget{
		ID:                uuid.New().String(),
		Name:              req.Name,
		Host:              req.Host,
		SSHPort:           req.SSHPort,
		SSHUser:           req.SSHUser,
		SSHKeyRef:         req.SSHKeyRef,
		WorkDir:           req.WorkDir,
		UnitName:          req.UnitName,
		Branch:            req.Branch,
		BackendPort:       req.BackendPort,
		ExtraAllowedPorts: req.ExtraAllowedPorts,
		WebhookSecret:     req.WebhookSecret,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := validation.ValidateTarget(target); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	if err := h.store.Targets().Create(r.Context(), target); err != nil {
		if errors.Is(err, postgres.ErrDuplicateName) || errors.Is(err, postgres.ErrDuplicateKey) {
			WriteConflict(w, "a target with this name already exists")
			return
		}
		h.logger.Error("failed to create target", "error", err)
		WriteInternalError(w, "failed to create target")
		return
	}

	h.logger.Info("target created", "target_id", target.ID, "name", target.Name)
	WriteJSON(w, http.StatusCreated, target)
}

// List handles GET /v1/targets.
func (h *TargetHandler) List(w http.ResponseWriter, r *http.Request) {
	targets, err := h.store.Targets().List(r.Context())
	if err != nil {
		h.logger.Error("failed to list targets", "error", err)
		WriteInternalError(w, "failed to list targets")
		return
	}
	if targets == nil {
		targets = []*models.DeployTarget{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"targets": targets})
}

// Get handles GET /v1/targets/{targetID}.
func (h *TargetHandler) Get(w http.ResponseWriter, r *http.Request) {
	target, ok := h.load(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, target)
}

// UpdateTargetRequest is the request body for updating a target. Only the
// provided fields change.
type UpdateTargetRequest struct {
	Host              *string `json:"host,omitempty"`
	SSHPort           *int    `json:"ssh_port,omitempty"`
	SSHUser           *string `json:"ssh_user,omitempty"`
	SSHKeyRef         *string `json:"ssh_key_ref,omitempty"`
	WorkDir           *string `json:"work_dir,omitempty"`
	Branch            *string `json:"branch,omitempty"`
	BackendPort       *int    `json:"backend_port,omitempty"`
	ExtraAllowedPorts *[]int  `json:"extra_allowed_ports,omitempty"`
	WebhookSecret     *string `json:"webhook_secret,omitempty"`
}

// Update handles PATCH /v1/targets/{targetID}.
func (h *TargetHandler) Update(w http.ResponseWriter, r *http.Request) {
	target, ok := h.load(w, r)
	if !ok {
		return
	}

	var req UpdateTargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid request body")
		return
	}

	if req.Host != nil {
		target.Host = *req.Host
	}
	if req.SSHPort != nil {
		target.SSHPort = *req.SSHPort
	}
	if req.SSHUser != nil {
		target.SSHUser = *req.SSHUser
	}
	if req.SSHKeyRef != nil {
		target.SSHKeyRef = *req.SSHKeyRef
	}
	if req.WorkDir != nil {
		target.WorkDir = *req.WorkDir
	}
	if req.Branch != nil {
		target.Branch = *req.Branch
	}
	if req.BackendPort != nil {
		target.BackendPort = *req.BackendPort
	}
	if req.ExtraAllowedPorts != nil {
		target.ExtraAllowedPorts = *req.ExtraAllowedPorts
	}
	if req.WebhookSecret != nil {
		target.WebhookSecret = *req.WebhookSecret
	}
	target.UpdatedAt = time.Now().UTC()

	if err := validation.ValidateTarget(target); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	if err := h.store.Targets().Update(r.Context(), target); err != nil {
		h.logger.Error("failed to update target", "error", err, "target_id", target.ID)
		WriteInternalError(w, "failed to update target")
		return
	}

	h.logger.Info("target updated", "target_id", target.ID)
	WriteJSON(w, http.StatusOK, target)
}

// Delete handles DELETE /v1/targets/{targetID}.
func (h *TargetHandler) Delete(w http.ResponseWriter, r *http.Request) {
	target, ok := h.load(w, r)
	if !ok {
		return
	}

	if err := h.store.Targets().Delete(r.Context(), target.ID); err != nil {
		h.logger.Error("failed to delete target", "error", err, "target_id", target.ID)
		WriteInternalError(w, "failed to delete target")
		return
	}

	h.logger.Info("target deleted", "target_id", target.ID)
	w.WriteHeader(http.StatusNoContent)
}

// Firewall handles GET /v1/targets/{targetID}/firewall. It returns the rule
// set the executor applies to the host, for operator inspection.
func (h *TargetHandler) Firewall(w http.ResponseWriter, r *http.Request) {
	target, ok := h.load(w, r)
	if !ok {
		return
	}

	rules := firewall.ForTarget(target)
	WriteJSON(w, http.StatusOK, map[string]any{
		"rules":  rules.Rules,
		"script": rules.RenderScript(),
	})
}

func (h *TargetHandler) load(w http.ResponseWriter, r *http.Request) (*models.DeployTarget, bool) {
	id := chi.URLParam(r, "targetID")
	if id == "" {
		WriteBadRequest(w, "target ID is required")
		return nil, false
	}

	target, err := h.store.Targets().Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			WriteNotFound(w, "target not found")
			return nil, false
		}
		h.logger.Error("failed to get target", "error", err, "target_id", id)
		WriteInternalError(w, "failed to get target")
		return nil, false
	}
	return target, true
}
