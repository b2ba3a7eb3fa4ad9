// Package trigger turns verified push webhooks into deploy jobs.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shipmate-io/shipmate/internal/models"
	"github.com/shipmate-io/shipmate/internal/queue"
	"github.com/shipmate-io/shipmate/internal/store"
	"github.com/shipmate-io/shipmate/internal/store/postgres"
)

// Errors returned by the trigger service.
var (
	// ErrInvalidSignature is returned when the webhook signature does not match.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrInvalidPayload is returned when the webhook body cannot be decoded.
	ErrInvalidPayload = errors.New("invalid webhook payload")
	// ErrMissingDelivery is returned when the delivery ID header is absent.
	ErrMissingDelivery = errors.New("missing delivery id")
)

// zeroCommit is the SHA a provider sends when a branch is deleted.
const zeroCommit = "0000000000000000000000000000000000000000"

// Result describes the outcome of handling a push delivery.
type Result struct {
	// RunID is the deploy run created for the push, empty when no run was created.
	RunID string
	// Duplicate is true when the delivery was already processed.
	Duplicate bool
	// Ignored is true when the push did not touch the tracked branch.
	Ignored bool
}

// Service converts push webhook deliveries into releases and deploy jobs.
type Service struct {
	store  store.Store
	queue  queue.Queue
	logger *slog.Logger
}

// NewService creates a new trigger service.
func NewService(st store.Store, q queue.Queue, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		queue:  q,
		logger: logger,
	}
}

// HandlePush processes a verified-pending push delivery for a target.
//
// The signature is checked against the target's webhook secret before the
// body is decoded. A delivery is processed at most once: redeliveries hit
// the unique (target, delivery) constraint on releases and come back as
// Duplicate without a second job. Pushes to branches other than the
// target's tracked branch are acknowledged but ignored.
func (s *Service) HandlePush(ctx context.Context, target *models.DeployTarget, deliveryID, signature string, body []byte) (*Result, error) {
	if strings.TrimSpace(deliveryID) == "" {
		return nil, ErrMissingDelivery
	}
	if !VerifySignature(target.WebhookSecret, body, signature) {
		s.logger.Warn("rejected webhook with bad signature",
			"target_id", target.ID, "delivery_id", deliveryID)
		return nil, ErrInvalidSignature
	}

	var event models.PushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if event.Ref == "" || event.After == "" {
		return nil, fmt.Errorf("%w: missing ref or after", ErrInvalidPayload)
	}

	if models.BranchFromRef(event.Ref) != target.Branch || event.After == zeroCommit {
		s.logger.Debug("ignoring push outside tracked branch",
			"target_id", target.ID, "ref", event.Ref)
		return &Result{Ignored: true}, nil
	}

	release := &models.Release{
		ID:         uuid.New().String(),
		TargetID:   target.ID,
		Commit:     event.After,
		Ref:        event.Ref,
		DeliveryID: deliveryID,
		Pusher:     event.Pusher.Name,
		CreatedAt:  time.Now().UTC(),
	}
	run := &models.DeployRun{
		ID:        uuid.New().String(),
		TargetID:  target.ID,
		ReleaseID: release.ID,
		Commit:    event.After,
		Status:    models.RunStatusPending,
		CreatedAt: time.Now().UTC(),
	}

	// Release and run are committed together so a crash between the two
	// cannot orphan the delivery ID.
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.Releases().Create(ctx, release); err != nil {
			return err
		}
		return tx.Runs().Create(ctx, run)
	})
	if err != nil {
		if errors.Is(err, postgres.ErrDuplicateKey) {
			s.logger.Info("duplicate webhook delivery",
				"target_id", target.ID, "delivery_id", deliveryID)
			return &Result{Duplicate: true}, nil
		}
		return nil, fmt.Errorf("recording release: %w", err)
	}

	job := &models.DeployJob{
		ID:         uuid.New().String(),
		RunID:      run.ID,
		TargetID:   target.ID,
		ReleaseID:  release.ID,
		Commit:     event.After,
		Ref:        event.Ref,
		DeliveryID: deliveryID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		// The run exists but no worker will ever pick it up; fail it so the
		// pipeline state stays honest.
		run.Status = models.RunStatusFailed
		run.Error = fmt.Sprintf("enqueue failed: %v", err)
		now := time.Now().UTC()
		run.FinishedAt = &now
		if updErr := s.store.Runs().Update(ctx, run); updErr != nil {
			s.logger.Error("failed to mark run failed after enqueue error",
				"run_id", run.ID, "error", updErr)
		}
		return nil, fmt.Errorf("enqueueing deploy job: %w", err)
	}

	s.logger.Info("deploy triggered",
		"target_id", target.ID,
		"run_id", run.ID,
		"commit", event.After,
		"delivery_id", deliveryID)

	return &Result{RunID: run.ID}, nil
}
