package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shipmate-io/shipmate/internal/models"
)

// ReleaseStore implements store.ReleaseStore using PostgreSQL.
type ReleaseStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

func (s *ReleaseStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const releaseColumns = `id, target_id, commit_sha, ref, delivery_id, pusher, created_at`

// Create records a new release. The (target_id, delivery_id) pair is unique,
// which is what deduplicates webhook redeliveries.
func (s *ReleaseStore) Create(ctx context.Context, release *models.Release) error {
	query := `
		INSERT INTO releases (` + releaseColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	if release.CreatedAt.IsZero() {
		release.CreatedAt = time.Now().UTC()
	}

	_, err := s.conn().ExecContext(ctx, query,
		release.ID,
		release.TargetID,
		release.Commit,
		release.Ref,
		release.DeliveryID,
		release.Pusher,
		release.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("inserting release: %w", err)
	}

	return nil
}

// Get retrieves a release by ID.
func (s *ReleaseStore) Get(ctx context.Context, id string) (*models.Release, error) {
	query := `SELECT ` + releaseColumns + ` FROM releases WHERE id = $1`
	return s.scanRelease(s.conn().QueryRowContext(ctx, query, id))
}

// GetByDelivery retrieves a release by webhook delivery ID.
func (s *ReleaseStore) GetByDelivery(ctx context.Context, targetID, deliveryID string) (*models.Release, error) {
	query := `SELECT ` + releaseColumns + ` FROM releases WHERE target_id = $1 AND delivery_id = $2`
	return s.scanRelease(s.conn().QueryRowContext(ctx, query, targetID, deliveryID))
}

// List retrieves releases for a target, newest first.
func (s *ReleaseStore) List(ctx context.Context, targetID string, limit int) ([]*models.Release, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + releaseColumns + `
		FROM releases
		WHERE target_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.conn().QueryContext(ctx, query, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying releases: %w", err)
	}
	defer rows.Close()

	var releases []*models.Release
	for rows.Next() {
		release := &models.Release{}
		if err := rows.Scan(
			&release.ID,
			&release.TargetID,
			&release.Commit,
			&release.Ref,
			&release.DeliveryID,
			&release.Pusher,
			&release.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning release row: %w", err)
		}
		releases = append(releases, release)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating release rows: %w", err)
	}

	return releases, nil
}

func (s *ReleaseStore) scanRelease(row scanner) (*models.Release, error) {
	release := &models.Release{}
	err := row.Scan(
		&release.ID,
		&release.TargetID,
		&release.Commit,
		&release.Ref,
		&release.DeliveryID,
		&release.Pusher,
		&release.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning release: %w", err)
	}
	return release, nil
}
