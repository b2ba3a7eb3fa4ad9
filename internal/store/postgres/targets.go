package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/shipmate-io/shipmate/internal/models"
)

// TargetStore implements store.TargetStore using PostgreSQL.
type TargetStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *TargetStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const targetColumns = `id, name, host, ssh_port, ssh_user, ssh_key_ref, work_dir,
	unit_name, branch, backend_port, extra_allowed_ports, webhook_secret,
	created_at, updated_at`

// Create creates a new deploy target.
func (s *TargetStore) Create(ctx context.Context, target *models.DeployTarget) error {
	query := `
		INSERT INTO deploy_targets (` + targetColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	now := time.Now().UTC()
	if target.CreatedAt.IsZero() {
		target.CreatedAt = now
	}
	if target.UpdatedAt.IsZero() {
		target.UpdatedAt = now
	}

	_, err := s.conn().ExecContext(ctx, query,
		target.ID,
		target.Name,
		target.Host,
		target.SSHPort,
		target.SSHUser,
		target.SSHKeyRef,
		target.WorkDir,
		target.UnitName,
		target.Branch,
		target.BackendPort,
		pq.Array(int64Ports(target.ExtraAllowedPorts)),
		target.WebhookSecret,
		target.CreatedAt,
		target.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateName
		}
		return fmt.Errorf("inserting target: %w", err)
	}

	return nil
}

// Get retrieves a target by ID.
func (s *TargetStore) Get(ctx context.Context, id string) (*models.DeployTarget, error) {
	query := `SELECT ` + targetColumns + ` FROM deploy_targets WHERE id = $1`
	return s.scanTarget(s.conn().QueryRowContext(ctx, query, id))
}

// GetByName retrieves a target by its unique name.
func (s *TargetStore) GetByName(ctx context.Context, name string) (*models.DeployTarget, error) {
	query := `SELECT ` + targetColumns + ` FROM deploy_targets WHERE name = $1`
	return s.scanTarget(s.conn().QueryRowContext(ctx, query, name))
}

// List retrieves all targets.
func (s *TargetStore) List(ctx context.Context) ([]*models.DeployTarget, error) {
	query := `SELECT ` + targetColumns + ` FROM deploy_targets ORDER BY name ASC`

	rows, err := s.conn().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying targets: %w", err)
	}
	defer rows.Close()

	var targets []*models.DeployTarget
	for rows.Next() {
		target, err := s.scanTargetRow(rows)
		if err != nil {
			return nil, err
		}
		targets = append(targets, target)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating target rows: %w", err)
	}

	return targets, nil
}

// Update updates an existing target.
func (s *TargetStore) Update(ctx context.Context, target *models.DeployTarget) error {
	query := `
		UPDATE deploy_targets
		SET name = $2, host = $3, ssh_port = $4, ssh_user = $5, ssh_key_ref = $6,
			work_dir = $7, unit_name = $8, branch = $9, backend_port = $10,
			extra_allowed_ports = $11, webhook_secret = $12, updated_at = $13
		WHERE id = $1`

	target.UpdatedAt = time.Now().UTC()

	result, err := s.conn().ExecContext(ctx, query,
		target.ID,
		target.Name,
		target.Host,
		target.SSHPort,
		target.SSHUser,
		target.SSHKeyRef,
		target.WorkDir,
		target.UnitName,
		target.Branch,
		target.BackendPort,
		pq.Array(int64Ports(target.ExtraAllowedPorts)),
		target.WebhookSecret,
		target.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateName
		}
		return fmt.Errorf("updating target: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// Delete removes a target.
func (s *TargetStore) Delete(ctx context.Context, id string) error {
	result, err := s.conn().ExecContext(ctx, `DELETE FROM deploy_targets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting target: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// int64Ports converts a port list to the driver's array element type.
func int64Ports(ports []int) []int64 {
	out := make([]int64, len(ports))
	for i, p := range ports {
		out[i] = int64(p)
	}
	return out
}

// scanner abstracts *sql.Row and *sql.Rows for single-row scanning.
type scanner interface {
	Scan(dest ...any) error
}

func (s *TargetStore) scanTarget(row scanner) (*models.DeployTarget, error) {
	target, err := s.scanTargetRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return target, nil
}

func (s *TargetStore) scanTargetRow(row scanner) (*models.DeployTarget, error) {
	target := &models.DeployTarget{}
	var extraPorts pq.Int64Array

	err := row.Scan(
		&target.ID,
		&target.Name,
		&target.Host,
		&target.SSHPort,
		&target.SSHUser,
		&target.SSHKeyRef,
		&target.WorkDir,
		&target.UnitName,
		&target.Branch,
		&target.BackendPort,
		&extraPorts,
		&target.WebhookSecret,
		&target.CreatedAt,
		&target.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("scanning target row: %w", err)
	}

	if len(extraPorts) > 0 {
		target.ExtraAllowedPorts = make([]int, len(extraPorts))
		for i, p := range extraPorts {
			target.ExtraAllowedPorts[i] = int(p)
		}
	}

	return target, nil
}
