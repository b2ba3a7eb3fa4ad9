package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shipmate-io/shipmate/internal/models"
)

// RunStore implements store.RunStore using PostgreSQL.
type RunStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

func (s *RunStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const runColumns = `id, target_id, release_id, commit_sha, status, prev_commit,
	pre_deploy_started_at, steps, error, created_at, started_at, finished_at`

// Create creates a new deploy run.
func (s *RunStore) Create(ctx context.Context, run *models.DeployRun) error {
	stepsJSON, err := json.Marshal(run.Steps)
	if err != nil {
		return fmt.Errorf("marshaling steps: %w", err)
	}

	query := `
		INSERT INTO deploy_runs (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	_, err = s.conn().ExecContext(ctx, query,
		run.ID,
		run.TargetID,
		run.ReleaseID,
		run.Commit,
		run.Status,
		run.PrevCommit,
		run.PreDeployStartedAt,
		stepsJSON,
		run.Error,
		run.CreatedAt,
		run.StartedAt,
		run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}

	return nil
}

// Get retrieves a run by ID.
func (s *RunStore) Get(ctx context.Context, id string) (*models.DeployRun, error) {
	query := `SELECT ` + runColumns + ` FROM deploy_runs WHERE id = $1`
	run, err := scanRun(s.conn().QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return run, nil
}

// List retrieves runs for a target, newest first.
func (s *RunStore) List(ctx context.Context, targetID string, limit int) ([]*models.DeployRun, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + runColumns + `
		FROM deploy_runs
		WHERE target_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.conn().QueryContext(ctx, query, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	return scanRuns(rows)
}

// ListByStatus retrieves all runs with a given status, oldest first.
func (s *RunStore) ListByStatus(ctx context.Context, status models.RunStatus) ([]*models.DeployRun, error) {
	query := `
		SELECT ` + runColumns + `
		FROM deploy_runs
		WHERE status = $1
		ORDER BY created_at ASC`

	rows, err := s.conn().QueryContext(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("querying runs by status: %w", err)
	}
	defer rows.Close()

	return scanRuns(rows)
}

// Update updates an existing run.
func (s *RunStore) Update(ctx context.Context, run *models.DeployRun) error {
	stepsJSON, err := json.Marshal(run.Steps)
	if err != nil {
		return fmt.Errorf("marshaling steps: %w", err)
	}

	query := `
		UPDATE deploy_runs
		SET status = $2, prev_commit = $3, pre_deploy_started_at = $4,
			steps = $5, error = $6, started_at = $7, finished_at = $8
		WHERE id = $1`

	result, err := s.conn().ExecContext(ctx, query,
		run.ID,
		run.Status,
		run.PrevCommit,
		run.PreDeployStartedAt,
		stepsJSON,
		run.Error,
		run.StartedAt,
		run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("updating run: %w", err)
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

// GetLastLive retrieves the most recent run that reached live for a target.
// It is the revert destination for a failed deploy.
func (s *RunStore) GetLastLive(ctx context.Context, targetID string) (*models.DeployRun, error) {
	query := `
		SELECT ` + runColumns + `
		FROM deploy_runs
		WHERE target_id = $1 AND status = 'live'
		ORDER BY created_at DESC
		LIMIT 1`

	run, err := scanRun(s.conn().QueryRowContext(ctx, query, targetID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return run, nil
}

func scanRun(row scanner) (*models.DeployRun, error) {
	run := &models.DeployRun{}
	var stepsJSON []byte
	var prevCommit, errMsg sql.NullString
	var preDeploy, startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&run.ID,
		&run.TargetID,
		&run.ReleaseID,
		&run.Commit,
		&run.Status,
		&prevCommit,
		&preDeploy,
		&stepsJSON,
		&errMsg,
		&run.CreatedAt,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}

	if prevCommit.Valid {
		run.PrevCommit = prevCommit.String
	}
	if errMsg.Valid {
		run.Error = errMsg.String
	}
	if preDeploy.Valid {
		run.PreDeployStartedAt = &preDeploy.Time
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	if len(stepsJSON) > 0 {
		if err := json.Unmarshal(stepsJSON, &run.Steps); err != nil {
			return nil, fmt.Errorf("unmarshaling steps: %w", err)
		}
	}

	return run, nil
}

func scanRuns(rows *sql.Rows) ([]*models.DeployRun, error) {
	var runs []*models.DeployRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating run rows: %w", err)
	}
	return runs, nil
}
