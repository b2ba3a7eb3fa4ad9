// Package postgres provides a PostgreSQL-backed implementation of the deploy queue.
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
	"github.com/shipmate-io/shipmate/internal/queue"
)

// PostgresQueue implements queue.Queue using PostgreSQL.
type PostgresQueue struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresQueue creates a new PostgreSQL-backed queue.
func NewPostgresQueue(db *sql.DB, logger *slog.Logger) *PostgresQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresQueue{
		db:     db,
		logger: logger,
	}
}

// Enqueue adds a new deploy job to the queue.
// The job is serialized to JSON and stored in the deploy_queue table.
func (q *PostgresQueue) Enqueue(ctx context.Context, job *models.DeployJob) error {
	jobData, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job to JSON: %w", err)
	}

	query := `
		INSERT INTO deploy_queue (id, target_id, job_data, status, created_at)
		VALUES ($1, $2, $3, 'pending', $4)`

	now := time.Now().UTC()
	_, err = q.db.ExecContext(ctx, query, job.ID, job.TargetID, jobData, now)
	if err != nil {
		return fmt.Errorf("inserting job into queue: %w", err)
	}

	q.logger.Debug("enqueued deploy job", "job_id", job.ID, "target_id", job.TargetID)
	return nil
}

// Dequeue retrieves and locks the next available deploy job.
// Uses SELECT FOR UPDATE SKIP LOCKED for concurrent worker safety. Jobs
// whose target already has a processing job are excluded, and only the
// head-of-line job per target is ever a candidate. The second clause is
// what makes the exclusion safe under concurrency: the processing check
// alone reads the committed snapshot, so while worker A holds the row
// lock on a target's first job (still committed as pending), worker B
// skips that row via SKIP LOCKED and would otherwise take the second job
// for the same target. Restricting candidates to each target's oldest
// pending job means that second job is never selectable until the first
// one leaves pending, at which point the processing check takes over.
func (q *PostgresQueue) Dequeue(ctx context.Context) (*models.DeployJob, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	selectQuery := `
		SELECT id, job_data
		FROM deploy_queue dq
		WHERE status = 'pending'
		  AND NOT EXISTS (
			SELECT 1 FROM deploy_queue busy
			WHERE busy.target_id = dq.target_id AND busy.status = 'processing'
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM deploy_queue older
			WHERE older.target_id = dq.target_id
			  AND older.status = 'pending'
			  AND (older.created_at, older.id) < (dq.created_at, dq.id)
		  )
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`

	var jobID string
	var jobData []byte
	err = tx.QueryRowContext(ctx, selectQuery).Scan(&jobID, &jobData)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queue.ErrNoJobs
		}
		return nil, fmt.Errorf("selecting job from queue: %w", err)
	}

	updateQuery := `
		UPDATE deploy_queue
		SET status = 'processing', started_at = $2
		WHERE id = $1`

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, updateQuery, jobID, now)
	if err != nil {
		return nil, fmt.Errorf("updating job status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	var job models.DeployJob
	if err := json.Unmarshal(jobData, &job); err != nil {
		return nil, fmt.Errorf("unmarshaling job from JSON: %w", err)
	}

	q.logger.Debug("dequeued deploy job", "job_id", job.ID, "target_id", job.TargetID)
	return &job, nil
}

// Ack acknowledges successful processing of a job, removing it from the queue.
func (q *PostgresQueue) Ack(ctx context.Context, jobID string) error {
	query := `
		DELETE FROM deploy_queue
		WHERE id = $1 AND status = 'processing'`

	result, err := q.db.ExecContext(ctx, query, jobID)
	if err != nil {
		return fmt.Errorf("deleting job from queue: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return queue.ErrJobNotFound
	}

	q.logger.Debug("acknowledged deploy job", "job_id", jobID)
	return nil
}

// Nack indicates that job processing failed, making the job available for retry.
func (q *PostgresQueue) Nack(ctx context.Context, jobID string) error {
	query := `
		UPDATE deploy_queue
		SET status = 'pending', started_at = NULL, retry_count = retry_count + 1
		WHERE id = $1 AND status = 'processing'`

	result, err := q.db.ExecContext(ctx, query, jobID)
	if err != nil {
		return fmt.Errorf("updating job status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return queue.ErrJobNotFound
	}

	q.logger.Debug("nacked deploy job", "job_id", jobID)
	return nil
}

// Reclaim returns stale processing jobs to pending. A processing row whose
// started_at exceeds olderThan belongs to a worker that died between Dequeue
// and Ack; left alone it would block its target's queue forever.
func (q *PostgresQueue) Reclaim(ctx context.Context, olderThan time.Duration) (int, error) {
	query := `
		UPDATE deploy_queue
		SET status = 'pending', started_at = NULL, retry_count = retry_count + 1
		WHERE status = 'processing' AND started_at < $1`

	cutoff := time.Now().UTC().Add(-olderThan)
	result, err := q.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaiming stale jobs: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected > 0 {
		q.logger.Warn("reclaimed stale deploy jobs", "count", rowsAffected)
	}
	return int(rowsAffected), nil
}
