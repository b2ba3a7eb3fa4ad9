// Package queue provides deploy job queue interfaces and implementations.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/shipmate-io/shipmate/internal/models"
)

// Common errors returned by queue operations.
var (
	// ErrNoJobs is returned when no jobs are available in the queue.
	ErrNoJobs = errors.New("no jobs available")
	// ErrJobNotFound is returned when a job cannot be found.
	ErrJobNotFound = errors.New("job not found")
)

// Queue defines the interface for deploy job queue operations.
//
// Dequeue never hands out a job for a target that already has a job in
// flight, so concurrent pushes to the same target serialize: each deploy
// observes the fully settled result of the previous one.
type Queue interface {
	// Enqueue adds a new deploy job to the queue.
	// The job is serialized to JSON for storage.
	Enqueue(ctx context.Context, job *models.DeployJob) error

	// Dequeue retrieves and locks the next available deploy job.
	// Jobs for targets with a deploy already in flight are skipped.
	// Returns ErrNoJobs if no jobs are available.
	Dequeue(ctx context.Context) (*models.DeployJob, error)

	// Ack acknowledges successful processing of a job, removing it from the queue.
	Ack(ctx context.Context, jobID string) error

	// Nack indicates that job processing failed, making the job available for retry.
	Nack(ctx context.Context, jobID string) error

	// Reclaim returns processing jobs older than olderThan to pending and
	// reports how many were reclaimed. A job that old means its worker died
	// between Dequeue and Ack; until reclaimed it blocks every later deploy
	// for its target.
	Reclaim(ctx context.Context, olderThan time.Duration) (int, error)
}
