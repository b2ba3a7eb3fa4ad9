// Package worker runs the deploy worker pool: it drains the job queue and
// hands each job to the executor.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/shipmate-io/shipmate/internal/models"
	"github.com/shipmate-io/shipmate/internal/queue"
)

// Executor applies one deploy job to its target.
type Executor interface {
	Execute(ctx context.Context, job *models.DeployJob) error
}

// Config holds worker pool configuration.
type Config struct {
	// Concurrency is the number of jobs processed in parallel. The queue
	// never hands two jobs for the same target out at once, so this only
	// parallelizes across targets.
	Concurrency int
	// PollInterval is how long an idle worker sleeps between dequeues.
	PollInterval time.Duration
	// RunTimeout bounds one whole deploy run.
	RunTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Concurrency:  4,
		PollInterval: time.Second,
		RunTimeout:   10 * time.Minute,
	}
}

// Worker processes deploy jobs from the queue.
type Worker struct {
	queue    queue.Queue
	executor Executor
	logger   *slog.Logger

	concurrency  int
	pollInterval time.Duration
	runTimeout   time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a new deploy worker pool.
func New(cfg *Config, q queue.Queue, exec Executor, logger *slog.Logger) *Worker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:        q,
		executor:     exec,
		logger:       logger,
		concurrency:  cfg.Concurrency,
		pollInterval: cfg.PollInterval,
		runTimeout:   cfg.RunTimeout,
		stopCh:       make(chan struct{}),
	}
}

// Start spawns the worker goroutines. It does not block.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("starting deploy worker", "concurrency", w.concurrency)

	// Jobs left processing by a worker that died before acking would block
	// their target's queue forever. Reclaim them before polling begins, and
	// keep reclaiming while running.
	w.reclaim(ctx)
	w.wg.Add(1)
	go w.reclaimLoop(ctx)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.loop(ctx, i)
	}
	return nil
}

func (w *Worker) reclaimLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.runTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.reclaim(ctx)
		}
	}
}

func (w *Worker) reclaim(ctx context.Context) {
	n, err := w.queue.Reclaim(ctx, w.runTimeout)
	if err != nil {
		w.logger.Error("failed to reclaim stale jobs", "error", err)
		return
	}
	if n > 0 {
		w.logger.Warn("requeued stale deploy jobs", "count", n)
	}
}

// Stop stops the pool and waits for in-progress deploys to finish.
func (w *Worker) Stop() {
	w.logger.Info("stopping deploy worker")
	close(w.stopCh)
	w.wg.Wait()
	w.logger.Info("deploy worker stopped")
}

func (w *Worker) loop(ctx context.Context, workerID int) {
	defer w.wg.Done()

	logger := w.logger.With("worker_id", workerID)
	logger.Debug("worker started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrNoJobs) {
				w.sleep(ctx, w.pollInterval)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to dequeue job", "error", err)
			w.sleep(ctx, 5*w.pollInterval)
			continue
		}

		w.process(ctx, logger, job)
	}
}

func (w *Worker) process(ctx context.Context, logger *slog.Logger, job *models.DeployJob) {
	logger.Info("processing deploy job",
		"job_id", job.ID,
		"run_id", job.RunID,
		"target_id", job.TargetID,
		"commit", job.Commit,
	)

	runCtx, cancel := context.WithTimeout(ctx, w.runTimeout)
	err := w.executor.Execute(runCtx, job)
	cancel()

	if err != nil {
		// The executor already recorded the failure on the run; the job is
		// done either way, so never requeue a failed deploy.
		logger.Error("deploy run failed", "job_id", job.ID, "run_id", job.RunID, "error", err)
	}

	if ackErr := w.queue.Ack(ctx, job.ID); ackErr != nil {
		logger.Error("failed to ack job", "job_id", job.ID, "error", ackErr)
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-w.stopCh:
	}
}
