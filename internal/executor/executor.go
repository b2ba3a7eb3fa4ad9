package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/shipmate-io/shipmate/internal/envfile"
	"github.com/shipmate-io/shipmate/internal/models"
	"github.com/shipmate-io/shipmate/internal/secrets"
	"github.com/shipmate-io/shipmate/internal/store"
)

// Errors returned by the executor.
var (
	// ErrProbeFailed is returned when the unit never reported running with a
	// new process identity inside the probe window.
	ErrProbeFailed = errors.New("readiness probe failed")
	// ErrNoRevertTarget is returned when a probe fails and no previously
	// live release exists to revert to.
	ErrNoRevertTarget = errors.New("no previous release to revert to")
)

// stepError marks a pipeline step that exited non-zero.
type stepError struct {
	step     string
	exitCode int
	stderr   string
}

func (e *stepError) Error() string {
	return fmt.Sprintf("step %s exited %d: %s", e.step, e.exitCode, e.stderr)
}

// Config holds executor timing configuration.
type Config struct {
	// StepTimeout bounds each remote command.
	StepTimeout time.Duration
	// ProbeInterval is the delay between readiness probe attempts.
	ProbeInterval time.Duration
	// ProbeWindow bounds the whole readiness probe.
	ProbeWindow time.Duration
	// AgentSocket is the path of the host agent's control socket.
	AgentSocket string
}

// DefaultConfig returns default executor timing values.
func DefaultConfig() *Config {
	return &Config{
		StepTimeout:   2 * time.Minute,
		ProbeInterval: 2 * time.Second,
		ProbeWindow:   90 * time.Second,
		AgentSocket:   "/run/shipmate/agent.sock",
	}
}

// Executor applies a release to a deploy target over a remote session.
//
// The pipeline is an ordered state machine: connecting, fetching, restarting,
// probing. Each phase is a precondition for the next, and a failed probe
// takes an explicit revert transition back to the previously live release
// instead of leaving the host in an unverified state.
type Executor struct {
	store   store.Store
	dialer  Dialer
	secrets *secrets.Service
	cfg     *Config
	logger  *slog.Logger
}

// New creates a deploy executor. The secrets service may be nil when the
// control plane holds no decryption key; env rendering is skipped then.
func New(st store.Store, dialer Dialer, sec *secrets.Service, cfg *Config, logger *slog.Logger) *Executor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:   st,
		dialer:  dialer,
		secrets: sec,
		cfg:     cfg,
		logger:  logger,
	}
}

// Execute runs the full deploy pipeline for a dequeued job.
func (e *Executor) Execute(ctx context.Context, job *models.DeployJob) error {
	run, err := e.store.Runs().Get(ctx, job.RunID)
	if err != nil {
		return fmt.Errorf("loading run %s: %w", job.RunID, err)
	}
	target, err := e.store.Targets().Get(ctx, job.TargetID)
	if err != nil {
		return e.fail(ctx, run, fmt.Errorf("loading target %s: %w", job.TargetID, err))
	}

	logger := e.logger.With("run_id", run.ID, "target_id", target.ID, "commit", run.Commit)
	logger.Info("starting deploy run")

	now := time.Now().UTC()
	run.StartedAt = &now

	// The revert destination is whatever was live before this run.
	if prev, err := e.store.Runs().GetLastLive(ctx, target.ID); err == nil {
		run.PrevCommit = prev.Commit
	}

	if err := e.transition(ctx, run, models.RunStatusConnecting); err != nil {
		return err
	}

	runner, err := e.dialer.Dial(ctx, target)
	if err != nil {
		return e.fail(ctx, run, fmt.Errorf("opening remote session: %w", err))
	}
	defer runner.Close()

	agent := &agentClient{runner: runner, socket: e.cfg.AgentSocket, unit: target.UnitName}

	// Capture the pre-deploy process identity. If anything fails before the
	// restart lands, this is the identity that must still be running.
	if status, err := agent.Status(ctx); err == nil {
		run.PreDeployStartedAt = status.StartedAt
	} else {
		logger.Debug("pre-deploy status unavailable", "error", err)
	}

	if err := e.transition(ctx, run, models.RunStatusFetching); err != nil {
		return err
	}
	if err := e.fetch(ctx, run, runner, target, run.Commit); err != nil {
		return e.fail(ctx, run, err)
	}

	if err := e.renderEnv(ctx, run, runner, target); err != nil {
		return e.fail(ctx, run, err)
	}

	if err := e.transition(ctx, run, models.RunStatusRestarting); err != nil {
		return err
	}
	if err := e.restart(ctx, run, agent, "restart"); err != nil {
		return e.fail(ctx, run, err)
	}

	if err := e.transition(ctx, run, models.RunStatusProbing); err != nil {
		return err
	}
	if err := e.waitForReady(ctx, agent, run.PreDeployStartedAt); err == nil {
		logger.Info("deploy run live")
		return e.finish(ctx, run, models.RunStatusLive)
	}

	// Probe failed: revert to the previously live release.
	logger.Warn("readiness probe failed, reverting", "prev_commit", run.PrevCommit)
	if run.PrevCommit == "" {
		return e.fail(ctx, run, ErrNoRevertTarget)
	}

	if err := e.transition(ctx, run, models.RunStatusReverting); err != nil {
		return err
	}
	if err := e.fetch(ctx, run, runner, target, run.PrevCommit); err != nil {
		return e.fail(ctx, run, fmt.Errorf("revert checkout: %w", err))
	}
	if err := e.restart(ctx, run, agent, "revert-restart"); err != nil {
		return e.fail(ctx, run, fmt.Errorf("revert restart: %w", err))
	}
	if err := e.waitForReady(ctx, agent, run.PreDeployStartedAt); err != nil {
		return e.fail(ctx, run, fmt.Errorf("revert probe: %w", err))
	}

	logger.Info("previous release restored")
	run.Error = ErrProbeFailed.Error()
	return e.finish(ctx, run, models.RunStatusReverted)
}

// fetch checks the given commit out into the target's workdir.
func (e *Executor) fetch(ctx context.Context, run *models.DeployRun, runner CommandRunner, target *models.DeployTarget, commit string) error {
	fetchCmd := fmt.Sprintf("cd %s && git fetch --prune origin %s",
		shellQuote(target.WorkDir), shellQuote(target.Branch))
	if err := e.runStep(ctx, run, runner, "fetch", fetchCmd, nil); err != nil {
		return err
	}

	checkoutCmd := fmt.Sprintf("cd %s && git checkout --force %s",
		shellQuote(target.WorkDir), shellQuote(commit))
	return e.runStep(ctx, run, runner, "checkout", checkoutCmd, nil)
}

// renderEnv decrypts the target's secrets bundle and writes it to the env
// file on the host, owner-only. Secrets never pass through the CI trigger;
// they move control-plane to host over the deploy session only.
func (e *Executor) renderEnv(ctx context.Context, run *models.DeployRun, runner CommandRunner, target *models.DeployTarget) error {
	if e.secrets == nil || !e.secrets.CanDecrypt() {
		return nil
	}

	bundle, err := e.store.Secrets().GetAll(ctx, target.ID)
	if err != nil {
		return fmt.Errorf("loading secrets: %w", err)
	}
	if len(bundle) == 0 {
		return nil
	}

	vars, err := e.secrets.DecryptBundle(ctx, bundle)
	if err != nil {
		return fmt.Errorf("decrypting secrets: %w", err)
	}

	envPath := path.Join(target.WorkDir, ".env")
	cmd := fmt.Sprintf("install -m 600 /dev/stdin %s", shellQuote(envPath))
	return e.runStep(ctx, run, runner, "render-env", cmd, []byte(envfile.Render(vars)))
}

// restart issues the restart through the host agent.
func (e *Executor) restart(ctx context.Context, run *models.DeployRun, agent *agentClient, stepName string) error {
	stepCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
	defer cancel()

	started := time.Now().UTC()
	result, err := agent.Restart(stepCtx)
	if err != nil {
		return fmt.Errorf("issuing restart: %w", err)
	}

	e.recordStep(ctx, run, models.StepResult{
		Name:       stepName,
		Command:    "agent restart " + agent.unit,
		ExitCode:   result.ExitCode,
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
	})

	if result.ExitCode != 0 {
		return &stepError{step: stepName, exitCode: result.ExitCode, stderr: result.Stderr}
	}
	return nil
}

// runStep executes one remote command and records its transcript on the run.
func (e *Executor) runStep(ctx context.Context, run *models.DeployRun, runner CommandRunner, name, command string, stdin []byte) error {
	stepCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
	defer cancel()

	started := time.Now().UTC()
	result, err := runner.Run(stepCtx, command, stdin)
	if err != nil {
		return fmt.Errorf("running step %s: %w", name, err)
	}

	e.recordStep(ctx, run, models.StepResult{
		Name:       name,
		Command:    command,
		ExitCode:   result.ExitCode,
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
	})

	if result.ExitCode != 0 {
		return &stepError{step: name, exitCode: result.ExitCode, stderr: result.Stderr}
	}
	return nil
}

func (e *Executor) recordStep(ctx context.Context, run *models.DeployRun, step models.StepResult) {
	run.Steps = append(run.Steps, step)

	entry := &models.LogEntry{
		ID:        uuid.New().String(),
		TargetID:  run.TargetID,
		RunID:     run.ID,
		Source:    models.LogSourceExecutor,
		Line:      fmt.Sprintf("step %s exit=%d", step.Name, step.ExitCode),
		Timestamp: step.FinishedAt,
	}
	if err := e.store.Logs().Create(ctx, entry); err != nil {
		e.logger.Warn("failed to persist step log", "run_id", run.ID, "error", err)
	}
}

// waitForReady polls the agent until the unit reports running with a process
// started after the pre-deploy identity, or the probe window closes.
func (e *Executor) waitForReady(ctx context.Context, agent *agentClient, preDeploy *time.Time) error {
	deadline := time.Now().Add(e.cfg.ProbeWindow)
	ticker := time.NewTicker(e.cfg.ProbeInterval)
	defer ticker.Stop()

	var lastErr error
	attempts := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			attempts++
			if time.Now().After(deadline) {
				if lastErr != nil {
					return fmt.Errorf("%w after %d attempts: %v", ErrProbeFailed, attempts, lastErr)
				}
				return fmt.Errorf("%w after %d attempts", ErrProbeFailed, attempts)
			}

			status, err := agent.Status(ctx)
			if err != nil {
				lastErr = err
				continue
			}

			if status.State != models.UnitStateRunning || status.StartedAt == nil {
				continue
			}
			// A restart that never landed leaves the old identity running;
			// that must not count as ready.
			if preDeploy != nil && !status.StartedAt.After(*preDeploy) {
				continue
			}
			return nil
		}
	}
}

// transition moves the run to the next pipeline state and persists it.
func (e *Executor) transition(ctx context.Context, run *models.DeployRun, next models.RunStatus) error {
	if !run.Status.CanTransition(next) {
		return fmt.Errorf("invalid run transition %s -> %s", run.Status, next)
	}
	run.Status = next
	if err := e.store.Runs().Update(ctx, run); err != nil {
		return fmt.Errorf("persisting run state %s: %w", next, err)
	}
	return nil
}

// finish moves the run to a terminal success state.
func (e *Executor) finish(ctx context.Context, run *models.DeployRun, terminal models.RunStatus) error {
	now := time.Now().UTC()
	run.FinishedAt = &now
	return e.transition(ctx, run, terminal)
}

// fail marks the run failed with the causing error and returns that error.
func (e *Executor) fail(ctx context.Context, run *models.DeployRun, cause error) error {
	e.logger.Error("deploy run failed", "run_id", run.ID, "status", run.Status, "error", cause)

	run.Error = cause.Error()
	now := time.Now().UTC()
	run.FinishedAt = &now
	run.Status = models.RunStatusFailed
	if err := e.store.Runs().Update(ctx, run); err != nil {
		e.logger.Error("failed to persist failed run", "run_id", run.ID, "error", err)
	}
	return cause
}
