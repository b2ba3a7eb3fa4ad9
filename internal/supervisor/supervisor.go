// Package supervisor manages the lifecycle of a single long-running process.
//
// The state machine is {stopped, starting, running, crash-looping}: a started
// process is starting until it survives the detection window, an exit inside
// that window (or faster than the backoff interval) marks the unit
// crash-looping, and the supervisor keeps retrying at a fixed delay for as
// long as the unit is wanted up.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shipmate-io/shipmate/internal/envfile"
	"github.com/shipmate-io/shipmate/internal/logs"
	"github.com/shipmate-io/shipmate/internal/models"
)

// Errors returned by supervisor operations.
var (
	// ErrAlreadyStarted is returned when starting a unit that is not stopped.
	ErrAlreadyStarted = errors.New("unit already started")
	// ErrNotStarted is returned when stopping a unit that is stopped.
	ErrNotStarted = errors.New("unit not started")
)

const (
	defaultDetectionWindow = 1 * time.Second
	defaultBackoff         = 2 * time.Second
	defaultStopGrace       = 5 * time.Second
	defaultLogBufferLines  = 1000
)

// Supervisor owns one service unit's process lifecycle.
type Supervisor struct {
	unit   models.ServiceUnit
	broker *logs.Broker
	logger *slog.Logger

	// StopGrace is how long a stopped process gets between SIGTERM and SIGKILL.
	StopGrace time.Duration

	mu        sync.Mutex
	state     models.UnitState
	desired   bool
	enabled   bool
	pid       int
	startedAt *time.Time
	lastExit  *int
	restarts  int
	cancel    context.CancelFunc
	done      chan struct{}

	buf *ringBuffer
}

// New creates a supervisor for the given unit. Zero timing fields on the
// unit fall back to defaults.
func New(unit models.ServiceUnit, broker *logs.Broker, bufferLines int, logger *slog.Logger) *Supervisor {
	if unit.DetectionWindow <= 0 {
		unit.DetectionWindow = defaultDetectionWindow
	}
	if unit.BackoffInterval <= 0 {
		unit.BackoffInterval = defaultBackoff
	}
	if !unit.Restart.IsValid() {
		unit.Restart = models.RestartAlways
	}
	if bufferLines <= 0 {
		bufferLines = defaultLogBufferLines
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		unit:      unit,
		broker:    broker,
		logger:    logger.With("unit", unit.Name),
		StopGrace: defaultStopGrace,
		state:     models.UnitStateStopped,
		buf:       newRingBuffer(bufferLines),
	}
}

// Unit returns the supervised unit's declaration.
func (s *Supervisor) Unit() models.ServiceUnit {
	return s.unit
}

// Start brings the unit up. It returns once the run loop is launched; the
// starting -> running transition happens after the detection window.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.desired {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.desired = true
	s.setStateLocked(models.UnitStateStarting)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	s.event("start requested")
	go s.loop(ctx, done)
	return nil
}

// Stop brings the unit down and waits until the process is gone.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if !s.desired {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.desired = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	s.event("stop requested")
	cancel()
	<-done
	return nil
}

// Restart bounces the unit. A stopped unit is simply started.
func (s *Supervisor) Restart() error {
	if err := s.Stop(); err != nil && !errors.Is(err, ErrNotStarted) {
		return err
	}
	return s.Start()
}

// Enable marks the unit to be started when the agent boots.
func (s *Supervisor) Enable() {
	s.mu.Lock()
	s.enabled = true
	s.mu.Unlock()
}

// Disable clears the boot-start mark.
func (s *Supervisor) Disable() {
	s.mu.Lock()
	s.enabled = false
	s.mu.Unlock()
}

// Status returns a snapshot of the unit's current state.
func (s *Supervisor) Status() *models.UnitStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := &models.UnitStatus{
		Name:     s.unit.Name,
		State:    s.state,
		PID:      s.pid,
		Restarts: s.restarts,
		Enabled:  s.enabled,
		AsOf:     time.Now().UTC(),
	}
	if s.startedAt != nil {
		t := *s.startedAt
		status.StartedAt = &t
	}
	if s.lastExit != nil {
		c := *s.lastExit
		status.LastExitCode = &c
	}
	return status
}

// Tail returns the last n buffered process log lines, oldest first.
// n <= 0 returns everything buffered.
func (s *Supervisor) Tail(n int) []string {
	return s.buf.Tail(n)
}

// loop launches the process and keeps it alive per the restart policy until
// the context is canceled or the policy says stop.
func (s *Supervisor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		cmd, err := s.launch()
		if err != nil {
			s.event(fmt.Sprintf("launch failed: %v", err))
			s.recordExit(-1)
			if !s.backoffOrStop(ctx, true) {
				return
			}
			continue
		}
		launchedAt := time.Now()

		exitCh := make(chan error, 1)
		go func() { exitCh <- cmd.Wait() }()

		var exitErr error
		detection := time.NewTimer(s.unit.DetectionWindow)
		select {
		case <-ctx.Done():
			detection.Stop()
			s.terminate(cmd, exitCh)
			s.setStopped()
			return
		case exitErr = <-exitCh:
			detection.Stop()
		case <-detection.C:
			s.setState(models.UnitStateRunning)
			s.event("running")
			select {
			case <-ctx.Done():
				s.terminate(cmd, exitCh)
				s.setStopped()
				return
			case exitErr = <-exitCh:
			}
		}

		lifetime := time.Since(launchedAt)
		code := exitCode(exitErr)
		s.recordExit(code)
		s.event(fmt.Sprintf("exited code=%d after %s", code, lifetime.Round(time.Millisecond)))

		if !s.shouldRestart(code) {
			s.setStopped()
			return
		}

		// An exit faster than the backoff interval is a crash loop. The
		// retry delay stays constant either way.
		if !s.backoffOrStop(ctx, lifetime < s.unit.BackoffInterval) {
			return
		}
	}
}

// launch starts the process and wires log capture.
func (s *Supervisor) launch() (*exec.Cmd, error) {
	env := os.Environ()
	if s.unit.EnvFile != "" {
		vars, err := envfile.Load(s.unit.EnvFile)
		if err != nil {
			return nil, fmt.Errorf("loading env file: %w", err)
		}
		for k, v := range vars {
			env = append(env, k+"="+v)
		}
	}

	cmd := exec.Command(s.unit.ExecPath, s.unit.Args...)
	cmd.Dir = s.unit.WorkDir
	cmd.Env = env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting process: %w", err)
	}

	go s.capture(stdout)
	go s.capture(stderr)

	now := time.Now().UTC()
	s.mu.Lock()
	s.pid = cmd.Process.Pid
	s.startedAt = &now
	s.setStateLocked(models.UnitStateStarting)
	s.mu.Unlock()

	s.logger.Info("process launched", "pid", cmd.Process.Pid)
	return cmd, nil
}

// capture reads process output into the ring buffer and the broker.
func (s *Supervisor) capture(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		s.buf.Append(line)
		s.publish(models.LogSourceProcess, line)
	}
}

// terminate asks the process to exit and kills it after the grace period.
func (s *Supervisor) terminate(cmd *exec.Cmd, exitCh <-chan error) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(os.Interrupt)
	select {
	case <-exitCh:
	case <-time.After(s.StopGrace):
		_ = cmd.Process.Kill()
		<-exitCh
	}
}

// backoffOrStop waits the fixed backoff delay before the next launch attempt.
// It returns false when the unit should stop instead.
func (s *Supervisor) backoffOrStop(ctx context.Context, crashLooping bool) bool {
	if crashLooping {
		s.setState(models.UnitStateCrashLooping)
		s.event("crash-looping, retrying at fixed interval")
	}
	s.mu.Lock()
	s.restarts++
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		s.setStopped()
		return false
	case <-time.After(s.unit.BackoffInterval):
		return true
	}
}

func (s *Supervisor) shouldRestart(code int) bool {
	s.mu.Lock()
	desired := s.desired
	s.mu.Unlock()
	if !desired {
		return false
	}
	if s.unit.Restart == models.RestartOnFailure && code == 0 {
		return false
	}
	return true
}

func (s *Supervisor) recordExit(code int) {
	s.mu.Lock()
	s.lastExit = &code
	s.pid = 0
	s.startedAt = nil
	s.mu.Unlock()
}

func (s *Supervisor) setStopped() {
	s.mu.Lock()
	s.desired = false
	s.pid = 0
	s.startedAt = nil
	s.setStateLocked(models.UnitStateStopped)
	s.mu.Unlock()
	s.event("stopped")
}

func (s *Supervisor) setState(next models.UnitState) {
	s.mu.Lock()
	s.setStateLocked(next)
	s.mu.Unlock()
}

func (s *Supervisor) setStateLocked(next models.UnitState) {
	if s.state == next {
		return
	}
	if !s.state.CanTransition(next) {
		s.logger.Warn("unexpected unit transition", "from", s.state, "to", next)
	}
	s.state = next
}

func (s *Supervisor) event(line string) {
	s.logger.Debug(line)
	s.publish(models.LogSourceSupervisor, line)
}

func (s *Supervisor) publish(source, line string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&models.LogEntry{
		ID:        uuid.New().String(),
		UnitName:  s.unit.Name,
		Source:    source,
		Line:      line,
		Timestamp: time.Now().UTC(),
	})
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
