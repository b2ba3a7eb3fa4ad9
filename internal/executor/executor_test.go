package executor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shipmate-io/shipmate/internal/models"
	"github.com/shipmate-io/shipmate/internal/secrets"
	"github.com/shipmate-io/shipmate/internal/store"
	"github.com/shipmate-io/shipmate/internal/store/postgres"
)

// fakeHost plays the remote side of a deploy: a git checkout, the agent
// socket, and the supervised process. Commands are dispatched on their shape.
type fakeHost struct {
	mu         sync.Mutex
	commit     string // currently checked out commit
	badCommit  string // commit whose process crashes after restart
	failFetch  bool
	status     models.UnitStatus
	commands   []string
	nftScripts []string
	envWrites  []string
}

func newFakeHost(initialCommit string, preStarted time.Time) *fakeHost {
	return &fakeHost{
		commit: initialCommit,
		status: models.UnitStatus{
			Name:      "app",
			State:     models.UnitStateRunning,
			PID:       4242,
			StartedAt: &preStarted,
			Enabled:   true,
		},
	}
}

func (h *fakeHost) Dial(_ context.Context, _ *models.DeployTarget) (CommandRunner, error) {
	return h, nil
}

func (h *fakeHost) Close() error { return nil }

func (h *fakeHost) Run(_ context.Context, command string, stdin []byte) (*CommandResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = append(h.commands, command)

	switch {
	case strings.Contains(command, "git fetch"):
		if h.failFetch {
			return &CommandResult{ExitCode: 1, Stderr: "fatal: could not read from remote repository"}, nil
		}
		return &CommandResult{}, nil

	case strings.Contains(command, "git checkout"):
		fields := strings.Fields(command)
		h.commit = strings.Trim(fields[len(fields)-1], "'")
		return &CommandResult{}, nil

	case strings.Contains(command, "install -m 600"):
		h.envWrites = append(h.envWrites, string(stdin))
		return &CommandResult{}, nil

	case strings.Contains(command, "nft -f"):
		h.nftScripts = append(h.nftScripts, string(stdin))
		return &CommandResult{}, nil

	case strings.Contains(command, "-X POST") && strings.Contains(command, "/restart"):
		h.status.Restarts++
		if h.commit == h.badCommit {
			h.status.State = models.UnitStateCrashLooping
			h.status.StartedAt = nil
			h.status.PID = 0
		} else {
			now := time.Now().UTC()
			h.status.State = models.UnitStateRunning
			h.status.StartedAt = &now
			h.status.PID = 4242 + h.status.Restarts
		}
		return &CommandResult{}, nil

	case strings.Contains(command, "--unix-socket"):
		h.status.AsOf = time.Now().UTC()
		data, err := json.Marshal(h.status)
		if err != nil {
			return nil, err
		}
		return &CommandResult{Stdout: string(data)}, nil
	}

	return &CommandResult{ExitCode: 127, Stderr: "unknown command"}, nil
}

// failingDialer refuses every connection.
type failingDialer struct{}

func (failingDialer) Dial(_ context.Context, _ *models.DeployTarget) (CommandRunner, error) {
	return nil, errors.New("connection refused")
}

// memStore is an in-memory store.Store for executor tests.
type memStore struct {
	targets map[string]*models.DeployTarget
	runs    map[string]*models.DeployRun
	secrets map[string][]byte
	logs    []*models.LogEntry
}

func newMemStore() *memStore {
	return &memStore{
		targets: make(map[string]*models.DeployTarget),
		runs:    make(map[string]*models.DeployRun),
		secrets: make(map[string][]byte),
	}
}

type memTargets struct{ s *memStore }

func (m memTargets) Create(_ context.Context, t *models.DeployTarget) error {
	m.s.targets[t.ID] = t
	return nil
}

func (m memTargets) Get(_ context.Context, id string) (*models.DeployTarget, error) {
	if t, ok := m.s.targets[id]; ok {
		return t, nil
	}
	return nil, postgres.ErrNotFound
}

func (m memTargets) GetByName(_ context.Context, _ string) (*models.DeployTarget, error) {
	return nil, postgres.ErrNotFound
}

func (m memTargets) List(_ context.Context) ([]*models.DeployTarget, error) { return nil, nil }
func (m memTargets) Update(_ context.Context, _ *models.DeployTarget) error { return nil }
func (m memTargets) Delete(_ context.Context, _ string) error               { return nil }

type memRuns struct{ s *memStore }

func (m memRuns) Create(_ context.Context, r *models.DeployRun) error {
	m.s.runs[r.ID] = r
	return nil
}

func (m memRuns) Get(_ context.Context, id string) (*models.DeployRun, error) {
	if r, ok := m.s.runs[id]; ok {
		return r, nil
	}
	return nil, postgres.ErrNotFound
}

func (m memRuns) List(_ context.Context, _ string, _ int) ([]*models.DeployRun, error) {
	return nil, nil
}

func (m memRuns) ListByStatus(_ context.Context, _ models.RunStatus) ([]*models.DeployRun, error) {
	return nil, nil
}

func (m memRuns) Update(_ context.Context, r *models.DeployRun) error {
	m.s.runs[r.ID] = r
	return nil
}

func (m memRuns) GetLastLive(_ context.Context, targetID string) (*models.DeployRun, error) {
	var last *models.DeployRun
	for _, r := range m.s.runs {
		if r.TargetID == targetID && r.Status == models.RunStatusLive {
			if last == nil || r.CreatedAt.After(last.CreatedAt) {
				last = r
			}
		}
	}
	if last == nil {
		return nil, postgres.ErrNotFound
	}
	return last, nil
}

type memSecrets struct{ s *memStore }

func (m memSecrets) Set(_ context.Context, _, key string, v []byte) error {
	m.s.secrets[key] = v
	return nil
}

func (m memSecrets) Get(_ context.Context, _, key string) ([]byte, error) {
	if v, ok := m.s.secrets[key]; ok {
		return v, nil
	}
	return nil, postgres.ErrNotFound
}

func (m memSecrets) List(_ context.Context, _ string) ([]string, error)  { return nil, nil }
func (m memSecrets) Delete(_ context.Context, _, _ string) error         { return nil }
func (m memSecrets) GetAll(_ context.Context, _ string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(m.s.secrets))
	for k, v := range m.s.secrets {
		out[k] = v
	}
	return out, nil
}

type memLogs struct{ s *memStore }

func (m memLogs) Create(_ context.Context, e *models.LogEntry) error {
	m.s.logs = append(m.s.logs, e)
	return nil
}

func (m memLogs) List(_ context.Context, _ string, _ int) ([]*models.LogEntry, error) {
	return m.s.logs, nil
}

func (m memLogs) ListByRun(_ context.Context, _ string) ([]*models.LogEntry, error) {
	return m.s.logs, nil
}

func (m memLogs) DeleteOlderThan(_ context.Context, _ string, _ int64) error { return nil }

func (s *memStore) Targets() store.TargetStore    { return memTargets{s} }
func (s *memStore) Releases() store.ReleaseStore  { return nil }
func (s *memStore) Runs() store.RunStore          { return memRuns{s} }
func (s *memStore) Secrets() store.SecretStore    { return memSecrets{s} }
func (s *memStore) Logs() store.LogStore          { return memLogs{s} }
func (s *memStore) Settings() store.SettingsStore { return nil }
func (s *memStore) Close() error                  { return nil }

func (s *memStore) WithTx(_ context.Context, fn func(store.Store) error) error {
	return fn(s)
}

func testConfig() *Config {
	return &Config{
		StepTimeout:   time.Second,
		ProbeInterval: 2 * time.Millisecond,
		ProbeWindow:   100 * time.Millisecond,
		AgentSocket:   "/run/shipmate/agent.sock",
	}
}

func seed(st *memStore, commit string) (*models.DeployTarget, *models.DeployRun, *models.DeployJob) {
	target := &models.DeployTarget{
		ID:          "tgt-1",
		Name:        "api",
		Host:        "203.0.113.10",
		SSHPort:     22,
		SSHUser:     "deploy",
		WorkDir:     "/srv/app",
		UnitName:    "app",
		Branch:      "main",
		BackendPort: 5000,
	}
	run := &models.DeployRun{
		ID:        "run-1",
		TargetID:  target.ID,
		ReleaseID: "rel-1",
		Commit:    commit,
		Status:    models.RunStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	job := &models.DeployJob{
		ID:       "job-1",
		RunID:    run.ID,
		TargetID: target.ID,
		Commit:   commit,
	}
	st.targets[target.ID] = target
	st.runs[run.ID] = run
	return target, run, job
}

func TestExecuteSuccessReachesLive(t *testing.T) {
	st := newMemStore()
	_, _, job := seed(st, "newcommit")

	preStarted := time.Now().UTC().Add(-time.Hour)
	host := newFakeHost("oldcommit", preStarted)
	exec := New(st, host, nil, testConfig(), nil)

	if err := exec.Execute(context.Background(), job); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	run := st.runs[job.RunID]
	if run.Status != models.RunStatusLive {
		t.Fatalf("expected live, got %s (error: %s)", run.Status, run.Error)
	}
	if run.PreDeployStartedAt == nil || !run.PreDeployStartedAt.Equal(preStarted) {
		t.Errorf("pre-deploy identity not captured: %v", run.PreDeployStartedAt)
	}
	if run.FinishedAt == nil {
		t.Error("finished run has no FinishedAt")
	}
	if host.commit != "newcommit" {
		t.Errorf("host is on %q, want newcommit", host.commit)
	}

	names := run.StepNames()
	want := []string{"fetch", "checkout", "restart"}
	if len(names) != len(want) {
		t.Fatalf("steps %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("step %d = %q, want %q", i, names[i], want[i])
		}
	}
	if len(st.logs) == 0 {
		t.Error("no executor step logs persisted")
	}
}

func TestExecuteFetchFailureLeavesOldRelease(t *testing.T) {
	st := newMemStore()
	_, _, job := seed(st, "newcommit")

	preStarted := time.Now().UTC().Add(-time.Hour)
	host := newFakeHost("oldcommit", preStarted)
	host.failFetch = true
	exec := New(st, host, nil, testConfig(), nil)

	err := exec.Execute(context.Background(), job)
	if err == nil {
		t.Fatal("expected error")
	}
	var stepErr *stepError
	if !errors.As(err, &stepErr) || stepErr.step != "fetch" {
		t.Fatalf("expected fetch step error, got %v", err)
	}

	run := st.runs[job.RunID]
	if run.Status != models.RunStatusFailed {
		t.Fatalf("expected failed, got %s", run.Status)
	}

	// The old process identity must be untouched: no restart was issued.
	if host.commit != "oldcommit" {
		t.Errorf("workdir moved to %q on a failed fetch", host.commit)
	}
	if host.status.StartedAt == nil || !host.status.StartedAt.Equal(preStarted) {
		t.Errorf("process identity changed: %v", host.status.StartedAt)
	}
	if host.status.Restarts != 0 {
		t.Errorf("restart issued on failed fetch: %d", host.status.Restarts)
	}
}

func TestExecuteConnectFailure(t *testing.T) {
	st := newMemStore()
	_, _, job := seed(st, "newcommit")

	exec := New(st, failingDialer{}, nil, testConfig(), nil)

	if err := exec.Execute(context.Background(), job); err == nil {
		t.Fatal("expected error")
	}

	run := st.runs[job.RunID]
	if run.Status != models.RunStatusFailed {
		t.Fatalf("expected failed, got %s", run.Status)
	}
	if !strings.Contains(run.Error, "remote session") {
		t.Errorf("error %q does not name the session failure", run.Error)
	}
}

func TestExecuteProbeFailureRevertsToPrevious(t *testing.T) {
	st := newMemStore()
	target, _, job := seed(st, "badcommit")

	// A previously live run establishes the revert destination.
	st.runs["run-0"] = &models.DeployRun{
		ID:        "run-0",
		TargetID:  target.ID,
		Commit:    "goodcommit",
		Status:    models.RunStatusLive,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}

	preStarted := time.Now().UTC().Add(-time.Hour)
	host := newFakeHost("goodcommit", preStarted)
	host.badCommit = "badcommit"
	exec := New(st, host, nil, testConfig(), nil)

	if err := exec.Execute(context.Background(), job); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	run := st.runs[job.RunID]
	if run.Status != models.RunStatusReverted {
		t.Fatalf("expected reverted, got %s (error: %s)", run.Status, run.Error)
	}
	if host.commit != "goodcommit" {
		t.Errorf("host is on %q after revert, want goodcommit", host.commit)
	}
	if host.status.State != models.UnitStateRunning {
		t.Errorf("unit is %s after revert, want running", host.status.State)
	}
	if run.PrevCommit != "goodcommit" {
		t.Errorf("PrevCommit = %q, want goodcommit", run.PrevCommit)
	}
	if !strings.Contains(run.Error, "probe") {
		t.Errorf("reverted run should record the probe failure, got %q", run.Error)
	}
}

func TestExecuteProbeFailureWithoutPrevious(t *testing.T) {
	st := newMemStore()
	_, _, job := seed(st, "badcommit")

	host := newFakeHost("oldcommit", time.Now().UTC().Add(-time.Hour))
	host.badCommit = "badcommit"
	exec := New(st, host, nil, testConfig(), nil)

	err := exec.Execute(context.Background(), job)
	if !errors.Is(err, ErrNoRevertTarget) {
		t.Fatalf("expected ErrNoRevertTarget, got %v", err)
	}
	if st.runs[job.RunID].Status != models.RunStatusFailed {
		t.Fatalf("expected failed, got %s", st.runs[job.RunID].Status)
	}
}

func TestExecuteRendersEnvFromSecrets(t *testing.T) {
	pub, priv, err := secrets.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	svc, err := secrets.NewService(&secrets.Config{AgePublicKey: pub, AgePrivateKey: priv}, nil)
	if err != nil {
		t.Fatal(err)
	}

	st := newMemStore()
	_, _, job := seed(st, "newcommit")

	ctx := context.Background()
	enc, err := svc.Encrypt(ctx, []byte("hunter2"))
	if err != nil {
		t.Fatal(err)
	}
	st.secrets["API_KEY"] = enc

	host := newFakeHost("oldcommit", time.Now().UTC().Add(-time.Hour))
	exec := New(st, host, svc, testConfig(), nil)

	if err := exec.Execute(ctx, job); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(host.envWrites) != 1 {
		t.Fatalf("expected 1 env write, got %d", len(host.envWrites))
	}
	if !strings.Contains(host.envWrites[0], "API_KEY=hunter2") {
		t.Errorf("env file missing decrypted secret: %q", host.envWrites[0])
	}

	run := st.runs[job.RunID]
	names := run.StepNames()
	found := false
	for _, n := range names {
		if n == "render-env" {
			found = true
		}
	}
	if !found {
		t.Errorf("render-env step not recorded: %v", names)
	}
}

func TestApplyFirewall(t *testing.T) {
	st := newMemStore()
	target, _, _ := seed(st, "newcommit")

	host := newFakeHost("oldcommit", time.Now().UTC())
	exec := New(st, host, nil, testConfig(), nil)

	if err := exec.ApplyFirewall(context.Background(), target); err != nil {
		t.Fatalf("ApplyFirewall: %v", err)
	}

	if len(host.nftScripts) != 1 {
		t.Fatalf("expected 1 nft script, got %d", len(host.nftScripts))
	}
	script := host.nftScripts[0]
	if !strings.Contains(script, "tcp dport 5000 drop") {
		t.Errorf("script missing backend drop:\n%s", script)
	}
	if !strings.Contains(script, "tcp dport 22 accept") {
		t.Errorf("script missing SSH accept:\n%s", script)
	}
}
