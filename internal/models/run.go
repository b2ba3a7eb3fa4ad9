package models

import "time"

// RunStatus represents the current state of a deploy run.
// A run advances through an ordered pipeline; each step is a precondition for
// the next. A failed probe takes the revert path instead of leaving the host
// in an unverified state.
type RunStatus string

const (
	// RunStatusPending means the job is queued and no worker has picked it up.
	RunStatusPending RunStatus = "pending"
	// RunStatusConnecting means the worker is opening the remote session.
	RunStatusConnecting RunStatus = "connecting"
	// RunStatusFetching means the release is being fetched into the workdir.
	RunStatusFetching RunStatus = "fetching"
	// RunStatusRestarting means the restart command was issued to the unit.
	RunStatusRestarting RunStatus = "restarting"
	// RunStatusProbing means the worker is waiting for the unit to report
	// running with a new process identity.
	RunStatusProbing RunStatus = "probing"
	// RunStatusLive means the release is serving; the run succeeded.
	RunStatusLive RunStatus = "live"
	// RunStatusReverting means the probe failed and the previous release is
	// being checked out and restarted.
	RunStatusReverting RunStatus = "reverting"
	// RunStatusReverted means the previous release is live again.
	RunStatusReverted RunStatus = "reverted"
	// RunStatusFailed means the run aborted and no recovery was possible.
	RunStatusFailed RunStatus = "failed"
)

// String returns the string representation of the run status.
func (s RunStatus) String() string {
	return string(s)
}

// IsValid returns true if the run status is a known state.
func (s RunStatus) IsValid() bool {
	switch s {
	case RunStatusPending, RunStatusConnecting, RunStatusFetching,
		RunStatusRestarting, RunStatusProbing, RunStatusLive,
		RunStatusReverting, RunStatusReverted, RunStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal returns true if no further transitions are allowed.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusLive, RunStatusReverted, RunStatusFailed:
		return true
	default:
		return false
	}
}

// ValidRunStatuses returns all valid run statuses.
func ValidRunStatuses() []RunStatus {
	return []RunStatus{
		RunStatusPending,
		RunStatusConnecting,
		RunStatusFetching,
		RunStatusRestarting,
		RunStatusProbing,
		RunStatusLive,
		RunStatusReverting,
		RunStatusReverted,
		RunStatusFailed,
	}
}

// CanTransition reports whether a run may move from s to next.
// The pipeline is strictly ordered; every non-terminal state may fail,
// and only probing may enter the revert path.
func (s RunStatus) CanTransition(next RunStatus) bool {
	switch s {
	case RunStatusPending:
		return next == RunStatusConnecting || next == RunStatusFailed
	case RunStatusConnecting:
		return next == RunStatusFetching || next == RunStatusFailed
	case RunStatusFetching:
		return next == RunStatusRestarting || next == RunStatusFailed
	case RunStatusRestarting:
		return next == RunStatusProbing || next == RunStatusFailed
	case RunStatusProbing:
		return next == RunStatusLive || next == RunStatusReverting || next == RunStatusFailed
	case RunStatusReverting:
		return next == RunStatusReverted || next == RunStatusFailed
	default:
		return false
	}
}

// StepResult records the transcript of one remote step.
type StepResult struct {
	Name       string    `json:"name"`
	Command    string    `json:"command,omitempty"`
	ExitCode   int       `json:"exit_code"`
	Stdout     string    `json:"stdout,omitempty"`
	Stderr     string    `json:"stderr,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// DeployRun is one executor invocation applying a release to a target.
type DeployRun struct {
	ID        string    `json:"id"`
	TargetID  string    `json:"target_id"`
	ReleaseID string    `json:"release_id"`
	Commit    string    `json:"commit"`
	Status    RunStatus `json:"status"`
	// PrevCommit is the commit that was live before this run; it is the
	// revert destination when the probe fails.
	PrevCommit string `json:"prev_commit,omitempty"`
	// PreDeployStartedAt is the managed process start timestamp observed
	// before the restart. If a run fails before restarting, the supervisor
	// must still report this identity: the old release kept running.
	PreDeployStartedAt *time.Time   `json:"pre_deploy_started_at,omitempty"`
	Steps              []StepResult `json:"steps,omitempty"`
	Error              string       `json:"error,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	StartedAt          *time.Time   `json:"started_at,omitempty"`
	FinishedAt         *time.Time   `json:"finished_at,omitempty"`
}

// StepNames returns the names of the recorded steps, in order.
func (r *DeployRun) StepNames() []string {
	names := make([]string, 0, len(r.Steps))
	for _, s := range r.Steps {
		names = append(names, s.Name)
	}
	return names
}

// DeployJob is the queued unit of work created by the trigger and consumed
// by the deploy worker. It is serialized to JSON for queue storage.
type DeployJob struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	TargetID   string    `json:"target_id"`
	ReleaseID  string    `json:"release_id"`
	Commit     string    `json:"commit"`
	Ref        string    `json:"ref"`
	DeliveryID string    `json:"delivery_id"`
	CreatedAt  time.Time `json:"created_at"`
}
