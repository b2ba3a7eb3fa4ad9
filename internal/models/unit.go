package models

import "time"

// UnitState represents the run state of a supervised service unit.
type UnitState string

const (
	// UnitStateStopped means no process is running and none is wanted,
	// or the unit has not been started yet.
	UnitStateStopped UnitState = "stopped"
	// UnitStateStarting means the process was launched and has not yet
	// survived the detection window.
	UnitStateStarting UnitState = "starting"
	// UnitStateRunning means the process survived the detection window.
	UnitStateRunning UnitState = "running"
	// UnitStateCrashLooping means exits recur faster than the backoff
	// interval; the supervisor keeps retrying at a fixed delay.
	UnitStateCrashLooping UnitState = "crash-looping"
)

// String returns the string representation of the unit state.
func (s UnitState) String() string {
	return string(s)
}

// IsValid returns true if the unit state is a known state.
func (s UnitState) IsValid() bool {
	switch s {
	case UnitStateStopped, UnitStateStarting, UnitStateRunning, UnitStateCrashLooping:
		return true
	default:
		return false
	}
}

// ValidUnitStates returns all valid unit states.
func ValidUnitStates() []UnitState {
	return []UnitState{
		UnitStateStopped,
		UnitStateStarting,
		UnitStateRunning,
		UnitStateCrashLooping,
	}
}

// RestartPolicy controls when the supervisor relaunches an exited process.
type RestartPolicy string

const (
	// RestartAlways relaunches on any exit.
	RestartAlways RestartPolicy = "always"
	// RestartOnFailure relaunches only on a non-zero exit.
	RestartOnFailure RestartPolicy = "on-failure"
)

// IsValid returns true if the restart policy is known.
func (p RestartPolicy) IsValid() bool {
	return p == RestartAlways || p == RestartOnFailure
}

// ServiceUnit declares the supervised long-running process and its restart
// policy. Units are defined once during provisioning in a YAML file read by
// the host agent and mutated by the supervisor on every restart.
type ServiceUnit struct {
	Name string `json:"name" yaml:"name"`
	// ExecPath is the executable launched by the supervisor.
	ExecPath string   `json:"exec_path" yaml:"exec"`
	Args     []string `json:"args,omitempty" yaml:"args,omitempty"`
	// WorkDir is the working directory of the process.
	WorkDir string `json:"work_dir" yaml:"workdir"`
	// EnvFile is the flat KEY=VALUE file loaded into the process environment.
	// It must be owner-only readable.
	EnvFile string        `json:"env_file" yaml:"env_file"`
	Restart RestartPolicy `json:"restart" yaml:"restart"`
	// BackoffInterval is the constant delay between restart attempts.
	BackoffInterval time.Duration `json:"backoff_interval" yaml:"backoff_interval"`
	// DetectionWindow is how long a process must survive before the unit
	// is considered running.
	DetectionWindow time.Duration `json:"detection_window" yaml:"detection_window"`
}

// UnitStatus is the supervisor's answer to a status query.
type UnitStatus struct {
	Name  string    `json:"name"`
	State UnitState `json:"state"`
	// PID is the current process ID, zero when stopped.
	PID int `json:"pid,omitempty"`
	// StartedAt is the current process start timestamp. It is the process
	// identity used to tell "old release kept running" from "new release live".
	StartedAt *time.Time `json:"started_at,omitempty"`
	// LastExitCode is the exit code of the most recent process exit.
	LastExitCode *int `json:"last_exit_code,omitempty"`
	// Restarts counts supervisor-initiated relaunches since the unit started.
	Restarts int       `json:"restarts"`
	Enabled  bool      `json:"enabled"`
	AsOf     time.Time `json:"as_of"`
}

// CanTransition reports whether a unit may move from s to next.
//
//	stopped -> starting        on explicit start/restart
//	starting -> running        process survived the detection window
//	starting -> stopped        explicit stop
//	running -> starting        restart command or process exit (per policy)
//	running -> stopped         explicit stop or non-restartable exit
//	any -> crash-looping       exits recur faster than the backoff interval
//	crash-looping -> starting  next fixed-delay retry
//	crash-looping -> stopped   explicit stop
func (s UnitState) CanTransition(next UnitState) bool {
	if next == UnitStateCrashLooping {
		return s != UnitStateStopped
	}
	switch s {
	case UnitStateStopped:
		return next == UnitStateStarting
	case UnitStateStarting:
		return next == UnitStateRunning || next == UnitStateStopped
	case UnitStateRunning:
		return next == UnitStateStarting || next == UnitStateStopped
	case UnitStateCrashLooping:
		return next == UnitStateStarting || next == UnitStateStopped
	default:
		return false
	}
}
