package models

import "time"

// Log sources.
const (
	// LogSourceProcess is stdout/stderr of the managed process.
	LogSourceProcess = "process"
	// LogSourceSupervisor is lifecycle events emitted by the supervisor.
	LogSourceSupervisor = "supervisor"
	// LogSourceExecutor is step transcripts from deploy runs.
	LogSourceExecutor = "executor"
)

// LogEntry is a single log line scoped to a target and optionally a run.
type LogEntry struct {
	ID        string    `json:"id"`
	TargetID  string    `json:"target_id"`
	RunID     string    `json:"run_id,omitempty"`
	UnitName  string    `json:"unit_name,omitempty"`
	Source    string    `json:"source"`
	Line      string    `json:"line"`
	Timestamp time.Time `json:"timestamp"`
}
