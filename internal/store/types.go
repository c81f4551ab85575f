package store

import "time"

// Outcome values stored in the journal.
const (
	OutcomeSucceeded   = "succeeded"
	OutcomeFailed      = "failed"
	OutcomeDenied      = "denied"
	OutcomeUnavailable = "unavailable"
	OutcomeRejected    = "rejected"
)

// ActionRecord is one journalled privileged execution.
type ActionRecord struct {
	ID        string        `json:"id"`
	Kind      string        `json:"kind"`
	Args      []string      `json:"args"`
	Gateway   string        `json:"gateway"`
	Command   string        `json:"command"`
	ExitCode  int           `json:"exit_code"`
	Outcome   string        `json:"outcome"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
}

// DriftEvent records an external change to a managed file.
type DriftEvent struct {
	ID        int64     `json:"id"`
	Path      string    `json:"path"`
	Op        string    `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

// Backup is a saved copy of a managed file taken before devstack replaced it.
type Backup struct {
	ID         int64
	CreatedAt  time.Time
	Kind       string // "hosts" or "site"
	Target     string
	Reason     string
	BackupPath string
	SizeBytes  int64
}
