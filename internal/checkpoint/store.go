package checkpoint

import (
	"time"
)

// AttemptRecord is one sync or init attempt as stored in the ledger
type AttemptRecord struct {
	ID           int64     `db:"id" json:"-"`
	RunID        string    `db:"run_id" json:"run_id"`
	Table        string    `db:"table_name" json:"table_name"`
	Operation    string    `db:"operation" json:"operation"`
	Outcome      string    `db:"outcome" json:"state"`
	FirstFailure string    `db:"first_failure" json:"first_failure,omitempty"`
	Recovery     bool      `db:"recovery" json:"recovery"`
	Error        string    `db:"error" json:"error,omitempty"`
	RestoreError string    `db:"restore_error" json:"restore_error,omitempty"`
	StartedAt    time.Time `db:"started_at" json:"started_at"`
	DurationMs   int64     `db:"duration_ms" json:"duration_ms"`
}

// Store defines the interface for attempt persistence
type Store interface {
	SaveAttempt(record *AttemptRecord) error

	// LatestByTable returns the most recent attempt of every table
	LatestByTable() ([]*AttemptRecord, error)
	ListRun(runID string) ([]*AttemptRecord, error)
	ListFailed(since time.Time) ([]*AttemptRecord, error)

	Close() error
}
