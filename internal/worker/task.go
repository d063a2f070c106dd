package worker

import (
	"time"

	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/syncer"
)

// Task is one table to bring up to date
type Task struct {
	Table string `json:"table_name"`
}

// Result is the final state of a task after every step the processor ran
type Result struct {
	Table    string         `json:"table_name"`
	Outcome  syncer.Outcome `json:"state"`
	Steps    []string       `json:"steps"`
	Recovery bool           `json:"recovery,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration"`

	// Err is set when an attempt ended with an error the workflow must see
	Err error `json:"-"`
}

// Config contains worker configuration
type Config struct {
	RunID string
	// AutoInit initializes a table reported as needs_init and syncs it again
	AutoInit bool
}
