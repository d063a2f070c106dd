package dap

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a query job
type JobStatus string

const (
	JobWaiting  JobStatus = "waiting"
	JobRunning  JobStatus = "running"
	JobComplete JobStatus = "complete"
	JobFailed   JobStatus = "failed"
)

// Terminal reports whether the job will not change state any more
func (s JobStatus) Terminal() bool {
	return s == JobComplete || s == JobFailed
}

// Query requests either a snapshot (Since nil) or the changes after Since
type Query struct {
	Format string     `json:"format"`
	Since  *time.Time `json:"since,omitempty"`
	Until  *time.Time `json:"until,omitempty"`
}

// Snapshot returns a full-table query
func Snapshot() Query {
	return Query{Format: "jsonl"}
}

// Incremental returns a query for the changes after since
func Incremental(since time.Time) Query {
	s := since.UTC()
	return Query{Format: "jsonl", Since: &s}
}

// Object identifies one result file of a job
type Object struct {
	ID string `json:"id"`
}

// Job is a query job as reported by the API
type Job struct {
	ID            string     `json:"id"`
	Status        JobStatus  `json:"status"`
	Objects       []Object   `json:"objects,omitempty"`
	SchemaVersion int        `json:"schema_version,omitempty"`
	At            *time.Time `json:"at,omitempty"`
	Since         *time.Time `json:"since,omitempty"`
	Until         *time.Time `json:"until,omitempty"`
	Error         *APIError  `json:"error,omitempty"`
}

// Watermark is the timestamp the destination is current to once the job is applied
func (j *Job) Watermark() (time.Time, error) {
	switch {
	case j.Until != nil:
		return *j.Until, nil
	case j.At != nil:
		return *j.At, nil
	}
	return time.Time{}, fmt.Errorf("job %s reports neither at nor until", j.ID)
}

// VersionedSchema is a table's JSON schema with its version number
type VersionedSchema struct {
	Version int             `json:"version"`
	Schema  json.RawMessage `json:"schema"`
}

// Record is one line of a jsonl result file
type Record struct {
	Key   map[string]any `json:"key"`
	Value map[string]any `json:"value"`
	Meta  map[string]any `json:"meta"`
}

// Deleted reports whether the record is a tombstone
func (r Record) Deleted() bool {
	action, _ := r.Meta["action"].(string)
	return action == "D"
}

// APIError is the error body returned by the API
type APIError struct {
	StatusCode int    `json:"-"`
	Type       string `json:"type"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("dap api error (HTTP %d) %s: %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("dap api error %s: %s", e.Type, e.Message)
}
