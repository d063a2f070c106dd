package replicator

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTableNotInitialized is returned by Synchronize for a table that has
	// no sync record in the destination yet
	ErrTableNotInitialized = errors.New("table not initialized")

	// ErrTableAlreadyInitialized is returned by Initialize for a table that
	// already has a sync record
	ErrTableAlreadyInitialized = errors.New("table already initialized")
)

// QueryError is a failed statement against the destination database
type QueryError struct {
	Query string
	Err   error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed: %v: %s", e.Err, abbreviate(e.Query))
}

func (e *QueryError) Unwrap() error { return e.Err }

func queryError(query string, err error) error {
	if err == nil {
		return nil
	}
	return &QueryError{Query: query, Err: err}
}

func abbreviate(query string) string {
	q := strings.Join(strings.Fields(query), " ")
	if len(q) > 200 {
		return q[:200] + "..."
	}
	return q
}
