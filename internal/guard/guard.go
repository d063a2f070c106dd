// Package guard captures and restores the database objects that depend on a
// replicated table, bracketing a schema change that those objects would block.
//
// Capture drops the dependent views of a table and records their definitions
// server side; Restore recreates them. Both are executed through the
// deps_save_and_drop_dependencies / deps_restore_dependencies procedures
// installed in the destination database
package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/dataapi"

	"go.uber.org/zap"
)

const (
	captureSQL = `SELECT public.deps_save_and_drop_dependencies(:schema, :table, CAST(:options AS jsonb))`
	restoreSQL = `SELECT public.deps_restore_dependencies(:schema, :table, CAST(:options AS jsonb))`
)

// ErrGuardState is matched by every StateError
var ErrGuardState = errors.New("dependency guard state error")

// StateError reports a capture requested while a snapshot for the same
// table is still outstanding
type StateError struct {
	Table      string
	CapturedAt time.Time
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: dependencies of %s already captured at %s and not restored",
		ErrGuardState, e.Table, e.CapturedAt.Format(time.RFC3339))
}

func (e *StateError) Is(target error) bool {
	return target == ErrGuardState
}

// CaptureError wraps a failed capture. Nothing was dropped, so nothing needs restoring
type CaptureError struct {
	Table string
	Err   error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("failed to capture dependencies of %s: %v", e.Table, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// RestoreError wraps a failed restore. Dependent views are missing until an
// operator restores them
type RestoreError struct {
	Table string
	Err   error
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("failed to restore dependencies of %s: %v", e.Table, e.Err)
}

func (e *RestoreError) Unwrap() error { return e.Err }

// Options are passed to the dependency procedures as JSON
type Options struct {
	DryRun                   bool  `json:"dry_run"`
	Verbose                  bool  `json:"verbose"`
	PopulateMaterializedView *bool `json:"populate_materialized_view,omitempty"`
}

// Snapshot is the record of one capture. The view definitions themselves live
// in the database; Status is the payload the capture procedure returned
type Snapshot struct {
	Namespace  string
	Table      string
	CapturedAt time.Time
	Status     string
}

// Cycle describes one completed capture/restore bracket
type Cycle struct {
	Snapshot   *Snapshot
	RestoreErr error
}

// Guard tracks outstanding snapshots per table
type Guard struct {
	exec      dataapi.Executor
	namespace string
	logger    *zap.Logger

	mu          sync.Mutex
	outstanding map[string]*Snapshot
	now         func() time.Time
}

// New creates a guard for tables in namespace
func New(exec dataapi.Executor, namespace string, logger *zap.Logger) *Guard {
	return &Guard{
		exec:        exec,
		namespace:   namespace,
		logger:      logger,
		outstanding: make(map[string]*Snapshot),
		now:         time.Now,
	}
}

// Capture drops the dependencies of table and records them for Restore.
// Calling it again before Restore returns a StateError
func (g *Guard) Capture(ctx context.Context, table string) (*Snapshot, error) {
	g.mu.Lock()
	if snap, ok := g.outstanding[table]; ok {
		g.mu.Unlock()
		return nil, &StateError{Table: table, CapturedAt: snap.CapturedAt}
	}
	snap := &Snapshot{Namespace: g.namespace, Table: table, CapturedAt: g.now()}
	g.outstanding[table] = snap
	g.mu.Unlock()

	populate := false
	res, err := g.run(ctx, captureSQL, table, Options{PopulateMaterializedView: &populate})
	if err != nil {
		g.forget(table)
		return nil, &CaptureError{Table: table, Err: err}
	}
	snap.Status = res.Scalar()

	g.logger.Info("Dropped dependencies",
		zap.String("namespace", g.namespace),
		zap.String("table", table),
		zap.String("status", snap.Status),
	)
	return snap, nil
}

// Restore recreates the dependencies captured for table. Without an
// outstanding capture it does nothing. A failed restore still releases the
// snapshot; the saved definitions stay in the database for manual recovery
func (g *Guard) Restore(ctx context.Context, table string) error {
	g.mu.Lock()
	_, ok := g.outstanding[table]
	g.mu.Unlock()
	if !ok {
		g.logger.Debug("No captured dependencies to restore", zap.String("table", table))
		return nil
	}
	defer g.forget(table)

	res, err := g.run(ctx, restoreSQL, table, Options{})
	if err != nil {
		g.logger.Warn("Failed to restore dependencies, dependent views are missing",
			zap.String("namespace", g.namespace),
			zap.String("table", table),
			zap.Error(err),
		)
		return &RestoreError{Table: table, Err: err}
	}

	g.logger.Info("Restored dependencies",
		zap.String("namespace", g.namespace),
		zap.String("table", table),
		zap.String("status", res.Scalar()),
	)
	return nil
}

// Within captures the dependencies of table, runs fn and restores them on
// every exit path, panics included. The restore is not cancelled with ctx.
// A capture failure is returned without running fn; fn's error is returned
// as is and a restore failure is reported on the Cycle
func (g *Guard) Within(ctx context.Context, table string, fn func(ctx context.Context) error) (cycle Cycle, err error) {
	snap, err := g.Capture(ctx, table)
	if err != nil {
		return Cycle{}, err
	}
	cycle.Snapshot = snap

	defer func() {
		cycle.RestoreErr = g.Restore(context.WithoutCancel(ctx), table)
	}()

	return cycle, fn(ctx)
}

// Outstanding reports whether table has a capture awaiting restore
func (g *Guard) Outstanding(table string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.outstanding[table]
	return ok
}

func (g *Guard) forget(table string) {
	g.mu.Lock()
	delete(g.outstanding, table)
	g.mu.Unlock()
}

func (g *Guard) run(ctx context.Context, sql, table string, opts Options) (*dataapi.Result, error) {
	options, err := json.Marshal(opts)
	if err != nil {
		return nil, err
	}
	return g.exec.Execute(ctx, sql, map[string]string{
		"schema":  g.namespace,
		"table":   table,
		"options": string(options),
	})
}
