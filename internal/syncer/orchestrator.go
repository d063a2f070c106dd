// Package syncer drives single table sync attempts and turns their failures
// into a final outcome, recovering from schema changes that dependent views
// block by dropping and later restoring those views
package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/guard"
	"go.uber.org/zap"
)

// Outcome is the final state of an attempt, reported back to the workflow
type Outcome string

const (
	Complete           Outcome = "complete"
	CompleteWithUpdate Outcome = "complete_with_update"
	NeedsInit          Outcome = "needs_init"
	Failed             Outcome = "failed"
)

// Engine initializes and synchronizes destination tables
type Engine interface {
	Initialize(ctx context.Context, table string) error
	Synchronize(ctx context.Context, table string) error
}

// Guard brackets fn with a capture and restore of table's dependent views
type Guard interface {
	Within(ctx context.Context, table string, fn func(ctx context.Context) error) (guard.Cycle, error)
}

// Observer is told about every finished attempt
type Observer interface {
	SyncStarted(table string)
	SyncFinished(a Attempt)
}

// Attempt is the record of one Sync call
type Attempt struct {
	Table        string
	StartedAt    time.Time
	Outcome      Outcome
	FirstFailure Class
	Recovery     bool
	Error        string
	RestoreError string
	Duration     time.Duration
}

// RestoreFailed reports whether dependent views were left missing
func (a Attempt) RestoreFailed() bool { return a.RestoreError != "" }

// Options tune the orchestrator
type Options struct {
	// StrictRestore reports a recovered sync as failed when its views could
	// not be restored
	StrictRestore bool
}

// Orchestrator runs sync and init attempts for one namespace
type Orchestrator struct {
	engine   Engine
	guard    Guard
	observer Observer
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
}

// New creates an orchestrator. observer may be nil. g may be nil when the
// orchestrator only initializes tables; a schema-locked sync then fails
// without recovery
func New(engine Engine, g Guard, observer Observer, opts Options, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		engine:   engine,
		guard:    g,
		observer: observer,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// Sync synchronizes table and returns the attempt with its outcome.
//
// Engine failures are absorbed into the outcome. The returned error is set
// only for failures the workflow must see: a guard state violation or the
// caller's context ending. The attempt is filled in on every path
func (o *Orchestrator) Sync(ctx context.Context, table string) (attempt Attempt, err error) {
	logger := o.logger.With(zap.String("table", table))
	attempt = Attempt{Table: table, StartedAt: o.now(), Outcome: Failed}

	if o.observer != nil {
		o.observer.SyncStarted(table)
	}
	defer func() {
		attempt.Duration = o.now().Sub(attempt.StartedAt)
		if o.observer != nil {
			o.observer.SyncFinished(attempt)
		}
		logger.Info("Sync finished",
			zap.String("outcome", string(attempt.Outcome)),
			zap.Duration("duration", attempt.Duration),
			zap.Bool("recovery", attempt.Recovery),
		)
	}()

	syncErr := o.engine.Synchronize(ctx, table)
	if syncErr == nil {
		attempt.Outcome = Complete
		return attempt, nil
	}

	attempt.FirstFailure = Classify(syncErr)
	attempt.Error = syncErr.Error()
	if ctxErr := ctx.Err(); ctxErr != nil {
		logger.Error("Sync interrupted", zap.Error(syncErr))
		return attempt, ctxErr
	}

	switch attempt.FirstFailure {
	case SchemaLocked:
		if o.guard == nil {
			logger.Error("Schema change blocked by dependent objects and no dependency guard is configured",
				zap.Error(syncErr))
			return attempt, nil
		}
		logger.Warn("Schema change blocked by dependent objects, retrying with dependencies dropped",
			zap.Error(syncErr))
		return o.recoverSchemaLock(ctx, logger, attempt)

	case TableNotInitialized:
		logger.Info("Table needs initialization", zap.Error(syncErr))
		attempt.Outcome = NeedsInit
		return attempt, nil
	}

	logger.Error("Sync failed", zap.Error(syncErr))
	return attempt, nil
}

// recoverSchemaLock runs the single capture, retry and restore cycle
func (o *Orchestrator) recoverSchemaLock(ctx context.Context, logger *zap.Logger, attempt Attempt) (Attempt, error) {
	attempt.Recovery = true

	cycle, err := o.guard.Within(ctx, attempt.Table, func(ctx context.Context) error {
		return o.engine.Synchronize(ctx, attempt.Table)
	})
	if cycle.RestoreErr != nil {
		attempt.RestoreError = cycle.RestoreErr.Error()
	}

	switch {
	case errors.Is(err, guard.ErrGuardState):
		logger.Error("Dependency guard in inconsistent state", zap.Error(err))
		attempt.Error = err.Error()
		return attempt, err

	case err != nil:
		var captureErr *guard.CaptureError
		if errors.As(err, &captureErr) {
			logger.Error("Failed to drop dependencies", zap.Error(err))
		} else {
			logger.Error("Sync failed after dropping dependencies", zap.Error(err))
		}
		attempt.Error = err.Error()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempt, ctxErr
		}
		return attempt, nil
	}

	attempt.Outcome = CompleteWithUpdate
	if attempt.RestoreFailed() && o.opts.StrictRestore {
		attempt.Outcome = Failed
	}
	return attempt, nil
}

// Init creates table and loads its snapshot. Every engine failure, an
// already initialized table included, is reported as Failed; only the
// caller's context ending is returned as an error
func (o *Orchestrator) Init(ctx context.Context, table string) (Outcome, error) {
	logger := o.logger.With(zap.String("table", table))

	if err := o.engine.Initialize(ctx, table); err != nil {
		logger.Error("Init failed", zap.Error(err))
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Failed, ctxErr
		}
		return Failed, nil
	}

	logger.Info("Init finished")
	return Complete, nil
}
