package worker

import (
	"context"
	"strings"
	"time"

	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/checkpoint"
	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/metrics"
	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/syncer"

	"go.uber.org/zap"
)

// Runner runs single table operations
type Runner interface {
	Sync(ctx context.Context, table string) (syncer.Attempt, error)
	Init(ctx context.Context, table string) (syncer.Outcome, error)
}

// TaskProcessor handles individual task processing
type TaskProcessor struct {
	config     Config
	runner     Runner
	checkpoint checkpoint.Store
	metrics    *metrics.Collector
	logger     *zap.Logger
}

// NewTaskProcessor creates a processor outside of a pool. store and
// collector may be nil
func NewTaskProcessor(config Config, runner Runner, store checkpoint.Store, collector *metrics.Collector, logger *zap.Logger) *TaskProcessor {
	return &TaskProcessor{
		config:     config,
		runner:     runner,
		checkpoint: store,
		metrics:    collector,
		logger:     logger,
	}
}

// Process syncs one table. A table that needs initialization is initialized
// and synced again when AutoInit is set
func (p *TaskProcessor) Process(ctx context.Context, task Task) Result {
	result := Result{Table: task.Table}
	defer p.finish(&result, time.Now())

	attempt, err := p.sync(ctx, &result)
	if err != nil || attempt.Outcome != syncer.NeedsInit || !p.config.AutoInit {
		return result
	}

	if p.init(ctx, &result) != nil || result.Outcome != syncer.Complete {
		return result
	}

	p.sync(ctx, &result)
	return result
}

// ProcessInit initializes one table without syncing it
func (p *TaskProcessor) ProcessInit(ctx context.Context, task Task) Result {
	result := Result{Table: task.Table}
	defer p.finish(&result, time.Now())

	p.init(ctx, &result)
	return result
}

func (p *TaskProcessor) finish(result *Result, startTime time.Time) {
	result.Duration = time.Since(startTime)
	if p.metrics != nil {
		p.metrics.TableFinished(result.Outcome)
	}
	p.logger.Info("Task finished",
		zap.String("table", result.Table),
		zap.String("state", string(result.Outcome)),
		zap.Strings("steps", result.Steps),
		zap.Duration("duration", result.Duration),
	)
}

// sync runs one sync attempt and folds it into result
func (p *TaskProcessor) sync(ctx context.Context, result *Result) (syncer.Attempt, error) {
	attempt, err := p.runner.Sync(ctx, result.Table)
	result.Steps = append(result.Steps, "sync")
	result.Outcome = attempt.Outcome
	result.Recovery = result.Recovery || attempt.Recovery
	result.Error = attempt.Error

	rec := &checkpoint.AttemptRecord{
		Table:        result.Table,
		Operation:    "sync",
		Outcome:      string(attempt.Outcome),
		Recovery:     attempt.Recovery,
		Error:        attempt.Error,
		RestoreError: attempt.RestoreError,
		StartedAt:    attempt.StartedAt,
		DurationMs:   attempt.Duration.Milliseconds(),
	}
	if attempt.Error != "" {
		rec.FirstFailure = attempt.FirstFailure.String()
	}
	if err != nil {
		p.abort(result, err)
		rec.Outcome = string(syncer.Failed)
		rec.Error = err.Error()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	p.save(rec)

	return attempt, err
}

// init runs one init attempt and folds it into result
func (p *TaskProcessor) init(ctx context.Context, result *Result) error {
	startTime := time.Now()
	outcome, err := p.runner.Init(ctx, result.Table)
	result.Steps = append(result.Steps, "init")
	result.Outcome = outcome
	result.Error = ""
	if p.metrics != nil {
		p.metrics.IncInit(outcome)
	}

	rec := &checkpoint.AttemptRecord{
		Table:      result.Table,
		Operation:  "init",
		Outcome:    string(outcome),
		StartedAt:  startTime,
		DurationMs: time.Since(startTime).Milliseconds(),
	}
	switch {
	case err != nil:
		p.abort(result, err)
		rec.Outcome = string(syncer.Failed)
		rec.Error = err.Error()
	case outcome != syncer.Complete:
		result.Error = "initialization failed"
	}
	p.save(rec)

	return err
}

// abort marks result failed with an error the caller must see
func (p *TaskProcessor) abort(result *Result, err error) {
	result.Outcome = syncer.Failed
	result.Error = err.Error()
	result.Err = err
	p.logger.Error("Task aborted", zap.String("table", result.Table), zap.Error(err))
}

func (p *TaskProcessor) save(rec *checkpoint.AttemptRecord) {
	if p.checkpoint == nil {
		return
	}
	rec.RunID = p.config.RunID

	if err := p.checkpoint.SaveAttempt(rec); err != nil {
		if strings.Contains(err.Error(), "database store is closed") {
			p.logger.Warn("Cannot record attempt - ledger is closed",
				zap.String("table", rec.Table),
				zap.String("state", rec.Outcome))
		} else {
			p.logger.Error("Failed to record attempt",
				zap.String("table", rec.Table),
				zap.Error(err))
		}
	}
}
