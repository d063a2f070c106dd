package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/progress"
	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/syncer"
	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/worker"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RunReport summarizes one batch run
type RunReport struct {
	RunID      string                 `json:"run_id"`
	Namespace  string                 `json:"namespace"`
	StartedAt  time.Time              `json:"started_at"`
	DurationMs int64                  `json:"duration_ms"`
	Counts     map[syncer.Outcome]int `json:"counts"`
	Results    []worker.Result        `json:"results"`
	Archive    string                 `json:"archive,omitempty"`
}

// Failed returns the tables whose final outcome is failed
func (r *RunReport) Failed() []string {
	var tables []string
	for _, res := range r.Results {
		if res.Outcome == syncer.Failed {
			tables = append(tables, res.Table)
		}
	}
	return tables
}

// Run discovers every table and brings each one up to date. The report is
// returned even when err is set; err joins the errors that must fail the
// invocation
func (a *App) Run(ctx context.Context) (*RunReport, error) {
	report := &RunReport{
		RunID:     uuid.NewString(),
		Namespace: a.cfg.Namespace,
		StartedAt: time.Now().UTC(),
		Counts:    make(map[syncer.Outcome]int),
	}
	logger := a.logger.With(zap.String("run_id", report.RunID))
	logger.Info("Starting sync run",
		zap.String("namespace", a.cfg.Namespace),
		zap.Int("concurrency", a.cfg.Sync.Concurrency),
		zap.Bool("auto_init", a.cfg.Sync.AutoInit),
	)

	session, err := a.opener.Open(ctx, Replicate)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	store, err := a.openLedger()
	if err != nil {
		return nil, err
	}
	if store != nil {
		defer store.Close()
	}

	lister := NewTableLister(session.Tables, a.cfg.Namespace, a.cfg.SkipSet(), logger)
	tables, err := lister.List(ctx)
	if err != nil {
		return nil, err
	}
	a.metrics.SetTotalTables(len(tables))

	if addr := a.cfg.Metrics.ListenAddr; addr != "" {
		go func() {
			if err := a.metrics.StartServer(addr); err != nil {
				logger.Error("Failed to start metrics server", zap.Error(err))
			}
		}()
	}

	var display *progress.Display
	if progress.IsTerminalSupported(os.Stderr) {
		display = progress.NewDisplay(a.metrics.GetProgressTracker(), 5*time.Second, os.Stderr)
		display.Start()
	} else {
		logger.Debug("Progress display disabled (unsupported terminal)")
	}

	pool := worker.NewPool(a.cfg.Sync.Concurrency, worker.Config{
		RunID:    report.RunID,
		AutoInit: a.cfg.Sync.AutoInit,
	}, session.Runner, store, a.metrics, logger)

	tasks := make(chan worker.Task, a.cfg.Sync.Concurrency*2)
	results := make(chan worker.Result, len(tables))

	var wg sync.WaitGroup
	pool.Start(ctx, tasks, results, &wg)

	enqueueErr := lister.Enqueue(ctx, tables, tasks)
	close(tasks)
	wg.Wait()
	close(results)

	if display != nil {
		display.Stop()
	}

	var errs []error
	if enqueueErr != nil {
		errs = append(errs, fmt.Errorf("run interrupted: %w", enqueueErr))
	}
	for res := range results {
		report.Results = append(report.Results, res)
		report.Counts[res.Outcome]++
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.Table, res.Err))
		}
	}
	sort.Slice(report.Results, func(i, j int) bool {
		return report.Results[i].Table < report.Results[j].Table
	})
	if n := len(tables) - len(report.Results); n > 0 {
		logger.Warn("Run stopped before every table was processed", zap.Int("unprocessed", n))
		if enqueueErr == nil && ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("run interrupted: %w", ctx.Err()))
		}
	}
	report.DurationMs = time.Since(report.StartedAt).Milliseconds()

	a.archive(report, logger)

	logger.Info("Sync run completed",
		zap.Int("tables", len(tables)),
		zap.Int("processed", len(report.Results)),
		zap.Strings("failed", report.Failed()),
		zap.Int64("duration_ms", report.DurationMs),
	)
	return report, errors.Join(errs...)
}

// archive uploads the report when an archive is configured. Upload failures
// are logged and never fail the run
func (a *App) archive(report *RunReport, logger *zap.Logger) {
	if a.archiver == nil {
		return
	}

	// the run context may already be cancelled
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	info, err := a.archiver.Archive(ctx, report.RunID, report.StartedAt, report)
	if err != nil {
		logger.Error("Failed to archive run report", zap.Error(err))
		return
	}
	report.Archive = info.Key
	logger.Info("Archived run report", zap.String("key", info.Key), zap.Int64("size", info.Size))
}
