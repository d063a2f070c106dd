package app

import (
	"context"
	"fmt"
	"time"

	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/checkpoint"
	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/config"
	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/metrics"
	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/secrets"
	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/storage"
	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/worker"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// App wires configuration, credentials and connections into the
// commands of the sync tool
type App struct {
	cfg      *config.Config
	logger   *zap.Logger
	opener   Opener
	metrics  *metrics.Collector
	archiver *storage.Archiver
}

// New creates an application backed by AWS
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	awsCfg, err := secrets.LoadAWSConfig(ctx, cfg.AWS.Region)
	if err != nil {
		return nil, err
	}

	provider := secrets.NewProvider(
		ssm.NewFromConfig(awsCfg),
		secretsmanager.NewFromConfig(awsCfg),
		cfg.Secrets.ParameterMaxAge,
		logger,
	)

	var archiver *storage.Archiver
	if cfg.ReportEnabled() {
		client, err := storage.NewMinIOClient(storage.Config{
			Endpoint:  cfg.Report.Endpoint,
			AccessKey: cfg.Report.AccessKey,
			SecretKey: cfg.Report.SecretKey,
			Secure:    cfg.Report.Secure,
			Region:    cfg.AWS.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create report client: %w", err)
		}
		archiver = storage.NewArchiver(client, cfg.Report.Bucket, cfg.Report.Prefix)
	}

	collector := metrics.New()
	opener := &awsOpener{
		cfg:      cfg,
		awsCfg:   awsCfg,
		provider: provider,
		observer: collector,
		logger:   logger,
	}

	return &App{
		cfg:      cfg,
		logger:   logger,
		opener:   opener,
		metrics:  collector,
		archiver: archiver,
	}, nil
}

// NewWithOpener creates an application over an existing opener. archiver
// may be nil
func NewWithOpener(cfg *config.Config, opener Opener, collector *metrics.Collector, archiver *storage.Archiver, logger *zap.Logger) *App {
	if collector == nil {
		collector = metrics.New()
	}
	return &App{
		cfg:      cfg,
		logger:   logger,
		opener:   opener,
		metrics:  collector,
		archiver: archiver,
	}
}

// Metrics returns the collector shared by every command
func (a *App) Metrics() *metrics.Collector {
	return a.metrics
}

// Tables returns the tables to synchronize after removing skipped ones
func (a *App) Tables(ctx context.Context) ([]string, error) {
	session, err := a.opener.Open(ctx, Discover)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	return NewTableLister(session.Tables, a.cfg.Namespace, a.cfg.SkipSet(), a.logger).List(ctx)
}

// Sync runs one sync attempt for table. The returned error is set when the
// attempt ended with an error that must fail the invocation
func (a *App) Sync(ctx context.Context, table string) (worker.Result, error) {
	return a.single(ctx, table, Replicate, (*worker.TaskProcessor).Process)
}

// Init initializes table
func (a *App) Init(ctx context.Context, table string) (worker.Result, error) {
	return a.single(ctx, table, Initialize, (*worker.TaskProcessor).ProcessInit)
}

func (a *App) single(ctx context.Context, table string, mode Mode, step func(*worker.TaskProcessor, context.Context, worker.Task) worker.Result) (worker.Result, error) {
	if table == "" {
		return worker.Result{}, fmt.Errorf("table_name is required")
	}

	session, err := a.opener.Open(ctx, mode)
	if err != nil {
		return worker.Result{}, err
	}
	defer session.Close()

	store, err := a.openLedger()
	if err != nil {
		return worker.Result{}, err
	}
	if store != nil {
		defer store.Close()
	}

	runID := uuid.NewString()
	logger := a.logger.With(zap.String("run_id", runID), zap.String("table", table))
	processor := worker.NewTaskProcessor(worker.Config{RunID: runID}, session.Runner, store, a.metrics, logger)

	result := step(processor, ctx, worker.Task{Table: table})
	return result, result.Err
}

// Status returns the latest recorded attempt of every table
func (a *App) Status() ([]*checkpoint.AttemptRecord, error) {
	return a.queryLedger(checkpoint.Store.LatestByTable)
}

// Failures returns the attempts started at or after since that failed or
// left dependent views unrestored
func (a *App) Failures(since time.Time) ([]*checkpoint.AttemptRecord, error) {
	return a.queryLedger(func(store checkpoint.Store) ([]*checkpoint.AttemptRecord, error) {
		return store.ListFailed(since)
	})
}

func (a *App) queryLedger(query func(checkpoint.Store) ([]*checkpoint.AttemptRecord, error)) ([]*checkpoint.AttemptRecord, error) {
	store, err := a.openLedger()
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("ledger path is not configured")
	}
	defer store.Close()

	return query(store)
}

// Reports lists archived run reports, newest first
func (a *App) Reports(ctx context.Context) ([]storage.ObjectInfo, error) {
	if a.archiver == nil {
		return nil, fmt.Errorf("report archive is not configured")
	}
	return a.archiver.List(ctx)
}

// PushMetrics pushes the collected metrics when a Pushgateway is configured
func (a *App) PushMetrics(job, table string) error {
	if a.cfg.Metrics.PushgatewayURL == "" {
		return nil
	}

	groupings := map[string]string{"namespace": a.cfg.Namespace}
	if table != "" {
		groupings["table"] = table
	}
	return a.metrics.Push(a.cfg.Metrics.PushgatewayURL, job, groupings)
}

// openLedger returns nil when no ledger path is configured
func (a *App) openLedger() (checkpoint.Store, error) {
	if a.cfg.Ledger.Path == "" {
		return nil, nil
	}
	store, err := checkpoint.NewSQLiteStore(a.cfg.Ledger.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	return store, nil
}
