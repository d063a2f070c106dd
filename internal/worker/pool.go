package worker

import (
	"context"
	"sync"

	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/checkpoint"
	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/metrics"

	"go.uber.org/zap"
)

// Pool manages a pool of workers
type Pool struct {
	size       int
	config     Config
	runner     Runner
	checkpoint checkpoint.Store
	metrics    *metrics.Collector
	logger     *zap.Logger
}

// NewPool creates a new worker pool
func NewPool(
	size int,
	config Config,
	runner Runner,
	checkpointStore checkpoint.Store,
	metricsCollector *metrics.Collector,
	logger *zap.Logger,
) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		size:       size,
		config:     config,
		runner:     runner,
		checkpoint: checkpointStore,
		metrics:    metricsCollector,
		logger:     logger,
	}
}

// Start starts the worker pool. Every task read from tasks produces exactly
// one value on results
func (p *Pool) Start(ctx context.Context, tasks <-chan Task, results chan<- Result, wg *sync.WaitGroup) {
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go p.worker(ctx, i, tasks, results, wg)
	}
}

func (p *Pool) worker(ctx context.Context, id int, tasks <-chan Task, results chan<- Result, wg *sync.WaitGroup) {
	defer wg.Done()

	logger := p.logger.With(zap.Int("worker_id", id))
	logger.Debug("Worker started")

	processor := NewTaskProcessor(p.config, p.runner, p.checkpoint, p.metrics, logger)

	for {
		select {
		case task, ok := <-tasks:
			if !ok {
				logger.Debug("Worker finished - no more tasks")
				return
			}

			results <- processor.Process(ctx, task)

		case <-ctx.Done():
			logger.Info("Worker stopped - context cancelled")
			return
		}
	}
}
