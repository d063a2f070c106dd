package app

import (
	"context"
	"fmt"

	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/worker"

	"go.uber.org/zap"
)

// TableSource lists the tables of a namespace
type TableSource interface {
	ListTables(ctx context.Context, namespace string) ([]string, error)
}

// TableLister discovers tables and filters them against the skip list
type TableLister struct {
	source    TableSource
	namespace string
	skip      map[string]struct{}
	logger    *zap.Logger
}

// NewTableLister creates a lister for namespace
func NewTableLister(source TableSource, namespace string, skip map[string]struct{}, logger *zap.Logger) *TableLister {
	return &TableLister{source: source, namespace: namespace, skip: skip, logger: logger}
}

// List returns the available tables minus skipped ones, each name once, in
// the order the API reported them
func (l *TableLister) List(ctx context.Context) ([]string, error) {
	tables, err := l.source.ListTables(ctx, l.namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}

	seen := make(map[string]bool, len(tables))
	out := make([]string, 0, len(tables))
	skipped := 0
	for _, t := range tables {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		if _, ok := l.skip[t]; ok {
			skipped++
			l.logger.Debug("Skipping table", zap.String("table", t))
			continue
		}
		out = append(out, t)
	}

	l.logger.Info("Finished listing tables",
		zap.String("namespace", l.namespace),
		zap.Int("available", len(tables)),
		zap.Int("skipped", skipped),
		zap.Int("selected", len(out)),
	)
	return out, nil
}

// Enqueue sends one task per table
func (l *TableLister) Enqueue(ctx context.Context, tables []string, tasks chan<- worker.Task) error {
	for _, t := range tables {
		select {
		case tasks <- worker.Task{Table: t}:
			l.logger.Debug("Enqueued table", zap.String("table", t))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
