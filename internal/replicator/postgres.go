// Package replicator keeps PostgreSQL tables in step with DAP tables.
//
// Each replicated table has a row in instructure_dap.table_sync holding the
// timestamp it is current to and the column layout it was created with.
// Initialize loads a snapshot and creates that row; Synchronize applies the
// changes since the stored timestamp, altering the table first when the
// source schema has moved on
package replicator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/dap"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const defaultBatchSize = 1000

// Source is the part of the DAP client the engine needs
type Source interface {
	GetSchema(ctx context.Context, namespace, table string) (*dap.VersionedSchema, error)
	Query(ctx context.Context, namespace, table string, q dap.Query) (*dap.Job, error)
	DownloadAll(ctx context.Context, job *dap.Job, fn func(dap.Record) error) error
}

// DB is the part of a connection pool the engine uses; *pgxpool.Pool
// satisfies it
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

var _ DB = (*pgxpool.Pool)(nil)

// Engine replicates the tables of one namespace into a PostgreSQL database
type Engine struct {
	db        DB
	source    Source
	namespace string
	logger    *zap.Logger

	BatchSize int
}

// Connect opens a connection pool for connString and checks it is reachable
func Connect(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return pool, nil
}

// NewEngine creates an engine writing through db
func NewEngine(db DB, source Source, namespace string, logger *zap.Logger) *Engine {
	return &Engine{
		db:        db,
		source:    source,
		namespace: namespace,
		logger:    logger,
		BatchSize: defaultBatchSize,
	}
}

type syncState struct {
	timestamp time.Time
	version   int
	columns   []Column
}

// Initialize creates table in the destination and loads a full snapshot
func (e *Engine) Initialize(ctx context.Context, table string) error {
	logger := e.logger.With(zap.String("table", table))

	if err := e.ensureMeta(ctx); err != nil {
		return err
	}
	if _, err := e.loadState(ctx, table); err == nil {
		return fmt.Errorf("%s.%s: %w", e.namespace, table, ErrTableAlreadyInitialized)
	} else if !errors.Is(err, ErrTableNotInitialized) {
		return err
	}

	schema, err := e.source.GetSchema(ctx, e.namespace, table)
	if err != nil {
		return err
	}
	cols, err := ParseColumns(schema.Schema)
	if err != nil {
		return err
	}

	job, err := e.source.Query(ctx, e.namespace, table, dap.Snapshot())
	if err != nil {
		return err
	}
	mark, err := job.Watermark()
	if err != nil {
		return err
	}

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range []string{createSchemaSQL(e.namespace), createTableSQL(e.namespace, table, cols)} {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return queryError(stmt, err)
		}
	}

	upserted, deleted, err := e.apply(ctx, tx, table, cols, job)
	if err != nil {
		return err
	}

	desc, err := json.Marshal(cols)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, insertMetaSQL, e.namespace, table, mark, schema.Version, string(desc)); err != nil {
		return queryError(insertMetaSQL, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit initialization of %s: %w", table, err)
	}

	logger.Info("Initialized table",
		zap.Int("columns", len(cols)),
		zap.Int("schema_version", schema.Version),
		zap.Int("rows", upserted),
		zap.Int("skipped_deletes", deleted),
		zap.Time("timestamp", mark),
	)
	return nil
}

// Synchronize applies the changes recorded since the table was last synced.
// It returns ErrTableNotInitialized when the table has never been initialized
// and a QueryError when a statement, including a schema change, is rejected
func (e *Engine) Synchronize(ctx context.Context, table string) error {
	logger := e.logger.With(zap.String("table", table))

	if err := e.ensureMeta(ctx); err != nil {
		return err
	}
	state, err := e.loadState(ctx, table)
	if err != nil {
		return err
	}

	schema, err := e.source.GetSchema(ctx, e.namespace, table)
	if err != nil {
		return err
	}
	layout := state.columns
	var alters []string
	if schema.Version != state.version {
		next, err := ParseColumns(schema.Schema)
		if err != nil {
			return err
		}
		alters = alterTableSQL(e.namespace, table, state.columns, next)
		layout = mergeLayout(state.columns, next)
		logger.Info("Schema changed",
			zap.Int("from_version", state.version),
			zap.Int("to_version", schema.Version),
			zap.Int("statements", len(alters)),
		)
	}

	job, err := e.source.Query(ctx, e.namespace, table, dap.Incremental(state.timestamp))
	if err != nil {
		return err
	}
	mark, err := job.Watermark()
	if err != nil {
		return err
	}

	tx, err := e.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range alters {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return queryError(stmt, err)
		}
	}

	upserted, deleted, err := e.apply(ctx, tx, table, activeColumns(layout), job)
	if err != nil {
		return err
	}

	desc, err := json.Marshal(layout)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, updateMetaSQL, e.namespace, table, mark, schema.Version, string(desc)); err != nil {
		return queryError(updateMetaSQL, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit synchronization of %s: %w", table, err)
	}

	logger.Info("Synchronized table",
		zap.Int("upserted", upserted),
		zap.Int("deleted", deleted),
		zap.Time("since", state.timestamp),
		zap.Time("until", mark),
	)
	return nil
}

func (e *Engine) ensureMeta(ctx context.Context) error {
	for _, stmt := range []string{createMetaSchemaSQL, createMetaTableSQL} {
		if _, err := e.db.Exec(ctx, stmt); err != nil {
			return queryError(stmt, err)
		}
	}
	return nil
}

func (e *Engine) loadState(ctx context.Context, table string) (*syncState, error) {
	var (
		state syncState
		desc  []byte
	)
	err := e.db.QueryRow(ctx, selectMetaSQL, e.namespace, table).Scan(&state.timestamp, &state.version, &desc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s.%s: %w", e.namespace, table, ErrTableNotInitialized)
	}
	if err != nil {
		return nil, queryError(selectMetaSQL, err)
	}
	if err := json.Unmarshal(desc, &state.columns); err != nil {
		return nil, fmt.Errorf("failed to decode stored schema of %s: %w", table, err)
	}
	return &state, nil
}

// apply streams the job's records into table in batches. Deletes of rows
// that do not exist are harmless, so snapshots and increments share it
func (e *Engine) apply(ctx context.Context, tx pgx.Tx, table string, cols []Column, job *dap.Job) (upserted, deleted int, err error) {
	upsert := upsertSQL(e.namespace, table, cols)
	keys := KeyColumns(cols)
	del := deleteSQL(e.namespace, table, keys)

	size := e.BatchSize
	if size <= 0 {
		size = defaultBatchSize
	}

	batch := &pgx.Batch{}
	flush := func() error {
		if batch.Len() == 0 {
			return nil
		}
		br := tx.SendBatch(ctx, batch)
		for _, q := range batch.QueuedQueries {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return queryError(q.SQL, err)
			}
		}
		batch = &pgx.Batch{}
		return br.Close()
	}

	err = e.source.DownloadAll(ctx, job, func(rec dap.Record) error {
		if rec.Deleted() {
			args, err := rowArgs(keys, rec)
			if err != nil {
				return err
			}
			batch.Queue(del, args...)
			deleted++
		} else {
			args, err := rowArgs(cols, rec)
			if err != nil {
				return err
			}
			batch.Queue(upsert, args...)
			upserted++
		}
		if batch.Len() >= size {
			return flush()
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	if err := flush(); err != nil {
		return 0, 0, err
	}
	return upserted, deleted, nil
}
