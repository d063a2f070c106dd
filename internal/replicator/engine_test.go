package replicator_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/dap"
	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/replicator"
	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/syncer"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type metaRow struct {
	timestamp time.Time
	version   int
	layout    []byte
}

type queued struct {
	SQL  string
	Args []any
}

// fakeDB keeps the sync record in memory and records every statement.
// Statements containing failOn fail with failErr
type fakeDB struct {
	meta     *metaRow
	execs    []string
	batches  []queued
	commits  int
	failOn   string
	failErr  error
	beginErr error
}

func (d *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	return d.exec(sql)
}

func (d *fakeDB) exec(sql string) (pgconn.CommandTag, error) {
	d.execs = append(d.execs, sql)
	if d.failOn != "" && strings.Contains(sql, d.failOn) {
		return pgconn.CommandTag{}, d.failErr
	}
	return pgconn.CommandTag{}, nil
}

func (d *fakeDB) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	return metaScanner{meta: d.meta}
}

func (d *fakeDB) Begin(_ context.Context) (pgx.Tx, error) {
	if d.beginErr != nil {
		return nil, d.beginErr
	}
	return &fakeTx{db: d}, nil
}

// statementsAfter returns the statements executed after the first n
func (d *fakeDB) statementsAfter(n int) []string {
	return append([]string(nil), d.execs[n:]...)
}

type metaScanner struct {
	meta *metaRow
}

func (s metaScanner) Scan(dest ...any) error {
	if s.meta == nil {
		return pgx.ErrNoRows
	}
	*dest[0].(*time.Time) = s.meta.timestamp
	*dest[1].(*int) = s.meta.version
	*dest[2].(*[]byte) = append([]byte(nil), s.meta.layout...)
	return nil
}

// fakeTx stages the sync record until Commit
type fakeTx struct {
	pgx.Tx
	db      *fakeDB
	pending *metaRow
}

func (tx *fakeTx) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	tag, err := tx.db.exec(sql)
	if err != nil {
		return tag, err
	}
	if strings.Contains(sql, `"instructure_dap"."table_sync"`) {
		tx.pending = &metaRow{
			timestamp: args[2].(time.Time),
			version:   args[3].(int),
			layout:    []byte(args[4].(string)),
		}
	}
	return tag, nil
}

func (tx *fakeTx) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	for _, q := range b.QueuedQueries {
		tx.db.batches = append(tx.db.batches, queued{SQL: q.SQL, Args: q.Arguments})
	}
	return okResults{}
}

func (tx *fakeTx) Commit(_ context.Context) error {
	if tx.pending != nil {
		tx.db.meta = tx.pending
	}
	tx.db.commits++
	return nil
}

func (tx *fakeTx) Rollback(_ context.Context) error { return nil }

type okResults struct {
	pgx.BatchResults
}

func (okResults) Exec() (pgconn.CommandTag, error) { return pgconn.CommandTag{}, nil }
func (okResults) Close() error                     { return nil }

type fakeSource struct {
	schema  dap.VersionedSchema
	records []dap.Record
	queries []dap.Query
	at      time.Time
}

func (s *fakeSource) GetSchema(_ context.Context, _, _ string) (*dap.VersionedSchema, error) {
	schema := s.schema
	return &schema, nil
}

func (s *fakeSource) Query(_ context.Context, _, _ string, q dap.Query) (*dap.Job, error) {
	s.queries = append(s.queries, q)
	at := s.at
	return &dap.Job{ID: "job-1", Status: dap.JobComplete, At: &at}, nil
}

func (s *fakeSource) DownloadAll(_ context.Context, _ *dap.Job, fn func(dap.Record) error) error {
	for _, rec := range s.records {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// gradesSchema builds a schema version keyed by id with the given value properties
func gradesSchema(version int, value string) dap.VersionedSchema {
	raw := `{"type":"object","properties":{
		"key":{"type":"object","properties":{"id":{"type":"integer"}}},
		"value":{"type":"object","properties":{` + value + `}}}}`
	return dap.VersionedSchema{Version: version, Schema: json.RawMessage(raw)}
}

func upsert(id string, value map[string]any) dap.Record {
	return dap.Record{
		Key:   map[string]any{"id": json.Number(id)},
		Value: value,
		Meta:  map[string]any{"action": "U"},
	}
}

func newEngine(db *fakeDB, src *fakeSource) *replicator.Engine {
	return replicator.NewEngine(db, src, "canvas", zap.NewNop())
}

func storedLayout(t *testing.T, db *fakeDB) []replicator.Column {
	t.Helper()
	require.NotNil(t, db.meta)
	var cols []replicator.Column
	require.NoError(t, json.Unmarshal(db.meta.layout, &cols))
	return cols
}

func TestEngine_SynchronizeNotInitialized(t *testing.T) {
	db := &fakeDB{beginErr: errors.New("unexpected transaction")}
	src := &fakeSource{schema: gradesSchema(1, `"name":{"type":"string"}`)}

	err := newEngine(db, src).Synchronize(context.Background(), "grades")
	assert.ErrorIs(t, err, replicator.ErrTableNotInitialized)
	assert.Equal(t, syncer.TableNotInitialized, syncer.Classify(err))
	assert.Empty(t, src.queries)
}

func TestEngine_InitializeAndSynchronize(t *testing.T) {
	db := &fakeDB{}
	at := time.Date(2026, 10, 1, 16, 0, 0, 0, time.UTC)
	src := &fakeSource{
		schema: gradesSchema(1, `"name":{"type":"string"},"score":{"type":"number"}`),
		at:     at,
		records: []dap.Record{
			upsert("1", map[string]any{"name": "a", "score": json.Number("9.5")}),
			{Key: map[string]any{"id": json.Number("2")}, Meta: map[string]any{"action": "D"}},
		},
	}
	engine := newEngine(db, src)

	require.NoError(t, engine.Initialize(context.Background(), "grades"))
	assert.Nil(t, src.queries[0].Since, "initialization loads a snapshot")
	assert.Contains(t, db.execs, "CREATE TABLE \"canvas\".\"grades\" (\n\t\"id\" bigint NOT NULL,\n\t\"name\" text,\n\t\"score\" double precision,\n\tPRIMARY KEY (\"id\")\n)")
	require.Len(t, db.batches, 2)
	assert.Equal(t, []any{int64(1), "a", 9.5}, db.batches[0].Args)
	assert.Equal(t, `DELETE FROM "canvas"."grades" WHERE "id" = $1`, db.batches[1].SQL)
	assert.Equal(t, 1, db.meta.version)
	assert.Equal(t, at, db.meta.timestamp)

	err := engine.Initialize(context.Background(), "grades")
	assert.ErrorIs(t, err, replicator.ErrTableAlreadyInitialized)

	src.at = at.Add(time.Hour)
	src.records = src.records[:1]
	mark := len(db.execs)
	require.NoError(t, engine.Synchronize(context.Background(), "grades"))
	require.NotNil(t, src.queries[1].Since)
	assert.Equal(t, at, *src.queries[1].Since)
	for _, stmt := range db.statementsAfter(mark) {
		assert.NotContains(t, stmt, "ALTER TABLE")
	}
	assert.Equal(t, at.Add(time.Hour), db.meta.timestamp)
	assert.Equal(t, 2, db.commits)
}

func TestEngine_ColumnRemovedThenReadded(t *testing.T) {
	db := &fakeDB{}
	src := &fakeSource{
		schema: gradesSchema(1, `"name":{"type":"string"},"score":{"type":"number"}`),
		at:     time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC),
	}
	engine := newEngine(db, src)
	require.NoError(t, engine.Initialize(context.Background(), "grades"))

	// v2 drops score; the column stays in the table
	src.schema = gradesSchema(2, `"name":{"type":"string"}`)
	src.records = []dap.Record{upsert("1", map[string]any{"name": "a"})}
	mark := len(db.execs)
	require.NoError(t, engine.Synchronize(context.Background(), "grades"))
	for _, stmt := range db.statementsAfter(mark) {
		assert.NotContains(t, stmt, "ALTER TABLE")
	}
	assert.Equal(t, `INSERT INTO "canvas"."grades" ("id", "name") VALUES ($1, $2) ON CONFLICT ("id") DO UPDATE SET "name" = EXCLUDED."name"`,
		db.batches[len(db.batches)-1].SQL)
	assert.Equal(t, []replicator.Column{
		{Name: "id", Type: "bigint", Key: true},
		{Name: "name", Type: "text"},
		{Name: "score", Type: "double precision", Retained: true},
	}, storedLayout(t, db))

	// v3 brings score back with its old type: nothing to alter
	src.schema = gradesSchema(3, `"name":{"type":"string"},"score":{"type":"number"}`)
	src.records = []dap.Record{upsert("1", map[string]any{"name": "a", "score": json.Number("7")})}
	mark = len(db.execs)
	require.NoError(t, engine.Synchronize(context.Background(), "grades"))
	for _, stmt := range db.statementsAfter(mark) {
		assert.NotContains(t, stmt, "ADD COLUMN")
	}
	assert.Equal(t, []any{int64(1), "a", 7.0}, db.batches[len(db.batches)-1].Args)
	assert.Equal(t, 3, db.meta.version)
	assert.Len(t, storedLayout(t, db), 3)
}

func TestEngine_BlockedAlterIsQueryError(t *testing.T) {
	db := &fakeDB{}
	src := &fakeSource{
		schema: gradesSchema(1, `"score":{"type":"integer","format":"int32"}`),
		at:     time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC),
	}
	engine := newEngine(db, src)
	require.NoError(t, engine.Initialize(context.Background(), "grades"))

	db.failOn = "ALTER TABLE"
	db.failErr = &pgconn.PgError{Code: "0A000", Message: "cannot alter type of a column used by a view or rule"}
	src.schema = gradesSchema(2, `"score":{"type":"number"}`)

	err := engine.Synchronize(context.Background(), "grades")
	require.Error(t, err)

	var qe *replicator.QueryError
	require.ErrorAs(t, err, &qe)
	assert.True(t, strings.HasPrefix(qe.Query, `ALTER TABLE "canvas"."grades" ALTER COLUMN "score" TYPE double precision`))
	var pgErr *pgconn.PgError
	assert.ErrorAs(t, err, &pgErr)
	assert.Equal(t, syncer.SchemaLocked, syncer.Classify(err))

	assert.Equal(t, 1, db.meta.version, "failed sync leaves the sync record untouched")
	assert.Equal(t, 1, db.commits)
}
