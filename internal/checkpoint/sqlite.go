package checkpoint

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const attemptColumns = `id, run_id, table_name, operation, outcome, first_failure, recovery,
	error, restore_error, started_at, duration_ms`

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db      *sqlx.DB
	closed  bool
	writeMu sync.Mutex
}

// NewSQLiteStore opens (creating if needed) the ledger at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)", dbPath)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		table_name TEXT NOT NULL,
		operation TEXT NOT NULL,
		outcome TEXT NOT NULL,
		first_failure TEXT NOT NULL DEFAULT '',
		recovery BOOLEAN NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		restore_error TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_attempts_table ON attempts(table_name, started_at);
	CREATE INDEX IF NOT EXISTS idx_attempts_run ON attempts(run_id);
	CREATE INDEX IF NOT EXISTS idx_attempts_outcome ON attempts(outcome);
	`

	_, err := s.db.Exec(query)
	return err
}

// SaveAttempt appends an attempt to the ledger
func (s *SQLiteStore) SaveAttempt(record *AttemptRecord) error {
	if s.closed {
		return fmt.Errorf("database store is closed")
	}

	// Serialize writes to avoid SQLITE_BUSY from concurrent workers
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	record.StartedAt = record.StartedAt.UTC()
	return s.retryOnBusy(func() error {
		query := `
		INSERT INTO attempts
		(run_id, table_name, operation, outcome, first_failure, recovery, error, restore_error, started_at, duration_ms)
		VALUES (:run_id, :table_name, :operation, :outcome, :first_failure, :recovery, :error, :restore_error, :started_at, :duration_ms)
		`
		res, err := s.db.NamedExec(query, record)
		if err != nil {
			return fmt.Errorf("failed to insert attempt: %w", err)
		}
		record.ID, err = res.LastInsertId()
		return err
	})
}

// LatestByTable returns the newest attempt per table, ordered by table name
func (s *SQLiteStore) LatestByTable() ([]*AttemptRecord, error) {
	query := `
	SELECT ` + attemptColumns + `
	FROM attempts a
	WHERE a.id = (SELECT MAX(b.id) FROM attempts b WHERE b.table_name = a.table_name)
	ORDER BY a.table_name ASC
	`
	return s.list(query)
}

// ListRun returns the attempts of one run in the order they were recorded
func (s *SQLiteStore) ListRun(runID string) ([]*AttemptRecord, error) {
	query := `SELECT ` + attemptColumns + ` FROM attempts WHERE run_id = ? ORDER BY id ASC`
	return s.list(query, runID)
}

// ListFailed returns failed attempts started at or after since
func (s *SQLiteStore) ListFailed(since time.Time) ([]*AttemptRecord, error) {
	query := `SELECT ` + attemptColumns + ` FROM attempts
	WHERE (outcome = 'failed' OR restore_error != '') AND started_at >= ?
	ORDER BY id ASC`
	return s.list(query, since.UTC())
}

func (s *SQLiteStore) list(query string, args ...any) ([]*AttemptRecord, error) {
	if s.closed {
		return nil, fmt.Errorf("database store is closed")
	}

	var records []*AttemptRecord
	err := s.retryOnBusy(func() error {
		records = nil
		return s.db.Select(&records, query, args...)
	})
	return records, err
}

// retryOnBusy retries the operation if SQLite is busy
func (s *SQLiteStore) retryOnBusy(operation func() error) error {
	maxRetries := 10
	baseDelay := 50 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}

		if isSQLiteBusyError(err) && attempt < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<uint(attempt))
			jitter := time.Duration(attempt*10) * time.Millisecond
			time.Sleep(delay + jitter)
			continue
		}

		return err
	}

	return nil
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.closed = true
	return s.db.Close()
}
