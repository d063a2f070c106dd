package syncer

import (
	"errors"
	"strings"

	"github.com/Harvard-University-iCommons/canvas-data-2-aws/internal/replicator"
	"github.com/jackc/pgx/v5/pgconn"
)

// Class is the category of a replication failure
type Class int

const (
	Unclassified Class = iota
	SchemaLocked
	TableNotInitialized
)

func (c Class) String() string {
	switch c {
	case SchemaLocked:
		return "schema_locked"
	case TableNotInitialized:
		return "table_not_initialized"
	}
	return "unclassified"
}

const (
	codeDependentObjects = "2BP01" // dependent_objects_still_exist
	codeUndefinedTable   = "42P01"
	codeInvalidSchema    = "3F000"
)

// dependentObjectMessages are fragments of the errors PostgreSQL raises when a
// view or rule blocks an ALTER TABLE
var dependentObjectMessages = []string{
	"used by a view or rule",
	"depend on it",
	"depends on",
	"dependent view",
	"dependent object",
}

// Classify maps a replication failure to a Class. A nil error is Unclassified
func Classify(err error) Class {
	if err == nil {
		return Unclassified
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeDependentObjects:
			return SchemaLocked
		case codeUndefinedTable, codeInvalidSchema:
			return TableNotInitialized
		}
	}

	if errors.Is(err, replicator.ErrTableNotInitialized) {
		return TableNotInitialized
	}

	msg := strings.ToLower(err.Error())
	if isAlterTable(err, msg) && mentionsDependents(msg, pgErr) {
		return SchemaLocked
	}
	if strings.Contains(msg, "table not initialized") {
		return TableNotInitialized
	}
	return Unclassified
}

func isAlterTable(err error, msg string) bool {
	var qe *replicator.QueryError
	if errors.As(err, &qe) {
		return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(qe.Query)), "ALTER TABLE")
	}
	return strings.Contains(msg, "alter table")
}

func mentionsDependents(msg string, pgErr *pgconn.PgError) bool {
	texts := []string{msg}
	if pgErr != nil {
		texts = append(texts, strings.ToLower(pgErr.Detail), strings.ToLower(pgErr.Hint))
	}
	for _, text := range texts {
		for _, fragment := range dependentObjectMessages {
			if strings.Contains(text, fragment) {
				return true
			}
		}
	}
	return false
}
