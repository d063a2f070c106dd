package replicator

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

const metaSchema = "instructure_dap"

var (
	createMetaSchemaSQL = fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, quoteIdent(metaSchema))

	createMetaTableSQL = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	source_namespace varchar(64) NOT NULL,
	source_table varchar(64) NOT NULL,
	timestamp timestamp with time zone NOT NULL,
	schema_version integer NOT NULL,
	target_schema varchar(64) NOT NULL,
	target_table varchar(64) NOT NULL,
	schema_description jsonb NOT NULL,
	PRIMARY KEY (source_namespace, source_table)
)`, metaTable())

	selectMetaSQL = fmt.Sprintf(`SELECT timestamp, schema_version, schema_description
FROM %s WHERE source_namespace = $1 AND source_table = $2`, metaTable())

	insertMetaSQL = fmt.Sprintf(`INSERT INTO %s
(source_namespace, source_table, timestamp, schema_version, target_schema, target_table, schema_description)
VALUES ($1, $2, $3, $4, $1, $2, $5)`, metaTable())

	updateMetaSQL = fmt.Sprintf(`UPDATE %s
SET timestamp = $3, schema_version = $4, schema_description = $5
WHERE source_namespace = $1 AND source_table = $2`, metaTable())
)

func metaTable() string {
	return pgx.Identifier{metaSchema, "table_sync"}.Sanitize()
}

func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func tableIdent(namespace, table string) string {
	return pgx.Identifier{namespace, table}.Sanitize()
}

func createSchemaSQL(namespace string) string {
	return fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, quoteIdent(namespace))
}

func createTableSQL(namespace, table string, cols []Column) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (\n", tableIdent(namespace, table))
	for _, c := range cols {
		fmt.Fprintf(&b, "\t%s %s", quoteIdent(c.Name), c.Type)
		if c.Key {
			b.WriteString(" NOT NULL")
		}
		b.WriteString(",\n")
	}
	fmt.Fprintf(&b, "\tPRIMARY KEY (%s)\n)", columnNames(KeyColumns(cols)))
	return b.String()
}

// alterTableSQL returns the statements that move a table from the stored
// layout prev to the columns next. Retained columns of prev still exist in
// the table, so bringing one back only converts its type when needed
func alterTableSQL(namespace, table string, prev, next []Column) []string {
	existing := make(map[string]Column, len(prev))
	for _, c := range prev {
		existing[c.Name] = c
	}

	var stmts []string
	for _, c := range next {
		old, ok := existing[c.Name]
		switch {
		case !ok:
			stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
				tableIdent(namespace, table), quoteIdent(c.Name), c.Type))
		case old.Type != c.Type:
			stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s",
				tableIdent(namespace, table), quoteIdent(c.Name), c.Type, quoteIdent(c.Name), c.Type))
		}
	}
	return stmts
}

func upsertSQL(namespace, table string, cols []Column) string {
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	var updates []string
	for _, c := range cols {
		if !c.Key {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", quoteIdent(c.Name), quoteIdent(c.Name)))
		}
	}

	conflict := "DO NOTHING"
	if len(updates) > 0 {
		conflict = "DO UPDATE SET " + strings.Join(updates, ", ")
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		tableIdent(namespace, table),
		columnNames(cols),
		strings.Join(placeholders, ", "),
		columnNames(KeyColumns(cols)),
		conflict,
	)
}

func deleteSQL(namespace, table string, keys []Column) string {
	conds := make([]string, len(keys))
	for i, k := range keys {
		conds[i] = fmt.Sprintf("%s = $%d", quoteIdent(k.Name), i+1)
	}
	return fmt.Sprintf("DELETE FROM %s WHERE %s", tableIdent(namespace, table), strings.Join(conds, " AND "))
}
