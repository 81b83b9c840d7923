// Package sqlstore holds the schema and small dialect differences shared by
// the storage-facing packages (turn, quota, outbox). Production deployments
// run against MySQL; tests run the identical SQL against SQLite (see
// internal/testkit). Components in this module never embed raw table DDL
// themselves — they go through here.
package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
)

//go:embed schema.sql
var schemaSQL string

// Schema returns the embedded DDL script for the turn-execution tables.
func Schema() string {
	return schemaSQL
}

// Dialect names the production driver and the test driver. The storage
// packages issue the same SQL text to both; no query is selected by Dialect.
type Dialect string

const (
	DialectMySQL  Dialect = "mysql"
	DialectSQLite Dialect = "sqlite"
)

// DetectDialect infers the dialect from the database/sql driver name used to
// open db. Both drivers wired by this module (go-sql-driver/mysql and
// modernc.org/sqlite) report a stable driver name via reflection on the
// *sql.DB is not possible, so callers that know which driver they opened
// should prefer passing the dialect explicitly; DetectDialect is a
// best-effort fallback for generic callers (e.g. the watchdog binary).
func DetectDialect(driverName string) Dialect {
	if driverName == "mysql" {
		return DialectMySQL
	}
	return DialectSQLite
}

// Migrate applies the embedded schema. It is idempotent: every statement is
// guarded with IF NOT EXISTS, matching the teacher's own test bootstrap style
// (internal/dao/turn/impl/sql/service_test.go loads a DDL file the same way).
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlstore: migrate: %w", err)
		}
	}
	return nil
}

// TimeLayout is the fixed-width timestamp format this module stores TEXT
// timestamp columns in. The fractional part must be zero-padded (not
// trimmed) so that lexical string ordering matches time ordering across both
// dialects — a trimmed-zeros layout like ".999999999" produces different
// string lengths for timestamps that happen to land on a round second, which
// breaks every "<"/"<=" comparison this module does in SQL against these
// columns (orphan cutoff, outbox lease/backoff).
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Execer is the minimal write-capable handle satisfied by both *sql.DB and
// *sql.Tx. turn.Store.FinalizeCAS, quota.Engine.Commit, and outbox.Store.Insert
// all accept one of these instead of reaching into a private *sql.DB field,
// so the orchestrator's FinalizeTurn can thread a single *sql.Tx through the
// CAS update, the assistant-message insert, the quota commit, and the outbox
// insert and commit them atomically (spec §4.5 "FinalizeTurn... atomic DB
// transaction"; forbidden pattern "inserting the outbox in a separate
// transaction").
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}
