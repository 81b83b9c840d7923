// Package testkit provides a shared SQLite-backed test harness for the
// storage-facing packages (turn, quota, outbox). Production deployments use
// MySQL (see internal/sqlstore); tests run the same SQL against an embedded
// SQLite database so they stay hermetic.
package testkit

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

// ParameterizedSQL represents a statement with optional bind parameters.
type ParameterizedSQL struct {
	SQL    string
	Params []interface{}
}

// ExecAll executes statements sequentially, failing the test on first error.
func ExecAll(t *testing.T, db *sql.DB, items []ParameterizedSQL) {
	t.Helper()
	for _, it := range items {
		if strings.TrimSpace(it.SQL) == "" {
			continue
		}
		if _, err := db.Exec(it.SQL, it.Params...); err != nil {
			t.Fatalf("exec SQL failed: %v\nSQL: %s", err, it.SQL)
		}
	}
}

// LoadDDL executes the given DDL script, splitting on ';'.
func LoadDDL(t *testing.T, db *sql.DB, ddl string) {
	t.Helper()
	for _, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("schema exec failed: %v\nSQL: %s", err, stmt)
		}
	}
}

// OpenSQLite creates a temporary SQLite database file and opens a connection.
// It returns the *sql.DB and a cleanup function that closes the DB and removes
// the temp directory.
func OpenSQLite(t *testing.T, prefix string) (*sql.DB, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", prefix)
	if err != nil {
		t.Fatalf("tempdir: %v", err)
	}
	dbPath := filepath.Join(dir, "test.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("open db: %v", err)
	}
	cleanup := func() {
		_ = db.Close()
		_ = os.RemoveAll(dir)
	}
	return db, cleanup
}
