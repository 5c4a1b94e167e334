// Package sqlgw implements the SQL Gateway (C1): a thin capability that
// opens the single embedded SQLite file backing a memory store and exposes
// the *sql.DB handle every other component executes parameterized
// statements against. There is no query builder and no ORM here -- the
// rest of the engine issues raw SQL, matching the corpus convention of
// calling db.Exec/db.Query directly.
package sqlgw

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nerdlabs/memstore/internal/memstore/memlog"
)

// Gateway wraps the single *sql.DB connection for a store. All C1-facing
// operations in the spec (CREATE TABLE IF NOT EXISTS, INSERT OR REPLACE,
// UPDATE, DELETE, ALTER TABLE RENAME TO, DROP TABLE IF EXISTS, SELECT ...)
// are issued directly against DB by the owning component; Gateway itself
// only opens the file (creating its directory), configures the connection
// pool and pragmas, and offers the TableExists/RowCount catalog helpers.
type Gateway struct {
	DB   *sql.DB
	Path string
}

// Open creates (or reopens) the SQLite file at path and verifies it is
// reachable. The caller owns the returned Gateway and must Close it.
func Open(path string) (*Gateway, error) {
	timer := memlog.StartTimer(memlog.CategoryEngine, "sqlgw.Open")
	defer timer.Stop()

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlgw: create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlgw: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlgw: ping %s: %w", path, err)
	}

	// Single-writer, single-connection store (spec §5): capping the pool at
	// one connection serializes every Exec/Query issued against db, so
	// concurrent callers queue instead of racing SQLite's writer lock.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		memlog.Get(memlog.CategoryEngine).Warnw("failed to set busy_timeout pragma", "error", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		memlog.Get(memlog.CategoryEngine).Warnw("failed to set journal_mode pragma", "error", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		memlog.Get(memlog.CategoryEngine).Warnw("failed to set synchronous pragma", "error", err)
	}

	memlog.Get(memlog.CategoryEngine).Infow("sql gateway opened", "path", path)
	return &Gateway{DB: db, Path: path}, nil
}

// Close releases the underlying connection.
func (g *Gateway) Close() error {
	if g == nil || g.DB == nil {
		return nil
	}
	return g.DB.Close()
}

// TableExists reports whether a table is present in sqlite_master, SQLite's
// own catalog table. Migration uses it (and RowCount) to probe the legacy
// and block tables.
func (g *Gateway) TableExists(name string) (bool, error) {
	var found string
	err := g.DB.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name = ?", name,
	).Scan(&found)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlgw: check table %s: %w", name, err)
	}
	return true, nil
}

// RowCount returns COUNT(*) for table, or 0 if the table does not exist.
func (g *Gateway) RowCount(table string) (int64, error) {
	exists, err := g.TableExists(table)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}
	var count int64
	if err := g.DB.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
		return 0, fmt.Errorf("sqlgw: count %s: %w", table, err)
	}
	return count, nil
}
