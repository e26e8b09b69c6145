package shared

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// NewDatabase opens the catalog database at the specified path, which can be
// ":memory:" for tests.
//
// Foreign keys are enforced so release_artists, release_markets, and
// user_artists rows cannot outlive their parent row; the busy timeout rides
// out writes from a concurrent sync instead of failing with SQLITE_BUSY.
func NewDatabase(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// ConfigureDatabase applies connection pool limits for the catalog.
//
// Zero or negative values fall back to a small pool; the catalog is a local
// single-user store and never needs more than a handful of connections.
func ConfigureDatabase(db *sql.DB, maxOpenConns, maxIdleConns int) {
	if maxOpenConns <= 0 {
		maxOpenConns = 4
	}
	if maxIdleConns <= 0 {
		maxIdleConns = 2
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
}
