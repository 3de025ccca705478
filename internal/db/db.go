// Package db provides the durable local store backing offline operation.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	apperrors "github.com/salvacell/offsync/internal/errors"

	_ "modernc.org/sqlite"
)

// DB wraps the sql.DB with engine-specific configuration.
type DB struct {
	*sql.DB
	path string
}

// Open opens (creating if needed) the SQLite database at path and applies
// pending migrations. The database is opened with:
// - WAL mode for concurrent reads/writes
// - Foreign key constraints enabled
// - A busy timeout so short lock contention does not fail writes
//
// Any failure is reported as STORE_UNAVAILABLE; callers treat it as fatal.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStoreUnavailable, "create data directory", err)
		}
	}

	// modernc.org/sqlite is pure Go, no CGO
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStoreUnavailable, "open database", err)
	}

	// SQLite doesn't support multiple writers
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, apperrors.Wrap(apperrors.ErrStoreUnavailable, fmt.Sprintf("apply %q", pragma), err)
		}
	}

	migrator := NewMigrator(sqlDB, Migrations)
	if err := migrator.Initialize(); err != nil {
		sqlDB.Close()
		return nil, apperrors.Wrap(apperrors.ErrStoreUnavailable, "initialize migrations", err)
	}
	if err := migrator.Up(context.Background()); err != nil {
		sqlDB.Close()
		return nil, apperrors.Wrap(apperrors.ErrStoreUnavailable, "apply migrations", err)
	}

	return &DB{DB: sqlDB, path: path}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
