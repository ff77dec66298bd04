// Package store is the durable SQLite state of one profile: the operation
// queue, the local message cache and a small key/value table.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/matheus3301/chatq/internal/errs"
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection backing a profile's durable state.
type DB struct {
	*sql.DB
	path string
}

// Open opens (creating if needed) the database at path in WAL mode. Writes
// are serialized over a single connection; sender workers and the API
// otherwise race for the write lock.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errs.New(errs.Storage, "open store", err)
	}
	dsn := path + "?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errs.New(errs.Storage, "open store", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, errs.New(errs.Storage, "open store", fmt.Errorf("ping %s: %w", path, err))
	}
	return &DB{DB: sqlDB, path: path}, nil
}

// Path is the database file.
func (db *DB) Path() string { return db.path }
