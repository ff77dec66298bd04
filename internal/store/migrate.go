package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/matheus3301/chatq/internal/errs"
	"github.com/matheus3301/chatq/internal/store/migrations"
)

// migrationsTable keeps golang-migrate's bookkeeping apart from our tables.
const migrationsTable = "chatq_schema_migrations"

// MigrateResult reports the schema version after Migrate.
type MigrateResult struct {
	Version uint
	Changed bool
}

// Migrate brings the schema up to date. A database left dirty by an
// interrupted migration is refused rather than patched over.
func (db *DB) Migrate() (*MigrateResult, error) {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, errs.New(errs.Storage, "migrate", fmt.Errorf("source: %w", err))
	}
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return nil, errs.New(errs.Storage, "migrate", fmt.Errorf("driver: %w", err))
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return nil, errs.New(errs.Storage, "migrate", err)
	}

	if v, dirty, err := m.Version(); err == nil && dirty {
		return nil, errs.New(errs.Storage, "migrate", fmt.Errorf("schema version %d is dirty", v))
	}

	res := &MigrateResult{Changed: true}
	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return nil, errs.New(errs.Storage, "migrate", err)
		}
		res.Changed = false
	}
	v, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return nil, errs.New(errs.Storage, "migrate", err)
	}
	res.Version = v
	return res, nil
}
