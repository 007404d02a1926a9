// Package store implements SQLite persistence for the coordinator:
// checkpoints, training sessions and shard assignments, quarantine history,
// and reward distributions.
//
// No DB wrapper type existed anywhere in the retrieval this package was
// adapted from — infra/registry and app/coordinator both expect a *store.DB,
// so this file defines it, following the migration-slice-plus-method-set
// idiom the rest of the package uses throughout.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps a SQLite connection and exposes domain-specific query methods.
type DB struct {
	db *sql.DB
}

// Open opens (creating if necessary) a SQLite database at path and applies
// all migrations in order. Use ":memory:" for an ephemeral in-process store.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite tolerates at most one writer; serialize access at the
	// connection-pool level rather than fighting SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return d, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) migrate() error {
	for _, group := range [][]string{
		checkpointMigrations(),
		sessionMigrations(),
		quarantineMigrations(),
		rewardMigrations(),
	} {
		for _, stmt := range group {
			if _, err := db.db.Exec(stmt); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
	}
	return nil
}
