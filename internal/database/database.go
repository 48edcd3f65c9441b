// Package database opens the local sqlite database backing webhook
// idempotency. It holds no business state: subscriber data lives in
// Stripe and Airtable, and losing this file only re-opens the door to
// reprocessing already-seen events.
package database

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// dsnPragmas: WAL keeps reads open during webhook bursts, the busy
// timeout waits out writer contention instead of failing fast, and
// foreign keys are enforced.
const dsnPragmas = "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

const migrationsDir = "migrations"

//go:embed migrations/*.sql
var migrations embed.FS

// Open opens the SQLite database at the given path and brings its
// schema up to date.
func Open(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath+dsnPragmas)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.Up(db, migrationsDir); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}

	return nil
}
