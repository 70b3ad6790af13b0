// Package store implements the encrypted local relational store: entity rows
// (conversations, messages, tags, threads, todos, attachments), the oplog
// table, cursor state and the pending-apply set, all behind repositories
// speaking dbx.DBTX.
//
// Entity rows are a derived projection: they are mutated only through the
// Merge* apply functions and the Mutator, never directly.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/keepsake-app/keepsake/internal/store/migrations"
	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite"
)

// RunMigrations applies the embedded goose migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return goose.UpContext(ctx, db, ".")
}

// Open opens (or creates) the local sqlite store at dsn and migrates it.
//
// The returned handle is exclusively owned by one sync call at a time; see
// the concurrency notes on syncer.Push/Pull.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON; PRAGMA journal_mode = WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure sqlite: %w", err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
