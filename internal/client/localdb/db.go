// Package localdb opens the client's SQLite databases and brings their
// schema up to date with embedded goose migrations.
package localdb

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"net/url"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/dmitrijs2005/vaultsync/internal/filex"
)

// DSN builds a modernc SQLite connection string for a database file with
// the pragmas every client database runs with.
func DSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	return "file:" + path + "?" + q.Encode()
}

// RunMigrations applies every pending migration in fsys. Each call uses its
// own goose provider, so databases with different migration sets can be
// migrated concurrently.
func RunMigrations(ctx context.Context, db *sql.DB, fsys fs.FS) error {
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Open opens (creating if needed) the database file at path and migrates it.
func Open(ctx context.Context, path string, fsys fs.FS) (*sql.DB, error) {
	if err := filex.EnsureParentDir(path); err != nil {
		return nil, fmt.Errorf("failed to create database dir: %w", err)
	}
	return OpenDSN(ctx, DSN(path), fsys)
}

// OpenDSN is Open for an explicit DSN, e.g. a shared in-memory database.
func OpenDSN(ctx context.Context, dsn string, fsys fs.FS) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite has a single writer; one connection avoids SQLITE_BUSY between
	// our own goroutines and keeps shared in-memory databases alive.
	db.SetMaxOpenConns(1)

	if err := RunMigrations(ctx, db, fsys); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
