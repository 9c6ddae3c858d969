package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// DB is the relational store: accounts, contacts, learned relationship
// styles and action records. Repos hang off it as methods.
type DB struct {
	*sqlx.DB
}

// New opens the sqlite database at path, creating the data directory on
// first run.
func New(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// WAL lets API reads proceed while a job worker writes; NORMAL sync is
	// durable under WAL without an fsync per commit.
	dsn := path + "?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on&_busy_timeout=5000"
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// sqlite allows a single writer. One shared connection keeps concurrent
	// job workers from tripping SQLITE_BUSY on the outcome upserts.
	db.SetMaxOpenConns(1)

	return &DB{db}, nil
}

// Migrate applies the schema. Every statement is IF NOT EXISTS, so it runs
// on each boot.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
