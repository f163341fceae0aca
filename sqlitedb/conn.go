// Package sqlitedb provides the single-writer, WAL-mode SQLite connection
// every service opens its own database file through, translating the
// teacher's pgxpool.ParseConfig/NewWithConfig wrapper (db/conn.go) from pgx
// to database/sql + modernc.org/sqlite.
package sqlitedb

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Open constructs a *sql.DB for the given file path, tuned for a single
// writer: WAL journaling, a busy timeout, and a pool of one connection, so
// reads and writes through it run one at a time (spec.md §5 "Shared
// resources").
func Open(path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlitedb: empty database path")
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitedb: open %s: %w", path, err)
	}
	// A single physical connection avoids SQLITE_BUSY storms under WAL;
	// readers wait for that same connection, so they do not run
	// concurrently with a writer.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitedb: ping %s: %w", path, err)
	}
	return db, nil
}

// Migrate runs the given DDL statements inside one transaction, idempotent
// across restarts because every statement is CREATE TABLE IF NOT EXISTS.
func Migrate(ctx context.Context, db *sql.DB, ddl string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitedb: begin migration: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("sqlitedb: apply migration: %w", err)
	}
	return tx.Commit()
}

// BeginImmediate starts a write transaction that acquires SQLite's reserved
// lock up front (BEGIN IMMEDIATE semantics, via sql.LevelSerializable which
// modernc.org/sqlite maps to an immediate transaction) so a logical
// operation's read-check-write sequence (balance checks, status
// compare-and-set) cannot interleave with another writer the way a
// deferred transaction could.
func BeginImmediate(ctx context.Context, db *sql.DB) (*sql.Tx, error) {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("sqlitedb: begin immediate: %w", err)
	}
	return tx, nil
}
