package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicate    = errors.New("duplicate record")
	ErrDatabaseInit = errors.New("database initialization failed")
)

// DB represents the database connection. It implements the cursor and
// subscription stores used by the sync engine and lifecycle coordinator.
type DB struct {
	conn *sql.DB
}

// New creates a new database connection and initializes the schema.
func New(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("%w: failed to create directory: %w", ErrDatabaseInit, err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabaseInit, err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA secure_delete=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: failed to set pragma: %w", ErrDatabaseInit, err)
		}
	}

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	// The file might not exist yet in WAL mode
	_ = os.Chmod(dbPath, 0600)

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn returns the underlying database connection.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// migrate creates the database schema.
func (db *DB) migrate() error {
	migrations := []string{
		// Cursors table, one opaque provider token per account feed
		`CREATE TABLE IF NOT EXISTS sync_cursors (
			account_id TEXT NOT NULL,
			resource_type TEXT NOT NULL,
			cursor TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (account_id, resource_type)
		)`,

		// Sync targets table
		`CREATE TABLE IF NOT EXISTS sync_targets (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			resource_type TEXT NOT NULL,
			sync_interval INTEGER NOT NULL DEFAULT 300,
			enabled INTEGER NOT NULL DEFAULT 1,
			last_sync_at DATETIME,
			last_sync_status TEXT NOT NULL DEFAULT 'pending',
			last_sync_message TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(account_id, resource_type)
		)`,

		// Subscriptions table
		`CREATE TABLE IF NOT EXISTS subscriptions (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			resource_type TEXT NOT NULL,
			tenant_id TEXT,
			client_state TEXT,
			expires_at DATETIME NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// Index on expires_at for the renewal sweep
		`CREATE INDEX IF NOT EXISTS idx_subscriptions_expires_at ON subscriptions(expires_at)`,

		// Account credentials table
		`CREATE TABLE IF NOT EXISTS account_credentials (
			account_id TEXT PRIMARY KEY,
			tenant_id TEXT,
			refresh_token TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// Sync logs table
		`CREATE TABLE IF NOT EXISTS sync_logs (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			resource_type TEXT NOT NULL,
			status TEXT NOT NULL,
			message TEXT,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// Index on target and created_at for sync_logs
		`CREATE INDEX IF NOT EXISTS idx_sync_logs_target ON sync_logs(account_id, resource_type)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_logs_created_at ON sync_logs(created_at DESC)`,

		// Migration: Add change stats columns to sync_logs
		`ALTER TABLE sync_logs ADD COLUMN changes_created INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE sync_logs ADD COLUMN changes_updated INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE sync_logs ADD COLUMN changes_deleted INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE sync_logs ADD COLUMN items_failed INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE sync_logs ADD COLUMN pages INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE sync_logs ADD COLUMN cold_start INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE sync_logs ADD COLUMN recovered INTEGER NOT NULL DEFAULT 0`,
	}

	for _, migration := range migrations {
		if _, err := db.conn.Exec(migration); err != nil {
			// Ignore "duplicate column" errors for ALTER TABLE migrations
			if !isDuplicateColumnError(err) {
				return fmt.Errorf("%w: migration failed: %w", ErrDatabaseInit, err)
			}
		}
	}

	return nil
}

// isDuplicateColumnError checks if the error is due to a duplicate column in ALTER TABLE.
func isDuplicateColumnError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "duplicate column") || strings.Contains(errStr, "already exists")
}

// Ping checks the database connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}
