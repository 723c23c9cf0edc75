package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQL database connection
type DB struct {
	*sql.DB
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite doesn't handle concurrent writes well
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &DB{db}, nil
}

// Migrate runs database migrations
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		migrationSessions,
		migrationPolicies,
		migrationLedger,
		migrationTariffs,
		migrationIndexes,
	}

	for i, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

const migrationSessions = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	resource_id TEXT NOT NULL,
	subject_id TEXT NOT NULL,

	rate_per_minute TEXT NOT NULL,
	currency TEXT NOT NULL DEFAULT 'USD',

	mode TEXT NOT NULL,
	planned_duration_seconds INTEGER NOT NULL DEFAULT 0,

	started_at DATETIME NOT NULL,
	pause_intervals TEXT NOT NULL DEFAULT '[]',
	stopped_at DATETIME,

	status TEXT NOT NULL DEFAULT 'running',
	final_cost TEXT,
	exported INTEGER NOT NULL DEFAULT 0,

	-- Optimistic concurrency token; every committed mutation bumps it.
	version INTEGER NOT NULL DEFAULT 1
);
`

const migrationPolicies = `
CREATE TABLE IF NOT EXISTS tenant_policies (
	tenant_id TEXT PRIMARY KEY,
	is_authorized INTEGER NOT NULL DEFAULT 0,
	max_concurrent_sessions INTEGER NOT NULL DEFAULT 1,
	max_session_duration_seconds INTEGER NOT NULL DEFAULT 0,
	approval_threshold_cost TEXT,
	total_sessions_completed INTEGER NOT NULL DEFAULT 0,
	total_revenue TEXT NOT NULL DEFAULT '0',
	last_used_at DATETIME
);
`

// session_id as primary key makes the ledger append idempotent: a losing
// writer in a terminal-transition race hits the constraint instead of
// double-billing.
const migrationLedger = `
CREATE TABLE IF NOT EXISTS ledger (
	session_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	resource_id TEXT NOT NULL,
	final_cost TEXT NOT NULL,
	currency TEXT NOT NULL DEFAULT 'USD',
	reason TEXT NOT NULL,
	finalized_at DATETIME NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const migrationTariffs = `
CREATE TABLE IF NOT EXISTS tariffs (
	resource_id TEXT PRIMARY KEY,
	rate_per_minute TEXT NOT NULL,
	currency TEXT NOT NULL DEFAULT 'USD',
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const migrationIndexes = `
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_tenant_id ON sessions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_sessions_mode_status ON sessions(mode, status);
CREATE INDEX IF NOT EXISTS idx_ledger_tenant_id ON ledger(tenant_id);
`
