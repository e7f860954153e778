package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrDuplicateLink = errors.New("eid or user already linked")
)

// DB wraps the SQLite handle shared by all stores
type DB struct {
	db   *sql.DB
	path string
}

// Open opens (and migrates) the SQLite database in dataDir
func Open(dataDir string) (*DB, error) {
	// Ensure data directory exists
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "eidlogin.db")

	// Open SQLite database with modernc.org/sqlite (pure Go, no CGO)
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool for SQLite
	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	d := &DB{
		db:   db,
		path: dbPath,
	}

	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return d, nil
}

// migrate runs database schema migrations
func (d *DB) migrate() error {
	migrations := []string{
		// eID-to-account links. Both columns are unique: one eID links to at
		// most one account and one account holds at most one eID.
		`CREATE TABLE IF NOT EXISTS eid_users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			eid TEXT NOT NULL UNIQUE,
			uid INTEGER NOT NULL UNIQUE
		)`,

		// Attributes delivered alongside an eID link
		`CREATE TABLE IF NOT EXISTS eid_attributes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uid INTEGER NOT NULL,
			name TEXT NOT NULL,
			value TEXT NOT NULL,
			UNIQUE (uid, name)
		)`,

		// Continuation records correlating an outbound AuthnRequest with the
		// context needed to resume after the redirect
		`CREATE TABLE IF NOT EXISTS eid_continue_data (
			uid TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			time INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_continue_time ON eid_continue_data(time)`,

		// Processed response data awaiting the TR-03130 resume hop
		`CREATE TABLE IF NOT EXISTS eid_response_data (
			uid TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			time INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_response_time ON eid_response_data(time)`,

		// Single-row settings aggregate, versioned for optimistic concurrency
		`CREATE TABLE IF NOT EXISTS eid_settings (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			value TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1
		)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Handle exposes the raw database handle for the stores
func (d *DB) Handle() *sql.DB {
	return d.db
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.db.Close()
}
