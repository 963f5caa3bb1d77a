// Package store persists documents, page geometry, annotations and the
// audit trail behind stampd.
package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// migrations contains all database migrations in order.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema with documents and annotations",
		Up:          migrationV1Up,
		Down:        migrationV1Down,
	},
	{
		Version:     2,
		Description: "Add page_geometry table for server-side dimension resolution",
		Up:          migrationV2Up,
		Down:        migrationV2Down,
	},
	{
		Version:     3,
		Description: "Add audit_log table for the annotation audit trail",
		Up:          migrationV3Up,
		Down:        migrationV3Down,
	},
	{
		Version:     4,
		Description: "Add delivery_receipts table for merge/delivery outcomes",
		Up:          migrationV4Up,
		Down:        migrationV4Down,
	},
}

// Migration SQL statements

const migrationV1Up = `
-- Documents table
CREATE TABLE IF NOT EXISTS documents (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    path        TEXT NOT NULL,
    page_count  INTEGER NOT NULL DEFAULT 0,
    status      TEXT NOT NULL DEFAULT 'active',
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);

-- Annotations table (both coordinate forms stored; relative is the
-- device-independent source of truth, absolute feeds the composite)
CREATE TABLE IF NOT EXISTS annotations (
    id                  TEXT PRIMARY KEY,
    document_id         TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    type                TEXT NOT NULL,
    page                INTEGER NOT NULL,
    x                   REAL NOT NULL,
    y                   REAL NOT NULL,
    width               REAL NOT NULL,
    height              REAL NOT NULL,
    relative_x          REAL NOT NULL,
    relative_y          REAL NOT NULL,
    relative_width      REAL NOT NULL,
    relative_height     REAL NOT NULL,
    content             TEXT NOT NULL DEFAULT '',
    image_data          TEXT NOT NULL DEFAULT '',
    signature_source    TEXT NOT NULL DEFAULT '',
    font_size           INTEGER NOT NULL DEFAULT 0,
    read_only           INTEGER NOT NULL DEFAULT 0,
    is_existing         INTEGER NOT NULL DEFAULT 0,
    source_page_width   REAL,
    source_page_height  REAL,
    created_at          INTEGER NOT NULL,
    updated_at          INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_annotations_document ON annotations(document_id, page);
`

const migrationV1Down = `
DROP INDEX IF EXISTS idx_annotations_document;
DROP TABLE IF EXISTS annotations;
DROP TABLE IF EXISTS documents;
`

const migrationV2Up = `
-- Resolved page geometry, including the inversion-correction flag
CREATE TABLE IF NOT EXISTS page_geometry (
    document_id         TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    page_number         INTEGER NOT NULL,
    original_width      REAL NOT NULL,
    original_height     REAL NOT NULL,
    rotation            INTEGER NOT NULL DEFAULT 0,
    display_width       REAL NOT NULL,
    display_height      REAL NOT NULL,
    correction_applied  INTEGER NOT NULL DEFAULT 0,
    source              TEXT NOT NULL DEFAULT '',
    resolved_at         INTEGER NOT NULL,
    PRIMARY KEY (document_id, page_number)
);
`

const migrationV2Down = `
DROP TABLE IF EXISTS page_geometry;
`

const migrationV3Up = `
-- Audit trail of annotation-affecting actions
CREATE TABLE IF NOT EXISTS audit_log (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    document_id     TEXT NOT NULL,
    annotation_id   TEXT NOT NULL DEFAULT '',
    action          TEXT NOT NULL,
    actor           TEXT NOT NULL DEFAULT '',
    detail          TEXT NOT NULL DEFAULT '',
    timestamp_ns    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_document ON audit_log(document_id, timestamp_ns);
`

const migrationV3Down = `
DROP INDEX IF EXISTS idx_audit_document;
DROP TABLE IF EXISTS audit_log;
`

const migrationV4Up = `
-- Delivery receipts for merge/delivery provider outcomes
CREATE TABLE IF NOT EXISTS delivery_receipts (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    document_id     TEXT NOT NULL,
    provider        TEXT NOT NULL,
    status          TEXT NOT NULL,
    detail          TEXT NOT NULL DEFAULT '',
    output_path     TEXT NOT NULL DEFAULT '',
    timestamp_ns    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_receipts_document ON delivery_receipts(document_id, timestamp_ns);
`

const migrationV4Down = `
DROP INDEX IF EXISTS idx_receipts_document;
DROP TABLE IF EXISTS delivery_receipts;
`

// MigrateDB applies all pending migrations to the database.
func MigrateDB(db *sql.DB) error {
	// Ensure migrations table exists
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	// Get current version
	var currentVersion int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	// Apply pending migrations
	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}

		// Apply migration
		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}

		// Record migration
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// RollbackMigration rolls back the last applied migration.
func RollbackMigration(db *sql.DB) error {
	// Get current version
	var currentVersion int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	if currentVersion == 0 {
		return fmt.Errorf("no migrations to rollback")
	}

	// Find the migration
	var migration *Migration
	for i := range migrations {
		if migrations[i].Version == currentVersion {
			migration = &migrations[i]
			break
		}
	}

	if migration == nil {
		return fmt.Errorf("migration %d not found", currentVersion)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	// Apply rollback
	if _, err := tx.Exec(migration.Down); err != nil {
		tx.Rollback()
		return fmt.Errorf("rollback migration %d: %w", currentVersion, err)
	}

	// Remove migration record
	if _, err := tx.Exec("DELETE FROM schema_migrations WHERE version = ?", currentVersion); err != nil {
		tx.Rollback()
		return fmt.Errorf("remove migration record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rollback: %w", err)
	}

	return nil
}

// MigrationStatus describes applied and pending migrations.
type MigrationStatus struct {
	CurrentVersion int
	LatestVersion  int
	Pending        []Migration
	Applied        []AppliedMigration
}

type AppliedMigration struct {
	Version     int
	AppliedAt   time.Time
	Description string
}

func GetMigrationStatus(db *sql.DB) (*MigrationStatus, error) {
	status := &MigrationStatus{
		LatestVersion: len(migrations),
	}

	// Get applied migrations
	rows, err := db.Query("SELECT version, applied_at, description FROM schema_migrations ORDER BY version")
	if err != nil {
		// Table might not exist yet
		status.CurrentVersion = 0
		status.Pending = migrations
		return status, nil
	}
	defer rows.Close()

	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var am AppliedMigration
		var appliedAt int64
		if err := rows.Scan(&am.Version, &appliedAt, &am.Description); err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		am.AppliedAt = time.Unix(0, appliedAt)
		status.Applied = append(status.Applied, am)
		appliedVersions[am.Version] = true

		if am.Version > status.CurrentVersion {
			status.CurrentVersion = am.Version
		}
	}

	// Determine pending migrations
	for _, m := range migrations {
		if !appliedVersions[m.Version] {
			status.Pending = append(status.Pending, m)
		}
	}

	return status, nil
}

// ValidateSchema checks that all expected tables exist.
func ValidateSchema(db *sql.DB) error {
	requiredTables := []string{
		"documents",
		"annotations",
		"page_geometry",
		"audit_log",
		"delivery_receipts",
		"schema_migrations",
	}

	for _, table := range requiredTables {
		var count int
		err := db.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if count == 0 {
			return fmt.Errorf("missing required table: %s", table)
		}
	}

	return nil
}
