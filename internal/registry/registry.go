// Package registry keeps the non-secret index of vaults and the journal of
// passphrase rotations in SQLite. Nothing stored here can decrypt anything.
package registry

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the registry database inside the base directory.
const FileName = "gtkrypt.db"

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 1

// Init opens (creating if needed) the registry at baseDir/gtkrypt.db.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.gtkrypt.
func Init(baseDir string) (*sql.DB, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	// Best-effort, may not work on all platforms
	_ = os.Chmod(baseDir, 0700)

	dbPath := filepath.Join(baseDir, FileName)
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}

	if err := verifyWALMode(db); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	_ = os.Chmod(dbPath, 0600)

	return db, nil
}

// migrate applies schema migrations based on user_version.
func migrate(db *sql.DB) error {
	version, err := GetUserVersion(db)
	if err != nil {
		return err
	}

	// Migration 0 -> 1: vaults + rotation journal
	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS vaults (
		  name              TEXT PRIMARY KEY,
		  created_at        INTEGER NOT NULL,
		  last_unlocked_at  INTEGER,
		  kdf_preset        TEXT NOT NULL,
		  keyfile_required  INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS rotations (
		  id           TEXT PRIMARY KEY,
		  vault        TEXT NOT NULL,
		  staging_dir  TEXT NOT NULL,
		  backup_dir   TEXT NOT NULL,
		  started_at   INTEGER NOT NULL,
		  finished_at  INTEGER,
		  status       TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_rotations_pending
		ON rotations(status, started_at)
		WHERE finished_at IS NULL;
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := SetUserVersion(db, 1); err != nil {
			return err
		}
	}

	// Future migrations go here:
	// if version < 2 { ... }

	return nil
}

// verifyWALMode checks that WAL mode is active (set via connection string).
func verifyWALMode(db *sql.DB) error {
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to verify journal mode: %w", err)
	}
	if journalMode != "wal" {
		return fmt.Errorf("expected WAL mode, got %s", journalMode)
	}
	return nil
}

// GetUserVersion returns the current schema version (user_version pragma).
func GetUserVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

// SetUserVersion sets the schema version (user_version pragma).
func SetUserVersion(db *sql.DB, version int) error {
	_, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", version))
	if err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}
