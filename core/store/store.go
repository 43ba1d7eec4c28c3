// Package store keeps a local SQLite index of accepted records and
// capsules. The index is a convenience for lookup and audit tooling; the
// ledger file stays the source of truth for chain integrity.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// CurrentSchemaVersion is the latest index schema version. Bump when
// adding migrations.
const CurrentSchemaVersion = 1

// Store wraps the SQLite handle for the local index.
type Store struct {
	db *sql.DB
}

// Open initializes the index database at baseDir/tether.db. The baseDir
// parameter lets tests point at t.TempDir().
func Open(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}
	_ = os.Chmod(baseDir, 0o700)

	dbPath := filepath.Join(baseDir, "tether.db")
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open index database: %w", err)
	}
	if err := verifyWALMode(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	_ = os.Chmod(dbPath, 0o600)
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func migrate(db *sql.DB) error {
	version, err := userVersion(db)
	if err != nil {
		return err
	}
	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS records (
		  memory_id         TEXT PRIMARY KEY,
		  source_id         TEXT NOT NULL,
		  created_ts        TEXT NOT NULL,
		  raw_sha256        TEXT NOT NULL,
		  embed_model       TEXT NOT NULL,
		  embed_dim         INTEGER NOT NULL,
		  consent           TEXT NOT NULL,
		  tags_json         TEXT,
		  leaf_sha256       TEXT NOT NULL,
		  prev_chain_sha256 TEXT NOT NULL,
		  chain_sha256      TEXT NOT NULL UNIQUE,
		  indexed_at        INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_records_source
		ON records(source_id, created_ts);

		CREATE TABLE IF NOT EXISTS capsules (
		  uuid             TEXT PRIMARY KEY,
		  instance_name    TEXT NOT NULL,
		  fingerprint_hash TEXT NOT NULL,
		  capsule_version  TEXT NOT NULL,
		  created_ts       TEXT NOT NULL,
		  path             TEXT,
		  indexed_at       INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_capsules_instance
		ON capsules(instance_name, created_ts DESC);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := setUserVersion(db, 1); err != nil {
			return err
		}
	}
	return nil
}

func verifyWALMode(db *sql.DB) error {
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("verify journal mode: %w", err)
	}
	if journalMode != "wal" {
		return fmt.Errorf("expected WAL mode, got %s", journalMode)
	}
	return nil
}

func userVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("get user_version: %w", err)
	}
	return version, nil
}

func setUserVersion(db *sql.DB, version int) error {
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", version)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}
