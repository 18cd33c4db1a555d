// Package db stores records, scans, conflict logs and the sync queue in a
// local SQLite file.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/kimhsiao/skinguard/backend/internal/logging"
)

// FileName is the database file created inside the data directory.
const FileName = "skinguard.db"

// DB wraps the sql.DB with SkinGuard-specific configuration.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the database file in dataDir, switches it to WAL
// with foreign keys on, and migrates it to the latest schema.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dataDir, err)
	}

	dbPath := filepath.Join(dataDir, FileName)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dbPath, err)
	}

	db.SetMaxOpenConns(1) // single writer
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{"journal_mode=WAL", "foreign_keys=ON"} {
		if _, err := db.Exec("PRAGMA " + pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	m := NewMigrator(db, Migrations)
	if err := m.Initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create migration ledger: %w", err)
	}
	if err := m.Up(); err != nil {
		db.Close()
		return nil, err
	}

	version, _ := m.CurrentVersion()
	logging.Debug("Database opened", map[string]interface{}{
		"path":           dbPath,
		"schema_version": version,
	})

	return &DB{db}, nil
}

func (db *DB) Close() error {
	return db.DB.Close()
}
