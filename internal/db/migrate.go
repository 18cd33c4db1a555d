package db

import (
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"time"

	apperrors "github.com/kimhsiao/skinguard/backend/internal/errors"
	"github.com/kimhsiao/skinguard/backend/internal/logging"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations holds the schema migrations shipped with the binary.
var Migrations fs.FS = mustSub(migrationFiles, "migrations")

func mustSub(fsys fs.FS, dir string) fs.FS {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		panic(err)
	}
	return sub
}

// migrationName matches V<version>__<description>.<up|down>.sql.
var migrationName = regexp.MustCompile(`^V(\d+)__(.+)\.(up|down)\.sql$`)

// Migration is one row of the schema_migrations ledger.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
	Checksum    string
}

// step pairs the up and down scripts of one version.
type step struct {
	version     int
	description string
	up, down    string
}

// Migrator applies and rolls back the versioned SQL scripts in fsys and
// records each applied version with the checksum of its up script.
type Migrator struct {
	db   *sql.DB
	fsys fs.FS
}

// NewMigrator returns a Migrator over db reading scripts from fsys.
func NewMigrator(db *sql.DB, fsys fs.FS) *Migrator {
	return &Migrator{db: db, fsys: fsys}
}

const ledgerDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version     INTEGER PRIMARY KEY CHECK(version > 0),
	applied_at  INTEGER NOT NULL CHECK(applied_at > 0),
	description TEXT NOT NULL CHECK(length(description) > 0),
	checksum    TEXT NOT NULL CHECK(length(checksum) = 64)
)`

// Initialize creates the ledger table.
func (m *Migrator) Initialize() error {
	_, err := m.db.Exec(ledgerDDL)
	return err
}

// CurrentVersion returns the highest applied version, or 0. It fails when
// Initialize has not run.
func (m *Migrator) CurrentVersion() (int, error) {
	var v int
	err := m.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v)
	return v, err
}

// GetAppliedMigrations lists the ledger in version order.
func (m *Migrator) GetAppliedMigrations() ([]Migration, error) {
	rows, err := m.db.Query(`SELECT version, applied_at, description, checksum
		FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Migration
	for rows.Next() {
		var (
			mig Migration
			at  int64
		)
		if err := rows.Scan(&mig.Version, &at, &mig.Description, &mig.Checksum); err != nil {
			return nil, err
		}
		mig.AppliedAt = time.Unix(at, 0)
		out = append(out, mig)
	}
	return out, rows.Err()
}

// steps collects the scripts in fsys by version. Names that do not follow
// the V<n>__<desc> pattern are ignored.
func (m *Migrator) steps() ([]*step, error) {
	entries, err := fs.ReadDir(m.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	byVersion := make(map[int]*step)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		parts := migrationName.FindStringSubmatch(e.Name())
		if parts == nil {
			continue
		}
		v, err := strconv.Atoi(parts[1])
		if err != nil || v <= 0 {
			continue
		}
		st := byVersion[v]
		if st == nil {
			st = &step{version: v, description: parts[2]}
			byVersion[v] = st
		}
		if parts[3] == "up" {
			st.up = e.Name()
		} else {
			st.down = e.Name()
		}
	}

	out := make([]*step, 0, len(byVersion))
	for _, st := range byVersion {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// Up applies every version missing from the ledger, lowest first. An
// applied version whose up script no longer matches its recorded checksum
// stops the run.
func (m *Migrator) Up() error {
	applied, err := m.GetAppliedMigrations()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "read migration ledger", err)
	}
	sums := make(map[int]string, len(applied))
	for _, a := range applied {
		sums[a.Version] = a.Checksum
	}

	steps, err := m.steps()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "list migrations", err)
	}

	for _, st := range steps {
		if st.up == "" {
			continue
		}
		script, err := fs.ReadFile(m.fsys, st.up)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrMigration, "read "+st.up, err)
		}
		sum := checksum(script)

		if recorded, ok := sums[st.version]; ok {
			if recorded != sum {
				return apperrors.Newf(apperrors.ErrMigration, "migration V%d changed after it was applied", st.version)
			}
			continue
		}

		err = m.inTx(func(tx *sql.Tx) error {
			if _, err := tx.Exec(string(script)); err != nil {
				return err
			}
			_, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at, description, checksum)
				VALUES (?, ?, ?, ?)`, st.version, time.Now().Unix(), st.description, sum)
			return err
		})
		if err != nil {
			return apperrors.Wrap(apperrors.ErrMigration, fmt.Sprintf("apply V%d", st.version), err)
		}
		logging.Info("Schema migrated", map[string]interface{}{
			"version":     st.version,
			"description": st.description,
		})
	}
	return nil
}

// Down reverts the highest applied version using its down script.
func (m *Migrator) Down() error {
	current, err := m.CurrentVersion()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "read schema version", err)
	}
	if current == 0 {
		return apperrors.New(apperrors.ErrMigration, "nothing to roll back")
	}

	steps, err := m.steps()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "list migrations", err)
	}
	var target *step
	for _, st := range steps {
		if st.version == current {
			target = st
		}
	}
	if target == nil || target.down == "" {
		return apperrors.Newf(apperrors.ErrMigration, "no down script for V%d", current)
	}

	script, err := fs.ReadFile(m.fsys, target.down)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "read "+target.down, err)
	}

	err = m.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(string(script)); err != nil {
			return err
		}
		_, err := tx.Exec(`DELETE FROM schema_migrations WHERE version = ?`, current)
		return err
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, fmt.Sprintf("roll back V%d", current), err)
	}
	return nil
}

func (m *Migrator) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func checksum(script []byte) string {
	sum := sha256.Sum256(script)
	return hex.EncodeToString(sum[:])
}
