// Package migrations provides schema versioning for the bootloader cache index.
package migrations

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/bitswalk/grubimage/src/common/logs"
)

// package-level logger, can be set via SetLogger
var log *logs.Logger

// SetLogger sets the logger for the migrations package
func SetLogger(l *logs.Logger) {
	log = l
}

// Migration is one schema change. Versions are applied in ascending order,
// each in its own transaction.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// all lists every migration, oldest first
func all() []Migration {
	return []Migration{
		migration001BootloaderCache(),
		migration002MirrorState(),
	}
}

// Latest returns the schema version a fully migrated index has
func Latest() int {
	m := all()
	return m[len(m)-1].Version
}

// Runner brings an index database up to the latest schema
type Runner struct {
	db         *sql.DB
	migrations []Migration
}

// NewRunner creates a runner for db
func NewRunner(db *sql.DB) *Runner {
	return &Runner{db: db, migrations: all()}
}

const createVersionTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at DATETIME NOT NULL
	)`

// Run applies every migration newer than the current schema version. An
// index written by a newer grubimage is rejected rather than downgraded.
func (r *Runner) Run() error {
	current, err := r.CurrentVersion()
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if latest := r.migrations[len(r.migrations)-1].Version; current > latest {
		return fmt.Errorf("cache index schema version %d is newer than supported version %d", current, latest)
	}

	for _, m := range r.migrations {
		if m.Version <= current {
			continue
		}
		if err := r.apply(m); err != nil {
			if log != nil {
				log.Error("Migration failed", "version", m.Version, "description", m.Description, "error", err)
			}
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Description, err)
		}
	}
	return nil
}

func (r *Runner) apply(m Migration) error {
	if log != nil {
		log.Debug("Applying migration", "version", m.Version, "description", m.Description)
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := m.Up(tx); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)`,
		m.Version, m.Description, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}

// CurrentVersion returns the highest applied migration version, 0 for a new index
func (r *Runner) CurrentVersion() (int, error) {
	if _, err := r.db.Exec(createVersionTable); err != nil {
		return 0, err
	}
	var version sql.NullInt64
	if err := r.db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, err
	}
	return int(version.Int64), nil
}
