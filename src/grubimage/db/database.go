// Package db provides the SQLite index that records what the bootloader
// cache holds. The cache directory stays the source of truth: the index only
// speeds up listing and least-recently-used eviction, and can be rebuilt.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bitswalk/grubimage/src/common/logs"
	"github.com/bitswalk/grubimage/src/common/paths"
	"github.com/bitswalk/grubimage/src/grubimage/db/migrations"
	_ "github.com/mattn/go-sqlite3"
)

// IndexFile is the file name of the index inside the cache root
const IndexFile = "index.db"

// package-level logger, can be set via SetLogger
var log = logs.NewDefault()

// SetLogger sets the logger for the db package
func SetLogger(l *logs.Logger) {
	log = l
	migrations.SetLogger(l)
}

// Database wraps the SQLite connection of the cache index
type Database struct {
	db        *sql.DB
	path      string
	mu        sync.Mutex
	closeOnce sync.Once
}

// Config holds the database configuration
type Config struct {
	// Path is the index file location, ":memory:" keeps it in memory
	Path string
	// BusyTimeoutMs is how long a writer waits on a lock held by another process
	BusyTimeoutMs int
}

// DefaultConfig returns the configuration for an index under cacheRoot
func DefaultConfig(cacheRoot string) Config {
	return Config{
		Path:          filepath.Join(cacheRoot, IndexFile),
		BusyTimeoutMs: 5000,
	}
}

// Open opens (creating if needed) the index database and applies migrations
func Open(cfg Config) (*Database, error) {
	path := cfg.Path
	dsn := path
	if path != ":memory:" {
		path = paths.Expand(path)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
		timeout := cfg.BusyTimeoutMs
		if timeout <= 0 {
			timeout = 5000
		}
		dsn = fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL", path, timeout)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}

	// A single connection keeps ":memory:" databases shared across queries.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := migrations.NewRunner(db).Run(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate index database: %w", err)
	}

	log.Debug("Cache index opened", "path", path)

	return &Database{db: db, path: path}, nil
}

// DB returns the underlying sql.DB
func (d *Database) DB() *sql.DB {
	return d.db
}

// Path returns the index file path
func (d *Database) Path() string {
	return d.path
}

// SchemaVersion returns the applied schema version
func (d *Database) SchemaVersion() (int, error) {
	return migrations.NewRunner(d.db).CurrentVersion()
}

// Close closes the database, subsequent calls are no-ops
func (d *Database) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		err = d.db.Close()
	})
	return err
}
