package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BootloaderCacheEntry represents one built bootloader held in the cache
type BootloaderCacheEntry struct {
	ID         string     `json:"id"`
	CacheKey   string     `json:"cache_key"`
	Name       string     `json:"name"`
	Version    string     `json:"version"`
	Target     string     `json:"target"`
	Checksum   string     `json:"checksum"`
	CachePath  string     `json:"cache_path"`
	SizeBytes  int64      `json:"size_bytes"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt time.Time  `json:"last_used_at"`
	UseCount   int        `json:"use_count"`
	MirroredAt *time.Time `json:"mirrored_at,omitempty"`
}

// BootloaderCacheRepository handles bootloader cache index operations
type BootloaderCacheRepository struct {
	db *Database
}

// NewBootloaderCacheRepository creates a new bootloader cache repository
func NewBootloaderCacheRepository(db *Database) *BootloaderCacheRepository {
	return &BootloaderCacheRepository{db: db}
}

const bootloaderCacheColumns = `id, cache_key, name, version, target, checksum, cache_path,
	size_bytes, created_at, last_used_at, use_count, mirrored_at`

// Upsert records an entry, replacing any existing row with the same cache key
func (r *BootloaderCacheRepository) Upsert(entry *BootloaderCacheEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.LastUsedAt = now
	if entry.UseCount == 0 {
		entry.UseCount = 1
	}

	_, err := r.db.DB().Exec(`
		INSERT INTO bootloader_cache (id, cache_key, name, version, target, checksum,
			cache_path, size_bytes, created_at, last_used_at, use_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			checksum = excluded.checksum,
			cache_path = excluded.cache_path,
			size_bytes = excluded.size_bytes,
			last_used_at = excluded.last_used_at`,
		entry.ID, entry.CacheKey, entry.Name, entry.Version, entry.Target, entry.Checksum,
		entry.CachePath, entry.SizeBytes, entry.CreatedAt, entry.LastUsedAt, entry.UseCount,
	)
	if err != nil {
		return fmt.Errorf("failed to record bootloader cache entry: %w", err)
	}
	return nil
}

// GetByKey retrieves an entry by cache key, nil when absent
func (r *BootloaderCacheRepository) GetByKey(key string) (*BootloaderCacheEntry, error) {
	row := r.db.DB().QueryRow(`SELECT `+bootloaderCacheColumns+`
		FROM bootloader_cache WHERE cache_key = ?`, key)
	return r.scanEntry(row)
}

// TouchLastUsed updates last_used_at and increments use_count
func (r *BootloaderCacheRepository) TouchLastUsed(key string) error {
	_, err := r.db.DB().Exec(`
		UPDATE bootloader_cache SET last_used_at = ?, use_count = use_count + 1 WHERE cache_key = ?`,
		time.Now().UTC(), key,
	)
	return err
}

// MarkMirrored records that the entry has been uploaded to the mirror
func (r *BootloaderCacheRepository) MarkMirrored(key string) error {
	_, err := r.db.DB().Exec(`UPDATE bootloader_cache SET mirrored_at = ? WHERE cache_key = ?`,
		time.Now().UTC(), key)
	return err
}

// Delete removes an entry by cache key
func (r *BootloaderCacheRepository) Delete(key string) error {
	result, err := r.db.DB().Exec(`DELETE FROM bootloader_cache WHERE cache_key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete bootloader cache entry: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("bootloader cache entry not found: %s", key)
	}
	return nil
}

// DeleteAll removes every entry
func (r *BootloaderCacheRepository) DeleteAll() error {
	_, err := r.db.DB().Exec(`DELETE FROM bootloader_cache`)
	return err
}

// List returns all entries ordered by name and version
func (r *BootloaderCacheRepository) List() ([]BootloaderCacheEntry, error) {
	return r.query(`SELECT ` + bootloaderCacheColumns + `
		FROM bootloader_cache ORDER BY name ASC, version ASC, target ASC`)
}

// ListLRU returns entries ordered by least recently used (oldest first)
func (r *BootloaderCacheRepository) ListLRU(limit int) ([]BootloaderCacheEntry, error) {
	return r.query(`SELECT `+bootloaderCacheColumns+`
		FROM bootloader_cache ORDER BY last_used_at ASC LIMIT ?`, limit)
}

// TotalSize returns the sum of all cached entry sizes in bytes
func (r *BootloaderCacheRepository) TotalSize() (int64, error) {
	var total sql.NullInt64
	err := r.db.DB().QueryRow(`SELECT SUM(size_bytes) FROM bootloader_cache`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to get total cache size: %w", err)
	}
	if !total.Valid {
		return 0, nil
	}
	return total.Int64, nil
}

// Count returns the number of entries in the index
func (r *BootloaderCacheRepository) Count() (int, error) {
	var count int
	err := r.db.DB().QueryRow(`SELECT COUNT(*) FROM bootloader_cache`).Scan(&count)
	return count, err
}

func (r *BootloaderCacheRepository) query(q string, args ...interface{}) ([]BootloaderCacheEntry, error) {
	rows, err := r.db.DB().Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bootloader cache entries: %w", err)
	}
	defer rows.Close()

	var entries []BootloaderCacheEntry
	for rows.Next() {
		e, err := scan(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// scanEntry scans a single row into a BootloaderCacheEntry
func (r *BootloaderCacheRepository) scanEntry(row *sql.Row) (*BootloaderCacheEntry, error) {
	e, err := scan(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scan(s scanner) (*BootloaderCacheEntry, error) {
	var e BootloaderCacheEntry
	var mirrored sql.NullTime
	err := s.Scan(
		&e.ID, &e.CacheKey, &e.Name, &e.Version, &e.Target, &e.Checksum, &e.CachePath,
		&e.SizeBytes, &e.CreatedAt, &e.LastUsedAt, &e.UseCount, &mirrored,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan bootloader cache entry: %w", err)
	}
	if mirrored.Valid {
		t := mirrored.Time
		e.MirroredAt = &t
	}
	return &e, nil
}
