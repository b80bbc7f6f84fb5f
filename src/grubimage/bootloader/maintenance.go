package bootloader

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bitswalk/grubimage/src/common/errors"
	"github.com/bitswalk/grubimage/src/common/paths"
)

// CacheEntry describes one directory in the bootloader cache
type CacheEntry struct {
	Key string `json:"cache_key"`
	Dir string `json:"dir"`
	// Artifact is nil when the entry is stale
	Artifact   *Artifact `json:"artifact,omitempty"`
	Stale      string    `json:"stale,omitempty"`
	SizeBytes  int64     `json:"size_bytes"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
	UseCount   int       `json:"use_count,omitempty"`
}

// PruneResult summarizes a Prune or Clean run
type PruneResult struct {
	Removed    []string `json:"removed"`
	Skipped    []string `json:"skipped,omitempty"`
	FreedBytes int64    `json:"freed_bytes"`
}

// Entries lists the cache directory, which is authoritative; index data is
// added when available.
func (p *Provider) Entries(ctx context.Context) ([]CacheEntry, error) {
	shards, err := os.ReadDir(filepath.Join(p.root, entriesDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.ErrCacheUnavailable.WithCause(err)
	}

	var entries []CacheEntry
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		dirs, err := os.ReadDir(filepath.Join(p.root, entriesDir, shard.Name()))
		if err != nil {
			return nil, errors.ErrCacheUnavailable.WithCause(err)
		}
		for _, d := range dirs {
			if err := ctx.Err(); err != nil {
				return nil, errors.ErrInterrupted.WithCause(err)
			}
			if !d.IsDir() {
				continue
			}
			entries = append(entries, p.describe(d.Name()))
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].Artifact, entries[j].Artifact
		switch {
		case a == nil && b == nil:
			return entries[i].Key < entries[j].Key
		case a == nil || b == nil:
			return b == nil
		case a.Name != b.Name:
			return a.Name < b.Name
		case a.Version != b.Version:
			return compareVersions(a.Version, b.Version) > 0
		default:
			return a.Target < b.Target
		}
	})
	return entries, nil
}

func (p *Provider) describe(key string) CacheEntry {
	dir := entryDir(p.root, key)
	e := CacheEntry{Key: key, Dir: dir}
	e.SizeBytes, _ = paths.DirSize(dir)
	a, err := loadEntry(dir, key)
	if err != nil {
		e.Stale = err.Error()
	} else {
		e.Artifact = a
	}
	if p.opts.Index != nil {
		if row, err := p.opts.Index.GetByKey(key); err == nil && row != nil {
			e.LastUsedAt = row.LastUsedAt
			e.UseCount = row.UseCount
		}
	}
	return e
}

// Remove deletes one entry. It reports false when another invocation holds
// the entry's lock.
func (p *Provider) Remove(key string) (bool, error) {
	lock, ok, err := tryLock(lockPath(p.root, key))
	if err != nil {
		return false, errors.ErrCacheUnavailable.WithCause(err)
	}
	if !ok {
		return false, nil
	}
	defer lock.Unlock()

	if err := os.RemoveAll(entryDir(p.root, key)); err != nil {
		return false, errors.ErrCacheUnavailable.WithCause(err)
	}
	os.Remove(filepath.Dir(entryDir(p.root, key)))
	if p.opts.Index != nil {
		if row, _ := p.opts.Index.GetByKey(key); row != nil {
			if err := p.opts.Index.Delete(key); err != nil {
				log.Warn("Failed to update cache index", "error", err)
			}
		}
	}
	return true, nil
}

// Evict removes least recently used entries until the indexed cache size is
// at most maxBytes. keep is never evicted. A non-positive maxBytes does nothing.
func (p *Provider) Evict(ctx context.Context, maxBytes int64, keep string) (*PruneResult, error) {
	res := &PruneResult{}
	if maxBytes <= 0 || p.opts.Index == nil {
		return res, nil
	}
	seen := map[string]bool{keep: true}
	for {
		if err := ctx.Err(); err != nil {
			return res, errors.ErrInterrupted.WithCause(err)
		}
		total, err := p.opts.Index.TotalSize()
		if err != nil {
			return res, errors.ErrDatabaseOperation.WithCause(err)
		}
		if total <= maxBytes {
			return res, nil
		}
		rows, err := p.opts.Index.ListLRU(len(seen) + 1)
		if err != nil {
			return res, errors.ErrDatabaseOperation.WithCause(err)
		}
		var victim string
		var size int64
		for _, row := range rows {
			if !seen[row.CacheKey] {
				victim, size = row.CacheKey, row.SizeBytes
				break
			}
		}
		if victim == "" {
			return res, nil
		}
		seen[victim] = true
		removed, err := p.Remove(victim)
		if err != nil {
			return res, err
		}
		if !removed {
			res.Skipped = append(res.Skipped, victim)
			continue
		}
		log.Info("Evicted bootloader cache entry", "key", victim, "size", size)
		res.Removed = append(res.Removed, victim)
		res.FreedBytes += size
	}
}

// Prune removes stale entries and abandoned staging directories, drops
// index rows without an entry, and then evicts down to maxBytes.
func (p *Provider) Prune(ctx context.Context, maxBytes int64) (*PruneResult, error) {
	res := &PruneResult{}

	entries, err := p.Entries(ctx)
	if err != nil {
		return nil, err
	}
	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.Artifact != nil {
			present[e.Key] = true
			p.touchIndexed(e.Artifact)
			continue
		}
		p.removeInto(res, e.Key, e.SizeBytes)
	}

	p.pruneStaging(res)

	if p.opts.Index != nil {
		rows, err := p.opts.Index.List()
		if err != nil {
			log.Warn("Failed to read cache index", "error", err)
		}
		for _, row := range rows {
			if !present[row.CacheKey] {
				if err := p.opts.Index.Delete(row.CacheKey); err != nil {
					log.Warn("Failed to update cache index", "error", err)
				}
			}
		}
	}

	evicted, err := p.Evict(ctx, maxBytes, "")
	if evicted != nil {
		res.Removed = append(res.Removed, evicted.Removed...)
		res.Skipped = append(res.Skipped, evicted.Skipped...)
		res.FreedBytes += evicted.FreedBytes
	}
	return res, err
}

// Clean removes every entry that is not in use and all abandoned staging directories
func (p *Provider) Clean(ctx context.Context) (*PruneResult, error) {
	res := &PruneResult{}
	entries, err := p.Entries(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		p.removeInto(res, e.Key, e.SizeBytes)
	}
	p.pruneStaging(res)
	return res, nil
}

func (p *Provider) removeInto(res *PruneResult, key string, size int64) {
	removed, err := p.Remove(key)
	switch {
	case err != nil:
		log.Warn("Failed to remove cache entry", "key", key, "error", err)
		res.Skipped = append(res.Skipped, key)
	case !removed:
		res.Skipped = append(res.Skipped, key)
	default:
		res.Removed = append(res.Removed, key)
		res.FreedBytes += size
	}
}

// pruneStaging removes staging directories whose build no longer holds the key lock
func (p *Provider) pruneStaging(res *PruneResult) {
	dirs, err := os.ReadDir(filepath.Join(p.root, stagingDir))
	if err != nil {
		return
	}
	for _, d := range dirs {
		key, _, ok := strings.Cut(d.Name(), "-")
		if !ok {
			continue
		}
		lock, free, err := tryLock(lockPath(p.root, key))
		if err != nil || !free {
			continue
		}
		dir := filepath.Join(p.root, stagingDir, d.Name())
		size, _ := paths.DirSize(dir)
		if err := os.RemoveAll(dir); err == nil {
			res.FreedBytes += size
		}
		lock.Unlock()
	}
}

// touchIndexed makes sure a valid entry has an index row
func (p *Provider) touchIndexed(a *Artifact) {
	if p.opts.Index == nil {
		return
	}
	if row, err := p.opts.Index.GetByKey(a.CacheKey); err == nil && row == nil {
		p.record(a)
	}
}
