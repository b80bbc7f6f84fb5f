package db

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	d, err := Open(DefaultConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestOpen_AppliesMigrations(t *testing.T) {
	root := t.TempDir()
	d, err := Open(DefaultConfig(root))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer d.Close()

	if d.Path() != filepath.Join(root, IndexFile) {
		t.Errorf("Path() = %q", d.Path())
	}
	v, err := d.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion() error = %v", err)
	}
	if v != 2 {
		t.Errorf("SchemaVersion() = %d, want 2", v)
	}

	// Reopening an existing index must not re-run migrations.
	d.Close()
	d2, err := Open(DefaultConfig(root))
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	d2.Close()
}

func TestOpen_InMemory(t *testing.T) {
	d, err := Open(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer d.Close()

	repo := NewBootloaderCacheRepository(d)
	if err := repo.Upsert(&BootloaderCacheEntry{CacheKey: "k", Name: "grub", Version: "2.06", Target: "x86_64", CachePath: "/c"}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if n, _ := repo.Count(); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func TestBootloaderCacheRepository(t *testing.T) {
	repo := NewBootloaderCacheRepository(openTestDB(t))

	entries := []*BootloaderCacheEntry{
		{CacheKey: "aaa", Name: "grub", Version: "2.06", Target: "x86_64-unknown-none", CachePath: "/cache/aa/aaa", SizeBytes: 100},
		{CacheKey: "bbb", Name: "grub", Version: "2.12", Target: "x86_64-unknown-none", CachePath: "/cache/bb/bbb", SizeBytes: 250},
	}
	for _, e := range entries {
		if err := repo.Upsert(e); err != nil {
			t.Fatalf("Upsert(%s) error = %v", e.CacheKey, err)
		}
		if e.ID == "" {
			t.Errorf("Upsert(%s) did not assign an ID", e.CacheKey)
		}
		time.Sleep(5 * time.Millisecond)
	}

	got, err := repo.GetByKey("aaa")
	if err != nil {
		t.Fatalf("GetByKey() error = %v", err)
	}
	if got == nil || got.Version != "2.06" || got.SizeBytes != 100 || got.UseCount != 1 {
		t.Fatalf("GetByKey() = %+v", got)
	}
	if got.MirroredAt != nil {
		t.Errorf("MirroredAt = %v, want nil", got.MirroredAt)
	}

	missing, err := repo.GetByKey("zzz")
	if err != nil || missing != nil {
		t.Errorf("GetByKey(missing) = %v, %v, want nil, nil", missing, err)
	}

	// Upsert on an existing key updates in place.
	if err := repo.Upsert(&BootloaderCacheEntry{CacheKey: "aaa", Name: "grub", Version: "2.06", Target: "x86_64-unknown-none", CachePath: "/cache/aa/aaa", SizeBytes: 120}); err != nil {
		t.Fatalf("Upsert(update) error = %v", err)
	}
	if n, _ := repo.Count(); n != 2 {
		t.Errorf("Count() = %d, want 2", n)
	}
	total, err := repo.TotalSize()
	if err != nil {
		t.Fatalf("TotalSize() error = %v", err)
	}
	if total != 370 {
		t.Errorf("TotalSize() = %d, want 370", total)
	}

	time.Sleep(5 * time.Millisecond)
	if err := repo.TouchLastUsed("bbb"); err != nil {
		t.Fatalf("TouchLastUsed() error = %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := repo.TouchLastUsed("bbb"); err != nil {
		t.Fatalf("TouchLastUsed() error = %v", err)
	}
	lru, err := repo.ListLRU(1)
	if err != nil {
		t.Fatalf("ListLRU() error = %v", err)
	}
	if len(lru) != 1 || lru[0].CacheKey != "aaa" {
		t.Errorf("ListLRU(1) = %+v, want aaa", lru)
	}
	b, _ := repo.GetByKey("bbb")
	if b.UseCount != 3 {
		t.Errorf("UseCount = %d, want 3", b.UseCount)
	}

	if err := repo.MarkMirrored("bbb"); err != nil {
		t.Fatalf("MarkMirrored() error = %v", err)
	}
	b, _ = repo.GetByKey("bbb")
	if b.MirroredAt == nil {
		t.Error("MirroredAt not set")
	}

	list, err := repo.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 || list[0].Version != "2.06" || list[1].Version != "2.12" {
		t.Errorf("List() = %+v", list)
	}

	if err := repo.Delete("aaa"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := repo.Delete("aaa"); err == nil {
		t.Error("Delete() of missing entry returned nil error")
	}
	if err := repo.DeleteAll(); err != nil {
		t.Fatalf("DeleteAll() error = %v", err)
	}
	if n, _ := repo.Count(); n != 0 {
		t.Errorf("Count() after DeleteAll = %d", n)
	}
	total, _ = repo.TotalSize()
	if total != 0 {
		t.Errorf("TotalSize() on empty index = %d", total)
	}
}
