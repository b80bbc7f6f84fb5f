package bootloader

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitswalk/grubimage/src/common/errors"
	"github.com/bitswalk/grubimage/src/common/logs"
	"github.com/bitswalk/grubimage/src/grubimage/config"
	"github.com/bitswalk/grubimage/src/grubimage/db"
	"github.com/bitswalk/grubimage/src/grubimage/storage"
	"github.com/bitswalk/grubimage/src/grubimage/testutil"
)

const testTarget = "x86_64-unknown-none"

// sourceServer serves bootloader source archives and counts requests
type sourceServer struct {
	*httptest.Server
	fetches atomic.Int32
}

func newSourceServer(t *testing.T, coreSize int) *sourceServer {
	t.Helper()
	s := &sourceServer{}
	archives := map[string][]byte{
		"/testboot-2.06.tar.gz": testutil.BootloaderSources(t, "testboot-2.06", coreSize),
		"/testboot-2.12.tar.gz": testutil.BootloaderSources(t, "testboot-2.12", coreSize),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := archives[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		s.fetches.Add(1)
		_, _ = w.Write(data)
	}))
	t.Cleanup(s.Close)
	return s
}

// testRegistry registers a "testboot" definition whose builds append a line to counter
func testRegistry(t *testing.T, srv *sourceServer, counter string, extraSteps ...string) *Registry {
	t.Helper()
	steps := append([]string{
		`sh ./build.sh {{quote .OutputDir}}`,
		`echo built >> ` + shellQuote(counter),
	}, extraSteps...)
	r := NewRegistry()
	err := r.Register(&Definition{
		Name: "testboot",
		Versions: []VersionSource{
			{Version: "2.06", Source: srv.URL + "/testboot-{{.Version}}.tar.gz"},
			{Version: "2.12", Source: srv.URL + "/testboot-{{.Version}}.tar.gz"},
		},
		Steps:      steps,
		Output:     "core.img",
		BootSector: "boot.img",
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	return r
}

func newTestProvider(t *testing.T, root string, reg *Registry, mutate ...func(*Options)) *Provider {
	t.Helper()
	database, err := db.Open(db.DefaultConfig(root))
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })

	opts := Options{
		CacheDir:         root,
		Registry:         reg,
		Index:            db.NewBootloaderCacheRepository(database),
		Stdout:           io.Discard,
		Stderr:           io.Discard,
		LockPollInterval: 10 * time.Millisecond,
	}
	for _, m := range mutate {
		m(&opts)
	}
	p, err := NewProvider(opts)
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	return p
}

func buildCount(t *testing.T, counter string) int {
	t.Helper()
	data, err := os.ReadFile(counter)
	if os.IsNotExist(err) {
		return 0
	}
	if err != nil {
		t.Fatal(err)
	}
	return strings.Count(string(data), "built")
}

func spec(version string) config.BootloaderSpec {
	return config.BootloaderSpec{Name: "testboot", Version: version}
}

func TestProvider_MissThenHit(t *testing.T) {
	srv := newSourceServer(t, 4096)
	counter := filepath.Join(t.TempDir(), "builds")
	root := t.TempDir()
	p := newTestProvider(t, root, testRegistry(t, srv, counter))
	ctx := context.Background()

	if a, _ := p.Lookup(spec("2.06"), testTarget); a != nil {
		t.Fatalf("Lookup() on empty cache = %+v", a)
	}

	first, err := p.Provide(ctx, spec("2.06"), testTarget)
	if err != nil {
		t.Fatalf("Provide() error = %v", err)
	}
	key := CacheKey("testboot", "2.06", testTarget)
	if first.CacheKey != key || first.Dir != entryDir(root, key) {
		t.Errorf("artifact key/dir = %s %s", first.CacheKey, first.Dir)
	}
	if first.SizeBytes != 4096 {
		t.Errorf("SizeBytes = %d, want 4096", first.SizeBytes)
	}
	if _, err := os.Stat(filepath.Join(first.Dir, markerFile)); err != nil {
		t.Errorf("marker missing: %v", err)
	}
	if _, err := os.Stat(first.BootSectorPath); err != nil {
		t.Errorf("boot sector missing: %v", err)
	}
	if first.Layout.Type != LayoutMBR {
		t.Errorf("Layout = %+v", first.Layout)
	}

	second, err := p.Provide(ctx, spec("2.06"), testTarget)
	if err != nil {
		t.Fatalf("second Provide() error = %v", err)
	}
	if second.Checksum != first.Checksum || second.BinaryPath != first.BinaryPath {
		t.Errorf("cache hit returned a different artifact")
	}
	if n := srv.fetches.Load(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}
	if n := buildCount(t, counter); n != 1 {
		t.Errorf("builds = %d, want 1", n)
	}

	entries, err := p.Entries(ctx)
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Artifact == nil || entries[0].UseCount != 2 {
		t.Errorf("Entries() = %+v", entries)
	}

	staging, _ := os.ReadDir(filepath.Join(root, stagingDir))
	if len(staging) != 0 {
		t.Errorf("staging not cleaned: %d entries", len(staging))
	}
}

func TestProvider_ReleaseWithoutCommit(t *testing.T) {
	srv := newSourceServer(t, 1024)
	counter := filepath.Join(t.TempDir(), "builds")
	root := t.TempDir()
	p := newTestProvider(t, root, testRegistry(t, srv, counter))

	lease, err := p.Acquire(context.Background(), spec("2.06"), testTarget)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if lease.Cached() {
		t.Fatal("lease on empty cache reports cached")
	}
	staged := lease.Artifact().BinaryPath
	if _, err := os.Stat(staged); err != nil {
		t.Fatalf("staged binary missing: %v", err)
	}
	lease.Release()
	lease.Release()

	if _, err := os.Stat(staged); !os.IsNotExist(err) {
		t.Errorf("staged binary still present after Release")
	}
	if a, _ := p.Lookup(spec("2.06"), testTarget); a != nil {
		t.Errorf("entry visible after Release without Commit")
	}
	if n, _ := p.opts.Index.Count(); n != 0 {
		t.Errorf("index has %d rows after Release", n)
	}
	if _, err := lease.Commit(context.Background()); err == nil {
		t.Error("Commit() after Release returned nil error")
	}
}

func TestProvider_ConcurrentSingleBuild(t *testing.T) {
	srv := newSourceServer(t, 2048)
	counter := filepath.Join(t.TempDir(), "builds")
	root := t.TempDir()
	// Slow the build down so that every invocation races for the lock.
	reg := testRegistry(t, srv, counter, "sleep 0.3")

	const n = 4
	providers := make([]*Provider, n)
	for i := range providers {
		providers[i] = newTestProvider(t, root, reg)
	}

	var wg sync.WaitGroup
	sums := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := providers[i].Provide(context.Background(), spec("2.06"), testTarget)
			errs[i] = err
			if a != nil {
				sums[i] = a.Checksum
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Provide() #%d error = %v", i, err)
		}
		if sums[i] != sums[0] {
			t.Errorf("Provide() #%d checksum = %s, want %s", i, sums[i], sums[0])
		}
	}
	if got := buildCount(t, counter); got != 1 {
		t.Errorf("builds = %d, want 1", got)
	}
	if got := srv.fetches.Load(); got != 1 {
		t.Errorf("fetches = %d, want 1", got)
	}
}

func TestProvider_EntryInUseIsNotRemoved(t *testing.T) {
	ctx := context.Background()
	srv := newSourceServer(t, 1024)
	counter := filepath.Join(t.TempDir(), "builds")
	root := t.TempDir()
	reg := testRegistry(t, srv, counter)
	key := CacheKey("testboot", "2.06", testTarget)

	builder := newTestProvider(t, root, reg)
	built, err := builder.Acquire(ctx, spec("2.06"), testTarget)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, err := built.Commit(ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	maint := newTestProvider(t, root, reg)
	if removed, err := maint.Remove(key); err != nil || removed {
		t.Fatalf("Remove() with committed lease = %v, %v, want false", removed, err)
	}
	built.Release()

	reader := newTestProvider(t, root, reg)
	lease, err := reader.Acquire(ctx, spec("2.06"), testTarget)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if !lease.Cached() {
		t.Fatal("second Acquire() was not a cache hit")
	}
	a, err := lease.Commit(ctx)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	if removed, err := maint.Remove(key); err != nil || removed {
		t.Errorf("Remove() with hit lease = %v, %v, want false", removed, err)
	}
	res, err := maint.Clean(ctx)
	if err != nil {
		t.Fatalf("Clean() error = %v", err)
	}
	if len(res.Removed) != 0 || len(res.Skipped) != 1 || res.Skipped[0] != key {
		t.Errorf("Clean() = %+v, want %s skipped", res, key)
	}
	for _, path := range []string{a.BinaryPath, a.BootSectorPath} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("entry file removed while leased: %v", err)
		}
	}

	lease.Release()
	if removed, err := maint.Remove(key); err != nil || !removed {
		t.Errorf("Remove() after Release() = %v, %v, want true", removed, err)
	}
	if got := buildCount(t, counter); got != 1 {
		t.Errorf("builds = %d, want 1", got)
	}
}

func TestProvider_LockWaitCancelled(t *testing.T) {
	srv := newSourceServer(t, 1024)
	counter := filepath.Join(t.TempDir(), "builds")
	root := t.TempDir()
	reg := testRegistry(t, srv, counter)
	p := newTestProvider(t, root, reg)

	key := CacheKey("testboot", "2.06", testTarget)
	held, ok, err := tryLock(lockPath(root, key))
	if err != nil || !ok {
		t.Fatalf("tryLock() = %v, %v", ok, err)
	}
	defer held.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, spec("2.06"), testTarget)
	if !errors.Is(err, errors.ErrInterrupted) {
		t.Fatalf("Acquire() error = %v, want ErrInterrupted", err)
	}
	if buildCount(t, counter) != 0 || srv.fetches.Load() != 0 {
		t.Error("cancelled waiter fetched or built")
	}
}

func TestProvider_BuildStepFailure(t *testing.T) {
	srv := newSourceServer(t, 1024)
	counter := filepath.Join(t.TempDir(), "builds")
	root := t.TempDir()
	p := newTestProvider(t, root, testRegistry(t, srv, counter, "exit 7"))

	_, err := p.Provide(context.Background(), spec("2.06"), testTarget)
	if !errors.Is(err, errors.ErrBootloaderBuildFailed) {
		t.Fatalf("Provide() error = %v, want ErrBootloaderBuildFailed", err)
	}
	if errors.GetStatus(err) != 7 {
		t.Errorf("status = %d, want 7", errors.GetStatus(err))
	}
	if errors.GetExitCode(err) != errors.ExitProvider {
		t.Errorf("exit code = %d, want %d", errors.GetExitCode(err), errors.ExitProvider)
	}
	if a, _ := p.Lookup(spec("2.06"), testTarget); a != nil {
		t.Error("failed build left a cache entry")
	}
}

func TestProvider_FetchFailures(t *testing.T) {
	srv := newSourceServer(t, 1024)
	counter := filepath.Join(t.TempDir(), "builds")

	t.Run("checksum mismatch", func(t *testing.T) {
		reg := testRegistry(t, srv, counter)
		def, _ := reg.Get("testboot")
		def.Versions[0].SHA256 = strings.Repeat("0", 64)
		p := newTestProvider(t, t.TempDir(), reg)

		_, err := p.Provide(context.Background(), spec("2.06"), testTarget)
		if !errors.Is(err, errors.ErrChecksumMismatch) {
			t.Fatalf("Provide() error = %v, want ErrChecksumMismatch", err)
		}
	})

	t.Run("not found", func(t *testing.T) {
		reg := testRegistry(t, srv, counter)
		def, _ := reg.Get("testboot")
		def.Versions[0].Source = srv.URL + "/missing.tar.gz"
		p := newTestProvider(t, t.TempDir(), reg)

		_, err := p.Provide(context.Background(), spec("2.06"), testTarget)
		if !errors.Is(err, errors.ErrFetchFailed) {
			t.Fatalf("Provide() error = %v, want ErrFetchFailed", err)
		}
		if errors.GetExitCode(err) != errors.ExitProvider {
			t.Errorf("exit code = %d", errors.GetExitCode(err))
		}
	})

	if buildCount(t, counter) != 0 {
		t.Error("build steps ran after a failed fetch")
	}
}

func TestProvider_StaleEntryRebuilt(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(a *Artifact) string
	}{
		{name: "core", corrupt: func(a *Artifact) string { return a.BinaryPath }},
		{name: "boot sector", corrupt: func(a *Artifact) string { return a.BootSectorPath }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newSourceServer(t, 1024)
			counter := filepath.Join(t.TempDir(), "builds")
			p := newTestProvider(t, t.TempDir(), testRegistry(t, srv, counter))
			ctx := context.Background()

			a, err := p.Provide(ctx, spec("2.06"), testTarget)
			if err != nil {
				t.Fatalf("Provide() error = %v", err)
			}
			if err := os.WriteFile(tt.corrupt(a), []byte("corrupted"), 0644); err != nil {
				t.Fatal(err)
			}

			var logged bytes.Buffer
			prev := log
			SetLogger(logs.New(logs.Config{Writer: &logged, Level: "debug"}))
			hit, _ := p.Lookup(spec("2.06"), testTarget)
			SetLogger(prev)
			if hit != nil {
				t.Fatal("Lookup() returned a corrupted entry")
			}
			if !strings.Contains(logged.String(), "checksum mismatch for "+filepath.Base(tt.corrupt(a))) {
				t.Errorf("stale reason not logged: %q", logged.String())
			}
			b, err := p.Provide(ctx, spec("2.06"), testTarget)
			if err != nil {
				t.Fatalf("Provide() after corruption error = %v", err)
			}
			if b.Checksum != a.Checksum {
				t.Errorf("rebuilt checksum = %s, want %s", b.Checksum, a.Checksum)
			}
			if got := buildCount(t, counter); got != 2 {
				t.Errorf("builds = %d, want 2", got)
			}
		})
	}
}

func TestProvider_Mirror(t *testing.T) {
	srv := newSourceServer(t, 1024)
	counter := filepath.Join(t.TempDir(), "builds")
	reg := testRegistry(t, srv, counter)

	mirror, err := storage.NewLocal(storage.LocalConfig{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("NewLocal() error = %v", err)
	}
	withMirror := func(o *Options) {
		o.Mirror = mirror
		o.PushToMirror = true
	}
	ctx := context.Background()

	first := newTestProvider(t, t.TempDir(), reg, withMirror)
	a, err := first.Provide(ctx, spec("2.06"), testTarget)
	if err != nil {
		t.Fatalf("Provide() error = %v", err)
	}
	for _, key := range []string{
		mirrorEntryKey(a.CacheKey, "core.img"),
		mirrorEntryKey(a.CacheKey, "boot.img"),
		mirrorEntryKey(a.CacheKey, markerFile),
		mirrorSourceKey("testboot", "2.06", "testboot-2.06.tar.gz"),
	} {
		if _, err := mirror.Stat(ctx, key); err != nil {
			t.Errorf("mirror is missing %s: %v", key, err)
		}
	}
	row, _ := first.opts.Index.GetByKey(a.CacheKey)
	if row == nil || row.MirroredAt == nil {
		t.Errorf("index row not marked mirrored: %+v", row)
	}

	// A second machine with an empty cache restores from the mirror.
	second := newTestProvider(t, t.TempDir(), reg, withMirror)
	b, err := second.Provide(ctx, spec("2.06"), testTarget)
	if err != nil {
		t.Fatalf("Provide() from mirror error = %v", err)
	}
	if b.Checksum != a.Checksum {
		t.Errorf("mirrored checksum = %s, want %s", b.Checksum, a.Checksum)
	}
	if got := srv.fetches.Load(); got != 1 {
		t.Errorf("fetches = %d, want 1", got)
	}
	if got := buildCount(t, counter); got != 1 {
		t.Errorf("builds = %d, want 1", got)
	}
}

func TestProvider_MirrorMaintenance(t *testing.T) {
	srv := newSourceServer(t, 1024)
	counter := filepath.Join(t.TempDir(), "builds")
	reg := testRegistry(t, srv, counter)
	ctx := context.Background()

	unmirrored := newTestProvider(t, t.TempDir(), reg)
	if _, err := unmirrored.MirrorEntries(ctx); !errors.Is(err, errors.ErrConfigMalformed) {
		t.Errorf("MirrorEntries() without mirror error = %v, want ErrConfigMalformed", err)
	}

	mirror, err := storage.NewLocal(storage.LocalConfig{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("NewLocal() error = %v", err)
	}
	p := newTestProvider(t, t.TempDir(), reg, func(o *Options) { o.Mirror = mirror })

	a, err := p.Provide(ctx, spec("2.06"), testTarget)
	if err != nil {
		t.Fatalf("Provide() error = %v", err)
	}
	entries, err := p.MirrorEntries(ctx)
	if err != nil || len(entries) != 0 {
		t.Fatalf("MirrorEntries() before publish = %+v, %v", entries, err)
	}

	res, err := p.PublishToMirror(ctx)
	if err != nil {
		t.Fatalf("PublishToMirror() error = %v", err)
	}
	if len(res.Pushed) != 1 || res.Pushed[0] != a.CacheKey {
		t.Errorf("Pushed = %v, want [%s]", res.Pushed, a.CacheKey)
	}
	res, err = p.PublishToMirror(ctx)
	if err != nil || len(res.Pushed) != 0 || len(res.Present) != 1 {
		t.Errorf("second PublishToMirror() = %+v, %v", res, err)
	}

	entries, err = p.MirrorEntries(ctx)
	if err != nil {
		t.Fatalf("MirrorEntries() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("MirrorEntries() = %+v, want 1 entry", entries)
	}
	if e := entries[0]; e.Key != a.CacheKey || e.Name != "testboot" || e.Version != "2.06" || !e.Cached {
		t.Errorf("MirrorEntries()[0] = %+v", e)
	}

	if err := p.RemoveFromMirror(ctx, a.CacheKey); err != nil {
		t.Fatalf("RemoveFromMirror() error = %v", err)
	}
	if objs, _ := mirror.List(ctx, mirrorEntryKey(a.CacheKey, "")); len(objs) != 0 {
		t.Errorf("mirror still holds %+v", objs)
	}
	if err := p.RemoveFromMirror(ctx, a.CacheKey); !errors.Is(err, errors.ErrObjectNotFound) {
		t.Errorf("RemoveFromMirror(again) error = %v, want ErrObjectNotFound", err)
	}
}

func TestProvider_EvictPruneClean(t *testing.T) {
	srv := newSourceServer(t, 8192)
	counter := filepath.Join(t.TempDir(), "builds")
	root := t.TempDir()
	p := newTestProvider(t, root, testRegistry(t, srv, counter), func(o *Options) {
		o.MaxSizeBytes = 12 * 1024
	})
	ctx := context.Background()

	old, err := p.Provide(ctx, spec("2.06"), testTarget)
	if err != nil {
		t.Fatalf("Provide(2.06) error = %v", err)
	}
	newer, err := p.Provide(ctx, spec("2.12"), testTarget)
	if err != nil {
		t.Fatalf("Provide(2.12) error = %v", err)
	}

	if _, err := os.Stat(old.Dir); !os.IsNotExist(err) {
		t.Errorf("least recently used entry was not evicted")
	}
	if _, err := os.Stat(newer.BinaryPath); err != nil {
		t.Errorf("newest entry evicted: %v", err)
	}

	// An entry without a marker is stale and pruned.
	staleKey := CacheKey("testboot", "9.9", testTarget)
	if err := os.MkdirAll(entryDir(root, staleKey), 0755); err != nil {
		t.Fatal(err)
	}
	// A staging directory nobody holds a lock for is abandoned.
	if err := os.MkdirAll(filepath.Join(root, stagingDir, staleKey+"-123"), 0755); err != nil {
		t.Fatal(err)
	}

	entries, err := p.Entries(ctx)
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	if len(entries) != 2 || entries[0].Artifact == nil || entries[1].Stale == "" {
		t.Fatalf("Entries() = %+v", entries)
	}

	res, err := p.Prune(ctx, 0)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if len(res.Removed) != 1 || res.Removed[0] != staleKey {
		t.Errorf("Prune() removed %v", res.Removed)
	}
	if staging, _ := os.ReadDir(filepath.Join(root, stagingDir)); len(staging) != 0 {
		t.Errorf("abandoned staging not pruned")
	}

	res, err = p.Clean(ctx)
	if err != nil {
		t.Fatalf("Clean() error = %v", err)
	}
	if len(res.Removed) != 1 || res.FreedBytes < 8192 {
		t.Errorf("Clean() = %+v", res)
	}
	if n, _ := p.opts.Index.Count(); n != 0 {
		t.Errorf("index has %d rows after Clean", n)
	}
}
