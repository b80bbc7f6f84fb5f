package bootloader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/bitswalk/grubimage/src/common/errors"
	"github.com/bitswalk/grubimage/src/common/logs"
	"github.com/bitswalk/grubimage/src/common/paths"
	"github.com/bitswalk/grubimage/src/grubimage/config"
	"github.com/bitswalk/grubimage/src/grubimage/db"
	"github.com/bitswalk/grubimage/src/grubimage/download"
	"github.com/bitswalk/grubimage/src/grubimage/executor"
	"github.com/bitswalk/grubimage/src/grubimage/storage"
)

// package-level logger, can be set via SetLogger
var log = logs.NewDefault()

// SetLogger sets the logger for the bootloader package
func SetLogger(l *logs.Logger) {
	log = l
}

// Options configures a Provider
type Options struct {
	// CacheDir is the cache root; it is created when missing
	CacheDir string
	Registry *Registry
	Fetcher  *download.Fetcher
	// Executor runs build steps of definitions that do not select a runtime
	Executor executor.Executor
	// Mirror is consulted for prebuilt entries and sources before the network
	Mirror storage.Backend
	// PushToMirror uploads new entries and fetched sources to Mirror
	PushToMirror bool
	// Index records entries for listing and eviction; nil disables it
	Index *db.BootloaderCacheRepository
	// MaxSizeBytes triggers least-recently-used eviction after a commit, 0 disables it
	MaxSizeBytes     int64
	Jobs             int
	Stdout           io.Writer
	Stderr           io.Writer
	GracePeriod      time.Duration
	LockPollInterval time.Duration
}

// Provider hands out cached bootloader builds, fetching and building them on
// a cache miss. Concurrent invocations, in this process or others, building
// the same key are serialized by a lock file per key.
type Provider struct {
	opts Options
	root string
}

// NewProvider creates a Provider rooted at opts.CacheDir
func NewProvider(opts Options) (*Provider, error) {
	if opts.CacheDir == "" {
		return nil, errors.ErrCacheUnavailable.WithMessage("no cache directory configured")
	}
	root := paths.Expand(opts.CacheDir)
	for _, dir := range []string{root, filepath.Join(root, entriesDir), filepath.Join(root, locksDir), filepath.Join(root, stagingDir)} {
		if err := paths.EnsureDirPath(dir); err != nil {
			return nil, errors.ErrCacheUnavailable.WithMessagef("cannot create %s", dir).WithCause(err)
		}
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Fetcher == nil {
		opts.Fetcher = download.NewFetcher(download.Options{})
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = executor.DefaultGracePeriod
	}
	if opts.Executor == nil {
		opts.Executor = executor.NewHostExecutor("", opts.GracePeriod, opts.Stderr)
	}
	if opts.Jobs <= 0 {
		opts.Jobs = runtime.NumCPU()
	}
	return &Provider{opts: opts, root: root}, nil
}

// Root returns the cache root directory
func (p *Provider) Root() string {
	return p.root
}

// Registry returns the definitions the provider builds from
func (p *Provider) Registry() *Registry {
	return p.opts.Registry
}

// Lookup returns the cached artifact for spec and target, or nil on a miss.
// It never fetches or builds.
func (p *Provider) Lookup(spec config.BootloaderSpec, target string) (*Artifact, error) {
	key := CacheKey(spec.Name, spec.Version, target)
	a, err := loadEntry(entryDir(p.root, key), key)
	switch {
	case err == nil:
		return a, nil
	case os.IsNotExist(err):
		return nil, nil
	default:
		log.Debug("Bootloader cache entry is stale", "bootloader", spec.String(), "target", target, "reason", err)
		return nil, nil
	}
}

// Provide returns the bootloader for spec and target, building it on a miss
func (p *Provider) Provide(ctx context.Context, spec config.BootloaderSpec, target string) (*Artifact, error) {
	lease, err := p.Acquire(ctx, spec, target)
	if err != nil {
		return nil, err
	}
	defer lease.Release()
	return lease.Commit(ctx)
}

// Acquire returns a lease on the bootloader for spec and target. On a cache
// hit the lease already points at the cache entry. On a miss the bootloader
// is fetched and built into a private staging directory while the key's lock
// is held; it becomes visible in the cache only on Commit, and Release
// discards it.
func (p *Provider) Acquire(ctx context.Context, spec config.BootloaderSpec, target string) (*Lease, error) {
	def, err := p.opts.Registry.Get(spec.Name)
	if err != nil {
		return nil, err
	}
	vs, ok := def.Version(spec.Version)
	if !ok {
		return nil, errors.ErrUnsupportedVersion.WithMessagef("%s has no version %q", spec.Name, spec.Version)
	}

	key := CacheKey(spec.Name, spec.Version, target)
	dir := entryDir(p.root, key)

	shared, err := p.lock(ctx, key, lockShared)
	if err != nil {
		return nil, err
	}
	if a, err := loadEntry(dir, key); err == nil {
		return p.hit(spec, target, key, a, shared), nil
	}
	shared.Unlock()

	lock, err := p.lock(ctx, key, lockExclusive)
	if err != nil {
		return nil, err
	}

	// Another invocation may have finished the entry while we waited.
	a, err := loadEntry(dir, key)
	if err == nil {
		if err := lock.Downgrade(); err != nil {
			log.Warn("Failed to downgrade cache lock", "key", key, "error", err)
		}
		return p.hit(spec, target, key, a, lock), nil
	}
	if !os.IsNotExist(err) {
		log.Warn("Discarding stale bootloader cache entry", "bootloader", spec.String(), "reason", err)
		if err := os.RemoveAll(dir); err != nil {
			lock.Unlock()
			return nil, errors.ErrCacheUnavailable.WithMessagef("cannot remove stale entry %s", dir).WithCause(err)
		}
	}

	staging, err := os.MkdirTemp(filepath.Join(p.root, stagingDir), key+"-*")
	if err != nil {
		lock.Unlock()
		return nil, errors.ErrCacheUnavailable.WithMessage("cannot create staging directory").WithCause(err)
	}

	lease := &Lease{p: p, key: key, lock: lock, staging: staging}
	log.Info("Bootloader cache miss", "bootloader", spec.String(), "target", target)

	marker, err := p.populate(ctx, def, vs, target, key, staging)
	if err != nil {
		lease.Release()
		if ctx.Err() != nil && !errors.Is(err, errors.ErrInterrupted) {
			return nil, errors.ErrInterrupted.WithMessage("bootloader provisioning interrupted").WithCause(err)
		}
		return nil, err
	}
	lease.marker = marker
	lease.artifact = marker.artifact(filepath.Join(staging, stagingOut))
	return lease, nil
}

func (p *Provider) lock(ctx context.Context, key string, mode int) (*fileLock, error) {
	lock, err := acquireLock(ctx, lockPath(p.root, key), mode, p.opts.LockPollInterval)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.ErrInterrupted.WithMessage("interrupted while waiting for the bootloader cache").WithCause(err)
		}
		return nil, errors.ErrCacheUnavailable.WithCause(err)
	}
	return lock, nil
}

// hit returns a lease on a finished entry. The lease keeps the key's shared
// lock until Release, so the entry cannot be removed while it is in use.
func (p *Provider) hit(spec config.BootloaderSpec, target, key string, a *Artifact, lock *fileLock) *Lease {
	log.Info("Bootloader cache hit", "bootloader", spec.String(), "target", target)
	p.touch(key)
	return &Lease{p: p, key: key, artifact: a, lock: lock, hit: true}
}

// populate fills staging/entry with the bootloader files and returns the
// marker describing them.
func (p *Provider) populate(ctx context.Context, def *Definition, vs VersionSource, target, key, staging string) (*entryMarker, error) {
	work := filepath.Join(staging, stagingWork)
	out := filepath.Join(staging, stagingOut)
	for _, dir := range []string{work, out} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.ErrCacheUnavailable.WithCause(err)
		}
	}

	m := &entryMarker{
		Name:       def.Name,
		Version:    vs.Version,
		Target:     target,
		CacheKey:   key,
		Binary:     def.Output,
		BootSector: def.BootSector,
		Layout:     def.Layout,
		Requires:   def.Requires,
	}

	if p.pullEntry(ctx, key, out, m) {
		return m, nil
	}

	data := StepData{
		Name:            def.Name,
		Version:         vs.Version,
		Target:          target,
		WorkDir:         work,
		InstallDir:      filepath.Join(work, "install"),
		OutputDir:       out,
		Output:          def.Output,
		BootSector:      def.BootSector,
		Jobs:            p.opts.Jobs,
		ConfigBlocklist: def.Layout.ConfigBlocklist(),
	}

	source, err := renderSource(vs.Source, data)
	if err != nil {
		return nil, errors.ErrInvalidDefinition.WithMessagef("bootloader %q: source template: %v", def.Name, err)
	}
	fetched, err := p.fetchSource(ctx, def, vs, source, work)
	if err != nil {
		return nil, err
	}
	m.Source = source
	m.SourceChecksum = fetched.Checksum

	data.SourceDir = work
	archive := download.IsArchive(fetched.Path)
	if archive {
		srcDir, err := download.ExtractArchive(ctx, fetched.Path, filepath.Join(work, "src"))
		if err != nil {
			return nil, err
		}
		data.SourceDir = srcDir
	}

	if len(def.Steps) == 0 {
		if err := copyPrebuilt(def, fetched.Path, archive, data); err != nil {
			return nil, err
		}
	} else if err := p.runSteps(ctx, def, staging, data); err != nil {
		return nil, err
	}

	for _, name := range m.files() {
		info, err := os.Stat(filepath.Join(out, name))
		if err != nil || info.Size() == 0 {
			return nil, errors.ErrBootloaderBuildFailed.WithMessagef("%s %s did not produce %s", def.Name, vs.Version, name)
		}
	}

	sum, size, err := fileChecksum(filepath.Join(out, m.Binary))
	if err != nil {
		return nil, errors.ErrBootloaderBuildFailed.WithCause(err)
	}
	m.Checksum = sum
	m.SizeBytes = size
	if m.BootSector != "" {
		if m.BootSectorChecksum, _, err = fileChecksum(filepath.Join(out, m.BootSector)); err != nil {
			return nil, errors.ErrBootloaderBuildFailed.WithCause(err)
		}
	}
	m.CreatedAt = time.Now().UTC()

	log.Info("Bootloader built", "bootloader", def.Name, "version", vs.Version, "size", size, "sha256", sum)
	return m, nil
}

func renderSource(text string, data StepData) (string, error) {
	tmpl, err := template.New("source").Option("missingkey=error").Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// copyPrebuilt places the outputs of a definition without build steps: the
// fetched file itself, or files of that name inside the extracted archive.
func copyPrebuilt(def *Definition, fetched string, archive bool, data StepData) error {
	if !archive {
		if def.BootSector != "" {
			return errors.ErrInvalidDefinition.WithMessagef(
				"bootloader %q: a boot sector needs an archive source or build steps", def.Name)
		}
		return copyFile(fetched, filepath.Join(data.OutputDir, def.Output))
	}
	for _, name := range []string{def.Output, def.BootSector} {
		if name == "" {
			continue
		}
		if err := copyFile(filepath.Join(data.SourceDir, name), filepath.Join(data.OutputDir, name)); err != nil {
			return errors.ErrBootloaderBuildFailed.WithMessagef("%s: archive has no %s", def.Name, name).WithCause(err)
		}
	}
	return nil
}

func (p *Provider) runSteps(ctx context.Context, def *Definition, staging string, data StepData) error {
	exec := p.opts.Executor
	if def.Runtime != "" {
		var err error
		exec, err = executor.New(executor.Config{
			Runtime:     executor.RuntimeType(def.Runtime),
			Image:       def.Image,
			GracePeriod: p.opts.GracePeriod,
			Logger:      p.opts.Stderr,
		})
		if err != nil {
			return errors.ErrInvalidDefinition.WithMessagef("bootloader %q: %v", def.Name, err)
		}
		if !exec.IsAvailable() {
			return errors.ErrBootloaderBuildFailed.WithMessagef("%s runtime is not available", def.Runtime)
		}
	}

	env := map[string]string{
		"GRUBIMAGE_BOOTLOADER":       def.Name,
		"GRUBIMAGE_VERSION":          data.Version,
		"GRUBIMAGE_TARGET":           data.Target,
		"GRUBIMAGE_OUTPUT_DIR":       data.OutputDir,
		"GRUBIMAGE_INSTALL_DIR":      data.InstallDir,
		"GRUBIMAGE_CONFIG_BLOCKLIST": data.ConfigBlocklist,
	}
	for _, kv := range def.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}

	for i, step := range def.Steps {
		line, err := renderStep(step, data)
		if err != nil {
			return errors.ErrInvalidDefinition.WithMessagef("bootloader %q step %d: %v", def.Name, i+1, err)
		}
		log.Info("Running bootloader build step", "bootloader", def.Name, "step", fmt.Sprintf("%d/%d", i+1, len(def.Steps)))
		log.Debug("Build step command", "command", line)

		err = exec.Run(ctx, executor.RunOpts{
			Image:   def.Image,
			Command: []string{"sh", "-c", line},
			WorkDir: data.SourceDir,
			Env:     env,
			Mounts:  []executor.Mount{{Source: staging, Target: staging}},
			Stdout:  p.opts.Stdout,
			Stderr:  p.opts.Stderr,
		})
		if err != nil {
			if ctx.Err() != nil {
				return errors.ErrInterrupted.WithMessage("bootloader build interrupted").WithCause(err)
			}
			code := executor.ExitCode(err)
			return errors.ErrBootloaderBuildFailed.
				WithMessagef("%s %s build step %d exited with status %d", def.Name, data.Version, i+1, code).
				WithStatus(code).
				WithCause(err)
		}
	}
	return nil
}

// Lease is a hold on one bootloader cache key
type Lease struct {
	p        *Provider
	key      string
	artifact *Artifact
	marker   *entryMarker
	lock     *fileLock
	staging  string
	hit      bool

	mu        sync.Mutex
	done      bool
	committed bool
}

// Artifact returns the bootloader the lease holds. Before Commit on a miss
// its paths point into staging.
func (l *Lease) Artifact() *Artifact {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.artifact
}

// Cached reports whether the lease was served from the cache
func (l *Lease) Cached() bool {
	return l.hit
}

// Commit publishes a freshly built entry into the cache with an atomic rename
// and returns the artifact at its final location. On a cache hit it only
// returns the artifact. The entry stays protected from removal until Release.
func (l *Lease) Commit(ctx context.Context) (*Artifact, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.done {
		return nil, errors.ErrInternal.WithMessage("bootloader lease already released")
	}
	if l.committed {
		return l.artifact, nil
	}
	if l.hit {
		l.committed = true
		return l.artifact, nil
	}

	out := filepath.Join(l.staging, stagingOut)
	dir := entryDir(l.p.root, l.key)
	if err := writeMarker(out, l.marker); err != nil {
		l.releaseLocked()
		return nil, errors.ErrCacheUnavailable.WithMessage("cannot write cache marker").WithCause(err)
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		l.releaseLocked()
		return nil, errors.ErrCacheUnavailable.WithCause(err)
	}
	if err := os.RemoveAll(dir); err != nil {
		l.releaseLocked()
		return nil, errors.ErrCacheUnavailable.WithMessagef("cannot replace cache entry %s", dir).WithCause(err)
	}
	if err := os.Rename(out, dir); err != nil {
		l.releaseLocked()
		return nil, errors.ErrCacheUnavailable.WithMessagef("cannot publish cache entry %s", dir).WithCause(err)
	}

	l.artifact = l.marker.artifact(dir)
	l.committed = true
	l.removeStaging()
	if err := l.lock.Downgrade(); err != nil {
		log.Warn("Failed to downgrade cache lock", "key", l.key, "error", err)
	}

	log.Info("Bootloader cached", "bootloader", l.artifact.Name, "version", l.artifact.Version, "dir", dir)
	l.p.afterCommit(ctx, l.artifact, l.marker)
	return l.artifact, nil
}

// Release drops the lease and its lock. An uncommitted build is discarded and
// nothing is written to the cache. Release is safe to call more than once.
func (l *Lease) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releaseLocked()
}

func (l *Lease) releaseLocked() {
	if l.done {
		return
	}
	l.done = true
	l.removeStaging()
	if err := l.lock.Unlock(); err != nil {
		log.Warn("Failed to release cache lock", "key", l.key, "error", err)
	}
}

func (l *Lease) removeStaging() {
	if l.staging == "" {
		return
	}
	if err := os.RemoveAll(l.staging); err != nil {
		log.Warn("Failed to remove staging directory", "dir", l.staging, "error", err)
	}
	l.staging = ""
}

// afterCommit updates the index, pushes to the mirror and evicts. Failures
// here never fail the build.
func (p *Provider) afterCommit(ctx context.Context, a *Artifact, m *entryMarker) {
	p.record(a)
	if p.opts.PushToMirror && p.opts.Mirror != nil {
		if err := p.pushEntry(ctx, a, m); err != nil {
			log.Warn("Failed to push bootloader to mirror", "bootloader", a.Name, "mirror", p.opts.Mirror.Location(), "error", err)
		} else {
			p.markMirrored(a.CacheKey)
		}
	}
	if _, err := p.Evict(ctx, p.opts.MaxSizeBytes, a.CacheKey); err != nil {
		log.Warn("Cache eviction failed", "error", err)
	}
}

func (p *Provider) record(a *Artifact) {
	if p.opts.Index == nil {
		return
	}
	size, err := paths.DirSize(a.Dir)
	if err != nil {
		size = a.SizeBytes
	}
	if err := p.opts.Index.Upsert(&db.BootloaderCacheEntry{
		CacheKey:  a.CacheKey,
		Name:      a.Name,
		Version:   a.Version,
		Target:    a.Target,
		Checksum:  a.Checksum,
		CachePath: a.Dir,
		SizeBytes: size,
	}); err != nil {
		log.Warn("Failed to update cache index", "error", err)
	}
}

func (p *Provider) touch(key string) {
	if p.opts.Index == nil {
		return
	}
	entry, err := p.opts.Index.GetByKey(key)
	if err != nil {
		log.Warn("Failed to read cache index", "error", err)
		return
	}
	if entry == nil {
		// Entry predates the index or was built while it was unavailable.
		if a, err := loadEntry(entryDir(p.root, key), key); err == nil {
			p.record(a)
		}
		return
	}
	if err := p.opts.Index.TouchLastUsed(key); err != nil {
		log.Warn("Failed to update cache index", "error", err)
	}
}
