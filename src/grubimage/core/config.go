package core

import (
	"io"
	"time"

	"github.com/bitswalk/grubimage/src/common/cli"
	"github.com/bitswalk/grubimage/src/common/errors"
	"github.com/bitswalk/grubimage/src/common/logs"
	"github.com/bitswalk/grubimage/src/common/paths"
	"github.com/bitswalk/grubimage/src/grubimage/bootloader"
	"github.com/bitswalk/grubimage/src/grubimage/build"
	"github.com/bitswalk/grubimage/src/grubimage/db"
	"github.com/bitswalk/grubimage/src/grubimage/download"
	"github.com/bitswalk/grubimage/src/grubimage/executor"
	"github.com/bitswalk/grubimage/src/grubimage/image"
	"github.com/bitswalk/grubimage/src/grubimage/kernel"
	"github.com/bitswalk/grubimage/src/grubimage/runner"
	"github.com/bitswalk/grubimage/src/grubimage/storage"
	"github.com/spf13/viper"
)

// Tool configuration keys
const (
	keyCacheDir       = "cache.dir"
	keyCacheMaxSizeMB = "cache.max_size_mb"

	keyBuildTool          = "build.tool"
	keyBuildJobs          = "build.jobs"
	keyBuildJSONArtifacts = "build.json_artifacts"

	keyExecutorRuntime = "executor.runtime"
	keyExecutorImage   = "executor.image"
	keyExecutorGrace   = "executor.grace_period"

	keyDownloadRateLimit = "download.rate_limit"

	keyMirrorType          = "mirror.type"
	keyMirrorPush          = "mirror.push"
	keyMirrorLocalPath     = "mirror.local.path"
	keyMirrorS3Endpoint    = "mirror.s3.endpoint"
	keyMirrorS3Region      = "mirror.s3.region"
	keyMirrorS3Bucket      = "mirror.s3.bucket"
	keyMirrorS3Prefix      = "mirror.s3.prefix"
	keyMirrorS3AccessKey   = "mirror.s3.access_key"
	keyMirrorS3SecretKey   = "mirror.s3.secret_key"
	keyMirrorS3PathStyle   = "mirror.s3.path_style"
	keyDatabaseBusyTimeout = "database.busy_timeout_ms"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault(keyCacheDir, paths.CacheDir("grubimage"))
	v.SetDefault(keyCacheMaxSizeMB, 0)
	v.SetDefault(keyBuildTool, "")
	v.SetDefault(keyBuildJobs, 0)
	v.SetDefault(keyBuildJSONArtifacts, true)
	v.SetDefault(keyExecutorRuntime, string(executor.RuntimeHost))
	v.SetDefault(keyExecutorImage, "")
	v.SetDefault(keyExecutorGrace, executor.DefaultGracePeriod)
	v.SetDefault(keyDownloadRateLimit, 0)
	v.SetDefault(keyMirrorType, "")
	v.SetDefault(keyMirrorPush, false)
	v.SetDefault(keyMirrorS3Region, "us-east-1")
	v.SetDefault(keyMirrorS3PathStyle, true)
	v.SetDefault(keyDatabaseBusyTimeout, 5000)
}

// setLoggers hands the configured logger to every package
func setLoggers(l *logs.Logger) {
	build.SetLogger(l)
	bootloader.SetLogger(l)
	kernel.SetLogger(l)
	image.SetLogger(l)
	executor.SetLogger(l)
	download.SetLogger(l)
	db.SetLogger(l)
	runner.SetLogger(l)
}

// services holds the components a command works with
type services struct {
	registry *bootloader.Registry
	database *db.Database
	index    *db.BootloaderCacheRepository
	provider *bootloader.Provider
	mirror   storage.Backend
	maxBytes int64
}

// Close releases the cache index
func (s *services) Close() {
	if s.database != nil {
		s.database.Close()
	}
}

// serviceOptions tune the build output of a command
type serviceOptions struct {
	stdout io.Writer
	stderr io.Writer
	// progress receives download progress lines; nil disables them
	progress io.Writer
}

// newRegistry returns the built-in bootloaders plus those defined in the tool configuration
func (a *app) newRegistry() (*bootloader.Registry, error) {
	reg := bootloader.NewRegistry()
	if err := reg.LoadDefinitions(a.v); err != nil {
		return nil, err
	}
	return reg, nil
}

// newMirror builds the optional mirror backend
func (a *app) newMirror() (storage.Backend, error) {
	backend, err := storage.New(storage.Config{
		Kind:  a.v.GetString(keyMirrorType),
		Local: storage.LocalConfig{Root: cli.GetExpandedString(a.v, keyMirrorLocalPath)},
		S3: storage.S3Config{
			Endpoint:  a.v.GetString(keyMirrorS3Endpoint),
			Region:    a.v.GetString(keyMirrorS3Region),
			Bucket:    a.v.GetString(keyMirrorS3Bucket),
			Prefix:    a.v.GetString(keyMirrorS3Prefix),
			AccessKey: a.v.GetString(keyMirrorS3AccessKey),
			SecretKey: a.v.GetString(keyMirrorS3SecretKey),
			PathStyle: a.v.GetBool(keyMirrorS3PathStyle),
		},
	})
	if err != nil {
		return nil, errors.ErrConfigMalformed.WithMessage("invalid mirror configuration").WithCause(err)
	}
	return backend, nil
}

func (a *app) cacheDir() string {
	return cli.GetExpandedString(a.v, keyCacheDir)
}

// newServices opens the cache index and creates the bootloader provider
func (a *app) newServices(opts serviceOptions) (*services, error) {
	reg, err := a.newRegistry()
	if err != nil {
		return nil, err
	}
	mirror, err := a.newMirror()
	if err != nil {
		return nil, err
	}

	cacheDir := a.cacheDir()
	if err := paths.EnsureDirPath(cacheDir); err != nil {
		return nil, errors.ErrCacheUnavailable.WithMessagef("cannot create cache directory %s", cacheDir).WithCause(err)
	}

	dbCfg := db.DefaultConfig(cacheDir)
	dbCfg.BusyTimeoutMs = a.v.GetInt(keyDatabaseBusyTimeout)
	database, err := db.Open(dbCfg)
	if err != nil {
		return nil, errors.ErrCacheUnavailable.WithMessagef("cannot open cache index %s", dbCfg.Path).WithCause(err)
	}
	index := db.NewBootloaderCacheRepository(database)

	var progress download.ProgressCallback
	if opts.progress != nil {
		progress = download.NewTerminalProgress(opts.progress, "Downloading bootloader sources")
	}
	fetcher := download.NewFetcher(download.Options{
		UserAgent:   a.info.UserAgent(),
		BytesPerSec: a.v.GetInt64(keyDownloadRateLimit),
		Progress:    progress,
	})

	ex, err := a.newExecutor(opts.stderr)
	if err != nil {
		database.Close()
		return nil, err
	}

	maxBytes := a.v.GetInt64(keyCacheMaxSizeMB) << 20
	provider, err := bootloader.NewProvider(bootloader.Options{
		CacheDir:     cacheDir,
		Registry:     reg,
		Fetcher:      fetcher,
		Executor:     ex,
		Mirror:       mirror,
		PushToMirror: a.v.GetBool(keyMirrorPush),
		Index:        index,
		MaxSizeBytes: maxBytes,
		Jobs:         a.v.GetInt(keyBuildJobs),
		Stdout:       opts.stdout,
		Stderr:       opts.stderr,
		GracePeriod:  a.v.GetDuration(keyExecutorGrace),
	})
	if err != nil {
		database.Close()
		return nil, err
	}

	return &services{
		registry: reg,
		database: database,
		index:    index,
		provider: provider,
		mirror:   mirror,
		maxBytes: maxBytes,
	}, nil
}

func (a *app) newExecutor(logger io.Writer) (executor.Executor, error) {
	ex, err := executor.New(executor.Config{
		Runtime:     executor.RuntimeType(a.v.GetString(keyExecutorRuntime)),
		Image:       a.v.GetString(keyExecutorImage),
		GracePeriod: a.v.GetDuration(keyExecutorGrace),
		Logger:      logger,
	})
	if err != nil {
		return nil, errors.ErrConfigMalformed.WithMessagef("invalid executor configuration: %v", err).WithCause(err)
	}
	if !ex.IsAvailable() {
		return nil, errors.ErrConfigMalformed.WithMessagef("executor runtime %s is not available", ex.RuntimeType())
	}
	return ex, nil
}

// newPipeline wires a build pipeline to svc
func (a *app) newPipeline(svc *services, opts serviceOptions, progress build.StageProgressFunc) *build.Pipeline {
	// The kernel build always runs on the host; only bootloader steps use
	// the configured runtime.
	invoker := kernel.NewInvoker(kernel.Options{
		Tool:          a.v.GetString(keyBuildTool),
		Executor:      executor.NewHostExecutor("", a.gracePeriod(), opts.stderr),
		Stdout:        opts.stdout,
		Stderr:        opts.stderr,
		JSONArtifacts: a.v.GetBool(keyBuildJSONArtifacts),
	})
	return build.NewPipeline(build.Options{
		Catalog:    svc.registry,
		HostTarget: kernel.HostTriple(),
		Invoker:    invoker,
		Provider:   svc.provider,
		Assembler:  image.NewAssembler(),
		Progress:   progress,
	})
}

func (a *app) gracePeriod() time.Duration {
	if d := a.v.GetDuration(keyExecutorGrace); d > 0 {
		return d
	}
	return executor.DefaultGracePeriod
}
