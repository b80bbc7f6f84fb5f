package build

import (
	"context"
	"fmt"
	"time"

	"github.com/bitswalk/grubimage/src/common/errors"
	"github.com/bitswalk/grubimage/src/common/logs"
	"github.com/bitswalk/grubimage/src/grubimage/bootloader"
	"github.com/bitswalk/grubimage/src/grubimage/config"
	"github.com/bitswalk/grubimage/src/grubimage/image"
	"github.com/bitswalk/grubimage/src/grubimage/kernel"
	"golang.org/x/sync/errgroup"
)

// package-level logger, can be set via SetLogger
var log = logs.NewDefault()

// SetLogger sets the logger for the build package
func SetLogger(l *logs.Logger) {
	log = l
}

// StageProgressFunc receives progress of every stage
type StageProgressFunc func(stage StageName, percent int, message string)

// Options wires the pipeline to its collaborators
type Options struct {
	Catalog    config.BootloaderCatalog
	HostTarget string
	Invoker    *kernel.Invoker
	Provider   *bootloader.Provider
	Assembler  *image.Assembler
	Progress   StageProgressFunc
}

// Request is one pipeline invocation
type Request struct {
	Manifest *config.Manifest
	// Args are forwarded verbatim to the kernel build tool
	Args []string
	// OutputPath overrides the default image location
	OutputPath string
	// KernelPath names an already built kernel binary. The build tool is not
	// invoked and the target is taken from the binary's location when the
	// metadata does not set one.
	KernelPath string
}

// Result describes a successful run
type Result struct {
	Plan             *config.BuildPlan    `json:"plan"`
	Kernel           *kernel.Artifact     `json:"kernel"`
	Bootloader       *bootloader.Artifact `json:"bootloader"`
	BootloaderCached bool                 `json:"bootloader_cached"`
	Image            *image.DiskImage     `json:"image"`
	Duration         time.Duration        `json:"duration"`
}

// StageError reports the stage a run failed in. It unwraps to the coded cause.
type StageError struct {
	Stage StageName
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// FailedStage returns the stage named by a StageError in err's chain
func FailedStage(err error) (StageName, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}

// Pipeline runs resolve, kernel and bootloader (concurrently), commit and assemble
type Pipeline struct {
	resolve    Stage
	kernel     Stage
	bootloader Stage
	assemble   Stage
	progress   StageProgressFunc
}

// NewPipeline creates a pipeline from opts
func NewPipeline(opts Options) *Pipeline {
	progress := opts.Progress
	if progress == nil {
		progress = func(StageName, int, string) {}
	}
	return &Pipeline{
		resolve:    NewResolveStage(opts.Catalog, opts.HostTarget),
		kernel:     NewKernelStage(opts.Invoker),
		bootloader: NewBootloaderStage(opts.Provider),
		assemble:   NewAssembleStage(opts.Assembler),
		progress:   progress,
	}
}

// Run executes the pipeline. It produces exactly one image on success. On any
// failure no image is left behind, and a bootloader built during the run is
// only added to the cache when the kernel build succeeded too.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	sc := &StageContext{
		Manifest:   req.Manifest,
		Args:       req.Args,
		OutputPath: req.OutputPath,
		KernelPath: req.KernelPath,
	}

	if err := p.runStage(ctx, p.resolve, sc); err != nil {
		return nil, err
	}
	log.Info("Build plan resolved",
		"bootloader", sc.Plan.Bootloader.String(),
		"target", sc.Plan.Target,
		"manifest", sc.Plan.ManifestPath,
	)

	defer func() {
		if sc.Lease != nil {
			sc.Lease.Release()
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.runStage(gctx, p.kernel, sc)
	})
	g.Go(func() error {
		return p.runStage(gctx, p.bootloader, sc)
	})
	if err := g.Wait(); err != nil {
		return nil, p.interrupted(ctx, err)
	}

	artifact, err := sc.Lease.Commit(ctx)
	if err != nil {
		return nil, &StageError{Stage: StageBootloader, Err: err}
	}
	sc.Bootloader = artifact

	if err := p.runStage(ctx, p.assemble, sc); err != nil {
		return nil, p.interrupted(ctx, err)
	}

	res := &Result{
		Plan:             sc.Plan,
		Kernel:           sc.Kernel,
		Bootloader:       sc.Bootloader,
		BootloaderCached: sc.Lease.Cached(),
		Image:            sc.Image,
		Duration:         time.Since(start),
	}
	log.Info("Build completed", "image", res.Image.Path, "size", res.Image.SizeBytes, "duration", res.Duration.Round(time.Millisecond))
	return res, nil
}

func (p *Pipeline) runStage(ctx context.Context, stage Stage, sc *StageContext) error {
	name := stage.Name()
	if err := ctx.Err(); err != nil {
		return &StageError{Stage: name, Err: errors.ErrInterrupted.WithCause(err)}
	}
	if err := stage.Validate(ctx, sc); err != nil {
		var coded *errors.Error
		if !errors.As(err, &coded) {
			err = errors.ErrInternal.WithMessagef("%s stage cannot run", name).WithCause(err)
		}
		return &StageError{Stage: name, Err: err}
	}

	log.Debug("Stage started", "stage", name)
	stageStart := time.Now()
	err := stage.Execute(ctx, sc, func(percent int, message string) {
		p.progress(name, percent, message)
	})
	if err != nil {
		var coded *errors.Error
		if !errors.As(err, &coded) {
			err = errors.ErrInternal.WithMessagef("unexpected %s stage failure", name).WithCause(err)
		}
		log.Debug("Stage failed", "stage", name, "error", err)
		return &StageError{Stage: name, Err: err}
	}
	log.Debug("Stage completed", "stage", name, "duration", time.Since(stageStart).Round(time.Millisecond))
	return nil
}

// interrupted maps failures caused by an external interrupt to ErrInterrupted
func (p *Pipeline) interrupted(ctx context.Context, err error) error {
	if ctx.Err() == nil || errors.Is(err, errors.ErrInterrupted) {
		return err
	}
	stage, _ := FailedStage(err)
	return &StageError{Stage: stage, Err: errors.ErrInterrupted.WithCause(err)}
}
