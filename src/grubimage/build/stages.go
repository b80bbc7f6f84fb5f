package build

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bitswalk/grubimage/src/common/errors"
	"github.com/bitswalk/grubimage/src/grubimage/bootloader"
	"github.com/bitswalk/grubimage/src/grubimage/config"
	"github.com/bitswalk/grubimage/src/grubimage/image"
	"github.com/bitswalk/grubimage/src/grubimage/kernel"
)

// ResolveStage merges manifest metadata and command-line options into a BuildPlan
type ResolveStage struct {
	catalog    config.BootloaderCatalog
	hostTarget string
}

// NewResolveStage creates a new resolve stage
func NewResolveStage(catalog config.BootloaderCatalog, hostTarget string) *ResolveStage {
	return &ResolveStage{catalog: catalog, hostTarget: hostTarget}
}

// Name returns the stage name
func (s *ResolveStage) Name() StageName {
	return StageResolve
}

// Validate checks whether this stage can run
func (s *ResolveStage) Validate(ctx context.Context, sc *StageContext) error {
	if sc.Manifest == nil {
		return errors.ErrManifestNotFound.WithMessage("no project manifest loaded")
	}
	return nil
}

// Execute resolves the build plan
func (s *ResolveStage) Execute(ctx context.Context, sc *StageContext, progress ProgressFunc) error {
	plan, err := config.Resolve(sc.Manifest, sc.Args, config.ResolveOptions{
		Catalog:    s.catalog,
		HostTarget: s.hostTarget,
	})
	if err != nil {
		return err
	}
	if sc.KernelPath != "" && !plan.TargetExplicit {
		if triple := kernel.TargetFromPath(sc.KernelPath); triple != "" {
			plan.Target = triple
			plan.TargetExplicit = true
		}
	}
	sc.Plan = plan
	progress(100, fmt.Sprintf("%s for %s", plan.Bootloader, plan.Target))
	return nil
}

// KernelStage runs the kernel build tool and inspects the produced binary
type KernelStage struct {
	invoker *kernel.Invoker
}

// NewKernelStage creates a new kernel stage
func NewKernelStage(invoker *kernel.Invoker) *KernelStage {
	return &KernelStage{invoker: invoker}
}

// Name returns the stage name
func (s *KernelStage) Name() StageName {
	return StageKernel
}

// Validate checks whether this stage can run
func (s *KernelStage) Validate(ctx context.Context, sc *StageContext) error {
	if sc.Plan == nil {
		return fmt.Errorf("build plan not resolved - resolve stage must run first")
	}
	return nil
}

// Execute builds the kernel, or inspects the prebuilt binary in sc.KernelPath
func (s *KernelStage) Execute(ctx context.Context, sc *StageContext, progress ProgressFunc) error {
	var artifact *kernel.Artifact
	var err error
	if sc.KernelPath != "" {
		progress(0, sc.KernelPath)
		artifact, err = kernel.Inspect(sc.KernelPath, sc.Plan.Target)
	} else {
		progress(0, strings.Join(s.invoker.Command(sc.Plan), " "))
		artifact, err = s.invoker.Build(ctx, sc.Plan)
	}
	if err != nil {
		return err
	}
	sc.Kernel = artifact
	progress(100, fmt.Sprintf("%s (%s, %s)", artifact.BinaryPath, artifact.EntryFormat, artifact.Multiboot))
	return nil
}

// BootloaderStage acquires the bootloader from the cache, building it on a miss.
// The acquired lease is committed by the pipeline once the kernel is built.
type BootloaderStage struct {
	provider *bootloader.Provider
}

// NewBootloaderStage creates a new bootloader stage
func NewBootloaderStage(provider *bootloader.Provider) *BootloaderStage {
	return &BootloaderStage{provider: provider}
}

// Name returns the stage name
func (s *BootloaderStage) Name() StageName {
	return StageBootloader
}

// Validate checks whether this stage can run
func (s *BootloaderStage) Validate(ctx context.Context, sc *StageContext) error {
	if sc.Plan == nil {
		return fmt.Errorf("build plan not resolved - resolve stage must run first")
	}
	return nil
}

// Execute acquires the bootloader lease
func (s *BootloaderStage) Execute(ctx context.Context, sc *StageContext, progress ProgressFunc) error {
	progress(0, sc.Plan.Bootloader.String())
	lease, err := s.provider.Acquire(ctx, sc.Plan.Bootloader, sc.Plan.Target)
	if err != nil {
		return err
	}
	sc.Lease = lease
	if lease.Cached() {
		progress(100, "cached")
	} else {
		progress(100, "built")
	}
	return nil
}

// AssembleStage writes the disk image
type AssembleStage struct {
	assembler *image.Assembler
}

// NewAssembleStage creates a new assemble stage
func NewAssembleStage(assembler *image.Assembler) *AssembleStage {
	return &AssembleStage{assembler: assembler}
}

// Name returns the stage name
func (s *AssembleStage) Name() StageName {
	return StageAssemble
}

// Validate checks whether this stage can run
func (s *AssembleStage) Validate(ctx context.Context, sc *StageContext) error {
	if sc.Kernel == nil {
		return fmt.Errorf("kernel not built - kernel stage must run first")
	}
	if sc.Bootloader == nil {
		return fmt.Errorf("bootloader not committed - bootloader stage must run first")
	}
	return nil
}

// Execute assembles the image
func (s *AssembleStage) Execute(ctx context.Context, sc *StageContext, progress ProgressFunc) error {
	out := sc.OutputPath
	if out == "" {
		out = DefaultOutputPath(sc.Kernel)
	}
	progress(0, out)
	img, err := s.assembler.Assemble(ctx, sc.Kernel, sc.Bootloader, out)
	if err != nil {
		return err
	}
	sc.Image = img
	progress(100, out)
	return nil
}

// DefaultOutputPath places the image next to the kernel binary
func DefaultOutputPath(k *kernel.Artifact) string {
	return filepath.Join(filepath.Dir(k.BinaryPath), "grubimage-"+k.Name+".img")
}
