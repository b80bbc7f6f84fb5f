// Package build provides the pipeline that turns a kernel project into a
// bootable disk image: resolve, then kernel build and bootloader
// provisioning side by side, then assembly.
package build

import (
	"context"

	"github.com/bitswalk/grubimage/src/grubimage/bootloader"
	"github.com/bitswalk/grubimage/src/grubimage/config"
	"github.com/bitswalk/grubimage/src/grubimage/image"
	"github.com/bitswalk/grubimage/src/grubimage/kernel"
)

// StageName identifies a pipeline stage
type StageName string

const (
	StageResolve    StageName = "resolve"
	StageKernel     StageName = "kernel"
	StageBootloader StageName = "bootloader"
	StageAssemble   StageName = "assemble"
)

// Stage defines the interface for a single build pipeline stage
type Stage interface {
	// Name returns the stage name
	Name() StageName

	// Validate checks whether this stage can run given the current context
	Validate(ctx context.Context, sc *StageContext) error

	// Execute runs the stage, updating progress via the callback
	Execute(ctx context.Context, sc *StageContext, progress ProgressFunc) error
}

// ProgressFunc reports stage progress (0-100) with an optional message
type ProgressFunc func(percent int, message string)

// StageContext holds shared state passed through the pipeline. The kernel
// and bootloader stages run concurrently and write disjoint fields.
type StageContext struct {
	Manifest   *config.Manifest
	Args       []string
	OutputPath string // empty selects <kernel dir>/grubimage-<kernel name>.img
	KernelPath string // set to skip the kernel build and use this binary

	Plan       *config.BuildPlan    // Populated by resolve stage
	Kernel     *kernel.Artifact     // Populated by kernel stage
	Lease      *bootloader.Lease    // Populated by bootloader stage
	Bootloader *bootloader.Artifact // Populated when the lease is committed
	Image      *image.DiskImage     // Populated by assemble stage
}
