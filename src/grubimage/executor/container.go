package executor

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"time"
)

// ContainerExecutor runs commands in a throwaway OCI container
type ContainerExecutor struct {
	runtime      string // podman, docker or nerdctl
	defaultImage string
	grace        time.Duration
	logger       io.Writer
}

// NewContainerExecutor creates a new container executor for the given runtime binary
func NewContainerExecutor(runtime, defaultImage string, grace time.Duration, logger io.Writer) *ContainerExecutor {
	return &ContainerExecutor{
		runtime:      runtime,
		defaultImage: defaultImage,
		grace:        grace,
		logger:       logger,
	}
}

// Run executes a command inside a container with the given options
func (e *ContainerExecutor) Run(ctx context.Context, opts RunOpts) error {
	if len(opts.Command) == 0 {
		return fmt.Errorf("no command specified")
	}
	cmd := exec.CommandContext(ctx, e.runtime, e.runArgs(opts)...)
	return run(ctx, cmd, opts, e.logger, e.grace)
}

// runArgs builds the `<runtime> run` argument list
func (e *ContainerExecutor) runArgs(opts RunOpts) []string {
	args := []string{"run", "--rm", "--init"}

	if opts.Privileged {
		args = append(args, "--privileged")
	}

	for _, m := range opts.Mounts {
		mount := fmt.Sprintf("%s:%s", m.Source, m.Target)
		if m.ReadOnly {
			mount += ":ro"
		}
		args = append(args, "-v", mount)
	}

	// Sorted so the command line is stable across runs
	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, opts.Env[k]))
	}

	if opts.WorkDir != "" {
		args = append(args, "-w", opts.WorkDir)
	}

	image := opts.Image
	if image == "" {
		image = e.defaultImage
	}

	args = append(args, image)
	return append(args, opts.Command...)
}

// IsAvailable checks if the runtime binary is installed and answers
func (e *ContainerExecutor) IsAvailable() bool {
	return exec.Command(e.runtime, "version").Run() == nil
}

// DefaultImage returns the default container image
func (e *ContainerExecutor) DefaultImage() string {
	return e.defaultImage
}

// RuntimeType returns the container runtime in use
func (e *ContainerExecutor) RuntimeType() RuntimeType {
	return RuntimeType(e.runtime)
}
