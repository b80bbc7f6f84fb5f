package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// HostExecutor runs commands directly on the host, or inside a chroot when
// a sysroot path is configured.
type HostExecutor struct {
	sysrootPath string // empty = direct host execution
	grace       time.Duration
	logger      io.Writer
}

// NewHostExecutor creates a new host executor.
// If sysrootPath is empty, commands run directly on the host.
func NewHostExecutor(sysrootPath string, grace time.Duration, logger io.Writer) *HostExecutor {
	return &HostExecutor{
		sysrootPath: sysrootPath,
		grace:       grace,
		logger:      logger,
	}
}

// Run executes a command on the host or inside the chroot
func (e *HostExecutor) Run(ctx context.Context, opts RunOpts) error {
	if len(opts.Command) == 0 {
		return fmt.Errorf("no command specified")
	}
	if e.sysrootPath != "" {
		return e.runInChroot(ctx, opts)
	}
	return e.runDirect(ctx, opts)
}

func (e *HostExecutor) runDirect(ctx context.Context, opts RunOpts) error {
	cmd := exec.CommandContext(ctx, opts.Command[0], opts.Command[1:]...)
	cmd.Dir = opts.WorkDir

	// Inherit host env, then apply overrides
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	return run(ctx, cmd, opts, e.logger, e.grace)
}

func (e *HostExecutor) runInChroot(ctx context.Context, opts RunOpts) error {
	var mounted []string
	for _, m := range opts.Mounts {
		target := e.sysrootPath + m.Target
		if err := os.MkdirAll(target, 0755); err != nil {
			e.unmountAll(mounted)
			return fmt.Errorf("failed to create mount target %s: %w", target, err)
		}

		args := []string{"--bind"}
		if m.ReadOnly {
			args = append(args, "-o", "ro")
		}
		args = append(args, m.Source, target)

		if err := exec.CommandContext(ctx, "mount", args...).Run(); err != nil {
			e.unmountAll(mounted)
			return fmt.Errorf("failed to bind-mount %s to %s: %w", m.Source, target, err)
		}
		mounted = append(mounted, target)
	}
	defer e.unmountAll(mounted)

	args := []string{e.sysrootPath}
	if opts.WorkDir != "" {
		// chroot has no working directory flag; go through the shell
		args = append(args, "/bin/sh", "-c", `cd "$0" && exec "$@"`, opts.WorkDir)
	}
	args = append(args, opts.Command...)

	cmd := exec.CommandContext(ctx, "chroot", args...)
	cmd.Env = []string{"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"}
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	return run(ctx, cmd, opts, e.logger, e.grace)
}

// unmountAll cleans up bind mounts in reverse order
func (e *HostExecutor) unmountAll(paths []string) {
	for i := len(paths) - 1; i >= 0; i-- {
		if err := exec.Command("umount", paths[i]).Run(); err != nil {
			log.Warn("Failed to unmount bind-mount", "path", paths[i], "error", err)
		}
	}
}

// IsAvailable checks if host or chroot execution is possible
func (e *HostExecutor) IsAvailable() bool {
	if e.sysrootPath == "" {
		return true
	}
	if _, err := exec.LookPath("chroot"); err != nil {
		return false
	}
	info, err := os.Stat(e.sysrootPath)
	return err == nil && info.IsDir()
}

// DefaultImage returns the sysroot path
func (e *HostExecutor) DefaultImage() string {
	return e.sysrootPath
}

// RuntimeType returns RuntimeHost or RuntimeChroot
func (e *HostExecutor) RuntimeType() RuntimeType {
	if e.sysrootPath != "" {
		return RuntimeChroot
	}
	return RuntimeHost
}
