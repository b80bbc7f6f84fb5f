// Package runner boots a disk image with the run command from the project
// metadata. Test kernels run unattended under a timeout and their exit
// status is mapped to a pass or a failure.
package runner

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitswalk/grubimage/src/common/errors"
	"github.com/bitswalk/grubimage/src/common/logs"
	"github.com/bitswalk/grubimage/src/grubimage/config"
	"github.com/bitswalk/grubimage/src/grubimage/executor"
)

// package-level logger, can be set via SetLogger
var log = logs.NewDefault()

// SetLogger sets the logger for the runner package
func SetLogger(l *logs.Logger) {
	log = l
}

// Options configures a Runner
type Options struct {
	// Executor runs the emulator; defaults to the host executor
	Executor executor.Executor
	// Stdin is attached to interactive runs only
	Stdin       io.Reader
	Stdout      io.Writer
	Stderr      io.Writer
	GracePeriod time.Duration
}

// Result describes a finished run
type Result struct {
	Command  []string      `json:"command"`
	Test     bool          `json:"test"`
	Status   int           `json:"status"`
	Duration time.Duration `json:"duration"`
}

// Runner starts the configured run command for a disk image
type Runner struct {
	opts Options
}

// New creates a Runner
func New(opts Options) *Runner {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = executor.DefaultGracePeriod
	}
	if opts.Executor == nil {
		opts.Executor = executor.NewHostExecutor("", opts.GracePeriod, opts.Stderr)
	}
	return &Runner{opts: opts}
}

// Run boots image interactively with the run command and run args. A
// non-zero exit is returned as ErrRunFailed carrying the status.
func (r *Runner) Run(ctx context.Context, plan *config.BuildPlan, image string) (*Result, error) {
	res := &Result{Command: plan.RunArgv(image)}
	log.Info("Running disk image", "command", strings.Join(res.Command, " "))

	start := time.Now()
	err := r.opts.Executor.Run(ctx, executor.RunOpts{
		Command: res.Command,
		WorkDir: plan.ProjectDir,
		Stdin:   r.opts.Stdin,
		Stdout:  r.opts.Stdout,
		Stderr:  r.opts.Stderr,
	})
	res.Duration = time.Since(start)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return res, errors.ErrInterrupted.WithCause(err)
	}
	res.Status = executor.ExitCode(err)
	return res, errors.ErrRunFailed.
		WithMessagef("%s exited with status %d", res.Command[0], res.Status).
		WithStatus(res.Status).
		WithCause(err)
}

// Test boots the image of a test kernel with the test args and without
// stdin. The run is stopped after plan.TestTimeout (zero disables the
// limit). Exit status 0 and plan.TestSuccessExitCode count as a pass.
func (r *Runner) Test(ctx context.Context, plan *config.BuildPlan, image string) (*Result, error) {
	res := &Result{Command: plan.TestArgv(image), Test: true}
	log.Info("Running test kernel", "command", strings.Join(res.Command, " "), "timeout", plan.TestTimeout)

	runCtx := ctx
	if plan.TestTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, plan.TestTimeout)
		defer cancel()
	}

	start := time.Now()
	err := r.opts.Executor.Run(runCtx, executor.RunOpts{
		Command: res.Command,
		WorkDir: plan.ProjectDir,
		Stdout:  r.opts.Stdout,
		Stderr:  r.opts.Stderr,
	})
	res.Duration = time.Since(start)
	name := filepath.Base(image)

	if err != nil {
		switch {
		case ctx.Err() != nil:
			return res, errors.ErrInterrupted.WithCause(err)
		case runCtx.Err() != nil:
			res.Status = -1
			return res, errors.ErrTestTimeout.
				WithMessagef("%s did not finish within %s", name, plan.TestTimeout).
				WithCause(err)
		}
		res.Status = executor.ExitCode(err)
		if res.Status < 0 {
			return res, errors.ErrRunFailed.WithMessagef("cannot start %s", res.Command[0]).WithCause(err)
		}
	}

	if !plan.TestPassed(res.Status) {
		return res, errors.ErrTestFailed.
			WithMessagef("%s exited with status %d", name, res.Status).
			WithStatus(res.Status).
			WithCause(err)
	}
	log.Info("Test kernel passed", "image", name, "status", res.Status, "duration", res.Duration.Round(time.Millisecond))
	return res, nil
}
