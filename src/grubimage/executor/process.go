package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// stderrTailSize bounds how much stderr is kept for error messages
const stderrTailSize = 4096

// ExitError reports a command that ran and exited with a non-zero status
type ExitError struct {
	Command []string
	Code    int
	Stderr  string
	err     error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Command[0], e.Code)
	if e.Stderr != "" {
		msg += "\nstderr: " + e.Stderr
	}
	return msg
}

func (e *ExitError) Unwrap() error {
	return e.err
}

// ExitCode returns the exit status carried by err, or -1 when err does not
// describe a process that exited on its own
func ExitCode(err error) int {
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	var xe *exec.ExitError
	if errors.As(err, &xe) {
		return xe.ExitCode()
	}
	return -1
}

// prepare configures process-group signalling on cmd: cancellation sends
// SIGINT to the whole group, and the group is killed after grace.
// Interactive commands stay in the terminal's foreground group so they can
// read from it; only the process itself is signalled.
func prepare(cmd *exec.Cmd, grace time.Duration, interactive bool) {
	if !interactive {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		if interactive {
			return cmd.Process.Signal(unix.SIGINT)
		}
		return unix.Kill(-cmd.Process.Pid, unix.SIGINT)
	}
	cmd.WaitDelay = grace
}

// run starts cmd and waits for it, wiring streams the way every runtime does:
// stdout goes to opts.Stdout (or the fallback), stderr to opts.Stderr (or the
// fallback) while its tail is retained for the error message.
func run(ctx context.Context, cmd *exec.Cmd, opts RunOpts, fallback io.Writer, grace time.Duration) error {
	prepare(cmd, grace, opts.Stdin != nil)
	cmd.Stdin = opts.Stdin

	tail := &tailBuffer{limit: stderrTailSize}
	switch {
	case opts.Stdout != nil:
		cmd.Stdout = opts.Stdout
	case fallback != nil:
		cmd.Stdout = fallback
	}
	switch {
	case opts.Stderr != nil:
		cmd.Stderr = io.MultiWriter(tail, opts.Stderr)
	case fallback != nil:
		cmd.Stderr = io.MultiWriter(tail, fallback)
	default:
		cmd.Stderr = tail
	}

	log.Debug("Running command", "path", cmd.Path, "args", cmd.Args[1:], "dir", cmd.Dir)

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s interrupted: %w", cmd.Args[0], ctx.Err())
		}
		var xe *exec.ExitError
		if errors.As(err, &xe) && xe.ExitCode() >= 0 {
			return &ExitError{
				Command: cmd.Args,
				Code:    xe.ExitCode(),
				Stderr:  strings.TrimSpace(tail.String()),
				err:     err,
			}
		}
		return fmt.Errorf("failed to run %s: %w", cmd.Args[0], err)
	}
	return nil
}

// tailBuffer is an io.Writer that keeps only the last limit bytes written
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
