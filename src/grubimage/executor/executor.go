// Package executor runs external build commands (the kernel build tool and
// bootloader build steps) on the host, inside a chroot, or in an OCI
// container. Output is streamed to the caller's writers as it is produced.
package executor

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/bitswalk/grubimage/src/common/logs"
)

var log = logs.NewDefault()

// SetLogger sets the package logger
func SetLogger(l *logs.Logger) {
	log = l
}

// RuntimeType represents an execution runtime
type RuntimeType string

const (
	RuntimeHost    RuntimeType = "host"
	RuntimeChroot  RuntimeType = "chroot"
	RuntimePodman  RuntimeType = "podman"
	RuntimeDocker  RuntimeType = "docker"
	RuntimeNerdctl RuntimeType = "nerdctl"
)

// DefaultGracePeriod is how long a cancelled command may take to exit after
// SIGINT before it is killed
const DefaultGracePeriod = 5 * time.Second

// ValidRuntimes returns all valid runtime type values
func ValidRuntimes() []RuntimeType {
	return []RuntimeType{RuntimeHost, RuntimeChroot, RuntimePodman, RuntimeDocker, RuntimeNerdctl}
}

// IsContainerRuntime returns true if the runtime uses OCI containers
func (r RuntimeType) IsContainerRuntime() bool {
	return r == RuntimePodman || r == RuntimeDocker || r == RuntimeNerdctl
}

// Mount represents a bind mount into a chroot or container
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// RunOpts holds options for running a command
type RunOpts struct {
	Image      string // Container image or sysroot (uses the executor default if empty)
	Mounts     []Mount
	Env        map[string]string
	Command    []string
	WorkDir    string
	Privileged bool
	Stdout     io.Writer
	Stderr     io.Writer
	// Stdin makes the command interactive: it is attached to Stdin and
	// stays in the caller's process group
	Stdin io.Reader
}

// Executor is the interface for running build commands
type Executor interface {
	// Run executes a command and blocks until it exits or ctx is done.
	// A non-zero exit is reported as an error for which ExitCode returns the status.
	Run(ctx context.Context, opts RunOpts) error

	// IsAvailable checks if the runtime is installed and functional
	IsAvailable() bool

	// DefaultImage returns the default container image or sysroot path
	DefaultImage() string

	// RuntimeType returns the type of this executor
	RuntimeType() RuntimeType
}

// Config selects and tunes an executor
type Config struct {
	Runtime     RuntimeType
	Image       string // container image or sysroot path
	GracePeriod time.Duration
	Logger      io.Writer // receives output when RunOpts has no writers
}

// New creates an Executor for the given configuration
func New(cfg Config) (Executor, error) {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	switch cfg.Runtime {
	case "", RuntimeHost:
		return NewHostExecutor("", cfg.GracePeriod, cfg.Logger), nil
	case RuntimeChroot:
		if cfg.Image == "" {
			return nil, fmt.Errorf("chroot runtime requires a sysroot path")
		}
		return NewHostExecutor(cfg.Image, cfg.GracePeriod, cfg.Logger), nil
	case RuntimePodman, RuntimeDocker, RuntimeNerdctl:
		if cfg.Image == "" {
			return nil, fmt.Errorf("%s runtime requires a builder image", cfg.Runtime)
		}
		return NewContainerExecutor(string(cfg.Runtime), cfg.Image, cfg.GracePeriod, cfg.Logger), nil
	default:
		return nil, fmt.Errorf("unsupported runtime: %s", cfg.Runtime)
	}
}
