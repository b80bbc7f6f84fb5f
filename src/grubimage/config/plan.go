package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Keys recognized in the package.metadata.grubimage table
const (
	KeyBuildCommand      = "build-command"
	KeyBootloader        = "bootloader"
	KeyBootloaderVersion = "bootloader-version"
	KeyTarget            = "target"
	KeyRunCommand        = "run-command"
	KeyRunArgs           = "run-args"
	KeyTestArgs          = "test-args"
	KeyTestTimeout       = "test-timeout"
	KeyTestSuccessCode   = "test-success-exit-code"
	KeyTestNoReboot      = "test-no-reboot"
)

// Defaults applied when a key is absent
const (
	DefaultBootloader = "grub"
	// LatestCompatible selects the newest version the bootloader catalog supports
	LatestCompatible = "latest-compatible"
	// ImagePlaceholder is replaced by the disk image path in run commands
	ImagePlaceholder = "{}"
	// DefaultTestTimeout bounds a test kernel run when test-timeout is absent
	DefaultTestTimeout = 5 * time.Minute
	// NoRebootFlag makes the emulator exit instead of rebooting a test kernel
	NoRebootFlag = "-no-reboot"
)

// DefaultBuildCommand is the build tool subcommand used when none is configured
func DefaultBuildCommand() []string {
	return []string{"build"}
}

// DefaultRunCommand is the command used by `grubimage run` when none is configured
func DefaultRunCommand() []string {
	return []string{"qemu-system-x86_64", "-drive", "format=raw,file=" + ImagePlaceholder}
}

// BootloaderSpec identifies a bootloader and a concrete version
type BootloaderSpec struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// String returns name@version
func (s BootloaderSpec) String() string {
	return s.Name + "@" + s.Version
}

// BuildPlan is the resolved description of one pipeline run. It is created by
// Resolve and must be treated as read-only by every consumer; use Clone to
// obtain a copy that may be modified.
type BuildPlan struct {
	// KernelBuildCommand is the configured build tool subcommand (e.g. ["build"])
	KernelBuildCommand []string `json:"kernel_build_command"`
	// Bootloader is the bootloader name and concrete version
	Bootloader BootloaderSpec `json:"bootloader"`
	// ExtraBuildArgs are forwarded verbatim after KernelBuildCommand
	ExtraBuildArgs []string `json:"extra_build_args"`
	// Target is the kernel target triple, or the host triple when none was requested
	Target string `json:"target"`
	// TargetExplicit is true when a target came from the arguments or the metadata
	TargetExplicit bool `json:"target_explicit"`
	// Profile is the build output directory name (debug, release or a custom profile)
	Profile string `json:"profile"`
	// BinName is the kernel binary name, from --bin or the package name
	BinName string `json:"bin_name,omitempty"`
	// Env holds extra environment variables for the kernel build
	Env map[string]string `json:"env,omitempty"`
	// ManifestPath is the manifest the plan was resolved from
	ManifestPath string `json:"manifest_path"`
	// ProjectDir is the directory the kernel build runs in
	ProjectDir string `json:"project_dir"`
	// RunCommand is used by `grubimage run`; "{}" is replaced by the image path
	RunCommand []string `json:"run_command"`
	// RunArgs are appended to RunCommand
	RunArgs []string `json:"run_args,omitempty"`
	// TestArgs replace RunArgs when the kernel is a test binary
	TestArgs []string `json:"test_args,omitempty"`
	// TestTimeout bounds a test kernel run
	TestTimeout time.Duration `json:"test_timeout"`
	// TestSuccessExitCode is an exit status, besides 0, that counts as a passing test
	TestSuccessExitCode *int `json:"test_success_exit_code,omitempty"`
	// TestNoReboot appends NoRebootFlag to test runs
	TestNoReboot bool `json:"test_no_reboot"`
}

// BuildArgv returns a fresh slice with the build subcommand followed by the extra arguments
func (p *BuildPlan) BuildArgv() []string {
	argv := make([]string, 0, len(p.KernelBuildCommand)+len(p.ExtraBuildArgs))
	argv = append(argv, p.KernelBuildCommand...)
	return append(argv, p.ExtraBuildArgs...)
}

// EnvList returns Env as sorted KEY=VALUE pairs
func (p *BuildPlan) EnvList() []string {
	keys := make([]string, 0, len(p.Env))
	for k := range p.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, p.Env[k]))
	}
	return env
}

// RunArgv returns the run command with the image path substituted and run args appended
func (p *BuildPlan) RunArgv(imagePath string) []string {
	argv := make([]string, 0, len(p.RunCommand)+len(p.RunArgs))
	for _, a := range p.RunCommand {
		argv = append(argv, strings.ReplaceAll(a, ImagePlaceholder, imagePath))
	}
	return append(argv, p.RunArgs...)
}

// TestArgv returns the run command for a test kernel: test args replace the
// run args and NoRebootFlag is appended when enabled
func (p *BuildPlan) TestArgv(imagePath string) []string {
	argv := make([]string, 0, len(p.RunCommand)+len(p.TestArgs)+1)
	for _, a := range p.RunCommand {
		argv = append(argv, strings.ReplaceAll(a, ImagePlaceholder, imagePath))
	}
	argv = append(argv, p.TestArgs...)
	if p.TestNoReboot {
		argv = append(argv, NoRebootFlag)
	}
	return argv
}

// TestPassed reports whether a test kernel exit status counts as success
func (p *BuildPlan) TestPassed(status int) bool {
	return status == 0 || (p.TestSuccessExitCode != nil && status == *p.TestSuccessExitCode)
}

// Clone returns a deep copy of the plan
func (p *BuildPlan) Clone() *BuildPlan {
	c := *p
	c.KernelBuildCommand = copyStrings(p.KernelBuildCommand)
	c.ExtraBuildArgs = copyStrings(p.ExtraBuildArgs)
	c.RunCommand = copyStrings(p.RunCommand)
	c.RunArgs = copyStrings(p.RunArgs)
	c.TestArgs = copyStrings(p.TestArgs)
	if p.TestSuccessExitCode != nil {
		code := *p.TestSuccessExitCode
		c.TestSuccessExitCode = &code
	}
	if p.Env != nil {
		c.Env = make(map[string]string, len(p.Env))
		for k, v := range p.Env {
			c.Env[k] = v
		}
	}
	return &c
}

func copyStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
