// Package kernel runs the external kernel build tool, streams its output,
// locates the produced kernel binary and inspects its format.
package kernel

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bitswalk/grubimage/src/common/errors"
	"github.com/bitswalk/grubimage/src/common/logs"
	"github.com/bitswalk/grubimage/src/grubimage/config"
	"github.com/bitswalk/grubimage/src/grubimage/executor"
)

var log = logs.NewDefault()

// SetLogger sets the package logger
func SetLogger(l *logs.Logger) {
	log = l
}

// DefaultTool is the build tool used when neither configuration nor the
// environment names one
const DefaultTool = "cargo"

// jsonMessageFormat makes cargo report artifacts as JSON on stdout while
// still rendering diagnostics for humans on stderr
const jsonMessageFormat = "--message-format=json-render-diagnostics"

// ResolveTool picks the build tool: configured value, then $CARGO, then cargo
func ResolveTool(configured string) string {
	if configured != "" {
		return configured
	}
	if env := os.Getenv("CARGO"); env != "" {
		return env
	}
	return DefaultTool
}

// Options configures an Invoker
type Options struct {
	// Tool is the build tool binary (see ResolveTool)
	Tool string
	// Executor runs the build; a host executor is used when nil
	Executor executor.Executor
	// Stdout and Stderr receive the live build output; nil discards
	Stdout io.Writer
	Stderr io.Writer
	// JSONArtifacts asks the tool for machine-readable artifact messages
	JSONArtifacts bool
}

// Invoker runs kernel builds
type Invoker struct {
	tool          string
	exec          executor.Executor
	stdout        io.Writer
	stderr        io.Writer
	jsonArtifacts bool
}

// NewInvoker creates a kernel build invoker
func NewInvoker(opts Options) *Invoker {
	ex := opts.Executor
	if ex == nil {
		ex = executor.NewHostExecutor("", executor.DefaultGracePeriod, nil)
	}
	stdout, stderr := opts.Stdout, opts.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	return &Invoker{
		tool:          ResolveTool(opts.Tool),
		exec:          ex,
		stdout:        stdout,
		stderr:        stderr,
		jsonArtifacts: opts.JSONArtifacts,
	}
}

// Tool returns the build tool in use
func (i *Invoker) Tool() string {
	return i.tool
}

// Command returns the full command line Build runs for plan
func (i *Invoker) Command(plan *config.BuildPlan) []string {
	argv := append([]string{i.tool}, plan.BuildArgv()...)
	if i.jsonArtifacts && !hasMessageFormat(plan.ExtraBuildArgs) {
		argv = append(argv, jsonMessageFormat)
	}
	return argv
}

// Build runs the kernel build described by plan and returns the kernel artifact.
// The build is not retried on failure.
func (i *Invoker) Build(ctx context.Context, plan *config.BuildPlan) (*Artifact, error) {
	argv := i.Command(plan)
	log.Info("Building kernel", "command", strings.Join(argv, " "), "dir", plan.ProjectDir)

	scanner := newArtifactScanner(i.stdout)
	err := i.exec.Run(ctx, executor.RunOpts{
		Command: argv,
		Env:     plan.Env,
		WorkDir: plan.ProjectDir,
		Stdout:  scanner,
		Stderr:  i.stderr,
	})
	scanner.Flush()

	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.ErrInterrupted.WithMessage("kernel build interrupted").WithCause(err)
		}
		if code := executor.ExitCode(err); code >= 0 {
			return nil, errors.ErrKernelBuildFailed.
				WithMessagef("%s exited with status %d", filepath.Base(i.tool), code).
				WithStatus(code).
				WithCause(err)
		}
		return nil, errors.ErrKernelExecFailed.WithMessagef("could not run %s", i.tool).WithCause(err)
	}

	path, err := i.locate(plan, scanner.Executables())
	if err != nil {
		return nil, err
	}
	log.Debug("Located kernel binary", "path", path)

	return Inspect(path, plan.Target)
}

// locate picks the kernel binary: a reported executable matching the binary
// name, else the last reported one, else the newest executable in the
// conventional output directory.
func (i *Invoker) locate(plan *config.BuildPlan, reported []string) (string, error) {
	if len(reported) > 0 {
		if plan.BinName != "" {
			for j := len(reported) - 1; j >= 0; j-- {
				if filepath.Base(reported[j]) == plan.BinName {
					return reported[j], nil
				}
			}
		}
		return reported[len(reported)-1], nil
	}

	dir := OutputDir(plan)
	if plan.BinName != "" {
		candidate := filepath.Join(dir, plan.BinName)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", errors.ErrArtifactNotFound.WithMessagef("build output directory %s not readable", dir).WithCause(err)
	}

	type candidate struct {
		path  string
		mtime int64
	}
	var found []candidate
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != "" {
			continue
		}
		p := filepath.Join(dir, e.Name())
		info, err := e.Info()
		if err != nil || !isExecutable(p) {
			continue
		}
		found = append(found, candidate{path: p, mtime: info.ModTime().UnixNano()})
	}
	if len(found) == 0 {
		return "", errors.ErrArtifactNotFound.WithMessagef("no kernel executable found in %s", dir)
	}

	sort.Slice(found, func(a, b int) bool {
		if found[a].mtime != found[b].mtime {
			return found[a].mtime > found[b].mtime
		}
		return found[a].path < found[b].path
	})
	return found[0].path, nil
}

// OutputDir returns the conventional build output directory for plan:
// <target dir>/[<triple>/]<profile>
func OutputDir(plan *config.BuildPlan) string {
	targetDir := plan.Env["CARGO_TARGET_DIR"]
	if targetDir == "" {
		targetDir = os.Getenv("CARGO_TARGET_DIR")
	}
	if targetDir == "" {
		targetDir = filepath.Join(plan.ProjectDir, "target")
	} else if !filepath.IsAbs(targetDir) {
		targetDir = filepath.Join(plan.ProjectDir, targetDir)
	}

	profile := plan.Profile
	if profile == "" {
		profile = "debug"
	}
	if plan.TargetExplicit {
		// Custom target specs are given as paths to a JSON file
		triple := strings.TrimSuffix(filepath.Base(plan.Target), ".json")
		return filepath.Join(targetDir, triple, profile)
	}
	return filepath.Join(targetDir, profile)
}

// IsTestBinary reports whether path is a test harness binary, which the
// build tool places in the deps directory of a profile
func IsTestBinary(path string) bool {
	return filepath.Base(filepath.Dir(path)) == "deps"
}

// TargetFromPath returns the target triple encoded in the location of a
// built binary (<target dir>/<triple>/<profile>/[deps/]<bin>), or "" for
// host builds
func TargetFromPath(path string) string {
	dir := filepath.Dir(path)
	if filepath.Base(dir) == "deps" {
		dir = filepath.Dir(dir)
	}
	triple := filepath.Base(filepath.Dir(dir))
	if strings.Count(triple, "-") < 2 {
		return ""
	}
	return triple
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Mode().Perm()&0111 != 0 && info.Size() > 0
}

func hasMessageFormat(args []string) bool {
	for _, a := range args {
		if a == "--" {
			return false
		}
		if a == "--message-format" || strings.HasPrefix(a, "--message-format=") {
			return true
		}
	}
	return false
}
