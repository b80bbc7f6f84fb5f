package core

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/bitswalk/grubimage/src/common/errors"
	"github.com/bitswalk/grubimage/src/grubimage/build"
	"github.com/bitswalk/grubimage/src/grubimage/config"
	"github.com/bitswalk/grubimage/src/grubimage/runner"
	"github.com/spf13/cobra"
)

// buildFlags are shared by build and run
type buildFlags struct {
	manifestPath string
	output       string
	quiet        bool
}

func (f *buildFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.manifestPath, "manifest-path", "", "Path to the project manifest (default: nearest Cargo.toml)")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "Disk image path (default: <kernel dir>/grubimage-<kernel name>.img)")
	cmd.Flags().BoolVarP(&f.quiet, "quiet", "q", false, "Suppress build output on stdout")
}

// passThroughArgs accepts only arguments after "--"; they are handed to the
// kernel build tool untouched
func passThroughArgs(cmd *cobra.Command, args []string) error {
	if dash := cmd.ArgsLenAtDash(); len(args) > 0 && dash != 0 {
		n := dash
		if n < 0 {
			n = len(args)
		}
		return fmt.Errorf("unexpected argument %q: build tool arguments go after --", args[:n][0])
	}
	return nil
}

func newBuildCmd(a *app) *cobra.Command {
	flags := &buildFlags{}
	cmd := &cobra.Command{
		Use:   "build [flags] [-- build-args...]",
		Short: "Build the kernel and create a bootable disk image",
		Long: `Builds the kernel with the configured build tool, provisions the bootloader
from the cache (building it on first use) and writes a raw disk image.

Arguments after -- are passed to the build tool unchanged, for example:
  grubimage build -- --release --target x86_64-unknown-none`,
		Args: passThroughArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.runPipeline(cmd, flags, build.Request{Args: args})
			if err != nil {
				return err
			}
			p := a.printer()
			return p.Result(res, func() {
				if !flags.quiet {
					p.PrintMessage("Created bootable disk image for `%s` at `%s`", res.Kernel.Name, res.Image.Path)
				}
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newRunCmd(a *app) *cobra.Command {
	flags := &buildFlags{}
	cmd := &cobra.Command{
		Use:   "run [flags] [-- build-args...]",
		Short: "Build the disk image and boot it with the configured run command",
		Long: `Runs the same steps as build, then starts the run-command from the project
metadata (default: qemu-system-x86_64 -drive format=raw,file={}) with {}
replaced by the image path, followed by run-args.`,
		Args: passThroughArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := a.runPipeline(cmd, flags, build.Request{Args: args})
			if err != nil {
				return err
			}
			_, err = a.newRunner(true).Run(cmd.Context(), res.Plan, res.Image.Path)
			return err
		},
	}
	flags.register(cmd)
	return cmd
}

// newRunner returns a runner writing to the command's streams; stdin is
// attached when interactive
func (a *app) newRunner(interactive bool) *runner.Runner {
	opts := runner.Options{
		Stdout:      a.stdout,
		Stderr:      a.stderr,
		GracePeriod: a.gracePeriod(),
	}
	if a.jsonOut {
		// keep stdout clean for the result document
		opts.Stdout = a.stderr
	}
	if interactive {
		opts.Stdin = os.Stdin
	}
	return runner.New(opts)
}

// runPipeline locates the manifest and runs the build pipeline
func (a *app) runPipeline(cmd *cobra.Command, flags *buildFlags, req build.Request) (*build.Result, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, errors.ErrInternal.WithCause(err)
	}
	manifestPath, err := config.LocateManifest(flags.manifestPath, cwd)
	if err != nil {
		return nil, err
	}
	manifest, err := config.LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	opts := serviceOptions{stdout: a.stdout, stderr: a.stderr, progress: a.stderr}
	if a.jsonOut {
		// keep stdout clean for the result document
		opts.stdout = a.stderr
	}
	if flags.quiet {
		opts.stdout = io.Discard
		opts.progress = nil
	}

	svc, err := a.newServices(opts)
	if err != nil {
		return nil, err
	}
	defer svc.Close()

	var progress build.StageProgressFunc
	if !flags.quiet {
		progress = stageReporter(a.stderr)
	}
	pipeline := a.newPipeline(svc, opts, progress)

	req.Manifest = manifest
	req.OutputPath = flags.output
	return pipeline.Run(cmd.Context(), req)
}

// stageReporter prints one line per stage event; the kernel and bootloader
// stages report concurrently
func stageReporter(w io.Writer) build.StageProgressFunc {
	var mu sync.Mutex
	return func(stage build.StageName, percent int, message string) {
		mu.Lock()
		defer mu.Unlock()
		verb := "Started"
		if percent >= 100 {
			verb = "Finished"
		}
		fmt.Fprintf(w, "%12s %s: %s\n", verb, stage, message)
	}
}
