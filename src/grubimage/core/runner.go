package core

import (
	"path/filepath"

	"github.com/bitswalk/grubimage/src/common/errors"
	"github.com/bitswalk/grubimage/src/grubimage/build"
	"github.com/bitswalk/grubimage/src/grubimage/kernel"
	"github.com/bitswalk/grubimage/src/grubimage/runner"
	"github.com/spf13/cobra"
)

func newRunnerCmd(a *app) *cobra.Command {
	flags := &buildFlags{}
	var forceTest bool
	cmd := &cobra.Command{
		Use:   "runner [flags] <kernel-binary> [emulator-args...]",
		Short: "Create a disk image for a built kernel binary and boot it",
		Long: `Creates a disk image for an already built kernel binary and boots it. It is
meant to be the build tool's target runner, for example in .cargo/config.toml:

  [target.'cfg(target_os = "none")']
  runner = "grubimage runner"

Test binaries (those in a deps directory, or any binary with --test) boot
without stdin using test-args, -no-reboot unless test-no-reboot is false, and
are stopped after test-timeout seconds. Exit status 0 and
test-success-exit-code count as a pass. Other binaries boot with run-args.
Arguments after the binary are appended to the emulator command.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kernelPath, err := filepath.Abs(args[0])
			if err != nil {
				return errors.ErrInternal.WithCause(err)
			}
			res, err := a.runPipeline(cmd, flags, build.Request{KernelPath: kernelPath})
			if err != nil {
				return err
			}

			plan := res.Plan.Clone()
			plan.RunArgs = append(plan.RunArgs, args[1:]...)
			plan.TestArgs = append(plan.TestArgs, args[1:]...)

			var run *runner.Result
			if forceTest || kernel.IsTestBinary(kernelPath) {
				run, err = a.newRunner(false).Test(cmd.Context(), plan, res.Image.Path)
			} else {
				run, err = a.newRunner(true).Run(cmd.Context(), plan, res.Image.Path)
			}
			if err != nil {
				return err
			}
			p := a.printer()
			return p.Result(run, func() {
				if run.Test && !flags.quiet {
					p.PrintMessage("Test kernel `%s` passed (status %d)", res.Kernel.Name, run.Status)
				}
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&forceTest, "test", false, "Treat the kernel as a test binary")
	cmd.Flags().SetInterspersed(false)
	return cmd
}
