// Package core provides the grubimage command tree and wires the build
// pipeline, the bootloader cache and the tool configuration together.
package core

import (
	"context"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/bitswalk/grubimage/src/common/cli"
	"github.com/bitswalk/grubimage/src/common/errors"
	"github.com/bitswalk/grubimage/src/common/logs"
	"github.com/bitswalk/grubimage/src/common/version"
	"github.com/bitswalk/grubimage/src/grubimage/output"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Linker variables - these are set via ldflags at build time
// They must be initialized as empty strings or literals for ldflags to work
var (
	Version        = "dev"
	ReleaseVersion = "0.0.0"
	BuildDate      = "unknown"
	GitCommit      = "unknown"
)

// EnvPrefix prefixes every environment override, e.g. GRUBIMAGE_CACHE_DIR
const EnvPrefix = "GRUBIMAGE"

// cargoSubcommand is the first argument cargo passes to cargo-grubimage
const cargoSubcommand = "grubimage"

// app carries the state shared by all commands of one invocation
type app struct {
	v       *viper.Viper
	cfgFile string
	jsonOut bool
	log     *logs.Logger
	info    *version.Info
	stdout  io.Writer
	stderr  io.Writer
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		v:      viper.New(),
		log:    logs.NewDefault(),
		info:   version.Resolve(Version, ReleaseVersion, BuildDate, GitCommit),
		stdout: stdout,
		stderr: stderr,
	}
}

// printer returns an output printer honoring --json
func (a *app) printer() *output.Printer {
	return output.New(a.stdout, a.jsonOut)
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "grubimage",
		Short: "Create bootable disk images for kernel projects",
		Long: `grubimage builds a kernel project, provisions the configured bootloader and
combines both into a raw bootable disk image.

Bootloaders are built once per (bootloader, version, target) and kept in a
shared cache, so repeated builds only rebuild the kernel. It can also be
invoked as a cargo subcommand: cargo grubimage build -- --release`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initConfig()
		},
	}

	rootCmd.Version = a.info.Short()
	cli.RegisterConfigFlag(rootCmd, &a.cfgFile, "~/.config/grubimage/grubimage.yaml")
	cli.RegisterLogFlags(a.v, rootCmd)
	rootCmd.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "Print results as JSON")
	rootCmd.PersistentFlags().String("cache-dir", "", "Bootloader cache directory (default: ~/.cache/grubimage)")
	_ = cli.BindPersistentFlag(a.v, rootCmd, "cache-dir", keyCacheDir)

	setDefaults(a.v)

	rootCmd.AddCommand(newBuildCmd(a))
	rootCmd.AddCommand(newRunCmd(a))
	rootCmd.AddCommand(newRunnerCmd(a))
	rootCmd.AddCommand(newInspectCmd(a))
	rootCmd.AddCommand(newCacheCmd(a))
	rootCmd.AddCommand(newMirrorCmd(a))
	rootCmd.AddCommand(newBootloadersCmd(a))
	rootCmd.AddCommand(newVersionCmd(a))

	return rootCmd
}

// initConfig reads the tool configuration and sets up logging
func (a *app) initConfig() error {
	opts := cli.DefaultConfigOptions("grubimage", EnvPrefix)
	opts.ConfigFile = a.cfgFile

	if err := cli.InitConfig(a.v, opts); err != nil {
		return errors.ErrConfigMalformed.WithMessage("cannot read tool configuration").WithCause(err)
	}

	a.log = cli.InitLogger(a.v, "grubimage")
	setLoggers(a.log)
	return nil
}

// Execute runs the command line in argv (including the program name) and
// returns the process exit code. SIGINT and SIGTERM cancel the running command.
func Execute(argv []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return Run(ctx, argv, os.Stdout, os.Stderr)
}

// Run executes argv with the given output streams and returns the exit code
func Run(ctx context.Context, argv []string, stdout, stderr io.Writer) int {
	a := newApp(stdout, stderr)
	rootCmd := newRootCmd(a)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.SetArgs(NormalizeArgs(argv))

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		output.New(stderr, a.jsonOut).PrintError(err)
		return errors.GetExitCode(err)
	}
	return errors.ExitOK
}

// NormalizeArgs strips the program name and the extra "grubimage" argument
// cargo passes to subcommands. When started as cargo-grubimage without a
// subcommand, build is implied.
func NormalizeArgs(argv []string) []string {
	if len(argv) == 0 {
		return nil
	}
	prog := strings.TrimSuffix(filepath.Base(argv[0]), ".exe")
	args := argv[1:]

	if len(args) > 0 && args[0] == cargoSubcommand {
		args = args[1:]
	}
	if prog == "cargo-grubimage" && (len(args) == 0 || strings.HasPrefix(args[0], "-") && !isHelpOrVersion(args[0])) {
		args = append([]string{"build"}, args...)
	}
	return args
}

func isHelpOrVersion(arg string) bool {
	switch arg {
	case "-h", "--help", "--version":
		return true
	}
	return false
}
