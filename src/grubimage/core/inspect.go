package core

import (
	"fmt"
	"strings"

	"github.com/bitswalk/grubimage/src/grubimage/download"
	"github.com/bitswalk/grubimage/src/grubimage/image"
	"github.com/spf13/cobra"
)

func newInspectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <image>",
		Short: "Show the layout of a disk image created by grubimage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := image.Inspect(args[0])
			if err != nil {
				return err
			}
			p := a.printer()
			return p.Result(info, func() {
				d := info.Descriptor
				intact := "ok"
				if !info.KernelIntact {
					intact = "MODIFIED"
				}
				p.PrintFields([][2]string{
					{"Path", info.Path},
					{"Size", fmt.Sprintf("%d bytes (%s)", info.SizeBytes, download.FormatBytes(info.SizeBytes))},
					{"Layout", fmt.Sprintf("%s v%d", d.Layout, d.Version)},
					{"Bootloader", d.Bootloader + " " + d.BootVersion},
					{"Disk signature", fmt.Sprintf("0x%08x", d.DiskSignature)},
					{"Core sectors", fmt.Sprintf("%d", d.CoreSectors)},
					{"Kernel", fmt.Sprintf("%s, %d bytes", d.Blocklist(), d.KernelSize)},
					{"Kernel sha256", info.KernelSHA256 + " (" + intact + ")"},
				})
				p.PrintMessage("")
				p.PrintMessage("%s", strings.TrimRight(info.Config, "\n"))
			})
		},
	}
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := a.printer()
			return p.Result(a.info.Map(), func() {
				p.PrintMessage("%s", a.info.Full())
			})
		},
	}
}
