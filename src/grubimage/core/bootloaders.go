package core

import (
	"strings"

	"github.com/bitswalk/grubimage/src/grubimage/bootloader"
	"github.com/spf13/cobra"
)

// bootloaderInfo describes one known bootloader
type bootloaderInfo struct {
	Name     string                 `json:"name"`
	Versions []string               `json:"versions"`
	Requires bootloader.Requirement `json:"requires"`
	Layout   string                 `json:"layout"`
	Runtime  string                 `json:"runtime,omitempty"`
}

func newBootloadersCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "bootloaders",
		Short: "List the bootloaders and versions that can be used",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := a.newRegistry()
			if err != nil {
				return err
			}

			var infos []bootloaderInfo
			for _, name := range reg.Names() {
				def, err := reg.Get(name)
				if err != nil {
					return err
				}
				versions, err := reg.Versions(name)
				if err != nil {
					return err
				}
				infos = append(infos, bootloaderInfo{
					Name:     name,
					Versions: versions,
					Requires: def.Requires,
					Layout:   def.Layout.Type,
					Runtime:  def.Runtime,
				})
			}

			p := a.printer()
			return p.Result(infos, func() {
				rows := make([][]string, 0, len(infos))
				for _, info := range infos {
					rows = append(rows, []string{
						info.Name,
						strings.Join(info.Versions, ", "),
						info.Requires.String(),
						info.Layout,
					})
				}
				p.PrintTable([]string{"NAME", "VERSIONS", "REQUIRES", "LAYOUT"}, rows)
			})
		},
	}
}
