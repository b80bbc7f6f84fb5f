package core

import (
	"time"

	"github.com/bitswalk/grubimage/src/grubimage/bootloader"
	"github.com/bitswalk/grubimage/src/grubimage/download"
	"github.com/spf13/cobra"
)

func newMirrorCmd(a *app) *cobra.Command {
	mirrorCmd := &cobra.Command{
		Use:   "mirror",
		Short: "Manage the shared bootloader mirror",
		Long: `Lists, publishes and removes prebuilt bootloaders on the mirror named by
mirror.type (local or s3) in the configuration.`,
	}
	mirrorCmd.AddCommand(newMirrorListCmd(a))
	mirrorCmd.AddCommand(newMirrorPublishCmd(a))
	mirrorCmd.AddCommand(newMirrorRemoveCmd(a))
	mirrorCmd.AddCommand(newMirrorCheckCmd(a))
	return mirrorCmd
}

func newMirrorListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List bootloaders published on the mirror",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCache(func(svc *services) error {
				entries, err := svc.provider.MirrorEntries(cmd.Context())
				if err != nil {
					return err
				}
				if entries == nil {
					entries = []bootloader.MirrorEntry{}
				}
				p := a.printer()
				return p.Result(entries, func() {
					if len(entries) == 0 {
						p.PrintMessage("No bootloaders on %s", svc.mirror.Location())
						return
					}
					rows := make([][]string, 0, len(entries))
					for _, e := range entries {
						local := "no"
						if e.Cached {
							local = "yes"
						}
						rows = append(rows, []string{
							shortKey(e.Key),
							e.Name + " " + e.Version,
							e.Target,
							download.FormatBytes(e.SizeBytes),
							e.CreatedAt.Local().Format(time.DateTime),
							local,
						})
					}
					p.PrintTable([]string{"KEY", "BOOTLOADER", "TARGET", "SIZE", "PUBLISHED", "CACHED"}, rows)
				})
			})
		},
	}
}

func newMirrorPublishCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "publish",
		Aliases: []string{"push"},
		Short:   "Upload cached bootloaders the mirror does not have",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCache(func(svc *services) error {
				res, err := svc.provider.PublishToMirror(cmd.Context())
				if err != nil {
					return err
				}
				p := a.printer()
				return p.Result(res, func() {
					p.PrintMessage("Published %d bootloaders to %s (%d already present)", len(res.Pushed), svc.mirror.Location(), len(res.Present))
					if len(res.Failed) > 0 {
						p.PrintMessage("Failed to publish %d bootloaders, see the log for details", len(res.Failed))
					}
				})
			})
		},
	}
}

func newMirrorRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <key>",
		Aliases: []string{"rm"},
		Short:   "Remove one bootloader from the mirror",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCache(func(svc *services) error {
				if err := svc.provider.RemoveFromMirror(cmd.Context(), args[0]); err != nil {
					return err
				}
				p := a.printer()
				return p.Result(map[string]string{"removed": args[0]}, func() {
					p.PrintMessage("Removed %s from %s", args[0], svc.mirror.Location())
				})
			})
		},
	}
}

func newMirrorCheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the mirror is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCache(func(svc *services) error {
				mirror, err := svc.provider.Mirror()
				if err != nil {
					return err
				}
				if err := mirror.Check(cmd.Context()); err != nil {
					return err
				}
				p := a.printer()
				return p.Result(map[string]string{"mirror": mirror.Location(), "status": "ok"}, func() {
					p.PrintMessage("Mirror %s is reachable", mirror.Location())
				})
			})
		},
	}
}
