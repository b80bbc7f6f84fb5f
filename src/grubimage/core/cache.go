package core

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bitswalk/grubimage/src/common/errors"
	"github.com/bitswalk/grubimage/src/grubimage/bootloader"
	"github.com/bitswalk/grubimage/src/grubimage/download"
	"github.com/spf13/cobra"
)

func newCacheCmd(a *app) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the bootloader cache",
	}
	cacheCmd.AddCommand(newCacheListCmd(a))
	cacheCmd.AddCommand(newCachePruneCmd(a))
	cacheCmd.AddCommand(newCacheCleanCmd(a))
	cacheCmd.AddCommand(newCacheRemoveCmd(a))
	cacheCmd.AddCommand(newCachePathCmd(a))
	return cacheCmd
}

// withCache runs fn with services whose build output is discarded
func (a *app) withCache(fn func(svc *services) error) error {
	svc, err := a.newServices(serviceOptions{stdout: io.Discard, stderr: a.stderr})
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(svc)
}

func newCacheListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List cached bootloaders",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCache(func(svc *services) error {
				entries, err := svc.provider.Entries(cmd.Context())
				if err != nil {
					return err
				}
				if entries == nil {
					entries = []bootloader.CacheEntry{}
				}
				p := a.printer()
				return p.Result(entries, func() {
					if len(entries) == 0 {
						p.PrintMessage("No cached bootloaders in %s", svc.provider.Root())
						return
					}
					rows := make([][]string, 0, len(entries))
					for _, e := range entries {
						rows = append(rows, cacheRow(e))
					}
					p.PrintTable([]string{"KEY", "BOOTLOADER", "TARGET", "SIZE", "LAST USED", "USES", "STATUS"}, rows)
				})
			})
		},
	}
}

// shortKey abbreviates a cache key for tables
func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}

func cacheRow(e bootloader.CacheEntry) []string {
	key := shortKey(e.Key)
	lastUsed := "-"
	if !e.LastUsedAt.IsZero() {
		lastUsed = e.LastUsedAt.Local().Format(time.DateTime)
	}
	uses := "-"
	if e.UseCount > 0 {
		uses = fmt.Sprintf("%d", e.UseCount)
	}
	if e.Artifact == nil {
		return []string{key, "-", "-", download.FormatBytes(e.SizeBytes), lastUsed, uses, "stale: " + e.Stale}
	}
	return []string{
		key,
		e.Artifact.Name + " " + e.Artifact.Version,
		e.Artifact.Target,
		download.FormatBytes(e.SizeBytes),
		lastUsed,
		uses,
		"ok",
	}
}

func printPruneResult(a *app, res *bootloader.PruneResult) error {
	p := a.printer()
	return p.Result(res, func() {
		p.PrintMessage("Removed %d entries, freed %s", len(res.Removed), download.FormatBytes(res.FreedBytes))
		if len(res.Skipped) > 0 {
			p.PrintMessage("Skipped %d entries in use: %s", len(res.Skipped), strings.Join(res.Skipped, ", "))
		}
	})
}

func newCachePruneCmd(a *app) *cobra.Command {
	var maxSizeMB int64
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove stale entries and evict least recently used bootloaders",
		Long: `Removes incomplete or corrupted cache entries and abandoned build
directories, then evicts least recently used bootloaders until the cache fits
--max-size-mb (default: cache.max_size_mb from the configuration, 0 keeps all).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCache(func(svc *services) error {
				limit := svc.maxBytes
				if cmd.Flags().Changed("max-size-mb") {
					limit = maxSizeMB << 20
				}
				res, err := svc.provider.Prune(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return printPruneResult(a, res)
			})
		},
	}
	cmd.Flags().Int64Var(&maxSizeMB, "max-size-mb", 0, "Evict until the cache is at most this size")
	return cmd
}

func newCacheCleanCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove every cached bootloader",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCache(func(svc *services) error {
				res, err := svc.provider.Clean(cmd.Context())
				if err != nil {
					return err
				}
				return printPruneResult(a, res)
			})
		},
	}
}

func newCacheRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <key-prefix>",
		Aliases: []string{"rm"},
		Short:   "Remove one cached bootloader",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCache(func(svc *services) error {
				entries, err := svc.provider.Entries(cmd.Context())
				if err != nil {
					return err
				}
				var matches []bootloader.CacheEntry
				for _, e := range entries {
					if strings.HasPrefix(e.Key, args[0]) {
						matches = append(matches, e)
					}
				}
				switch len(matches) {
				case 0:
					return fmt.Errorf("no cache entry matches %q", args[0])
				case 1:
				default:
					return fmt.Errorf("%q matches %d cache entries", args[0], len(matches))
				}

				removed, err := svc.provider.Remove(matches[0].Key)
				if err != nil {
					return err
				}
				if !removed {
					return errors.ErrCacheUnavailable.WithMessagef("cache entry %s is in use", matches[0].Key)
				}
				res := &bootloader.PruneResult{Removed: []string{matches[0].Key}, FreedBytes: matches[0].SizeBytes}
				return printPruneResult(a, res)
			})
		},
	}
}

func newCachePathCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the cache directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := a.printer()
			dir := a.cacheDir()
			return p.Result(map[string]string{"cache_dir": dir}, func() {
				p.PrintMessage("%s", dir)
			})
		},
	}
}
