package main

import (
	"fmt"
	"time"

	"faceingest/pkg/config"
	"faceingest/pkg/imagecache"
	"faceingest/pkg/ui"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var pruneMaxAge time.Duration

// cacheCmd represents the cache command
var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the on-disk image cache",
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete cached images older than the configured age",
	RunE:  runCachePrune,
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cachePruneCmd)

	cachePruneCmd.Flags().StringVarP(&outputDir, "output", "o", "", "output directory (default ./output)")
	cachePruneCmd.Flags().DurationVar(&pruneMaxAge, "max-age", 0, "override cache.disk_max_age")
}

func runCachePrune(cmd *cobra.Command, args []string) error {
	flags := globalFlags()
	if cmd.Flags().Changed("output") {
		flags["output"] = outputDir
	}
	cfg, err := config.Load(configFile, flags)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	maxAge := cfg.Cache.DiskMaxAge
	if pruneMaxAge > 0 {
		maxAge = pruneMaxAge
	}

	disk := imagecache.NewDisk(afero.NewOsFs(), cfg.CachePath())
	res, err := disk.Prune(maxAge)
	if err != nil {
		return fmt.Errorf("failed to prune cache: %w", err)
	}
	ui.PrintSuccess(fmt.Sprintf("Removed %d cached image(s), %s freed", res.Files, humanize.Bytes(uint64(res.Bytes))))
	return nil
}
