package cmd

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"imagery-timeloop/internal/cache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage the image cache",
	Long: `Commands for inspecting and clearing the image cache.

Images are stored under <cache-dir>/Earth with an index in <cache-dir>/index.db.
The cache is trimmed to the configured size and age limits automatically.`,
}

var cacheStatsJSON bool

var cacheStatsCmd = &cobra.Command{
	Use:     "stats",
	Short:   "Show cache size and entry counts",
	Example: `  timeloop cache stats`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.Cache().Stats()
		if err != nil {
			return fmt.Errorf("reading cache stats: %w", err)
		}
		if cacheStatsJSON {
			return printJSON(cmd.OutOrStdout(), st)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Cache: %s\n\n", a.Cache().Root())
		printSimpleTable(cmd.OutOrStdout(), []string{"STAT", "VALUE"}, func(add func(...string)) {
			add("images on disk", strconv.Itoa(st.DiskEntries))
			add("disk size", humanBytes(st.DiskBytes))
			add("disk limit", humanBytes(st.MaxBytes))
			add("oldest fetch", formatTime(st.OldestFetch))
			add("newest fetch", formatTime(st.NewestFetch))
		})
		return nil
	},
}

var cacheListLimit int

var cacheListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List cached images",
	Example: `  timeloop cache list --limit 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.Cache().Entries()
		if err != nil {
			return fmt.Errorf("listing cache: %w", err)
		}
		if cacheListLimit > 0 && len(entries) > cacheListLimit {
			entries = entries[:cacheListLimit]
		}
		printSimpleTable(cmd.OutOrStdout(), []string{"KEY", "SIZE", "TYPE", "FETCHED", "USED"}, func(add func(...string)) {
			for _, e := range entries {
				add(e.Key, humanBytes(e.Size), orDash(e.ContentType), formatTime(e.FetchedAt), formatTime(e.AccessedAt))
			}
		})
		return nil
	},
}

var cacheEvictCmd = &cobra.Command{
	Use:     "evict <key>...",
	Short:   "Remove images from the cache",
	Example: `  timeloop cache evict seasurfacetemperature/2005.png`,
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		for _, key := range args {
			if err := a.Cache().Evict(key); err != nil {
				return fmt.Errorf("evicting %q: %w", key, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Evicted %s\n", key)
		}
		return nil
	},
}

var cacheClearYes bool

var cacheClearCmd = &cobra.Command{
	Use:     "clear",
	Short:   "Delete every cached image",
	Example: `  timeloop cache clear --yes`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cacheClearYes {
			return fmt.Errorf("refusing to clear the cache without --yes")
		}
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Cache().Clear(); err != nil {
			if errors.Is(err, cache.ErrPending) {
				return fmt.Errorf("downloads are in progress, try again: %w", err)
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Cleared %s\n", a.Cache().Root())
		return nil
	},
}

func init() {
	cacheStatsCmd.Flags().BoolVar(&cacheStatsJSON, "json", false, "print stats as JSON")
	cacheListCmd.Flags().IntVar(&cacheListLimit, "limit", 0, "show at most this many entries")
	cacheClearCmd.Flags().BoolVar(&cacheClearYes, "yes", false, "confirm deletion")

	cacheCmd.AddCommand(cacheStatsCmd, cacheListCmd, cacheEvictCmd, cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}
