package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"imagery-timeloop/internal/overlay"
)

var fetchFlags overlayFlags

var fetchCmd = &cobra.Command{
	Use:   "fetch <capabilities-url|file> <layer>",
	Short: "Download every frame of a layer into the cache",
	Long: `Download every frame of a layer, and its legend, into the disk cache so a
later play or export does not wait on the server. Frames already on disk are
not fetched again.`,
	Example: `  timeloop fetch https://example.com/wms sst --times 2000/2010/P1Y`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		seq, err := loadSequence(ctx, a, args[0], args[1], fetchFlags)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		descs := seq.Descriptors()
		failed, err := a.Prefetch(ctx, descs, func(done, total int, d overlay.Descriptor, err error) {
			if err != nil {
				fmt.Fprintf(out, "[%d/%d] %-24s failed: %v\n", done, total, d.Name, err)
				return
			}
			fmt.Fprintf(out, "[%d/%d] %-24s ok\n", done, total, d.Name)
		})
		if err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d images failed", failed, len(descs))
		}
		fmt.Fprintf(out, "✓ %d images cached in %s\n", len(descs), a.Cache().Root())
		return nil
	},
}

func init() {
	fetchFlags.register(fetchCmd)
	rootCmd.AddCommand(fetchCmd)
}
