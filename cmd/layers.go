package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var layersJSON bool

var layersCmd = &cobra.Command{
	Use:   "layers <capabilities-url|file>",
	Short: "List the renderable layers of a WMS server",
	Example: `  timeloop layers https://example.com/wms
  timeloop layers ./capabilities.xml --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		caps, err := a.LoadCapabilities(ctx, args[0])
		if err != nil {
			return err
		}
		if layersJSON {
			return printJSON(cmd.OutOrStdout(), caps.Layers)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s (WMS %s): %d renderable of %d layer elements\n\n",
			orDash(caps.ServiceTitle), caps.Version, len(caps.Layers), caps.TotalLayerCount)
		printSimpleTable(out, []string{"NAME", "TITLE", "CRS", "TIME"}, func(add func(...string)) {
			for _, l := range caps.Layers {
				add(l.Name, l.Title, l.CRS, orDash(shorten(l.TimeDimension, 48)))
			}
		})
		return nil
	},
}

func shorten(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	layersCmd.Flags().BoolVar(&layersJSON, "json", false, "print layers as JSON")
	rootCmd.AddCommand(layersCmd)
}
