package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"imagery-timeloop/internal/export"
	"imagery-timeloop/internal/telemetry"
)

var (
	exportFlags      overlayFlags
	exportOutput     string
	exportFragment   bool
	exportSourceOnly bool
	exportPrefetch   bool
)

var exportCmd = &cobra.Command{
	Use:   "export <capabilities-url|file> <layer>",
	Short: "Write a layer's frames as KML ground overlays",
	Long: `Write the frames of a layer as KML GroundOverlay elements with TimeSpans, so
a KML viewer can animate them with its time slider.

Images already in the cache are linked as local files unless --source-only
is given; --prefetch downloads the frames first.`,
	Example: `  timeloop export https://example.com/wms sst -o sst.kml
  timeloop export https://example.com/wms sst --fragment -o -`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		seq, err := loadSequence(ctx, a, args[0], args[1], exportFlags)
		if err != nil {
			return err
		}
		if exportPrefetch && !exportSourceOnly {
			failed, err := a.Prefetch(ctx, seq.Descriptors(), nil)
			if err != nil {
				return err
			}
			if failed > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %d images failed and link to their source\n", failed)
			}
		}

		opts := export.Options{SourceOnly: exportSourceOnly}
		out := exportOutput
		if out == "" {
			out = args[1] + ".kml"
		}
		switch {
		case out == "-" && exportFragment:
			err = export.WriteFragment(cmd.OutOrStdout(), seq, opts)
		case out == "-":
			err = export.WriteDocument(cmd.OutOrStdout(), seq, opts)
		case exportFragment:
			var f *os.File
			if f, err = os.Create(out); err == nil {
				err = export.WriteFragment(f, seq, opts)
				if cerr := f.Close(); err == nil {
					err = cerr
				}
			}
		default:
			err = export.WriteFile(out, seq, opts)
		}
		if err != nil {
			return err
		}

		a.Tracker().Track(telemetry.EventExportWritten, map[string]interface{}{
			"frames":   seq.Len(),
			"fragment": exportFragment,
		})
		if out != "-" {
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Wrote %d frames to %s\n", seq.Len(), out)
		}
		return nil
	},
}

func init() {
	exportFlags.register(exportCmd)
	f := exportCmd.Flags()
	f.StringVarP(&exportOutput, "output", "o", "", "output file, - for stdout (default: <layer>.kml)")
	f.BoolVar(&exportFragment, "fragment", false, "write only the GroundOverlay elements")
	f.BoolVar(&exportSourceOnly, "source-only", false, "link every image to the WMS server")
	f.BoolVar(&exportPrefetch, "prefetch", false, "download frames before writing")
	rootCmd.AddCommand(exportCmd)
}
