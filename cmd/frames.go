package cmd

import (
	"context"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"imagery-timeloop/internal/app"
	"imagery-timeloop/internal/overlay"
)

// overlayFlags select the frames of a layer.
type overlayFlags struct {
	Times  string
	Format string
}

func (f *overlayFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.Times, "times", "",
		"time specification replacing the layer's time dimension (e.g. 2000/2010/P1Y)")
	cmd.Flags().StringVar(&f.Format, "format", "",
		"image format to request (default: settings, then the server's first format)")
}

// loadSequence loads capabilities from source and builds the frames of
// layer. A layer without time becomes a one-frame sequence.
func loadSequence(ctx context.Context, a *app.App, source, layer string, f overlayFlags) (*overlay.LoopSequence, error) {
	caps, err := a.LoadCapabilities(ctx, source)
	if err != nil {
		return nil, err
	}
	o, err := a.BuildOverlay(caps, layer, f.Times, f.Format)
	if err != nil {
		return nil, err
	}
	return overlay.AsSequence(o), nil
}

func cached(d overlay.Descriptor) string {
	if _, err := os.Stat(d.Path()); err == nil {
		return "yes"
	}
	return "no"
}

var (
	framesFlags overlayFlags
	framesJSON  bool
)

var framesCmd = &cobra.Command{
	Use:   "frames <capabilities-url|file> <layer>",
	Short: "List the frames a layer expands to",
	Example: `  timeloop frames https://example.com/wms sst
  timeloop frames https://example.com/wms sst --times 2005/2007/P1Y --json`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		seq, err := loadSequence(ctx, a, args[0], args[1], framesFlags)
		if err != nil {
			return err
		}
		if framesJSON {
			return printJSON(cmd.OutOrStdout(), seq)
		}

		printSimpleTable(cmd.OutOrStdout(), []string{"#", "NAME", "KEY", "CACHED"}, func(add func(...string)) {
			for i, d := range seq.Frames {
				add(strconv.Itoa(i), d.Name, d.CacheKey, cached(d))
			}
			if seq.Legend != nil {
				add("-", seq.Legend.Name, seq.Legend.CacheKey, cached(*seq.Legend))
			}
		})
		return nil
	},
}

func init() {
	framesFlags.register(framesCmd)
	framesCmd.Flags().BoolVar(&framesJSON, "json", false, "print the sequence as JSON")
	rootCmd.AddCommand(framesCmd)
}
