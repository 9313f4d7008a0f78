package cmd

import (
	"context"
	"fmt"
	"image"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"imagery-timeloop/internal/app"
	"imagery-timeloop/internal/cache"
	"imagery-timeloop/internal/overlay"
	"imagery-timeloop/internal/telemetry"
	"imagery-timeloop/internal/video"
	"imagery-timeloop/pkg/geotiff"
)

// readyFrame is a frame whose image is decoded.
type readyFrame struct {
	desc  overlay.Descriptor
	image image.Image
}

// collectFrames fetches every frame of seq and returns the ones that
// downloaded, in order, plus the legend image when it is available.
func collectFrames(ctx context.Context, a *app.App, seq *overlay.LoopSequence) ([]readyFrame, image.Image, error) {
	if _, err := a.Prefetch(ctx, seq.Descriptors(), nil); err != nil {
		return nil, nil, err
	}
	var frames []readyFrame
	for _, d := range seq.Frames {
		if tile := a.Cache().Resolve(d); tile.State == cache.StateReady {
			frames = append(frames, readyFrame{desc: d, image: tile.Image})
		}
	}
	var legend image.Image
	if seq.Legend != nil {
		if tile := a.Cache().Resolve(*seq.Legend); tile.State == cache.StateReady {
			legend = tile.Image
		}
	}
	return frames, legend, nil
}

var (
	animateFlags   overlayFlags
	animateOutput  string
	animateWidth   int
	animateHeight  int
	animateDelay   time.Duration
	animateNoLabel bool
	animateLegend  bool
)

var animateCmd = &cobra.Command{
	Use:   "animate <capabilities-url|file> <layer>",
	Short: "Render a layer's frames as an animated GIF or AVI",
	Long: `Download every frame of a layer and render them into one animation file.
The container follows the output extension: .gif or .avi (Motion JPEG).
Frames that fail to download are left out.`,
	Example: `  timeloop animate https://example.com/wms sst -o sst.gif --delay 250ms
  timeloop animate https://example.com/wms sst -o sst.avi --width 1280 --height 720`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		seq, err := loadSequence(ctx, a, args[0], args[1], animateFlags)
		if err != nil {
			return err
		}
		ready, legend, err := collectFrames(ctx, a, seq)
		if err != nil {
			return err
		}
		if len(ready) == 0 {
			return fmt.Errorf("none of the %d frames could be downloaded", seq.Len())
		}

		opts := video.DefaultOptions()
		opts.Width, opts.Height = animateWidth, animateHeight
		opts.Label = !animateNoLabel
		if animateDelay > 0 {
			opts.Delay = animateDelay
		} else {
			opts.Delay = time.Duration(a.Settings().Loop.IntervalMS) * time.Millisecond
		}
		if animateLegend {
			opts.Legend = legend
		}

		frames := make([]video.Frame, len(ready))
		for i, f := range ready {
			frames[i] = video.Frame{Name: f.desc.Name, Image: f.image}
		}
		out := animateOutput
		if out == "" {
			out = args[1] + ".gif"
		}
		if err := video.Export(out, frames, opts); err != nil {
			return err
		}

		a.Tracker().Track(telemetry.EventExportWritten, map[string]interface{}{
			"frames": len(frames),
			"format": strings.TrimPrefix(filepath.Ext(out), "."),
		})
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Wrote %d of %d frames to %s\n", len(frames), seq.Len(), out)
		return nil
	},
}

var (
	georefFlags  overlayFlags
	georefOutDir string
)

var georefCmd = &cobra.Command{
	Use:   "geotiff <capabilities-url|file> <layer>",
	Short: "Write each frame as a georeferenced TIFF",
	Long: `Download every frame of a layer and write it as a GeoTIFF in geographic
coordinates (EPSG:4326) using the layer's bounding box, for use in GIS tools.`,
	Example: `  timeloop geotiff https://example.com/wms sst -d ./sst-tiffs`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		seq, err := loadSequence(ctx, a, args[0], args[1], georefFlags)
		if err != nil {
			return err
		}
		ready, _, err := collectFrames(ctx, a, seq)
		if err != nil {
			return err
		}

		dir := georefOutDir
		if dir == "" {
			dir = args[1]
		}
		for _, f := range ready {
			bb := f.desc.BoundingBox
			name := strings.TrimSuffix(filepath.Base(f.desc.CacheKey), filepath.Ext(f.desc.CacheKey)) + ".tif"
			path := filepath.Join(dir, name)
			if err := geotiff.WriteFile(path, f.image, geotiff.Bounds{West: bb.West, South: bb.South, East: bb.East, North: bb.North}); err != nil {
				return fmt.Errorf("frame %s: %w", f.desc.Name, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s\n", path)
		}
		if skipped := seq.Len() - len(ready); skipped > 0 {
			return fmt.Errorf("%d of %d frames could not be downloaded", skipped, seq.Len())
		}
		return nil
	},
}

func init() {
	animateFlags.register(animateCmd)
	f := animateCmd.Flags()
	f.StringVarP(&animateOutput, "output", "o", "", "output file, .gif or .avi (default: <layer>.gif)")
	f.IntVar(&animateWidth, "width", 0, "output width (default: frame width)")
	f.IntVar(&animateHeight, "height", 0, "output height (default: frame height)")
	f.DurationVar(&animateDelay, "delay", 0, "time each frame is shown (default: loop interval)")
	f.BoolVar(&animateNoLabel, "no-label", false, "do not draw frame names")
	f.BoolVar(&animateLegend, "legend", true, "draw the layer legend when it has one")

	georefFlags.register(georefCmd)
	georefCmd.Flags().StringVarP(&georefOutDir, "dir", "d", "", "output directory (default: <layer>)")

	rootCmd.AddCommand(animateCmd, georefCmd)
}
