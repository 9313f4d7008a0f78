package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"imagery-timeloop/internal/handlers/tileserver"
	"imagery-timeloop/internal/loop"
	"imagery-timeloop/internal/overlay"
	"imagery-timeloop/internal/telemetry"
	"imagery-timeloop/internal/wms"
)

var (
	serveFlags overlayFlags
	serveAddr  string
	servePlay  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve [capabilities-url|file [layer]]",
	Short: "Serve a loop over HTTP for a browser",
	Long: `Start the local tile server. With a capabilities source the server lists its
layers at /layers; with a layer it also serves the loop:

  GET  /loop            controller state
  POST /loop/play       start playback (also /stop and /tick)
  GET  /frames/{index}  frame image (X-Tile-State: ready|pending|failed)
  POST /frames/{index}/retry  fetch a failed frame again
  GET  /loop.kml        KML document of the sequence
  GET  /events          websocket stream of progress, ready and error events
  GET  /status          fetch queue and rate-limited hosts
  POST /cache/purge     drop decoded images and forget failures
  GET  /metrics         Prometheus metrics`,
	Example: `  timeloop serve https://example.com/wms sst --play
  timeloop serve https://example.com/wms sst --addr 127.0.0.1:8090`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		var (
			caps *wms.Capabilities
			ctl  *loop.Controller
		)
		if len(args) > 0 {
			if caps, err = a.LoadCapabilities(ctx, args[0]); err != nil {
				return err
			}
		}
		if len(args) > 1 {
			o, err := a.BuildOverlay(caps, args[1], serveFlags.Times, serveFlags.Format)
			if err != nil {
				return err
			}
			seq := overlay.AsSequence(o)
			ctl = a.NewController(seq, nil)
			defer ctl.Close()
			if servePlay {
				ctl.Play()
				a.Tracker().Track(telemetry.EventLoopStarted, map[string]interface{}{"frames": seq.Len(), "server": true})
			}
		}

		addr := serveAddr
		if addr == "" {
			addr = a.Settings().Server.Addr
		}
		srv := tileserver.NewServer(tileserver.Options{
			Addr:         addr,
			Capabilities: caps,
			Controller:   ctl,
			Cache:        a.Cache(),
			RateLimits:   a.RateLimits(),
			Logger:       a.Logger(),
		})
		if err := srv.Start(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Serving on %s (Ctrl-C to stop)\n", srv.GetTileServerURL())

		select {
		case <-ctx.Done():
		case <-srv.Done():
		}

		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to stop tile server: %w", err)
		}
		if ctl != nil && ctl.Snapshot().Playing {
			a.Tracker().Track(telemetry.EventLoopStopped, map[string]interface{}{"server": true})
		}
		return nil
	},
}

func init() {
	serveFlags.register(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default: settings, 127.0.0.1:0)")
	serveCmd.Flags().BoolVar(&servePlay, "play", false, "start playing immediately")
	rootCmd.AddCommand(serveCmd)
}
