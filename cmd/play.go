package cmd

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"imagery-timeloop/internal/cache"
	"imagery-timeloop/internal/overlay"
	"imagery-timeloop/internal/telemetry"
)

var (
	playFlags    overlayFlags
	playInterval time.Duration
	playLoops    int
)

// syncWriter serializes writes from the tick and event goroutines.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// textDisplay prints frame changes to a terminal.
type textDisplay struct {
	w     io.Writer
	total int
	index map[string]int
}

func newTextDisplay(w io.Writer, seq *overlay.LoopSequence) *textDisplay {
	d := &textDisplay{w: w, total: len(seq.Frames), index: make(map[string]int, len(seq.Frames))}
	for i, f := range seq.Frames {
		d.index[f.CacheKey] = i
	}
	return d
}

func (d *textDisplay) Show(frame overlay.Descriptor, tile cache.Tile) {
	state := ""
	if tile.State != cache.StateReady {
		state = " (" + tile.State.String() + ")"
	}
	fmt.Fprintf(d.w, "▶ %3d/%d  %s%s\n", d.index[frame.CacheKey]+1, d.total, frame.Name, state)
}

func (d *textDisplay) Hide(overlay.Descriptor) {}

func (d *textDisplay) ShowLegend(tile cache.Tile) {
	fmt.Fprintf(d.w, "legend: %s\n", tile.Path)
}

// passCounter detects the end of a pass through the sequence: the index
// moving back towards the start, every tick of a one-frame loop, or a tick
// on which every frame had failed and the index could not move.
type passCounter struct {
	last int
}

func newPassCounter() *passCounter { return &passCounter{last: -1} }

func (p *passCounter) observe(current, total int, allFailed bool) bool {
	passed := total == 1 || allFailed || (p.last >= 0 && current < p.last)
	p.last = current
	return passed
}

var playCmd = &cobra.Command{
	Use:   "play <capabilities-url|file> <layer>",
	Short: "Play a layer's frames in a loop in the terminal",
	Long: `Play the frames of a layer in a loop, printing the visible frame at every
tick. Frames that are still downloading hold the loop; frames that failed
are skipped. Stop with Ctrl-C or --loops.`,
	Example: `  timeloop play https://example.com/wms sst --interval 250ms --loops 2`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		seq, err := loadSequence(ctx, a, args[0], args[1], playFlags)
		if err != nil {
			return err
		}

		out := &syncWriter{w: cmd.OutOrStdout()}
		ctl := a.NewController(seq, newTextDisplay(out, seq))
		defer ctl.Close()
		if playInterval > 0 {
			ctl.SetInterval(playInterval)
		}

		wrapped := make(chan struct{}, 1)
		passes := newPassCounter()
		ctl.Subscribe(func(ev overlay.Event) {
			switch ev.Kind {
			case overlay.EventError:
				fmt.Fprintf(out, "✗ %s: %v\n", ev.Descriptor.Name, ev.Err)
			case overlay.EventProgress:
				allFailed := ctl.Snapshot().TileState == cache.StateFailed.String()
				if passes.observe(ev.Current, ev.Total, allFailed) {
					select {
					case wrapped <- struct{}{}:
					default:
					}
				}
			}
		})

		started := time.Now()
		a.Tracker().Track(telemetry.EventLoopStarted, map[string]interface{}{"frames": seq.Len()})
		ctl.Play()

		loops := 0
	wait:
		for playLoops <= 0 || loops < playLoops {
			select {
			case <-ctx.Done():
				break wait
			case <-wrapped:
				loops++
			}
		}
		ctl.Stop()
		if f, ok := ctl.Current(); ok {
			fmt.Fprintf(out, "■ stopped at %s after %d passes\n", f.Name, loops)
		}
		a.Tracker().Track(telemetry.EventLoopStopped, map[string]interface{}{
			"frames":   seq.Len(),
			"duration": time.Since(started).Seconds(),
		})
		return nil
	},
}

func init() {
	playFlags.register(playCmd)
	playCmd.Flags().DurationVar(&playInterval, "interval", 0, "time between frames (default: settings)")
	playCmd.Flags().IntVar(&playLoops, "loops", 0, "stop after this many passes (0 plays until interrupted)")
	rootCmd.AddCommand(playCmd)
}
