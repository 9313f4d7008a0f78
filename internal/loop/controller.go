// Package loop plays a LoopSequence: it advances the visible frame on a
// timer, resolves frames through the shared cache and reports progress and
// failures to subscribers.
package loop

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"imagery-timeloop/internal/cache"
	"imagery-timeloop/internal/events"
	"imagery-timeloop/internal/metrics"
	"imagery-timeloop/internal/overlay"
)

// DefaultInterval is the tick period when none is configured.
const DefaultInterval = 500 * time.Millisecond

// Resolver is the part of the cache a controller needs.
type Resolver interface {
	Resolve(d overlay.Descriptor) cache.Tile
	Subscribe(fn func(overlay.Event)) func()
}

// Display draws frames. Its methods are called with the controller's lock
// held and must not call back into the controller.
type Display interface {
	Show(frame overlay.Descriptor, tile cache.Tile)
	Hide(frame overlay.Descriptor)
	ShowLegend(tile cache.Tile)
}

// Options configure a Controller.
type Options struct {
	Interval time.Duration
	Display  Display
	Logger   zerolog.Logger
}

// Snapshot is the observable state of a controller.
type Snapshot struct {
	Index         int           `json:"index"`
	Total         int           `json:"total"`
	Playing       bool          `json:"playing"`
	FrameName     string        `json:"frameName,omitempty"`
	TileState     string        `json:"tileState"`
	LegendVisible bool          `json:"legendVisible"`
	Interval      time.Duration `json:"interval"`
}

// Controller sequences the visibility of a LoopSequence's frames.
type Controller struct {
	seq     *overlay.LoopSequence
	cache   Resolver
	display Display
	log     zerolog.Logger

	mu       sync.Mutex
	index    int
	state    cache.State
	waiting  bool
	legend   bool
	playing  bool
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}

	keys        map[string]struct{}
	bus         *events.Bus
	unsubscribe func()
	closeOnce   sync.Once
}

// New creates a stopped controller positioned before the first frame.
func New(seq *overlay.LoopSequence, c Resolver, opts Options) *Controller {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ctl := &Controller{
		seq:      seq,
		cache:    c,
		display:  opts.Display,
		log:      opts.Logger.With().Str("component", "loop").Str("sequence", seq.Title).Logger(),
		index:    -1,
		interval: interval,
		keys:     make(map[string]struct{}, len(seq.Frames)+1),
		bus:      events.NewBus(),
	}
	for _, d := range seq.Descriptors() {
		ctl.keys[d.CacheKey] = struct{}{}
	}
	ctl.unsubscribe = c.Subscribe(ctl.forward)
	return ctl
}

// Sequence returns the sequence being played.
func (c *Controller) Sequence() *overlay.LoopSequence { return c.seq }

// forward republishes cache events that concern this sequence. The cache
// emits one error per failed fetch attempt, so skipping a failed frame on
// later ticks does not repeat it.
func (c *Controller) forward(ev overlay.Event) {
	if ev.Kind == overlay.EventProgress {
		return
	}
	if _, ok := c.keys[ev.Descriptor.CacheKey]; !ok {
		return
	}
	if ev.Kind == overlay.EventError {
		c.log.Warn().Err(ev.Err).Str("frame", ev.Descriptor.Name).Msg("frame failed")
	}
	c.bus.Publish(ev)
}

// Subscribe registers fn for progress, error and ready events. Callbacks
// run on a separate goroutine and may call Play or Stop.
func (c *Controller) Subscribe(fn func(overlay.Event)) func() {
	return c.bus.Subscribe(fn)
}

// SetInterval changes the tick period. A running loop picks it up on the
// next Play.
func (c *Controller) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.interval = d
	c.mu.Unlock()
}

// Play starts ticking. It is a no-op while already playing.
func (c *Controller) Play() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.playing {
		return
	}
	c.playing = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.resolveLegendLocked()
	go c.run(c.interval, c.stop, c.done)
	c.log.Debug().Dur("interval", c.interval).Int("index", c.index).Msg("playing")
}

// Stop halts ticking and returns once the tick goroutine has exited. The
// current index is kept, so Play resumes where Stop left off.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.playing {
		c.mu.Unlock()
		return
	}
	c.playing = false
	close(c.stop)
	done := c.done
	c.mu.Unlock()

	<-done
	c.log.Debug().Msg("stopped")
}

func (c *Controller) run(interval time.Duration, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			select {
			case <-stop:
				return
			default:
			}
			c.Tick()
		}
	}
}

// Tick advances playback by one step. A frame that was still pending at the
// previous tick is re-checked and keeps its position until it settles.
// Otherwise the current frame is hidden and the next frame that has not
// failed becomes current.
func (c *Controller) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.seq.Frames)
	if n == 0 {
		return
	}
	if !c.legend {
		c.resolveLegendLocked()
	}

	if c.waiting && c.index >= 0 {
		frame := c.seq.Frames[c.index]
		tile := c.cache.Resolve(frame)
		switch tile.State {
		case cache.StateReady:
			c.show(frame, tile)
			c.waiting = false
			c.finishTickLocked(n)
			return
		case cache.StatePending:
			c.state = tile.State
			c.finishTickLocked(n)
			return
		}
	}

	if c.index >= 0 && c.display != nil {
		c.display.Hide(c.seq.Frames[c.index])
	}
	c.waiting = false
	for tried := 0; tried < n; tried++ {
		c.index = (c.index + 1) % n
		frame := c.seq.Frames[c.index]
		tile := c.cache.Resolve(frame)
		c.state = tile.State
		if tile.State == cache.StateFailed {
			continue
		}
		// Pending frames are shown as a stand-in until their image lands.
		c.show(frame, tile)
		c.waiting = tile.State != cache.StateReady
		break
	}
	c.finishTickLocked(n)
}

func (c *Controller) show(frame overlay.Descriptor, tile cache.Tile) {
	c.state = tile.State
	if c.display != nil {
		c.display.Show(frame, tile)
	}
}

func (c *Controller) finishTickLocked(n int) {
	metrics.LoopTicks.WithLabelValues(c.state.String()).Inc()
	c.bus.Publish(overlay.Progress(c.index, n))
}

func (c *Controller) resolveLegendLocked() {
	if c.legend || c.seq.Legend == nil {
		return
	}
	tile := c.cache.Resolve(*c.seq.Legend)
	if tile.State != cache.StateReady {
		return
	}
	c.legend = true
	if c.display != nil {
		c.display.ShowLegend(tile)
	}
}

// Snapshot returns the controller's current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		Index:         c.index,
		Total:         len(c.seq.Frames),
		Playing:       c.playing,
		TileState:     c.state.String(),
		LegendVisible: c.legend,
		Interval:      c.interval,
	}
	if c.index >= 0 && c.index < len(c.seq.Frames) {
		s.FrameName = c.seq.Frames[c.index].Name
	}
	return s
}

// Current returns the frame at the current index.
func (c *Controller) Current() (overlay.Descriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.index < 0 || c.index >= len(c.seq.Frames) {
		return overlay.Descriptor{}, false
	}
	return c.seq.Frames[c.index], true
}

// Close stops playback and detaches from the cache.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.Stop()
		c.unsubscribe()
		c.bus.Close()
	})
}
