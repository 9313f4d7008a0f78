// Package app wires settings, the shared cache and the loop controller
// together for the command line and the tile server.
package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"imagery-timeloop/internal/cache"
	"imagery-timeloop/internal/config"
	"imagery-timeloop/internal/imagery"
	"imagery-timeloop/internal/loop"
	"imagery-timeloop/internal/overlay"
	"imagery-timeloop/internal/ratelimit"
	"imagery-timeloop/internal/telemetry"
	"imagery-timeloop/internal/timespan"
	"imagery-timeloop/internal/wms"
)

// Options configure an App.
type Options struct {
	Settings *config.Settings
	Logger   zerolog.Logger
	Version  string
	// Client overrides the HTTP client built from the fetch settings.
	Client *http.Client
}

// App holds the long-lived services of one process.
type App struct {
	settings   *config.Settings
	log        zerolog.Logger
	version    string
	client     *http.Client
	rateLimits *ratelimit.Handler
	fetcher    *imagery.Fetcher
	cache      *cache.Cache
	tracker    *telemetry.Tracker
}

// New opens the cache and starts its workers.
func New(opts Options) (*App, error) {
	s := opts.Settings
	if s == nil {
		s = config.DefaultSettings()
	}
	log := opts.Logger

	timeout := time.Duration(s.Fetch.TimeoutSeconds) * time.Second
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	strategy := ratelimit.DefaultRetryStrategy()
	if len(s.Fetch.RetryMinutes) > 0 {
		strategy.Intervals = lo.Map(s.Fetch.RetryMinutes, func(m int, _ int) time.Duration {
			return time.Duration(m) * time.Minute
		})
	}
	rl := ratelimit.NewHandler(strategy, log)
	rl.SetOnRateLimit(func(ev ratelimit.Event) {
		log.Warn().Str("host", ev.Host).Int("status", ev.StatusCode).Time("retry_at", ev.NextRetryAt).Msg("host rate limited")
	})
	rl.SetOnRecovered(func(host string) {
		log.Info().Str("host", host).Msg("host recovered from rate limit")
	})

	fetcher := imagery.NewFetcher(imagery.Options{
		Client:            client,
		Timeout:           timeout,
		UserAgent:         s.Fetch.UserAgent,
		RequestsPerSecond: s.Fetch.RequestsPerSecond,
		Burst:             s.Fetch.Burst,
		RateLimits:        rl,
		Logger:            log,
	})

	c, err := cache.New(cache.Options{
		Root:    s.CacheDir,
		Config:  s.Cache,
		Fetcher: fetcher,
		Logger:  log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	tracker := telemetry.New(telemetry.Options{
		Key:      s.Telemetry.PostHogKey,
		Endpoint: s.Telemetry.PostHogHost,
		Dir:      s.CacheDir,
		Version:  opts.Version,
		Logger:   log,
	})

	log.Debug().Str("cache_dir", s.CacheDir).Bool("telemetry", tracker.Enabled()).Msg("app started")
	return &App{
		settings:   s,
		log:        log,
		version:    opts.Version,
		client:     client,
		rateLimits: rl,
		fetcher:    fetcher,
		cache:      c,
		tracker:    tracker,
	}, nil
}

func (a *App) Settings() *config.Settings { return a.settings }
func (a *App) Logger() zerolog.Logger { return a.log }
func (a *App) Cache() *cache.Cache { return a.cache }
func (a *App) RateLimits() *ratelimit.Handler { return a.rateLimits }
func (a *App) Tracker() *telemetry.Tracker { return a.tracker }

// LoadCapabilities reads a capabilities document from a server URL or a
// local file.
func (a *App) LoadCapabilities(ctx context.Context, source string) (*wms.Capabilities, error) {
	caps, err := wms.LoadCapabilities(ctx, a.client, source)
	if err != nil {
		return nil, err
	}
	a.log.Info().
		Str("service", caps.ServiceTitle).
		Str("version", caps.Version.String()).
		Int("layers", len(caps.Layers)).
		Msg("capabilities loaded")
	a.tracker.Track(telemetry.EventCapabilitiesLoaded, map[string]interface{}{
		"version": caps.Version.String(),
		"layers":  len(caps.Layers),
	})
	return caps, nil
}

// BuildOverlay builds the overlay for a named layer. times, when set, is a
// time specification that replaces the layer's own time dimension.
func (a *App) BuildOverlay(caps *wms.Capabilities, layerName, times, format string) (overlay.Overlay, error) {
	layer, ok := caps.Layer(layerName)
	if !ok {
		return nil, fmt.Errorf("layer %q not found", layerName)
	}
	var instants []string
	if strings.TrimSpace(times) != "" {
		expanded, err := timespan.Expand(times)
		if err != nil {
			return nil, err
		}
		instants = expanded
		if instants == nil {
			instants = []string{}
		}
	}
	if format == "" {
		format = a.settings.Loop.Format
	}
	b := &overlay.Builder{
		CacheRoot:   a.settings.CacheDir,
		Format:      format,
		Width:       a.settings.Loop.Width,
		Height:      a.settings.Loop.Height,
		Transparent: true,
	}
	return b.Build(layer, instants)
}

// NewController creates a stopped controller for seq backed by the shared
// cache.
func (a *App) NewController(seq *overlay.LoopSequence, display loop.Display) *loop.Controller {
	return loop.New(seq, a.cache, loop.Options{
		Interval: time.Duration(a.settings.Loop.IntervalMS) * time.Millisecond,
		Display:  display,
		Logger:   a.log,
	})
}

// Prefetch resolves every descriptor and waits until each one is ready or
// has failed. progress, when set, is called once per settled descriptor.
// It returns the number of failed descriptors.
func (a *App) Prefetch(ctx context.Context, descs []overlay.Descriptor, progress func(done, total int, d overlay.Descriptor, err error)) (int, error) {
	descs = lo.UniqBy(descs, func(d overlay.Descriptor) string { return d.CacheKey })
	wanted := lo.SliceToMap(descs, func(d overlay.Descriptor) (string, struct{}) { return d.CacheKey, struct{}{} })
	total := len(descs)

	settled := make(chan overlay.Event, total)
	unsubscribe := a.cache.Subscribe(func(ev overlay.Event) {
		if ev.Kind == overlay.EventProgress {
			return
		}
		if _, ok := wanted[ev.Descriptor.CacheKey]; !ok {
			return
		}
		select {
		case settled <- ev:
		default:
		}
	})
	defer unsubscribe()

	var done, failed int
	report := func(d overlay.Descriptor, err error) {
		done++
		if err != nil {
			failed++
		}
		if progress != nil {
			progress(done, total, d, err)
		}
	}

	pending := make(map[string]bool)
	for _, d := range descs {
		tile := a.cache.Resolve(d)
		switch tile.State {
		case cache.StateReady:
			report(d, nil)
		case cache.StateFailed:
			report(d, tile.Err)
		default:
			pending[d.CacheKey] = true
		}
	}

	for len(pending) > 0 {
		select {
		case ev := <-settled:
			if !pending[ev.Descriptor.CacheKey] {
				continue
			}
			delete(pending, ev.Descriptor.CacheKey)
			report(ev.Descriptor, ev.Err)
		case <-ctx.Done():
			return failed, ctx.Err()
		}
	}
	return failed, nil
}

// Close stops fetches, flushes telemetry and closes the cache.
func (a *App) Close() error {
	if err := a.tracker.Close(); err != nil {
		a.log.Debug().Err(err).Msg("failed to flush telemetry")
	}
	return a.cache.Close()
}
