// Package tileserver serves a running loop to a browser: frame images from
// the disk tier, loop control, a KML export and a websocket event stream.
package tileserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"imagery-timeloop/internal/cache"
	"imagery-timeloop/internal/loop"
	"imagery-timeloop/internal/metrics"
	"imagery-timeloop/internal/overlay"
	"imagery-timeloop/internal/ratelimit"
	"imagery-timeloop/internal/taskqueue"
	"imagery-timeloop/internal/wms"
)

// DefaultAddr listens on a random local port.
const DefaultAddr = "127.0.0.1:0"

// FrameResolver is the part of the cache the server uses.
type FrameResolver interface {
	Resolve(d overlay.Descriptor) cache.Tile
	Retry(key string) error
	Purge()
	QueueStatus() taskqueue.QueueStatus
}

// Options configure a Server.
type Options struct {
	Addr         string
	Capabilities *wms.Capabilities
	Controller   *loop.Controller
	Cache        FrameResolver
	RateLimits   *ratelimit.Handler
	Logger       zerolog.Logger
}

// Server manages the tile server HTTP server
type Server struct {
	addr  string
	caps  *wms.Capabilities
	ctl   *loop.Controller
	cache FrameResolver
	rl    *ratelimit.Handler
	log   zerolog.Logger

	mu            sync.Mutex
	httpServer    *http.Server
	tileServerURL string
	done          chan struct{}
	quit          chan struct{}
	quitOnce      sync.Once
}

// NewServer creates a new tile server instance
func NewServer(opts Options) *Server {
	addr := opts.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	return &Server{
		addr:  addr,
		caps:  opts.Capabilities,
		ctl:   opts.Controller,
		cache: opts.Cache,
		rl:    opts.RateLimits,
		log:   opts.Logger.With().Str("component", "tileserver").Logger(),
		quit:  make(chan struct{}),
	}
}

// GetTileServerURL returns the tile server URL
func (s *Server) GetTileServerURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tileServerURL
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Accept"},
		ExposedHeaders: []string{"X-Tile-State"},
		MaxAge:         300,
	}))
	r.Use(metrics.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Get("/layers", s.handleLayers)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/status", s.handleStatus)
	r.With(s.requireCache).Post("/cache/purge", s.handlePurge)

	r.Route("/loop", func(r chi.Router) {
		r.Use(s.requireLoop)
		r.Get("/", s.handleSnapshot)
		r.Post("/play", s.handlePlay)
		r.Post("/stop", s.handleStop)
		r.Post("/tick", s.handleTick)
	})
	r.With(s.requireLoop).Get("/loop.kml", s.handleKML)
	r.With(s.requireLoop).Get("/frames/{index}", s.handleFrame)
	r.With(s.requireLoop, s.requireCache).Post("/frames/{index}/retry", s.handleRetry)
	r.With(s.requireLoop).Get("/events", s.handleEvents)
	return r
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to start tile server: %w", err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	done := make(chan struct{})

	s.mu.Lock()
	s.httpServer = srv
	s.tileServerURL = "http://" + listener.Addr().String()
	s.done = done
	s.mu.Unlock()
	s.log.Info().Str("url", s.tileServerURL).Msg("tile server started")

	go func() {
		defer close(done)
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("tile server stopped")
		}
	}()
	return nil
}

// Shutdown stops the server gracefully and closes event streams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.quitOnce.Do(func() { close(s.quit) })
	s.mu.Lock()
	srv, done := s.httpServer, s.done
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	<-done
	return err
}

// Done is closed when a started server stops serving.
func (s *Server) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}
