// Package cmd implements the timeloop command tree.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"imagery-timeloop/internal/app"
	"imagery-timeloop/internal/config"
	"imagery-timeloop/internal/logging"
)

var globalFlags struct {
	Config    string
	CacheDir  string
	LogLevel  string
	LogFormat string
}

var rootCmd = &cobra.Command{
	Use:   "timeloop",
	Short: "Animate time-enabled WMS layers as looping image overlays",
	Long: `timeloop reads a WMS capabilities document, expands the time dimension of a
layer into frames, caches the frame images on disk and plays them in a loop.

Quick start:
  timeloop layers https://example.com/wms
  timeloop frames https://example.com/wms sst --times 2005/2010/P1Y
  timeloop serve https://example.com/wms sst --play`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute is the entry point called by main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadSettings resolves the settings file and applies flag overrides.
func loadSettings() (*config.Settings, error) {
	s, err := config.Load(globalFlags.Config)
	if err != nil {
		return nil, err
	}
	if globalFlags.CacheDir != "" {
		s.CacheDir = globalFlags.CacheDir
	}
	if globalFlags.LogLevel != "" {
		s.Log.Level = globalFlags.LogLevel
	}
	if globalFlags.LogFormat != "" {
		s.Log.Format = globalFlags.LogFormat
	}
	return s, s.Validate()
}

func newLogger(s *config.Settings) (zerolog.Logger, error) {
	return logging.New(s.Log.Level, s.Log.Format, os.Stderr)
}

// buildApp loads settings and opens the shared cache. Callers must Close
// the returned app.
func buildApp() (*app.App, error) {
	s, err := loadSettings()
	if err != nil {
		return nil, err
	}
	if s.Telemetry.PostHogKey == "" {
		s.Telemetry.PostHogKey = PostHogKey
		s.Telemetry.PostHogHost = PostHogHost
	}
	log, err := newLogger(s)
	if err != nil {
		return nil, err
	}
	return app.New(app.Options{Settings: s, Logger: log, Version: Version})
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&globalFlags.Config, "config", "",
		"settings file (.json, .yaml or .toml; default: user config dir)")
	pf.StringVar(&globalFlags.CacheDir, "cache-dir", "",
		"image cache directory (overrides settings and TIMELOOP_CACHE_DIR)")
	pf.StringVar(&globalFlags.LogLevel, "log-level", "",
		"log level: trace|debug|info|warn|error|off")
	pf.StringVar(&globalFlags.LogFormat, "log-format", "",
		"log format: console|json")
}
