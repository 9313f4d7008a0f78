// Package telemetry sends anonymous usage events to PostHog when a project
// key is configured.
package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/posthog/posthog-go"
	"github.com/rs/zerolog"
)

const installIDFile = "install_id"

// Event names.
const (
	EventCapabilitiesLoaded = "capabilities_loaded"
	EventLoopStarted        = "loop_started"
	EventLoopStopped        = "loop_stopped"
	EventExportWritten      = "export_written"
)

// Tracker enqueues events. The zero value and a Tracker without a key are
// no-ops.
type Tracker struct {
	client     posthog.Client
	distinctID string
	version    string
	log        zerolog.Logger
}

// Options configure a Tracker.
type Options struct {
	Key      string
	Endpoint string
	// Dir holds the install ID file.
	Dir     string
	Version string
	Logger  zerolog.Logger
}

// New creates a tracker. Failures to reach PostHog never fail the caller;
// they disable tracking.
func New(opts Options) *Tracker {
	t := &Tracker{version: opts.Version, log: opts.Logger.With().Str("component", "telemetry").Logger()}
	if opts.Key == "" {
		return t
	}

	id, err := InstallID(opts.Dir)
	if err != nil {
		t.log.Warn().Err(err).Msg("telemetry disabled")
		return t
	}
	client, err := posthog.NewWithConfig(opts.Key, posthog.Config{Endpoint: opts.Endpoint})
	if err != nil {
		t.log.Warn().Err(err).Msg("failed to initialize PostHog")
		return t
	}
	t.client = client
	t.distinctID = id
	return t
}

// Enabled reports whether events are sent.
func (t *Tracker) Enabled() bool { return t != nil && t.client != nil }

// Track enqueues an event.
func (t *Tracker) Track(event string, props map[string]interface{}) {
	if !t.Enabled() {
		return
	}
	p := posthog.NewProperties().Set("version", t.version)
	for k, v := range props {
		p.Set(k, v)
	}
	if err := t.client.Enqueue(posthog.Capture{
		DistinctId: t.distinctID,
		Event:      event,
		Properties: p,
	}); err != nil {
		t.log.Debug().Err(err).Str("event", event).Msg("failed to enqueue event")
	}
}

// Close flushes queued events.
func (t *Tracker) Close() error {
	if !t.Enabled() {
		return nil
	}
	return t.client.Close()
}

// InstallID returns the per-install identifier stored in dir, creating it
// on first use.
func InstallID(dir string) (string, error) {
	path := filepath.Join(dir, installIDFile)
	if data, err := os.ReadFile(path); err == nil {
		if id, err := uuid.Parse(strings.TrimSpace(string(data))); err == nil {
			return id.String(), nil
		}
	}

	id := uuid.NewString()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create telemetry directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0644); err != nil {
		return "", fmt.Errorf("failed to write install id: %w", err)
	}
	return id, nil
}
