// Package config loads user settings from a JSON, YAML or TOML file, a .env
// file and TIMELOOP_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"imagery-timeloop/internal/cache"
)

const appDir = "imagery-timeloop"

// FetchSettings control outgoing requests to map servers.
type FetchSettings struct {
	TimeoutSeconds    int     `json:"timeoutSeconds" yaml:"timeoutSeconds" toml:"timeoutSeconds" validate:"gte=0"`
	RequestsPerSecond float64 `json:"requestsPerSecond" yaml:"requestsPerSecond" toml:"requestsPerSecond" validate:"gte=0"`
	Burst             int     `json:"burst" yaml:"burst" toml:"burst" validate:"gte=0"`
	UserAgent         string  `json:"userAgent" yaml:"userAgent" toml:"userAgent"`
	// RetryMinutes is the back-off schedule after a host rate-limits us.
	RetryMinutes []int `json:"retryMinutes" yaml:"retryMinutes" toml:"retryMinutes" validate:"dive,gt=0"`
}

// LoopSettings are playback defaults.
type LoopSettings struct {
	IntervalMS int    `json:"intervalMs" yaml:"intervalMs" toml:"intervalMs" validate:"gte=10"`
	Format     string `json:"format" yaml:"format" toml:"format"`
	Width      int    `json:"width" yaml:"width" toml:"width" validate:"gte=0"`
	Height     int    `json:"height" yaml:"height" toml:"height" validate:"gte=0"`
}

// ServerSettings configure the local tile server.
type ServerSettings struct {
	Addr string `json:"addr" yaml:"addr" toml:"addr" validate:"required"`
}

// LogSettings configure the process logger.
type LogSettings struct {
	Level  string `json:"level" yaml:"level" toml:"level" validate:"oneof=trace debug info warn error off"`
	Format string `json:"format" yaml:"format" toml:"format" validate:"oneof=console json"`
}

// TelemetrySettings configure anonymous usage events.
type TelemetrySettings struct {
	PostHogKey  string `json:"posthogKey" yaml:"posthogKey" toml:"posthogKey"`
	PostHogHost string `json:"posthogHost" yaml:"posthogHost" toml:"posthogHost" validate:"omitempty,url"`
}

// Settings represents persistent user preferences
type Settings struct {
	CacheDir  string            `json:"cacheDir" yaml:"cacheDir" toml:"cacheDir" validate:"required"`
	Cache     cache.Config      `json:"cache" yaml:"cache" toml:"cache"`
	Fetch     FetchSettings     `json:"fetch" yaml:"fetch" toml:"fetch"`
	Loop      LoopSettings      `json:"loop" yaml:"loop" toml:"loop"`
	Server    ServerSettings    `json:"server" yaml:"server" toml:"server"`
	Log       LogSettings       `json:"log" yaml:"log" toml:"log"`
	Telemetry TelemetrySettings `json:"telemetry" yaml:"telemetry" toml:"telemetry"`
}

// DefaultSettings returns default user settings
func DefaultSettings() *Settings {
	return &Settings{
		CacheDir: DefaultCacheDir(),
		Cache:    cache.DefaultConfig(),
		Fetch: FetchSettings{
			TimeoutSeconds:    60,
			RequestsPerSecond: 4,
			Burst:             4,
			RetryMinutes:      []int{1, 2, 5, 10, 15},
		},
		Loop: LoopSettings{
			IntervalMS: 500,
			Format:     "image/png",
		},
		Server: ServerSettings{Addr: "127.0.0.1:0"},
		Log:    LogSettings{Level: "info", Format: "console"},
	}
}

// DefaultCacheDir returns the OS-specific cache directory
func DefaultCacheDir() string {
	homeDir, _ := os.UserHomeDir()

	switch goruntime.GOOS {
	case "darwin":
		return filepath.Join(homeDir, "Library", "Caches", appDir)
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = filepath.Join(homeDir, "AppData", "Local")
		}
		return filepath.Join(appData, appDir, "cache")
	default:
		cacheHome := os.Getenv("XDG_CACHE_HOME")
		if cacheHome == "" {
			cacheHome = filepath.Join(homeDir, ".cache")
		}
		return filepath.Join(cacheHome, appDir)
	}
}

// DefaultSettingsPath returns the OS-specific settings file path
func DefaultSettingsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		homeDir, _ := os.UserHomeDir()
		dir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(dir, appDir, "settings.json")
}

// Load reads settings from path, falling back to DefaultSettingsPath when
// path is empty. A missing default file yields defaults; a missing explicit
// file is an error. A .env file in the working directory and TIMELOOP_*
// variables are applied on top.
func Load(path string) (*Settings, error) {
	// A missing .env is normal.
	_ = godotenv.Load()

	settings := DefaultSettings()
	explicit := path != ""
	if !explicit {
		path = DefaultSettingsPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(path, data, settings); err != nil {
			return nil, err
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	settings.mergeDefaults()
	if err := settings.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

func decode(path string, data []byte, s *Settings) error {
	var err error
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, s)
	case ".json":
		err = json.Unmarshal(data, s)
	case ".toml":
		err = toml.Unmarshal(data, s)
	default:
		return fmt.Errorf("unsupported settings extension: %s", ext)
	}
	if err != nil {
		return fmt.Errorf("failed to parse settings: %w", err)
	}
	return nil
}

// mergeDefaults fills fields a file left empty.
func (s *Settings) mergeDefaults() {
	defaults := DefaultSettings()
	if s.CacheDir == "" {
		s.CacheDir = defaults.CacheDir
	}
	s.Cache = s.Cache.Merge(defaults.Cache)
	if s.Fetch.TimeoutSeconds == 0 {
		s.Fetch.TimeoutSeconds = defaults.Fetch.TimeoutSeconds
	}
	if len(s.Fetch.RetryMinutes) == 0 {
		s.Fetch.RetryMinutes = defaults.Fetch.RetryMinutes
	}
	if s.Loop.IntervalMS == 0 {
		s.Loop.IntervalMS = defaults.Loop.IntervalMS
	}
	if s.Loop.Format == "" {
		s.Loop.Format = defaults.Loop.Format
	}
	if s.Server.Addr == "" {
		s.Server.Addr = defaults.Server.Addr
	}
	if s.Log.Level == "" {
		s.Log.Level = defaults.Log.Level
	}
	if s.Log.Format == "" {
		s.Log.Format = defaults.Log.Format
	}
}

func (s *Settings) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(name)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		*dst = n
		return nil
	}

	str("TIMELOOP_CACHE_DIR", &s.CacheDir)
	str("TIMELOOP_LOG_LEVEL", &s.Log.Level)
	str("TIMELOOP_LOG_FORMAT", &s.Log.Format)
	str("TIMELOOP_ADDR", &s.Server.Addr)
	str("TIMELOOP_USER_AGENT", &s.Fetch.UserAgent)
	str("TIMELOOP_POSTHOG_KEY", &s.Telemetry.PostHogKey)
	str("TIMELOOP_POSTHOG_HOST", &s.Telemetry.PostHogHost)
	if err := num("TIMELOOP_WORKERS", &s.Cache.Workers); err != nil {
		return err
	}
	if err := num("TIMELOOP_CACHE_MAX_MB", &s.Cache.MaxSizeMB); err != nil {
		return err
	}
	return num("TIMELOOP_INTERVAL_MS", &s.Loop.IntervalMS)
}

var validate = validator.New()

// Validate checks field constraints.
func (s *Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			msgs := make([]string, 0, len(ve))
			for _, fe := range ve {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid settings: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

// SaveSettings writes settings to path atomically, in the format its
// extension names.
func SaveSettings(settings *Settings, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	data, err := encode(path, settings)
	if err != nil {
		return err
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename settings file: %w", err)
	}
	return nil
}

func encode(path string, s *Settings) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(s)
	case ".json":
		data, err = json.MarshalIndent(s, "", "  ")
	case ".toml":
		data, err = toml.Marshal(s)
	default:
		return nil, fmt.Errorf("unsupported settings extension: %s", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settings: %w", err)
	}
	return data, nil
}
