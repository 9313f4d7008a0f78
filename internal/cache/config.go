package cache

import (
	"time"

	"github.com/rs/zerolog"

	"imagery-timeloop/internal/imagery"
)

// Config represents cache configuration
type Config struct {
	MaxSizeMB     int `json:"maxSizeMB" yaml:"maxSizeMB" toml:"maxSizeMB" validate:"gte=0"`
	TTLDays       int `json:"ttlDays" yaml:"ttlDays" toml:"ttlDays" validate:"gte=0"`
	MemoryEntries int `json:"memoryEntries" yaml:"memoryEntries" toml:"memoryEntries" validate:"gte=0"`
	Workers       int `json:"workers" yaml:"workers" toml:"workers" validate:"gte=0,lte=32"`
}

// DefaultConfig returns default cache configuration
func DefaultConfig() Config {
	return Config{
		MaxSizeMB:     250,
		TTLDays:       30,
		MemoryEntries: 256,
		Workers:       4,
	}
}

// Merge fills zero fields from defaults.
func (c Config) Merge(defaults Config) Config {
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = defaults.MaxSizeMB
	}
	if c.TTLDays <= 0 {
		c.TTLDays = defaults.TTLDays
	}
	if c.MemoryEntries <= 0 {
		c.MemoryEntries = defaults.MemoryEntries
	}
	if c.Workers <= 0 {
		c.Workers = defaults.Workers
	}
	return c
}

// Options configure a Cache.
type Options struct {
	// Root is the cache directory. Images live under Root/Earth and the
	// index at Root/index.db.
	Root    string
	Config  Config
	Fetcher *imagery.Fetcher
	Logger  zerolog.Logger

	// MaintenanceInterval is how often expired entries are swept.
	// Zero means five minutes.
	MaintenanceInterval time.Duration
}
