package cache

import (
	"fmt"
	"image"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"imagery-timeloop/internal/metrics"
)

// MemoryTile is a decoded image held in the memory tier.
type MemoryTile struct {
	Key      string
	Image    image.Image
	Format   string
	Path     string
	LoadedAt time.Time
}

// memoryTier is a bounded LRU of decoded tiles. It is safe for concurrent use.
type memoryTier struct {
	tiles *lru.Cache[string, *MemoryTile]
	size  int
}

func newMemoryTier(size int) (*memoryTier, error) {
	tiles, err := lru.NewWithEvict(size, func(string, *MemoryTile) {
		metrics.CacheEvictions.WithLabelValues("memory").Inc()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create memory tier: %w", err)
	}
	return &memoryTier{tiles: tiles, size: size}, nil
}

func (m *memoryTier) Get(key string) (*MemoryTile, bool) {
	return m.tiles.Get(key)
}

func (m *memoryTier) Add(tile *MemoryTile) {
	m.tiles.Add(tile.Key, tile)
}

func (m *memoryTier) Remove(key string) {
	m.tiles.Remove(key)
}

func (m *memoryTier) Purge() {
	m.tiles.Purge()
}

func (m *memoryTier) Len() int { return m.tiles.Len() }
