package cache

import (
	"time"

	"github.com/samber/lo"

	"imagery-timeloop/internal/metrics"
)

// Stats summarises both tiers.
type Stats struct {
	MemoryEntries  int       `json:"memoryEntries"`
	MemoryCapacity int       `json:"memoryCapacity"`
	DiskEntries    int       `json:"diskEntries"`
	DiskBytes      int64     `json:"diskBytes"`
	MaxBytes       int64     `json:"maxBytes"`
	Pending        int       `json:"pending"`
	Failed         int       `json:"failed"`
	OldestFetch    time.Time `json:"oldestFetch,omitempty"`
	NewestFetch    time.Time `json:"newestFetch,omitempty"`
}

// Stats returns cache statistics.
func (c *Cache) Stats() (Stats, error) {
	rows, err := c.index.List()
	if err != nil {
		return Stats{}, err
	}

	c.mu.Lock()
	pending := lo.CountBy(lo.Values(c.entries), func(e *entry) bool { return e.state == StatePending })
	failed := len(c.entries) - pending
	c.mu.Unlock()

	st := Stats{
		MemoryEntries:  c.memory.Len(),
		MemoryCapacity: c.memory.size,
		DiskEntries:    len(rows),
		DiskBytes:      lo.SumBy(rows, func(e Entry) int64 { return e.Size }),
		MaxBytes:       c.maxBytes(),
		Pending:        pending,
		Failed:         failed,
	}
	if len(rows) > 0 {
		st.OldestFetch = lo.MinBy(rows, func(a, b Entry) bool { return a.FetchedAt.Before(b.FetchedAt) }).FetchedAt
		st.NewestFetch = lo.MaxBy(rows, func(a, b Entry) bool { return a.FetchedAt.After(b.FetchedAt) }).FetchedAt
	}
	return st, nil
}

// Entries lists the disk tier, sorted by key.
func (c *Cache) Entries() ([]Entry, error) {
	return c.index.List()
}

func (c *Cache) maxBytes() int64 {
	return int64(c.config.MaxSizeMB) * 1024 * 1024
}

func (c *Cache) ttl() time.Duration {
	return time.Duration(c.config.TTLDays) * 24 * time.Hour
}

func (c *Cache) requestEviction() {
	select {
	case c.evictChan <- struct{}{}:
	default:
	}
}

// maintenanceWorker trims the disk tier to its size budget and removes
// expired files.
func (c *Cache) maintenanceWorker(interval time.Duration) {
	defer close(c.stopped)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-c.evictChan:
			c.evictOversize()
		case <-ticker.C:
			c.evictExpired(time.Now())
			c.evictOversize()
		}
	}
}

// evictOversize removes least recently used files until the disk tier is
// at 80% of its budget.
func (c *Cache) evictOversize() int {
	limit := c.maxBytes()
	if limit <= 0 {
		return 0
	}
	rows, err := c.index.List()
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to list cache index")
		return 0
	}
	total := lo.SumBy(rows, func(e Entry) int64 { return e.Size })
	if total <= limit {
		return 0
	}

	target := limit * 8 / 10
	oldestFirst(rows)
	evicted := 0
	for _, row := range rows {
		if total <= target {
			break
		}
		if c.evictQuiet(row.Key, "size") {
			total -= row.Size
			evicted++
		}
	}
	c.log.Info().Int("evicted", evicted).Int64("bytes", total).Msg("trimmed disk tier")
	return evicted
}

// evictExpired removes files fetched longer than the TTL before now.
func (c *Cache) evictExpired(now time.Time) int {
	ttl := c.ttl()
	if ttl <= 0 {
		return 0
	}
	rows, err := c.index.List()
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to list cache index")
		return 0
	}
	expired := lo.Filter(rows, func(e Entry, _ int) bool { return now.Sub(e.FetchedAt) > ttl })
	evicted := 0
	for _, row := range expired {
		if c.evictQuiet(row.Key, "ttl") {
			evicted++
		}
	}
	if evicted > 0 {
		c.log.Info().Int("evicted", evicted).Msg("removed expired files")
	}
	return evicted
}

// evictQuiet evicts key unless it is being fetched.
func (c *Cache) evictQuiet(key, reason string) bool {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && e.state == StatePending {
		c.mu.Unlock()
		return false
	}
	c.memory.Remove(key)
	c.mu.Unlock()

	if err := c.removeFile(key); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("failed to evict")
		return false
	}
	metrics.CacheEvictions.WithLabelValues(reason).Inc()
	return true
}
