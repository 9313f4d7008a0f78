// Package cache resolves overlay descriptors to decoded images through a
// memory tier, a disk tier and asynchronous remote fetches.
package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"imagery-timeloop/internal/events"
	"imagery-timeloop/internal/imagery"
	"imagery-timeloop/internal/metrics"
	"imagery-timeloop/internal/overlay"
	"imagery-timeloop/internal/taskqueue"
	"imagery-timeloop/internal/utils/naming"
)

var (
	// ErrPending is returned when an operation needs a key that is still
	// being fetched.
	ErrPending = errors.New("cache key has a fetch in flight")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("cache is closed")
	// ErrNoSource is the failure of a descriptor without a source URL.
	ErrNoSource = errors.New("descriptor has no source url")
)

// entry tracks a key that is in flight or failed. Ready keys live in the
// memory tier and Absent keys are not tracked.
type entry struct {
	state  State
	desc   overlay.Descriptor
	taskID string
	err    error
}

// Cache is shared by every loop that plays overlays from the same directory.
type Cache struct {
	root    string
	config  Config
	fetcher *imagery.Fetcher
	log     zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	memory *memoryTier
	index  *Index
	queue  *taskqueue.Queue
	bus    *events.Bus

	evictChan chan struct{}
	stop      chan struct{}
	stopped   chan struct{}
}

// New opens the cache at opts.Root and starts its fetch workers.
func New(opts Options) (*Cache, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("cache root is required")
	}
	cfg := opts.Config.Merge(DefaultConfig())
	if err := os.MkdirAll(filepath.Join(opts.Root, naming.CacheRootDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	memory, err := newMemoryTier(cfg.MemoryEntries)
	if err != nil {
		return nil, err
	}
	index, err := OpenIndex(filepath.Join(opts.Root, indexFile))
	if err != nil {
		return nil, err
	}

	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = imagery.NewFetcher(imagery.Options{Logger: opts.Logger})
	}

	c := &Cache{
		root:      opts.Root,
		config:    cfg,
		fetcher:   fetcher,
		log:       opts.Logger.With().Str("component", "cache").Logger(),
		entries:   make(map[string]*entry),
		memory:    memory,
		index:     index,
		bus:       events.NewBus(),
		evictChan: make(chan struct{}, 1),
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	c.queue = taskqueue.New(c, taskqueue.Options{Workers: cfg.Workers, Logger: opts.Logger})
	c.queue.SetCallbacks(c.onQueueUpdate, c.onTaskComplete)

	if index.Len() == 0 {
		if n, err := index.rebuild(opts.Root); err != nil {
			c.log.Warn().Err(err).Msg("failed to rebuild index")
		} else if n > 0 {
			c.log.Info().Int("entries", n).Msg("rebuilt index from disk")
		}
	}

	interval := opts.MaintenanceInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go c.maintenanceWorker(interval)
	c.requestEviction()

	return c, nil
}

// Root returns the cache directory.
func (c *Cache) Root() string { return c.root }

// Resolve returns the current tile for d without blocking on the network.
// A key found on disk is decoded synchronously. Otherwise one fetch is
// started and a Pending tile is returned; later calls for the same key
// return Pending until the fetch settles.
func (c *Cache) Resolve(d overlay.Descriptor) Tile {
	if d.CacheBasePath == "" {
		d.CacheBasePath = c.root
	}

	c.mu.Lock()
	if t, ok := c.lookupLocked(d); ok {
		c.mu.Unlock()
		return t
	}
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return Tile{Descriptor: d, State: StateFailed, Err: ErrClosed}
	}

	if t, ok := c.loadFromDisk(d); ok {
		return t
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.lookupLocked(d); ok {
		return t
	}
	return c.startFetchLocked(d)
}

// State reports the state of key without side effects.
func (c *Cache) State(key string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.memory.Get(key); ok {
		return StateReady
	}
	if e, ok := c.entries[key]; ok {
		return e.state
	}
	return StateAbsent
}

func (c *Cache) lookupLocked(d overlay.Descriptor) (Tile, bool) {
	if mt, ok := c.memory.Get(d.CacheKey); ok {
		metrics.CacheLookups.WithLabelValues("memory").Inc()
		return Tile{Descriptor: d, State: StateReady, Image: mt.Image, Format: mt.Format, Path: mt.Path}, true
	}
	if e, ok := c.entries[d.CacheKey]; ok {
		metrics.CacheLookups.WithLabelValues(e.state.String()).Inc()
		return Tile{Descriptor: d, State: e.state, Err: e.err}, true
	}
	return Tile{}, false
}

// loadFromDisk promotes a file written by this or an earlier session into
// the memory tier. An undecodable file is removed so the key is fetched
// again.
func (c *Cache) loadFromDisk(d overlay.Descriptor) (Tile, bool) {
	path := d.Path()
	info, err := os.Stat(path)
	if err != nil {
		if _, ok, _ := c.index.Get(d.CacheKey); ok {
			c.index.Delete(d.CacheKey)
		}
		return Tile{}, false
	}

	img, format, err := imagery.DecodeFile(path)
	if err != nil {
		c.log.Warn().Err(err).Str("key", d.CacheKey).Msg("discarding undecodable cache file")
		os.Remove(path)
		c.index.Delete(d.CacheKey)
		return Tile{}, false
	}

	now := time.Now()
	c.memory.Add(&MemoryTile{Key: d.CacheKey, Image: img, Format: format, Path: path, LoadedAt: now})
	metrics.CacheLookups.WithLabelValues("disk").Inc()

	if _, ok, _ := c.index.Get(d.CacheKey); ok {
		c.index.Touch(d.CacheKey, now)
	} else {
		c.index.Put(Entry{
			Key:        d.CacheKey,
			Path:       path,
			SourceURL:  d.SourceURL,
			Size:       info.Size(),
			FetchedAt:  info.ModTime(),
			AccessedAt: now,
		})
	}
	return Tile{Descriptor: d, State: StateReady, Image: img, Format: format, Path: path}, true
}

func (c *Cache) startFetchLocked(d overlay.Descriptor) Tile {
	metrics.CacheLookups.WithLabelValues("miss").Inc()
	if d.SourceURL == "" {
		c.entries[d.CacheKey] = &entry{state: StateFailed, desc: d, err: ErrNoSource}
		c.bus.Publish(overlay.Failure(d, ErrNoSource))
		return Tile{Descriptor: d, State: StateFailed, Err: ErrNoSource}
	}

	task := taskqueue.NewFetchTask(d.CacheKey, d.SourceURL, d.Path())
	c.entries[d.CacheKey] = &entry{state: StatePending, desc: d, taskID: task.ID}
	if err := c.queue.Push(task); err != nil {
		delete(c.entries, d.CacheKey)
		return Tile{Descriptor: d, State: StateFailed, Err: ErrClosed}
	}
	c.log.Debug().Str("key", d.CacheKey).Str("url", d.SourceURL).Msg("fetch queued")
	return Tile{Descriptor: d, State: StatePending}
}

// ExecuteFetchTask downloads and decodes one image. It runs on a queue
// worker.
func (c *Cache) ExecuteFetchTask(ctx context.Context, task *taskqueue.FetchTask) error {
	res, err := c.fetcher.Download(ctx, task.URL, task.Dest)
	var mt *MemoryTile
	if err == nil {
		img, format, decodeErr := imagery.DecodeFile(res.Path)
		if decodeErr != nil {
			os.Remove(res.Path)
			err = &imagery.FetchError{URL: task.URL, ContentType: res.ContentType, Kind: imagery.ErrFetchFailed,
				Cause: fmt.Errorf("failed to decode image: %w", decodeErr)}
		} else {
			mt = &MemoryTile{Key: task.Key, Image: img, Format: format, Path: res.Path, LoadedAt: time.Now()}
		}
	}

	c.mu.Lock()
	e, ok := c.entries[task.Key]
	if !ok || e.taskID != task.ID {
		c.mu.Unlock()
		return err
	}
	d := e.desc
	switch {
	case err == nil:
		delete(c.entries, task.Key)
		c.memory.Add(mt)
	case ctx.Err() != nil:
		// Shutting down; the key is simply not cached.
		delete(c.entries, task.Key)
	default:
		e.state = StateFailed
		e.err = err
	}
	c.mu.Unlock()

	switch {
	case err == nil:
		now := time.Now()
		if perr := c.index.Put(Entry{
			Key:         task.Key,
			Path:        res.Path,
			SourceURL:   task.URL,
			ContentType: res.ContentType,
			Size:        res.Size,
			FetchedAt:   now,
			AccessedAt:  now,
		}); perr != nil {
			c.log.Warn().Err(perr).Str("key", task.Key).Msg("failed to index cache file")
		}
		c.bus.Publish(overlay.Ready(d))
		c.requestEviction()
	case ctx.Err() == nil:
		c.log.Warn().Err(err).Str("key", task.Key).Msg("fetch failed")
		c.bus.Publish(overlay.Failure(d, err))
	}
	return err
}

func (c *Cache) onQueueUpdate(st taskqueue.QueueStatus) {
	metrics.FetchQueued.Set(float64(st.PendingTasks))
}

func (c *Cache) onTaskComplete(task *taskqueue.FetchTask, err error) {
	c.log.Debug().
		Str("task", task.ID).
		Str("key", task.Key).
		Str("status", string(task.Status)).
		Dur("took", task.Duration()).
		Msg("fetch task finished")
}

// QueueStatus reports the fetch queue's counters.
func (c *Cache) QueueStatus() taskqueue.QueueStatus { return c.queue.Status() }

// Evict removes key from both tiers. A Failed key becomes Absent.
func (c *Cache) Evict(key string) error {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && e.state == StatePending {
		c.mu.Unlock()
		return fmt.Errorf("failed to evict %s: %w", key, ErrPending)
	}
	delete(c.entries, key)
	c.memory.Remove(key)
	c.mu.Unlock()

	if err := c.removeFile(key); err != nil {
		return err
	}
	metrics.CacheEvictions.WithLabelValues("manual").Inc()
	c.log.Debug().Str("key", key).Msg("evicted")
	return nil
}

// Retry clears a Failed key and lifts the back-off of its host so the next
// Resolve fetches it again. Keys in any other state are left alone.
func (c *Cache) Retry(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	if e.state == StatePending {
		return fmt.Errorf("failed to retry %s: %w", key, ErrPending)
	}
	delete(c.entries, key)
	if rl := c.fetcher.RateLimits(); rl != nil {
		rl.Clear(imagery.HostOf(e.desc.SourceURL))
	}
	return nil
}

// Purge empties the memory tier and forgets failures, as a restart would.
// The disk tier and in-flight fetches are untouched.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memory.Purge()
	for k, e := range c.entries {
		if e.state == StateFailed {
			delete(c.entries, k)
		}
	}
}

// Clear empties both tiers. It fails while any fetch is in flight.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := lo.FindKeyBy(c.entries, func(_ string, e *entry) bool { return e.state == StatePending }); busy {
		return fmt.Errorf("failed to clear cache: %w", ErrPending)
	}
	c.memory.Purge()
	c.entries = make(map[string]*entry)

	if err := os.RemoveAll(filepath.Join(c.root, naming.CacheRootDir)); err != nil {
		return fmt.Errorf("failed to remove cache files: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(c.root, naming.CacheRootDir), 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	if err := c.index.Clear(); err != nil {
		return fmt.Errorf("failed to clear cache index: %w", err)
	}
	c.log.Info().Msg("cache cleared")
	return nil
}

// Subscribe registers fn for progress, error and ready events. Events are
// delivered in order on a separate goroutine. The returned func unsubscribes.
func (c *Cache) Subscribe(fn func(overlay.Event)) func() {
	return c.bus.Subscribe(fn)
}

// Close stops the fetch workers and releases the index. In-flight fetches
// are cancelled.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.queue.Close()
	close(c.stop)
	<-c.stopped
	c.bus.Close()
	return c.index.Close()
}

func (c *Cache) removeFile(key string) error {
	path := naming.DiskPath(c.root, key)
	if row, ok, _ := c.index.Get(key); ok && row.Path != "" {
		path = row.Path
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove cache file: %w", err)
	}
	return c.index.Delete(key)
}
