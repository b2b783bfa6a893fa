// Package cache is a TTL- and capacity-bounded store for session, window,
// and pane metadata. Keys are hierarchical so destroying a session
// invalidates everything beneath it in one call.
package cache

import (
	"container/list"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Key addresses one cached entry. Path is hierarchical, e.g. a window under
// a session is "sessionID/windowID".
type Key struct {
	Type    string
	Path    string
	Version string
}

func (k Key) String() string {
	if k.Version != "" {
		return k.Type + ":" + k.Path + ":" + k.Version
	}
	return k.Type + ":" + k.Path
}

// SessionKey, WindowKey, and PaneKey build the conventional hierarchy.
func SessionKey(sessionID string) Key {
	return Key{Type: "session", Path: sessionID}
}

func WindowKey(sessionID, windowID string) Key {
	return Key{Type: "window", Path: sessionID + "/" + windowID}
}

func PaneKey(sessionID, windowID, paneID string) Key {
	return Key{Type: "pane", Path: sessionID + "/" + windowID + "/" + paneID}
}

// Config bounds the cache.
type Config struct {
	TTL             time.Duration `yaml:"-"`
	MaxEntries      int           `yaml:"maxEntries"`
	CleanupInterval time.Duration `yaml:"-"`
}

func (c *Config) setDefaults() {
	if c.TTL <= 0 {
		c.TTL = 30 * time.Second
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 1024
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 10 * time.Second
	}
}

// Stats tracks hit rate and access timing.
type Stats struct {
	Hits        uint64
	Misses      uint64
	Sets        uint64
	Evictions   uint64
	Expirations uint64
	Entries     int
	AvgGet      time.Duration
	AvgSet      time.Duration
}

type entry struct {
	key        Key
	data       any
	storedAt   time.Time
	ttl        time.Duration
	accessed   uint64
	lastAccess time.Time
	elem       *list.Element
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.storedAt) > e.ttl
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Cache is safe for concurrent use. Expired entries are never returned,
// even before the sweeper reaches them.
type Cache struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front = most recent

	hits, misses, sets     uint64
	evictions, expirations uint64
	getNanos, setNanos     int64

	done      chan struct{}
	closeOnce sync.Once
}

// New builds the cache and starts the periodic expiry sweep.
func New(cfg Config, logger *slog.Logger) *Cache {
	cfg.setDefaults()
	if logger == nil {
		logger = discardLogger
	}
	c := &Cache{
		cfg:     cfg,
		logger:  logger,
		entries: make(map[string]*entry),
		lru:     list.New(),
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Set stores data under key with the default TTL.
func (c *Cache) Set(key Key, data any) {
	c.SetTTL(key, data, c.cfg.TTL)
}

// SetTTL stores data with an explicit TTL, evicting the LRU entry when at
// capacity.
func (c *Cache) SetTTL(key Key, data any, ttl time.Duration) {
	started := time.Now()
	k := key.String()
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.entries[k]; ok {
		c.lru.Remove(old.elem)
		delete(c.entries, k)
	}
	for len(c.entries) >= c.cfg.MaxEntries {
		c.evictOldestLocked()
	}
	e := &entry{key: key, data: data, storedAt: started, ttl: ttl, lastAccess: started}
	e.elem = c.lru.PushFront(e)
	c.entries[k] = e
	c.sets++
	c.setNanos += time.Since(started).Nanoseconds()
}

// Get returns the cached value, or false on a miss. An entry past its TTL is
// removed and counts as a miss; it is never resurrected.
func (c *Cache) Get(key Key) (any, bool) {
	started := time.Now()
	k := key.String()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		c.misses++
		c.getNanos += time.Since(started).Nanoseconds()
		return nil, false
	}
	if e.expired(started) {
		c.removeLocked(e)
		c.expirations++
		c.misses++
		c.getNanos += time.Since(started).Nanoseconds()
		return nil, false
	}
	e.accessed++
	e.lastAccess = started
	c.lru.MoveToFront(e.elem)
	c.hits++
	c.getNanos += time.Since(started).Nanoseconds()
	return e.data, true
}

// Lookup is a typed Get.
func Lookup[T any](c *Cache, key Key) (T, bool) {
	var zero T
	v, ok := c.Get(key)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// Delete removes one entry.
func (c *Cache) Delete(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.String()]
	if !ok {
		return false
	}
	c.removeLocked(e)
	return true
}

// InvalidateSession removes the session entry and every window/pane entry
// beneath it, leaving unrelated keys untouched.
func (c *Cache) InvalidateSession(sessionID string) int {
	prefix := sessionID + "/"
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for _, e := range c.entries {
		if e.key.Path == sessionID || strings.HasPrefix(e.key.Path, prefix) {
			c.removeLocked(e)
			removed++
		}
	}
	return removed
}

// Warm bulk-seeds entries, typically after a restart or hot-swap, to avoid a
// cold-start latency spike.
func (c *Cache) Warm(entries map[Key]any) {
	for k, v := range entries {
		c.Set(k, v)
	}
	c.logger.Debug("cache warmed", "entries", len(entries))
}

func (c *Cache) removeLocked(e *entry) {
	c.lru.Remove(e.elem)
	delete(c.entries, e.key.String())
}

func (c *Cache) evictOldestLocked() {
	back := c.lru.Back()
	if back == nil {
		return
	}
	c.removeLocked(back.Value.(*entry))
	c.evictions++
}

// sweep purges expired entries independent of access pattern, bounding
// memory even for cold keys.
func (c *Cache) sweep() {
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			purged := 0
			for _, e := range c.entries {
				if e.expired(now) {
					c.removeLocked(e)
					c.expirations++
					purged++
				}
			}
			c.mu.Unlock()
			if purged > 0 {
				c.logger.Debug("cache sweep", "purged", purged)
			}
		}
	}
}

// Stats snapshots counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		Sets:        c.sets,
		Evictions:   c.evictions,
		Expirations: c.expirations,
		Entries:     len(c.entries),
	}
	if gets := c.hits + c.misses; gets > 0 {
		st.AvgGet = time.Duration(c.getNanos / int64(gets))
	}
	if c.sets > 0 {
		st.AvgSet = time.Duration(c.setNanos / int64(c.sets))
	}
	return st
}

// HitRate is hits over total gets, 0..1.
func (c *Cache) HitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.lru.Init()
}

// Close stops the sweeper.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
