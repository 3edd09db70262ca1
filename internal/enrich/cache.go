// Package enrich looks up office phone numbers for hiring organizations and
// caches the answers across runs.
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/jobboard-scraper/internal/clock/system"
	"github.com/JakeFAU/jobboard-scraper/internal/scraper"
	"github.com/JakeFAU/jobboard-scraper/internal/storage/local"
)

// DefaultCachePath is where the cache lives when none is configured.
const DefaultCachePath = "cache/company_phone_cache.json"

// DefaultFlightTimeout bounds one shared lookup when none is configured.
const DefaultFlightTimeout = time.Minute

// Entry is one cached lookup. An empty Phone means the lookup ran and found
// nothing; such entries are never searched again.
type Entry struct {
	Phone    string    `json:"phone"`
	Location string    `json:"location,omitempty"`
	CachedAt time.Time `json:"cached_at"`
}

// CacheStats summarizes the cache contents and hit rate.
type CacheStats struct {
	Total        int   `json:"total"`
	WithPhone    int   `json:"with_phone"`
	WithoutPhone int   `json:"without_phone"`
	Hits         int64 `json:"hits"`
	Lookups      int64 `json:"lookups"`
}

// LookupFunc performs the expensive lookup for one key.
type LookupFunc func(ctx context.Context) (string, error)

// Cache is a write-through organization → phone cache. Concurrent misses on
// the same key share one lookup.
type Cache struct {
	path          string
	clock         scraper.Clock
	logger        *zap.Logger
	flightTimeout time.Duration

	mu      sync.Mutex
	entries map[string]Entry
	group   singleflight.Group

	hits    atomic.Int64
	lookups atomic.Int64
}

// OpenCache loads path if it exists. A corrupt file is logged and replaced on
// the next write.
func OpenCache(path string, logger *zap.Logger) (*Cache, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultCachePath
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{
		path:          path,
		clock:         system.New(),
		logger:        logger,
		flightTimeout: DefaultFlightTimeout,
		entries:       make(map[string]Entry),
	}
	// #nosec G304 -- cache path is operator configuration.
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return c, nil
	case err != nil:
		return nil, fmt.Errorf("read phone cache: %w", err)
	}
	if err := json.Unmarshal(data, &c.entries); err != nil {
		logger.Warn("phone cache is corrupt; starting empty", zap.String("path", path), zap.Error(err))
		c.entries = make(map[string]Entry)
		return c, nil
	}
	if c.entries == nil {
		c.entries = make(map[string]Entry)
	}
	logger.Info("phone cache loaded", zap.String("path", path), zap.Int("entries", len(c.entries)))
	return c, nil
}

// WithClock overrides the clock stamping new entries.
func (c *Cache) WithClock(clock scraper.Clock) *Cache {
	if clock != nil {
		c.clock = clock
	}
	return c
}

// WithFlightTimeout bounds each shared lookup. Non-positive values are ignored.
func (c *Cache) WithFlightTimeout(d time.Duration) *Cache {
	if d > 0 {
		c.flightTimeout = d
	}
	return c
}

func cacheKey(organization string) string {
	return strings.TrimSpace(organization)
}

// Get returns the cached entry for organization.
func (c *Cache) Get(organization string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[cacheKey(organization)]
	return e, ok
}

// Set stores phone for organization and persists the cache.
func (c *Cache) Set(organization, phone, location string) error {
	key := cacheKey(organization)
	if key == "" {
		return fmt.Errorf("organization is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = Entry{Phone: phone, Location: location, CachedAt: c.clock.Now()}
	return c.persistLocked()
}

// GetOrLookup returns the cached phone for organization, running lookup once
// across concurrent callers on a miss. The shared lookup is detached from the
// caller that started it and bounded by the flight timeout; each caller stops
// waiting when its own ctx ends. Failed lookups are not cached.
func (c *Cache) GetOrLookup(ctx context.Context, organization, location string, lookup LookupFunc) (string, error) {
	key := cacheKey(organization)
	if key == "" {
		return "", nil
	}
	if e, ok := c.Get(key); ok {
		c.hits.Add(1)
		return e.Phone, nil
	}
	flight := c.group.DoChan(key, func() (any, error) {
		// A flight that finished just before this one started already filled the entry.
		if e, ok := c.Get(key); ok {
			c.hits.Add(1)
			return e.Phone, nil
		}
		c.lookups.Add(1)
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.flightTimeout)
		defer cancel()
		phone, err := lookup(fctx)
		if err != nil {
			return "", err
		}
		if err := c.Set(key, phone, location); err != nil {
			c.logger.Warn("persist phone cache failed", zap.String("company", key), zap.Error(err))
		}
		return phone, nil
	})
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("wait for phone lookup: %w", ctx.Err())
	case res := <-flight:
		if res.Err != nil {
			return "", res.Err
		}
		phone, _ := res.Val.(string)
		return phone, nil
	}
}

// Clear drops every entry and persists the empty cache.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Entry)
	return c.persistLocked()
}

// Stats returns entry counts plus hit and lookup totals for this process.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := CacheStats{Total: len(c.entries), Hits: c.hits.Load(), Lookups: c.lookups.Load()}
	for _, e := range c.entries {
		if e.Phone != "" {
			st.WithPhone++
		}
	}
	st.WithoutPhone = st.Total - st.WithPhone
	return st
}

// Path returns the backing file.
func (c *Cache) Path() string { return c.path }

func (c *Cache) persistLocked() error {
	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal phone cache: %w", err)
	}
	if err := local.WriteFileAtomic(c.path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write phone cache: %w", err)
	}
	return nil
}
