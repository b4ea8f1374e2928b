package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTTL is how long a stored response stays fresh
	DefaultTTL = 5 * time.Minute
	// DefaultSweepInterval is how often Run removes stale entries
	DefaultSweepInterval = 10 * time.Minute
)

// ErrProducerPanicked wraps the value of a producer that panicked
var ErrProducerPanicked = errors.New("cache: producer panicked")

// RequestCache caches API responses by request key and makes sure only one
// request per key is in flight at a time.
type RequestCache struct {
	mu      sync.Mutex
	entries map[string]*Entry
	pending map[string]uint64 // key -> seq of the registered in-flight fetch
	seq     uint64
	group   singleflight.Group

	ttl time.Duration
	now func() time.Time
	log zerolog.Logger

	hits, misses, fetches, shared, failures, invalidated, swept atomic.Uint64
}

// Option configures a RequestCache
type Option func(*RequestCache)

// WithTTL sets the default freshness window used when Store gets no ttl
func WithTTL(ttl time.Duration) Option {
	return func(c *RequestCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, mostly for tests
func WithClock(now func() time.Time) Option {
	return func(c *RequestCache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger used for fetch and invalidation events
func WithLogger(l zerolog.Logger) Option {
	return func(c *RequestCache) { c.log = l }
}

// New creates an empty RequestCache
func New(opts ...Option) *RequestCache {
	c := &RequestCache{
		entries: make(map[string]*Entry),
		pending: make(map[string]uint64),
		ttl:     DefaultTTL,
		now:     time.Now,
		log:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// TTL returns the default freshness window
func (c *RequestCache) TTL() time.Duration {
	return c.ttl
}

// Lookup implements Reader. Keys that cannot be derived are reported as absent.
func (c *RequestCache) Lookup(path string, params Params) (json.RawMessage, bool) {
	key, err := KeyFor(path, params)
	if err != nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.freshLocked(key)
}

// Store implements Writer
func (c *RequestCache) Store(path string, params Params, value json.RawMessage, ttl time.Duration) error {
	key, err := KeyFor(path, params)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.storeLocked(key, value, ttl, c.seq)
	return nil
}

// Deduplicate returns the fresh cached body for path and params, or joins the
// request already in flight for the same key, or calls producer and caches
// its result. Producer errors are returned unchanged and are never cached.
//
// A caller whose ctx is done stops waiting and gets ctx.Err(); the producer
// keeps running for the remaining callers.
func (c *RequestCache) Deduplicate(ctx context.Context, path string, params Params, producer Producer) (json.RawMessage, error) {
	key, err := KeyFor(path, params)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	body, ok := c.freshLocked(key)
	c.mu.Unlock()
	if ok {
		c.hits.Add(1)
		return body, nil
	}
	c.misses.Add(1)

	fetchCtx := context.WithoutCancel(ctx)
	var leader atomic.Bool
	ch := c.group.DoChan(key, func() (any, error) {
		leader.Store(true)
		return c.fetch(fetchCtx, key, producer)
	})

	select {
	case res := <-ch:
		if res.Shared && !leader.Load() {
			c.shared.Add(1)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(json.RawMessage), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fetch runs inside the singleflight call for key
func (c *RequestCache) fetch(ctx context.Context, key string, producer Producer) (json.RawMessage, error) {
	c.mu.Lock()
	if body, ok := c.freshLocked(key); ok {
		c.mu.Unlock()
		return body, nil
	}
	c.seq++
	seq := c.seq
	c.pending[key] = seq
	c.mu.Unlock()

	c.fetches.Add(1)
	c.log.Debug().Str("key", key).Uint64("seq", seq).Msg("cache miss, fetching")

	body, err := produce(ctx, producer)

	c.mu.Lock()
	defer c.mu.Unlock()

	current := c.pending[key] == seq
	if current {
		delete(c.pending, key)
	}
	if err != nil {
		c.failures.Add(1)
		c.log.Debug().Err(err).Str("key", key).Msg("fetch failed")
		return nil, err
	}
	if !current {
		// cleared while in flight
		c.log.Debug().Str("key", key).Uint64("seq", seq).Msg("dropping invalidated result")
		return body, nil
	}
	c.storeLocked(key, body, 0, seq)
	return body, nil
}

// produce calls producer and turns a panic into an error so the pending
// registration is still released and every waiter sees the failure.
func produce(ctx context.Context, producer Producer) (body json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			body, err = nil, fmt.Errorf("%w: %v", ErrProducerPanicked, r)
		}
	}()
	return producer(ctx)
}

// ClearAll implements Clearer. Requests still in flight complete for their
// current waiters but their results are not stored.
func (c *RequestCache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.entries)
	for key := range c.pending {
		c.group.Forget(key)
	}
	c.entries = make(map[string]*Entry)
	c.pending = make(map[string]uint64)
	c.invalidated.Add(uint64(n))
	c.log.Info().Int("removed", n).Msg("cache cleared")
}

// ClearByPattern implements Clearer. In-flight requests whose key matches
// are detached as well so they cannot repopulate the cache with data read
// before the write that triggered the invalidation.
func (c *RequestCache) ClearByPattern(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key := range c.entries {
		if strings.Contains(key, pattern) {
			delete(c.entries, key)
			n++
		}
	}
	for key := range c.pending {
		if strings.Contains(key, pattern) {
			delete(c.pending, key)
			c.group.Forget(key)
		}
	}
	c.invalidated.Add(uint64(n))
	c.log.Info().Str("pattern", pattern).Int("removed", n).Msg("cache invalidated")
	return n
}

// SweepExpired removes every entry that is no longer fresh
func (c *RequestCache) SweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for key, e := range c.entries {
		if !e.Fresh(now) {
			delete(c.entries, key)
			n++
		}
	}
	c.swept.Add(uint64(n))
	return n
}

// Run sweeps expired entries every interval until ctx is done.
// A non-positive interval uses DefaultSweepInterval.
func (c *RequestCache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.SweepExpired(); n > 0 {
				c.log.Debug().Int("removed", n).Msg("swept expired entries")
			}
		}
	}
}

// Stats is a point-in-time snapshot of cache counters
type Stats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Fetches     uint64 `json:"fetches"`
	Shared      uint64 `json:"shared"`
	Failures    uint64 `json:"failures"`
	Invalidated uint64 `json:"invalidated"`
	Swept       uint64 `json:"swept"`
	Entries     int    `json:"entries"`
	InFlight    int    `json:"in_flight"`
}

// Stats returns current counters
func (c *RequestCache) Stats() Stats {
	c.mu.Lock()
	entries, inFlight := len(c.entries), len(c.pending)
	c.mu.Unlock()
	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Fetches:     c.fetches.Load(),
		Shared:      c.shared.Load(),
		Failures:    c.failures.Load(),
		Invalidated: c.invalidated.Load(),
		Swept:       c.swept.Load(),
		Entries:     entries,
		InFlight:    inFlight,
	}
}

func (c *RequestCache) freshLocked(key string) (json.RawMessage, bool) {
	e, ok := c.entries[key]
	if !ok || !e.Fresh(c.now()) {
		return nil, false
	}
	return e.Body, true
}

func (c *RequestCache) storeLocked(key string, value json.RawMessage, ttl time.Duration, seq uint64) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	if cur, ok := c.entries[key]; ok && cur.seq > seq {
		return
	}
	c.entries[key] = &Entry{Body: value, StoredAt: c.now(), TTL: ttl, seq: seq}
}

var _ Cache = (*RequestCache)(nil)
