// Package cache provides an in-memory cache for marketplace API reads with
// TTL-based expiration, in-flight request deduplication and substring-based
// invalidation for writes.
package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Entry represents a cached response body with its freshness window
type Entry struct {
	Body     json.RawMessage `json:"body"`
	StoredAt time.Time       `json:"stored_at"`
	TTL      time.Duration   `json:"ttl"`

	// seq orders writes for the same key; older results never replace newer ones
	seq uint64
}

// Fresh reports whether the entry is still usable at now
func (e *Entry) Fresh(now time.Time) bool {
	return now.Sub(e.StoredAt) < e.TTL
}

// Producer performs the underlying request for a cache miss. The context it
// receives is not cancelled when an individual caller stops waiting.
type Producer func(ctx context.Context) (json.RawMessage, error)

// Reader defines the interface for reading cache entries
type Reader interface {
	// Lookup returns the cached body for path and params if it is fresh
	Lookup(path string, params Params) (json.RawMessage, bool)
}

// Writer defines the interface for writing cache entries
type Writer interface {
	// Store inserts or overwrites the entry for path and params.
	// A non-positive ttl uses the cache default.
	Store(path string, params Params, value json.RawMessage, ttl time.Duration) error
}

// Deduplicator collapses concurrent identical reads into one producer call
type Deduplicator interface {
	Deduplicate(ctx context.Context, path string, params Params, producer Producer) (json.RawMessage, error)
}

// Clearer drops cached entries
type Clearer interface {
	// ClearAll empties the cache and forgets in-flight requests
	ClearAll()
	// ClearByPattern removes every entry whose key contains pattern
	ClearByPattern(pattern string) int
}

// Cache is the main interface that combines all cache operations
type Cache interface {
	Reader
	Writer
	Deduplicator
	Clearer
}
