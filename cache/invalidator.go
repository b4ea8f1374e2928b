package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// InvalidationChannel is the Redis Pub/Sub channel that carries cache
// invalidations between API instances and workers.
const InvalidationChannel = "decormarket:cache:invalidate"

// Message is one invalidation signal. All takes precedence over Pattern.
type Message struct {
	Origin  string `json:"origin"`
	Pattern string `json:"pattern,omitempty"`
	All     bool   `json:"all,omitempty"`
}

// Invalidator publishes local invalidations to Redis and applies the ones
// published by other processes to a local cache.
type Invalidator struct {
	local  Clearer // nil for publish-only processes
	client *redis.Client
	id     string
	log    zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

// NewInvalidator creates an invalidator. local may be nil when the process
// only publishes (the worker).
func NewInvalidator(local Clearer, client *redis.Client, log zerolog.Logger) *Invalidator {
	return &Invalidator{
		local:  local,
		client: client,
		id:     uuid.NewString(),
		log:    log,
	}
}

// ID identifies this process in published messages
func (iv *Invalidator) ID() string {
	return iv.id
}

// Start listens for invalidation signals. It blocks until ctx is cancelled
// or Close is called.
func (iv *Invalidator) Start(ctx context.Context) {
	subCtx, cancel := context.WithCancel(ctx)
	iv.mu.Lock()
	if iv.closed {
		iv.mu.Unlock()
		cancel()
		return
	}
	iv.cancel = cancel
	iv.mu.Unlock()

	pubsub := iv.client.Subscribe(subCtx, InvalidationChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-subCtx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			iv.apply(msg.Payload)
		}
	}
}

// apply decodes payload and clears the local cache. It reports whether the
// local cache was touched.
func (iv *Invalidator) apply(payload string) bool {
	var m Message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		iv.log.Warn().Err(err).Str("payload", payload).Msg("bad invalidation message")
		return false
	}
	if m.Origin == iv.id || iv.local == nil {
		return false
	}
	switch {
	case m.All:
		iv.local.ClearAll()
	case m.Pattern != "":
		iv.local.ClearByPattern(m.Pattern)
	default:
		return false
	}
	iv.log.Debug().Str("origin", m.Origin).Str("pattern", m.Pattern).Bool("all", m.All).Msg("applied remote invalidation")
	return true
}

// PublishPattern tells other processes to drop entries matching pattern
func (iv *Invalidator) PublishPattern(ctx context.Context, pattern string) error {
	if pattern == "" {
		return errors.New("cache: empty invalidation pattern")
	}
	return iv.publish(ctx, Message{Origin: iv.id, Pattern: pattern})
}

// PublishAll tells other processes to clear their caches
func (iv *Invalidator) PublishAll(ctx context.Context) error {
	return iv.publish(ctx, Message{Origin: iv.id, All: true})
}

func (iv *Invalidator) publish(ctx context.Context, m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return iv.client.Publish(ctx, InvalidationChannel, b).Err()
}

// Close stops the listener
func (iv *Invalidator) Close() error {
	iv.mu.Lock()
	defer iv.mu.Unlock()
	if iv.closed {
		return nil
	}
	iv.closed = true
	if iv.cancel != nil {
		iv.cancel()
	}
	return nil
}
