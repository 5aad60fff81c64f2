package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DedupStore remembers recently seen event ids. Processors deliver
// at-least-once, so the store only needs to hold ids for the redelivery
// window; downstream handlers stay idempotent either way.
type DedupStore interface {
	// MarkSeen records the event id and reports whether it was already
	// present.
	MarkSeen(ctx context.Context, eventID string) (bool, error)
}

// RedisDedup shares the seen-set across api-service replicas.
type RedisDedup struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDedup creates a Redis-backed dedup store. Entries expire after
// ttl.
func NewRedisDedup(client *redis.Client, ttl time.Duration) *RedisDedup {
	return &RedisDedup{client: client, ttl: ttl}
}

func (d *RedisDedup) MarkSeen(ctx context.Context, eventID string) (bool, error) {
	set, err := d.client.SetNX(ctx, "webhook:seen:"+eventID, 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup mark seen: %w", err)
	}
	return !set, nil
}

// LRUDedup is the single-instance fallback when Redis is not configured.
// The LRU bound keeps memory flat under a retry storm.
type LRUDedup struct {
	cache *lru.Cache[string, struct{}]
}

// NewLRUDedup creates an in-process dedup store holding up to size ids.
func NewLRUDedup(size int) (*LRUDedup, error) {
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &LRUDedup{cache: cache}, nil
}

func (d *LRUDedup) MarkSeen(_ context.Context, eventID string) (bool, error) {
	seen, _ := d.cache.ContainsOrAdd(eventID, struct{}{})
	return seen, nil
}
