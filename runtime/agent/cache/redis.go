package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Cache implementation backed by a shared Redis instance, for
// deployments that run multiple worker processes against one logical
// cache (spec §5's "cache may be shared across workers" case). Get/Put
// rely on Redis's own atomicity for linearizability instead of a local
// mutex; Invalidate uses a tag index set per tag so a single mutating
// action can drop every tagged entry without a full key scan.
type Redis struct {
	client redisClient
	prefix string
	ttlSet bool

	hits          int64
	misses        int64
	evictions     int64
	invalidations int64
}

// redisClient narrows the go-redis client to the handful of commands this
// cache needs, so tests can substitute a fake without a live server.
type redisClient interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
}

// NewRedis constructs a Redis-backed cache using client as the
// underlying connection and prefix to namespace keys (useful for
// multi-tenant deployments, matching the teacher lineage's own
// Redis-backed cache convention).
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: &goredisAdapter{client: client}, prefix: prefix}
}

type goredisAdapter struct{ client *redis.Client }

func (a *goredisAdapter) Get(ctx context.Context, key string) (string, error) {
	v, err := a.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", errCacheMiss
	}
	return v, err
}

func (a *goredisAdapter) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return a.client.Set(ctx, key, value, ttl).Err()
}

func (a *goredisAdapter) Del(ctx context.Context, keys ...string) (int64, error) {
	return a.client.Del(ctx, keys...).Result()
}

func (a *goredisAdapter) SAdd(ctx context.Context, key string, members ...string) error {
	return a.client.SAdd(ctx, key, toAny(members)...).Err()
}

func (a *goredisAdapter) SMembers(ctx context.Context, key string) ([]string, error) {
	return a.client.SMembers(ctx, key).Result()
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

var errCacheMiss = fmt.Errorf("cache: miss")

type redisEnvelope struct {
	Value any      `json:"value"`
	Tags  []string `json:"tags"`
}

func (c *Redis) namespacedKey(key string) string { return c.prefix + "entry:" + key }
func (c *Redis) tagKey(tag string) string        { return c.prefix + "tag:" + tag }

// Get implements Cache. Redis's own TTL handles expiry; a key absent from
// Redis is indistinguishable from an invalidated or expired one, matching
// the in-memory implementation's externally observable behavior.
func (c *Redis) Get(key string) (any, bool) {
	ctx := context.Background()
	raw, err := c.client.Get(ctx, c.namespacedKey(key))
	if err != nil {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	var env redisEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	atomic.AddInt64(&c.hits, 1)
	return env.Value, true
}

// Put implements Cache, indexing key under each tag's Redis set so
// Invalidate can find it without scanning every key.
func (c *Redis) Put(key string, value any, ttl time.Duration, tags ...string) {
	ctx := context.Background()
	data, err := json.Marshal(redisEnvelope{Value: value, Tags: tags})
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, c.namespacedKey(key), string(data), ttl)
	for _, tag := range tags {
		_ = c.client.SAdd(ctx, c.tagKey(tag), key)
	}
}

// Invalidate implements Cache by unioning the tag index sets and deleting
// every indexed key.
func (c *Redis) Invalidate(tags ...string) int {
	ctx := context.Background()
	seen := make(map[string]struct{})
	for _, tag := range tags {
		members, err := c.client.SMembers(ctx, c.tagKey(tag))
		if err != nil {
			continue
		}
		for _, m := range members {
			seen[m] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return 0
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, c.namespacedKey(k))
	}
	n, err := c.client.Del(ctx, keys...)
	if err != nil {
		return 0
	}
	atomic.AddInt64(&c.invalidations, n)
	return int(n)
}

// Stats implements Cache using the process-local counters. Size is not
// reported for the Redis backend (0) since computing it would require an
// unbounded SCAN across the namespace.
func (c *Redis) Stats() Stats {
	return Stats{
		HitCount:      atomic.LoadInt64(&c.hits),
		MissCount:     atomic.LoadInt64(&c.misses),
		Evictions:     atomic.LoadInt64(&c.evictions),
		Invalidations: atomic.LoadInt64(&c.invalidations),
	}
}
