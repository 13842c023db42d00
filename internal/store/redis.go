package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"geocache/internal/codec"
	"geocache/internal/core"
)

const (
	// DefaultRedisPrefix namespaces every engine key in Redis.
	DefaultRedisPrefix = "geocache"

	// redisExpiryGrace keeps expired entries physically present for one
	// more sweep so the invalidation engine can record the expiry reason
	// before Redis drops the key.
	redisExpiryGrace = time.Hour
)

// RedisConfig holds shared-layer connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (e.g., "redis://localhost:6379").
	URL string

	// Prefix namespaces engine keys (defaults to "geocache").
	Prefix string
}

// RedisBackend stores the shared layer in Redis, for multi-instance
// deployments where several nodes read the same warm set. Hit/miss
// counters live in Redis hashes so increments are atomic server-side.
type RedisBackend struct {
	client *redis.Client
	prefix string
	codec  *codec.Codec
}

// NewRedisBackend connects and verifies the Redis client.
func NewRedisBackend(cfg RedisConfig, c *codec.Codec) (*RedisBackend, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if c == nil {
		c = codec.New(0)
	}

	slog.Info("redis shared layer connected", "prefix", prefix)

	return &RedisBackend{client: client, prefix: prefix, codec: c}, nil
}

// Layer returns core.LayerShared.
func (b *RedisBackend) Layer() core.Layer { return core.LayerShared }

func (b *RedisBackend) entryKey(key string) string { return b.prefix + ":entry:" + key }
func (b *RedisBackend) tagKey(tag string) string   { return b.prefix + ":tag:" + tag }
func (b *RedisBackend) hitsKey() string            { return b.prefix + ":hits" }
func (b *RedisBackend) missesKey() string          { return b.prefix + ":misses" }
func (b *RedisBackend) accessedKey() string        { return b.prefix + ":accessed" }

// redisEntry is the stored form; counters and last-access live in hashes
// so they can be incremented without rewriting the entry blob.
type redisEntry struct {
	Entry  *core.CacheEntry `json:"entry"`
	Stored []byte           `json:"stored_payload"`
}

// Get returns the entry with counters merged in, or ErrNotFound.
func (b *RedisBackend) Get(ctx context.Context, key string) (*core.CacheEntry, error) {
	data, err := b.client.Get(ctx, b.entryKey(key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get entry from redis: %w", err)
	}

	var rec redisEntry
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse entry from redis: %w", err)
	}
	payload, err := b.codec.Decode(rec.Stored)
	if err != nil {
		return nil, err
	}
	entry := *rec.Entry
	entry.Payload = payload

	// Merge live counters.
	pipe := b.client.Pipeline()
	hits := pipe.HGet(ctx, b.hitsKey(), key)
	misses := pipe.HGet(ctx, b.missesKey(), key)
	accessed := pipe.HGet(ctx, b.accessedKey(), key)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("read counters from redis: %w", err)
	}
	if v, err := hits.Int64(); err == nil {
		entry.HitCount = v
	}
	if v, err := misses.Int64(); err == nil {
		entry.MissCount = v
	}
	if v, err := accessed.Int64(); err == nil {
		entry.LastAccessedAt = time.Unix(v, 0).UTC()
	}
	return &entry, nil
}

// Put upserts the entry and refreshes the tag index. The Redis TTL runs
// past the logical expiry so the sweep sees the row first.
func (b *RedisBackend) Put(ctx context.Context, entry *core.CacheEntry) error {
	stored, err := b.codec.Encode(entry.Payload)
	if err != nil {
		return err
	}
	cp := *entry
	cp.Payload = nil
	data, err := json.Marshal(&redisEntry{Entry: &cp, Stored: stored})
	if err != nil {
		return fmt.Errorf("marshal entry for redis: %w", err)
	}

	ttl := time.Until(entry.ExpiresAt) + redisExpiryGrace

	pipe := b.client.Pipeline()
	pipe.Set(ctx, b.entryKey(entry.Key), data, ttl)
	pipe.HSet(ctx, b.hitsKey(), entry.Key, entry.HitCount)
	pipe.HSet(ctx, b.missesKey(), entry.Key, entry.MissCount)
	pipe.HSet(ctx, b.accessedKey(), entry.Key, entry.LastAccessedAt.Unix())
	for _, tag := range entry.InvalidationTags {
		pipe.SAdd(ctx, b.tagKey(tag), entry.Key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set entry in redis: %w", err)
	}
	return nil
}

// Touch updates last_accessed_at without altering counters.
func (b *RedisBackend) Touch(ctx context.Context, key string, at time.Time) error {
	exists, err := b.client.Exists(ctx, b.entryKey(key)).Result()
	if err != nil {
		return fmt.Errorf("touch entry in redis: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	if err := b.client.HSet(ctx, b.accessedKey(), key, at.Unix()).Err(); err != nil {
		return fmt.Errorf("touch entry in redis: %w", err)
	}
	return nil
}

// Delete removes the entry, its counters and tag index memberships.
func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	// Read tags first so the index stays consistent.
	var tags []string
	if data, err := b.client.Get(ctx, b.entryKey(key)).Bytes(); err == nil {
		var rec redisEntry
		if json.Unmarshal(data, &rec) == nil && rec.Entry != nil {
			tags = rec.Entry.InvalidationTags
		}
	}

	pipe := b.client.Pipeline()
	pipe.Del(ctx, b.entryKey(key))
	pipe.HDel(ctx, b.hitsKey(), key)
	pipe.HDel(ctx, b.missesKey(), key)
	pipe.HDel(ctx, b.accessedKey(), key)
	for _, tag := range tags {
		pipe.SRem(ctx, b.tagKey(tag), key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete entry from redis: %w", err)
	}
	return nil
}

// List scans the entry keyspace and filters client-side. The shared layer
// holds the warm working set, so the scan stays small.
func (b *RedisBackend) List(ctx context.Context, f Filter) ([]*core.CacheEntry, error) {
	var out []*core.CacheEntry
	iter := b.client.Scan(ctx, 0, b.entryKey("*"), 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()[len(b.entryKey("")):]
		entry, err := b.Get(ctx, key)
		if err != nil {
			if err == ErrNotFound {
				continue // evicted mid-scan
			}
			return nil, err
		}
		if f.Matches(entry) {
			out = append(out, entry)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan redis entries: %w", err)
	}
	return out, nil
}

// RecordHit atomically increments the hit counter server-side.
func (b *RedisBackend) RecordHit(ctx context.Context, key string, at time.Time) error {
	pipe := b.client.Pipeline()
	pipe.HIncrBy(ctx, b.hitsKey(), key, 1)
	pipe.HSet(ctx, b.accessedKey(), key, at.Unix())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record hit in redis: %w", err)
	}
	return nil
}

// RecordMiss atomically increments the miss counter server-side.
func (b *RedisBackend) RecordMiss(ctx context.Context, key string, at time.Time) error {
	pipe := b.client.Pipeline()
	pipe.HIncrBy(ctx, b.missesKey(), key, 1)
	pipe.HSet(ctx, b.accessedKey(), key, at.Unix())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record miss in redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (b *RedisBackend) Close() error {
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

var _ Backend = (*RedisBackend)(nil)
