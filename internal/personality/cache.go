package personality

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned by KV implementations for absent keys.
var ErrCacheMiss = errors.New("cache miss")

// KV is the key/value slice of a cache backend the store needs.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// RedisKV adapts a go-redis client to the KV interface.
type RedisKV struct {
	client *redis.Client
}

// NewRedisKV wraps an existing Redis client.
func NewRedisKV(client *redis.Client) *RedisKV {
	return &RedisKV{client: client}
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrCacheMiss
	}
	return val, err
}

func (r *RedisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisKV) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// CachedStore is a read-through cache in front of a Store. Personality
// definitions change rarely and every generation job reads one, so
// caching keeps SQLite off the hot path when multiple workers share a
// Redis instance. Cache failures fall through to the backing store and
// are logged, never surfaced.
type CachedStore struct {
	backing Store
	kv      KV
	ttl     time.Duration
	logger  *slog.Logger
}

// NewCachedStore wraps a store with a KV cache.
func NewCachedStore(backing Store, kv KV, ttl time.Duration, logger *slog.Logger) *CachedStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{
		backing: backing,
		kv:      kv,
		ttl:     ttl,
		logger:  logger.With("component", "personality_cache"),
	}
}

func personalityKey(id string) string { return "tzurot:personality:" + id }
func personaKey(userID string) string { return "tzurot:persona:" + userID }

// Personality returns a cached definition when available, loading and
// caching from the backing store otherwise.
func (c *CachedStore) Personality(ctx context.Context, id string) (*Personality, error) {
	key := personalityKey(id)
	if cached, err := c.kv.Get(ctx, key); err == nil {
		p := &Personality{}
		if err := json.Unmarshal([]byte(cached), p); err == nil {
			return p, nil
		}
		c.logger.Warn("corrupt cached personality, reloading", "id", id)
	} else if !errors.Is(err, ErrCacheMiss) {
		c.logger.Warn("personality cache read failed", "id", id, "error", err)
	}

	p, err := c.backing.Personality(ctx, id)
	if err != nil {
		return nil, err
	}

	c.put(ctx, key, p)
	return p, nil
}

// PersonaForUser returns a cached persona when available. The "no
// persona" case is cached too, as an empty value, so absent personas do
// not hit the backing store on every message.
func (c *CachedStore) PersonaForUser(ctx context.Context, userID string) (*Persona, error) {
	key := personaKey(userID)
	if cached, err := c.kv.Get(ctx, key); err == nil {
		if cached == "" {
			return nil, nil
		}
		p := &Persona{}
		if err := json.Unmarshal([]byte(cached), p); err == nil {
			return p, nil
		}
		c.logger.Warn("corrupt cached persona, reloading", "userID", userID)
	} else if !errors.Is(err, ErrCacheMiss) {
		c.logger.Warn("persona cache read failed", "userID", userID, "error", err)
	}

	p, err := c.backing.PersonaForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if p == nil {
		if err := c.kv.Set(ctx, key, "", c.ttl); err != nil {
			c.logger.Warn("persona cache write failed", "userID", userID, "error", err)
		}
		return nil, nil
	}

	c.put(ctx, key, p)
	return p, nil
}

func (c *CachedStore) put(ctx context.Context, key string, v any) {
	blob, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.kv.Set(ctx, key, string(blob), c.ttl); err != nil {
		c.logger.Warn("cache write failed", "key", key, "error", err)
	}
}

// Invalidate drops the cached entry for a personality so edits take
// effect before the TTL expires.
func (c *CachedStore) Invalidate(ctx context.Context, id string) {
	if err := c.kv.Del(ctx, personalityKey(id)); err != nil {
		c.logger.Warn("cache invalidation failed", "id", id, "error", err)
	}
}

var _ Store = (*CachedStore)(nil)
