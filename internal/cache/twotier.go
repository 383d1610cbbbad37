// Package cache implements the two-tier cache used by the scoring path: a
// bounded in-process tier in front of a shared Redis tier.
//
// Reads try the local tier, then Redis, repopulating the local tier on a
// shared hit. Writes always go to Redis with an expiry and then to the local
// tier. Redis failures are logged and degrade to a miss or a no-op; they
// never reach the caller. There is no cross-instance invalidation beyond TTL
// expiry, so writers of underlying state must Delete affected keys.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/HanTheDev/risk-scoring-gateway/internal/clock"
	"github.com/HanTheDev/risk-scoring-gateway/internal/logger"
	"github.com/HanTheDev/risk-scoring-gateway/internal/metrics"
)

// Codec converts values to and from their shared-tier encoding.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// JSONCodec is the default codec.
type JSONCodec[V any] struct{}

func (JSONCodec[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec[V]) Decode(b []byte) (V, error) {
	var v V
	err := json.Unmarshal(b, &v)
	return v, err
}

type Options[V any] struct {
	// Name labels metrics and logs.
	Name string
	// Capacity bounds the local tier.
	Capacity int
	// LocalTTL caps how long an entry may live in the local tier.
	LocalTTL time.Duration
	Codec    Codec[V]
	Clock    clock.Clock
	Logger   *logger.Logger
}

// Cache is a TwoTierCache for values of type V.
type Cache[V any] struct {
	name     string
	local    *LocalTier[V]
	remote   *RemoteTier
	codec    Codec[V]
	localTTL time.Duration
	log      *logger.Logger
}

// New builds a cache over remote. remote may be nil for a local-only cache.
func New[V any](remote *RemoteTier, opt Options[V]) *Cache[V] {
	if opt.Codec == nil {
		opt.Codec = JSONCodec[V]{}
	}
	if opt.LocalTTL <= 0 {
		opt.LocalTTL = 30 * time.Second
	}
	if opt.Logger == nil {
		opt.Logger = logger.Named("cache")
	}
	if opt.Name == "" {
		opt.Name = "default"
	}

	local := NewLocalTier[V](opt.Capacity, opt.Clock)
	name := opt.Name
	local.onEvict = func() { metrics.CacheEvictions.WithLabelValues(name).Inc() }

	return &Cache[V]{
		name:     name,
		local:    local,
		remote:   remote,
		codec:    opt.Codec,
		localTTL: opt.LocalTTL,
		log:      opt.Logger,
	}
}

func (c *Cache[V]) Get(ctx context.Context, key string) (V, bool) {
	var zero V
	if v, ok := c.local.Get(key); ok {
		metrics.CacheRequests.WithLabelValues(c.name, "l1", "hit").Inc()
		return v, true
	}
	metrics.CacheRequests.WithLabelValues(c.name, "l1", "miss").Inc()

	if c.remote == nil {
		return zero, false
	}

	raw, ttl, err := c.remote.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.degraded("get", key, err)
		}
		metrics.CacheRequests.WithLabelValues(c.name, "l2", "miss").Inc()
		return zero, false
	}

	v, err := c.codec.Decode(raw)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("dropping undecodable cache entry")
		metrics.CacheRequests.WithLabelValues(c.name, "l2", "miss").Inc()
		return zero, false
	}
	metrics.CacheRequests.WithLabelValues(c.name, "l2", "hit").Inc()

	c.local.Set(key, v, c.capLocal(ttl))
	return v, true
}

// Set writes the shared tier, then the local tier. A non-positive ttl is a no-op.
func (c *Cache[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if c.remote != nil {
		raw, err := c.codec.Encode(value)
		if err != nil {
			c.log.Error().Err(err).Str("key", key).Msg("encode cache value")
			return
		}
		if err := c.remote.Set(ctx, key, raw, ttl); err != nil {
			c.degraded("set", key, err)
		}
	}
	c.local.Set(key, value, c.capLocal(ttl))
}

func (c *Cache[V]) Delete(ctx context.Context, key string) {
	c.local.Delete(key)
	if c.remote == nil {
		return
	}
	if err := c.remote.Delete(ctx, key); err != nil {
		c.degraded("delete", key, err)
	}
}

// Eval runs an atomic script against the shared tier for key and drops the
// local copy of key. Unlike Get/Set the error is returned, so callers can
// tell ErrMiss (script returned nil) from ErrUnavailable.
func (c *Cache[V]) Eval(ctx context.Context, script *redis.Script, key string, args ...any) (any, error) {
	c.local.Delete(key)
	if c.remote == nil {
		return nil, ErrUnavailable
	}
	res, err := c.remote.Eval(ctx, script, []string{key}, args...)
	if err != nil && !errors.Is(err, ErrMiss) {
		c.degraded("eval", key, err)
	}
	return res, err
}

// LocalStats exposes the local tier counters.
func (c *Cache[V]) LocalStats() LocalStats {
	return c.local.Stats()
}

func (c *Cache[V]) capLocal(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > c.localTTL {
		return c.localTTL
	}
	return ttl
}

func (c *Cache[V]) degraded(op, key string, err error) {
	metrics.CacheErrors.WithLabelValues(c.name, op).Inc()
	c.log.Warn().Err(err).Str("op", op).Str("key", key).Msg("shared cache tier degraded")
}
