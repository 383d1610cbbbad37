package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/HanTheDev/risk-scoring-gateway/internal/breaker"
)

var (
	// ErrMiss reports that the shared tier holds no value for a key.
	ErrMiss = errors.New("cache: miss")
	// ErrUnavailable reports that the shared tier was skipped or failed.
	ErrUnavailable = errors.New("cache: shared tier unavailable")
)

// RemoteTier is the shared networked tier. Every call is bounded by timeout
// and guarded by an optional circuit breaker.
type RemoteTier struct {
	client  *redis.Client
	timeout time.Duration
	breaker *breaker.Breaker
}

// NewRedisClient builds a client from a redis:// URL.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opt), nil
}

// NewRemoteTier wraps client. A zero timeout means 50ms.
func NewRemoteTier(client *redis.Client, timeout time.Duration, br *breaker.Breaker) *RemoteTier {
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	return &RemoteTier{client: client, timeout: timeout, breaker: br}
}

// Get returns the raw value and its remaining TTL.
func (r *RemoteTier) Get(ctx context.Context, key string) ([]byte, time.Duration, error) {
	if !r.breaker.Allow() {
		return nil, 0, ErrUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	pipe := r.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		r.breaker.Failure()
		return nil, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	r.breaker.Success()

	val, err := getCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, 0, ErrMiss
	}
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return val, ttlCmd.Val(), nil
}

// Set writes value with a mandatory expiry.
func (r *RemoteTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache: refusing to write %q without expiry", key)
	}
	return r.do(ctx, func(ctx context.Context) error {
		return r.client.Set(ctx, key, value, ttl).Err()
	})
}

func (r *RemoteTier) Delete(ctx context.Context, keys ...string) error {
	return r.do(ctx, func(ctx context.Context) error {
		return r.client.Del(ctx, keys...).Err()
	})
}

// Eval runs script atomically. A nil script reply is reported as ErrMiss.
func (r *RemoteTier) Eval(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error) {
	var out any
	err := r.do(ctx, func(ctx context.Context) error {
		res, err := script.Run(ctx, r.client, keys, args...).Result()
		if errors.Is(err, redis.Nil) {
			return ErrMiss
		}
		out = res
		return err
	})
	return out, err
}

func (r *RemoteTier) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

func (r *RemoteTier) Close() error {
	return r.client.Close()
}

func (r *RemoteTier) do(ctx context.Context, fn func(context.Context) error) error {
	if !r.breaker.Allow() {
		return ErrUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	err := fn(ctx)
	switch {
	case err == nil, errors.Is(err, ErrMiss):
		r.breaker.Success()
		return err
	default:
		r.breaker.Failure()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}
