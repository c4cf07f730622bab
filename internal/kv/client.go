// Package kv wraps the shared key/value substrate (go-redis) with the
// atomic counters, sorted-set primitives, and scripted transactions every
// other component layers on top of.
package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrTransient wraps any connection-level failure talking to the substrate.
// Callers map it to the substrate-transient error kind and decide fail-open
// vs fail-closed per their own policy.
var ErrTransient = errors.New("kv: substrate transient error")

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// Client is the minimal substrate contract every other component depends
// on: atomic get/set/incr/expire, sorted-set primitives (no other
// component calls them), pipelines for cross-period atomic increments,
// and scripted transactions for the quota accountant's cooldown races.
type Client interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)

	ZAdd(ctx context.Context, key string, score float64, member string, ttl time.Duration) error
	ZIncrBy(ctx context.Context, key string, delta float64, member string) (float64, error)
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error

	// Pipelined runs fn against a batch that is flushed atomically with a
	// single round trip; used for cross-period counter increments (§4.9).
	Pipelined(ctx context.Context, fn func(Pipeline) error) error

	// EvalCAS runs a Lua script for operations that must observe
	// check-and-set semantics (alert cooldowns, quota block state).
	EvalCAS(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)

	// Scan iterates keys matching pattern in bounded batches, never via a
	// blocking full-keyspace enumeration.
	Scan(ctx context.Context, pattern string, batchSize int64, fn func(keys []string) error) error

	HealthCheck(ctx context.Context) error
	Close() error
}

// Pipeline is the batch-operation handle passed to Pipelined.
type Pipeline interface {
	IncrBy(key string, delta int64, ttl time.Duration)
	Set(key string, value []byte, ttl time.Duration)
}

// RedisClient implements Client over go-redis v9, following the same
// connection-option shape as the teacher's GoRedisAdapter.
type RedisClient struct {
	rdb *redis.Client
}

// New dials the substrate and verifies connectivity before returning.
func New(url string, poolSize int) (*RedisClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		opts = &redis.Options{Addr: url}
	}
	if poolSize > 0 {
		opts.PoolSize = poolSize
	}
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", ErrTransient, opts.Addr, err)
	}

	slog.Info("kv: connected", "addr", opts.Addr, "pool_size", opts.PoolSize)
	return &RedisClient{rdb: rdb}, nil
}

func (c *RedisClient) Close() error { return c.rdb.Close() }

func (c *RedisClient) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, transient(err)
	}
	return val, nil
}

func (c *RedisClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return transient(err)
	}
	return nil
}

func (c *RedisClient) Del(ctx context.Context, keys ...string) error {
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return transient(err)
	}
	return nil
}

func (c *RedisClient) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return c.IncrBy(ctx, key, 1, ttl)
}

func (c *RedisClient) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	pipe := c.rdb.TxPipeline()
	incr := pipe.IncrBy(ctx, key, delta)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, transient(err)
	}
	return incr.Val(), nil
}

func (c *RedisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return transient(err)
	}
	return nil
}

func (c *RedisClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := c.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, transient(err)
	}
	return d, nil
}

func (c *RedisClient) ZAdd(ctx context.Context, key string, score float64, member string, ttl time.Duration) error {
	pipe := c.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return transient(err)
	}
	return nil
}

func (c *RedisClient) ZIncrBy(ctx context.Context, key string, delta float64, member string) (float64, error) {
	v, err := c.rdb.ZIncrBy(ctx, key, delta, member).Result()
	if err != nil {
		return 0, transient(err)
	}
	return v, nil
}

func (c *RedisClient) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	res, err := c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%f", min),
		Max: fmt.Sprintf("%f", max),
	}).Result()
	if err != nil {
		return nil, transient(err)
	}
	return res, nil
}

func (c *RedisClient) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	if err := c.rdb.ZRemRangeByScore(ctx, key, fmt.Sprintf("%f", min), fmt.Sprintf("%f", max)).Err(); err != nil {
		return transient(err)
	}
	return nil
}

type redisPipeline struct {
	pipe redis.Pipeliner
	ctx  context.Context
}

func (p *redisPipeline) IncrBy(key string, delta int64, ttl time.Duration) {
	p.pipe.IncrBy(p.ctx, key, delta)
	p.pipe.Expire(p.ctx, key, ttl)
}

func (p *redisPipeline) Set(key string, value []byte, ttl time.Duration) {
	p.pipe.Set(p.ctx, key, value, ttl)
}

func (c *RedisClient) Pipelined(ctx context.Context, fn func(Pipeline) error) error {
	pipe := c.rdb.TxPipeline()
	wrapped := &redisPipeline{pipe: pipe, ctx: ctx}
	if err := fn(wrapped); err != nil {
		return err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return transient(err)
	}
	return nil
}

func (c *RedisClient) EvalCAS(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	res, err := c.rdb.Eval(ctx, script, keys, args...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, transient(err)
	}
	return res, nil
}

func (c *RedisClient) Scan(ctx context.Context, pattern string, batchSize int64, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, batchSize).Result()
		if err != nil {
			return transient(err)
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}

func (c *RedisClient) HealthCheck(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return transient(err)
	}
	return nil
}

func transient(err error) error {
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
