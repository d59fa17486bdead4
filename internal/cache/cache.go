package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/researchops/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// JobViews caches the status view of a job so status reads skip the database.
// The store stays authoritative; a cache miss or error falls through to it.
type JobViews struct {
	cache Cache
	ttl   time.Duration
}

func NewJobViews(c Cache, ttl time.Duration) *JobViews {
	return &JobViews{cache: c, ttl: ttl}
}

func (v *JobViews) Put(ctx context.Context, view models.JobView) error {
	b, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("encoding job view: %w", err)
	}
	return v.cache.Set(ctx, JobViewKey(view.ID), b, v.ttl)
}

func (v *JobViews) Get(ctx context.Context, id uuid.UUID) (*models.JobView, bool, error) {
	b, ok, err := v.cache.Get(ctx, JobViewKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	var view models.JobView
	if err := json.Unmarshal(b, &view); err != nil {
		return nil, false, fmt.Errorf("decoding job view: %w", err)
	}
	return &view, true, nil
}

func (v *JobViews) Invalidate(ctx context.Context, id uuid.UUID) error {
	return v.cache.Delete(ctx, JobViewKey(id))
}

// SyncSlots persists the results of synchronous provider calls. It satisfies
// syncjob.SlotStore.
type SyncSlots struct {
	cache Cache
	ttl   time.Duration
}

func NewSyncSlots(c Cache, ttl time.Duration) *SyncSlots {
	return &SyncSlots{cache: c, ttl: ttl}
}

func (s *SyncSlots) SetResult(ctx context.Context, id string, res models.PollResult) error {
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encoding sync result: %w", err)
	}
	return s.cache.Set(ctx, SyncResultKey(id), b, s.ttl)
}

func (s *SyncSlots) GetResult(ctx context.Context, id string) (*models.PollResult, error) {
	b, ok, err := s.cache.Get(ctx, SyncResultKey(id))
	if err != nil || !ok {
		return nil, err
	}
	var res models.PollResult
	if err := json.Unmarshal(b, &res); err != nil {
		return nil, fmt.Errorf("decoding sync result: %w", err)
	}
	return &res, nil
}
