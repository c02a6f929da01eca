package escalation

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Suppressor decides whether an escalation key may fire again. Allow returns
// false while the key is still inside its dedup window. A window of zero or
// less disables dedup.
type Suppressor interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// MemorySuppressor keeps dedup keys in a process-local expiring cache
type MemorySuppressor struct {
	cache  *cache.Cache
	window time.Duration
}

func NewMemorySuppressor(window time.Duration) *MemorySuppressor {
	return &MemorySuppressor{
		cache:  cache.New(window, 2*window),
		window: window,
	}
}

func (s *MemorySuppressor) Allow(_ context.Context, key string) (bool, error) {
	if s.window <= 0 {
		return true, nil
	}
	// Add fails when the key exists and has not expired.
	if err := s.cache.Add(key, struct{}{}, s.window); err != nil {
		return false, nil
	}
	return true, nil
}

// RedisSuppressor shares dedup keys across replicas
type RedisSuppressor struct {
	client redis.UniversalClient
	window time.Duration
	prefix string
}

func NewRedisSuppressor(client redis.UniversalClient, window time.Duration) *RedisSuppressor {
	return &RedisSuppressor{client: client, window: window, prefix: "guarddog:dedup:"}
}

func (s *RedisSuppressor) Allow(ctx context.Context, key string) (bool, error) {
	if s.window <= 0 {
		return true, nil
	}
	ok, err := s.client.SetNX(ctx, s.prefix+key, 1, s.window).Result()
	if err != nil {
		return true, fmt.Errorf("failed to check dedup key: %w", err)
	}
	return ok, nil
}
