package realtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultSnapshotKey is where the latest dashboard snapshot lives
const DefaultSnapshotKey = "guarddog:dashboard:snapshot"

// SnapshotCache keeps the latest snapshot in redis so every instance can
// serve it to new clients
type SnapshotCache struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

func NewSnapshotCache(client redis.UniversalClient, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{client: client, key: DefaultSnapshotKey, ttl: ttl}
}

func (c *SnapshotCache) Store(ctx context.Context, data []byte) error {
	if err := c.client.Set(ctx, c.key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	return nil
}

// Load returns nil when nothing is cached
func (c *SnapshotCache) Load(ctx context.Context) ([]byte, error) {
	data, err := c.client.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return data, nil
}
