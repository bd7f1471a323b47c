package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/robertarktes/day-dedications/internal/domain"
)

const settingsKey = "dd:settings"

type Cache struct {
	client *redis.Client
}

func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func (c *Cache) Client() *redis.Client {
	return c.client
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// GetSettings returns the cached settings singleton, if any.
func (c *Cache) GetSettings(ctx context.Context) (domain.Settings, bool, error) {
	val, err := c.client.Get(ctx, settingsKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Settings{}, false, nil
	}
	if err != nil {
		return domain.Settings{}, false, errors.Wrap(err, "get cached settings")
	}
	var s domain.Settings
	if err := json.Unmarshal(val, &s); err != nil {
		// Unreadable entries are treated as a miss and overwritten later.
		return domain.Settings{}, false, nil
	}
	return s, true, nil
}

func (c *Cache) SetSettings(ctx context.Context, s domain.Settings, ttl time.Duration) error {
	data, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "encode settings")
	}
	return c.client.Set(ctx, settingsKey, data, ttl).Err()
}

func (c *Cache) InvalidateSettings(ctx context.Context) error {
	return c.client.Del(ctx, settingsKey).Err()
}
