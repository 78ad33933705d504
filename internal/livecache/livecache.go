package livecache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"
)

const (
	LatestTTL = time.Hour
	EventTTL  = 24 * time.Hour

	latestPrefix = "attendance:latest:"
	eventPrefix  = "attendance:event:"
)

// Cache mirrors recent attendance events into Redis for real-time readers.
type Cache struct {
	client *redis.Client
}

func New(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// SetLatest stores v as the user's most recent event.
func (c *Cache) SetLatest(ctx context.Context, userID string, v any) error {
	return c.set(ctx, latestPrefix+userID, v, LatestTTL)
}

// SetEvent stores v under its event id.
func (c *Cache) SetEvent(ctx context.Context, eventID string, v any) error {
	return c.set(ctx, eventPrefix+eventID, v, EventTTL)
}

// Latest returns the raw JSON of the user's most recent event, or nil.
func (c *Cache) Latest(ctx context.Context, userID string) (json.RawMessage, error) {
	raw, err := c.client.Get(ctx, latestPrefix+userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("get latest for %s: %w", userID, err)
	}
	return raw, nil
}

func (c *Cache) set(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return xerrors.Errorf("encode %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return xerrors.Errorf("set %s: %w", key, err)
	}
	return nil
}
