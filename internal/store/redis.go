package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"
)

// Redis wraps the redis client shared by the live cache and the redis queue.
type Redis struct {
	Client *redis.Client
}

// NewRedis connects to addr with short timeouts and pings it.
func NewRedis(ctx context.Context, addr string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	r := &Redis{Client: client}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Errorf("ping redis %s: %w", addr, err)
	}
	return r, nil
}

// Healthy verifies redis connectivity.
func (r *Redis) Healthy(ctx context.Context) bool {
	if r == nil || r.Client == nil {
		return false
	}
	return r.Client.Ping(ctx).Err() == nil
}

func (r *Redis) Close() error {
	if r == nil || r.Client == nil {
		return nil
	}
	return r.Client.Close()
}
