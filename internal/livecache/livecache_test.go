package livecache_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bleattend/internal/livecache"
)

func newCache(t *testing.T) (*livecache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return livecache.New(client), mr
}

func TestCache_SetLatest(t *testing.T) {
	t.Parallel()
	c, mr := newCache(t)
	ctx := context.Background()

	require.NoError(t, c.SetLatest(ctx, "alice", map[string]string{"location": "room-a"}))
	assert.Equal(t, livecache.LatestTTL, mr.TTL("attendance:latest:alice"))

	raw, err := c.Latest(ctx, "alice")
	require.NoError(t, err)
	assert.JSONEq(t, `{"location":"room-a"}`, string(raw))

	mr.FastForward(livecache.LatestTTL)
	raw, err = c.Latest(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestCache_SetEvent(t *testing.T) {
	t.Parallel()
	c, mr := newCache(t)

	require.NoError(t, c.SetEvent(context.Background(), "evt-1", struct {
		UserID string `json:"user_id"`
	}{"bob"}))
	got, err := mr.Get("attendance:event:evt-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"user_id":"bob"}`, got)
	assert.Equal(t, livecache.EventTTL, mr.TTL("attendance:event:evt-1"))
}

func TestCache_Errors(t *testing.T) {
	t.Parallel()
	c, mr := newCache(t)
	require.Error(t, c.SetEvent(context.Background(), "bad", make(chan int)))

	mr.Close()
	require.Error(t, c.SetLatest(context.Background(), "alice", "x"))
}
