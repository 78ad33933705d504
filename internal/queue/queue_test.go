package queue_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"bleattend/internal/queue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNewMessage(t *testing.T) {
	t.Parallel()
	msg, err := queue.NewMessage(queue.TypeScanRequested, "room-a", map[string]string{"location": "room-a"})
	require.NoError(t, err)
	assert.Equal(t, queue.TypeScanRequested, msg.Type)
	assert.Equal(t, "room-a", msg.Key)
	assert.JSONEq(t, `{"location":"room-a"}`, string(msg.Body))

	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"scan_requested","key":"room-a","body":{"location":"room-a"}}`, string(raw))

	_, err = queue.NewMessage("bad", "", make(chan int))
	require.Error(t, err)
}

func TestInMemory_PublishConsume(t *testing.T) {
	t.Parallel()
	q := queue.NewInMemory(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, err := q.Consume(ctx)
	require.NoError(t, err)
	for _, typ := range []string{queue.TypeDetection, queue.TypeScanRequested} {
		require.NoError(t, q.Publish(ctx, queue.Message{Type: typ, Body: json.RawMessage(`{}`)}))
	}

	for _, want := range []string{queue.TypeDetection, queue.TypeScanRequested} {
		select {
		case got := <-msgs:
			assert.Equal(t, want, got.Type)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for message")
		}
	}

	cancel()
	for range msgs {
	}
}

func TestInMemory_PublishRespectsContext(t *testing.T) {
	t.Parallel()
	q := queue.NewInMemory(1)
	require.NoError(t, q.Publish(context.Background(), queue.Message{Type: "a"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, q.Publish(ctx, queue.Message{Type: "b"}), context.Canceled)
}

func TestRedisQueue_RoundTrip(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := queue.NewRedisQueue(client, "test:queue", slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg, err := queue.NewMessage(queue.TypeDetection, "alice", map[string]any{"user_id": "alice", "confidence": 0.9})
	require.NoError(t, err)
	require.NoError(t, q.Publish(ctx, msg))

	// Garbage on the list is skipped.
	mr.Lpush("test:queue", "not json")
	mr.Lpush("test:queue", "not json")

	msgs, err := q.Consume(ctx)
	require.NoError(t, err)
	select {
	case got := <-msgs:
		assert.Equal(t, queue.TypeDetection, got.Type)
		assert.Equal(t, "alice", got.Key)
		assert.JSONEq(t, `{"user_id":"alice","confidence":0.9}`, string(got.Body))
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	cancel()
	for range msgs {
	}
}
