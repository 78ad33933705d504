package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"cdr.dev/slog/v3"
	"github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"
)

// Message types carried between the tracker and the radio driver.
const (
	TypeDetection     = "detection"
	TypeScanRequested = "scan_requested"
	TypeSessionSignal = "session_signal"
)

// Message is one unit of work. Body is a JSON document whose shape depends on
// Type.
type Message struct {
	Type string          `json:"type"`
	Key  string          `json:"key,omitempty"`
	Body json.RawMessage `json:"body"`
}

// NewMessage marshals v into a message body.
func NewMessage(typ, key string, v any) (Message, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Message{}, xerrors.Errorf("marshal %s message: %w", typ, err)
	}
	return Message{Type: typ, Key: key, Body: body}, nil
}

// Queue is the abstraction over different backends. The channel returned by
// Consume is closed once ctx is done.
type Queue interface {
	Publish(ctx context.Context, msg Message) error
	Consume(ctx context.Context) (<-chan Message, error)
}

// InMemory is a channel-backed queue for dev and tests.
type InMemory struct {
	ch chan Message
}

// NewInMemory creates a bounded in-memory queue.
func NewInMemory(size int) *InMemory {
	return &InMemory{ch: make(chan Message, size)}
}

// Publish enqueues a message, blocking while the buffer is full.
func (q *InMemory) Publish(ctx context.Context, msg Message) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns a channel for workers.
func (q *InMemory) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			select {
			case msg := <-q.ch:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RedisQueue is a Redis list used with LPUSH/BRPOP.
type RedisQueue struct {
	client *redis.Client
	key    string
	logger slog.Logger
}

// NewRedisQueue builds a queue on the list at key.
func NewRedisQueue(client *redis.Client, key string, logger slog.Logger) *RedisQueue {
	if key == "" {
		key = "bleattend:queue"
	}
	return &RedisQueue{client: client, key: key, logger: logger.Named("redis_queue")}
}

// Publish enqueues a message.
func (q *RedisQueue) Publish(ctx context.Context, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return xerrors.Errorf("encode message: %w", err)
	}
	return q.client.LPush(ctx, q.key, raw).Err()
}

// Consume streams messages using BRPOP. Undecodable entries are logged and
// dropped.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			res, err := q.client.BRPop(ctx, 5*time.Second, q.key).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !errors.Is(err, redis.Nil) {
					q.logger.Warn(ctx, "brpop failed", slog.F("key", q.key), slog.Error(err))
					select {
					case <-time.After(time.Second):
					case <-ctx.Done():
						return
					}
				}
				continue
			}
			if len(res) != 2 {
				continue
			}
			var msg Message
			if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
				q.logger.Warn(ctx, "drop undecodable message", slog.F("key", q.key), slog.Error(err))
				continue
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
