package queue

import (
	"context"
	"errors"
	"time"

	"cdr.dev/slog/v3"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"golang.org/x/xerrors"
)

const typeHeader = "type"

// KafkaQueue publishes to and consumes from a single topic. The message type
// travels in a header, Key becomes the record key and Body the value.
type KafkaQueue struct {
	producer *kafka.Producer
	consumer *kafka.Consumer
	topic    string
	logger   slog.Logger
}

// NewKafkaQueue connects a producer and a consumer in group to brokers.
func NewKafkaQueue(brokers, topic, group string, logger slog.Logger) (*KafkaQueue, error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
		"acks":              "all",
		"retries":           3,
		"linger.ms":         5,
	})
	if err != nil {
		return nil, xerrors.Errorf("create kafka producer: %w", err)
	}
	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers": brokers,
		"group.id":          group,
		"auto.offset.reset": "latest",
	})
	if err != nil {
		producer.Close()
		return nil, xerrors.Errorf("create kafka consumer: %w", err)
	}
	return &KafkaQueue{
		producer: producer,
		consumer: consumer,
		topic:    topic,
		logger:   logger.Named("kafka_queue"),
	}, nil
}

// Publish produces msg and waits for the delivery report.
func (k *KafkaQueue) Publish(ctx context.Context, msg Message) error {
	delivery := make(chan kafka.Event, 1)
	km := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &k.topic, Partition: kafka.PartitionAny},
		Value:          msg.Body,
		Headers:        []kafka.Header{{Key: typeHeader, Value: []byte(msg.Type)}},
	}
	if msg.Key != "" {
		km.Key = []byte(msg.Key)
	}
	if err := k.producer.Produce(km, delivery); err != nil {
		return xerrors.Errorf("produce %s: %w", msg.Type, err)
	}
	select {
	case e := <-delivery:
		if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil {
			return xerrors.Errorf("deliver %s: %w", msg.Type, m.TopicPartition.Error)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume subscribes to the topic and streams messages until ctx is done.
func (k *KafkaQueue) Consume(ctx context.Context) (<-chan Message, error) {
	if err := k.consumer.Subscribe(k.topic, nil); err != nil {
		return nil, xerrors.Errorf("subscribe %s: %w", k.topic, err)
	}
	out := make(chan Message)
	go func() {
		defer close(out)
		for ctx.Err() == nil {
			km, err := k.consumer.ReadMessage(100 * time.Millisecond)
			if err != nil {
				var kerr kafka.Error
				if errors.As(err, &kerr) && kerr.Code() == kafka.ErrTimedOut {
					continue
				}
				k.logger.Warn(ctx, "read message", slog.F("topic", k.topic), slog.Error(err))
				continue
			}
			msg := Message{Key: string(km.Key), Body: km.Value}
			for _, h := range km.Headers {
				if h.Key == typeHeader {
					msg.Type = string(h.Value)
				}
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

// Close flushes pending deliveries and closes both clients.
func (k *KafkaQueue) Close() error {
	k.producer.Flush(5000)
	k.producer.Close()
	return k.consumer.Close()
}
