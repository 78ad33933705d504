package telemetry

import (
	"context"
	"time"
)

// Point is a single time-series write.
type Point struct {
	Measurement string            `bson:"measurement"`
	Tags        map[string]string `bson:"tags"`
	Fields      map[string]any    `bson:"fields"`
	Timestamp   time.Time         `bson:"timestamp"`
}

// Sink accepts fire-and-forget point writes. Callers log failures and move on.
type Sink interface {
	WritePoint(ctx context.Context, p Point) error
}

// Nop discards every point. Used when no time-series store is configured.
type Nop struct{}

func (Nop) WritePoint(context.Context, Point) error { return nil }
