// Package ingest moves detections from the queue into the tracker and pushes
// tracker signals back out.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"cdr.dev/slog/v3"
	"golang.org/x/xerrors"

	"bleattend/internal/attendance"
	"bleattend/internal/device"
	"bleattend/internal/queue"
)

// Detection is the wire form of a radio detection. A detection may name the
// device by MAC only; the registry fills in the device and user.
type Detection struct {
	MACAddress string               `json:"mac_address,omitempty"`
	DeviceID   string               `json:"device_id,omitempty"`
	UserID     string               `json:"user_id,omitempty"`
	Location   string               `json:"location"`
	Direction  attendance.Direction `json:"direction"`
	Timestamp  time.Time            `json:"timestamp"`
	Confidence float64              `json:"confidence"`
}

// Recorder consumes detections.
type Recorder interface {
	RecordEvent(ctx context.Context, d attendance.RawDetection) (attendance.Outcome, error)
}

// Resolver finds a registered device by MAC.
type Resolver interface {
	ByMAC(ctx context.Context, mac string) (*device.Device, error)
}

// Consumer reads detection messages and feeds them to a Recorder.
type Consumer struct {
	queue    queue.Queue
	recorder Recorder
	resolver Resolver
	logger   slog.Logger
}

func NewConsumer(q queue.Queue, rec Recorder, res Resolver, logger slog.Logger) *Consumer {
	return &Consumer{queue: q, recorder: rec, resolver: res, logger: logger.Named("ingest")}
}

// Run consumes until ctx is done. Per-message failures are logged and never
// stop the loop.
func (c *Consumer) Run(ctx context.Context) error {
	msgs, err := c.queue.Consume(ctx)
	if err != nil {
		return xerrors.Errorf("consume queue: %w", err)
	}
	c.logger.Info(ctx, "detection consumer started")
	for msg := range msgs {
		if msg.Type != queue.TypeDetection {
			continue
		}
		if _, err := c.Handle(ctx, msg); err != nil {
			c.logger.Warn(ctx, "detection not recorded", slog.F("key", msg.Key), slog.Error(err))
		}
	}
	c.logger.Info(ctx, "detection consumer stopped")
	return nil
}

// Handle decodes and records one detection message.
func (c *Consumer) Handle(ctx context.Context, msg queue.Message) (attendance.Outcome, error) {
	var d Detection
	if err := json.Unmarshal(msg.Body, &d); err != nil {
		return attendance.Outcome{}, xerrors.Errorf("decode detection: %w", err)
	}
	raw, err := c.Resolve(ctx, d)
	if err != nil {
		return attendance.Outcome{}, err
	}
	return c.recorder.RecordEvent(ctx, raw)
}

// Resolve turns a wire detection into a RawDetection, looking up the device
// when only a MAC is known.
func (c *Consumer) Resolve(ctx context.Context, d Detection) (attendance.RawDetection, error) {
	raw := attendance.RawDetection{
		DeviceID:   d.DeviceID,
		UserID:     d.UserID,
		Location:   d.Location,
		Direction:  d.Direction,
		Timestamp:  d.Timestamp,
		Confidence: d.Confidence,
	}
	if (raw.UserID != "" && raw.DeviceID != "") || d.MACAddress == "" || c.resolver == nil {
		return raw, nil
	}
	dev, err := c.resolver.ByMAC(ctx, d.MACAddress)
	if err != nil {
		return raw, xerrors.Errorf("resolve %s: %w", d.MACAddress, err)
	}
	if dev == nil {
		return raw, xerrors.Errorf("%w: unregistered device %s", attendance.ErrInvalidDetection, d.MACAddress)
	}
	if !dev.IsActive {
		return raw, xerrors.Errorf("%w: device %s is deactivated", attendance.ErrInvalidDetection, dev.ID)
	}
	raw.DeviceID = dev.ID
	raw.UserID = dev.UserID
	return raw, nil
}

// SignalPublisher forwards tracker signals to a queue.
type SignalPublisher struct {
	Queue   queue.Queue
	Timeout time.Duration
}

func (p SignalPublisher) Notify(ctx context.Context, s attendance.Signal) error {
	msg, err := queue.NewMessage(queue.TypeSessionSignal, s.UserID, s)
	if err != nil {
		return err
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.Queue.Publish(ctx, msg)
}
