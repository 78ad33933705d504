package ingest_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"bleattend/internal/attendance"
	"bleattend/internal/device"
	"bleattend/internal/ingest"
	"bleattend/internal/queue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu   sync.Mutex
	seen []attendance.RawDetection
	done chan struct{}
}

func (r *recorder) RecordEvent(_ context.Context, d attendance.RawDetection) (attendance.Outcome, error) {
	r.mu.Lock()
	r.seen = append(r.seen, d)
	r.mu.Unlock()
	if r.done != nil {
		r.done <- struct{}{}
	}
	return attendance.Outcome{Event: &attendance.Event{UserID: d.UserID}}, nil
}

type resolver map[string]*device.Device

func (r resolver) ByMAC(_ context.Context, mac string) (*device.Device, error) {
	return r[mac], nil
}

func detectionMessage(t *testing.T, d ingest.Detection) queue.Message {
	t.Helper()
	msg, err := queue.NewMessage(queue.TypeDetection, d.MACAddress, d)
	require.NoError(t, err)
	return msg
}

func TestHandle_ResolvesMAC(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	c := ingest.NewConsumer(queue.NewInMemory(1), rec, resolver{
		"AA:BB:CC:DD:EE:01": {ID: "dev-1", UserID: "alice", IsActive: true},
		"AA:BB:CC:DD:EE:02": {ID: "dev-2", UserID: "bob"},
	}, slogtest.Make(t, nil))
	ctx := context.Background()
	ts := time.Date(2026, time.October, 12, 9, 5, 0, 0, time.UTC)

	out, err := c.Handle(ctx, detectionMessage(t, ingest.Detection{
		MACAddress: "AA:BB:CC:DD:EE:01", Location: "room-a",
		Direction: attendance.DirectionEntry, Timestamp: ts, Confidence: 0.8,
	}))
	require.NoError(t, err)
	require.NotNil(t, out.Event)
	require.Len(t, rec.seen, 1)
	assert.Equal(t, attendance.RawDetection{
		DeviceID: "dev-1", UserID: "alice", Location: "room-a",
		Direction: attendance.DirectionEntry, Timestamp: ts, Confidence: 0.8,
	}, rec.seen[0])

	_, err = c.Handle(ctx, detectionMessage(t, ingest.Detection{MACAddress: "AA:BB:CC:DD:EE:09", Direction: attendance.DirectionEntry}))
	require.ErrorIs(t, err, attendance.ErrInvalidDetection)
	_, err = c.Handle(ctx, detectionMessage(t, ingest.Detection{MACAddress: "AA:BB:CC:DD:EE:02", Direction: attendance.DirectionEntry}))
	require.ErrorIs(t, err, attendance.ErrInvalidDetection)

	_, err = c.Handle(ctx, queue.Message{Type: queue.TypeDetection, Body: json.RawMessage(`{"timestamp":12}`)})
	require.Error(t, err)
	assert.Len(t, rec.seen, 1)
}

func TestHandle_ExplicitIDsSkipLookup(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	c := ingest.NewConsumer(queue.NewInMemory(1), rec, resolver{}, slogtest.Make(t, nil))
	_, err := c.Handle(context.Background(), detectionMessage(t, ingest.Detection{
		MACAddress: "AA:BB:CC:DD:EE:01", DeviceID: "dev-9", UserID: "zoe", Direction: attendance.DirectionExit,
	}))
	require.NoError(t, err)
	assert.Equal(t, "zoe", rec.seen[0].UserID)
}

func TestRun_SkipsOtherTypes(t *testing.T) {
	t.Parallel()
	q := queue.NewInMemory(8)
	rec := &recorder{done: make(chan struct{}, 1)}
	c := ingest.NewConsumer(q, rec, nil, slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, q.Publish(ctx, queue.Message{Type: queue.TypeScanRequested, Body: json.RawMessage(`{}`)}))
	require.NoError(t, q.Publish(ctx, detectionMessage(t, ingest.Detection{
		DeviceID: "dev-1", UserID: "alice", Direction: attendance.DirectionEntry,
	})))

	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()

	select {
	case <-rec.done:
	case <-time.After(5 * time.Second):
		t.Fatal("detection never recorded")
	}
	cancel()
	require.NoError(t, <-errc)
	assert.Len(t, rec.seen, 1)
}

func TestSignalPublisher(t *testing.T) {
	t.Parallel()
	q := queue.NewInMemory(1)
	p := ingest.SignalPublisher{Queue: q, Timeout: 50 * time.Millisecond}
	sig := attendance.Signal{Kind: attendance.SignalSessionOpened, UserID: "alice", Status: attendance.StatusLate}
	require.NoError(t, p.Notify(context.Background(), sig))

	// A full queue times out instead of blocking the tracker.
	require.Error(t, p.Notify(context.Background(), sig))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := q.Consume(ctx)
	require.NoError(t, err)
	msg := <-msgs
	assert.Equal(t, queue.TypeSessionSignal, msg.Type)
	var got attendance.Signal
	require.NoError(t, json.Unmarshal(msg.Body, &got))
	assert.Equal(t, attendance.SignalSessionOpened, got.Kind)
	assert.Equal(t, attendance.StatusLate, got.Status)

	cancel()
	for range msgs {
	}
}
