package attendance_test

import (
	"context"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"bleattend/internal/attendance"
)

func testSettings() attendance.Settings {
	s := attendance.DefaultSettings()
	s.LateThresholdMinutes = 15
	s.MinimumPresenceDuration = 5
	s.MaxSessionGapMinutes = 10
	return s
}

func TestRecordEvent_OnTimeEntry(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())

	out := h.detect(t, "alice", attendance.DirectionEntry, at(9, 10))
	require.NotNil(t, out.Event)
	assert.Equal(t, "math", out.Event.ClassID)
	assert.False(t, out.Event.IsLateArrival)
	assert.True(t, out.Has(attendance.SignalSessionOpened))

	assert.Equal(t, attendance.StatusPresent, h.tracker.Status("alice"))
	recs := h.store.all()
	require.Len(t, recs, 1)
	assert.Equal(t, attendance.StatusPresent, recs[0].Status)
	assert.Nil(t, recs[0].ExitTime)
	assert.Equal(t, at(9, 10), recs[0].EntryTime)
}

func TestRecordEvent_LateEntry(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())

	out := h.detect(t, "alice", attendance.DirectionEntry, at(9, 16))
	require.NotNil(t, out.Event)
	assert.True(t, out.Event.IsLateArrival)

	sessions := h.tracker.OpenSessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, attendance.StatusLate, sessions[0].Status)
	assert.True(t, sessions[0].IsLateArrival)
	assert.Equal(t, "math", sessions[0].ClassID)
}

func TestRecordEvent_Continuation(t *testing.T) {
	t.Parallel()
	settings := testSettings()
	settings.MaxSessionGapMinutes = 30
	h := newHarness(t, settings)

	h.detect(t, "alice", attendance.DirectionEntry, at(9, 0))
	first := h.tracker.OpenSessions()[0]

	for i, loc := range []string{"room-a", "hallway", "room-a", "lab"} {
		out, err := h.tracker.RecordEvent(context.Background(), attendance.RawDetection{
			DeviceID:   "dev-alice",
			UserID:     "alice",
			Location:   loc,
			Direction:  attendance.DirectionEntry,
			Timestamp:  at(9, 5*(i+1)),
			Confidence: 1,
		})
		require.NoError(t, err)
		assert.True(t, out.Has(attendance.SignalSessionContinued))

		sessions := h.tracker.OpenSessions()
		require.Len(t, sessions, 1)
		got := sessions[0]
		assert.Equal(t, loc, got.Location)
		got.Location = first.Location
		assert.Equal(t, first, got, "only the location changes on continuation")
	}
	assert.Len(t, h.store.all(), 1)
}

func TestRecordEvent_GapRestartsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())

	h.detect(t, "alice", attendance.DirectionEntry, at(9, 0))
	out := h.detect(t, "alice", attendance.DirectionEntry, at(9, 11))
	assert.True(t, out.Has(attendance.SignalSessionRestarted))
	assert.True(t, out.Has(attendance.SignalSessionOpened))

	recs := h.store.all()
	require.Len(t, recs, 2)
	require.NotNil(t, recs[0].ExitTime)
	assert.Equal(t, at(9, 11), *recs[0].ExitTime)
	assert.Equal(t, 11, recs[0].DurationMinutes)
	assert.Equal(t, attendance.StatusPresent, recs[0].Status)
	assert.Nil(t, recs[1].ExitTime)
	assert.Equal(t, at(9, 11), recs[1].EntryTime)

	sessions := h.tracker.OpenSessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, at(9, 11), sessions[0].EntryTime)
	assert.Equal(t, recs[1].ID, sessions[0].RecordID)
}

func TestRecordEvent_ShortVisitIsPartial(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())

	h.detect(t, "alice", attendance.DirectionEntry, at(9, 10))
	out := h.detect(t, "alice", attendance.DirectionExit, at(9, 12))
	require.NotNil(t, out.Event)
	assert.True(t, out.Has(attendance.SignalSessionClosed))

	recs := h.store.all()
	require.Len(t, recs, 1)
	assert.Equal(t, attendance.StatusPartial, recs[0].Status)
	assert.Equal(t, 2, recs[0].DurationMinutes)
	require.NotNil(t, recs[0].ExitTime)
	assert.Equal(t, at(9, 12), *recs[0].ExitTime)

	assert.Equal(t, attendance.StatusAbsent, h.tracker.Status("alice"))
	assert.Empty(t, h.tracker.OpenSessions())
}

func TestRecordEvent_PartialOverridesEveryStatus(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name     string
		entry    time.Time
		duration time.Duration
		minimum  int
		want     attendance.Status
	}{
		{name: "LateShort", entry: at(9, 16), duration: 2 * time.Minute, minimum: 5, want: attendance.StatusPartial},
		{name: "PresentZero", entry: at(9, 5), duration: 0, minimum: 1, want: attendance.StatusPartial},
		{name: "PresentExact", entry: at(9, 5), duration: 5 * time.Minute, minimum: 5, want: attendance.StatusPresent},
		{name: "LateLong", entry: at(9, 20), duration: 40 * time.Minute, minimum: 30, want: attendance.StatusLate},
		{name: "SecondsTruncate", entry: at(9, 5), duration: 4*time.Minute + 59*time.Second, minimum: 5, want: attendance.StatusPartial},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			settings := testSettings()
			settings.MinimumPresenceDuration = tc.minimum
			settings.MaxSessionGapMinutes = 120
			h := newHarness(t, settings)

			h.detect(t, "bob", attendance.DirectionEntry, tc.entry)
			h.detect(t, "bob", attendance.DirectionExit, tc.entry.Add(tc.duration))
			recs := h.store.all()
			require.Len(t, recs, 1)
			assert.Equal(t, tc.want, recs[0].Status)
			assert.Equal(t, int(tc.duration/time.Minute), recs[0].DurationMinutes)
		})
	}
}

func TestRecordEvent_ExitWithoutEntry(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())

	out := h.detect(t, "carol", attendance.DirectionExit, at(9, 30))
	assert.Nil(t, out.Event)
	assert.True(t, out.Has(attendance.SignalExitWithoutEntry))
	assert.Empty(t, h.store.all())
	assert.Empty(t, h.tracker.OpenSessions())
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.OrphanExits))
}

func TestStatus_UnknownUserIsAbsent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())
	assert.Equal(t, attendance.StatusAbsent, h.tracker.Status("never-seen"))
}

func TestRecordEvent_UnattributedEntry(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())

	out, err := h.tracker.RecordEvent(context.Background(), attendance.RawDetection{
		DeviceID:   "dev-dave",
		UserID:     "dave",
		Location:   "cafeteria",
		Direction:  attendance.DirectionEntry,
		Timestamp:  at(12, 0),
		Confidence: 0.5,
	})
	require.NoError(t, err)
	require.NotNil(t, out.Event)
	assert.Empty(t, out.Event.ClassID)
	assert.True(t, out.Has(attendance.SignalUnattributed))
	assert.Equal(t, attendance.StatusPresent, h.tracker.Status("dave"))
}

func TestRecordEvent_Invalid(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())

	for _, d := range []attendance.RawDetection{
		{DeviceID: "d", Direction: attendance.DirectionEntry},
		{UserID: "u", Direction: attendance.DirectionEntry},
		{UserID: "u", DeviceID: "d", Direction: "sideways"},
		{UserID: "u", DeviceID: "d", Direction: attendance.DirectionExit, Confidence: 1.5},
	} {
		_, err := h.tracker.RecordEvent(context.Background(), d)
		require.ErrorIs(t, err, attendance.ErrInvalidDetection)
	}
	assert.Empty(t, h.store.all())
}

func TestRecordEvent_LowConfidenceDropped(t *testing.T) {
	t.Parallel()
	settings := testSettings()
	settings.MinConfidence = 0.6
	h := newHarness(t, settings)

	out, err := h.tracker.RecordEvent(context.Background(), attendance.RawDetection{
		DeviceID: "dev-alice", UserID: "alice", Location: "room-a",
		Direction: attendance.DirectionEntry, Timestamp: at(9, 0), Confidence: 0.3,
	})
	require.NoError(t, err)
	assert.Nil(t, out.Event)
	assert.True(t, out.Has(attendance.SignalLowConfidence))
	assert.Equal(t, attendance.StatusAbsent, h.tracker.Status("alice"))
}

func TestRecordEvent_DefaultsTimestampToClock(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())
	h.clock.Set(at(9, 20)).MustWait(context.Background())

	out, err := h.tracker.RecordEvent(context.Background(), attendance.RawDetection{
		DeviceID: "dev-alice", UserID: "alice", Location: "room-a", Direction: attendance.DirectionEntry, Confidence: 1,
	})
	require.NoError(t, err)
	require.NotNil(t, out.Event)
	assert.Equal(t, at(9, 20), out.Event.Timestamp)
	assert.True(t, out.Event.IsLateArrival)
}

func TestRecordEvent_PersistFailureKeepsMemoryState(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())
	h.store.failCreate = xerrors.New("connection reset")

	out, err := h.tracker.RecordEvent(context.Background(), attendance.RawDetection{
		DeviceID: "dev-alice", UserID: "alice", Location: "room-a",
		Direction: attendance.DirectionEntry, Timestamp: at(9, 5), Confidence: 1,
	})
	require.Error(t, err)
	require.NotNil(t, out.Event)
	assert.True(t, out.Has(attendance.SignalPersistFailed))
	assert.Equal(t, attendance.StatusPresent, h.tracker.Status("alice"))
	assert.Empty(t, h.tracker.OpenSessions()[0].RecordID)

	// Storage recovers; closing writes the whole record.
	h.store.mu.Lock()
	h.store.failCreate = nil
	h.store.mu.Unlock()
	h.detect(t, "alice", attendance.DirectionExit, at(9, 50))

	recs := h.store.all()
	require.Len(t, recs, 1)
	assert.Equal(t, at(9, 5), recs[0].EntryTime)
	require.NotNil(t, recs[0].ExitTime)
	assert.Equal(t, at(9, 50), *recs[0].ExitTime)
	assert.Equal(t, 45, recs[0].DurationMinutes)
	assert.Equal(t, attendance.StatusPresent, recs[0].Status)
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.PersistFailures))
}

func TestRecordEvent_CloseFailureStillRemovesSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())
	h.detect(t, "alice", attendance.DirectionEntry, at(9, 5))
	h.store.mu.Lock()
	h.store.failUpdate = xerrors.New("timeout")
	h.store.mu.Unlock()

	out, err := h.tracker.RecordEvent(context.Background(), attendance.RawDetection{
		DeviceID: "dev-alice", UserID: "alice", Location: "room-a",
		Direction: attendance.DirectionExit, Timestamp: at(9, 40), Confidence: 1,
	})
	require.Error(t, err)
	assert.True(t, out.Has(attendance.SignalPersistFailed))
	assert.Equal(t, attendance.StatusAbsent, h.tracker.Status("alice"))
}

func TestUpdateSettings_OnlyAffectsLaterEvents(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())

	h.detect(t, "alice", attendance.DirectionEntry, at(9, 10))
	s := h.tracker.Settings()
	s.LateThresholdMinutes = 5
	h.tracker.UpdateSettings(s)

	h.detect(t, "bob", attendance.DirectionEntry, at(9, 10))
	assert.Equal(t, attendance.StatusPresent, h.tracker.Status("alice"))
	assert.Equal(t, attendance.StatusLate, h.tracker.Status("bob"))
	assert.Equal(t, 5, h.tracker.Settings().LateThresholdMinutes)
}

func TestRecordEvent_SideChannels(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())

	in := h.detect(t, "alice", attendance.DirectionEntry, at(9, 0))
	h.detect(t, "alice", attendance.DirectionExit, at(9, 45))

	assert.Equal(t, []string{"attendance_event", "session_completed", "attendance_event"}, h.sink.measurements())
	assert.Contains(t, h.live.latest, "alice")
	assert.Contains(t, h.live.events, in.Event.ID)
	assert.Len(t, h.live.events, 2)
	assert.Equal(t, []attendance.SignalKind{
		attendance.SignalSessionOpened,
		attendance.SignalSessionClosed,
	}, h.notifier.kinds())
}

func TestRecordEvent_TelemetryFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())
	h.sink.err = xerrors.New("mongo down")

	out := h.detect(t, "alice", attendance.DirectionEntry, at(9, 0))
	require.NotNil(t, out.Event)
	assert.Equal(t, 1.0, promtest.ToFloat64(h.metrics.SideWriteErrors.WithLabelValues("telemetry")))
}

func TestRecordEvent_OneOpenSessionPerUser(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())

	// Interleave three users, each detected every 3 minutes for an hour.
	users := []string{"alice", "bob", "carol"}
	for i := 0; i < 20; i++ {
		for _, u := range users {
			h.detect(t, u, attendance.DirectionEntry, at(9, 0).Add(time.Duration(3*i)*time.Minute))
			open := 0
			for _, s := range h.tracker.OpenSessions() {
				if s.UserID == u {
					open++
				}
			}
			require.Equal(t, 1, open)
		}
	}
	assert.Len(t, h.tracker.OpenSessions(), len(users))
}

func TestMarkManually(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())
	ctx := context.Background()

	rec, err := h.tracker.MarkManually(ctx, attendance.ManualMark{
		UserID: "bob", Status: attendance.StatusAbsent, ClassID: "math", Timestamp: at(9, 45), Reason: "sick",
	})
	require.NoError(t, err)
	assert.Equal(t, attendance.StatusAbsent, rec.Status)
	assert.True(t, rec.Manual)
	require.NotNil(t, rec.ExitTime)
	assert.Equal(t, rec.EntryTime, *rec.ExitTime)
	assert.Zero(t, rec.DurationMinutes)

	// A second mark the same day overrides instead of duplicating.
	rec2, err := h.tracker.MarkManually(ctx, attendance.ManualMark{
		UserID: "bob", Status: attendance.StatusPresent, ClassID: "math", Timestamp: at(11, 0), Reason: "excused late",
	})
	require.NoError(t, err)
	assert.Equal(t, rec.ID, rec2.ID)
	assert.Equal(t, attendance.StatusPresent, rec2.Status)
	assert.Len(t, h.store.all(), 1)

	// Bob never entered, so no session is open.
	assert.Equal(t, attendance.StatusAbsent, h.tracker.Status("bob"))

	_, err = h.tracker.MarkManually(ctx, attendance.ManualMark{UserID: "bob", Status: "MAYBE"})
	require.Error(t, err)
	_, err = h.tracker.MarkManually(ctx, attendance.ManualMark{Status: attendance.StatusPresent})
	require.Error(t, err)
}

func TestMarkManually_DefaultsToNow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())
	h.clock.Set(at(10, 15)).MustWait(context.Background())

	rec, err := h.tracker.MarkManually(context.Background(), attendance.ManualMark{
		UserID: "carol", Status: attendance.StatusLate, ClassID: "math",
	})
	require.NoError(t, err)
	assert.Equal(t, at(10, 15), rec.EntryTime)
	assert.Nil(t, rec.ExitTime)
	assert.True(t, rec.IsLateArrival)
}

func TestMarkManually_AbsentEndsOpenSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())
	ctx := context.Background()

	h.detect(t, "alice", attendance.DirectionEntry, at(9, 2))
	rec, err := h.tracker.MarkManually(ctx, attendance.ManualMark{
		UserID: "alice", Status: attendance.StatusAbsent, ClassID: "math", Timestamp: at(9, 20), Reason: "admin",
	})
	require.NoError(t, err)
	assert.Equal(t, attendance.StatusAbsent, h.tracker.Status("alice"))
	assert.Empty(t, h.tracker.OpenSessions())

	out := h.detect(t, "alice", attendance.DirectionExit, at(9, 50))
	assert.True(t, out.Has(attendance.SignalExitWithoutEntry))

	records := h.store.all()
	require.Len(t, records, 1)
	got := records[0]
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, attendance.StatusAbsent, got.Status)
	assert.Equal(t, at(9, 20), got.EntryTime)
	require.NotNil(t, got.ExitTime)
	assert.Equal(t, at(9, 20), *got.ExitTime)
	assert.Zero(t, got.DurationMinutes)
	assert.Equal(t, "admin", got.Reason)
}

func TestMarkManually_PresentClosesOpenSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())
	ctx := context.Background()

	h.detect(t, "alice", attendance.DirectionEntry, at(9, 20))
	_, err := h.tracker.MarkManually(ctx, attendance.ManualMark{
		UserID: "alice", Status: attendance.StatusPresent, ClassID: "math", Timestamp: at(9, 58), Reason: "excused",
	})
	require.NoError(t, err)
	assert.Empty(t, h.tracker.OpenSessions())

	h.detect(t, "alice", attendance.DirectionExit, at(10, 5))

	records := h.store.all()
	require.Len(t, records, 1)
	got := records[0]
	assert.Equal(t, attendance.StatusPresent, got.Status)
	assert.Equal(t, at(9, 20), got.EntryTime)
	require.NotNil(t, got.ExitTime)
	assert.Equal(t, at(9, 58), *got.ExitTime)
	assert.Equal(t, 38, got.DurationMinutes)
	assert.Equal(t, "excused", got.Reason)
}

func TestStats(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testSettings())
	ctx := context.Background()

	h.detect(t, "alice", attendance.DirectionEntry, at(9, 0))
	h.detect(t, "alice", attendance.DirectionExit, at(9, 50))
	h.detect(t, "bob", attendance.DirectionEntry, at(9, 20))
	h.detect(t, "bob", attendance.DirectionExit, at(9, 30))
	h.detect(t, "carol", attendance.DirectionEntry, at(9, 5))
	h.detect(t, "carol", attendance.DirectionExit, at(9, 7))
	_, err := h.tracker.MarkManually(ctx, attendance.ManualMark{
		UserID: "dave", Status: attendance.StatusAbsent, ClassID: "math", Timestamp: at(9, 31),
	})
	require.NoError(t, err)

	st, err := h.tracker.Stats(ctx, at(0, 0), at(23, 59), "math")
	require.NoError(t, err)
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 1, st.Present)
	assert.Equal(t, 1, st.Late)
	assert.Equal(t, 1, st.Partial)
	assert.Equal(t, 1, st.Absent)
	assert.Equal(t, 4, st.UniqueUsers)
	assert.Equal(t, 50.0, st.AttendanceRate)
	assert.Equal(t, 50.0, st.PunctualityRate)
	assert.InDelta(t, 20.67, st.AverageDurationMinutes, 0.001)

	_, err = h.tracker.Stats(ctx, at(12, 0), at(9, 0), "")
	require.Error(t, err)

	empty, err := h.tracker.Stats(ctx, at(0, 0).AddDate(0, 0, 1), at(0, 0).AddDate(0, 0, 2), "")
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
	assert.Zero(t, empty.AttendanceRate)
}

func TestParseStatus(t *testing.T) {
	t.Parallel()
	s, err := attendance.ParseStatus(" late ")
	require.NoError(t, err)
	assert.Equal(t, attendance.StatusLate, s)
	_, err = attendance.ParseStatus("gone")
	require.Error(t, err)
}
