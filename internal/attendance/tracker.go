package attendance

import (
	"context"
	"errors"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"bleattend/internal/metrics"
	"bleattend/internal/schedule"
	"bleattend/internal/telemetry"
)

const lockStripes = 64

// Options configures a Tracker. Store, Matcher and Late are required.
type Options struct {
	Store     Store
	Matcher   ClassMatcher
	Late      *schedule.LateClassifier
	Location  *time.Location
	Clock     quartz.Clock
	Logger    slog.Logger
	Metrics   *metrics.Metrics
	Telemetry telemetry.Sink
	Live      LiveCache
	Notifier  Notifier
	Settings  Settings
}

// Tracker turns entry and exit detections into attendance sessions. It keeps
// at most one open session per user.
type Tracker struct {
	store     Store
	matcher   ClassMatcher
	late      *schedule.LateClassifier
	loc       *time.Location
	clock     quartz.Clock
	logger    slog.Logger
	metrics   *metrics.Metrics
	telemetry telemetry.Sink
	live      LiveCache
	notifier  Notifier

	settingsMu sync.RWMutex
	settings   Settings

	mu       sync.Mutex
	sessions map[string]*Session

	// userLocks serialises all work on one user without a lock per user.
	userLocks [lockStripes]sync.Mutex
}

// NewTracker creates a tracker.
func NewTracker(opts Options) *Tracker {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.Nop{}
	}
	if opts.Late == nil {
		opts.Late = schedule.NewLateClassifier(opts.Location)
	}
	return &Tracker{
		store:     opts.Store,
		matcher:   opts.Matcher,
		late:      opts.Late,
		loc:       opts.Location,
		clock:     opts.Clock,
		logger:    opts.Logger.Named("tracker"),
		metrics:   opts.Metrics,
		telemetry: opts.Telemetry,
		live:      opts.Live,
		notifier:  opts.Notifier,
		settings:  opts.Settings,
		sessions:  make(map[string]*Session),
	}
}

// Settings returns the current thresholds.
func (t *Tracker) Settings() Settings {
	t.settingsMu.RLock()
	defer t.settingsMu.RUnlock()
	return t.settings
}

// UpdateSettings replaces the thresholds. Open sessions keep their status.
func (t *Tracker) UpdateSettings(s Settings) {
	t.settingsMu.Lock()
	t.settings = s
	t.settingsMu.Unlock()
	t.logger.Info(context.Background(), "settings updated",
		slog.F("late_threshold_minutes", s.LateThresholdMinutes),
		slog.F("absent_threshold_minutes", s.AbsentThresholdMinutes),
		slog.F("auto_mark_absent", s.AutoMarkAbsentEnabled),
		slog.F("minimum_presence_duration", s.MinimumPresenceDuration),
		slog.F("max_session_gap_minutes", s.MaxSessionGapMinutes),
	)
}

// Status returns the user's current status, ABSENT when no session is open.
func (t *Tracker) Status(userID string) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[userID]; ok {
		return s.Status
	}
	return StatusAbsent
}

// OpenSessions returns a copy of every open session, oldest first.
func (t *Tracker) OpenSessions() []Session {
	t.mu.Lock()
	out := make([]Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, *s)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntryTime.Equal(out[j].EntryTime) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].EntryTime.Before(out[j].EntryTime)
	})
	return out
}

func (t *Tracker) lockUser(userID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	l := &t.userLocks[h.Sum32()%lockStripes]
	l.Lock()
	return l.Unlock
}

func (t *Tracker) session(userID string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[userID]
	return s, ok
}

func (t *Tracker) putSession(s *Session) {
	t.mu.Lock()
	t.sessions[s.UserID] = s
	n := len(t.sessions)
	t.mu.Unlock()
	t.metrics.SessionsOpen.Set(float64(n))
}

func (t *Tracker) dropSession(userID string) {
	t.mu.Lock()
	delete(t.sessions, userID)
	n := len(t.sessions)
	t.mu.Unlock()
	t.metrics.SessionsOpen.Set(float64(n))
}

// RecordEvent consumes one detection. A non-nil error alongside a populated
// Outcome means the in-memory transition happened but persisting it failed.
func (t *Tracker) RecordEvent(ctx context.Context, d RawDetection) (Outcome, error) {
	if err := d.validate(); err != nil {
		t.metrics.DetectionsTotal.WithLabelValues(string(d.Direction), "invalid").Inc()
		return Outcome{}, err
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = t.clock.Now()
	}
	settings := t.Settings()
	if d.Confidence < settings.MinConfidence {
		t.metrics.DetectionsTotal.WithLabelValues(string(d.Direction), "low_confidence").Inc()
		return Outcome{Signals: []Signal{{
			Kind: SignalLowConfidence, UserID: d.UserID, Location: d.Location, At: d.Timestamp,
		}}}, nil
	}

	evt := Event{
		ID:         uuid.NewString(),
		UserID:     d.UserID,
		DeviceID:   d.DeviceID,
		Location:   d.Location,
		Type:       d.Direction,
		Timestamp:  d.Timestamp,
		Confidence: d.Confidence,
	}

	unlock := t.lockUser(d.UserID)
	defer unlock()

	var (
		out Outcome
		err error
	)
	switch d.Direction {
	case DirectionEntry:
		out, err = t.handleEntry(ctx, evt, settings)
	case DirectionExit:
		out, err = t.handleExit(ctx, evt, settings)
	}

	result := "ok"
	switch {
	case out.Event == nil:
		result = "ignored"
	case err != nil:
		result = "persist_failed"
	}
	t.metrics.DetectionsTotal.WithLabelValues(string(d.Direction), result).Inc()
	t.emit(ctx, out)
	return out, err
}

func (t *Tracker) handleEntry(ctx context.Context, evt Event, settings Settings) (Outcome, error) {
	var out Outcome
	var errs []error

	if s, ok := t.session(evt.UserID); ok {
		if evt.Timestamp.Sub(s.EntryTime) <= minutes(settings.MaxSessionGapMinutes) {
			t.mu.Lock()
			s.Location = evt.Location
			t.mu.Unlock()
			evt.ClassID = s.ClassID
			evt.IsLateArrival = s.IsLateArrival
			out.Event = &evt
			out.Signals = append(out.Signals, Signal{
				Kind: SignalSessionContinued, UserID: s.UserID, ClassID: s.ClassID,
				Location: evt.Location, Status: s.Status, At: evt.Timestamp,
			})
			return out, nil
		}
		closed, err := t.closeSession(ctx, s, evt.Timestamp, settings)
		out.Signals = append(out.Signals, Signal{
			Kind: SignalSessionRestarted, UserID: closed.UserID, ClassID: closed.ClassID,
			Location: closed.Location, Status: closed.Status, At: evt.Timestamp,
		})
		if err != nil {
			errs = append(errs, err)
			out.Signals = append(out.Signals, persistFailed(closed.UserID, evt.Timestamp, err))
		}
	}

	match, err := t.matcher.Match(ctx, evt.UserID, evt.Location, evt.Timestamp)
	if err != nil {
		t.logger.Warn(ctx, "class attribution failed",
			slog.F("user_id", evt.UserID), slog.F("location", evt.Location), slog.Error(err))
	}
	if match != nil {
		evt.ClassID = match.Class.ID
		evt.IsLateArrival = t.late.IsLate(match.Occurrence, evt.Timestamp, minutes(settings.LateThresholdMinutes))
	} else {
		out.Signals = append(out.Signals, Signal{
			Kind: SignalUnattributed, UserID: evt.UserID, Location: evt.Location, At: evt.Timestamp,
		})
	}

	status := StatusPresent
	if evt.IsLateArrival {
		status = StatusLate
	}
	s := &Session{
		UserID:        evt.UserID,
		DeviceID:      evt.DeviceID,
		ClassID:       evt.ClassID,
		Location:      evt.Location,
		EntryTime:     evt.Timestamp,
		Status:        status,
		IsLateArrival: evt.IsLateArrival,
	}
	rec, err := t.store.CreateRecord(ctx, Record{
		UserID:        s.UserID,
		DeviceID:      s.DeviceID,
		ClassID:       s.ClassID,
		Location:      s.Location,
		EntryTime:     s.EntryTime,
		Status:        s.Status,
		IsLateArrival: s.IsLateArrival,
	})
	if err != nil {
		err = xerrors.Errorf("create attendance record for %s: %w", s.UserID, err)
		errs = append(errs, err)
		out.Signals = append(out.Signals, persistFailed(s.UserID, evt.Timestamp, err))
	} else {
		s.RecordID = rec.ID
	}
	t.putSession(s)

	out.Event = &evt
	out.Signals = append(out.Signals, Signal{
		Kind: SignalSessionOpened, UserID: s.UserID, ClassID: s.ClassID,
		Location: s.Location, Status: s.Status, At: s.EntryTime,
	})
	return out, errors.Join(errs...)
}

func (t *Tracker) handleExit(ctx context.Context, evt Event, settings Settings) (Outcome, error) {
	s, ok := t.session(evt.UserID)
	if !ok {
		t.metrics.OrphanExits.Inc()
		t.logger.Debug(ctx, "exit without entry",
			slog.F("user_id", evt.UserID), slog.F("device_id", evt.DeviceID), slog.F("location", evt.Location))
		return Outcome{Signals: []Signal{{
			Kind: SignalExitWithoutEntry, UserID: evt.UserID, Location: evt.Location, At: evt.Timestamp,
		}}}, nil
	}

	evt.ClassID = s.ClassID
	evt.IsLateArrival = s.IsLateArrival
	closed, err := t.closeSession(ctx, s, evt.Timestamp, settings)
	out := Outcome{Event: &evt, Signals: []Signal{{
		Kind: SignalSessionClosed, UserID: closed.UserID, ClassID: closed.ClassID,
		Location: closed.Location, Status: closed.Status, At: evt.Timestamp,
	}}}
	if err != nil {
		out.Signals = append(out.Signals, persistFailed(closed.UserID, evt.Timestamp, err))
	}
	return out, err
}

// closeSession finalises s at exit, removes it from the open map and persists
// it. The map is updated even when persisting fails.
func (t *Tracker) closeSession(ctx context.Context, s *Session, exit time.Time, settings Settings) (Session, error) {
	t.dropSession(s.UserID)
	closed := *s
	dur := exit.Sub(closed.EntryTime)
	if dur < 0 {
		dur = 0
	}
	closed.ExitTime = &exit
	closed.DurationMinutes = int(dur / time.Minute)
	if closed.DurationMinutes < settings.MinimumPresenceDuration {
		closed.Status = StatusPartial
	}

	t.metrics.SessionsClosed.WithLabelValues(string(closed.Status)).Inc()
	t.writePoint(ctx, telemetry.Point{
		Measurement: "session_completed",
		Tags: map[string]string{
			"user_id":  closed.UserID,
			"class_id": closed.ClassID,
			"location": closed.Location,
			"status":   string(closed.Status),
		},
		Fields: map[string]any{
			"duration_minutes": closed.DurationMinutes,
			"is_late_arrival":  closed.IsLateArrival,
		},
		Timestamp: exit,
	})

	var err error
	if closed.RecordID != "" {
		_, err = t.store.UpdateRecord(ctx, closed.RecordID, RecordUpdate{
			ExitTime:        closed.ExitTime,
			DurationMinutes: closed.DurationMinutes,
			Status:          closed.Status,
		})
	} else {
		// The opening write never landed; store the finished record instead.
		_, err = t.store.CreateRecord(ctx, Record{
			UserID:          closed.UserID,
			DeviceID:        closed.DeviceID,
			ClassID:         closed.ClassID,
			Location:        closed.Location,
			EntryTime:       closed.EntryTime,
			ExitTime:        closed.ExitTime,
			DurationMinutes: closed.DurationMinutes,
			Status:          closed.Status,
			IsLateArrival:   closed.IsLateArrival,
		})
	}
	if err != nil {
		return closed, xerrors.Errorf("close attendance record for %s: %w", closed.UserID, err)
	}
	return closed, nil
}

// MarkManually writes a record outside the entry/exit state machine. An
// existing record for the same user, class and local day is overridden
// rather than duplicated. ABSENT records are closed at the mark time with a
// zero duration. Overriding the record of an open session ends that session
// at the mark time, so a later exit cannot overwrite the override.
func (t *Tracker) MarkManually(ctx context.Context, m ManualMark) (Record, error) {
	if m.UserID == "" {
		return Record{}, xerrors.New("user id required")
	}
	if _, err := ParseStatus(string(m.Status)); err != nil {
		return Record{}, err
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = t.clock.Now()
	}
	ts := m.Timestamp.In(t.loc)

	unlock := t.lockUser(m.UserID)
	defer unlock()

	var exit *time.Time
	if m.Status == StatusAbsent {
		exit = &ts
	}

	dayStart := midnight(ts)
	existing, err := t.store.FindRecordForDay(ctx, m.UserID, m.ClassID, dayStart, dayStart.AddDate(0, 0, 1))
	if err != nil {
		return Record{}, xerrors.Errorf("look up %s record for %s: %w", m.Status, m.UserID, err)
	}

	var (
		rec   Record
		ended bool
	)
	if existing != nil {
		upd := RecordUpdate{
			ExitTime:        existing.ExitTime,
			DurationMinutes: existing.DurationMinutes,
			Status:          m.Status,
			Reason:          m.Reason,
		}
		if s, ok := t.session(m.UserID); ok && s.RecordID == existing.ID {
			t.dropSession(m.UserID)
			ended = true
			end := ts
			if end.Before(s.EntryTime) {
				end = s.EntryTime
			}
			upd.ExitTime = &end
			upd.DurationMinutes = int(end.Sub(s.EntryTime) / time.Minute)
		}
		if exit != nil {
			upd.EntryTime = exit
			upd.ExitTime = exit
			upd.DurationMinutes = 0
		}
		rec, err = t.store.UpdateRecord(ctx, existing.ID, upd)
	} else {
		rec, err = t.store.CreateRecord(ctx, Record{
			UserID:        m.UserID,
			ClassID:       m.ClassID,
			EntryTime:     ts,
			ExitTime:      exit,
			Status:        m.Status,
			IsLateArrival: m.Status == StatusLate,
			Manual:        true,
			Reason:        m.Reason,
		})
	}
	if err != nil {
		t.metrics.PersistFailures.Inc()
		return Record{}, xerrors.Errorf("mark %s %s: %w", m.UserID, m.Status, err)
	}

	t.logger.Info(ctx, "attendance marked manually",
		slog.F("user_id", m.UserID), slog.F("class_id", m.ClassID),
		slog.F("status", m.Status), slog.F("reason", m.Reason),
		slog.F("override", existing != nil), slog.F("session_ended", ended))
	t.writePoint(ctx, telemetry.Point{
		Measurement: "manual_mark",
		Tags: map[string]string{
			"user_id":  m.UserID,
			"class_id": m.ClassID,
			"status":   string(m.Status),
		},
		Fields:    map[string]any{"override": existing != nil},
		Timestamp: ts,
	})
	return rec, nil
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func persistFailed(userID string, at time.Time, err error) Signal {
	return Signal{Kind: SignalPersistFailed, UserID: userID, At: at, Detail: err.Error()}
}

// emit fans an outcome out to the side channels. None of these failures
// reach the caller.
func (t *Tracker) emit(ctx context.Context, out Outcome) {
	for _, s := range out.Signals {
		if s.Kind == SignalPersistFailed {
			t.metrics.PersistFailures.Inc()
			t.logger.Error(ctx, "attendance persistence failed",
				slog.F("user_id", s.UserID), slog.F("detail", s.Detail))
		}
		t.notify(ctx, s)
	}
	if out.Event == nil {
		return
	}
	evt := *out.Event
	t.writePoint(ctx, telemetry.Point{
		Measurement: "attendance_event",
		Tags: map[string]string{
			"user_id":    evt.UserID,
			"device_id":  evt.DeviceID,
			"class_id":   evt.ClassID,
			"location":   evt.Location,
			"event_type": string(evt.Type),
		},
		Fields: map[string]any{
			"is_late_arrival": evt.IsLateArrival,
			"confidence":      evt.Confidence,
		},
		Timestamp: evt.Timestamp,
	})
	if t.live == nil {
		return
	}
	if err := t.live.SetLatest(ctx, evt.UserID, evt); err != nil {
		t.metrics.SideWriteErrors.WithLabelValues("live_cache").Inc()
		t.logger.Warn(ctx, "mirror latest event failed", slog.F("user_id", evt.UserID), slog.Error(err))
	}
	if err := t.live.SetEvent(ctx, evt.ID, evt); err != nil {
		t.metrics.SideWriteErrors.WithLabelValues("live_cache").Inc()
		t.logger.Warn(ctx, "mirror event failed", slog.F("event_id", evt.ID), slog.Error(err))
	}
}

func (t *Tracker) writePoint(ctx context.Context, p telemetry.Point) {
	if err := t.telemetry.WritePoint(ctx, p); err != nil {
		t.metrics.SideWriteErrors.WithLabelValues("telemetry").Inc()
		t.logger.Warn(ctx, "telemetry write failed", slog.F("measurement", p.Measurement), slog.Error(err))
	}
}

func (t *Tracker) notify(ctx context.Context, s Signal) {
	if t.notifier == nil {
		return
	}
	if err := t.notifier.Notify(ctx, s); err != nil {
		t.metrics.SideWriteErrors.WithLabelValues("notifier").Inc()
		t.logger.Warn(ctx, "signal publish failed", slog.F("kind", s.Kind), slog.Error(err))
	}
}
