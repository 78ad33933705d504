package attendance

import (
	"strings"
	"time"

	"golang.org/x/xerrors"
)

// Status is the attendance classification of a session or record.
type Status string

const (
	StatusPresent Status = "PRESENT"
	StatusLate    Status = "LATE"
	StatusAbsent  Status = "ABSENT"
	StatusPartial Status = "PARTIAL"
)

// ParseStatus accepts any casing of a known status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusPresent, StatusLate, StatusAbsent, StatusPartial:
		return st, nil
	}
	return "", xerrors.Errorf("unknown attendance status %q", s)
}

// Direction says whether a device came into or left proximity.
type Direction string

const (
	DirectionEntry Direction = "entry"
	DirectionExit  Direction = "exit"
)

// ErrInvalidDetection is returned for detections that cannot be processed at all.
var ErrInvalidDetection = xerrors.New("invalid detection")

// RawDetection is what the radio layer reports for one proximity change.
type RawDetection struct {
	DeviceID   string    `json:"device_id"`
	UserID     string    `json:"user_id"`
	Location   string    `json:"location"`
	Direction  Direction `json:"direction"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence"`
}

func (d RawDetection) validate() error {
	switch {
	case d.UserID == "":
		return xerrors.Errorf("%w: user id required", ErrInvalidDetection)
	case d.DeviceID == "":
		return xerrors.Errorf("%w: device id required", ErrInvalidDetection)
	case d.Direction != DirectionEntry && d.Direction != DirectionExit:
		return xerrors.Errorf("%w: unknown direction %q", ErrInvalidDetection, d.Direction)
	case d.Confidence < 0 || d.Confidence > 1:
		return xerrors.Errorf("%w: confidence %.2f out of range", ErrInvalidDetection, d.Confidence)
	}
	return nil
}

// Event is the attributed form of a detection.
type Event struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	DeviceID      string    `json:"device_id"`
	ClassID       string    `json:"class_id,omitempty"`
	Location      string    `json:"location"`
	Type          Direction `json:"event_type"`
	Timestamp     time.Time `json:"timestamp"`
	IsLateArrival bool      `json:"is_late_arrival"`
	Confidence    float64   `json:"confidence"`
}

// Session is a user's open presence interval.
type Session struct {
	UserID          string     `json:"user_id"`
	DeviceID        string     `json:"device_id"`
	ClassID         string     `json:"class_id,omitempty"`
	Location        string     `json:"location"`
	EntryTime       time.Time  `json:"entry_time"`
	ExitTime        *time.Time `json:"exit_time,omitempty"`
	DurationMinutes int        `json:"duration_minutes"`
	Status          Status     `json:"status"`
	IsLateArrival   bool       `json:"is_late_arrival"`
	RecordID        string     `json:"record_id,omitempty"`
}

// Record is the persisted projection of a session or a manual mark.
type Record struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	DeviceID        string     `json:"device_id,omitempty"`
	ClassID         string     `json:"class_id,omitempty"`
	Location        string     `json:"location,omitempty"`
	EntryTime       time.Time  `json:"entry_time"`
	ExitTime        *time.Time `json:"exit_time,omitempty"`
	DurationMinutes int        `json:"duration_minutes"`
	Status          Status     `json:"status"`
	IsLateArrival   bool       `json:"is_late_arrival"`
	Manual          bool       `json:"manual"`
	Reason          string     `json:"reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// RecordUpdate carries the fields that change when a record is closed or
// overridden. A nil EntryTime leaves the entry unchanged.
type RecordUpdate struct {
	EntryTime       *time.Time
	ExitTime        *time.Time
	DurationMinutes int
	Status          Status
	Reason          string
}

// RecordFilter narrows ListRecords. Zero values do not filter.
type RecordFilter struct {
	From    time.Time
	To      time.Time
	ClassID string
	UserID  string
}

// ManualMark is an administrative override.
type ManualMark struct {
	UserID    string    `json:"user_id"`
	Status    Status    `json:"status"`
	ClassID   string    `json:"class_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// Settings are the tracker's runtime-tunable thresholds. Changes apply to
// subsequent events only.
type Settings struct {
	LateThresholdMinutes    int     `json:"late_threshold_minutes"`
	AbsentThresholdMinutes  int     `json:"absent_threshold_minutes"`
	AutoMarkAbsentEnabled   bool    `json:"auto_mark_absent_enabled"`
	MinimumPresenceDuration int     `json:"minimum_presence_duration"`
	MaxSessionGapMinutes    int     `json:"max_session_gap_minutes"`
	MinConfidence           float64 `json:"min_confidence"`
}

// DefaultSettings mirrors the values campuses start with.
func DefaultSettings() Settings {
	return Settings{
		LateThresholdMinutes:    15,
		AbsentThresholdMinutes:  30,
		AutoMarkAbsentEnabled:   true,
		MinimumPresenceDuration: 5,
		MaxSessionGapMinutes:    120,
	}
}

func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }

// SignalKind names a lifecycle or diagnostic signal.
type SignalKind string

const (
	SignalSessionOpened    SignalKind = "session_opened"
	SignalSessionContinued SignalKind = "session_continued"
	SignalSessionRestarted SignalKind = "session_restarted"
	SignalSessionClosed    SignalKind = "session_closed"
	SignalExitWithoutEntry SignalKind = "exit_without_entry"
	SignalPersistFailed    SignalKind = "persist_failed"
	SignalUnattributed     SignalKind = "unattributed"
	SignalLowConfidence    SignalKind = "low_confidence"
)

// Signal is emitted alongside state transitions so logging and metrics
// consumers can observe them without a pub/sub framework.
type Signal struct {
	Kind     SignalKind `json:"kind"`
	UserID   string     `json:"user_id"`
	ClassID  string     `json:"class_id,omitempty"`
	Location string     `json:"location,omitempty"`
	Status   Status     `json:"status,omitempty"`
	At       time.Time  `json:"at"`
	Detail   string     `json:"detail,omitempty"`
}

// Outcome is what RecordEvent derived from a detection. Event is nil when
// the detection produced no attendance event.
type Outcome struct {
	Event   *Event   `json:"event,omitempty"`
	Signals []Signal `json:"signals"`
}

// Has reports whether a signal of kind was emitted.
func (o Outcome) Has(kind SignalKind) bool {
	for _, s := range o.Signals {
		if s.Kind == kind {
			return true
		}
	}
	return false
}

// Stats summarises records over a period.
type Stats struct {
	From                   time.Time `json:"from"`
	To                     time.Time `json:"to"`
	ClassID                string    `json:"class_id,omitempty"`
	Total                  int       `json:"total"`
	Present                int       `json:"present"`
	Late                   int       `json:"late"`
	Absent                 int       `json:"absent"`
	Partial                int       `json:"partial"`
	UniqueUsers            int       `json:"unique_users"`
	AttendanceRate         float64   `json:"attendance_rate"`
	PunctualityRate        float64   `json:"punctuality_rate"`
	AverageDurationMinutes float64   `json:"average_duration_minutes"`
}
