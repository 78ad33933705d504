package attendance

import (
	"context"
	"time"

	"bleattend/internal/schedule"
)

// Store persists attendance records.
type Store interface {
	CreateRecord(ctx context.Context, rec Record) (Record, error)
	UpdateRecord(ctx context.Context, id string, upd RecordUpdate) (Record, error)
	// FindRecordForDay returns the first record for the user and class created
	// in [from, to), or nil.
	FindRecordForDay(ctx context.Context, userID, classID string, from, to time.Time) (*Record, error)
	ListRecords(ctx context.Context, f RecordFilter) ([]Record, error)
}

// ClassMatcher attributes a detection to a class.
type ClassMatcher interface {
	Match(ctx context.Context, userID, location string, ts time.Time) (*schedule.Match, error)
}

// ClassDirectory enumerates classes and their enrollments for the sweeper.
type ClassDirectory interface {
	ActiveClasses(ctx context.Context) ([]schedule.Class, error)
	EnrolledUsers(ctx context.Context, classID string) ([]string, error)
}

// LiveCache mirrors recent events for real-time consumers.
type LiveCache interface {
	SetLatest(ctx context.Context, userID string, v any) error
	SetEvent(ctx context.Context, eventID string, v any) error
}

// Notifier forwards signals to an outbound channel such as a queue.
type Notifier interface {
	Notify(ctx context.Context, s Signal) error
}
