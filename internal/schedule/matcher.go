package schedule

import (
	"context"
	"time"

	"golang.org/x/xerrors"
)

// DefaultBuffer is how far before the scheduled start and after the scheduled
// end a detection still counts towards a class.
const DefaultBuffer = 30 * time.Minute

// Directory resolves a user's enrolled classes in enrollment order.
type Directory interface {
	EnrolledClasses(ctx context.Context, userID string) ([]Class, error)
}

// Match is the class a detection was attributed to.
type Match struct {
	Class      Class
	Occurrence Occurrence
}

// Matcher attributes detections to enrolled classes.
type Matcher struct {
	dir    Directory
	loc    *time.Location
	buffer time.Duration
}

// NewMatcher creates a matcher evaluating schedules in loc.
func NewMatcher(dir Directory, loc *time.Location, buffer time.Duration) *Matcher {
	if loc == nil {
		loc = time.Local
	}
	if buffer < 0 {
		buffer = DefaultBuffer
	}
	return &Matcher{dir: dir, loc: loc, buffer: buffer}
}

// Location returns the time zone schedules are evaluated in.
func (m *Matcher) Location() *time.Location {
	return m.loc
}

// Match returns the first enrolled class held at location whose schedule
// window, widened by the buffer, contains ts. It returns nil when nothing
// matches.
func (m *Matcher) Match(ctx context.Context, userID, location string, ts time.Time) (*Match, error) {
	classes, err := m.dir.EnrolledClasses(ctx, userID)
	if err != nil {
		return nil, xerrors.Errorf("load enrollments for %s: %w", userID, err)
	}
	local := truncateMinute(ts.In(m.loc))
	for _, c := range classes {
		if !c.Active || c.Location != location {
			continue
		}
		for _, occ := range c.occurrencesAround(local) {
			if local.Before(occ.Start.Add(-m.buffer)) || local.After(occ.End.Add(m.buffer)) {
				continue
			}
			return &Match{Class: c, Occurrence: occ}, nil
		}
	}
	return nil, nil
}

func truncateMinute(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, t.Hour(), t.Minute(), 0, 0, t.Location())
}
