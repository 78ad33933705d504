package schedule

import "time"

// LateClassifier decides whether an arrival counts as late.
type LateClassifier struct {
	loc *time.Location
}

// NewLateClassifier creates a classifier comparing wall-clock times in loc.
func NewLateClassifier(loc *time.Location) *LateClassifier {
	if loc == nil {
		loc = time.Local
	}
	return &LateClassifier{loc: loc}
}

// IsLate reports whether ts, truncated to the minute, is after the
// occurrence's start plus threshold.
func (l *LateClassifier) IsLate(occ Occurrence, ts time.Time, threshold time.Duration) bool {
	local := truncateMinute(ts.In(l.loc))
	return local.After(occ.Start.In(l.loc).Add(threshold))
}
