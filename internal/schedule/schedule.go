package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/xerrors"
)

const minutesPerDay = 24 * 60

// TimeOfDay is a wall-clock time expressed in minutes after local midnight.
type TimeOfDay int

// ParseTimeOfDay parses a zero-padded or unpadded 24-hour "HH:MM" string.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, xerrors.Errorf("invalid time of day %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, xerrors.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, xerrors.Errorf("invalid minute in %q", s)
	}
	return TimeOfDay(h*60 + m), nil
}

// MustTimeOfDay is ParseTimeOfDay for literals.
func MustTimeOfDay(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

// Entry is one weekly slot of a class. An entry whose End is before its Start
// runs overnight and belongs to the weekday it starts on.
type Entry struct {
	Weekday time.Weekday `json:"weekday"`
	Start   TimeOfDay    `json:"start"`
	End     TimeOfDay    `json:"end"`
}

// Overnight reports whether the entry crosses midnight.
func (e Entry) Overnight() bool {
	return e.End < e.Start
}

// length is the slot duration in minutes.
func (e Entry) length() int {
	if e.Overnight() {
		return int(e.End) + minutesPerDay - int(e.Start)
	}
	return int(e.End - e.Start)
}

// StartOn returns the absolute start of the entry on the calendar day of day.
func (e Entry) StartOn(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, int(e.Start)/60, int(e.Start)%60, 0, 0, day.Location())
}

// Class is a scheduled class as far as attendance is concerned.
type Class struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Location string  `json:"location"`
	Active   bool    `json:"active"`
	Schedule []Entry `json:"schedule"`
}

// Occurrence is a concrete instance of a class slot.
type Occurrence struct {
	Entry Entry
	Start time.Time
	End   time.Time
}

// occurrencesAround returns the class's slots that start on the day before,
// the day of, or the day after ts, in that order.
func (c Class) occurrencesAround(ts time.Time) []Occurrence {
	var out []Occurrence
	for _, offset := range []int{-1, 0, 1} {
		day := ts.AddDate(0, 0, offset)
		for _, e := range c.Schedule {
			if e.Weekday != day.Weekday() {
				continue
			}
			start := e.StartOn(day)
			out = append(out, Occurrence{
				Entry: e,
				Start: start,
				End:   start.Add(time.Duration(e.length()) * time.Minute),
			})
		}
	}
	return out
}

// Started returns the slots that started by ts: those starting earlier on the
// calendar day of ts and overnight slots carried over from the previous day.
func (c Class) Started(ts time.Time) []Occurrence {
	var out []Occurrence
	today := midnightOf(ts)
	for _, occ := range c.occurrencesAround(ts) {
		if occ.Start.After(ts) {
			continue
		}
		if occ.Start.Before(today) && !occ.Entry.Overnight() {
			continue
		}
		out = append(out, occ)
	}
	return out
}

func midnightOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
