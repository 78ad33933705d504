package attendance

import (
	"context"
	"math"
	"time"

	"golang.org/x/xerrors"
)

// Stats aggregates persisted records created between from and to, optionally
// for one class. Rates are percentages rounded to two decimals.
func (t *Tracker) Stats(ctx context.Context, from, to time.Time, classID string) (Stats, error) {
	if !to.IsZero() && to.Before(from) {
		return Stats{}, xerrors.Errorf("stats range ends (%s) before it starts (%s)", to, from)
	}
	recs, err := t.store.ListRecords(ctx, RecordFilter{From: from, To: to, ClassID: classID})
	if err != nil {
		return Stats{}, xerrors.Errorf("list records: %w", err)
	}
	st := summarize(recs)
	st.From, st.To, st.ClassID = from, to, classID
	return st, nil
}

func summarize(recs []Record) Stats {
	var (
		st       Stats
		users    = make(map[string]struct{})
		closed   int
		minTotal int
	)
	for _, r := range recs {
		st.Total++
		users[r.UserID] = struct{}{}
		switch r.Status {
		case StatusPresent:
			st.Present++
		case StatusLate:
			st.Late++
		case StatusAbsent:
			st.Absent++
		case StatusPartial:
			st.Partial++
		}
		if r.Status != StatusAbsent && r.ExitTime != nil {
			closed++
			minTotal += r.DurationMinutes
		}
	}
	st.UniqueUsers = len(users)
	if st.Total > 0 {
		st.AttendanceRate = percent(st.Present+st.Late, st.Total)
	}
	if attended := st.Present + st.Late; attended > 0 {
		st.PunctualityRate = percent(st.Present, attended)
	}
	if closed > 0 {
		st.AverageDurationMinutes = math.Round(float64(minTotal)/float64(closed)*100) / 100
	}
	return st
}

func percent(n, d int) float64 {
	return math.Round(float64(n)/float64(d)*10000) / 100
}
