package attendance

import (
	"context"
	"fmt"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"

	"bleattend/internal/schedule"
)

// DefaultSweepInterval is how often absences are auto-marked.
const DefaultSweepInterval = 5 * time.Minute

// SweepReport counts what one sweep did.
type SweepReport struct {
	Disabled        bool `json:"disabled"`
	ClassesDue      int  `json:"classes_due"`
	Marked          int  `json:"marked"`
	AlreadyRecorded int  `json:"already_recorded"`
	Failed          int  `json:"failed"`
}

// Sweeper marks enrolled users absent once a class has been running for the
// absence threshold without them.
type Sweeper struct {
	tracker  *Tracker
	dir      ClassDirectory
	clock    quartz.Clock
	logger   slog.Logger
	interval time.Duration
}

// NewSweeper creates a sweeper that writes through tracker.
func NewSweeper(tracker *Tracker, dir ClassDirectory, logger slog.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		tracker:  tracker,
		dir:      dir,
		clock:    tracker.clock,
		logger:   logger.Named("absence_sweeper"),
		interval: interval,
	}
}

// Start sweeps every interval until ctx is done.
func (s *Sweeper) Start(ctx context.Context) quartz.Waiter {
	s.logger.Info(ctx, "absence sweeper started", slog.F("interval", s.interval))
	return s.clock.TickerFunc(ctx, s.interval, func() error {
		s.Sweep(ctx)
		return nil
	}, "absence_sweeper")
}

// Sweep runs one pass. Failures for a class or a user are logged and counted;
// the pass always visits everything. Cancelling ctx does not interrupt a pass
// that has started.
func (s *Sweeper) Sweep(ctx context.Context) SweepReport {
	ctx = context.WithoutCancel(ctx)
	settings := s.tracker.Settings()
	if !settings.AutoMarkAbsentEnabled {
		return SweepReport{Disabled: true}
	}

	start := s.clock.Now()
	defer func() {
		s.tracker.metrics.SweepDuration.Observe(s.clock.Since(start).Seconds())
	}()

	var report SweepReport
	now := start.In(s.tracker.loc)
	threshold := minutes(settings.AbsentThresholdMinutes)

	classes, err := s.dir.ActiveClasses(ctx)
	if err != nil {
		report.Failed++
		s.tracker.metrics.SweepFailures.Inc()
		s.logger.Error(ctx, "list active classes", slog.Error(err))
		return report
	}

	for _, c := range classes {
		for _, occ := range c.Started(now) {
			if now.Before(occ.Start.Add(threshold)) {
				continue
			}
			report.ClassesDue++
			s.sweepOccurrence(ctx, c.ID, occ, now, settings, &report)
		}
	}

	if report.Marked > 0 || report.Failed > 0 {
		s.logger.Info(ctx, "absence sweep finished",
			slog.F("classes_due", report.ClassesDue),
			slog.F("marked", report.Marked),
			slog.F("already_recorded", report.AlreadyRecorded),
			slog.F("failed", report.Failed))
	}
	return report
}

// sweepOccurrence marks every enrolled user without a record for occ. The
// record window spans each calendar day the occurrence touches.
func (s *Sweeper) sweepOccurrence(ctx context.Context, classID string, occ schedule.Occurrence, now time.Time, settings Settings, report *SweepReport) {
	users, err := s.dir.EnrolledUsers(ctx, classID)
	if err != nil {
		report.Failed++
		s.tracker.metrics.SweepFailures.Inc()
		s.logger.Error(ctx, "list enrollments", slog.F("class_id", classID), slog.Error(err))
		return
	}

	from := midnight(occ.Start.In(s.tracker.loc))
	to := midnight(occ.End.In(s.tracker.loc)).AddDate(0, 0, 1)
	for _, userID := range users {
		rec, err := s.tracker.store.FindRecordForDay(ctx, userID, classID, from, to)
		if err != nil {
			report.Failed++
			s.tracker.metrics.SweepFailures.Inc()
			s.logger.Warn(ctx, "check attendance record",
				slog.F("class_id", classID), slog.F("user_id", userID), slog.Error(err))
			continue
		}
		if rec != nil {
			report.AlreadyRecorded++
			continue
		}
		_, err = s.tracker.MarkManually(ctx, ManualMark{
			UserID:    userID,
			Status:    StatusAbsent,
			ClassID:   classID,
			Timestamp: now,
			Reason:    fmt.Sprintf("auto: no attendance %d minutes after class start", settings.AbsentThresholdMinutes),
		})
		if err != nil {
			report.Failed++
			s.tracker.metrics.SweepFailures.Inc()
			s.logger.Warn(ctx, "auto-mark absent",
				slog.F("class_id", classID), slog.F("user_id", userID), slog.Error(err))
			continue
		}
		report.Marked++
		s.tracker.metrics.AbsencesMarked.Inc()
	}
}
