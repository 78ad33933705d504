package attendance

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"bleattend/internal/schedule"
)

// Repository persists attendance records and reads classes and enrollments
// from Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const recordColumns = `id, user_id, device_id, COALESCE(class_id, ''), location, entry_time, exit_time,
	duration_minutes, status, is_late_arrival, manual, reason, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec  Record
		exit sql.NullTime
	)
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.DeviceID, &rec.ClassID, &rec.Location, &rec.EntryTime, &exit,
		&rec.DurationMinutes, &rec.Status, &rec.IsLateArrival, &rec.Manual, &rec.Reason, &rec.CreatedAt); err != nil {
		return Record{}, err
	}
	if exit.Valid {
		t := exit.Time
		rec.ExitTime = &t
	}
	return rec, nil
}

// CreateRecord inserts a record, assigning an id when missing.
func (r *Repository) CreateRecord(ctx context.Context, rec Record) (Record, error) {
	if rec.UserID == "" {
		return Record{}, xerrors.New("user id required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records
			(id, user_id, device_id, class_id, location, entry_time, exit_time,
			 duration_minutes, status, is_late_arrival, manual, reason)
		VALUES ($1, $2, $3, NULLIF($4::text, ''), $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at
	`, rec.ID, rec.UserID, rec.DeviceID, rec.ClassID, rec.Location, rec.EntryTime, rec.ExitTime,
		rec.DurationMinutes, rec.Status, rec.IsLateArrival, rec.Manual, rec.Reason)
	if err := row.Scan(&rec.CreatedAt); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// UpdateRecord closes or overrides a record and returns its new state.
func (r *Repository) UpdateRecord(ctx context.Context, id string, upd RecordUpdate) (Record, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE attendance_records
		SET exit_time = $2, duration_minutes = $3, status = $4,
			reason = COALESCE(NULLIF($5::text, ''), reason),
			entry_time = COALESCE($6, entry_time)
		WHERE id = $1
		RETURNING `+recordColumns, id, upd.ExitTime, upd.DurationMinutes, upd.Status, upd.Reason, upd.EntryTime)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, xerrors.Errorf("attendance record %s not found", id)
	}
	return rec, err
}

// FindRecordForDay returns the earliest record whose entry falls in
// [from, to) for the user and class. An empty classID matches class-less
// records only.
func (r *Repository) FindRecordForDay(ctx context.Context, userID, classID string, from, to time.Time) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM attendance_records
		WHERE user_id = $1 AND COALESCE(class_id, '') = $2 AND entry_time >= $3 AND entry_time < $4
		ORDER BY entry_time
		LIMIT 1
	`, userID, classID, from, to)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// ListRecords returns records matching the filter, oldest first.
func (r *Repository) ListRecords(ctx context.Context, f RecordFilter) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM attendance_records`
	args := []any{}
	clauses := []string{}
	if !f.From.IsZero() {
		args = append(args, f.From)
		clauses = append(clauses, "entry_time >= $"+strconv.Itoa(len(args)))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		clauses = append(clauses, "entry_time < $"+strconv.Itoa(len(args)))
	}
	if f.ClassID != "" {
		args = append(args, f.ClassID)
		clauses = append(clauses, "class_id = $"+strconv.Itoa(len(args)))
	}
	if f.UserID != "" {
		args = append(args, f.UserID)
		clauses = append(clauses, "user_id = $"+strconv.Itoa(len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY entry_time"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// EnrolledClasses returns the user's classes in enrollment order.
func (r *Repository) EnrolledClasses(ctx context.Context, userID string) ([]schedule.Class, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT c.id, c.name, c.location, c.active
		FROM enrollments e
		JOIN classes c ON c.id = e.class_id
		WHERE e.user_id = $1 AND e.active
		ORDER BY e.enrolled_at, e.id
	`, userID)
	if err != nil {
		return nil, err
	}
	classes, err := scanClasses(rows)
	if err != nil {
		return nil, err
	}
	return r.withSchedules(ctx, classes)
}

// ActiveClasses returns every active class with its weekly schedule.
func (r *Repository) ActiveClasses(ctx context.Context) ([]schedule.Class, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, location, active FROM classes WHERE active ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	classes, err := scanClasses(rows)
	if err != nil {
		return nil, err
	}
	return r.withSchedules(ctx, classes)
}

// EnrolledUsers lists the users actively enrolled in a class.
func (r *Repository) EnrolledUsers(ctx context.Context, classID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id FROM enrollments WHERE class_id = $1 AND active ORDER BY enrolled_at, id
	`, classID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func scanClasses(rows *sql.Rows) ([]schedule.Class, error) {
	defer rows.Close()
	var classes []schedule.Class
	for rows.Next() {
		var c schedule.Class
		if err := rows.Scan(&c.ID, &c.Name, &c.Location, &c.Active); err != nil {
			return nil, err
		}
		classes = append(classes, c)
	}
	return classes, rows.Err()
}

func (r *Repository) withSchedules(ctx context.Context, classes []schedule.Class) ([]schedule.Class, error) {
	if len(classes) == 0 {
		return classes, nil
	}
	ids := make([]string, len(classes))
	for i, c := range classes {
		ids[i] = c.ID
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT class_id, weekday, start_time, end_time
		FROM class_schedules
		WHERE class_id = ANY($1)
		ORDER BY class_id, weekday, start_time
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make(map[string][]schedule.Entry, len(classes))
	for rows.Next() {
		var (
			classID, start, end string
			weekday             int
		)
		if err := rows.Scan(&classID, &weekday, &start, &end); err != nil {
			return nil, err
		}
		s, err := schedule.ParseTimeOfDay(start)
		if err != nil {
			return nil, xerrors.Errorf("class %s: %w", classID, err)
		}
		e, err := schedule.ParseTimeOfDay(end)
		if err != nil {
			return nil, xerrors.Errorf("class %s: %w", classID, err)
		}
		entries[classID] = append(entries[classID], schedule.Entry{
			Weekday: time.Weekday(weekday),
			Start:   s,
			End:     e,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range classes {
		classes[i].Schedule = entries[classes[i].ID]
	}
	return classes, nil
}
