package device

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

// Store persists devices.
type Store interface {
	// Create inserts d, or returns the existing device when the MAC is taken.
	Create(ctx context.Context, d Device) (Device, error)
	ByMAC(ctx context.Context, mac string) (*Device, error)
	Touch(ctx context.Context, id string, seen time.Time) error
	UpdateStatus(ctx context.Context, upd StatusUpdate, seen time.Time) (Device, error)
	ListActive(ctx context.Context, limit, offset int) ([]Device, error)
	Deactivate(ctx context.Context, id string) error
}

// Repository is the Postgres Store.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const deviceColumns = `id, user_id, mac_address, device_name, device_type, is_active,
	registered_at, last_seen, battery_level, signal_strength`

func scanDevice(row interface{ Scan(...any) error }) (Device, error) {
	var (
		d               Device
		battery, signal sql.NullInt32
	)
	if err := row.Scan(&d.ID, &d.UserID, &d.MACAddress, &d.DeviceName, &d.DeviceType, &d.IsActive,
		&d.RegisteredAt, &d.LastSeen, &battery, &signal); err != nil {
		return Device{}, err
	}
	if battery.Valid {
		v := int(battery.Int32)
		d.BatteryLevel = &v
	}
	if signal.Valid {
		v := int(signal.Int32)
		d.SignalStrength = &v
	}
	return d, nil
}

func (r *Repository) Create(ctx context.Context, d Device) (Device, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO devices (id, user_id, mac_address, device_name, device_type, is_active, registered_at, last_seen)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6, $6)
		ON CONFLICT (mac_address) DO UPDATE SET last_seen = EXCLUDED.last_seen
		RETURNING `+deviceColumns,
		d.ID, d.UserID, d.MACAddress, d.DeviceName, d.DeviceType, d.RegisteredAt)
	return scanDevice(row)
}

func (r *Repository) ByMAC(ctx context.Context, mac string) (*Device, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE mac_address = $1`, mac)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}

func (r *Repository) Touch(ctx context.Context, id string, seen time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE devices SET last_seen = $2 WHERE id = $1`, id, seen)
	if err != nil {
		return err
	}
	return expectOne(res, id)
}

func (r *Repository) UpdateStatus(ctx context.Context, upd StatusUpdate, seen time.Time) (Device, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE devices
		SET is_active = $2,
			battery_level = COALESCE($3, battery_level),
			signal_strength = COALESCE($4, signal_strength),
			last_seen = $5
		WHERE id = $1
		RETURNING `+deviceColumns, upd.DeviceID, upd.IsActive, upd.BatteryLevel, upd.SignalStrength, seen)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, xerrors.Errorf("%w: %s", ErrNotFound, upd.DeviceID)
	}
	return d, err
}

func (r *Repository) ListActive(ctx context.Context, limit, offset int) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+deviceColumns+`
		FROM devices
		WHERE is_active
		ORDER BY last_seen DESC, id
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// Deactivate marks a device inactive. Devices are never deleted.
func (r *Repository) Deactivate(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE devices SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectOne(res, id)
}

func expectOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return xerrors.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
