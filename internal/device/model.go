package device

import (
	"net"
	"strings"
	"time"

	"golang.org/x/xerrors"
)

var (
	// ErrQueueFull is returned when a registration is shed under load and the
	// pending queue is at capacity.
	ErrQueueFull = xerrors.New("registration queue full")
	// ErrNotFound is returned for unknown device ids.
	ErrNotFound = xerrors.New("device not found")
	// ErrInvalidMAC is returned for addresses that are not 48-bit MACs.
	ErrInvalidMAC = xerrors.New("invalid mac address")
)

// Device is a registered BLE device.
type Device struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	MACAddress     string    `json:"mac_address"`
	DeviceName     string    `json:"device_name"`
	DeviceType     string    `json:"device_type"`
	IsActive       bool      `json:"is_active"`
	RegisteredAt   time.Time `json:"registered_at"`
	LastSeen       time.Time `json:"last_seen"`
	BatteryLevel   *int      `json:"battery_level,omitempty"`
	SignalStrength *int      `json:"signal_strength,omitempty"`
}

// Registration is a request to add a device.
type Registration struct {
	MACAddress string `json:"mac_address" binding:"required"`
	UserID     string `json:"user_id" binding:"required"`
	DeviceName string `json:"device_name"`
	DeviceType string `json:"device_type"`
}

// RegisterResult reports either the device id or that the request was queued.
type RegisterResult struct {
	DeviceID string `json:"device_id,omitempty"`
	Queued   bool   `json:"queued"`
}

// StatusUpdate carries a heartbeat from a device. Nil readings leave the stored
// value untouched.
type StatusUpdate struct {
	DeviceID       string `json:"device_id"`
	IsActive       bool   `json:"is_active"`
	BatteryLevel   *int   `json:"battery_level,omitempty"`
	SignalStrength *int   `json:"signal_strength,omitempty"`
}

// RegistryStats is a point-in-time view of the registry internals.
type RegistryStats struct {
	CachedDevices int           `json:"cached_devices"`
	Queued        int           `json:"queued_registrations"`
	DirtyDevices  int           `json:"dirty_devices"`
	UnderLoad     bool          `json:"under_load"`
	DeviceTimeout time.Duration `json:"device_timeout"`
}

// NormalizeMAC validates mac and returns it upper-case and colon separated.
func NormalizeMAC(mac string) (string, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(mac))
	if err != nil || len(hw) != 6 {
		return "", xerrors.Errorf("%w: %q", ErrInvalidMAC, mac)
	}
	return strings.ToUpper(hw.String()), nil
}

func (u StatusUpdate) apply(d *Device, seen time.Time) {
	d.IsActive = u.IsActive
	if u.BatteryLevel != nil {
		v := *u.BatteryLevel
		d.BatteryLevel = &v
	}
	if u.SignalStrength != nil {
		v := *u.SignalStrength
		d.SignalStrength = &v
	}
	d.LastSeen = seen
}

func statusOf(d Device) StatusUpdate {
	return StatusUpdate{
		DeviceID:       d.ID,
		IsActive:       d.IsActive,
		BatteryLevel:   d.BatteryLevel,
		SignalStrength: d.SignalStrength,
	}
}
