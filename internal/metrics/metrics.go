package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bleattend"

// Metrics holds every Prometheus collector the tracker exports.
type Metrics struct {
	DetectionsTotal  *prometheus.CounterVec
	SessionsOpen     prometheus.Gauge
	SessionsClosed   *prometheus.CounterVec
	OrphanExits      prometheus.Counter
	PersistFailures  prometheus.Counter
	SideWriteErrors  *prometheus.CounterVec
	AbsencesMarked   prometheus.Counter
	SweepFailures    prometheus.Counter
	SweepDuration    prometheus.Histogram
	Registrations    *prometheus.CounterVec
	RegistrationQ    prometheus.Gauge
	CachedDevices    prometheus.Gauge
	DirtyDevices     prometheus.Gauge
	UnderLoad        prometheus.Gauge
	CPUUsage         prometheus.Gauge
	MemoryUsage      prometheus.Gauge
	SampleFailures   prometheus.Counter
	ScansRequested   prometheus.Counter
	ScansThrottled   prometheus.Counter
	ScanRequestFails prometheus.Counter
	ActiveScans      prometheus.Gauge
}

// New registers the collectors on reg. A nil reg gets a private registry so
// tests never collide on the default one.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		DetectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tracker", Name: "detections_total",
			Help: "Raw detections processed, by direction and result.",
		}, []string{"direction", "result"}),
		SessionsOpen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "tracker", Name: "sessions_open",
			Help: "Attendance sessions currently open.",
		}),
		SessionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tracker", Name: "sessions_closed_total",
			Help: "Attendance sessions closed, by final status.",
		}, []string{"status"}),
		OrphanExits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tracker", Name: "orphan_exits_total",
			Help: "Exit detections without an open session.",
		}),
		PersistFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tracker", Name: "persist_failures_total",
			Help: "Attendance record writes that failed.",
		}),
		SideWriteErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tracker", Name: "side_write_errors_total",
			Help: "Failed fire-and-forget writes, by sink.",
		}, []string{"sink"}),
		AbsencesMarked: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sweeper", Name: "absences_marked_total",
			Help: "Users automatically marked absent.",
		}),
		SweepFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sweeper", Name: "failures_total",
			Help: "Per-user or per-class failures during absence sweeps.",
		}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "sweeper", Name: "duration_seconds",
			Help:    "Wall time of a full absence sweep.",
			Buckets: prometheus.DefBuckets,
		}),
		Registrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "registry", Name: "registrations_total",
			Help: "Device registrations, by result.",
		}, []string{"result"}),
		RegistrationQ: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "registry", Name: "queue_depth",
			Help: "Registrations waiting for load to subside.",
		}),
		CachedDevices: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "registry", Name: "cached_devices",
			Help: "Devices held in the registry cache.",
		}),
		DirtyDevices: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "registry", Name: "dirty_devices",
			Help: "Cached device status updates not yet flushed to storage.",
		}),
		UnderLoad: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "load", Name: "under_load",
			Help: "1 when the latest hardware sample exceeds a threshold.",
		}),
		CPUUsage: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "load", Name: "cpu_usage_percent",
			Help: "CPU usage from the latest sample.",
		}),
		MemoryUsage: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "load", Name: "memory_usage_percent",
			Help: "Memory usage from the latest sample.",
		}),
		SampleFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "load", Name: "sample_failures_total",
			Help: "Hardware samples that could not be taken.",
		}),
		ScansRequested: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scan", Name: "requested_total",
			Help: "Scan cycles handed to the radio driver.",
		}),
		ScansThrottled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scan", Name: "throttled_total",
			Help: "Scan ticks skipped because the system was under load.",
		}),
		ScanRequestFails: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scan", Name: "request_failures_total",
			Help: "Scan requests that could not be delivered.",
		}),
		ActiveScans: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "scan", Name: "active_locations",
			Help: "Locations with a running scan ticker.",
		}),
	}
}
