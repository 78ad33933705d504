package hardware

import (
	"context"
	"sync/atomic"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"golang.org/x/xerrors"

	"bleattend/internal/metrics"
)

const (
	DefaultInterval        = 10 * time.Second
	DefaultCPUThreshold    = 70.0
	DefaultMemoryThreshold = 80.0
)

// Status is one host sample. Percentages are 0-100.
type Status struct {
	CPUUsage      float64       `json:"cpu_usage"`
	MemoryUsage   float64       `json:"memory_usage"`
	DiskUsage     float64       `json:"disk_usage"`
	Temperature   float64       `json:"temperature"`
	Uptime        time.Duration `json:"uptime"`
	AdapterOnline bool          `json:"adapter_online"`
	SampledAt     time.Time     `json:"sampled_at"`
}

// Sampler reads the current host status.
type Sampler interface {
	Sample(ctx context.Context) (Status, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(ctx context.Context) (Status, error)

func (f SamplerFunc) Sample(ctx context.Context) (Status, error) { return f(ctx) }

// Options configures a Monitor. Sampler is required.
type Options struct {
	Sampler         Sampler
	Clock           quartz.Clock
	Logger          slog.Logger
	Metrics         *metrics.Metrics
	Interval        time.Duration
	CPUThreshold    float64
	MemoryThreshold float64
}

// Monitor keeps the latest host sample and derives the under-load signal from
// it. Only the latest sample counts; there is no smoothing.
type Monitor struct {
	sampler  Sampler
	clock    quartz.Clock
	logger   slog.Logger
	metrics  *metrics.Metrics
	interval time.Duration
	cpuMax   float64
	memMax   float64

	latest atomic.Pointer[Status]
}

func NewMonitor(opts Options) *Monitor {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.CPUThreshold <= 0 {
		opts.CPUThreshold = DefaultCPUThreshold
	}
	if opts.MemoryThreshold <= 0 {
		opts.MemoryThreshold = DefaultMemoryThreshold
	}
	return &Monitor{
		sampler:  opts.Sampler,
		clock:    opts.Clock,
		logger:   opts.Logger.Named("load_monitor"),
		metrics:  opts.Metrics,
		interval: opts.Interval,
		cpuMax:   opts.CPUThreshold,
		memMax:   opts.MemoryThreshold,
	}
}

// Sample takes one reading and replaces the snapshot. On failure the previous
// snapshot is kept.
func (m *Monitor) Sample(ctx context.Context) error {
	st, err := m.sampler.Sample(ctx)
	if err != nil {
		m.metrics.SampleFailures.Inc()
		return xerrors.Errorf("sample host: %w", err)
	}
	if st.SampledAt.IsZero() {
		st.SampledAt = m.clock.Now()
	}
	prev := m.latest.Swap(&st)

	load := m.overThreshold(st)
	m.metrics.CPUUsage.Set(st.CPUUsage)
	m.metrics.MemoryUsage.Set(st.MemoryUsage)
	if load {
		m.metrics.UnderLoad.Set(1)
	} else {
		m.metrics.UnderLoad.Set(0)
	}
	if prev == nil || m.overThreshold(*prev) != load {
		m.logger.Info(ctx, "load state changed",
			slog.F("under_load", load),
			slog.F("cpu_usage", st.CPUUsage),
			slog.F("memory_usage", st.MemoryUsage))
	}
	if !st.AdapterOnline && (prev == nil || prev.AdapterOnline) {
		m.logger.Warn(ctx, "bluetooth adapter offline")
	}
	return nil
}

// UnderLoad reports whether the latest sample exceeds either threshold. It is
// false until the first sample lands.
func (m *Monitor) UnderLoad() bool {
	st := m.latest.Load()
	if st == nil {
		return false
	}
	return m.overThreshold(*st)
}

func (m *Monitor) overThreshold(st Status) bool {
	return st.MemoryUsage > m.memMax || st.CPUUsage > m.cpuMax
}

// Status returns the latest sample, if any.
func (m *Monitor) Status() (Status, bool) {
	st := m.latest.Load()
	if st == nil {
		return Status{}, false
	}
	return *st, true
}

// Start samples once immediately and then every interval until ctx is done.
func (m *Monitor) Start(ctx context.Context) quartz.Waiter {
	if err := m.Sample(ctx); err != nil {
		m.logger.Warn(ctx, "initial hardware sample failed", slog.Error(err))
	}
	return m.clock.TickerFunc(ctx, m.interval, func() error {
		if err := m.Sample(ctx); err != nil {
			m.logger.Warn(ctx, "hardware sample failed", slog.Error(err))
		}
		return nil
	}, "load_monitor")
}
