package hardware_test

import (
	"context"
	"sync"
	"testing"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/quartz"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/xerrors"

	"bleattend/internal/hardware"
	"bleattend/internal/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scripted returns queued samples in order, repeating the last.
type scripted struct {
	mu      sync.Mutex
	samples []hardware.Status
	errs    []error
	calls   int
}

func (s *scripted) Sample(context.Context) (hardware.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return hardware.Status{}, s.errs[i]
	}
	if i >= len(s.samples) {
		i = len(s.samples) - 1
	}
	return s.samples[i], nil
}

func newMonitor(t *testing.T, s hardware.Sampler, clock quartz.Clock, m *metrics.Metrics) *hardware.Monitor {
	return hardware.NewMonitor(hardware.Options{
		Sampler: s,
		Clock:   clock,
		Logger:  slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}),
		Metrics: m,
	})
}

func TestMonitor_FailOpenWithoutSample(t *testing.T) {
	t.Parallel()
	mon := newMonitor(t, &scripted{}, quartz.NewMock(t), nil)
	assert.False(t, mon.UnderLoad())
	_, ok := mon.Status()
	assert.False(t, ok)
}

func TestMonitor_Thresholds(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name     string
		cpu, mem float64
		want     bool
	}{
		{name: "Idle", cpu: 10, mem: 40},
		{name: "MemoryAtThreshold", cpu: 10, mem: 80},
		{name: "MemoryOver", cpu: 10, mem: 85, want: true},
		{name: "CPUAtThreshold", cpu: 70, mem: 10},
		{name: "CPUOver", cpu: 70.5, mem: 10, want: true},
		{name: "Both", cpu: 99, mem: 99, want: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := metrics.New(nil)
			mon := newMonitor(t, &scripted{samples: []hardware.Status{{CPUUsage: tc.cpu, MemoryUsage: tc.mem}}}, quartz.NewMock(t), m)
			require.NoError(t, mon.Sample(context.Background()))
			assert.Equal(t, tc.want, mon.UnderLoad())
			want := 0.0
			if tc.want {
				want = 1
			}
			assert.Equal(t, want, promtest.ToFloat64(m.UnderLoad))
		})
	}
}

func TestMonitor_LatestSampleOnly(t *testing.T) {
	t.Parallel()
	s := &scripted{samples: []hardware.Status{{MemoryUsage: 95}, {MemoryUsage: 50}}}
	mon := newMonitor(t, s, quartz.NewMock(t), nil)
	ctx := context.Background()

	require.NoError(t, mon.Sample(ctx))
	assert.True(t, mon.UnderLoad())
	require.NoError(t, mon.Sample(ctx))
	assert.False(t, mon.UnderLoad())
}

func TestMonitor_FailedSampleKeepsSnapshot(t *testing.T) {
	t.Parallel()
	m := metrics.New(nil)
	clock := quartz.NewMock(t)
	s := &scripted{
		samples: []hardware.Status{{MemoryUsage: 90}, {}, {MemoryUsage: 90}},
		errs:    []error{nil, xerrors.New("procfs unavailable")},
	}
	mon := newMonitor(t, s, clock, m)
	ctx := context.Background()

	require.NoError(t, mon.Sample(ctx))
	require.Error(t, mon.Sample(ctx))
	assert.True(t, mon.UnderLoad())
	st, ok := mon.Status()
	require.True(t, ok)
	assert.Equal(t, 90.0, st.MemoryUsage)
	assert.Equal(t, clock.Now(), st.SampledAt)
	assert.Equal(t, 1.0, promtest.ToFloat64(m.SampleFailures))
}

func TestMonitor_Start(t *testing.T) {
	t.Parallel()
	clock := quartz.NewMock(t)
	s := &scripted{samples: []hardware.Status{{MemoryUsage: 10}, {MemoryUsage: 85}}}
	mon := newMonitor(t, s, clock, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := mon.Start(ctx)
	assert.False(t, mon.UnderLoad())
	clock.Advance(hardware.DefaultInterval).MustWait(ctx)
	assert.True(t, mon.UnderLoad())

	cancel()
	_ = w.Wait()
}

func TestHostSampler_UsesProbe(t *testing.T) {
	t.Parallel()
	h := hardware.NewHostSampler(func(context.Context) bool { return true })
	h.CPUInterval = 0
	st, err := h.Sample(context.Background())
	if err != nil {
		t.Skipf("host metrics unavailable: %v", err)
	}
	assert.True(t, st.AdapterOnline)
	assert.GreaterOrEqual(t, st.MemoryUsage, 0.0)
	assert.LessOrEqual(t, st.MemoryUsage, 100.0)
}
