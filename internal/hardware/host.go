package hardware

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/sensors"
	"golang.org/x/xerrors"
)

// AdapterProbe reports whether the bluetooth adapter is usable.
type AdapterProbe func(ctx context.Context) bool

// SysfsAdapterProbe checks for any controller under /sys/class/bluetooth.
func SysfsAdapterProbe(context.Context) bool {
	entries, err := os.ReadDir("/sys/class/bluetooth")
	return err == nil && len(entries) > 0
}

// HostSampler reads the local machine with gopsutil. CPU and memory are
// required; disk, temperature and uptime are best effort.
type HostSampler struct {
	DiskPath    string
	CPUInterval time.Duration
	Adapter     AdapterProbe
}

func NewHostSampler(adapter AdapterProbe) *HostSampler {
	if adapter == nil {
		adapter = SysfsAdapterProbe
	}
	return &HostSampler{DiskPath: "/", CPUInterval: 200 * time.Millisecond, Adapter: adapter}
}

func (h *HostSampler) Sample(ctx context.Context) (Status, error) {
	var st Status

	pct, err := cpu.PercentWithContext(ctx, h.CPUInterval, false)
	if err != nil {
		return Status{}, xerrors.Errorf("cpu percent: %w", err)
	}
	if len(pct) > 0 {
		st.CPUUsage = pct[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Status{}, xerrors.Errorf("virtual memory: %w", err)
	}
	st.MemoryUsage = vm.UsedPercent

	if du, err := disk.UsageWithContext(ctx, h.DiskPath); err == nil {
		st.DiskUsage = du.UsedPercent
	}
	if up, err := host.UptimeWithContext(ctx); err == nil {
		st.Uptime = time.Duration(up) * time.Second
	}
	// Sensors often return partial readings with an error; keep the hottest.
	temps, _ := sensors.TemperaturesWithContext(ctx)
	for _, t := range temps {
		if t.Temperature > st.Temperature {
			st.Temperature = t.Temperature
		}
	}
	if h.Adapter != nil {
		st.AdapterOnline = h.Adapter(ctx)
	}
	return st, nil
}
