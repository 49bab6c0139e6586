package system

import (
	"context"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Metrics is a point-in-time view of host load, reported next to store
// health so operators can tell a slow provider from a saturated host.
type Metrics struct {
	CPUUsagePercent    float64 `json:"cpu_usage_percent"`
	MemoryUsagePercent float64 `json:"memory_usage_percent"`
	MemoryUsedBytes    uint64  `json:"memory_used_bytes"`
	MemoryTotalBytes   uint64  `json:"memory_total_bytes"`
	LoadAvg1m          float64 `json:"load_1m"`
	LoadAvg5m          float64 `json:"load_5m"`
	LoadAvg15m         float64 `json:"load_15m"`
}

// Collect samples the host for the /health response. A probe the platform
// does not support leaves its fields at zero rather than failing the check.
func Collect(ctx context.Context) *Metrics {
	m := &Metrics{}

	// Enrichment workers and the matcher share the CPU; sustained high usage
	// explains AI_SYNC_TIMEOUT expiries that are not the provider's fault.
	if busy, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(busy) > 0 {
		m.CPUUsagePercent = busy[0]
	}

	// Uploaded files are decoded in memory, so headroom bounds how large a
	// /scan-file request the host can take.
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		m.MemoryUsagePercent = vm.UsedPercent
		m.MemoryUsedBytes = vm.Used
		m.MemoryTotalBytes = vm.Total
	}

	// Run queue length separates a saturated host from a slow store ping.
	if avg, err := load.AvgWithContext(ctx); err == nil {
		m.LoadAvg1m = avg.Load1
		m.LoadAvg5m = avg.Load5
		m.LoadAvg15m = avg.Load15
	}

	return m
}
