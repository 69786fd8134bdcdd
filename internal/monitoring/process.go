package monitoring

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// ProcessMonitor periodically samples process resource usage into the
// process gauges. One instance per server.
type ProcessMonitor struct {
	logger   zerolog.Logger
	interval time.Duration
	proc     *process.Process
}

func NewProcessMonitor(logger zerolog.Logger, interval time.Duration) *ProcessMonitor {
	pm := &ProcessMonitor{
		logger:   logger.With().Str("component", "process_monitor").Logger(),
		interval: interval,
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		pm.logger.Error().Err(err).Msg("Failed to get process info")
		proc = nil
	}
	pm.proc = proc

	return pm
}

// Run samples until the context is cancelled. Intended as a goroutine.
func (pm *ProcessMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(pm.interval)
	defer ticker.Stop()

	pm.sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.sample()
		}
	}
}

func (pm *ProcessMonitor) sample() {
	ProcessGoroutines.Set(float64(runtime.NumGoroutine()))

	if pm.proc != nil {
		if cpuPct, err := pm.proc.CPUPercent(); err == nil {
			ProcessCPUPercent.Set(cpuPct)
		}
		if memInfo, err := pm.proc.MemoryInfo(); err == nil {
			ProcessMemoryBytes.Set(float64(memInfo.RSS))
			pm.logger.Debug().
				Uint64("rss_bytes", memInfo.RSS).
				Int("goroutines", runtime.NumGoroutine()).
				Msg("Process stats sampled")
			return
		}
	}

	// Fallback to system memory when process stats are unavailable
	if vmem, err := mem.VirtualMemory(); err == nil {
		ProcessMemoryBytes.Set(float64(vmem.Used))
	}
}
