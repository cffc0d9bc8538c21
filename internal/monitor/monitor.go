// Package monitor samples process resource usage on a fixed interval and
// raises log warnings as memory approaches the configured limit.
package monitor

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/adred-codev/chatrelay/internal/metrics"
)

// Monitor periodically records RSS, CPU and goroutine counts into the
// Prometheus gauges and logs threshold breaches.
type Monitor struct {
	logger      zerolog.Logger
	interval    time.Duration
	memoryLimit int64
	proc        *process.Process
}

// New builds a monitor for the current process. A failure to resolve the
// process handle falls back to system-wide memory sampling.
func New(logger zerolog.Logger, interval time.Duration, memoryLimit int64) *Monitor {
	m := &Monitor{
		logger:      logger,
		interval:    interval,
		memoryLimit: memoryLimit,
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to get process info; using system memory fallback")
	} else {
		m.proc = proc
	}
	return m
}

// Start launches the sampling loop. It stops when ctx is cancelled.
func (m *Monitor) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sample()
			}
		}
	}()
}

func (m *Monitor) sample() {
	var memUsed float64
	var cpuPercent float64

	if m.proc != nil {
		if memInfo, err := m.proc.MemoryInfo(); err == nil {
			memUsed = float64(memInfo.RSS)
		}
		if pct, err := m.proc.CPUPercent(); err == nil {
			cpuPercent = pct
		}
	} else if vmem, err := mem.VirtualMemory(); err == nil {
		memUsed = float64(vmem.Used)
	}

	goroutines := runtime.NumGoroutine()
	metrics.UpdateSystem(memUsed, cpuPercent, goroutines)

	if m.memoryLimit <= 0 {
		return
	}
	memPercent := memUsed / float64(m.memoryLimit) * 100

	switch {
	case memPercent > 90:
		m.logger.Error().
			Float64("memory_used_mb", memUsed/1024/1024).
			Int64("memory_limit_mb", m.memoryLimit/1024/1024).
			Float64("percentage", memPercent).
			Msg("Memory usage above 90%, OOM risk")
	case memPercent > 80:
		m.logger.Warn().
			Float64("memory_used_mb", memUsed/1024/1024).
			Int64("memory_limit_mb", m.memoryLimit/1024/1024).
			Float64("percentage", memPercent).
			Msg("Memory usage above 80%")
	}
}
