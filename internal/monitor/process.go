package monitor

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcessStats is the bridge's own resource usage, reported by /health.
type ProcessStats struct {
	PID        int       `json:"pid"`
	RSSBytes   uint64    `json:"rssBytes"`
	CPUPercent float64   `json:"cpuPercent"`
	Threads    int32     `json:"threads"`
	Goroutines int       `json:"goroutines"`
	StartTime  time.Time `json:"startTime"`
	Uptime     string    `json:"uptime"`
}

// SelfStats samples the current process.
func SelfStats(ctx context.Context) (ProcessStats, error) {
	pid := os.Getpid()
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ProcessStats{}, fmt.Errorf("opening process %d: %w", pid, err)
	}

	stats := ProcessStats{PID: pid, Goroutines: runtime.NumGoroutine()}

	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return ProcessStats{}, fmt.Errorf("reading memory info: %w", err)
	}
	stats.RSSBytes = mem.RSS

	// CPU and thread counts are best effort; not every platform has them.
	if pct, err := proc.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = pct
	}
	if n, err := proc.NumThreadsWithContext(ctx); err == nil {
		stats.Threads = n
	}
	if ms, err := proc.CreateTimeWithContext(ctx); err == nil {
		stats.StartTime = time.UnixMilli(ms)
		stats.Uptime = time.Since(stats.StartTime).Truncate(time.Second).String()
	}
	return stats, nil
}
