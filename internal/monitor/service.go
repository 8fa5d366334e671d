// Package monitor produces local device health snapshots for the status
// surface: CPU, load, memory, uptime, and network throughput.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	gopsutilNet "github.com/shirou/gopsutil/v4/net"
)

const (
	snapshotCacheTTL   = 2 * time.Second
	networkSpeedWindow = 6 * time.Second
	networkHistoryMax  = 10
)

// Snapshot is one point-in-time device health reading.
type Snapshot struct {
	CPUUsage    float64   `json:"cpu_usage"`
	CPUCores    int       `json:"cpu_cores"`
	LoadAverage []float64 `json:"load_average,omitempty"`

	MemoryTotalBytes uint64  `json:"memory_total_bytes"`
	MemoryUsedBytes  uint64  `json:"memory_used_bytes"`
	MemoryPercent    float64 `json:"memory_percent"`

	NetworkBytesReceived uint64  `json:"network_bytes_received"`
	NetworkBytesSent     uint64  `json:"network_bytes_sent"`
	NetworkSpeedReceived float64 `json:"network_speed_received"`
	NetworkSpeedSent     float64 `json:"network_speed_sent"`

	UptimeSeconds uint64 `json:"uptime_seconds"`
	Platform      string `json:"platform"`
	TimestampMs   int64  `json:"timestamp_ms"`
}

type cachedSnapshot struct {
	collectedAt time.Time
	data        Snapshot
}

type Service struct {
	log *slog.Logger

	mu      sync.Mutex
	hasSnap bool
	snap    cachedSnapshot

	netHistory *networkHistory
}

func NewService(log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		log:        log,
		netHistory: newNetworkHistory(networkHistoryMax, networkSpeedWindow),
	}
}

// Snapshot returns the current device health reading. Readings are cached
// briefly so a polling UI does not hammer the OS counters.
func (s *Service) Snapshot(ctx context.Context) Snapshot {
	if s == nil {
		return Snapshot{Platform: runtime.GOOS}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now()

	s.mu.Lock()
	if s.hasSnap && now.Sub(s.snap.collectedAt) < snapshotCacheTTL {
		out := s.snap.data
		s.mu.Unlock()
		return out
	}
	s.mu.Unlock()

	snap := s.collectSnapshot(ctx)

	s.mu.Lock()
	s.snap = snap
	s.hasSnap = true
	s.mu.Unlock()

	return snap.data
}

func (s *Service) collectSnapshot(ctx context.Context) cachedSnapshot {
	collectedAt := time.Now()

	data := Snapshot{
		Platform: runtime.GOOS,
	}

	// CPU usage: prefer non-blocking sampling (diff from last call) and per-CPU sampling on
	// macOS to avoid 0% results caused by coarse aggregated tick updates.
	if usage, err := readCPUUsage(ctx); err == nil {
		data.CPUUsage = usage
	} else {
		s.log.Warn("monitor: get cpu percent failed", "error", err)
	}

	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		data.CPUCores = cores
	} else {
		s.log.Warn("monitor: get cpu cores failed", "error", err)
	}

	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		data.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	} else if err != nil {
		s.log.Warn("monitor: get load average failed", "error", err)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		data.MemoryTotalBytes = vm.Total
		data.MemoryUsedBytes = vm.Used
		data.MemoryPercent = vm.UsedPercent
	} else if err != nil {
		s.log.Warn("monitor: get memory failed", "error", err)
	}

	if up, err := host.UptimeWithContext(ctx); err == nil {
		data.UptimeSeconds = up
	} else {
		s.log.Warn("monitor: get uptime failed", "error", err)
	}

	// Network + speed
	if ioStats, err := gopsutilNet.IOCountersWithContext(ctx, false); err == nil && len(ioStats) > 0 {
		data.NetworkBytesReceived = ioStats[0].BytesRecv
		data.NetworkBytesSent = ioStats[0].BytesSent

		s.netHistory.Add(networkStats{
			bytesReceived: ioStats[0].BytesRecv,
			bytesSent:     ioStats[0].BytesSent,
			at:            collectedAt,
		})

		recvSpd, sentSpd := s.netHistory.CalculateSpeed(collectedAt)
		data.NetworkSpeedReceived = recvSpd
		data.NetworkSpeedSent = sentSpd
	} else if err != nil {
		s.log.Warn("monitor: get network io failed", "error", err)
	}

	data.TimestampMs = collectedAt.UnixMilli()

	return cachedSnapshot{
		collectedAt: collectedAt,
		data:        data,
	}
}

func readCPUUsage(ctx context.Context) (float64, error) {
	var errs []error

	// Non-blocking: compare against the last call. This avoids short-interval sampling returning 0
	// on newer macOS versions due to coarse aggregated tick updates.
	if p, err := cpu.PercentWithContext(ctx, 0, true); err == nil && len(p) > 0 {
		return average(p), nil
	} else if err != nil {
		errs = append(errs, err)
	}
	if p, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(p) > 0 {
		return p[0], nil
	} else if err != nil {
		errs = append(errs, err)
	}

	// Fallback: take a short blocking interval to bootstrap lastTimes if needed.
	if p, err := cpu.PercentWithContext(ctx, 250*time.Millisecond, true); err == nil && len(p) > 0 {
		return average(p), nil
	} else if err != nil {
		errs = append(errs, err)
	}
	if p, err := cpu.PercentWithContext(ctx, 250*time.Millisecond, false); err == nil && len(p) > 0 {
		return p[0], nil
	} else if err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return 0, errors.Join(errs...)
	}
	return 0, fmt.Errorf("cpu percent unavailable")
}

func average(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
