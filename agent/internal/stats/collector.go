package stats

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
)

type SystemStats struct {
	CPUUsage    float64 `json:"cpu_usage"`
	Load1       float64 `json:"load_1"`
	RAMUsage    float64 `json:"ram_usage"`
	RAMTotal    uint64  `json:"ram_total"`
	RAMUsed     uint64  `json:"ram_used"`
	DiskUsage   float64 `json:"disk_usage"`
	Uptime      uint64  `json:"uptime"`
	NetworkRx   uint64  `json:"network_rx"`
	NetworkTx   uint64  `json:"network_tx"`
	Hostname    string  `json:"hostname"`
	OS          string  `json:"os"`
	Platform    string  `json:"platform"`
	CollectedAt int64   `json:"collected_at"`
}

// Map flattens the stats into the heartbeat payload.
func (s *SystemStats) Map() map[string]interface{} {
	return map[string]interface{}{
		"cpu_usage":    s.CPUUsage,
		"load_1":       s.Load1,
		"ram_usage":    s.RAMUsage,
		"ram_total":    s.RAMTotal,
		"ram_used":     s.RAMUsed,
		"disk_usage":   s.DiskUsage,
		"uptime":       s.Uptime,
		"network_rx":   s.NetworkRx,
		"network_tx":   s.NetworkTx,
		"hostname":     s.Hostname,
		"os":           s.OS,
		"platform":     s.Platform,
		"collected_at": s.CollectedAt,
	}
}

// Collector samples host metrics. Network counters are reported as deltas
// since the previous sample.
type Collector struct {
	diskPath  string
	lastNetRx uint64
	lastNetTx uint64
}

func NewCollector(diskPath string) *Collector {
	if diskPath == "" {
		diskPath = "/"
	}
	return &Collector{diskPath: diskPath}
}

// Collect never fails as a whole; metrics that cannot be read stay zero.
func (c *Collector) Collect(ctx context.Context) *SystemStats {
	stats := &SystemStats{
		CollectedAt: time.Now().Unix(),
	}

	if cpuPercent, err := cpu.PercentWithContext(ctx, time.Second, false); err == nil && len(cpuPercent) > 0 {
		stats.CPUUsage = cpuPercent[0]
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		stats.Load1 = avg.Load1
	}
	if memInfo, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats.RAMUsage = memInfo.UsedPercent
		stats.RAMTotal = memInfo.Total
		stats.RAMUsed = memInfo.Used
	}
	if usage, err := disk.UsageWithContext(ctx, c.diskPath); err == nil {
		stats.DiskUsage = usage.UsedPercent
	}
	if hostInfo, err := host.InfoWithContext(ctx); err == nil {
		stats.Uptime = hostInfo.Uptime
		stats.Hostname = hostInfo.Hostname
		stats.OS = hostInfo.OS
		stats.Platform = hostInfo.Platform
	}
	if netIO, err := net.IOCountersWithContext(ctx, false); err == nil && len(netIO) > 0 {
		if c.lastNetRx > 0 && netIO[0].BytesRecv >= c.lastNetRx {
			stats.NetworkRx = netIO[0].BytesRecv - c.lastNetRx
		}
		if c.lastNetTx > 0 && netIO[0].BytesSent >= c.lastNetTx {
			stats.NetworkTx = netIO[0].BytesSent - c.lastNetTx
		}
		c.lastNetRx = netIO[0].BytesRecv
		c.lastNetTx = netIO[0].BytesSent
	}

	return stats
}
