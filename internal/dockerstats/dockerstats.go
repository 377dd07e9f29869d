// Package dockerstats computes utilization percentages from Docker Engine
// stats snapshots, shared by the container sandbox and the monitoring
// daemon.
package dockerstats

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
)

// Decode reads one stats snapshot from a Docker stats stream.
func Decode(r io.Reader) (*container.StatsResponse, error) {
	var stats container.StatsResponse
	if err := json.NewDecoder(r).Decode(&stats); err != nil {
		return nil, fmt.Errorf("dockerstats: decode stats: %w", err)
	}
	return &stats, nil
}

// CPUPercent derives CPU utilization from the delta between the current and
// previous CPU counters. A zero system delta yields 0, never a negative or
// NaN value.
func CPUPercent(s *container.StatsResponse) float64 {
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if systemDelta <= 0 || cpuDelta < 0 {
		return 0
	}
	return cpuDelta / systemDelta * 100.0
}

// MemoryPercent derives memory utilization against the container's limit.
// A zero limit yields 0.
func MemoryPercent(s *container.StatsResponse) float64 {
	if s.MemoryStats.Limit == 0 {
		return 0
	}
	return float64(s.MemoryStats.Usage) / float64(s.MemoryStats.Limit) * 100.0
}

// MemoryUsageMB reports resident memory in megabytes.
func MemoryUsageMB(s *container.StatsResponse) float64 {
	return float64(s.MemoryStats.Usage) / (1024 * 1024)
}
