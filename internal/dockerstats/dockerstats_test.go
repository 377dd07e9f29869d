package dockerstats

import (
	"math"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/container"
)

func snapshot(total, preTotal, system, preSystem, memUsage, memLimit uint64) *container.StatsResponse {
	var s container.StatsResponse
	s.CPUStats.CPUUsage.TotalUsage = total
	s.PreCPUStats.CPUUsage.TotalUsage = preTotal
	s.CPUStats.SystemUsage = system
	s.PreCPUStats.SystemUsage = preSystem
	s.MemoryStats.Usage = memUsage
	s.MemoryStats.Limit = memLimit
	return &s
}

func TestCPUPercent(t *testing.T) {
	tests := []struct {
		name  string
		stats *container.StatsResponse
		want  float64
	}{
		{"half", snapshot(150, 100, 200, 100, 0, 0), 50.0},
		{"zero system delta", snapshot(150, 100, 100, 100, 0, 0), 0},
		{"counter reset", snapshot(50, 100, 200, 100, 0, 0), 0},
		{"idle", snapshot(100, 100, 200, 100, 0, 0), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CPUPercent(tt.stats)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("CPUPercent = %v, want %v", got, tt.want)
			}
			if got < 0 {
				t.Errorf("CPUPercent is negative: %v", got)
			}
		})
	}
}

func TestMemoryPercent(t *testing.T) {
	if got := MemoryPercent(snapshot(0, 0, 0, 0, 256, 1024)); got != 25.0 {
		t.Errorf("MemoryPercent = %v, want 25", got)
	}
	if got := MemoryPercent(snapshot(0, 0, 0, 0, 256, 0)); got != 0 {
		t.Errorf("MemoryPercent with zero limit = %v, want 0", got)
	}
}

func TestMemoryUsageMB(t *testing.T) {
	if got := MemoryUsageMB(snapshot(0, 0, 0, 0, 512*1024*1024, 0)); got != 512 {
		t.Errorf("MemoryUsageMB = %v, want 512", got)
	}
}

func TestDecode(t *testing.T) {
	const body = `{"cpu_stats":{"cpu_usage":{"total_usage":150},"system_cpu_usage":200},` +
		`"precpu_stats":{"cpu_usage":{"total_usage":100},"system_cpu_usage":100},` +
		`"memory_stats":{"usage":512,"limit":1024}}`
	s, err := Decode(strings.NewReader(body))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got := CPUPercent(s); got != 50.0 {
		t.Errorf("CPUPercent after decode = %v, want 50", got)
	}
	if got := MemoryPercent(s); got != 50.0 {
		t.Errorf("MemoryPercent after decode = %v, want 50", got)
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := Decode(strings.NewReader("{")); err == nil {
		t.Error("Decode malformed: expected error")
	}
}
