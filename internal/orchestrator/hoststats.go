package orchestrator

import (
	"context"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostStats summarizes host resource pressure for the /info endpoint, so an
// operator can see whether the Orchestrator's node is close to the point
// where new executions should be expected to queue or fail.
type HostStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsedPct float64 `json:"memory_used_percent"`
	MemoryTotal   uint64  `json:"memory_total_bytes"`
	ActiveCount   int     `json:"active_executions"`
}

// HostStats samples current CPU and memory pressure and combines it with
// the number of executions currently tracked in-flight.
func (s *Service) HostStats(ctx context.Context) (HostStats, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return HostStats{}, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return HostStats{}, err
	}

	var cpuPct float64
	if len(percents) > 0 {
		cpuPct = percents[0]
	}

	s.mu.Lock()
	active := len(s.records)
	s.mu.Unlock()

	return HostStats{
		CPUPercent:    cpuPct,
		MemoryUsedPct: vm.UsedPercent,
		MemoryTotal:   vm.Total,
		ActiveCount:   active,
	}, nil
}
