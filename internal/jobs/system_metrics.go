package jobs

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"

	"go-pointcloud-pipeline/internal/errors"
)

// SystemMetrics reports resource usage alongside the job counts.
type SystemMetrics struct {
	SlotsTotal    int     `json:"slots_total"`    // MaxConcurrentJobs
	JobsQueued    int     `json:"jobs_queued"`    // Jobs waiting for a slot
	JobsRunning   int     `json:"jobs_running"`   // Jobs currently executing
	MemoryUsedGB  float64 `json:"memory_used_gb"`
	MemoryTotalGB float64 `json:"memory_total_gb"`
	MemoryPercent float64 `json:"memory_percent"`
}

// memoryStats is replaced in tests.
var memoryStats = func() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

const gib = 1024 * 1024 * 1024

// safeConcurrency recommends a job slot count for the available memory.
// A point view costs 32 bytes per point in memory and stages copy it, so
// a job over tens of millions of points needs a couple of GB.
func safeConcurrency(availableGB float64) int {
	const memoryPerJob = 2.0 // GB
	const memoryBuffer = 1.0 // GB left for the rest of the system

	recommended := int((availableGB - memoryBuffer) / memoryPerJob)
	if recommended < 1 {
		return 1
	}
	return recommended
}

// SystemMetrics returns current resource usage.
func (m *Manager) SystemMetrics() SystemMetrics {
	sm := SystemMetrics{
		SlotsTotal:  m.cfg.MaxConcurrentJobs,
		JobsQueued:  int(m.queued.Load()),
		JobsRunning: int(m.running.Load()),
	}
	total, available, err := memoryStats()
	if err == nil && total > 0 {
		sm.MemoryTotalGB = float64(total) / gib
		sm.MemoryUsedGB = float64(total-available) / gib
		sm.MemoryPercent = sm.MemoryUsedGB / sm.MemoryTotalGB * 100
	}
	return sm
}

// checkMemoryPressure returns a warning when MaxConcurrentJobs looks too
// high for the available memory, or "" when it looks fine.
func (m *Manager) checkMemoryPressure() string {
	total, available, err := memoryStats()
	if err != nil || total == 0 {
		return ""
	}
	availableGB := float64(available) / gib
	recommended := safeConcurrency(availableGB)
	if m.cfg.MaxConcurrentJobs > recommended {
		return fmt.Sprintf(
			"max concurrent jobs (%d) exceeds recommended (%d) for available memory (%.1f of %.1fGB)",
			m.cfg.MaxConcurrentJobs, recommended, availableGB, float64(total)/gib)
	}
	return ""
}
