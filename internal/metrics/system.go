package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// SystemSampler tracks process CPU and memory usage and pushes periodic
// snapshots into a Registry's gauges. Adapted from the teacher's
// SystemMetrics: same gopsutil-backed CPU sampling with exponential moving
// average smoothing, retargeted at the hub's Registry instead of returning
// ad hoc map[string]interface{} snapshots for a dashboard client.
type SystemSampler struct {
	mu          sync.RWMutex
	cpuPercent  float64
	memoryStats runtime.MemStats
}

// NewSystemSampler creates a sampler with an initial CPU reading primed.
func NewSystemSampler() *SystemSampler {
	s := &SystemSampler{}
	s.sampleCPU()
	return s
}

// Sample refreshes memory and CPU readings and publishes them to r.
func (s *SystemSampler) Sample(r *Registry) {
	s.sampleMemory()
	s.sampleCPU()

	s.mu.RLock()
	memMB := float64(s.memoryStats.HeapAlloc) / 1024 / 1024
	cpuPct := s.cpuPercent
	s.mu.RUnlock()

	r.MemoryUsageMB.Set(memMB)
	r.CPUUsagePercent.Set(cpuPct)
	r.GoroutinesCount.Set(float64(runtime.NumGoroutine()))
}

// Run samples on a ticker until ctx-equivalent stop channel closes. Callers
// typically run this in its own goroutine for the process lifetime.
func (s *SystemSampler) Run(r *Registry, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sample(r)
		case <-stop:
			return
		}
	}
}

func (s *SystemSampler) sampleMemory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	runtime.ReadMemStats(&s.memoryStats)
}

func (s *SystemSampler) sampleCPU() {
	percents, err := cpu.Percent(time.Second, false)
	if err != nil || len(percents) == 0 {
		return
	}
	current := percents[0]

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cpuPercent == 0 {
		s.cpuPercent = current
		return
	}
	const alpha = 0.3
	s.cpuPercent = alpha*current + (1-alpha)*s.cpuPercent
}

// MemoryMB returns the last sampled heap usage in megabytes.
func (s *SystemSampler) MemoryMB() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return float64(s.memoryStats.HeapAlloc) / 1024 / 1024
}

// CPUPercent returns the last smoothed CPU usage reading.
func (s *SystemSampler) CPUPercent() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cpuPercent
}
