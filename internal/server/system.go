package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/Rajchodisetti/options-dashboard/internal/observ"
)

type systemStatus struct {
	Health        observ.HealthStatus `json:"health"`
	CPUPercent    float64             `json:"cpu_percent"`
	MemoryPercent float64             `json:"memory_percent"`
	Goroutines    int                 `json:"goroutines"`
	HeapMB        float64             `json:"heap_mb"`
	Feeds         []string            `json:"feeds"`
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	cpuPct, memPct := s.systemStats()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	s.writeJSON(w, http.StatusOK, systemStatus{
		Health:        observ.CurrentHealth(),
		CPUPercent:    cpuPct,
		MemoryPercent: memPct,
		Goroutines:    runtime.NumGoroutine(),
		HeapMB:        float64(ms.HeapAlloc) / (1 << 20),
		Feeds:         s.dash.FeedNames(),
	})
}

// systemStats samples CPU over 100ms so the request stays fast.
func (s *Server) systemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil || len(cpuPercent) == 0 {
		s.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}
	memStat, err := mem.VirtualMemory()
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return cpuPercent[0], 0
	}
	observ.SetGauge("host_cpu_percent", cpuPercent[0], nil)
	observ.SetGauge("host_memory_percent", memStat.UsedPercent, nil)
	return cpuPercent[0], memStat.UsedPercent
}
