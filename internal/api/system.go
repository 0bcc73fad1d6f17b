package api

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

type healthResponse struct {
	Status         string  `json:"status"`
	UptimeSeconds  float64 `json:"uptimeSeconds"`
	ActiveSessions int     `json:"activeSessions"`
	Goroutines     int     `json:"goroutines"`
	CPUPercent     float64 `json:"cpuPercent,omitempty"`
	RSSBytes       uint64  `json:"rssBytes,omitempty"`
}

// handleHealthz reports liveness plus coarse process stats. gopsutil failures
// degrade the payload, never the status.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:         "ok",
		UptimeSeconds:  time.Since(s.startedAt).Seconds(),
		ActiveSessions: s.registry.ActiveCount(),
		Goroutines:     runtime.NumGoroutine(),
	}

	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if cpu, err := p.CPUPercent(); err == nil {
			resp.CPUPercent = cpu
		}
		if mi, err := p.MemoryInfo(); err == nil {
			resp.RSSBytes = mi.RSS
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
