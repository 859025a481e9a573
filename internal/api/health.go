package api

import (
	"context"
	"net/http"
	"runtime"
	"slices"
	"time"

	"github.com/nerrad567/smartip-core/internal/bridges/smartip"
)

// healthCheckTimeout bounds each dependency check.
const healthCheckTimeout = 2 * time.Second

// Health status values.
const (
	healthOK       = "ok"
	healthDegraded = "degraded"
)

// HealthReport is the body of GET /api/v1/health.
type HealthReport struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	Timestamp     string            `json:"timestamp"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Runtime       RuntimeStats      `json:"runtime"`
	WebSocket     WSStats           `json:"websocket"`
	Devices       DeviceStats       `json:"devices"`
	Checks        map[string]string `json:"checks,omitempty"`
}

// RuntimeStats contains Go runtime statistics.
type RuntimeStats struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSStats contains WebSocket hub statistics.
type WSStats struct {
	ConnectedClients int `json:"connected_clients"`
}

// DeviceStats counts registered devices by link state.
type DeviceStats struct {
	Total   int                       `json:"total"`
	ByState map[smartip.LinkState]int `json:"by_state"`
}

// handleHealth reports process health. It answers 503 when a dependency
// check fails; offline devices only mark the report degraded.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	report := HealthReport{
		Status:        healthOK,
		Version:       s.version,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeStats{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(mem.Alloc) / 1024 / 1024,
			NumGC:         mem.NumGC,
		},
		WebSocket: WSStats{ConnectedClients: s.hub.ClientCount()},
		Devices: DeviceStats{
			Total:   s.registry.Len(),
			ByState: s.registry.LinkStates(),
		},
	}
	if report.Devices.ByState[smartip.StateOffline] > 0 || report.Devices.ByState[smartip.StateDegraded] > 0 {
		report.Status = healthDegraded
	}

	status := http.StatusOK
	if len(s.checks) > 0 {
		report.Checks = make(map[string]string, len(s.checks))
		names := make([]string, 0, len(s.checks))
		for name := range s.checks {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			err := s.checks[name].HealthCheck(ctx)
			cancel()
			if err != nil {
				report.Checks[name] = err.Error()
				report.Status = "unavailable"
				status = http.StatusServiceUnavailable
				continue
			}
			report.Checks[name] = healthOK
		}
	}

	writeJSON(w, status, report)
}
