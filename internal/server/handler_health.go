package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/me/queuegate/internal/gateway"
)

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
	Store     string `json:"store"`
	Queues    int    `json:"queues"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	// queue_tick wins on every path, this one included.
	if gateway.Classify(r) == gateway.KindTick {
		s.gateway.ServeHTTP(w, r)
		return
	}

	resp := healthResponse{
		Status:    "healthy",
		Version:   s.version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Store:     "unchecked",
	}
	status := http.StatusOK

	if s.lister != nil {
		names, err := s.lister.ListQueues(r.Context())
		if err != nil {
			s.logger.Warn("health: list queues", "error", err)
			resp.Status = "degraded"
			resp.Store = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			resp.Store = "ok"
			resp.Queues = len(names)
		}
	}
	respondJSON(w, status, resp)
}
