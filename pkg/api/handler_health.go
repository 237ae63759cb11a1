package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ghostflow-ai/ghostflow/pkg/queue"
	"github.com/ghostflow-ai/ghostflow/pkg/stream"
	"github.com/ghostflow-ai/ghostflow/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// HealthCheck is one component's state in the health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
	Queue   *queue.Health          `json:"queue,omitempty"`
	Streams stream.StateStats      `json:"streams"`
}

// healthHandler handles GET /healthz. Only ghostflow's own components
// are checked; LLM providers are external and their failures must not
// make an orchestrator restart the process.
func (s *Server) healthHandler(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if s.db != nil {
		if _, err := s.db.Health(reqCtx); err != nil {
			status = healthStatusUnhealthy
			checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
		} else {
			checks["database"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	resp := &HealthResponse{
		Version: version.Full(),
		Checks:  checks,
		Streams: s.core.State().Stats(),
	}

	if s.queue != nil {
		qh := s.queue.Health()
		resp.Queue = &qh
		if !qh.IsHealthy {
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			checks["queue"] = HealthCheck{Status: healthStatusDegraded, Message: "no active workers"}
		} else {
			checks["queue"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	resp.Status = status
	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, resp)
}
