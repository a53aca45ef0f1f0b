package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Health status values.
const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
)

// Health is the body of the health endpoints.
type Health struct {
	Status  string                 `json:"status"`
	Checks  map[string]string      `json:"checks,omitempty"`
	Workers map[string]interface{} `json:"workers,omitempty"`
}

// GetLiveness handles GET /health/live.
func (s *Server) GetLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, Health{Status: HealthStatusOK})
}

// GetReadiness handles GET /health/ready.
func (s *Server) GetReadiness(c *gin.Context) {
	checks := make(map[string]string)
	allHealthy := true

	// Database check.
	if err := s.backend.Ping(c.Request.Context()); err != nil {
		checks["database"] = "error"
		allHealthy = false
	} else {
		checks["database"] = "ok"
	}

	resp := Health{Status: HealthStatusOK, Checks: checks}
	if s.pools != nil {
		resp.Workers = s.pools.Metrics()
	}

	httpStatus := http.StatusOK
	if !allHealthy {
		resp.Status = HealthStatusDegraded
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, resp)
}
