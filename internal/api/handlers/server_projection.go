package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "ledgerd.io/ledgerd/internal/pkg/errors"
	"ledgerd.io/ledgerd/internal/projection"
)

type projectionStatusResponse struct {
	projection.StatusReport
	Rebuild projection.RebuildState `json:"rebuild"`
}

// RebuildProjections handles POST /api/projections/rebuild. The rebuild runs
// in the background; a second request while one runs gets 409.
func (s *Server) RebuildProjections(c *gin.Context) {
	if s.rebuilder == nil {
		_ = c.Error(apperrors.Internal("INTERNAL_ERROR", "projection rebuilder not configured"))
		return
	}
	if err := s.rebuilder.Start(); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Projection rebuild initiated."})
}

// GetProjectionStatus handles GET /api/projections/status.
func (s *Server) GetProjectionStatus(c *gin.Context) {
	report, err := s.queries.ProjectionStatus(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	resp := projectionStatusResponse{StatusReport: report}
	if s.rebuilder != nil {
		resp.Rebuild = s.rebuilder.State()
	}
	c.JSON(http.StatusOK, resp)
}
