package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GET /api/v1/system/status
func (s *Server) getSystemStatus(c *gin.Context) {
	if s.deps.Status == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse("SYSTEM_503", "Status not available", nil))
		return
	}
	c.JSON(http.StatusOK, s.deps.Status.GetCurrentStatus())
}
