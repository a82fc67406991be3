package rest

import (
	"net/http"

	"github.com/KevinKickass/OpenWCS/internal/equipment"
	"github.com/gin-gonic/gin"
)

// GET /api/v1/equipment
func (s *Server) listEquipment(c *gin.Context) {
	list, err := s.deps.Equipment.ListEquipment(c.Request.Context())
	if err != nil {
		respondError(c, "EQUIPMENT", "Failed to list equipment", err)
		return
	}
	if list == nil {
		list = []*equipment.Equipment{}
	}

	c.JSON(http.StatusOK, gin.H{
		"equipment": list,
		"count":     len(list),
	})
}

// GET /api/v1/equipment/:id
func (s *Server) getEquipment(c *gin.Context) {
	e, err := s.deps.Equipment.GetEquipment(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "EQUIPMENT", "Equipment not available", err)
		return
	}
	c.JSON(http.StatusOK, e)
}
