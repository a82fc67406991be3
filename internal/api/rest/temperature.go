package rest

import (
	"net/http"
	"strconv"

	"github.com/KevinKickass/OpenWCS/internal/temperature"
	"github.com/gin-gonic/gin"
)

const (
	defaultReadingCount = 10
	maxReadingCount     = 1000
)

// GET /api/v1/temperature?count=N
func (s *Server) listTemperatureReadings(c *gin.Context) {
	if s.deps.Temperature == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse("TEMPERATURE_503", "Temperature readings not available", nil))
		return
	}

	count := defaultReadingCount
	if raw := c.Query("count"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxReadingCount {
			c.JSON(http.StatusBadRequest, errorResponse("TEMPERATURE_400",
				"count must be between 1 and "+strconv.Itoa(maxReadingCount), raw))
			return
		}
		count = n
	}

	readings, err := s.deps.Temperature.RecentTemperatureReadings(c.Request.Context(), count)
	if err != nil {
		respondError(c, "TEMPERATURE", "Failed to load temperature readings", err)
		return
	}
	if readings == nil {
		readings = []temperature.Reading{}
	}

	c.JSON(http.StatusOK, gin.H{
		"readings": readings,
		"count":    len(readings),
	})
}
