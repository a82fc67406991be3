package rest

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/KevinKickass/OpenWCS/internal/equipment"
	"github.com/KevinKickass/OpenWCS/internal/jobs"
	"github.com/KevinKickass/OpenWCS/internal/types"
	"github.com/gin-gonic/gin"
)

func errorResponse(code, message string, details any) types.ErrorResponse {
	return types.NewErrorResponse(code, message, details)
}

// respondError maps domain errors onto status codes. prefix is the error
// code family, e.g. "JOB".
func respondError(c *gin.Context, prefix, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, jobs.ErrNotFound), errors.Is(err, equipment.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, jobs.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, jobs.ErrInvalidJob), errors.Is(err, jobs.ErrInvalidCommand):
		status = http.StatusBadRequest
	}

	_ = c.Error(err)
	c.JSON(status, errorResponse(fmt.Sprintf("%s_%d", prefix, status), message, err.Error()))
}
