package rest

import (
	"encoding/json"
	"net/http"

	"github.com/KevinKickass/OpenWCS/internal/jobs"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// POST /api/v1/jobs
func (s *Server) createJob(c *gin.Context) {
	var req struct {
		PalletID    string `json:"pallet_id" binding:"required"`
		Station     string `json:"station" binding:"required"`
		CallbackURL string `json:"callback_url"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("JOB_400", "Invalid request body", err.Error()))
		return
	}

	job, err := jobs.NewJob(req.PalletID, req.Station, req.CallbackURL)
	if err != nil {
		respondError(c, "JOB", "Invalid job", err)
		return
	}

	if err := s.deps.Jobs.AddJob(c.Request.Context(), job); err != nil {
		respondError(c, "JOB", "Failed to create job", err)
		return
	}

	s.logger.Info("Job scheduled",
		zap.String("job_id", job.ID.String()),
		zap.String("pallet_id", job.PalletID),
		zap.String("station", job.Station))

	c.JSON(http.StatusCreated, job)
}

// GET /api/v1/jobs/:id
func (s *Server) getJob(c *gin.Context) {
	id, ok := parseID(c, "JOB")
	if !ok {
		return
	}

	job, err := s.deps.Jobs.GetJob(c.Request.Context(), id)
	if err != nil {
		respondError(c, "JOB", "Job not available", err)
		return
	}
	c.JSON(http.StatusOK, job)
}

type scannerArgs struct {
	PalletID  string `json:"pallet_id"`
	ScannerID string `json:"scanner_id"`
	Station   string `json:"station"`
}

// POST /api/v1/scanner/:id/read?code=<palletId>
//
// A scanner read dispatches the oldest scheduled job for the pallet and
// queues a START command for the conveyor.
func (s *Server) scannerRead(c *gin.Context) {
	scannerID := c.Param("id")
	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, errorResponse("SCANNER_400", "Missing code", "query parameter code is required"))
		return
	}

	ctx := c.Request.Context()
	job, err := s.deps.Jobs.FindScheduledJobByPallet(ctx, code)
	if err != nil {
		respondError(c, "SCANNER", "No scheduled job for pallet", err)
		return
	}

	if err := job.Dispatch(); err != nil {
		respondError(c, "SCANNER", "Job cannot be dispatched", err)
		return
	}

	args, err := json.Marshal(scannerArgs{PalletID: code, ScannerID: scannerID, Station: job.Station})
	if err != nil {
		respondError(c, "SCANNER", "Failed to build command", err)
		return
	}

	cmd, err := jobs.NewCommand(&job.ID, s.config.Dispatcher.DeviceCode, jobs.CommandStart, args)
	if err != nil {
		respondError(c, "SCANNER", "Failed to build command", err)
		return
	}

	if err := s.deps.Jobs.DispatchJob(ctx, job, cmd); err != nil {
		respondError(c, "SCANNER", "Failed to dispatch job", err)
		return
	}

	s.logger.Info("Scanner read dispatched job",
		zap.String("scanner_id", scannerID),
		zap.String("pallet_id", code),
		zap.String("job_id", job.ID.String()),
		zap.String("command_id", cmd.ID.String()))

	c.JSON(http.StatusAccepted, gin.H{
		"command_id": cmd.ID,
		"job_id":     job.ID,
		"code":       code,
	})
}

// GET /api/v1/commands/:id
func (s *Server) getCommand(c *gin.Context) {
	id, ok := parseID(c, "COMMAND")
	if !ok {
		return
	}

	cmd, err := s.deps.Jobs.GetCommand(c.Request.Context(), id)
	if err != nil {
		respondError(c, "COMMAND", "Command not available", err)
		return
	}
	c.JSON(http.StatusOK, cmd)
}

func parseID(c *gin.Context, prefix string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(prefix+"_400", "Invalid id", err.Error()))
		return uuid.Nil, false
	}
	return id, true
}
