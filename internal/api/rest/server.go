package rest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenWCS/internal/api/websocket"
	"github.com/KevinKickass/OpenWCS/internal/config"
	"github.com/KevinKickass/OpenWCS/internal/equipment"
	"github.com/KevinKickass/OpenWCS/internal/interfaces"
	"github.com/KevinKickass/OpenWCS/internal/jobs"
	"github.com/KevinKickass/OpenWCS/internal/temperature"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type JobStore interface {
	AddJob(ctx context.Context, job *jobs.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*jobs.Job, error)
	FindScheduledJobByPallet(ctx context.Context, palletID string) (*jobs.Job, error)
	// DispatchJob persists a dispatched job and its first command atomically.
	DispatchJob(ctx context.Context, job *jobs.Job, cmd *jobs.Command) error
	GetCommand(ctx context.Context, id uuid.UUID) (*jobs.Command, error)
}

type EquipmentStore interface {
	GetEquipment(ctx context.Context, id string) (*equipment.Equipment, error)
	ListEquipment(ctx context.Context) ([]*equipment.Equipment, error)
}

type TemperatureStore interface {
	RecentTemperatureReadings(ctx context.Context, count int) ([]temperature.Reading, error)
}

// Dependencies are the collaborators the HTTP layer serves. Temperature,
// Hub and Metrics may be nil.
type Dependencies struct {
	Jobs        JobStore
	Equipment   EquipmentStore
	Temperature TemperatureStore
	Status      interfaces.StatusProvider
	Hub         *websocket.Hub
	Metrics     http.Handler
}

type Server struct {
	router *gin.Engine
	deps   Dependencies
	config *config.Config
	logger *zap.Logger
	server *http.Server
}

func NewServer(cfg *config.Config, deps Dependencies, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router: gin.New(),
		deps:   deps,
		config: cfg,
		logger: logger,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listener synchronously so a busy port fails startup,
// then serves in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}

	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	s.router.GET("/health", s.healthCheck)
	if s.deps.Metrics != nil && s.config.Metrics.Enabled {
		s.router.GET(s.config.Metrics.Path, gin.WrapH(s.deps.Metrics))
	}

	v1 := s.router.Group("/api/v1")
	{
		jobsGroup := v1.Group("/jobs")
		{
			jobsGroup.POST("", s.createJob)
			jobsGroup.GET("/:id", s.getJob)
		}

		v1.POST("/scanner/:id/read", s.scannerRead)
		v1.GET("/commands/:id", s.getCommand)

		equipmentGroup := v1.Group("/equipment")
		{
			equipmentGroup.GET("", s.listEquipment)
			equipmentGroup.GET("/:id", s.getEquipment)
		}

		v1.GET("/temperature", s.listTemperatureReadings)
		v1.GET("/system/status", s.getSystemStatus)

		ws := v1.Group("/ws")
		{
			ws.GET("/live", s.wsLiveConnection)
			ws.GET("/status", s.wsStatus)
		}
	}
}

func (s *Server) wsLiveConnection(c *gin.Context) {
	if s.deps.Hub == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse("WS_503", "Live feed not available", nil))
		return
	}
	websocket.ServeWs(s.deps.Hub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	clients := 0
	if s.deps.Hub != nil {
		clients = s.deps.Hub.ClientCount()
	}
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": clients,
	})
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}
