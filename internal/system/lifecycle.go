package system

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/KevinKickass/OpenWCS/internal/api/rest"
	"github.com/KevinKickass/OpenWCS/internal/api/websocket"
	"github.com/KevinKickass/OpenWCS/internal/config"
	"github.com/KevinKickass/OpenWCS/internal/dispatch"
	"github.com/KevinKickass/OpenWCS/internal/equipment"
	"github.com/KevinKickass/OpenWCS/internal/executor"
	"github.com/KevinKickass/OpenWCS/internal/interfaces"
	"github.com/KevinKickass/OpenWCS/internal/metrics"
	"github.com/KevinKickass/OpenWCS/internal/modbus"
	"github.com/KevinKickass/OpenWCS/internal/polling"
	"github.com/KevinKickass/OpenWCS/internal/tags"
	"github.com/KevinKickass/OpenWCS/internal/temperature"
	"github.com/KevinKickass/OpenWCS/internal/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Store is everything the running system persists.
type Store interface {
	dispatch.Store
	equipment.Store
	rest.JobStore
	rest.EquipmentStore
	temperature.Store
	rest.TemperatureStore
}

type LifecycleManager struct {
	config   *config.Config
	store    Store
	tags     tags.Registry
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	modbus     *modbus.Client
	projector  *equipment.Projector
	scheduler  *polling.Scheduler
	executor   *executor.HTTPExecutor
	dispatcher *dispatch.Dispatcher
	sensors    *temperature.Poller
	hub        *websocket.Hub
	restServer *rest.Server

	runCancel context.CancelFunc
	hubDone   chan struct{}

	stateMu      sync.RWMutex
	currentState SystemState
	startedAt    time.Time
	tagCount     int

	shutdownOnce sync.Once
}

// NewLifecycleManager wires every component. tagSource is the raw tag
// registry; it is cached for cfg.Tags.CacheTTL.
func NewLifecycleManager(cfg *config.Config, store Store, tagSource tags.Registry, logger *zap.Logger) (*LifecycleManager, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	cached := tags.NewCachedRegistry(tagSource, cfg.Tags.CacheTTL)

	exec, err := executor.NewHTTPExecutor(executor.Config{
		BaseURL:      cfg.Executor.BaseURL,
		CommandPath:  cfg.Executor.CommandPath,
		Timeout:      cfg.Executor.Timeout,
		MaxRetries:   cfg.Executor.MaxRetries,
		RetryBackoff: cfg.Executor.RetryBackoff,
		Breaker: executor.BreakerConfig{
			Enabled:          cfg.Executor.Breaker.Enabled,
			FailureThreshold: cfg.Executor.Breaker.FailureThreshold,
			OpenTimeout:      cfg.Executor.Breaker.OpenTimeout,
			HalfOpenRequests: cfg.Executor.Breaker.HalfOpenRequests,
		},
	}, m, logger.Named("executor"))
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}

	client := modbus.NewClient(cfg.Modbus.Address(), cfg.Modbus.Timeout, logger.Named("modbus"))
	hub := websocket.NewHub(logger.Named("websocket"))

	projector := equipment.NewProjector(cached, store, m, logger.Named("projector"))
	projector.OnChange(hub.EquipmentChanged)

	scheduler := polling.NewScheduler(client, cached, projector, polling.Config{
		Interval: cfg.Polling.Interval,
		SlaveID:  cfg.Modbus.SlaveID,
	}, m, logger.Named("poller"))

	dispatcher := dispatch.NewDispatcher(store, exec, dispatch.Config{
		Interval:    cfg.Dispatcher.Interval,
		BatchSize:   cfg.Dispatcher.BatchSize,
		RecoverSent: cfg.Dispatcher.RecoverSent,
	}, m, logger.Named("dispatcher"))

	sensors, err := temperature.NewPoller(store, temperature.Config{
		BaseURL:  cfg.Temperature.BaseURL,
		Path:     cfg.Temperature.Path,
		Interval: cfg.Temperature.Interval,
		Timeout:  cfg.Temperature.Timeout,
	}, m, logger.Named("temperature"))
	if err != nil {
		return nil, fmt.Errorf("failed to create temperature poller: %w", err)
	}

	lm := &LifecycleManager{
		config:       cfg,
		store:        store,
		tags:         cached,
		logger:       logger,
		registry:     registry,
		metrics:      m,
		modbus:       client,
		projector:    projector,
		scheduler:    scheduler,
		executor:     exec,
		dispatcher:   dispatcher,
		sensors:      sensors,
		hub:          hub,
		currentState: StateInitializing,
	}

	lm.restServer = rest.NewServer(cfg, rest.Dependencies{
		Jobs:        store,
		Equipment:   store,
		Temperature: store,
		Status:      lm,
		Hub:         hub,
		Metrics:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
	}, logger.Named("rest"))

	return lm, nil
}

// Start validates the tag configuration and starts every background
// component. An invalid tag set aborts startup.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.logger.Info("Starting OpenWCS")

	if err := lm.validateTags(ctx); err != nil {
		lm.setError(err)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	lm.runCancel = cancel
	lm.hubDone = make(chan struct{})
	go func() {
		defer close(lm.hubDone)
		lm.hub.Run(runCtx)
	}()

	// Verbindung vorab testen, der Client verbindet sich sonst bei Bedarf
	if err := lm.modbus.Connect(ctx); err != nil {
		lm.logger.Warn("Modbus slave not reachable yet, will retry on first poll",
			zap.String("address", lm.config.Modbus.Address()),
			zap.Error(err))
	}

	if lm.config.Polling.Enabled {
		if err := lm.scheduler.Start(runCtx); err != nil {
			return lm.abortStart(fmt.Errorf("failed to start poller: %w", err))
		}
	}

	if lm.config.Dispatcher.Enabled {
		if err := lm.dispatcher.Start(runCtx); err != nil {
			return lm.abortStart(fmt.Errorf("failed to start dispatcher: %w", err))
		}
	}

	if lm.config.Temperature.Enabled {
		if err := lm.sensors.Start(runCtx); err != nil {
			return lm.abortStart(fmt.Errorf("failed to start temperature poller: %w", err))
		}
	}

	if err := lm.restServer.Start(); err != nil {
		return lm.abortStart(fmt.Errorf("failed to start REST API: %w", err))
	}

	lm.stateMu.Lock()
	lm.startedAt = time.Now()
	lm.stateMu.Unlock()
	lm.setState(StateRunning)

	lm.logger.Info("System started successfully",
		zap.Int("http_port", lm.config.Server.HTTPPort),
		zap.String("modbus", lm.config.Modbus.Address()),
		zap.Bool("polling", lm.config.Polling.Enabled),
		zap.Bool("dispatcher", lm.config.Dispatcher.Enabled),
		zap.Bool("temperature", lm.config.Temperature.Enabled))

	return nil
}

func (lm *LifecycleManager) validateTags(ctx context.Context) error {
	all, err := lm.tags.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load field tags: %w", err)
	}

	if err := errors.Join(types.ValidateTags(all), equipment.ValidateTags(all)); err != nil {
		return fmt.Errorf("invalid field tags: %w", err)
	}

	lm.stateMu.Lock()
	lm.tagCount = len(all)
	lm.stateMu.Unlock()

	lm.logger.Info("Field tags loaded", zap.Int("count", len(all)))
	return nil
}

func (lm *LifecycleManager) abortStart(err error) error {
	lm.stopComponents()
	lm.setError(err)
	return err
}

// Shutdown gracefully shuts down the system
func (lm *LifecycleManager) Shutdown(ctx context.Context) error {
	var shutdownErr error

	lm.shutdownOnce.Do(func() {
		lm.logger.Info("Shutting down system")
		lm.setState(StateStopping)

		if err := lm.restServer.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("rest api shutdown failed: %w", err)
		}

		done := make(chan struct{})
		go func() {
			lm.stopComponents()
			close(done)
		}()

		select {
		case <-done:
			lm.logger.Info("Graceful shutdown completed")
		case <-ctx.Done():
			lm.logger.Warn("Shutdown timeout, forcing stop")
			shutdownErr = errors.Join(shutdownErr, errors.New("shutdown timeout exceeded"))
		}

		lm.setState(StateStopped)
	})

	return shutdownErr
}

// stopComponents halts the loops before the hub so the last equipment
// changes are still broadcast.
func (lm *LifecycleManager) stopComponents() {
	lm.scheduler.Stop()
	lm.dispatcher.Stop()
	lm.sensors.Stop()

	if err := lm.modbus.Close(); err != nil {
		lm.logger.Warn("Failed to close modbus connection", zap.Error(err))
	}

	if lm.runCancel != nil {
		lm.runCancel()
		<-lm.hubDone
	}
}

func (lm *LifecycleManager) setState(state SystemState) {
	lm.stateMu.Lock()
	from := lm.currentState
	if err := ValidateTransition(from, state); err != nil {
		lm.stateMu.Unlock()
		lm.logger.Warn("Ignoring state change", zap.Error(err))
		return
	}
	lm.currentState = state
	lm.stateMu.Unlock()

	lm.logger.Debug("System state changed",
		zap.String("from", from.String()),
		zap.String("to", state.String()))
	lm.broadcastStatus()
}

func (lm *LifecycleManager) setError(err error) {
	lm.logger.Error("System error", zap.Error(err))
	lm.setState(StateError)
}

func (lm *LifecycleManager) State() SystemState {
	lm.stateMu.RLock()
	defer lm.stateMu.RUnlock()
	return lm.currentState
}

// GetCurrentStatus returns current system status (Interface implementation)
func (lm *LifecycleManager) GetCurrentStatus() interfaces.SystemStatus {
	lm.stateMu.RLock()
	state := lm.currentState
	startedAt := lm.startedAt
	tagCount := lm.tagCount
	lm.stateMu.RUnlock()

	status := interfaces.SystemStatus{
		State:           state.String(),
		TagCount:        tagCount,
		ModbusConnected: lm.modbus.Connected(),
		Poller: interfaces.PollerStatus{
			Running:   lm.scheduler.IsRunning(),
			State:     lm.scheduler.State().String(),
			Cycles:    lm.scheduler.Cycles(),
			LastError: lm.scheduler.LastError(),
		},
		Dispatcher: interfaces.DispatcherStatus{
			Running: lm.dispatcher.IsRunning(),
			Stats:   lm.dispatcher.Stats(),
		},
		Temperature: interfaces.TemperatureStatus{
			Running: lm.sensors.IsRunning(),
			Stats:   lm.sensors.Stats(),
		},
		WebSocketClients: lm.hub.ClientCount(),
	}
	if !startedAt.IsZero() {
		status.StartedAt = startedAt.Unix()
	}
	return status
}

func (lm *LifecycleManager) broadcastStatus() {
	lm.hub.Broadcast(websocket.NewSystemStatusMessage(lm.GetCurrentStatus()))
}

// Handler exposes the HTTP router.
func (lm *LifecycleManager) Handler() http.Handler {
	return lm.restServer.Handler()
}
