package temperature

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/OpenWCS/internal/metrics"
	"go.uber.org/zap"
)

const maxBodySize = 1 << 20

type Store interface {
	AddTemperatureReadings(ctx context.Context, readings []Reading) error
}

type Config struct {
	BaseURL  string
	Path     string
	Interval time.Duration
	Timeout  time.Duration
}

type Stats struct {
	Polls      uint64    `json:"polls"`
	Readings   uint64    `json:"readings"`
	Failures   uint64    `json:"failures"`
	LastError  string    `json:"last_error,omitempty"`
	LastPollAt time.Time `json:"last_poll_at"`
}

// Poller fetches sensor readings over HTTP once per interval and stores
// them. A failed poll is logged and the next one runs on schedule.
type Poller struct {
	client   *http.Client
	endpoint string
	store    Store
	config   Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	polls    atomic.Uint64
	readings atomic.Uint64
	failures atomic.Uint64
	lastPoll atomic.Int64
	lastErr  atomic.Value // string

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewPoller(store Store, cfg Config, m *metrics.Metrics, logger *zap.Logger) (*Poller, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid temperature sensor base url %q", cfg.BaseURL)
	}

	return &Poller{
		client:   &http.Client{Timeout: cfg.Timeout},
		endpoint: base.JoinPath(strings.TrimPrefix(cfg.Path, "/")).String(),
		store:    store,
		config:   cfg,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}, nil
}

func (p *Poller) Endpoint() string {
	return p.endpoint
}

func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	if p.config.Interval <= 0 {
		return fmt.Errorf("invalid temperature polling interval %s", p.config.Interval)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	p.wg.Add(1)

	go p.loop(loopCtx)

	p.logger.Info("Temperature poller started",
		zap.String("endpoint", p.endpoint),
		zap.Duration("interval", p.config.Interval))

	return nil
}

func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	p.logger.Info("Temperature poller stopped")
}

func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) Stats() Stats {
	s := Stats{
		Polls:    p.polls.Load(),
		Readings: p.readings.Load(),
		Failures: p.failures.Load(),
	}
	if v, ok := p.lastErr.Load().(string); ok {
		s.LastError = v
	}
	if ts := p.lastPoll.Load(); ts > 0 {
		s.LastPollAt = time.Unix(0, ts).UTC()
	}
	return s
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("Temperature poll failed",
				zap.String("endpoint", p.endpoint),
				zap.Error(err))
		}
		timer.Reset(p.config.Interval)
	}
}

// PollOnce fetches and stores one set of readings and returns how many
// were stored.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	p.polls.Add(1)
	p.lastPoll.Store(p.now().UnixNano())

	readings, err := p.fetch(ctx)
	if err == nil {
		err = p.store.AddTemperatureReadings(ctx, readings)
		if err != nil {
			err = fmt.Errorf("failed to store temperature readings: %w", err)
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		p.failures.Add(1)
		p.lastErr.Store(err.Error())
		p.metrics.TemperaturePoll("error")
		return 0, err
	}

	p.lastErr.Store("")
	p.readings.Add(uint64(len(readings)))
	p.metrics.TemperaturePoll("ok")
	for _, r := range readings {
		p.metrics.TemperatureObserved(r.SensorID, r.Value)
		p.logger.Debug("Recorded temperature",
			zap.String("sensor", r.SensorID),
			zap.Float64("value", r.Value),
			zap.Time("timestamp", r.Timestamp))
	}
	return len(readings), nil
}

func (p *Poller) fetch(ctx context.Context) ([]Reading, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, fmt.Errorf("sensor returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read sensor response: %w", err)
	}
	return ParseReadings(body, p.now().UTC())
}
