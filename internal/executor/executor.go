package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/KevinKickass/OpenWCS/internal/metrics"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var (
	// ErrExecutor is the class of every failure raised by an executor.
	ErrExecutor = errors.New("device command executor")
	// ErrCircuitOpen is returned without any I/O while the breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// Result is what the device reported for a command.
type Result struct {
	OK      bool
	Message string
}

// Error reports a command that could not be delivered at all.
type Error struct {
	Attempts int
	Status   int
	Err      error
}

func (e *Error) Error() string {
	if e.Attempts == 0 {
		return fmt.Sprintf("executor: %v", e.Err)
	}
	return fmt.Sprintf("executor: %v after %d attempts", e.Err, e.Attempts)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrExecutor }

type BreakerConfig struct {
	Enabled          bool
	FailureThreshold uint32
	OpenTimeout      time.Duration
	HalfOpenRequests uint32
}

type Config struct {
	BaseURL      string
	CommandPath  string
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	Breaker      BreakerConfig
}

type commandRequest struct {
	Cmd       string          `json:"cmd"`
	Args      json.RawMessage `json:"args,omitempty"`
	RequestID string          `json:"requestId"`
}

// HTTPExecutor posts commands to the conveyor gateway. Transient failures
// (network errors, 408, 429, 5xx) are retried with linear backoff. Every
// attempt carries the same Idempotency-Key so the gateway can de-duplicate.
type HTTPExecutor struct {
	client   *http.Client
	endpoint string
	cfg      Config
	breaker  *gobreaker.CircuitBreaker
	logger   *zap.Logger
	metrics  *metrics.Metrics
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewHTTPExecutor(cfg Config, m *metrics.Metrics, logger *zap.Logger) (*HTTPExecutor, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid executor base url %q", cfg.BaseURL)
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("invalid max retries %d", cfg.MaxRetries)
	}
	endpoint := base.JoinPath(strings.TrimPrefix(cfg.CommandPath, "/"))

	e := &HTTPExecutor{
		client:   &http.Client{Timeout: cfg.Timeout},
		endpoint: endpoint.String(),
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		sleep:    sleepContext,
	}

	if cfg.Breaker.Enabled {
		threshold := cfg.Breaker.FailureThreshold
		if threshold == 0 {
			threshold = 5
		}
		e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "device-executor",
			MaxRequests: cfg.Breaker.HalfOpenRequests,
			Timeout:     cfg.Breaker.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			IsSuccessful: func(err error) bool {
				// cancellation says nothing about the gateway's health
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("Circuit breaker state changed",
					zap.String("name", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
				m.SetBreakerState(float64(to))
			},
		})
	}

	return e, nil
}

func (e *HTTPExecutor) Endpoint() string {
	return e.endpoint
}

// Execute sends name with args to the device. A non-nil error means the
// command never got a definitive answer; a Result with OK false means the
// gateway refused it.
func (e *HTTPExecutor) Execute(ctx context.Context, name string, args json.RawMessage, requestID string) (Result, error) {
	if e.breaker == nil {
		return e.executeWithRetry(ctx, name, args, requestID)
	}

	out, err := e.breaker.Execute(func() (interface{}, error) {
		return e.executeWithRetry(ctx, name, args, requestID)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		e.metrics.ExecutorAttempt("rejected")
		return Result{}, &Error{Err: fmt.Errorf("%w: %v", ErrCircuitOpen, err)}
	}
	if err != nil {
		return Result{}, err
	}
	return out.(Result), nil
}

func (e *HTTPExecutor) executeWithRetry(ctx context.Context, name string, args json.RawMessage, requestID string) (Result, error) {
	body, err := json.Marshal(commandRequest{Cmd: name, Args: args, RequestID: requestID})
	if err != nil {
		return Result{}, &Error{Err: fmt.Errorf("failed to encode command: %w", err)}
	}

	var lastErr error
	var lastStatus int
	attempts := 0

	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := e.cfg.RetryBackoff * time.Duration(attempt)
			e.logger.Debug("Retrying device command",
				zap.String("cmd", name),
				zap.String("request_id", requestID),
				zap.Int("attempt", attempt+1),
				zap.Duration("wait", wait))
			if err := e.sleep(ctx, wait); err != nil {
				return Result{}, err
			}
		}
		attempts++

		status, err := e.post(ctx, body, requestID)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			e.metrics.ExecutorAttempt("network_error")
			lastErr, lastStatus = err, 0
			continue
		}

		switch {
		case status >= 200 && status < 300:
			e.metrics.ExecutorAttempt("ok")
			return Result{OK: true, Message: fmt.Sprintf("HTTP %d", status)}, nil
		case transientStatus(status):
			e.metrics.ExecutorAttempt("transient_status")
			lastErr, lastStatus = fmt.Errorf("HTTP %d", status), status
		default:
			e.metrics.ExecutorAttempt("rejected_status")
			return Result{OK: false, Message: fmt.Sprintf("HTTP %d", status)}, nil
		}
	}

	e.logger.Warn("Device command failed after retries",
		zap.String("cmd", name),
		zap.String("request_id", requestID),
		zap.Int("attempts", attempts),
		zap.Error(lastErr))
	return Result{}, &Error{Attempts: attempts, Status: lastStatus, Err: lastErr}
}

func (e *HTTPExecutor) post(ctx context.Context, body []byte, requestID string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", requestID)

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return resp.StatusCode, nil
}

func transientStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= 500
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
