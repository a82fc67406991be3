package executor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type gateway struct {
	srv      *httptest.Server
	calls    atomic.Int32
	mu       sync.Mutex
	keys     []string
	bodies   []commandRequest
	statuses []int
}

// newGateway answers with statuses in order, repeating the last one.
func newGateway(t *testing.T, statuses ...int) *gateway {
	g := &gateway{statuses: statuses}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(g.calls.Add(1)) - 1
		assert.Equal(t, "/plc/conveyor/command", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var body commandRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		g.mu.Lock()
		g.keys = append(g.keys, r.Header.Get("Idempotency-Key"))
		g.bodies = append(g.bodies, body)
		g.mu.Unlock()

		if n >= len(g.statuses) {
			n = len(g.statuses) - 1
		}
		w.WriteHeader(g.statuses[n])
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func newTestExecutor(t *testing.T, baseURL string, breaker BreakerConfig) (*HTTPExecutor, *[]time.Duration) {
	t.Helper()
	e, err := NewHTTPExecutor(Config{
		BaseURL:      baseURL,
		CommandPath:  "plc/conveyor/command",
		Timeout:      time.Second,
		MaxRetries:   3,
		RetryBackoff: 200 * time.Millisecond,
		Breaker:      breaker,
	}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	var waits []time.Duration
	e.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	return e, &waits
}

func TestExecuteSuccess(t *testing.T) {
	g := newGateway(t, http.StatusOK)
	e, waits := newTestExecutor(t, g.srv.URL+"/", BreakerConfig{})

	res, err := e.Execute(context.Background(), "START", json.RawMessage(`{"speed":2}`), "req-1")
	require.NoError(t, err)

	assert.True(t, res.OK)
	assert.Empty(t, *waits)
	assert.Equal(t, []string{"req-1"}, g.keys)
	assert.Equal(t, "START", g.bodies[0].Cmd)
	assert.Equal(t, "req-1", g.bodies[0].RequestID)
	assert.JSONEq(t, `{"speed":2}`, string(g.bodies[0].Args))
}

func TestExecuteRetriesTransientWithLinearBackoff(t *testing.T) {
	g := newGateway(t, http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusOK)
	e, waits := newTestExecutor(t, g.srv.URL, BreakerConfig{})

	res, err := e.Execute(context.Background(), "START", nil, "req-2")
	require.NoError(t, err)

	assert.True(t, res.OK)
	assert.Equal(t, int32(3), g.calls.Load())
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}, *waits)
	assert.Equal(t, []string{"req-2", "req-2", "req-2"}, g.keys)
}

func TestExecuteGivesUpAfterMaxRetries(t *testing.T) {
	g := newGateway(t, http.StatusInternalServerError)
	e, waits := newTestExecutor(t, g.srv.URL, BreakerConfig{})

	_, err := e.Execute(context.Background(), "STOP", nil, "req-3")
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrExecutor)
	var ee *Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 4, ee.Attempts)
	assert.Equal(t, http.StatusInternalServerError, ee.Status)
	assert.Equal(t, int32(4), g.calls.Load())
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond, 600 * time.Millisecond}, *waits)
}

func TestExecuteClientErrorIsNotRetried(t *testing.T) {
	g := newGateway(t, http.StatusConflict)
	e, _ := newTestExecutor(t, g.srv.URL, BreakerConfig{})

	res, err := e.Execute(context.Background(), "START", nil, "req-4")
	require.NoError(t, err)

	assert.False(t, res.OK)
	assert.Equal(t, "HTTP 409", res.Message)
	assert.Equal(t, int32(1), g.calls.Load())
}

func TestExecuteNetworkError(t *testing.T) {
	g := newGateway(t, http.StatusOK)
	url := g.srv.URL
	g.srv.Close()

	e, waits := newTestExecutor(t, url, BreakerConfig{})

	_, err := e.Execute(context.Background(), "START", nil, "req-5")
	assert.ErrorIs(t, err, ErrExecutor)
	assert.Len(t, *waits, 3)
}

func TestExecuteHonoursCancellation(t *testing.T) {
	g := newGateway(t, http.StatusServiceUnavailable)
	e, _ := newTestExecutor(t, g.srv.URL, BreakerConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	e.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := e.Execute(ctx, "START", nil, "req-6")
	assert.True(t, errors.Is(err, context.Canceled))
	assert.NotErrorIs(t, err, ErrExecutor)
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	g := newGateway(t, http.StatusInternalServerError)
	e, _ := newTestExecutor(t, g.srv.URL, BreakerConfig{
		Enabled:          true,
		FailureThreshold: 2,
		OpenTimeout:      time.Minute,
		HalfOpenRequests: 1,
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := e.Execute(ctx, "START", nil, "req")
		require.ErrorIs(t, err, ErrExecutor)
	}
	callsBefore := g.calls.Load()

	_, err := e.Execute(ctx, "START", nil, "req")
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.ErrorIs(t, err, ErrExecutor)
	assert.Equal(t, callsBefore, g.calls.Load(), "open breaker must not reach the gateway")
}

func TestNewHTTPExecutorValidatesConfig(t *testing.T) {
	_, err := NewHTTPExecutor(Config{BaseURL: "localhost"}, nil, zaptest.NewLogger(t))
	assert.Error(t, err)

	_, err = NewHTTPExecutor(Config{BaseURL: "http://localhost:5088/", MaxRetries: -1}, nil, zaptest.NewLogger(t))
	assert.Error(t, err)

	e, err := NewHTTPExecutor(Config{BaseURL: "http://localhost:5088/", CommandPath: "/plc/conveyor/command"}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:5088/plc/conveyor/command", e.Endpoint())
}
