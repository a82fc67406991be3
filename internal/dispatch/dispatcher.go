package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/OpenWCS/internal/executor"
	"github.com/KevinKickass/OpenWCS/internal/jobs"
	"github.com/KevinKickass/OpenWCS/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Store interface {
	// PendingCommands returns up to limit pending commands, oldest first.
	PendingCommands(ctx context.Context, limit int) ([]*jobs.Command, error)
	// SentCommands returns up to limit commands stuck in Sent, oldest first.
	SentCommands(ctx context.Context, limit int) ([]*jobs.Command, error)
	SaveCommand(ctx context.Context, cmd *jobs.Command) error
	GetJob(ctx context.Context, id uuid.UUID) (*jobs.Job, error)
	// CompleteCommand persists cmd and, when non-nil, job in one transaction.
	CompleteCommand(ctx context.Context, cmd *jobs.Command, job *jobs.Job) error
}

type Executor interface {
	Execute(ctx context.Context, name string, args json.RawMessage, requestID string) (executor.Result, error)
}

type Config struct {
	Interval    time.Duration
	BatchSize   int
	RecoverSent bool
}

type Stats struct {
	Processed uint64    `json:"processed"`
	Acked     uint64    `json:"acked"`
	Failed    uint64    `json:"failed"`
	LastRunAt time.Time `json:"last_run_at"`
}

// Dispatcher moves pending commands through Sent to Acked or Failed. It
// never resubmits a failed command.
type Dispatcher struct {
	store    Store
	executor Executor
	config   Config
	logger   *zap.Logger
	metrics  *metrics.Metrics

	processed atomic.Uint64
	acked     atomic.Uint64
	failed    atomic.Uint64
	lastRun   atomic.Int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewDispatcher(store Store, exec Executor, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	return &Dispatcher{
		store:    store,
		executor: exec,
		config:   cfg,
		logger:   logger,
		metrics:  m,
	}
}

func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return nil
	}
	if d.config.Interval <= 0 {
		return fmt.Errorf("invalid dispatcher interval %s", d.config.Interval)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.wg.Add(1)

	go d.loop(loopCtx)

	d.logger.Info("Command dispatcher started",
		zap.Duration("interval", d.config.Interval),
		zap.Int("batch_size", d.config.BatchSize))

	return nil
}

func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	cancel := d.cancel
	d.mu.Unlock()

	cancel()
	d.wg.Wait()

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	d.logger.Info("Command dispatcher stopped")
}

func (d *Dispatcher) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *Dispatcher) Stats() Stats {
	s := Stats{
		Processed: d.processed.Load(),
		Acked:     d.acked.Load(),
		Failed:    d.failed.Load(),
	}
	if ts := d.lastRun.Load(); ts > 0 {
		s.LastRunAt = time.Unix(0, ts).UTC()
	}
	return s
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer d.wg.Done()

	if d.config.RecoverSent {
		if n, err := d.Recover(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("Failed to recover sent commands", zap.Error(err))
		} else if n > 0 {
			d.logger.Info("Recovered sent commands", zap.Int("count", n))
		}
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("Dispatch cycle failed", zap.Error(err))
		}
		timer.Reset(d.config.Interval)
	}
}

// RunOnce processes one batch of pending commands in creation order and
// returns how many were handled.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	d.lastRun.Store(time.Now().UnixNano())

	pending, err := d.store.PendingCommands(ctx, d.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to query pending commands: %w", err)
	}

	n := 0
	for _, cmd := range pending {
		if ctx.Err() != nil {
			break
		}
		d.process(ctx, cmd, true)
		n++
	}
	return n, nil
}

// Recover re-executes commands left in Sent by an interrupted run. The
// original request id is reused so the gateway can drop duplicates. Pages
// of BatchSize are drained until the store returns none left or only
// commands this call already handled, e.g. ones whose outcome could not be
// persisted.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	seen := make(map[uuid.UUID]struct{})
	n := 0

	for ctx.Err() == nil {
		sent, err := d.store.SentCommands(ctx, d.config.BatchSize)
		if err != nil {
			return n, fmt.Errorf("failed to query sent commands: %w", err)
		}

		progressed := false
		for _, cmd := range sent {
			if ctx.Err() != nil {
				break
			}
			if _, ok := seen[cmd.ID]; ok {
				continue
			}
			seen[cmd.ID] = struct{}{}
			progressed = true

			d.logger.Info("Re-sending command after restart",
				zap.String("command", cmd.ID.String()),
				zap.String("request_id", cmd.RequestID))
			d.process(ctx, cmd, false)
			n++
		}
		if !progressed {
			break
		}
	}
	return n, nil
}

func (d *Dispatcher) process(ctx context.Context, cmd *jobs.Command, markSent bool) {
	start := time.Now()
	d.processed.Add(1)

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Command processing panicked",
				zap.String("command", cmd.ID.String()),
				zap.Any("panic", r))
			d.fail(ctx, cmd, fmt.Sprintf("panic: %v", r), start)
		}
	}()

	if markSent {
		if err := cmd.MarkSent(); err != nil {
			// repository handed out a non-pending command
			d.logger.Error("Refusing to send command", zap.Error(err))
			d.fail(ctx, cmd, err.Error(), start)
			return
		}
		if err := d.store.SaveCommand(ctx, cmd); err != nil {
			d.logger.Error("Failed to persist sent command",
				zap.String("command", cmd.ID.String()),
				zap.Error(err))
			d.fail(ctx, cmd, fmt.Sprintf("failed to persist sent state: %v", err), start)
			return
		}
	}

	res, err := d.executor.Execute(ctx, cmd.Name, cmd.Args, cmd.RequestID)
	if err != nil {
		if ctx.Err() != nil {
			// still Sent; Recover picks it up on the next start
			d.logger.Info("Dispatch interrupted, command left in sent state",
				zap.String("command", cmd.ID.String()))
			return
		}
		d.logger.Warn("Device command failed",
			zap.String("command", cmd.ID.String()),
			zap.String("cmd", cmd.Name),
			zap.Error(err))
		d.fail(ctx, cmd, err.Error(), start)
		return
	}

	if !res.OK {
		d.logger.Warn("Device rejected command",
			zap.String("command", cmd.ID.String()),
			zap.String("cmd", cmd.Name),
			zap.String("message", res.Message))
		d.fail(ctx, cmd, res.Message, start)
		return
	}

	d.ack(ctx, cmd, start)
}

func (d *Dispatcher) ack(ctx context.Context, cmd *jobs.Command, start time.Time) {
	// work on a copy so a failed write can still be recorded as Failed
	acked := *cmd
	if err := acked.Ack(); err != nil {
		d.fail(ctx, cmd, err.Error(), start)
		return
	}

	var job *jobs.Job
	if cmd.JobID != nil {
		j, err := d.store.GetJob(ctx, *cmd.JobID)
		switch {
		case errors.Is(err, jobs.ErrNotFound):
			d.logger.Warn("Command references unknown job",
				zap.String("command", cmd.ID.String()),
				zap.String("job", cmd.JobID.String()))
		case err != nil:
			d.fail(ctx, cmd, fmt.Sprintf("failed to load job: %v", err), start)
			return
		case j.State == jobs.JobDispatched:
			if err := j.Complete(); err != nil {
				d.fail(ctx, cmd, err.Error(), start)
				return
			}
			job = j
		default:
			d.logger.Warn("Linked job not in dispatched state, leaving it unchanged",
				zap.String("job", j.ID.String()),
				zap.String("state", string(j.State)))
		}
	}

	if err := d.store.CompleteCommand(ctx, &acked, job); err != nil {
		d.fail(ctx, cmd, fmt.Sprintf("failed to persist acknowledgement: %v", err), start)
		return
	}
	*cmd = acked

	d.acked.Add(1)
	d.metrics.CommandDispatched("acked", time.Since(start).Seconds())

	fields := []zap.Field{
		zap.String("command", cmd.ID.String()),
		zap.String("cmd", cmd.Name),
		zap.String("device", cmd.DeviceCode),
	}
	if job != nil {
		fields = append(fields, zap.String("job", job.ID.String()), zap.String("job_state", string(job.State)))
	}
	d.logger.Info("Command acknowledged", fields...)
}

func (d *Dispatcher) fail(ctx context.Context, cmd *jobs.Command, note string, start time.Time) {
	if err := cmd.Fail(note); err != nil {
		d.logger.Error("Failed to mark command failed",
			zap.String("command", cmd.ID.String()),
			zap.String("note", note),
			zap.Error(err))
		return
	}
	d.failed.Add(1)
	d.metrics.CommandDispatched("failed", time.Since(start).Seconds())

	if err := d.store.SaveCommand(ctx, cmd); err != nil {
		d.logger.Error("Failed to persist failed command",
			zap.String("command", cmd.ID.String()),
			zap.String("note", note),
			zap.Error(err))
	}
}
