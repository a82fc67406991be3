package polling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KevinKickass/OpenWCS/internal/equipment"
	"github.com/KevinKickass/OpenWCS/internal/metrics"
	"github.com/KevinKickass/OpenWCS/internal/modbus"
	"github.com/KevinKickass/OpenWCS/internal/tags"
	"github.com/KevinKickass/OpenWCS/internal/types"
	"go.uber.org/zap"
)

// Channel is the subset of the field bus client the scheduler reads with.
type Channel interface {
	ReadCoils(ctx context.Context, slaveID uint8, startAddr, quantity uint16) ([]bool, error)
	ReadDiscreteInputs(ctx context.Context, slaveID uint8, startAddr, quantity uint16) ([]bool, error)
	ReadHoldingRegisters(ctx context.Context, slaveID uint8, startAddr, quantity uint16) ([]uint16, error)
	ReadInputRegisters(ctx context.Context, slaveID uint8, startAddr, quantity uint16) ([]uint16, error)
}

// Projector receives decoded values per device.
type Projector interface {
	Apply(ctx context.Context, deviceID string, values map[string]any) (equipment.Result, error)
}

type State int32

const (
	StateIdle State = iota
	StateReading
	StateDecoding
	StateApplying
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReading:
		return "reading"
	case StateDecoding:
		return "decoding"
	case StateApplying:
		return "applying"
	default:
		return "unknown"
	}
}

type Config struct {
	Interval time.Duration
	SlaveID  uint8
}

// Scheduler reads every input tag once per interval, one batched read per
// (device, data type) group.
type Scheduler struct {
	channel   Channel
	registry  tags.Registry
	projector Projector
	config    Config
	logger    *zap.Logger
	metrics   *metrics.Metrics

	state   atomic.Int32
	cycles  atomic.Uint64
	lastErr atomic.Value // string

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewScheduler(channel Channel, registry tags.Registry, projector Projector, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		channel:   channel,
		registry:  registry,
		projector: projector,
		config:    cfg,
		logger:    logger,
		metrics:   m,
	}
}

// Start launches the polling loop. The loop runs until ctx is cancelled or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if s.config.Interval <= 0 {
		return fmt.Errorf("invalid polling interval %s", s.config.Interval)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.wg.Add(1)

	go s.loop(loopCtx)

	s.logger.Info("Poller started",
		zap.Duration("interval", s.config.Interval),
		zap.Uint8("slave_id", s.config.SlaveID))

	return nil
}

// Stop cancels the loop and waits for the current cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.logger.Info("Poller stopped")
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) State() State {
	return State(s.state.Load())
}

func (s *Scheduler) Cycles() uint64 {
	return s.cycles.Load()
}

// LastError returns the message of the last failed cycle, if any.
func (s *Scheduler) LastError() string {
	v, _ := s.lastErr.Load().(string)
	return v
}

func (s *Scheduler) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	// a cycle runs to completion before the next wait starts, so cycles
	// never overlap even when one takes longer than the interval
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := s.PollOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("Poll cycle failed", zap.Error(err))
		}
		timer.Reset(s.config.Interval)
	}
}

type groupKey struct {
	deviceID string
	dataType types.DataType
}

type group struct {
	key  groupKey
	tags []types.FieldTag
	min  uint16
	max  uint16
}

// PollOnce runs a single acquisition cycle. A transport failure aborts the
// rest of the cycle and is returned; protocol and decode errors only cost
// the affected group or tag.
func (s *Scheduler) PollOnce(ctx context.Context) (err error) {
	start := time.Now()
	result := "ok"
	defer func() {
		s.setState(StateIdle)
		s.cycles.Add(1)
		if err != nil {
			s.lastErr.Store(err.Error())
		} else {
			s.lastErr.Store("")
		}
		s.metrics.PollCycle(result, time.Since(start).Seconds())
	}()

	all, err := s.registry.GetAll(ctx)
	if err != nil {
		result = "registry_error"
		return fmt.Errorf("failed to load tags: %w", err)
	}

	for _, g := range buildGroups(all) {
		if err := ctx.Err(); err != nil {
			result = "cancelled"
			return err
		}

		err := s.pollGroup(ctx, g)
		switch {
		case err == nil:
		case errors.Is(err, modbus.ErrTransportUnavailable):
			result = "transport_error"
			s.logger.Warn("Field bus unavailable, aborting cycle",
				zap.String("device", g.key.deviceID),
				zap.Error(err))
			return err
		case ctx.Err() != nil:
			result = "cancelled"
			return ctx.Err()
		default:
			// group-local failure, already logged
		}
	}

	return nil
}

func buildGroups(all []types.FieldTag) []*group {
	groups := make(map[groupKey]*group)
	for _, t := range all {
		if !t.Polled() {
			continue
		}
		key := groupKey{deviceID: t.DeviceID, dataType: t.DataType}
		g, ok := groups[key]
		if !ok {
			g = &group{key: key, min: t.Address, max: t.Address}
			groups[key] = g
		}
		g.tags = append(g.tags, t)
		if t.Address < g.min {
			g.min = t.Address
		}
		if t.Address > g.max {
			g.max = t.Address
		}
	}

	out := make([]*group, 0, len(groups))
	for _, g := range groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].key.deviceID != out[j].key.deviceID {
			return out[i].key.deviceID < out[j].key.deviceID
		}
		return out[i].key.dataType < out[j].key.dataType
	})
	return out
}

func (s *Scheduler) pollGroup(ctx context.Context, g *group) error {
	dataType := string(g.key.dataType)
	count := g.max - g.min + 1

	s.setState(StateReading)
	var (
		bits  []bool
		words []uint16
		err   error
	)
	switch g.key.dataType {
	case types.DataTypeCoil:
		bits, err = s.channel.ReadCoils(ctx, s.config.SlaveID, g.min, count)
	case types.DataTypeDiscreteInput:
		bits, err = s.channel.ReadDiscreteInputs(ctx, s.config.SlaveID, g.min, count)
	case types.DataTypeHoldingRegister:
		words, err = s.channel.ReadHoldingRegisters(ctx, s.config.SlaveID, g.min, count)
	case types.DataTypeInputRegister:
		words, err = s.channel.ReadInputRegisters(ctx, s.config.SlaveID, g.min, count)
	default:
		err = fmt.Errorf("unsupported data type %q", g.key.dataType)
	}

	if err != nil {
		var pe *modbus.ProtocolError
		switch {
		case errors.Is(err, modbus.ErrTransportUnavailable):
			s.metrics.GroupRead(dataType, "transport_error")
		case errors.As(err, &pe):
			s.metrics.GroupRead(dataType, "protocol_error")
			s.logger.Warn("Device rejected group read",
				zap.String("device", g.key.deviceID),
				zap.String("data_type", dataType),
				zap.Uint8("function", pe.Function),
				zap.Uint8("exception", pe.ExceptionCode))
		default:
			s.metrics.GroupRead(dataType, "error")
			s.logger.Error("Group read failed",
				zap.String("device", g.key.deviceID),
				zap.String("data_type", dataType),
				zap.Error(err))
		}
		return err
	}
	s.metrics.GroupRead(dataType, "ok")

	s.setState(StateDecoding)
	values := make(map[string]any, len(g.tags))
	for _, t := range g.tags {
		v, err := decode(t, g.min, bits, words)
		if err != nil {
			s.metrics.DecodeError(g.key.deviceID)
			s.logger.Warn("Failed to decode tag",
				zap.String("tag", t.ID),
				zap.String("device", t.DeviceID),
				zap.Error(err))
			continue
		}
		values[t.ID] = v
		s.logger.Debug("Polled tag",
			zap.String("device", t.DeviceID),
			zap.String("tag", t.ID),
			zap.String("ref", t.Reference()),
			zap.Any("value", v))
	}

	s.setState(StateApplying)
	if _, err := s.projector.Apply(ctx, g.key.deviceID, values); err != nil {
		s.logger.Error("Failed to apply polled values",
			zap.String("device", g.key.deviceID),
			zap.Error(err))
		return err
	}

	return nil
}

// decode extracts one tag's value from a group read starting at base.
func decode(t types.FieldTag, base uint16, bits []bool, words []uint16) (any, error) {
	offset := int(t.Address) - int(base)

	if t.DataType.IsBit() {
		if offset < 0 || offset >= len(bits) {
			return nil, fmt.Errorf("%w: offset %d outside %d returned points", types.ErrDecode, offset, len(bits))
		}
		return bits[offset], nil
	}

	if offset < 0 || offset >= len(words) {
		return nil, fmt.Errorf("%w: offset %d outside %d returned registers", types.ErrDecode, offset, len(words))
	}
	word := words[offset]
	if t.BitIndex != nil {
		if *t.BitIndex > 15 {
			return nil, fmt.Errorf("%w: bit index %d out of range", types.ErrDecode, *t.BitIndex)
		}
		return (word>>*t.BitIndex)&1 == 1, nil
	}
	return word, nil
}
