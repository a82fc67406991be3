package polling

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenWCS/internal/equipment"
	"github.com/KevinKickass/OpenWCS/internal/modbus"
	"github.com/KevinKickass/OpenWCS/internal/tags"
	"github.com/KevinKickass/OpenWCS/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type readCall struct {
	fn    string
	start uint16
	count uint16
}

type fakeChannel struct {
	mu    sync.Mutex
	calls []readCall
	bits  map[string][]bool
	words map[string][]uint16
	errs  map[string]error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		bits:  make(map[string][]bool),
		words: make(map[string][]uint16),
		errs:  make(map[string]error),
	}
}

func (f *fakeChannel) record(fn string, start, count uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, readCall{fn, start, count})
	return f.errs[fn]
}

func (f *fakeChannel) ReadCoils(ctx context.Context, slaveID uint8, start, count uint16) ([]bool, error) {
	if err := f.record("coils", start, count); err != nil {
		return nil, err
	}
	return f.bits["coils"], nil
}

func (f *fakeChannel) ReadDiscreteInputs(ctx context.Context, slaveID uint8, start, count uint16) ([]bool, error) {
	if err := f.record("discrete", start, count); err != nil {
		return nil, err
	}
	return f.bits["discrete"], nil
}

func (f *fakeChannel) ReadHoldingRegisters(ctx context.Context, slaveID uint8, start, count uint16) ([]uint16, error) {
	if err := f.record("holding", start, count); err != nil {
		return nil, err
	}
	return f.words["holding"], nil
}

func (f *fakeChannel) ReadInputRegisters(ctx context.Context, slaveID uint8, start, count uint16) ([]uint16, error) {
	if err := f.record("input", start, count); err != nil {
		return nil, err
	}
	return f.words["input"], nil
}

type applyCall struct {
	device string
	values map[string]any
}

type fakeProjector struct {
	mu    sync.Mutex
	calls []applyCall
}

func (p *fakeProjector) Apply(ctx context.Context, deviceID string, values map[string]any) (equipment.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, applyCall{deviceID, values})
	return equipment.Result{}, nil
}

func tag(id string, dt types.DataType, addr uint16) types.FieldTag {
	return types.FieldTag{ID: id, DeviceID: "PLC01", DataType: dt, Direction: types.DirectionInput, Address: addr}
}

func newTestScheduler(t *testing.T, ch Channel, reg tags.Registry, proj Projector) *Scheduler {
	return NewScheduler(ch, reg, proj, Config{Interval: 10 * time.Millisecond, SlaveID: 1}, nil, zaptest.NewLogger(t))
}

func TestPollOnceDecodesRegisterBits(t *testing.T) {
	ch := newFakeChannel()
	ch.words["holding"] = []uint16{0x0005}

	t0 := tag("BIT0", types.DataTypeHoldingRegister, 7)
	t0.BitIndex = types.BitIndexPtr(0)
	t1 := tag("BIT1", types.DataTypeHoldingRegister, 7)
	t1.BitIndex = types.BitIndexPtr(1)
	t2 := tag("BIT2", types.DataTypeHoldingRegister, 7)
	t2.BitIndex = types.BitIndexPtr(2)
	raw := tag("RAW", types.DataTypeHoldingRegister, 7)

	proj := &fakeProjector{}
	s := newTestScheduler(t, ch, tags.StaticRegistry{t0, t1, t2, raw}, proj)

	require.NoError(t, s.PollOnce(context.Background()))

	require.Len(t, proj.calls, 1)
	values := proj.calls[0].values
	assert.Equal(t, true, values["BIT0"])
	assert.Equal(t, false, values["BIT1"])
	assert.Equal(t, true, values["BIT2"])
	assert.Equal(t, uint16(0x0005), values["RAW"])
}

func TestPollOnceIssuesOneReadPerGroup(t *testing.T) {
	ch := newFakeChannel()
	ch.bits["coils"] = []bool{true, false, false, true}

	reg := tags.StaticRegistry{
		tag("C5", types.DataTypeCoil, 5),
		tag("C2", types.DataTypeCoil, 2),
	}
	proj := &fakeProjector{}
	s := newTestScheduler(t, ch, reg, proj)

	require.NoError(t, s.PollOnce(context.Background()))

	assert.Equal(t, []readCall{{"coils", 2, 4}}, ch.calls)
	require.Len(t, proj.calls, 1)
	assert.Equal(t, "PLC01", proj.calls[0].device)
	assert.Equal(t, map[string]any{"C2": true, "C5": true}, proj.calls[0].values)
}

func TestPollOnceSkipsOutputTags(t *testing.T) {
	ch := newFakeChannel()
	out := tag("OUT", types.DataTypeCoil, 0)
	out.Direction = types.DirectionOutput

	s := newTestScheduler(t, ch, tags.StaticRegistry{out}, &fakeProjector{})

	require.NoError(t, s.PollOnce(context.Background()))
	assert.Empty(t, ch.calls)
}

func TestPollOnceShortResponseIsTagLocal(t *testing.T) {
	ch := newFakeChannel()
	ch.words["input"] = []uint16{11} // device returned fewer registers than asked

	reg := tags.StaticRegistry{
		tag("I0", types.DataTypeInputRegister, 0),
		tag("I3", types.DataTypeInputRegister, 3),
	}
	proj := &fakeProjector{}

	core, logs := observer.New(zap.WarnLevel)
	s := NewScheduler(ch, reg, proj, Config{Interval: time.Second, SlaveID: 1}, nil, zap.New(core))

	require.NoError(t, s.PollOnce(context.Background()))

	require.Len(t, proj.calls, 1)
	assert.Equal(t, map[string]any{"I0": uint16(11)}, proj.calls[0].values)
	assert.Equal(t, 1, logs.FilterMessage("Failed to decode tag").Len())
}

func TestPollOnceProtocolErrorSkipsOnlyGroup(t *testing.T) {
	ch := newFakeChannel()
	ch.errs["coils"] = &modbus.ProtocolError{Function: 0x01, ExceptionCode: 0x02}
	ch.bits["discrete"] = []bool{true}

	reg := tags.StaticRegistry{
		tag("C0", types.DataTypeCoil, 0),
		tag("D0", types.DataTypeDiscreteInput, 0),
	}
	proj := &fakeProjector{}
	s := newTestScheduler(t, ch, reg, proj)

	require.NoError(t, s.PollOnce(context.Background()))

	assert.Len(t, ch.calls, 2)
	require.Len(t, proj.calls, 1)
	assert.Equal(t, map[string]any{"D0": true}, proj.calls[0].values)
}

func TestPollOnceTransportErrorAbortsCycle(t *testing.T) {
	ch := newFakeChannel()
	ch.errs["coils"] = fmt.Errorf("%w: dial: refused", modbus.ErrTransportUnavailable)

	reg := tags.StaticRegistry{
		tag("C0", types.DataTypeCoil, 0),
		tag("D0", types.DataTypeDiscreteInput, 0),
	}
	proj := &fakeProjector{}
	s := newTestScheduler(t, ch, reg, proj)

	err := s.PollOnce(context.Background())
	require.ErrorIs(t, err, modbus.ErrTransportUnavailable)

	assert.Len(t, ch.calls, 1, "discrete group must not be read after transport failure")
	assert.Empty(t, proj.calls)
	assert.NotEmpty(t, s.LastError())
	assert.Equal(t, StateIdle, s.State())
}

func TestSchedulerLoopRunsUntilStopped(t *testing.T) {
	ch := newFakeChannel()
	ch.bits["coils"] = []bool{true}
	proj := &fakeProjector{}
	s := newTestScheduler(t, ch, tags.StaticRegistry{tag("C0", types.DataTypeCoil, 0)}, proj)

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsRunning())

	assert.Eventually(t, func() bool { return s.Cycles() >= 3 }, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	assert.False(t, s.IsRunning())
	cycles := s.Cycles()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, cycles, s.Cycles())
}

func TestSchedulerStopsOnContextCancel(t *testing.T) {
	ch := newFakeChannel()
	ch.errs["coils"] = fmt.Errorf("%w: dial: refused", modbus.ErrTransportUnavailable)
	s := newTestScheduler(t, ch, tags.StaticRegistry{tag("C0", types.DataTypeCoil, 0)}, &fakeProjector{})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	assert.Eventually(t, func() bool { return s.Cycles() >= 2 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not exit after cancellation")
	}
	s.Stop()
}

func TestStartRejectsZeroInterval(t *testing.T) {
	s := NewScheduler(newFakeChannel(), tags.StaticRegistry{}, &fakeProjector{}, Config{}, nil, zaptest.NewLogger(t))
	assert.Error(t, s.Start(context.Background()))
}
