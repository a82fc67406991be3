package equipment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/KevinKickass/OpenWCS/internal/tags"
	"github.com/KevinKickass/OpenWCS/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type memStore struct {
	items  map[string]Equipment
	saves  []string
	getErr error
}

func newMemStore() *memStore {
	return &memStore{items: make(map[string]Equipment)}
}

func (m *memStore) GetEquipment(ctx context.Context, id string) (*Equipment, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	e, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (m *memStore) SaveEquipment(ctx context.Context, e *Equipment) error {
	m.items[e.ID] = *e
	m.saves = append(m.saves, e.ID)
	return nil
}

var conveyorTags = tags.StaticRegistry{
	{ID: "CV01_RUN_FB", DeviceID: "PLC01", DataType: types.DataTypeCoil, Direction: types.DirectionInput, Address: 0, EquipmentID: "CV01", PropertyName: "IsRunning"},
	{ID: "CV01_FAULT", DeviceID: "PLC01", DataType: types.DataTypeDiscreteInput, Direction: types.DirectionInput, Address: 0, EquipmentID: "CV01", PropertyName: "HasFault"},
	{ID: "CV01_SPEED", DeviceID: "PLC01", DataType: types.DataTypeInputRegister, Direction: types.DirectionInput, Address: 0, EquipmentID: "CV01", PropertyName: "Speed"},
	{ID: "CV01_MODE", DeviceID: "PLC01", DataType: types.DataTypeHoldingRegister, Direction: types.DirectionInput, Address: 1, EquipmentID: "CV01", PropertyName: "mode"},
	{ID: "LF01_ERR", DeviceID: "PLC01", DataType: types.DataTypeHoldingRegister, Direction: types.DirectionInput, Address: 2, EquipmentID: "LF01", PropertyName: "error_code"},
	{ID: "SPARE", DeviceID: "PLC01", DataType: types.DataTypeCoil, Direction: types.DirectionInput, Address: 5},
}

func newTestProjector(t *testing.T, store Store) *Projector {
	p := NewProjector(conveyorTags, store, nil, zaptest.NewLogger(t))
	p.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return p
}

func TestProjectorCreatesEquipmentLazily(t *testing.T) {
	store := newMemStore()
	p := newTestProjector(t, store)

	res, err := p.Apply(context.Background(), "PLC01", map[string]any{
		"CV01_RUN_FB": true,
		"CV01_SPEED":  uint16(120),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, []string{"CV01"}, res.Saved)

	cv := store.items["CV01"]
	assert.Equal(t, "CV01", cv.Name)
	assert.Equal(t, "PLC01", cv.DeviceID)
	assert.True(t, cv.IsRunning)
	assert.Equal(t, 120.0, cv.Speed)
	assert.Equal(t, p.now(), cv.LastStatusChangedAt)
}

func TestProjectorIsIdempotent(t *testing.T) {
	store := newMemStore()
	p := newTestProjector(t, store)
	values := map[string]any{"CV01_RUN_FB": true, "CV01_FAULT": false}

	_, err := p.Apply(context.Background(), "PLC01", values)
	require.NoError(t, err)
	firstStamp := store.items["CV01"].LastStatusChangedAt
	require.Len(t, store.saves, 1)

	p.now = func() time.Time { return firstStamp.Add(time.Hour) }
	res, err := p.Apply(context.Background(), "PLC01", values)
	require.NoError(t, err)

	assert.Empty(t, res.Saved)
	assert.Len(t, store.saves, 1)
	assert.Equal(t, firstStamp, store.items["CV01"].LastStatusChangedAt)
}

func TestProjectorSavesEachEquipmentOnce(t *testing.T) {
	store := newMemStore()
	store.items["CV01"] = *New("CV01", "PLC01")
	store.items["LF01"] = *New("LF01", "PLC01")
	p := newTestProjector(t, store)

	res, err := p.Apply(context.Background(), "PLC01", map[string]any{
		"CV01_RUN_FB": true,
		"CV01_FAULT":  true,
		"CV01_MODE":   uint16(2),
		"LF01_ERR":    uint16(17),
	})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"CV01", "LF01"}, store.saves)
	assert.Len(t, res.Saved, 2)
	assert.Equal(t, ModeManual, store.items["CV01"].Mode)
	assert.Equal(t, 17, store.items["LF01"].ErrorCode)
}

func TestProjectorIgnoresUnknownAndUnmappedTags(t *testing.T) {
	store := newMemStore()
	p := newTestProjector(t, store)

	res, err := p.Apply(context.Background(), "PLC01", map[string]any{
		"GHOST": true,
		"SPARE": true,
	})
	require.NoError(t, err)

	assert.Empty(t, store.items)
	assert.Equal(t, 1, res.Skipped[SkipUnknownTag])
	assert.Equal(t, 1, res.Skipped[SkipUnmapped])
}

func TestProjectorSkipsUncoercibleValues(t *testing.T) {
	store := newMemStore()
	store.items["CV01"] = *New("CV01", "PLC01")
	p := newTestProjector(t, store)

	res, err := p.Apply(context.Background(), "PLC01", map[string]any{
		"CV01_MODE":   uint16(99),
		"CV01_RUN_FB": true,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Skipped[SkipDecode])
	assert.Equal(t, ModeUnknown, store.items["CV01"].Mode)
	assert.True(t, store.items["CV01"].IsRunning)
}

func TestProjectorNotifiesListeners(t *testing.T) {
	store := newMemStore()
	p := newTestProjector(t, store)

	var seen []Equipment
	p.OnChange(func(e Equipment) { seen = append(seen, e) })

	_, err := p.Apply(context.Background(), "PLC01", map[string]any{"CV01_FAULT": true})
	require.NoError(t, err)
	_, err = p.Apply(context.Background(), "PLC01", map[string]any{"CV01_FAULT": true})
	require.NoError(t, err)

	require.Len(t, seen, 1)
	assert.True(t, seen[0].HasFault)
}

func TestProjectorPropagatesStoreErrors(t *testing.T) {
	store := newMemStore()
	store.getErr = errors.New("connection refused")
	p := newTestProjector(t, store)

	_, err := p.Apply(context.Background(), "PLC01", map[string]any{"CV01_FAULT": true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestProjectorSkipsTagsOfAnotherDevice(t *testing.T) {
	store := newMemStore()
	p := newTestProjector(t, store)

	res, err := p.Apply(context.Background(), "PLC02", map[string]any{
		"CV01_RUN_FB": true,
	})
	require.NoError(t, err)

	assert.Zero(t, res.Applied)
	assert.Equal(t, map[string]int{SkipWrongDevice: 1}, res.Skipped)
	assert.Empty(t, store.saves)
}
