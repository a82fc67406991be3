package equipment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/KevinKickass/OpenWCS/internal/metrics"
	"github.com/KevinKickass/OpenWCS/internal/tags"
	"github.com/KevinKickass/OpenWCS/internal/types"
	"go.uber.org/zap"
)

type Store interface {
	GetEquipment(ctx context.Context, id string) (*Equipment, error)
	SaveEquipment(ctx context.Context, e *Equipment) error
}

// Skip reasons recorded in Result and metrics.
const (
	SkipUnknownTag  = "unknown_tag"
	SkipUnmapped    = "unmapped"
	SkipDecode      = "decode_error"
	SkipWrongDevice = "device_mismatch"
)

// Result summarises one Apply call.
type Result struct {
	Applied int
	Skipped map[string]int
	Saved   []string
}

func (r *Result) skip(reason string) {
	if r.Skipped == nil {
		r.Skipped = make(map[string]int)
	}
	r.Skipped[reason]++
}

// ChangeListener is notified with a copy of every persisted change.
type ChangeListener func(e Equipment)

// Projector folds raw tag values into equipment aggregates.
type Projector struct {
	registry tags.Registry
	store    Store
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu        sync.RWMutex
	listeners []ChangeListener
}

func NewProjector(registry tags.Registry, store Store, m *metrics.Metrics, logger *zap.Logger) *Projector {
	return &Projector{
		registry: registry,
		store:    store,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

func (p *Projector) OnChange(l ChangeListener) {
	p.mu.Lock()
	p.listeners = append(p.listeners, l)
	p.mu.Unlock()
}

type pendingEquipment struct {
	equipment *Equipment
	created   bool
	dirty     bool
}

// Apply maps values (tag id to raw value) read from deviceID onto equipment.
// Each touched equipment is saved at most once, and only when a field
// changed or the equipment was created by this call.
func (p *Projector) Apply(ctx context.Context, deviceID string, values map[string]any) (Result, error) {
	var result Result
	if len(values) == 0 {
		return result, nil
	}

	all, err := p.registry.GetAll(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to load tags: %w", err)
	}
	index := make(map[string]types.FieldTag, len(all))
	for _, t := range all {
		index[t.ID] = t
	}

	// deterministic order keeps logs and saves reproducible
	ids := make([]string, 0, len(values))
	for id := range values {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	touched := make(map[string]*pendingEquipment)
	var order []string
	now := p.now().UTC()

	for _, tagID := range ids {
		tag, ok := index[tagID]
		if !ok {
			p.logger.Debug("Skipping unknown tag", zap.String("tag", tagID), zap.String("device", deviceID))
			p.skip(&result, SkipUnknownTag)
			continue
		}
		if tag.DeviceID != deviceID {
			p.logger.Warn("Skipping tag of another device",
				zap.String("tag", tagID),
				zap.String("tag_device", tag.DeviceID),
				zap.String("device", deviceID))
			p.skip(&result, SkipWrongDevice)
			continue
		}
		if !tag.Mappable() {
			p.logger.Debug("Skipping unmapped tag", zap.String("tag", tagID))
			p.skip(&result, SkipUnmapped)
			continue
		}

		pe, ok := touched[tag.EquipmentID]
		if !ok {
			pe, err = p.load(ctx, tag.EquipmentID, deviceID)
			if err != nil {
				return result, err
			}
			touched[tag.EquipmentID] = pe
			order = append(order, tag.EquipmentID)
		}

		changed, err := pe.equipment.Set(tag.PropertyName, values[tagID])
		if err != nil {
			p.logger.Warn("Failed to apply tag value",
				zap.String("tag", tagID),
				zap.String("equipment", tag.EquipmentID),
				zap.Any("value", values[tagID]),
				zap.Error(err))
			p.skip(&result, SkipDecode)
			continue
		}

		result.Applied++
		if changed {
			pe.dirty = true
			pe.equipment.LastStatusChangedAt = now
		}
	}

	for _, id := range order {
		pe := touched[id]
		if !pe.dirty && !pe.created {
			continue
		}
		if err := p.store.SaveEquipment(ctx, pe.equipment); err != nil {
			return result, fmt.Errorf("failed to save equipment %s: %w", id, err)
		}
		p.metrics.EquipmentWritten()
		result.Saved = append(result.Saved, id)

		p.logger.Debug("Equipment status changed",
			zap.String("equipment", id),
			zap.Bool("running", pe.equipment.IsRunning),
			zap.Bool("fault", pe.equipment.HasFault),
			zap.Bool("blocked", pe.equipment.IsBlocked))
		p.notify(*pe.equipment)
	}

	return result, nil
}

func (p *Projector) load(ctx context.Context, id, deviceID string) (*pendingEquipment, error) {
	e, err := p.store.GetEquipment(ctx, id)
	if err == nil {
		return &pendingEquipment{equipment: e}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to load equipment %s: %w", id, err)
	}

	p.logger.Info("Creating equipment on first observation",
		zap.String("equipment", id),
		zap.String("device", deviceID))
	return &pendingEquipment{equipment: New(id, deviceID), created: true}, nil
}

func (p *Projector) skip(r *Result, reason string) {
	r.skip(reason)
	p.metrics.TagSkipped(reason)
}

func (p *Projector) notify(e Equipment) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, l := range p.listeners {
		l(e)
	}
}
