package tags

import (
	"context"
	"sync"
	"time"

	"github.com/KevinKickass/OpenWCS/internal/types"
)

// Registry is the read-only source of field tag metadata.
type Registry interface {
	GetAll(ctx context.Context) ([]types.FieldTag, error)
}

// CachedRegistry keeps the last successful result of an inner registry for
// ttl. A failed refresh is returned to the caller and the stale entry is
// discarded.
type CachedRegistry struct {
	inner Registry
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	tags    []types.FieldTag
	fetched time.Time
}

func NewCachedRegistry(inner Registry, ttl time.Duration) *CachedRegistry {
	return &CachedRegistry{
		inner: inner,
		ttl:   ttl,
		now:   time.Now,
	}
}

func (c *CachedRegistry) GetAll(ctx context.Context) ([]types.FieldTag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tags != nil && c.now().Sub(c.fetched) < c.ttl {
		return c.tags, nil
	}

	tags, err := c.inner.GetAll(ctx)
	if err != nil {
		c.tags = nil
		return nil, err
	}

	if tags == nil {
		tags = []types.FieldTag{}
	}
	c.tags = tags
	c.fetched = c.now()
	return tags, nil
}

// Invalidate forces the next call to hit the inner registry.
func (c *CachedRegistry) Invalidate() {
	c.mu.Lock()
	c.tags = nil
	c.mu.Unlock()
}

// StaticRegistry serves a fixed tag set.
type StaticRegistry []types.FieldTag

func (s StaticRegistry) GetAll(ctx context.Context) ([]types.FieldTag, error) {
	return []types.FieldTag(s), nil
}
