// internal/infra/memory/priority_cache.go
package memory

import (
	"context"
	"slices"
	"time"

	"inference-horde/internal/domain"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
)

type PriorityCache struct {
	cache *ttlcache.Cache[domain.WorkerVariant, []uuid.UUID]
}

var _ domain.PriorityCache = (*PriorityCache)(nil)

func NewPriorityCache(ttl time.Duration) *PriorityCache {
	return &PriorityCache{
		cache: ttlcache.New(
			ttlcache.WithTTL[domain.WorkerVariant, []uuid.UUID](ttl),
			ttlcache.WithDisableTouchOnHit[domain.WorkerVariant, []uuid.UUID](),
		),
	}
}

func (c *PriorityCache) Get(_ context.Context, variant domain.WorkerVariant) ([]uuid.UUID, error) {
	if item := c.cache.Get(variant); item != nil {
		return slices.Clone(item.Value()), nil
	}
	return nil, nil
}

func (c *PriorityCache) Set(_ context.Context, variant domain.WorkerVariant, ids []uuid.UUID) error {
	c.cache.Set(variant, slices.Clone(ids), ttlcache.DefaultTTL)
	return nil
}
