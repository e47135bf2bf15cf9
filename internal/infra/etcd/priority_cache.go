// internal/infra/etcd/priority_cache.go
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"inference-horde/internal/domain"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// etcdPriorityCache shares the leader's queue head with every node. Reads go
// through a short local cache so each poll does not hit etcd.
type etcdPriorityCache struct {
	client *clientv3.Client
	keys   Keyspace
	ttl    time.Duration
	local  *ttlcache.Cache[domain.WorkerVariant, []uuid.UUID]
}

func NewPriorityCache(client *clientv3.Client, keys Keyspace, ttl, localTTL time.Duration) domain.PriorityCache {
	return &etcdPriorityCache{
		client: client,
		keys:   keys,
		ttl:    ttl,
		local: ttlcache.New(
			ttlcache.WithTTL[domain.WorkerVariant, []uuid.UUID](localTTL),
			ttlcache.WithDisableTouchOnHit[domain.WorkerVariant, []uuid.UUID](),
		),
	}
}

func (c *etcdPriorityCache) Get(ctx context.Context, variant domain.WorkerVariant) ([]uuid.UUID, error) {
	if item := c.local.Get(variant); item != nil {
		return item.Value(), nil
	}
	resp, err := c.client.Get(ctx, c.keys.Priority(string(variant)))
	if err != nil {
		return nil, fmt.Errorf("failed to read priority cache: %w", err)
	}
	var ids []uuid.UUID
	if len(resp.Kvs) > 0 {
		if err := json.Unmarshal(resp.Kvs[0].Value, &ids); err != nil {
			return nil, fmt.Errorf("failed to decode priority cache: %w", err)
		}
	}
	c.local.Set(variant, ids, ttlcache.DefaultTTL)
	return ids, nil
}

func (c *etcdPriorityCache) Set(ctx context.Context, variant domain.WorkerVariant, ids []uuid.UUID) error {
	payload, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	lease, err := c.client.Grant(ctx, int64(c.ttl.Seconds()))
	if err != nil {
		return fmt.Errorf("failed to grant priority cache lease: %w", err)
	}
	if _, err := c.client.Put(ctx, c.keys.Priority(string(variant)), string(payload), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to write priority cache: %w", err)
	}
	c.local.Set(variant, ids, ttlcache.DefaultTTL)
	return nil
}
