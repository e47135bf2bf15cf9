// internal/infra/memory/countermeasures.go
package memory

import (
	"context"
	"sync"
	"time"

	"inference-horde/internal/domain"

	"github.com/jellydator/ttlcache/v3"
)

// suspicionMemory matches the etcd implementation.
const suspicionMemory = 24 * time.Hour

// CounterMeasures keeps IP timeouts in process for single-node deployments and tests.
type CounterMeasures struct {
	mu         sync.Mutex
	timeouts   *ttlcache.Cache[string, int]
	suspicions *ttlcache.Cache[string, int]
}

var _ domain.CounterMeasures = (*CounterMeasures)(nil)

func NewCounterMeasures() *CounterMeasures {
	return &CounterMeasures{
		timeouts: ttlcache.New(ttlcache.WithDisableTouchOnHit[string, int]()),
		suspicions: ttlcache.New(
			ttlcache.WithTTL[string, int](suspicionMemory),
			ttlcache.WithDisableTouchOnHit[string, int](),
		),
	}
}

func (c *CounterMeasures) IPTimeout(_ context.Context, ip string) (time.Duration, error) {
	item := c.timeouts.Get(ip)
	if item == nil {
		return 0, nil
	}
	remaining := time.Until(item.ExpiresAt())
	if remaining <= 0 {
		return 0, nil
	}
	return remaining, nil
}

func (c *CounterMeasures) ReportSuspicion(_ context.Context, ip string) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := 0
	if item := c.suspicions.Get(ip); item != nil {
		current = item.Value()
	}
	c.suspicions.Set(ip, current+1, ttlcache.DefaultTTL)

	timeout := domain.IPTimeoutFor(current)
	c.timeouts.Set(ip, current+1, timeout)
	return timeout, nil
}

func (c *CounterMeasures) ClearTimeout(_ context.Context, ip string) error {
	c.timeouts.Delete(ip)
	return nil
}
