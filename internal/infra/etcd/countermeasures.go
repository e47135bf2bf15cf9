// internal/infra/etcd/countermeasures.go
package etcd

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"inference-horde/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SuspicionMemory is how long an IP's offence count is remembered.
const SuspicionMemory = 24 * time.Hour

type etcdCounterMeasures struct {
	client *clientv3.Client
	keys   Keyspace
	logger *slog.Logger
	tracer trace.Tracer
}

// NewCounterMeasures keeps IP timeouts as etcd keys bound to leases of the timeout length.
func NewCounterMeasures(client *clientv3.Client, keys Keyspace, logger *slog.Logger) domain.CounterMeasures {
	return &etcdCounterMeasures{
		client: client,
		keys:   keys,
		logger: logger.With("component", "countermeasures"),
		tracer: otel.Tracer("inference-horde-etcd-repo"),
	}
}

func (c *etcdCounterMeasures) IPTimeout(ctx context.Context, ip string) (time.Duration, error) {
	ctx, span := c.tracer.Start(ctx, "repo.etcd.IPTimeout")
	defer span.End()

	resp, err := c.client.Get(ctx, c.keys.IPTimeout(ip))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read ip timeout")
		return 0, fmt.Errorf("failed to read timeout of %s: %w", ip, err)
	}
	if len(resp.Kvs) == 0 || resp.Kvs[0].Lease == 0 {
		return 0, nil
	}
	ttl, err := c.client.TimeToLive(ctx, clientv3.LeaseID(resp.Kvs[0].Lease))
	if err != nil {
		return 0, fmt.Errorf("failed to read timeout lease of %s: %w", ip, err)
	}
	if ttl.TTL <= 0 {
		return 0, nil
	}
	return time.Duration(ttl.TTL) * time.Second, nil
}

func (c *etcdCounterMeasures) ReportSuspicion(ctx context.Context, ip string) (time.Duration, error) {
	ctx, span := c.tracer.Start(ctx, "repo.etcd.ReportSuspicion")
	defer span.End()
	span.SetAttributes(attribute.String("ip", ip))

	current := 0
	resp, err := c.client.Get(ctx, c.keys.IPSuspicion(ip))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read ip suspicion")
		return 0, fmt.Errorf("failed to read suspicion of %s: %w", ip, err)
	}
	if len(resp.Kvs) > 0 {
		current, _ = strconv.Atoi(string(resp.Kvs[0].Value))
	}

	memory, err := c.client.Grant(ctx, int64(SuspicionMemory.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("failed to grant suspicion lease: %w", err)
	}
	if _, err := c.client.Put(ctx, c.keys.IPSuspicion(ip), strconv.Itoa(current+1), clientv3.WithLease(memory.ID)); err != nil {
		return 0, fmt.Errorf("failed to store suspicion of %s: %w", ip, err)
	}

	timeout := domain.IPTimeoutFor(current)
	lease, err := c.client.Grant(ctx, int64(timeout.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("failed to grant timeout lease: %w", err)
	}
	if _, err := c.client.Put(ctx, c.keys.IPTimeout(ip), strconv.Itoa(current+1), clientv3.WithLease(lease.ID)); err != nil {
		return 0, fmt.Errorf("failed to store timeout of %s: %w", ip, err)
	}
	c.logger.Warn("ip put in timeout", "ip", ip, "offences", current+1, "timeout", timeout)
	return timeout, nil
}

func (c *etcdCounterMeasures) ClearTimeout(ctx context.Context, ip string) error {
	_, err := c.client.Delete(ctx, c.keys.IPTimeout(ip))
	return err
}
