// internal/cluster/membership.go
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"inference-horde/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Membership registers this broker node under a leased key and tracks every
// other live node through a watch on the same prefix.
type Membership struct {
	client  *clientv3.Client
	prefix  string
	logger  *slog.Logger
	leaseID clientv3.LeaseID
	key     string

	mu    sync.RWMutex
	nodes map[string]string // node id -> advertised address
}

var _ domain.NodeDirectory = (*Membership)(nil)

func NewMembership(client *clientv3.Client, prefix string, logger *slog.Logger) *Membership {
	return &Membership{
		client: client,
		prefix: prefix,
		logger: logger.With("component", "membership"),
		nodes:  make(map[string]string),
	}
}

// Register puts nodeID under a lease of ttl seconds and keeps the lease alive
// until ctx is done.
func (m *Membership) Register(ctx context.Context, nodeID, addr string, ttl int64) error {
	m.key = m.prefix + nodeID

	leaseResp, err := m.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}
	m.leaseID = leaseResp.ID

	if _, err := m.client.Put(ctx, m.key, addr, clientv3.WithLease(m.leaseID)); err != nil {
		return fmt.Errorf("failed to put node registration key: %w", err)
	}

	keepAliveCh, err := m.client.KeepAlive(ctx, m.leaseID)
	if err != nil {
		return fmt.Errorf("failed to start keep-alive: %w", err)
	}
	go func() {
		for ka := range keepAliveCh {
			m.logger.Debug("lease keep-alive refreshed", "lease_id", ka.ID, "ttl", ka.TTL)
		}
		// keep-alive 通道关闭意味着租约已过期或被撤销
		m.logger.Warn("keep-alive channel closed, node registration may have expired")
	}()

	m.logger.Info("node registered", "key", m.key, "addr", addr)
	return nil
}

// Deregister revokes the lease, which deletes the node key with it.
func (m *Membership) Deregister(ctx context.Context) error {
	if m.leaseID == clientv3.NoLease {
		return nil
	}
	m.logger.Info("deregistering node", "key", m.key)
	if _, err := m.client.Revoke(ctx, m.leaseID); err != nil {
		return fmt.Errorf("failed to revoke lease: %w", err)
	}
	return nil
}

// Watch loads the current members and then follows changes until ctx is done.
func (m *Membership) Watch(ctx context.Context) {
	if err := m.loadInitial(ctx); err != nil {
		m.logger.Error("failed to perform initial node load", "error", err)
	}

	for watchResp := range m.client.Watch(ctx, m.prefix, clientv3.WithPrefix()) {
		for _, event := range watchResp.Events {
			id := strings.TrimPrefix(string(event.Kv.Key), m.prefix)
			m.mu.Lock()
			switch event.Type {
			case clientv3.EventTypePut:
				if _, ok := m.nodes[id]; !ok {
					m.logger.Info("node joined", "id", id, "addr", string(event.Kv.Value))
				}
				m.nodes[id] = string(event.Kv.Value)
			case clientv3.EventTypeDelete:
				m.logger.Info("node left", "id", id)
				delete(m.nodes, id)
			}
			m.mu.Unlock()
		}
	}
	m.logger.Info("stopped watching nodes")
}

func (m *Membership) loadInitial(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := m.client.Get(ctx, m.prefix, clientv3.WithPrefix())
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, kv := range resp.Kvs {
		m.nodes[strings.TrimPrefix(string(kv.Key), m.prefix)] = string(kv.Value)
	}
	return nil
}

func (m *Membership) CountNodes(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.nodes) == 0 {
		// 自身注册事件尚未到达时至少算上本节点
		return 1, nil
	}
	return len(m.nodes), nil
}

// Nodes returns a snapshot of the known node ids.
func (m *Membership) Nodes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.nodes))
	for id := range m.nodes {
		ids = append(ids, id)
	}
	return ids
}
