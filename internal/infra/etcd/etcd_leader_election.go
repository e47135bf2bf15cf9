// internal/infra/etcd/etcd_leader_election.go
package etcd

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"inference-horde/internal/domain"
	"inference-horde/internal/metrics"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// etcdLeaderElectionManager holds the fleet-wide quorum key for background tasks.
type etcdLeaderElectionManager struct {
	client   *clientv3.Client
	session  *concurrency.Session
	election *concurrency.Election
	key      string
	isLeader bool
	mutex    sync.RWMutex
	nodeID   string
	ttl      time.Duration
	logger   *slog.Logger
}

func NewEtcdLeaderElectionManager(client *clientv3.Client, keys Keyspace, nodeID string, ttl time.Duration, logger *slog.Logger) domain.LeaderElectionManager {
	return &etcdLeaderElectionManager{
		client: client,
		key:    keys.Leader(),
		nodeID: nodeID,
		ttl:    ttl,
		logger: logger.With("component", "leader-election"),
	}
}

func (m *etcdLeaderElectionManager) Campaign(ctx context.Context) (<-chan struct{}, error) {
	// 租约过期即失去 leader 身份
	session, err := concurrency.NewSession(m.client, concurrency.WithTTL(int(m.ttl.Seconds())))
	if err != nil {
		return nil, err
	}
	election := concurrency.NewElection(session, m.key)

	if err := election.Campaign(ctx, m.nodeID); err != nil {
		_ = session.Close()
		return nil, err
	}

	m.mutex.Lock()
	m.session = session
	m.election = election
	m.isLeader = true
	m.mutex.Unlock()
	metrics.IsLeader.WithLabelValues(m.nodeID).Set(1)
	m.logger.Info("became the leader", "node_id", m.nodeID)

	lost := make(chan struct{})
	go func() {
		<-session.Done()
		m.mutex.Lock()
		m.isLeader = false
		m.mutex.Unlock()
		metrics.IsLeader.WithLabelValues(m.nodeID).Set(0)
		close(lost)
	}()
	return lost, nil
}

func (m *etcdLeaderElectionManager) Resign(ctx context.Context) error {
	m.mutex.Lock()
	m.isLeader = false
	election, session := m.election, m.session
	m.election, m.session = nil, nil
	m.mutex.Unlock()
	metrics.IsLeader.WithLabelValues(m.nodeID).Set(0)

	if election == nil {
		return nil
	}
	m.logger.Info("resigning leadership", "node_id", m.nodeID)
	err := election.Resign(ctx)
	_ = session.Close()
	return err
}

func (m *etcdLeaderElectionManager) IsLeader() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.isLeader
}
