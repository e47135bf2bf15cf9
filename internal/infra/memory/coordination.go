// internal/infra/memory/coordination.go
package memory

import (
	"context"
	"sync"

	"inference-horde/internal/domain"
	"inference-horde/internal/metrics"
)

// SoloLeader is the election of a node that runs without etcd: it always leads.
type SoloLeader struct {
	nodeID string
	mu     sync.Mutex
	lost   chan struct{}
}

var _ domain.LeaderElectionManager = (*SoloLeader)(nil)

func NewSoloLeader(nodeID string) *SoloLeader {
	return &SoloLeader{nodeID: nodeID}
}

func (l *SoloLeader) Campaign(ctx context.Context) (<-chan struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.lost = make(chan struct{})
	metrics.IsLeader.WithLabelValues(l.nodeID).Set(1)
	return l.lost, nil
}

func (l *SoloLeader) Resign(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lost != nil {
		close(l.lost)
		l.lost = nil
	}
	metrics.IsLeader.WithLabelValues(l.nodeID).Set(0)
	return nil
}

func (l *SoloLeader) IsLeader() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lost != nil
}

// Locker is a non-blocking per-name mutex.
type Locker struct {
	mu   sync.Mutex
	held map[string]bool
}

var _ domain.Locker = (*Locker)(nil)

func NewLocker() *Locker {
	return &Locker{held: make(map[string]bool)}
}

func (l *Locker) Lock(_ context.Context, name string) (domain.Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] {
		return nil, domain.ErrLockNotAcquired
	}
	l.held[name] = true
	return &localLock{owner: l, name: name}, nil
}

type localLock struct {
	owner *Locker
	name  string
	once  sync.Once
}

func (k *localLock) Unlock(context.Context) error {
	k.once.Do(func() {
		k.owner.mu.Lock()
		delete(k.owner.held, k.name)
		k.owner.mu.Unlock()
	})
	return nil
}

// Notifier fans settings changes out to in-process watchers.
type Notifier struct {
	mu       sync.Mutex
	watchers map[chan struct{}]struct{}
}

var _ domain.SettingsNotifier = (*Notifier)(nil)

func NewNotifier() *Notifier {
	return &Notifier{watchers: make(map[chan struct{}]struct{})}
}

func (n *Notifier) Publish(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (n *Notifier) Watch(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	n.watchers[ch] = struct{}{}
	n.mu.Unlock()

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer func() {
			n.mu.Lock()
			delete(n.watchers, ch)
			n.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out
}

// SingleNode is the node directory of a standalone deployment.
type SingleNode struct{}

func (SingleNode) CountNodes(context.Context) (int, error) { return 1, nil }
