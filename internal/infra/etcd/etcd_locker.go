// internal/infra/etcd/etcd_locker.go
package etcd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"inference-horde/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const (
	// LockSessionTTL 锁会话的 TTL（秒）
	LockSessionTTL = 10
	lockTryTimeout = 100 * time.Millisecond
)

type etcdLock struct {
	mutex   *concurrency.Mutex
	session *concurrency.Session
	name    string
}

func (l *etcdLock) Unlock(ctx context.Context) error {
	// 关闭会话同时释放租约
	defer func() { _ = l.session.Close() }()

	if err := l.mutex.Unlock(ctx); err != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.name, err)
	}
	return nil
}

type etcdLocker struct {
	client *clientv3.Client
	prefix string
}

func NewEtcdLocker(client *clientv3.Client, keys Keyspace) domain.Locker {
	return &etcdLocker{client: client, prefix: keys.Locks()}
}

// Lock 非阻塞地获取任务锁，被占用时返回 domain.ErrLockNotAcquired
func (l *etcdLocker) Lock(ctx context.Context, name string) (domain.Lock, error) {
	session, err := concurrency.NewSession(l.client, concurrency.WithTTL(LockSessionTTL))
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd session for lock %s: %w", name, err)
	}

	mutex := concurrency.NewMutex(session, l.prefix+name)

	tryCtx, cancel := context.WithTimeout(ctx, lockTryTimeout)
	defer cancel()

	if err := mutex.TryLock(tryCtx); err != nil {
		_ = session.Close()
		if errors.Is(err, concurrency.ErrLocked) || errors.Is(err, context.DeadlineExceeded) {
			return nil, domain.ErrLockNotAcquired
		}
		return nil, fmt.Errorf("failed to try acquiring etcd lock %s: %w", name, err)
	}

	return &etcdLock{mutex: mutex, session: session, name: name}, nil
}
