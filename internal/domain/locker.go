// internal/domain/locker.go
package domain

import (
	"context"
	"errors"
)

// ErrLockNotAcquired is returned when a task lock is already held elsewhere.
var ErrLockNotAcquired = errors.New("lock not acquired")

type Lock interface {
	Unlock(ctx context.Context) error
}

// Locker guards a background task against overlapping runs during a leader handover.
// Lock must not block: a held lock yields ErrLockNotAcquired.
type Locker interface {
	Lock(ctx context.Context, name string) (Lock, error)
}
