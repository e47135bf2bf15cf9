// internal/infra/memory/memory_test.go
package memory

import (
	"context"
	"testing"
	"time"

	"inference-horde/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterMeasures_Escalates(t *testing.T) {
	ctx := context.Background()
	cm := NewCounterMeasures()

	left, err := cm.IPTimeout(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Zero(t, left)

	first, err := cm.ReportSuspicion(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, 3*time.Minute, first)

	second, err := cm.ReportSuspicion(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, 9*time.Minute, second)

	left, err = cm.IPTimeout(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Greater(t, left, 8*time.Minute)

	require.NoError(t, cm.ClearTimeout(ctx, "10.0.0.1"))
	left, err = cm.IPTimeout(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Zero(t, left)
}

func TestPriorityCache_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	c := NewPriorityCache(time.Minute)
	ids := []uuid.UUID{uuid.New(), uuid.New()}
	require.NoError(t, c.Set(ctx, domain.VariantImage, ids))

	got, err := c.Get(ctx, domain.VariantImage)
	require.NoError(t, err)
	assert.Equal(t, ids, got)
	got[0] = uuid.Nil

	again, err := c.Get(ctx, domain.VariantImage)
	require.NoError(t, err)
	assert.Equal(t, ids[0], again[0])

	empty, err := c.Get(ctx, domain.VariantText)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestLocker_NonBlocking(t *testing.T) {
	ctx := context.Background()
	l := NewLocker()

	lock, err := l.Lock(ctx, "sweeper")
	require.NoError(t, err)
	_, err = l.Lock(ctx, "sweeper")
	assert.ErrorIs(t, err, domain.ErrLockNotAcquired)

	_, err = l.Lock(ctx, "aging")
	assert.NoError(t, err)

	require.NoError(t, lock.Unlock(ctx))
	require.NoError(t, lock.Unlock(ctx))
	_, err = l.Lock(ctx, "sweeper")
	assert.NoError(t, err)
}

func TestSoloLeader(t *testing.T) {
	ctx := context.Background()
	l := NewSoloLeader("node-1")
	assert.False(t, l.IsLeader())

	lost, err := l.Campaign(ctx)
	require.NoError(t, err)
	assert.True(t, l.IsLeader())

	require.NoError(t, l.Resign(ctx))
	assert.False(t, l.IsLeader())
	select {
	case <-lost:
	default:
		t.Fatal("resign must close the lost channel")
	}
}

func TestNotifier_FansOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	n := NewNotifier()
	a := n.Watch(ctx)
	b := n.Watch(ctx)

	// Watch registers synchronously, so the publish is never lost.
	require.NoError(t, n.Publish(ctx))
	for _, ch := range []<-chan struct{}{a, b} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("watcher did not observe the change")
		}
	}

	cancel()
	assert.Eventually(t, func() bool {
		_, open := <-a
		return !open
	}, time.Second, 10*time.Millisecond)
}
