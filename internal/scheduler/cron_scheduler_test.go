// internal/scheduler/cron_scheduler_test.go
package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"inference-horde/internal/domain"
	"inference-horde/internal/infra/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func countingTask(name string, runs *atomic.Int32) *domain.Task {
	return &domain.Task{
		Name:     name,
		Schedule: "@every 1s",
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}
}

func TestTaskRunsOnlyOnLeader(t *testing.T) {
	leader := memory.NewSoloLeader("node-1")
	sched := NewCronScheduler(leader, memory.NewLocker(), discard()).(*cronScheduler)

	var runs atomic.Int32
	w := &cronTaskWrapper{task: countingTask("sweeper", &runs), sched: sched, logger: discard()}

	w.Run()
	assert.Zero(t, runs.Load(), "followers never run tasks")

	_, err := leader.Campaign(context.Background())
	require.NoError(t, err)
	w.Run()
	assert.Equal(t, int32(1), runs.Load())
}

func TestTaskSkippedWhileLockHeld(t *testing.T) {
	ctx := context.Background()
	leader := memory.NewSoloLeader("node-1")
	_, err := leader.Campaign(ctx)
	require.NoError(t, err)
	locker := memory.NewLocker()
	sched := NewCronScheduler(leader, locker, discard()).(*cronScheduler)

	var runs atomic.Int32
	w := &cronTaskWrapper{task: countingTask("aging", &runs), sched: sched, logger: discard()}

	held, err := locker.Lock(ctx, "aging")
	require.NoError(t, err)
	w.Run()
	assert.Zero(t, runs.Load())

	require.NoError(t, held.Unlock(ctx))
	w.Run()
	assert.Equal(t, int32(1), runs.Load())

	// the wrapper released its own lock
	again, err := locker.Lock(ctx, "aging")
	require.NoError(t, err)
	require.NoError(t, again.Unlock(ctx))
}

func TestFailingTaskReleasesLock(t *testing.T) {
	ctx := context.Background()
	leader := memory.NewSoloLeader("node-1")
	_, err := leader.Campaign(ctx)
	require.NoError(t, err)
	locker := memory.NewLocker()
	sched := NewCronScheduler(leader, locker, discard()).(*cronScheduler)

	w := &cronTaskWrapper{
		task:   &domain.Task{Name: "stats_prune", Schedule: "@every 1s", Run: func(context.Context) error { return errors.New("boom") }},
		sched:  sched,
		logger: discard(),
	}
	w.Run()

	lock, err := locker.Lock(ctx, "stats_prune")
	require.NoError(t, err)
	require.NoError(t, lock.Unlock(ctx))
}

func TestSchedulerStartRunsRegisteredTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	leader := memory.NewSoloLeader("node-1")
	_, err := leader.Campaign(ctx)
	require.NoError(t, err)
	sched := NewCronScheduler(leader, memory.NewLocker(), discard())

	var runs atomic.Int32
	require.NoError(t, sched.AddTask(countingTask("priority_cache", &runs)))
	assert.Error(t, sched.AddTask(&domain.Task{Name: "bad", Schedule: "not a cron spec"}))

	done := make(chan error, 1)
	go func() { done <- sched.Start(ctx) }()

	assert.Eventually(t, func() bool { return runs.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	require.NoError(t, sched.RemoveTask("priority_cache"))
}
