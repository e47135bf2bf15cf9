// internal/scheduler/cron_scheduler.go
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"inference-horde/internal/domain"
	"inference-horde/internal/metrics"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// cronScheduler triggers background tasks. A task only runs while this node
// leads and while it holds the task's lock, so a handover never overlaps runs.
type cronScheduler struct {
	cron    *cron.Cron
	leader  domain.LeaderElectionManager
	locker  domain.Locker
	tasks   map[string]cron.EntryID
	mu      sync.Mutex
	baseCtx context.Context
	logger  *slog.Logger
	tracer  trace.Tracer
}

func NewCronScheduler(leader domain.LeaderElectionManager, locker domain.Locker, logger *slog.Logger) domain.Schedular {
	return &cronScheduler{
		cron:    cron.New(cron.WithSeconds()),
		leader:  leader,
		locker:  locker,
		tasks:   make(map[string]cron.EntryID),
		baseCtx: context.Background(),
		logger:  logger.With("component", "cron-scheduler"),
		tracer:  otel.Tracer("inference-horde-scheduler"),
	}
}

// Start runs the cron loop until ctx is done.
func (s *cronScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	s.logger.Info("cron scheduler started")
	s.cron.Start()
	<-ctx.Done()
	s.logger.Info("cron scheduler stopping...")
	s.Stop()
	s.logger.Info("cron scheduler stopped")
	return ctx.Err()
}

// Stop waits for running tasks to return.
func (s *cronScheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *cronScheduler) AddTask(task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.tasks[task.Name]; ok {
		s.cron.Remove(entryID)
	}

	wrapper := &cronTaskWrapper{
		task:   task,
		sched:  s,
		logger: s.logger.With("task", task.Name),
	}
	entryID, err := s.cron.AddJob(task.Schedule, cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).Then(wrapper))
	if err != nil {
		s.logger.Error("failed to add task to cron", "task", task.Name, "error", err)
		return err
	}

	s.tasks[task.Name] = entryID
	s.logger.Info("added task to scheduler", "task", task.Name, "schedule", task.Schedule)
	return nil
}

func (s *cronScheduler) RemoveTask(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.tasks[name]; ok {
		s.cron.Remove(entryID)
		delete(s.tasks, name)
		s.logger.Info("removed task from scheduler", "task", name)
	}
	return nil
}

func (s *cronScheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

type cronTaskWrapper struct {
	task   *domain.Task
	sched  *cronScheduler
	logger *slog.Logger
}

// Run is called by the cron library.
func (w *cronTaskWrapper) Run() {
	// 失去 leader 身份后任务变为空操作
	if !w.sched.leader.IsLeader() {
		return
	}
	ctx := w.sched.context()
	if ctx.Err() != nil {
		return
	}

	lock, err := w.sched.locker.Lock(ctx, w.task.Name)
	if err != nil {
		if !errors.Is(err, domain.ErrLockNotAcquired) {
			w.logger.Warn("failed to take task lock", "error", err)
		}
		return
	}
	defer func() {
		if err := lock.Unlock(context.Background()); err != nil {
			w.logger.Warn("failed to release task lock", "error", err)
		}
	}()

	ctx, span := w.sched.tracer.Start(ctx, "scheduler.Run",
		trace.WithAttributes(attribute.String("task.name", w.task.Name)))
	defer span.End()

	if err := w.task.Run(ctx); err != nil {
		w.logger.Error("task failed", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "task failed")
		metrics.TaskRunsTotal.WithLabelValues(w.task.Name, "failed").Inc()
		return
	}
	metrics.TaskRunsTotal.WithLabelValues(w.task.Name, "success").Inc()
}
