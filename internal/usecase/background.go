// internal/usecase/background.go
package usecase

import (
	"context"
	"log/slog"
	"time"

	"inference-horde/internal/config"
	"inference-horde/internal/domain"

	"k8s.io/utils/clock"
)

// BackgroundService campaigns for leadership and runs the periodic tasks while
// this node leads.
type BackgroundService struct {
	leader    domain.LeaderElectionManager
	schedular domain.Schedular
	tasks     []*domain.Task
	retry     time.Duration
	nodeID    string
	clock     clock.Clock
	logger    *slog.Logger
}

func NewBackgroundService(leader domain.LeaderElectionManager, schedular domain.Schedular, retry time.Duration, nodeID string, clk clock.Clock, logger *slog.Logger) *BackgroundService {
	return &BackgroundService{
		leader:    leader,
		schedular: schedular,
		retry:     retry,
		nodeID:    nodeID,
		clock:     clk,
		logger:    logger.With("component", "background", "node_id", nodeID),
	}
}

// BackgroundTasks builds the periodic task set from the services that own them.
func BackgroundTasks(cfg *config.Config, sweeper *SweeperService, priority *PriorityService, stats *StatsService, monthly *MonthlyService) []*domain.Task {
	return []*domain.Task{
		{
			Name:     "sweeper",
			Schedule: cfg.Sweeper.Schedule,
			Run: func(ctx context.Context) error {
				_, err := sweeper.Sweep(ctx)
				return err
			},
		},
		{Name: "aging", Schedule: cfg.Aging.Schedule, Run: priority.Age},
		{Name: "priority_cache", Schedule: cfg.PriorityCache.Schedule, Run: priority.Refresh},
		{Name: "stats_prune", Schedule: cfg.Stats.Schedule, Run: stats.Prune},
		{
			Name:     "monthly_kudos",
			Schedule: cfg.Monthly.Schedule,
			Run: func(ctx context.Context) error {
				_, err := monthly.Grant(ctx)
				return err
			},
		},
	}
}

// Register adds tasks to the scheduler. Tasks never run on a follower.
func (s *BackgroundService) Register(tasks ...*domain.Task) error {
	for _, t := range tasks {
		if err := s.schedular.AddTask(t); err != nil {
			return err
		}
		s.tasks = append(s.tasks, t)
	}
	return nil
}

// Start blocks until ctx is done, re-campaigning whenever leadership is lost.
func (s *BackgroundService) Start(ctx context.Context) error {
	s.logger.Info("background service starting", "tasks", len(s.tasks))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("background service shutting down")
			s.schedular.Stop()
			return ctx.Err()
		default:
		}

		s.logger.Debug("campaigning for leadership")
		lost, err := s.leader.Campaign(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			s.logger.Warn("campaign failed, retrying", "error", err, "retry_in", s.retry)
			select {
			case <-s.clock.After(s.retry):
			case <-ctx.Done():
			}
			continue
		}

		s.logger.Info("became leader, starting scheduler")
		leadCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = s.schedular.Start(leadCtx)
		}()

		select {
		case <-lost:
			s.logger.Warn("leadership lost, stopping scheduler")
		case <-ctx.Done():
		}
		cancel()
		<-done
	}
}
