// internal/usecase/sweeper.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"inference-horde/internal/config"
	"inference-horde/internal/domain"
	"inference-horde/internal/metrics"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"
)

const abortWindow = time.Hour

// SweepReport summarises one sweeper pass.
type SweepReport struct {
	Expired int
	Aborted int
	Faulted int
}

// SweeperService expires requests and aborts slots that outlived their job TTL.
type SweeperService struct {
	store      domain.Store
	settings   *SettingsService
	accounting *AccountingService
	cfg        config.SweeperConfig
	clock      clock.Clock
	logger     *slog.Logger
	tracer     trace.Tracer
}

func NewSweeperService(store domain.Store, settings *SettingsService, accounting *AccountingService, cfg config.SweeperConfig, clk clock.Clock, logger *slog.Logger) *SweeperService {
	return &SweeperService{
		store:      store,
		settings:   settings,
		accounting: accounting,
		cfg:        cfg,
		clock:      clk,
		logger:     logger.With("component", "sweeper"),
		tracer:     otel.Tracer("inference-horde-usecase"),
	}
}

// Sweep inspects every request once, each under its own row lock.
func (s *SweeperService) Sweep(ctx context.Context) (SweepReport, error) {
	ctx, span := s.tracer.Start(ctx, "service.Sweep")
	defer span.End()

	var report SweepReport
	settings, err := s.settings.Current(ctx)
	if err != nil {
		recordErr(span, err, "failed to read settings")
		return report, err
	}
	ids, err := s.store.WaitingPrompts().ListIDs(ctx)
	if err != nil {
		recordErr(span, err, "failed to list requests")
		return report, fmt.Errorf("failed to list requests: %w", err)
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		err := s.store.WithinTx(ctx, func(ctx context.Context) error {
			return s.sweepOne(ctx, id, settings, &report)
		})
		if err != nil {
			// 单个请求失败不影响其余请求
			s.logger.Error("failed to sweep request", "wp_id", id, "error", err)
		}
	}
	span.SetAttributes(
		attribute.Int("sweep.expired", report.Expired),
		attribute.Int("sweep.aborted", report.Aborted),
		attribute.Int("sweep.faulted", report.Faulted),
	)
	if report != (SweepReport{}) {
		s.logger.Info("sweep finished", "expired", report.Expired, "aborted", report.Aborted, "faulted", report.Faulted)
	}
	return report, nil
}

func (s *SweeperService) sweepOne(ctx context.Context, id uuid.UUID, settings domain.Settings, report *SweepReport) error {
	wp, err := s.store.WaitingPrompts().GetForUpdate(ctx, id)
	if errors.Is(err, domain.ErrNoWaitingPrompt) {
		return nil
	}
	if err != nil {
		return err
	}
	pgs, err := s.store.Generations().ListByWP(ctx, wp.ID)
	if err != nil {
		return err
	}
	now := s.clock.Now().UTC()

	if wp.IsExpired(now) {
		for _, pg := range pgs {
			if pg.State.IsTerminal() {
				continue
			}
			if err := s.accounting.SettleCancelled(ctx, wp, pg); err != nil {
				return fmt.Errorf("failed to settle cancelled generation %s: %w", pg.ID, err)
			}
		}
		if err := s.store.WaitingPrompts().Delete(ctx, wp.ID); err != nil {
			return err
		}
		report.Expired++
		s.logger.Debug("request expired", "wp_id", wp.ID, "user_id", wp.UserID)
		return nil
	}

	for _, pg := range pgs {
		if !pg.IsStale(now, wp.JobTTL) {
			continue
		}
		finished, err := s.store.Generations().Finish(ctx, pg.ID, domain.GenTerminal{
			State:      domain.GenStateFaulted,
			Aborted:    true,
			FinishedAt: now,
		})
		if err != nil {
			return err
		}
		if !finished || pg.Fake {
			continue
		}
		if err := s.abortWorker(ctx, pg.WorkerID, settings, now); err != nil {
			return err
		}
		if err := s.store.WaitingPrompts().ReturnSlot(ctx, wp.ID); err != nil {
			return err
		}
		report.Aborted++
		metrics.SweeperAborts.WithLabelValues(string(wp.Variant)).Inc()
		s.logger.Info("generation aborted", "wp_id", wp.ID, "pg_id", pg.ID, "worker_id", pg.WorkerID, "job_ttl", wp.JobTTL)
	}

	if wp.Faulted {
		return nil
	}
	faulted, err := s.store.Generations().CountFaulted(ctx, wp.ID)
	if err != nil {
		return err
	}
	if faulted >= domain.FaultThreshold {
		report.Faulted++
		s.logger.Warn("request faulted", "wp_id", wp.ID, "faulted_gens", faulted)
		return s.store.WaitingPrompts().MarkFaulted(ctx, wp.ID)
	}
	return nil
}

// abortWorker counts an abandoned slot against its worker within a rolling hour.
func (s *SweeperService) abortWorker(ctx context.Context, id uuid.UUID, settings domain.Settings, now time.Time) error {
	w, err := s.store.Workers().GetForUpdate(ctx, id)
	if errors.Is(err, domain.ErrNoWorker) {
		return nil
	}
	if err != nil {
		return err
	}
	if w.LastAbortedJob == nil || now.Sub(*w.LastAbortedJob) > abortWindow {
		w.AbortedJobs = 0
		w.LastAbortedJob = &now
	}
	w.AbortedJobs++
	limit := s.cfg.AbortLimit
	if settings.Raid {
		limit = s.cfg.RaidAbortLimit
	}
	if w.AbortedJobs > limit {
		// 突袭模式下只记录嫌疑, 不让对方察觉
		if !settings.Raid {
			w.Maintenance = true
			w.MaintenanceMsg = "dropping too many jobs"
		}
		err := s.store.Suspicions().Add(ctx, &domain.Suspicion{
			SubjectKind: domain.SubjectWorker,
			SubjectID:   w.ID.String(),
			Reason:      domain.SuspicionTooManyJobsAborted,
			CreatedAt:   now,
		})
		if err != nil {
			return err
		}
		s.logger.Warn("worker dropping too many jobs", "worker", w.Name, "worker_id", w.ID, "raid", settings.Raid)
		w.AbortedJobs = 0
	}
	w.UncompletedJobs++
	return s.store.Workers().Update(ctx, w)
}
