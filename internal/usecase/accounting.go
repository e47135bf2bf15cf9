// internal/usecase/accounting.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"inference-horde/internal/config"
	"inference-horde/internal/domain"
	"inference-horde/internal/kudos"
	"inference-horde/internal/metrics"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"
)

// SubmitResultRequest is a worker delivering one slot.
type SubmitResultRequest struct {
	APIKey     string
	ID         string
	Generation string
	Seed       *int64
	State      domain.GenState
}

// AccountingService settles delivered and cancelled slots.
type AccountingService struct {
	store     domain.Store
	auth      *Authenticator
	catalog   domain.ModelCatalog
	threshold float64
	clock     clock.Clock
	logger    *slog.Logger
	tracer    trace.Tracer
}

func NewAccountingService(store domain.Store, auth *Authenticator, catalog domain.ModelCatalog, cfg config.KudosConfig, clk clock.Clock, logger *slog.Logger) *AccountingService {
	return &AccountingService{
		store:     store,
		auth:      auth,
		catalog:   catalog,
		threshold: cfg.EvaluationThreshold,
		clock:     clk,
		logger:    logger.With("component", "accounting"),
		tracer:    otel.Tracer("inference-horde-usecase"),
	}
}

// SubmitResult finishes the slot and returns the worker's reward.
func (s *AccountingService) SubmitResult(ctx context.Context, req SubmitResultRequest) (float64, error) {
	ctx, span := s.tracer.Start(ctx, "service.SubmitResult")
	defer span.End()
	span.SetAttributes(attribute.String("pg.id", req.ID), attribute.String("pg.state", string(req.State)))

	user, err := s.auth.User(ctx, req.APIKey, "generation submit")
	if err != nil {
		return 0, err
	}
	id, err := uuid.Parse(req.ID)
	if err != nil {
		return 0, domain.ErrInvalidJobID(req.ID)
	}
	switch req.State {
	case "":
		req.State = domain.GenStateOK
	case domain.GenStateOK, domain.GenStateCensored, domain.GenStateFaulted:
	default:
		return 0, domain.ErrBadRequest("unknown generation state %q", req.State)
	}

	var reward float64
	err = s.store.WithinTx(ctx, func(ctx context.Context) error {
		r, err := s.submit(ctx, user, id, req)
		reward = r
		return err
	})
	if err != nil {
		recordErr(span, err, "failed to submit generation")
		return 0, err
	}
	span.SetAttributes(attribute.Float64("pg.reward", reward))
	return reward, nil
}

func (s *AccountingService) submit(ctx context.Context, user *domain.User, id uuid.UUID, req SubmitResultRequest) (float64, error) {
	pg, err := s.store.Generations().Get(ctx, id)
	if errors.Is(err, domain.ErrNoProcessingGen) {
		return 0, domain.ErrInvalidJobID(req.ID)
	}
	if err != nil {
		return 0, err
	}
	worker, err := s.store.Workers().GetForUpdate(ctx, pg.WorkerID)
	if errors.Is(err, domain.ErrNoWorker) {
		return 0, domain.ErrInvalidJobID(req.ID)
	}
	if err != nil {
		return 0, err
	}
	if worker.UserID != user.ID {
		return 0, domain.ErrWrongCredentials(user.Alias(), worker.Name)
	}
	if pg.State.IsTerminal() {
		if pg.Aborted {
			if req.State == domain.GenStateFaulted {
				return 0, nil
			}
			return 0, domain.ErrAbortedGen(worker.Name, req.ID)
		}
		return 0, domain.ErrDuplicateGen(worker.Name, req.ID)
	}
	wp, err := s.store.WaitingPrompts().GetForUpdate(ctx, pg.WPID)
	if errors.Is(err, domain.ErrNoWaitingPrompt) {
		return 0, domain.ErrInvalidJobID(req.ID)
	}
	if err != nil {
		return 0, err
	}

	now := s.clock.Now().UTC()
	if req.State == domain.GenStateFaulted {
		return 0, s.fault(ctx, wp, pg, worker, now)
	}

	reward := kudos.SlotPayout(wp, pg.Model, s.catalog)
	if !pg.Fake {
		if err := s.recordPerformance(ctx, wp, pg, worker, now); err != nil {
			return 0, err
		}
	}
	term := domain.GenTerminal{
		State:      req.State,
		Generation: &req.Generation,
		Seed:       req.Seed,
		Kudos:      &reward,
		FinishedAt: now,
	}
	finished, err := s.store.Generations().Finish(ctx, pg.ID, term)
	if err != nil {
		return 0, err
	}
	if !finished {
		return 0, domain.ErrDuplicateGen(worker.Name, req.ID)
	}
	metrics.SubmissionsTotal.WithLabelValues(string(wp.Variant), string(req.State)).Inc()
	if pg.Fake && worker.UserID != wp.UserID {
		// 诱饵任务: worker 以为拿到了奖励, 实际不结算
		return reward, nil
	}
	if err := s.settle(ctx, wp, worker, reward, now); err != nil {
		return 0, fmt.Errorf("failed to settle generation %s: %w", pg.ID, err)
	}
	s.logger.Debug("generation settled", "pg_id", pg.ID, "wp_id", wp.ID, "worker", worker.Name, "kudos", reward)
	return reward, nil
}

// fault returns the slot to the queue and abandons the request after too many faults.
func (s *AccountingService) fault(ctx context.Context, wp *domain.WaitingPrompt, pg *domain.ProcessingGen, worker *domain.Worker, now time.Time) error {
	finished, err := s.store.Generations().Finish(ctx, pg.ID, domain.GenTerminal{State: domain.GenStateFaulted, FinishedAt: now})
	if err != nil || !finished || pg.Fake {
		return err
	}
	metrics.SubmissionsTotal.WithLabelValues(string(wp.Variant), string(domain.GenStateFaulted)).Inc()
	if err := s.store.WaitingPrompts().ReturnSlot(ctx, wp.ID); err != nil {
		return err
	}
	faulted, err := s.store.Generations().CountFaulted(ctx, wp.ID)
	if err != nil {
		return err
	}
	if faulted >= domain.FaultThreshold {
		s.logger.Warn("request faulted", "wp_id", wp.ID, "faulted_gens", faulted, "last_worker", worker.Name)
		return s.store.WaitingPrompts().MarkFaulted(ctx, wp.ID)
	}
	return nil
}

func (s *AccountingService) recordPerformance(ctx context.Context, wp *domain.WaitingPrompt, pg *domain.ProcessingGen, worker *domain.Worker, now time.Time) error {
	elapsed := max(now.Sub(pg.StartTime).Seconds(), 1)
	perf := wp.Things / elapsed
	if err := s.store.Workers().AddPerformance(ctx, worker.ID, perf, now); err != nil {
		return err
	}
	if pg.Model != "" {
		if err := s.store.Stats().RecordModelPerformance(ctx, wp.Variant, pg.Model, perf, now); err != nil {
			return err
		}
	}
	if err := s.store.Stats().RecordFulfillment(ctx, wp.Variant, wp.Things, now); err != nil {
		return err
	}
	limit := wp.Variant.SuspiciousSpeed()
	if limit > 0 && perf/wp.Variant.ThingDivisor() > limit {
		s.logger.Warn("unreasonably fast generation", "worker", worker.Name, "speed", perf/wp.Variant.ThingDivisor())
		return s.store.Suspicions().Add(ctx, &domain.Suspicion{
			SubjectKind: domain.SubjectWorker,
			SubjectID:   worker.ID.String(),
			Reason:      domain.SuspicionUnreasonablyFast,
			CreatedAt:   now,
		})
	}
	return nil
}

// SettleCancelled closes a slot whose request expired under it. The worker is
// still paid; decoy slots are closed without settlement.
func (s *AccountingService) SettleCancelled(ctx context.Context, wp *domain.WaitingPrompt, pg *domain.ProcessingGen) error {
	now := s.clock.Now().UTC()
	term := domain.GenTerminal{State: domain.GenStateCancelled, FinishedAt: now}

	worker, err := s.store.Workers().GetForUpdate(ctx, pg.WorkerID)
	if errors.Is(err, domain.ErrNoWorker) || (err == nil && pg.Fake && worker.UserID != wp.UserID) {
		_, err = s.store.Generations().Finish(ctx, pg.ID, term)
		return err
	}
	if err != nil {
		return err
	}
	reward := kudos.SlotPayout(wp, pg.Model, s.catalog)
	term.Kudos = &reward
	finished, err := s.store.Generations().Finish(ctx, pg.ID, term)
	if err != nil || !finished {
		return err
	}
	metrics.SubmissionsTotal.WithLabelValues(string(wp.Variant), string(domain.GenStateCancelled)).Inc()
	return s.settle(ctx, wp, worker, reward, now)
}

// settle pays the worker owner and charges the requester for one slot.
func (s *AccountingService) settle(ctx context.Context, wp *domain.WaitingPrompt, worker *domain.Worker, reward float64, now time.Time) error {
	users := s.store.Users()
	owner, err := users.Get(ctx, worker.UserID)
	if err != nil {
		return err
	}
	spendable, evaluating := kudos.Split(reward, owner.Trusted())
	if err := users.AddKudos(ctx, owner.ID, spendable, owner.MinKudos()); err != nil {
		return err
	}
	if evaluating > 0 {
		if err := users.AddEvaluatingKudos(ctx, owner.ID, evaluating); err != nil {
			return err
		}
		if err := s.maybePromote(ctx, owner, evaluating, now); err != nil {
			return err
		}
	}
	if err := users.RecordContribution(ctx, owner.ID, wp.Things, now); err != nil {
		return err
	}
	if err := s.store.Workers().RecordFulfilment(ctx, worker.ID, reward, wp.Things); err != nil {
		return err
	}

	requester, err := users.GetForUpdate(ctx, wp.UserID)
	if err != nil {
		return err
	}
	cost := kudos.UsageCost(reward, requester.UsageMultiplier)
	if err := users.AddKudos(ctx, requester.ID, -cost, requester.MinKudos()); err != nil {
		return err
	}
	if err := users.RecordUsage(ctx, requester.ID, wp.Things, now); err != nil {
		return err
	}
	if wp.SharedKeyID != nil {
		err := s.store.SharedKeys().Consume(ctx, *wp.SharedKeyID, cost)
		if err != nil && !errors.Is(err, domain.ErrNoSharedKey) {
			return err
		}
	}
	if err := s.store.WaitingPrompts().AddConsumedKudos(ctx, wp.ID, reward); err != nil {
		return err
	}
	metrics.KudosTransferred.WithLabelValues("generation").Add(reward)
	return nil
}

// maybePromote trusts an owner once enough kudos passed evaluation.
func (s *AccountingService) maybePromote(ctx context.Context, owner *domain.User, added float64, now time.Time) error {
	if owner.EvaluatingKudos+added < s.threshold {
		return nil
	}
	if now.Sub(owner.CreatedAt) < domain.TrustAccountAge || owner.IsSuspicious() {
		return nil
	}
	if err := s.store.Users().SetRole(ctx, owner.ID, domain.RoleTrusted, true); err != nil {
		return err
	}
	released, err := s.store.Users().ReleaseEvaluation(ctx, owner.ID)
	if err != nil {
		return err
	}
	s.logger.Info("user promoted to trusted", "user", owner.Alias(), "released_kudos", released)
	return nil
}
