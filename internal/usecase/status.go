// internal/usecase/status.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"inference-horde/internal/domain"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"
)

// StatusService reports request progress to clients and handles cancellation.
type StatusService struct {
	store  domain.Store
	clock  clock.Clock
	logger *slog.Logger
	tracer trace.Tracer
}

func NewStatusService(store domain.Store, clk clock.Clock, logger *slog.Logger) *StatusService {
	return &StatusService{
		store:  store,
		clock:  clk,
		logger: logger.With("component", "status"),
		tracer: otel.Tracer("inference-horde-usecase"),
	}
}

// Check returns the progress of request id. A full check also lists the delivered generations.
func (s *StatusService) Check(ctx context.Context, id string, full bool) (*domain.RequestStatus, error) {
	ctx, span := s.tracer.Start(ctx, "service.CheckStatus")
	defer span.End()
	span.SetAttributes(attribute.String("wp.id", id), attribute.Bool("full", full))

	st, err := s.check(ctx, id, full)
	if err != nil {
		recordErr(span, err, "failed to check request status")
		return nil, err
	}
	return st, nil
}

// Cancel stops further dispatch of id. Slots already running still complete and pay.
func (s *StatusService) Cancel(ctx context.Context, id string) (*domain.RequestStatus, error) {
	ctx, span := s.tracer.Start(ctx, "service.Cancel")
	defer span.End()
	span.SetAttributes(attribute.String("wp.id", id))

	wpID, err := uuid.Parse(id)
	if err != nil {
		return nil, domain.ErrRequestNotFound(id)
	}
	if err := s.store.WaitingPrompts().Cancel(ctx, wpID); err != nil {
		if errors.Is(err, domain.ErrNoWaitingPrompt) {
			return nil, domain.ErrRequestNotFound(id)
		}
		recordErr(span, err, "failed to cancel request")
		return nil, fmt.Errorf("failed to cancel request %s: %w", id, err)
	}
	s.logger.Info("request cancelled", "wp_id", wpID)
	return s.check(ctx, id, true)
}

func (s *StatusService) check(ctx context.Context, id string, full bool) (*domain.RequestStatus, error) {
	wpID, err := uuid.Parse(id)
	if err != nil {
		return nil, domain.ErrRequestNotFound(id)
	}
	wp, err := s.store.WaitingPrompts().Get(ctx, wpID)
	if errors.Is(err, domain.ErrNoWaitingPrompt) {
		return nil, domain.ErrRequestNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	pgs, err := s.store.Generations().ListByWP(ctx, wp.ID)
	if err != nil {
		return nil, err
	}

	st := &domain.RequestStatus{
		Variant: wp.Variant,
		Waiting: wp.N,
		Faulted: wp.Faulted,
		Kudos:   wp.ConsumedKudos,
	}
	var delivered []*domain.ProcessingGen
	for _, pg := range pgs {
		if pg.Fake {
			continue
		}
		switch {
		case pg.State == domain.GenStateProcessing:
			st.Processing++
		case pg.State.Delivered():
			st.Finished++
			delivered = append(delivered, pg)
		case pg.State == domain.GenStateFaulted:
			st.Restarted++
		}
	}
	st.Done = wp.Faulted || (wp.N == 0 && st.Processing == 0)

	now := s.clock.Now().UTC()
	if !st.Done && wp.Active && wp.N > 0 {
		if err := s.estimateWait(ctx, wp, st); err != nil {
			return nil, err
		}
		possible, err := s.isPossible(ctx, wp, now)
		if err != nil {
			return nil, err
		}
		st.IsPossible = possible
	} else {
		st.IsPossible = true
	}

	if full {
		gens, err := s.generations(ctx, delivered)
		if err != nil {
			return nil, err
		}
		st.Generations = gens
	}
	return st, nil
}

// estimateWait fills the queue position and a wait estimate from recent model speed.
func (s *StatusService) estimateWait(ctx context.Context, wp *domain.WaitingPrompt, st *domain.RequestStatus) error {
	now := s.clock.Now().UTC()
	ahead, totals, err := s.store.WaitingPrompts().QueuePosition(ctx, wp, now)
	if err != nil {
		return err
	}
	st.QueuePosition = int(ahead)

	avg, err := s.store.Stats().RequestAverage(ctx, wp.Variant)
	if err != nil {
		return err
	}
	online, err := s.store.Workers().ListOnline(ctx, wp.Variant, now.Add(-domain.StaleWorkerTTL))
	if err != nil {
		return err
	}
	var threads float64
	for _, w := range online {
		threads += float64(max(w.Threads, 1))
	}
	if avg <= 0 || threads == 0 {
		return nil
	}
	pending := totals.QueuedThings + wp.Things*float64(wp.N)
	st.WaitTime = int(math.Round(pending / (avg * threads)))
	return nil
}

// isPossible reports whether any online worker could ever take this request.
func (s *StatusService) isPossible(ctx context.Context, wp *domain.WaitingPrompt, now time.Time) (bool, error) {
	online, err := s.store.Workers().ListOnline(ctx, wp.Variant, now.Add(-domain.StaleWorkerTTL))
	if err != nil || len(online) == 0 {
		return false, err
	}
	ids := []uint64{wp.UserID}
	for _, w := range online {
		ids = append(ids, w.UserID)
	}
	users, err := s.store.Users().ListByIDs(ctx, ids)
	if err != nil {
		return false, err
	}
	byID := make(map[uint64]*domain.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	wpUser := byID[wp.UserID]
	if wpUser == nil {
		return false, nil
	}
	// 速度不影响可行性, 只影响排队
	env := domain.DispatchEnv{Speed: math.Inf(1), Prioritized: map[uint64]bool{wp.UserID: true}}
	for _, w := range online {
		owner := byID[w.UserID]
		if owner == nil {
			continue
		}
		if ok, _ := domain.CanGenerate(w, owner, wp, wpUser, env); ok {
			return true, nil
		}
	}
	return false, nil
}

func (s *StatusService) generations(ctx context.Context, pgs []*domain.ProcessingGen) ([]domain.GenerationResult, error) {
	names := map[uuid.UUID]string{}
	out := make([]domain.GenerationResult, 0, len(pgs))
	for _, pg := range pgs {
		name, ok := names[pg.WorkerID]
		if !ok {
			w, err := s.store.Workers().Get(ctx, pg.WorkerID)
			switch {
			case err == nil:
				name = w.Name
			case !errors.Is(err, domain.ErrNoWorker):
				return nil, err
			}
			names[pg.WorkerID] = name
		}
		res := domain.GenerationResult{
			ID:         pg.ID,
			WorkerID:   pg.WorkerID,
			WorkerName: name,
			Model:      pg.Model,
			State:      pg.State,
			FinishedAt: pg.FinishedAt,
		}
		if pg.Generation != nil {
			res.Generation = *pg.Generation
		}
		if pg.Seed != nil {
			res.Seed = fmt.Sprint(*pg.Seed)
		}
		if pg.Kudos != nil {
			res.Kudos = *pg.Kudos
		}
		out = append(out, res)
	}
	return out, nil
}
