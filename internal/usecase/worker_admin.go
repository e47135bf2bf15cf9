// internal/usecase/worker_admin.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"inference-horde/internal/domain"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// WorkerUpdate holds the editable worker fields; nil leaves a field unchanged.
type WorkerUpdate struct {
	Maintenance    *bool
	MaintenanceMsg *string
	Paused         *bool
	Info           *string
	Name           *string
}

// WorkerAdminService exposes worker listing and owner/moderator edits.
type WorkerAdminService struct {
	store  domain.Store
	auth   *Authenticator
	filter domain.PromptChecker
	logger *slog.Logger
	tracer trace.Tracer
}

func NewWorkerAdminService(store domain.Store, auth *Authenticator, filter domain.PromptChecker, logger *slog.Logger) *WorkerAdminService {
	return &WorkerAdminService{
		store:  store,
		auth:   auth,
		filter: filter,
		logger: logger.With("component", "worker_admin"),
		tracer: otel.Tracer("inference-horde-usecase"),
	}
}

func (s *WorkerAdminService) List(ctx context.Context, variant domain.WorkerVariant) ([]*domain.Worker, error) {
	ctx, span := s.tracer.Start(ctx, "service.ListWorkers")
	defer span.End()

	if variant != "" {
		if err := variant.Validate(); err != nil {
			return nil, domain.ErrBadRequest("%v", err)
		}
	}
	workers, err := s.store.Workers().List(ctx, variant)
	if err != nil {
		recordErr(span, err, "failed to list workers")
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	return workers, nil
}

func (s *WorkerAdminService) Get(ctx context.Context, id string) (*domain.Worker, error) {
	wid, err := uuid.Parse(id)
	if err != nil {
		return nil, domain.ErrWorkerNotFound(id)
	}
	w, err := s.store.Workers().Get(ctx, wid)
	if errors.Is(err, domain.ErrNoWorker) {
		return nil, domain.ErrWorkerNotFound(id)
	}
	return w, err
}

// authorize loads the worker and checks the caller owns it or moderates.
func (s *WorkerAdminService) authorize(ctx context.Context, apiKey, id, endpoint string) (*domain.User, *domain.Worker, error) {
	user, err := s.auth.User(ctx, apiKey, endpoint)
	if err != nil {
		return nil, nil, err
	}
	w, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if w.UserID != user.ID && !user.Moderator() {
		return nil, nil, domain.ErrNotOwner(user.Alias(), w.Name)
	}
	return user, w, nil
}

func (s *WorkerAdminService) Update(ctx context.Context, apiKey, id string, upd WorkerUpdate) (*domain.Worker, error) {
	ctx, span := s.tracer.Start(ctx, "service.UpdateWorker")
	defer span.End()
	span.SetAttributes(attribute.String("worker.id", id))

	user, w, err := s.authorize(ctx, apiKey, id, "worker update")
	if err != nil {
		recordErr(span, err, "unauthorized worker update")
		return nil, err
	}
	if upd.Paused != nil {
		if !user.Moderator() {
			return nil, domain.ErrNotModerator(user.Alias(), "worker pause")
		}
		w.Paused = *upd.Paused
	}
	if upd.Maintenance != nil {
		w.Maintenance = *upd.Maintenance
		if !w.Maintenance {
			w.MaintenanceMsg = ""
		}
	}
	if upd.MaintenanceMsg != nil {
		w.MaintenanceMsg = *upd.MaintenanceMsg
	}
	if upd.Info != nil {
		if s.filter.IsProfane(*upd.Info) {
			return nil, domain.ErrProfanity(user.Alias(), *upd.Info, "worker info")
		}
		w.Info = *upd.Info
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, domain.ErrBadRequest("worker name cannot be empty")
		}
		if s.filter.IsProfane(name) {
			return nil, domain.ErrProfanity(user.Alias(), name, "worker name")
		}
		if name != w.Name {
			if _, err := s.store.Workers().FindByName(ctx, name); err == nil {
				return nil, domain.ErrNameAlreadyExists(name)
			} else if !errors.Is(err, domain.ErrNoWorker) {
				return nil, err
			}
			w.Name = name
		}
	}
	if err := s.store.Workers().Update(ctx, w); err != nil {
		recordErr(span, err, "failed to update worker")
		return nil, fmt.Errorf("failed to update worker %s: %w", id, err)
	}
	s.logger.Info("worker updated", "worker", w.Name, "by", user.Alias(), "paused", w.Paused, "maintenance", w.Maintenance)
	return w, nil
}

// Delete removes an idle worker. Workers with slots in flight are locked.
func (s *WorkerAdminService) Delete(ctx context.Context, apiKey, id string) error {
	ctx, span := s.tracer.Start(ctx, "service.DeleteWorker")
	defer span.End()
	span.SetAttributes(attribute.String("worker.id", id))

	user, w, err := s.authorize(ctx, apiKey, id, "worker delete")
	if err != nil {
		recordErr(span, err, "unauthorized worker delete")
		return err
	}
	err = s.store.WithinTx(ctx, func(ctx context.Context) error {
		n, err := s.store.Generations().CountProcessingByWorker(ctx, w.ID)
		if err != nil {
			return err
		}
		if n > 0 {
			return domain.ErrLocked("worker %s still has %d jobs in progress", w.Name, n)
		}
		return s.store.Workers().Delete(ctx, w.ID)
	})
	if err != nil {
		recordErr(span, err, "failed to delete worker")
		return err
	}
	s.logger.Info("worker deleted", "worker", w.Name, "by", user.Alias())
	return nil
}
