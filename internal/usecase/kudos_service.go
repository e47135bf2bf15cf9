// internal/usecase/kudos_service.go
package usecase

import (
	"context"
	"errors"
	"log/slog"

	"inference-horde/internal/domain"
	"inference-horde/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// KudosService moves kudos between accounts outside of generation settlement.
type KudosService struct {
	store  domain.Store
	auth   *Authenticator
	logger *slog.Logger
	tracer trace.Tracer
}

func NewKudosService(store domain.Store, auth *Authenticator, logger *slog.Logger) *KudosService {
	return &KudosService{
		store:  store,
		auth:   auth,
		logger: logger.With("component", "kudos"),
		tracer: otel.Tracer("inference-horde-usecase"),
	}
}

// Transfer sends spendable kudos from the caller to the user named by alias.
func (s *KudosService) Transfer(ctx context.Context, apiKey, alias string, amount float64) error {
	ctx, span := s.tracer.Start(ctx, "service.TransferKudos")
	defer span.End()
	span.SetAttributes(attribute.String("kudos.to", alias), attribute.Float64("kudos.amount", amount))

	sender, err := s.auth.User(ctx, apiKey, "kudos transfer")
	if err != nil {
		return err
	}
	switch {
	case sender.IsAnon():
		return domain.ErrAnonForbidden()
	case sender.Flagged(), sender.IsSuspicious():
		return domain.ErrKudosValidation(sender.Alias(), "your account is not allowed to transfer kudos")
	case amount <= 0:
		return domain.ErrKudosValidation(sender.Alias(), "the amount must be positive")
	}
	toID, err := domain.ParseAlias(alias)
	if err != nil {
		return domain.ErrKudosValidation(sender.Alias(), "the recipient must be in the form name#id")
	}
	if toID == sender.ID {
		return domain.ErrKudosValidation(sender.Alias(), "you cannot send kudos to yourself")
	}

	err = s.store.WithinTx(ctx, func(ctx context.Context) error {
		// 按 id 顺序加锁
		first, second := min(sender.ID, toID), max(sender.ID, toID)
		locked := map[uint64]*domain.User{}
		for _, id := range []uint64{first, second} {
			u, err := s.store.Users().GetForUpdate(ctx, id)
			if errors.Is(err, domain.ErrNoUser) {
				return domain.ErrUserNotFound(alias)
			}
			if err != nil {
				return err
			}
			locked[id] = u
		}
		from, to := locked[sender.ID], locked[toID]
		if from.SpendableKudos() < amount {
			return domain.ErrKudosValidation(sender.Alias(), "not enough kudos")
		}
		if err := s.store.Users().AddKudos(ctx, from.ID, -amount, from.MinKudos()); err != nil {
			return err
		}
		return s.store.Users().AddKudos(ctx, to.ID, amount, to.MinKudos())
	})
	if err != nil {
		recordErr(span, err, "failed to transfer kudos")
		return err
	}
	metrics.KudosTransferred.WithLabelValues("transfer").Add(amount)
	s.logger.Info("kudos transferred", "from", sender.Alias(), "to", alias, "kudos", amount)
	return nil
}

// Award mints kudos for a user. Moderators only.
func (s *KudosService) Award(ctx context.Context, apiKey, alias string, amount float64) error {
	ctx, span := s.tracer.Start(ctx, "service.AwardKudos")
	defer span.End()

	mod, err := s.auth.Moderator(ctx, apiKey, "kudos award")
	if err != nil {
		return err
	}
	if amount <= 0 {
		return domain.ErrKudosValidation(mod.Alias(), "the amount must be positive")
	}
	toID, err := domain.ParseAlias(alias)
	if err != nil {
		return domain.ErrKudosValidation(mod.Alias(), "the recipient must be in the form name#id")
	}
	to, err := s.store.Users().Get(ctx, toID)
	if errors.Is(err, domain.ErrNoUser) {
		return domain.ErrUserNotFound(alias)
	}
	if err != nil {
		return err
	}
	if err := s.store.Users().AddKudos(ctx, to.ID, amount, to.MinKudos()); err != nil {
		recordErr(span, err, "failed to award kudos")
		return err
	}
	metrics.KudosTransferred.WithLabelValues("award").Add(amount)
	s.logger.Info("kudos awarded", "by", mod.Alias(), "to", alias, "kudos", amount)
	return nil
}
