// internal/usecase/monthly.go
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"inference-horde/internal/domain"
	"inference-horde/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"
)

const monthlyInterval = 30 * 24 * time.Hour

// ConfigMonthlyKudos serves recurring grants from configuration, keyed by
// alias, and falls back to the amount stored on the user.
type ConfigMonthlyKudos struct {
	Grants map[string]int
}

func (p ConfigMonthlyKudos) MonthlyKudos(_ context.Context, user *domain.User) (int, error) {
	if amount, ok := p.Grants[user.Alias()]; ok {
		return amount, nil
	}
	return user.MonthlyKudos, nil
}

// MonthlyService pays recurring kudos at most once every 30 days per user.
type MonthlyService struct {
	store    domain.Store
	provider domain.MonthlyKudosProvider
	modBonus int
	clock    clock.Clock
	logger   *slog.Logger
	tracer   trace.Tracer
}

func NewMonthlyService(store domain.Store, provider domain.MonthlyKudosProvider, moderatorBonus int, clk clock.Clock, logger *slog.Logger) *MonthlyService {
	return &MonthlyService{
		store:    store,
		provider: provider,
		modBonus: moderatorBonus,
		clock:    clk,
		logger:   logger.With("component", "monthly"),
		tracer:   otel.Tracer("inference-horde-usecase"),
	}
}

func (s *MonthlyService) Grant(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "service.GrantMonthlyKudos")
	defer span.End()

	users, err := s.store.Users().ListMonthlyRecipients(ctx)
	if err != nil {
		recordErr(span, err, "failed to list recipients")
		return 0, fmt.Errorf("failed to list monthly recipients: %w", err)
	}
	now := s.clock.Now().UTC()
	granted := 0
	for _, u := range users {
		if u.MonthlyKudosLastReceived != nil && now.Sub(*u.MonthlyKudosLastReceived) < monthlyInterval {
			continue
		}
		amount, err := s.provider.MonthlyKudos(ctx, u)
		if err != nil {
			s.logger.Error("monthly kudos provider failed", "user", u.Alias(), "error", err)
			continue
		}
		if u.Moderator() {
			amount += s.modBonus
		}
		if amount <= 0 {
			continue
		}
		err = s.store.WithinTx(ctx, func(ctx context.Context) error {
			if err := s.store.Users().AddKudos(ctx, u.ID, float64(amount), u.MinKudos()); err != nil {
				return err
			}
			return s.store.Users().SetMonthlyReceived(ctx, u.ID, now)
		})
		if err != nil {
			s.logger.Error("failed to grant monthly kudos", "user", u.Alias(), "error", err)
			continue
		}
		granted++
		metrics.KudosTransferred.WithLabelValues("monthly").Add(float64(amount))
		s.logger.Info("monthly kudos granted", "user", u.Alias(), "kudos", amount)
	}
	span.SetAttributes(attribute.Int("granted", granted))
	return granted, nil
}
