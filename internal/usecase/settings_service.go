// internal/usecase/settings_service.go
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"inference-horde/internal/domain"

	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"
)

const settingsKey = "settings"

// ModesUpdate carries the switches a moderator wants changed; nil leaves a switch as is.
type ModesUpdate struct {
	Maintenance *bool
	InviteOnly  *bool
	Raid        *bool
}

// SettingsService is the cached accessor of the global switches. Writes go to
// the store first and are then broadcast so every node drops its copy.
type SettingsService struct {
	store    domain.Store
	auth     *Authenticator
	notifier domain.SettingsNotifier
	cache    *ttlcache.Cache[string, domain.Settings]
	clock    clock.Clock
	logger   *slog.Logger
	tracer   trace.Tracer
}

func NewSettingsService(store domain.Store, auth *Authenticator, notifier domain.SettingsNotifier, ttl time.Duration, clk clock.Clock, logger *slog.Logger) *SettingsService {
	return &SettingsService{
		store:    store,
		auth:     auth,
		notifier: notifier,
		cache: ttlcache.New(
			ttlcache.WithTTL[string, domain.Settings](ttl),
			ttlcache.WithDisableTouchOnHit[string, domain.Settings](),
		),
		clock:  clk,
		logger: logger.With("component", "settings"),
		tracer: otel.Tracer("inference-horde-usecase"),
	}
}

// Watch drops the cached copy on every published change until ctx is done.
func (s *SettingsService) Watch(ctx context.Context) {
	for range s.notifier.Watch(ctx) {
		s.cache.DeleteAll()
		s.logger.Debug("settings cache invalidated")
	}
}

// Current returns the settings with at most the cache TTL of staleness.
// It must not be called inside a store transaction.
func (s *SettingsService) Current(ctx context.Context) (domain.Settings, error) {
	if item := s.cache.Get(settingsKey); item != nil {
		return item.Value(), nil
	}
	st, err := s.store.Settings().Get(ctx)
	if err != nil {
		return domain.Settings{}, fmt.Errorf("failed to load settings: %w", err)
	}
	s.cache.Set(settingsKey, *st, ttlcache.DefaultTTL)
	return *st, nil
}

// UpdateModes changes the switches. Only moderators may call it.
func (s *SettingsService) UpdateModes(ctx context.Context, apiKey string, upd ModesUpdate) (domain.Settings, error) {
	ctx, span := s.tracer.Start(ctx, "service.UpdateModes")
	defer span.End()

	mod, err := s.auth.Moderator(ctx, apiKey, "PUT /status/modes")
	if err != nil {
		return domain.Settings{}, err
	}

	st, err := s.store.Settings().Get(ctx)
	if err != nil {
		recordErr(span, err, "failed to load settings")
		return domain.Settings{}, err
	}
	if upd.Maintenance != nil {
		st.Maintenance = *upd.Maintenance
	}
	if upd.InviteOnly != nil {
		st.InviteOnly = *upd.InviteOnly
	}
	if upd.Raid != nil {
		st.Raid = *upd.Raid
	}
	st.UpdatedAt = s.clock.Now().UTC()
	if err := s.store.Settings().Save(ctx, st); err != nil {
		recordErr(span, err, "failed to save settings")
		return domain.Settings{}, err
	}
	span.SetAttributes(
		attribute.Bool("settings.maintenance", st.Maintenance),
		attribute.Bool("settings.invite_only", st.InviteOnly),
		attribute.Bool("settings.raid", st.Raid),
	)

	s.cache.Set(settingsKey, *st, ttlcache.DefaultTTL)
	if err := s.notifier.Publish(ctx); err != nil {
		s.logger.Warn("failed to publish settings change", "error", err)
	}
	s.logger.Info("modes updated", "by", mod.Alias(),
		"maintenance", st.Maintenance, "invite_only", st.InviteOnly, "raid", st.Raid)
	return *st, nil
}
