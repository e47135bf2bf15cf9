// internal/usecase/users.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"inference-horde/internal/config"
	"inference-horde/internal/domain"

	"k8s.io/utils/clock"
)

// UserService covers account lookups and the startup seeding of accounts.
type UserService struct {
	store  domain.Store
	auth   *Authenticator
	clock  clock.Clock
	logger *slog.Logger
}

func NewUserService(store domain.Store, auth *Authenticator, clk clock.Clock, logger *slog.Logger) *UserService {
	return &UserService{
		store:  store,
		auth:   auth,
		clock:  clk,
		logger: logger.With("component", "users"),
	}
}

// FindUser returns the account behind apiKey.
func (s *UserService) FindUser(ctx context.Context, apiKey string) (*domain.User, error) {
	return s.auth.User(ctx, apiKey, "find_user")
}

// Bootstrap makes sure the anonymous account exists, creates the configured
// admin on first start and grants moderator to every admin alias.
func (s *UserService) Bootstrap(ctx context.Context, cfg config.BootstrapConfig, admins []string) error {
	now := s.clock.Now().UTC()
	if _, err := s.ensureUser(ctx, &domain.User{
		Username:        "Anonymous",
		OAuthID:         domain.AnonOAuthID,
		APIKeyHash:      domain.HashAPIKey(domain.AnonAPIKey),
		UsageMultiplier: 1,
		Concurrency:     500,
		CreatedAt:       now,
		LastActive:      now,
	}); err != nil {
		return fmt.Errorf("failed to ensure anonymous user: %w", err)
	}

	if cfg.AdminUsername != "" && cfg.AdminAPIKey != "" {
		admin, err := s.ensureUser(ctx, &domain.User{
			Username:        cfg.AdminUsername,
			OAuthID:         "admin:" + cfg.AdminUsername,
			APIKeyHash:      domain.HashAPIKey(cfg.AdminAPIKey),
			Kudos:           cfg.AdminKudos,
			UsageMultiplier: 1,
			Concurrency:     100,
			CreatedAt:       now,
			LastActive:      now,
			Roles:           []domain.UserRole{domain.RoleModerator, domain.RoleTrusted},
		})
		if err != nil {
			return fmt.Errorf("failed to ensure admin user: %w", err)
		}
		s.logger.Info("admin user ready", "user", admin.Alias())
	}

	for _, alias := range admins {
		id, err := domain.ParseAlias(alias)
		if err != nil {
			return fmt.Errorf("invalid admin alias: %w", err)
		}
		if err := s.store.Users().SetRole(ctx, id, domain.RoleModerator, true); err != nil {
			s.logger.Warn("failed to promote admin", "alias", alias, "error", err)
		}
	}
	return nil
}

func (s *UserService) ensureUser(ctx context.Context, u *domain.User) (*domain.User, error) {
	existing, err := s.store.Users().FindByAPIKeyHash(ctx, u.APIKeyHash)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrNoUser) {
		return nil, err
	}
	if err := s.store.Users().Create(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info("user created", "user", u.Alias())
	return u, nil
}
