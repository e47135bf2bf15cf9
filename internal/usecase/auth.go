// internal/usecase/auth.go
package usecase

import (
	"context"
	"errors"
	"fmt"

	"inference-horde/internal/domain"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Authenticator resolves the apikey header into an account.
type Authenticator struct {
	store domain.Store
}

func NewAuthenticator(store domain.Store) *Authenticator {
	return &Authenticator{store: store}
}

// User resolves a personal API key. subject names the operation in the error.
func (a *Authenticator) User(ctx context.Context, apiKey, subject string) (*domain.User, error) {
	if apiKey == "" {
		return nil, domain.ErrInvalidAPIKey(subject)
	}
	user, err := a.store.Users().FindByAPIKeyHash(ctx, domain.HashAPIKey(apiKey))
	if err != nil {
		if errors.Is(err, domain.ErrNoUser) {
			return nil, domain.ErrInvalidAPIKey(subject)
		}
		return nil, err
	}
	return user, nil
}

// UserOrSharedKey also accepts a shared key id and returns the key with its owner.
func (a *Authenticator) UserOrSharedKey(ctx context.Context, apiKey, subject string) (*domain.User, *domain.SharedKey, error) {
	if id, err := uuid.Parse(apiKey); err == nil {
		key, err := a.store.SharedKeys().Get(ctx, id)
		switch {
		case err == nil:
			user, err := a.store.Users().Get(ctx, key.UserID)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to load shared key owner: %w", err)
			}
			return user, key, nil
		case !errors.Is(err, domain.ErrNoSharedKey):
			return nil, nil, err
		}
	}
	user, err := a.User(ctx, apiKey, subject)
	return user, nil, err
}

// Moderator resolves the key and requires the moderator role.
func (a *Authenticator) Moderator(ctx context.Context, apiKey, endpoint string) (*domain.User, error) {
	user, err := a.User(ctx, apiKey, endpoint)
	if err != nil {
		return nil, err
	}
	if !user.Moderator() {
		return nil, domain.ErrNotModerator(user.Alias(), endpoint)
	}
	return user, nil
}

func recordErr(span trace.Span, err error, msg string) {
	// API errors are outcomes, not failures of the service.
	if _, ok := domain.AsAPIError(err); ok {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
}
