// internal/usecase/sharedkeys.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"inference-horde/internal/domain"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"
)

const maxSharedKeys = 10

// SharedKeyInput carries the fields of a create or patch; nil keeps the current
// value, or the unlimited default on create.
type SharedKeyInput struct {
	Name           *string
	Kudos          *float64
	ExpiryDays     *int
	MaxImagePixels *int
	MaxImageSteps  *int
	MaxTextTokens  *int
}

type SharedKeyService struct {
	store  domain.Store
	auth   *Authenticator
	clock  clock.Clock
	logger *slog.Logger
	tracer trace.Tracer
}

func NewSharedKeyService(store domain.Store, auth *Authenticator, clk clock.Clock, logger *slog.Logger) *SharedKeyService {
	return &SharedKeyService{
		store:  store,
		auth:   auth,
		clock:  clk,
		logger: logger.With("component", "sharedkeys"),
		tracer: otel.Tracer("inference-horde-usecase"),
	}
}

func (s *SharedKeyService) Create(ctx context.Context, apiKey string, in SharedKeyInput) (*domain.SharedKey, error) {
	ctx, span := s.tracer.Start(ctx, "service.CreateSharedKey")
	defer span.End()

	user, err := s.auth.User(ctx, apiKey, "shared key creation")
	if err != nil {
		return nil, err
	}
	if user.IsAnon() {
		return nil, domain.ErrAnonForbidden()
	}
	existing, err := s.store.SharedKeys().ListByUser(ctx, user.ID)
	if err != nil {
		recordErr(span, err, "failed to list shared keys")
		return nil, err
	}
	if len(existing) >= maxSharedKeys {
		return nil, domain.ErrTooManySharedKeys(user.Alias(), maxSharedKeys)
	}
	now := s.clock.Now().UTC()
	key := &domain.SharedKey{
		ID:             uuid.New(),
		UserID:         user.ID,
		Kudos:          domain.Unlimited,
		MaxImagePixels: domain.Unlimited,
		MaxImageSteps:  domain.Unlimited,
		MaxTextTokens:  domain.Unlimited,
		CreatedAt:      now,
	}
	if err := applySharedKeyInput(key, in, now); err != nil {
		return nil, err
	}
	if err := s.store.SharedKeys().Create(ctx, key); err != nil {
		recordErr(span, err, "failed to create shared key")
		return nil, fmt.Errorf("failed to create shared key: %w", err)
	}
	s.logger.Info("shared key created", "user", user.Alias(), "key_id", key.ID)
	return key, nil
}

// Get is public: a key id is itself the credential.
func (s *SharedKeyService) Get(ctx context.Context, id string) (*domain.SharedKey, error) {
	kid, err := uuid.Parse(id)
	if err != nil {
		return nil, domain.ErrSharedKeyNotFound(id)
	}
	key, err := s.store.SharedKeys().Get(ctx, kid)
	if errors.Is(err, domain.ErrNoSharedKey) {
		return nil, domain.ErrSharedKeyNotFound(id)
	}
	return key, err
}

func (s *SharedKeyService) owned(ctx context.Context, apiKey, id, endpoint string) (*domain.User, *domain.SharedKey, error) {
	user, err := s.auth.User(ctx, apiKey, endpoint)
	if err != nil {
		return nil, nil, err
	}
	key, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if key.UserID != user.ID {
		return nil, nil, domain.ErrNotOwner(user.Alias(), "shared key "+id)
	}
	return user, key, nil
}

func (s *SharedKeyService) Update(ctx context.Context, apiKey, id string, in SharedKeyInput) (*domain.SharedKey, error) {
	ctx, span := s.tracer.Start(ctx, "service.UpdateSharedKey")
	defer span.End()

	_, key, err := s.owned(ctx, apiKey, id, "shared key update")
	if err != nil {
		return nil, err
	}
	if err := applySharedKeyInput(key, in, s.clock.Now().UTC()); err != nil {
		return nil, err
	}
	if err := s.store.SharedKeys().Update(ctx, key); err != nil {
		recordErr(span, err, "failed to update shared key")
		return nil, fmt.Errorf("failed to update shared key: %w", err)
	}
	return key, nil
}

func (s *SharedKeyService) Delete(ctx context.Context, apiKey, id string) error {
	ctx, span := s.tracer.Start(ctx, "service.DeleteSharedKey")
	defer span.End()

	user, key, err := s.owned(ctx, apiKey, id, "shared key delete")
	if err != nil {
		return err
	}
	if err := s.store.SharedKeys().Delete(ctx, key.ID); err != nil {
		recordErr(span, err, "failed to delete shared key")
		return err
	}
	s.logger.Info("shared key deleted", "user", user.Alias(), "key_id", key.ID)
	return nil
}

func applySharedKeyInput(key *domain.SharedKey, in SharedKeyInput, now time.Time) error {
	if in.Name != nil {
		key.Name = *in.Name
	}
	if in.Kudos != nil {
		if *in.Kudos < 0 && *in.Kudos != domain.Unlimited {
			return domain.ErrBadRequest("shared key kudos must be positive or -1")
		}
		key.Kudos = *in.Kudos
	}
	if in.ExpiryDays != nil {
		if *in.ExpiryDays == domain.Unlimited {
			key.Expiry = nil
		} else if *in.ExpiryDays > 0 {
			exp := now.Add(time.Duration(*in.ExpiryDays) * 24 * time.Hour)
			key.Expiry = &exp
		} else {
			return domain.ErrBadRequest("shared key expiry must be a positive number of days or -1")
		}
	}
	for _, lim := range []struct {
		in  *int
		out *int
	}{
		{in.MaxImagePixels, &key.MaxImagePixels},
		{in.MaxImageSteps, &key.MaxImageSteps},
		{in.MaxTextTokens, &key.MaxTextTokens},
	} {
		if lim.in == nil {
			continue
		}
		if *lim.in < 0 && *lim.in != domain.Unlimited {
			return domain.ErrBadRequest("shared key limits must be positive or -1")
		}
		*lim.out = *lim.in
	}
	return nil
}
