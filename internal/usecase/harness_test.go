// internal/usecase/harness_test.go
package usecase

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"inference-horde/internal/catalog"
	"inference-horde/internal/config"
	"inference-horde/internal/domain"
	"inference-horde/internal/filter"
	"inference-horde/internal/infra/gormstore"
	"inference-horde/internal/infra/memory"
	"inference-horde/internal/ipsafety"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	t          *testing.T
	store      *gormstore.Store
	clock      *clocktesting.FakeClock
	counter    *memory.CounterMeasures
	cache      *memory.PriorityCache
	settings   *SettingsService
	intake     *IntakeService
	registry   *RegistryService
	matcher    *MatcherService
	accounting *AccountingService
	status     *StatusService
	sweeper    *SweeperService
	priority   *PriorityService
	kudos      *KudosService
	sharedKeys *SharedKeyService
	workers    *WorkerAdminService
	monthly    *MonthlyService
}

func testLimits() config.LimitsConfig {
	return config.LimitsConfig{
		MaxPromptLength:            1000,
		MaxReplacementPromptLength: 500,
		WaitingPromptTTL:           domain.DefaultWaitingPromptTTL,
		MaxWorkersUntrusted:        3,
		MaxWorkersTrusted:          20,
		SameIPUntrusted:            3,
		SameIPTrusted:              20,
		DryRunCacheTTL:             time.Minute,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := gormstore.OpenSQLite(filepath.Join(t.TempDir(), "horde.db"))
	require.NoError(t, err)
	require.NoError(t, gormstore.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	store := gormstore.New(db, logger)

	checker, err := filter.New("2:\\bcorrupt\\b", []string{"darn"})
	require.NoError(t, err)
	ipCheck, err := ipsafety.New(config.IPSafetyConfig{
		Blocklist:  []string{"192.0.2.0/24"},
		NewIPRate:  1000,
		NewIPBurst: 1000,
		CacheTTL:   time.Hour,
	}, logger)
	require.NoError(t, err)
	models := catalog.New([]config.ModelConfig{
		{Name: "stable_diffusion", Variant: "image", Multiplier: 1},
		{Name: "sdxl", Variant: "image", Multiplier: 2},
		{Name: "spicy", Variant: "image", Multiplier: 1, NSFW: true},
	})
	kudosCfg := config.KudosConfig{EvaluationThreshold: 50000, AnonConcurrencyPer: 4}

	clk := clocktesting.NewFakeClock(epoch)
	counter := memory.NewCounterMeasures()
	cache := memory.NewPriorityCache(time.Minute)
	auth := NewAuthenticator(store)
	settings := NewSettingsService(store, auth, memory.NewNotifier(), time.Minute, clk, logger)
	registry := NewRegistryService(store, auth, settings, checker, models, counter, ipCheck, testLimits(), clk, logger)
	accounting := NewAccountingService(store, auth, models, kudosCfg, clk, logger)

	return &harness{
		t:          t,
		store:      store,
		clock:      clk,
		counter:    counter,
		cache:      cache,
		settings:   settings,
		intake:     NewIntakeService(store, auth, settings, checker, models, counter, ipCheck, testLimits(), kudosCfg, clk, logger),
		registry:   registry,
		matcher:    NewMatcherService(store, registry, settings, cache, models, 3, domain.DefaultWaitingPromptTTL, clk, logger),
		accounting: accounting,
		status:     NewStatusService(store, clk, logger),
		sweeper:    NewSweeperService(store, settings, accounting, config.SweeperConfig{AbortLimit: 2, RaidAbortLimit: 1}, clk, logger),
		priority:   NewPriorityService(store, cache, 50, 50, clk, logger),
		kudos:      NewKudosService(store, auth, logger),
		sharedKeys: NewSharedKeyService(store, auth, clk, logger),
		workers:    NewWorkerAdminService(store, auth, checker, logger),
		monthly:    NewMonthlyService(store, ConfigMonthlyKudos{}, 100000, clk, logger),
	}
}

// user creates an account whose api key equals its name.
func (h *harness) user(name string, kudos float64, roles ...domain.UserRole) *domain.User {
	h.t.Helper()
	u := &domain.User{
		Username:        name,
		OAuthID:         "test:" + name,
		APIKeyHash:      domain.HashAPIKey(name),
		Kudos:           kudos,
		UsageMultiplier: 1,
		Concurrency:     30,
		CreatedAt:       epoch.Add(-30 * 24 * time.Hour),
		LastActive:      epoch,
		Roles:           roles,
	}
	require.NoError(h.t, h.store.Users().Create(context.Background(), u))
	return u
}

func (h *harness) reload(u *domain.User) *domain.User {
	h.t.Helper()
	got, err := h.store.Users().Get(context.Background(), u.ID)
	require.NoError(h.t, err)
	return got
}

func (h *harness) wp(id uuid.UUID) *domain.WaitingPrompt {
	h.t.Helper()
	got, err := h.store.WaitingPrompts().Get(context.Background(), id)
	require.NoError(h.t, err)
	return got
}

func imageSubmit(apiKey string) SubmitRequest {
	return SubmitRequest{
		APIKey:      apiKey,
		Variant:     domain.VariantImage,
		Prompt:      "a lighthouse at dusk",
		Params:      domain.GenerationParams{N: 1, Width: 512, Height: 512, Steps: 30, SamplerName: "k_euler_a"},
		SlowWorkers: true,
	}
}

func imagePoll(apiKey, name string) PopRequest {
	return PopRequest{CheckInRequest: CheckInRequest{
		APIKey:    apiKey,
		Name:      name,
		Variant:   domain.VariantImage,
		Models:    []string{"stable_diffusion"},
		MaxPixels: 1024 * 1024,
		Threads:   1,
	}}
}

// submit admits an image request and returns its id.
func (h *harness) submit(apiKey string) uuid.UUID {
	h.t.Helper()
	res, err := h.intake.Submit(context.Background(), imageSubmit(apiKey))
	require.NoError(h.t, err)
	return res.ID
}

func (h *harness) pop(req PopRequest) *PopResult {
	h.t.Helper()
	res, err := h.matcher.Pop(context.Background(), req)
	require.NoError(h.t, err)
	return res
}

func requireRC(t *testing.T, err error, rc string) {
	t.Helper()
	require.Error(t, err)
	apiErr, ok := domain.AsAPIError(err)
	require.True(t, ok, "expected an api error, got %v", err)
	require.Equal(t, rc, apiErr.RC, apiErr.Message)
}

func ptr[T any](v T) *T { return &v }
