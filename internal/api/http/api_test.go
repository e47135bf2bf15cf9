// internal/api/http/api_test.go
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
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
	"inference-horde/internal/usecase"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	clocktesting "k8s.io/utils/clock/testing"
)

type testEnv struct {
	t       *testing.T
	handler http.Handler
	store   *gormstore.Store
	clock   *clocktesting.FakeClock
	sweeper *usecase.SweeperService
}

func newTestEnv(t *testing.T, rl config.RateLimitConfig) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := gormstore.OpenSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	require.NoError(t, gormstore.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	store := gormstore.New(db, logger)

	checker, err := filter.New("2:\\bcorrupt\\b", nil)
	require.NoError(t, err)
	ipCheck, err := ipsafety.New(config.IPSafetyConfig{
		Blocklist:  []string{"203.0.113.0/24"},
		NewIPRate:  1000,
		NewIPBurst: 1000,
		CacheTTL:   time.Hour,
	}, logger)
	require.NoError(t, err)
	models := catalog.New([]config.ModelConfig{
		{Name: "X", Variant: "image", Multiplier: 1},
		{Name: "stable_diffusion", Variant: "image", Multiplier: 1},
	})
	limits := config.LimitsConfig{
		MaxPromptLength:     1000,
		WaitingPromptTTL:    domain.DefaultWaitingPromptTTL,
		MaxWorkersUntrusted: 3,
		MaxWorkersTrusted:   20,
		SameIPUntrusted:     3,
		SameIPTrusted:       20,
		DryRunCacheTTL:      time.Minute,
	}
	kudosCfg := config.KudosConfig{EvaluationThreshold: 50000, AnonConcurrencyPer: 4}

	clk := clocktesting.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	counter := memory.NewCounterMeasures()
	cache := memory.NewPriorityCache(time.Minute)
	auth := usecase.NewAuthenticator(store)
	settings := usecase.NewSettingsService(store, auth, memory.NewNotifier(), time.Minute, clk, logger)
	registry := usecase.NewRegistryService(store, auth, settings, checker, models, counter, ipCheck, limits, clk, logger)
	accounting := usecase.NewAccountingService(store, auth, models, kudosCfg, clk, logger)

	svc := Services{
		Intake:     usecase.NewIntakeService(store, auth, settings, checker, models, counter, ipCheck, limits, kudosCfg, clk, logger),
		Matcher:    usecase.NewMatcherService(store, registry, settings, cache, models, 10, domain.DefaultWaitingPromptTTL, clk, logger),
		Accounting: accounting,
		Status:     usecase.NewStatusService(store, clk, logger),
		Settings:   settings,
		Stats:      usecase.NewStatsService(store, memory.SingleNode{}, config.StatsConfig{}, clk, logger),
		Workers:    usecase.NewWorkerAdminService(store, auth, checker, logger),
		Kudos:      usecase.NewKudosService(store, auth, logger),
		SharedKeys: usecase.NewSharedKeyService(store, auth, clk, logger),
		Users:      usecase.NewUserService(store, auth, clk, logger),
	}
	return &testEnv{
		t:       t,
		handler: NewAPI(svc, rl, "test", clk, logger).Handler(),
		store:   store,
		clock:   clk,
		sweeper: usecase.NewSweeperService(store, settings, accounting, config.SweeperConfig{AbortLimit: 10, RaidAbortLimit: 5}, clk, logger),
	}
}

// user creates an account whose api key equals its name.
func (e *testEnv) user(name string, kudos float64, roles ...domain.UserRole) *domain.User {
	e.t.Helper()
	u := &domain.User{
		Username:        name,
		OAuthID:         "test:" + name,
		APIKeyHash:      domain.HashAPIKey(name),
		Kudos:           kudos,
		UsageMultiplier: 1,
		Concurrency:     30,
		CreatedAt:       e.clock.Now().Add(-30 * 24 * time.Hour),
		Roles:           roles,
	}
	require.NoError(e.t, e.store.Users().Create(context.Background(), u))
	return u
}

func (e *testEnv) reload(u *domain.User) *domain.User {
	e.t.Helper()
	got, err := e.store.Users().Get(context.Background(), u.ID)
	require.NoError(e.t, err)
	return got
}

// do sends body as JSON and decodes the response into out when it is non-nil.
func (e *testEnv) do(method, path, key string, body, out any) int {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, apiPrefix+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("apikey", key)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	if out != nil {
		require.NoError(e.t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func robots() map[string]any {
	return map[string]any{
		"prompt": "cute robots",
		"params": map[string]any{"width": 1024, "height": 1024, "steps": 8, "cfg_scale": 1.5, "n": 1},
		"models": []string{"X"},
	}
}

func popBody(name string) map[string]any {
	return map[string]any{"name": name, "models": []string{"X"}, "max_pixels": 4_194_304}
}

func (e *testEnv) submitRobots(key string) string {
	e.t.Helper()
	var res SubmitResponse
	require.Equal(e.t, http.StatusAccepted, e.do(http.MethodPost, "/generate/async", key, robots(), &res))
	require.NotEmpty(e.t, res.ID)
	return res.ID
}

// pastJobTTL is just over how long a worker may hold a slot of the request.
func (e *testEnv) pastJobTTL(id string) time.Duration {
	e.t.Helper()
	wp, err := e.store.WaitingPrompts().Get(context.Background(), uuid.MustParse(id))
	require.NoError(e.t, err)
	return time.Duration(wp.JobTTL+1) * time.Second
}

func (e *testEnv) popJob(key, name string) PopResponse {
	e.t.Helper()
	var res PopResponse
	require.Equal(e.t, http.StatusOK, e.do(http.MethodPost, "/generate/pop", key, popBody(name), &res))
	return res
}

func noRateLimit() config.RateLimitConfig { return config.RateLimitConfig{} }

func TestSingleImage(t *testing.T) {
	e := newTestEnv(t, noRateLimit())
	u := e.user("u", 10_000)
	owner := e.user("owner", 25, domain.RoleTrusted)

	id := e.submitRobots("u")
	job := e.popJob("owner", "W")
	require.NotNil(t, job.ID)
	assert.Equal(t, []string{*job.ID}, job.IDs)
	assert.Equal(t, "X", job.Model)
	require.NotNil(t, job.Payload)
	assert.Equal(t, "cute robots", job.Payload.Prompt)
	assert.Equal(t, 1, job.Payload.N)
	assert.Equal(t, 8, job.Payload.Steps)

	var reward RewardResponse
	code := e.do(http.MethodPost, "/generate/submit", "owner",
		map[string]any{"id": *job.ID, "generation": "R2", "seed": 0, "state": "ok"}, &reward)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 6.4, reward.Reward)

	var st StatusResponse
	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/generate/status/"+id, "", nil, &st))
	assert.True(t, st.Done)
	require.Len(t, st.Generations, 1)
	g := st.Generations[0]
	assert.Equal(t, "0", g.Seed)
	assert.Equal(t, "W", g.WorkerName)
	assert.Equal(t, "X", g.Model)
	assert.Equal(t, "R2", g.Img)
	assert.Positive(t, g.Kudos)

	assert.InDelta(t, 10_000-6.4, e.reload(u).Kudos, 1e-9)
	assert.InDelta(t, 25+6.4, e.reload(owner).Kudos, 1e-9)

	// a second delivery of the same slot changes nothing
	var errBody errorBody
	code = e.do(http.MethodPost, "/generate/submit", "owner", map[string]any{"id": *job.ID, "generation": "R2"}, &errBody)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "DuplicateGen", errBody.RC)
	require.NotNil(t, errBody.Reward)
	assert.Zero(t, *errBody.Reward)
	assert.InDelta(t, 25+6.4, e.reload(owner).Kudos, 1e-9)
}

func TestNoEligibleWorker(t *testing.T) {
	e := newTestEnv(t, noRateLimit())
	e.user("u", 10_000)
	e.user("owner", 25, domain.RoleTrusted)
	id := e.submitRobots("u")

	body := popBody("W")
	body["models"] = []string{"stable_diffusion"}
	var pop PopResponse
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/generate/pop", "owner", body, &pop))
	assert.Nil(t, pop.ID)
	assert.Equal(t, map[string]int{domain.SkipModels: 1}, pop.Skipped)

	var st StatusResponse
	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/generate/check/"+id, "", nil, &st))
	assert.Equal(t, 1, st.Waiting)
	assert.Zero(t, st.Processing)
	assert.False(t, st.Done)
	assert.False(t, st.IsPossible)
	assert.Empty(t, st.Generations, "check never lists generations")

	e.clock.Step(20 * time.Minute)
	_, err := e.sweeper.Sweep(context.Background())
	require.NoError(t, err)

	var errBody errorBody
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/generate/check/"+id, "", nil, &errBody))
	assert.Equal(t, "RequestNotFound", errBody.RC)
}

func TestConcurrentPollsShareOneSlot(t *testing.T) {
	e := newTestEnv(t, noRateLimit())
	e.user("u", 10_000)
	e.user("owner", 25, domain.RoleTrusted)
	e.submitRobots("u")

	results := make([]PopResponse, 2)
	var g errgroup.Group
	for i, name := range []string{"W1", "W2"} {
		g.Go(func() error {
			var buf bytes.Buffer
			if err := json.NewEncoder(&buf).Encode(popBody(name)); err != nil {
				return err
			}
			req := httptest.NewRequest(http.MethodPost, apiPrefix+"/generate/pop", &buf)
			req.Header.Set("apikey", "owner")
			rec := httptest.NewRecorder()
			e.handler.ServeHTTP(rec, req)
			return json.Unmarshal(rec.Body.Bytes(), &results[i])
		})
	}
	require.NoError(t, g.Wait())

	var winners int
	for _, res := range results {
		if res.ID != nil {
			winners++
			continue
		}
		assert.Empty(t, res.Skipped)
		assert.Empty(t, res.IDs)
	}
	assert.Equal(t, 1, winners)
}

func TestAbortedSlotGoesToAnotherWorker(t *testing.T) {
	e := newTestEnv(t, noRateLimit())
	e.user("u", 10_000)
	e.user("owner", 25, domain.RoleTrusted)
	id := e.submitRobots("u")

	wait := e.pastJobTTL(id)
	// 1024x1024 is above 728x728, so slots are held for 260s rather than 150s.
	require.Equal(t, 261*time.Second, wait)

	first := e.popJob("owner", "W1")
	require.NotNil(t, first.ID)
	assert.Nil(t, e.popJob("owner", "W2").ID)

	e.clock.Step(151 * time.Second)
	report, err := e.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Aborted)

	e.clock.Step(wait - 151*time.Second)
	report, err = e.sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Aborted)

	var st StatusResponse
	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/generate/check/"+id, "", nil, &st))
	assert.Equal(t, 1, st.Waiting)
	assert.Equal(t, 1, st.Restarted)

	second := e.popJob("owner", "W2")
	require.NotNil(t, second.ID)
	assert.NotEqual(t, *first.ID, *second.ID)
}

func TestThreeTimeoutsFaultTheRequest(t *testing.T) {
	e := newTestEnv(t, noRateLimit())
	e.user("u", 10_000)
	e.user("owner", 25, domain.RoleTrusted)
	id := e.submitRobots("u")
	wait := e.pastJobTTL(id)

	for i, name := range []string{"W1", "W2", "W3"} {
		require.NotNil(t, e.popJob("owner", name).ID, name)
		e.clock.Step(wait)
		report, err := e.sweeper.Sweep(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, report.Aborted, name)
		if i == 2 {
			assert.Equal(t, 1, report.Faulted)
		}
	}

	assert.Nil(t, e.popJob("owner", "W4").ID)
	var st StatusResponse
	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/generate/status/"+id, "", nil, &st))
	assert.True(t, st.Faulted)
	assert.True(t, st.Done)
}

func TestUpfrontKudos(t *testing.T) {
	e := newTestEnv(t, noRateLimit())
	e.user("poor", 100)

	body := robots()
	body["params"] = map[string]any{"width": 1024, "height": 1024, "steps": 125, "n": 5}
	var errBody errorBody
	require.Equal(t, http.StatusForbidden, e.do(http.MethodPost, "/generate/async", "poor", body, &errBody))
	assert.Equal(t, "KudosUpfront", errBody.RC)

	var perf PerformanceResponse
	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/status/performance", "", nil, &perf))
	assert.Zero(t, perf.QueuedRequests)
	assert.Equal(t, 1, perf.Nodes)

	// the estimate is still available as a dry run
	body["dry_run"] = true
	var est SubmitResponse
	require.Equal(t, http.StatusOK, e.do(http.MethodPost, "/generate/async", "poor", body, &est))
	assert.Empty(t, est.ID)
	assert.Equal(t, 500.0, est.Kudos)
}

func TestCancelChecksVariant(t *testing.T) {
	e := newTestEnv(t, noRateLimit())
	e.user("u", 10_000)
	id := e.submitRobots("u")

	var errBody errorBody
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodDelete, "/generate/text/status/"+id, "", nil, &errBody))
	assert.Equal(t, "RequestNotFound", errBody.RC)

	var st StatusResponse
	require.Equal(t, http.StatusOK, e.do(http.MethodDelete, "/generate/status/"+id, "", nil, &st))
	assert.True(t, st.Done)
	assert.Zero(t, st.Waiting)
}

func TestRequestValidation(t *testing.T) {
	e := newTestEnv(t, noRateLimit())
	e.user("u", 100)

	req := httptest.NewRequest(http.MethodPost, apiPrefix+"/generate/async", bytes.NewBufferString("{not json"))
	req.Header.Set("apikey", "u")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var errBody errorBody
	code := e.do(http.MethodPost, "/generate/submit", "u", map[string]any{"id": "not-a-uuid"}, &errBody)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "BadRequest", errBody.RC)

	code = e.do(http.MethodPost, "/kudos/transfer", "u", map[string]any{"username": "nobody", "amount": 1}, &errBody)
	assert.Equal(t, http.StatusBadRequest, code)

	code = e.do(http.MethodPost, "/generate/async", "", robots(), &errBody)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "InvalidAPIKey", errBody.RC)
}

func TestUserAndModes(t *testing.T) {
	e := newTestEnv(t, noRateLimit())
	u := e.user("u", 100)
	e.user("mod", 25, domain.RoleModerator)

	var view UserView
	require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/find_user", "u", nil, &view))
	assert.Equal(t, u.Alias(), view.Username)
	assert.Equal(t, 100.0, view.Kudos)
	assert.False(t, view.Moderator)

	var errBody errorBody
	assert.Equal(t, http.StatusForbidden, e.do(http.MethodPut, "/status/modes", "u", map[string]any{"maintenance": true}, &errBody))
	var modes ModesResponse
	require.Equal(t, http.StatusOK, e.do(http.MethodPut, "/status/modes", "mod", map[string]any{"maintenance": true}, &modes))
	assert.True(t, modes.Maintenance)

	code := e.do(http.MethodPost, "/generate/async", "u", robots(), &errBody)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "MaintenanceMode", errBody.RC)
}

func TestRateLimit(t *testing.T) {
	e := newTestEnv(t, config.RateLimitConfig{PerIPRate: 0.001, PerIPBurst: 2})

	var hb map[string]string
	for range 2 {
		require.Equal(t, http.StatusOK, e.do(http.MethodGet, "/status/heartbeat", "", nil, &hb))
	}
	assert.Equal(t, "test", hb["version"])

	var errBody errorBody
	assert.Equal(t, http.StatusTooManyRequests, e.do(http.MethodGet, "/status/heartbeat", "", nil, &errBody))
	assert.Equal(t, "TooManyRequests", errBody.RC)
}

func TestCORSPreflight(t *testing.T) {
	e := newTestEnv(t, noRateLimit())
	req := httptest.NewRequest(http.MethodOptions, apiPrefix+"/generate/async", nil)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
