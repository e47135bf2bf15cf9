// internal/usecase/dispatch_test.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"inference-horde/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deliver(apiKey string, job *JobPayload) SubmitResultRequest {
	seed := int64(42)
	return SubmitResultRequest{APIKey: apiKey, ID: job.ID.String(), Generation: "R0lGODlh", Seed: &seed, State: domain.GenStateOK}
}

func TestDispatchAndSettle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.user("alice", 100)
	gpu := h.user("gpu", 25, domain.RoleTrusted)
	id := h.submit("alice")

	res := h.pop(imagePoll("gpu", "gpu-box"))
	require.NotNil(t, res.Job)
	assert.Equal(t, id, res.Job.WPID)
	assert.Equal(t, "stable_diffusion", res.Job.Model)
	assert.Equal(t, 1, res.Job.Params.N)
	assert.Equal(t, 6.0, res.Job.Kudos)
	assert.Zero(t, h.wp(id).N)

	// the only slot is taken
	again := h.pop(imagePoll("gpu", "gpu-box"))
	assert.Nil(t, again.Job)

	st, err := h.status.Check(ctx, id.String(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Processing)
	assert.False(t, st.Done)

	h.clock.Step(10 * time.Second)
	reward, err := h.accounting.SubmitResult(ctx, deliver("gpu", res.Job))
	require.NoError(t, err)
	assert.Equal(t, 6.0, reward)

	assert.Equal(t, 94.0, h.reload(alice).Kudos)
	assert.Equal(t, 31.0, h.reload(gpu).Kudos)

	_, err = h.accounting.SubmitResult(ctx, deliver("gpu", res.Job))
	requireRC(t, err, "DuplicateGen")

	st, err = h.status.Check(ctx, id.String(), true)
	require.NoError(t, err)
	assert.True(t, st.Done)
	assert.Equal(t, 1, st.Finished)
	assert.Equal(t, 6.0, st.Kudos)
	require.Len(t, st.Generations, 1)
	assert.Equal(t, "gpu-box", st.Generations[0].WorkerName)
	assert.Equal(t, "R0lGODlh", st.Generations[0].Generation)
	assert.Equal(t, "42", st.Generations[0].Seed)

	w, err := h.store.Workers().FindByName(ctx, "gpu-box")
	require.NoError(t, err)
	assert.Equal(t, 1, w.Fulfilments)
	avg, err := h.store.Workers().PerformanceAverage(ctx, w.ID)
	require.NoError(t, err)
	assert.InDelta(t, 512*512*30/10.0, avg, 1e-6)
}

func TestDispatch_UntrustedOwnerEarningsAreEvaluated(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.user("alice", 100)
	gpu := h.user("gpu", 25)
	h.submit("alice")

	res := h.pop(imagePoll("gpu", "gpu-box"))
	require.NotNil(t, res.Job)
	_, err := h.accounting.SubmitResult(ctx, deliver("gpu", res.Job))
	require.NoError(t, err)

	got := h.reload(gpu)
	assert.Equal(t, 28.0, got.Kudos)
	assert.Equal(t, 3.0, got.EvaluatingKudos)
}

func TestSubmitResult_Errors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.user("alice", 100)
	h.user("gpu", 25, domain.RoleTrusted)
	h.user("mallory", 25)
	h.submit("alice")
	res := h.pop(imagePoll("gpu", "gpu-box"))
	require.NotNil(t, res.Job)

	_, err := h.accounting.SubmitResult(ctx, deliver("mallory", res.Job))
	requireRC(t, err, "WrongCredentials")

	_, err = h.accounting.SubmitResult(ctx, SubmitResultRequest{APIKey: "gpu", ID: uuid.NewString()})
	requireRC(t, err, "InvalidJobID")

	_, err = h.accounting.SubmitResult(ctx, SubmitResultRequest{APIKey: "gpu", ID: res.Job.ID.String(), State: "melted"})
	requireRC(t, err, "BadRequest")
}

func TestFaultedSlotsAreRetriedThenAbandoned(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.user("alice", 100)
	h.user("gpu", 25, domain.RoleTrusted)
	id := h.submit("alice")

	for i := range domain.FaultThreshold {
		res := h.pop(imagePoll("gpu", "gpu-box"))
		require.NotNil(t, res.Job, "attempt %d", i)
		reward, err := h.accounting.SubmitResult(ctx, SubmitResultRequest{APIKey: "gpu", ID: res.Job.ID.String(), State: domain.GenStateFaulted})
		require.NoError(t, err)
		assert.Zero(t, reward)
	}

	wp := h.wp(id)
	assert.True(t, wp.Faulted)
	assert.Zero(t, wp.N)
	assert.Nil(t, h.pop(imagePoll("gpu", "gpu-box")).Job)

	st, err := h.status.Check(ctx, id.String(), false)
	require.NoError(t, err)
	assert.True(t, st.Done)
	assert.True(t, st.Faulted)
	assert.Equal(t, domain.FaultThreshold, st.Restarted)
	assert.Equal(t, 100.0, h.reload(alice).Kudos, "faults are never charged")
}

func TestPop_SkipReasons(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.user("alice", 100)
	h.user("gpu", 25, domain.RoleTrusted)

	req := imageSubmit("alice")
	req.Models = []string{"stable_diffusion"}
	_, err := h.intake.Submit(ctx, req)
	require.NoError(t, err)
	req.Params.Width, req.Params.Height = 1024, 1024
	_, err = h.intake.Submit(ctx, req)
	require.NoError(t, err)

	poll := imagePoll("gpu", "sdxl-box")
	poll.Models = []string{"sdxl"}
	res := h.pop(poll)
	assert.Nil(t, res.Job)
	assert.Equal(t, map[string]int{domain.SkipModels: 2}, res.Skipped)

	poll = imagePoll("gpu", "small-box")
	poll.MaxPixels = 512 * 512
	res = h.pop(poll)
	require.NotNil(t, res.Job)

	res = h.pop(poll)
	assert.Nil(t, res.Job)
	assert.Equal(t, map[string]int{domain.SkipMaxPixels: 1}, res.Skipped)
}

func TestPop_PriorityUsernamesGoFirst(t *testing.T) {
	h := newHarness(t)
	h.user("alice", 100)
	carol := h.user("carol", 100)
	h.user("gpu", 25, domain.RoleTrusted)

	h.submit("alice")
	h.clock.Step(time.Second)
	carolsID := h.submit("carol")

	poll := imagePoll("gpu", "gpu-box")
	poll.PriorityUsernames = []string{carol.Alias()}
	res := h.pop(poll)
	require.NotNil(t, res.Job)
	assert.Equal(t, carolsID, res.Job.WPID)

	poll.PriorityUsernames = []string{"no-id-here"}
	_, err := h.matcher.Pop(context.Background(), poll)
	requireRC(t, err, "BadRequest")
}

func TestPop_OlderRequestsFirstAndAgingCache(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.user("alice", 100)
	h.user("bob", 100)
	h.user("gpu", 25, domain.RoleTrusted)

	first := h.submit("alice")
	h.clock.Step(time.Second)
	second := h.submit("bob")

	require.NoError(t, h.priority.Age(ctx))
	require.NoError(t, h.priority.Refresh(ctx))
	cached, err := h.cache.Get(ctx, domain.VariantImage)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{first, second}, cached)
	assert.Equal(t, int64(50), h.wp(first).ExtraPriority)

	assert.Equal(t, first, h.pop(imagePoll("gpu", "gpu-box")).Job.WPID)
	assert.Equal(t, second, h.pop(imagePoll("gpu", "gpu-box")).Job.WPID)
}

func TestPop_PausedWorkerGetsDecoy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.user("alice", 100)
	slacker := h.user("slacker", 25)
	h.user("mod", 25, domain.RoleModerator)
	h.user("gpu", 25, domain.RoleTrusted)

	require.Nil(t, h.pop(imagePoll("slacker", "slacker-box")).Job)
	w, err := h.store.Workers().FindByName(ctx, "slacker-box")
	require.NoError(t, err)
	_, err = h.workers.Update(ctx, "slacker", w.ID.String(), WorkerUpdate{Paused: ptr(true)})
	requireRC(t, err, "NotModerator")
	_, err = h.workers.Update(ctx, "mod", w.ID.String(), WorkerUpdate{Paused: ptr(true)})
	require.NoError(t, err)

	id := h.submit("alice")
	decoy := h.pop(imagePoll("slacker", "slacker-box"))
	require.NotNil(t, decoy.Job)
	assert.Equal(t, 1, h.wp(id).N, "decoys never take a real slot")

	reward, err := h.accounting.SubmitResult(ctx, deliver("slacker", decoy.Job))
	require.NoError(t, err)
	assert.Equal(t, 6.0, reward)
	assert.Equal(t, 100.0, h.reload(alice).Kudos)
	assert.Equal(t, 25.0, h.reload(slacker).Kudos)

	// the tricked worker is silently skipped from now on
	res := h.pop(imagePoll("slacker", "slacker-box"))
	assert.Nil(t, res.Job)
	assert.Empty(t, res.Skipped)

	real := h.pop(imagePoll("gpu", "gpu-box"))
	require.NotNil(t, real.Job)
	assert.Equal(t, id, real.Job.WPID)

	st, err := h.status.Check(ctx, id.String(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Processing)
	assert.Zero(t, st.Finished, "decoy results are invisible to the requester")
}

func TestPop_MaintenanceWorkerGetsMessage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.user("alice", 100)
	h.user("gpu", 25, domain.RoleTrusted)

	require.Nil(t, h.pop(imagePoll("gpu", "gpu-box")).Job)
	w, err := h.store.Workers().FindByName(ctx, "gpu-box")
	require.NoError(t, err)
	_, err = h.workers.Update(ctx, "gpu", w.ID.String(), WorkerUpdate{Maintenance: ptr(true), MaintenanceMsg: ptr("upgrading drivers")})
	require.NoError(t, err)

	h.submit("alice")
	res := h.pop(imagePoll("gpu", "gpu-box"))
	assert.Nil(t, res.Job)
	assert.Equal(t, "upgrading drivers", res.MaintenanceMessage)
	assert.Equal(t, map[string]int{domain.SkipMaintenance: 1}, res.Skipped)

	// own requests are still served
	mine := h.submit("gpu")
	res = h.pop(imagePoll("gpu", "gpu-box"))
	require.NotNil(t, res.Job)
	assert.Equal(t, mine, res.Job.WPID)
}

func TestCheckIn_Gates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.user("gpu", 25)
	h.user("other", 25)

	req := imagePoll("gpu", "gpu-box").CheckInRequest
	_, _, err := h.registry.CheckIn(ctx, req)
	require.NoError(t, err)

	other := req
	other.APIKey = "other"
	_, _, err = h.registry.CheckIn(ctx, other)
	requireRC(t, err, "WrongCredentials")

	text := req
	text.Variant = domain.VariantText
	_, _, err = h.registry.CheckIn(ctx, text)
	requireRC(t, err, "PolymorphicNameConflict")

	profane := req
	profane.Name = "darn-box"
	_, _, err = h.registry.CheckIn(ctx, profane)
	requireRC(t, err, "Profanity")

	blocked := req
	blocked.Name = "blocked-box"
	blocked.IPAddr = "192.0.2.10"
	_, _, err = h.registry.CheckIn(ctx, blocked)
	requireRC(t, err, "UnsafeIP")

	for _, name := range []string{"box-2", "box-3"} {
		more := req
		more.Name = name
		_, _, err = h.registry.CheckIn(ctx, more)
		require.NoError(t, err)
	}
	fourth := req
	fourth.Name = "box-4"
	_, _, err = h.registry.CheckIn(ctx, fourth)
	requireRC(t, err, "TooManyWorkers")
}

func TestCheckIn_UptimeReward(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	gpu := h.user("gpu", 25, domain.RoleTrusted)
	req := imagePoll("gpu", "gpu-box").CheckInRequest

	for range 12 {
		_, _, err := h.registry.CheckIn(ctx, req)
		require.NoError(t, err)
		h.clock.Step(time.Minute)
	}
	w, _, err := h.registry.CheckIn(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int64(720), w.Uptime)
	assert.Equal(t, 75.0, h.reload(gpu).Kudos)

	// coming back from stale restarts the window without paying
	h.clock.Step(domain.StaleWorkerTTL + time.Second)
	w, _, err = h.registry.CheckIn(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, w.Uptime, w.LastRewardUptime)
	assert.Equal(t, 75.0, h.reload(gpu).Kudos)
}

// queue stores a 512x512 image request for u directly, bypassing intake.
func (h *harness) queue(u *domain.User, created time.Time, mutate func(wp *domain.WaitingPrompt)) uuid.UUID {
	h.t.Helper()
	wp := &domain.WaitingPrompt{
		ID:          uuid.New(),
		Variant:     domain.VariantImage,
		UserID:      u.ID,
		Prompt:      "a lighthouse at dusk",
		Params:      domain.GenerationParams{N: 1, Width: 512, Height: 512, Steps: 30},
		N:           1,
		Jobs:        1,
		Things:      512 * 512 * 30,
		Kudos:       6,
		SafeIP:      true,
		SlowWorkers: true,
		Active:      true,
		JobTTL:      150,
		CreatedAt:   created,
		Expiry:      h.clock.Now().Add(domain.DefaultWaitingPromptTTL),
		Models:      []string{"stable_diffusion"},
	}
	if mutate != nil {
		mutate(wp)
	}
	require.NoError(h.t, h.store.WaitingPrompts().Create(context.Background(), wp))
	return wp.ID
}

func TestPop_WalksPastLongIneligibleTail(t *testing.T) {
	h := newHarness(t)
	alice := h.user("alice", 100)
	h.user("gpu", 25, domain.RoleTrusted)

	// ten pages of three that the worker cannot serve, all older than the one it can
	for i := range 30 {
		h.queue(alice, epoch.Add(-time.Hour+time.Duration(i)*time.Second), func(wp *domain.WaitingPrompt) {
			wp.Models = []string{"sdxl"}
		})
	}
	want := h.queue(alice, epoch, nil)

	res := h.pop(imagePoll("gpu", "gpu-box"))
	require.NotNil(t, res.Job)
	assert.Equal(t, want, res.Job.WPID)
	assert.Equal(t, map[string]int{domain.SkipModels: 30}, res.Skipped)

	// nothing left to hand out, and every request is judged exactly once
	res = h.pop(imagePoll("gpu", "gpu-box"))
	assert.Nil(t, res.Job)
	assert.Equal(t, map[string]int{domain.SkipModels: 30}, res.Skipped)
}

func TestPop_RandomizedRunKeepsDispatchInvariants(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rng := rand.New(rand.NewPCG(7, 11))
	coin := func() bool { return rng.IntN(2) == 0 }
	subset := func(opts ...string) []string {
		var out []string
		for _, o := range opts {
			if coin() {
				out = append(out, o)
			}
		}
		if len(out) == 0 {
			out = append(out, opts[rng.IntN(len(opts))])
		}
		return out
	}

	var requesters []*domain.User
	for i := range 4 {
		var roles []domain.UserRole
		if i%2 == 0 {
			roles = append(roles, domain.RoleTrusted)
		}
		requesters = append(requesters, h.user(fmt.Sprintf("req%d", i), []float64{30, 1000}[rng.IntN(2)], roles...))
	}

	var (
		polls     []PopRequest
		workerIDs []uuid.UUID
	)
	register := func(req PopRequest) {
		w, _, err := h.registry.CheckIn(ctx, req.CheckInRequest)
		require.NoError(t, err)
		polls = append(polls, req)
		workerIDs = append(workerIDs, w.ID)
	}
	for i := range 8 {
		owner := fmt.Sprintf("own%d", i/2)
		if i%2 == 0 {
			var roles []domain.UserRole
			if coin() {
				roles = append(roles, domain.RoleTrusted)
			}
			h.user(owner, 25, roles...)
		}
		req := PopRequest{CheckInRequest: CheckInRequest{
			APIKey:              owner,
			Name:                fmt.Sprintf("node-%d", i),
			Variant:             domain.VariantImage,
			Models:              subset("stable_diffusion", "sdxl", "spicy"),
			NSFW:                coin(),
			MaxPixels:           []int{512 * 512, 1024 * 1024}[rng.IntN(2)],
			Threads:             1,
			AllowImg2Img:        coin(),
			AllowPainting:       coin(),
			AllowLora:           coin(),
			AllowUnsafeIPAddr:   coin(),
			RequireUpfrontKudos: coin(),
		}}
		if coin() {
			req.Blacklist = []string{"dusk"}
		}
		register(req)
	}
	// a worker that can serve almost anything keeps the run dispatching
	h.user("own-all", 25, domain.RoleTrusted)
	register(PopRequest{CheckInRequest: CheckInRequest{
		APIKey:            "own-all",
		Name:              "node-all",
		Variant:           domain.VariantImage,
		Models:            []string{"stable_diffusion", "sdxl", "spicy"},
		NSFW:              true,
		MaxPixels:         1024 * 1024,
		Threads:           4,
		AllowImg2Img:      true,
		AllowPainting:     true,
		AllowLora:         true,
		AllowUnsafeIPAddr: true,
	}})

	var wpIDs []uuid.UUID
	for i := range 30 {
		u := requesters[rng.IntN(len(requesters))]
		wpIDs = append(wpIDs, h.queue(u, epoch.Add(time.Duration(i)*time.Second), func(wp *domain.WaitingPrompt) {
			side := []int{512, 768, 1024}[rng.IntN(3)]
			n := 1 + rng.IntN(3)
			wp.Prompt = []string{"a lighthouse at dusk", "a fox in the snow"}[rng.IntN(2)]
			wp.Params = domain.GenerationParams{N: n, Width: side, Height: side, Steps: 30}
			wp.N, wp.Jobs = n, n
			wp.Things = float64(side * side * 30)
			wp.Kudos = []float64{5, 50}[rng.IntN(2)]
			wp.NSFW = coin()
			wp.TrustedWorkers = rng.IntN(4) == 0
			wp.SlowWorkers = rng.IntN(4) != 0
			wp.SafeIP = rng.IntN(4) != 0
			wp.Models = subset("stable_diffusion", "sdxl")
			if rng.IntN(4) == 0 {
				wp.SourceImage = "blob"
				wp.SourceProcessing = []domain.SourceProcessing{domain.SourceProcessingImg2Img, domain.SourceProcessingInpainting}[rng.IntN(2)]
			}
			if rng.IntN(4) == 0 {
				wp.Params.Loras = []domain.Lora{{Name: "detail"}}
			}
			if rng.IntN(5) == 0 {
				wp.Workers = []uuid.UUID{workerIDs[rng.IntN(len(workerIDs))]}
				wp.WorkerBlacklist = coin()
			}
		}))
	}

	recheck := func(step int, job *JobPayload) {
		pg, err := h.store.Generations().Get(ctx, job.ID)
		require.NoError(t, err)
		w, err := h.store.Workers().Get(ctx, pg.WorkerID)
		require.NoError(t, err)
		owner, err := h.store.Users().Get(ctx, w.UserID)
		require.NoError(t, err)
		wp := h.wp(pg.WPID)
		wpUser, err := h.store.Users().Get(ctx, wp.UserID)
		require.NoError(t, err)
		if pg.Fake {
			// the decoy itself marks the worker as tricked
			wp.TrickedWorkers = slices.DeleteFunc(wp.TrickedWorkers, func(id uuid.UUID) bool { return id == w.ID })
		}
		speed, err := h.store.Workers().PerformanceAverage(ctx, w.ID)
		require.NoError(t, err)
		env := domain.DispatchEnv{Prioritized: map[uint64]bool{owner.ID: true}, Speed: speed}
		ok, reason := domain.CanGenerate(w, owner, wp, wpUser, env)
		assert.True(t, ok, "step %d: %s was given %s although it should skip for %q", step, w.Name, wp.ID, reason)
	}

	checkSlots := func(step int) {
		for _, id := range wpIDs {
			wp, err := h.store.WaitingPrompts().Get(ctx, id)
			if errors.Is(err, domain.ErrNoWaitingPrompt) {
				continue
			}
			require.NoError(t, err)
			require.GreaterOrEqual(t, wp.N, 0)
			if wp.Faulted {
				continue
			}
			pgs, err := h.store.Generations().ListByWP(ctx, id)
			require.NoError(t, err)
			var live int
			for _, pg := range pgs {
				if !pg.Fake && (pg.State == domain.GenStateProcessing || pg.State.Delivered()) {
					live++
				}
			}
			require.Equal(t, wp.Jobs-wp.N, live, "step %d: request %s", step, id)
		}
	}

	type running struct {
		apiKey string
		job    *JobPayload
	}
	var (
		inFlight   []running
		dispatched int
	)
	settle := func(state domain.GenState) {
		if len(inFlight) == 0 {
			return
		}
		i := rng.IntN(len(inFlight))
		r := inFlight[i]
		inFlight = slices.Delete(inFlight, i, i+1)
		req := deliver(r.apiKey, r.job)
		req.State = state
		_, err := h.accounting.SubmitResult(ctx, req)
		if err != nil {
			// aborted or expired meanwhile
			_, ok := domain.AsAPIError(err)
			require.True(t, ok, "%v", err)
		}
	}

	for step := range 200 {
		req := polls[rng.IntN(len(polls))]
		if res := h.pop(req); res.Job != nil {
			dispatched++
			recheck(step, res.Job)
			inFlight = append(inFlight, running{req.APIKey, res.Job})
		}
		switch rng.IntN(6) {
		case 0, 1:
			h.clock.Step(2 * time.Second)
			settle(domain.GenStateOK)
		case 2:
			settle(domain.GenStateFaulted)
		case 3:
			h.clock.Step(151 * time.Second)
			_, err := h.sweeper.Sweep(ctx)
			require.NoError(t, err)
		}
		checkSlots(step)
	}
	assert.Positive(t, dispatched)
}
