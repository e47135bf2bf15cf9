// internal/usecase/accounts_test.go
package usecase

import (
	"context"
	"testing"
	"time"

	"inference-horde/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKudosTransfer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.user("alice", 100)
	bob := h.user("bob", 25)

	require.NoError(t, h.kudos.Transfer(ctx, "alice", bob.Alias(), 30))
	assert.Equal(t, 70.0, h.reload(alice).Kudos)
	assert.Equal(t, 55.0, h.reload(bob).Kudos)

	// only the part above the account minimum can be sent
	err := h.kudos.Transfer(ctx, "alice", bob.Alias(), 46)
	requireRC(t, err, "KudosValidationError")
	assert.Equal(t, 70.0, h.reload(alice).Kudos)

	requireRC(t, h.kudos.Transfer(ctx, "alice", alice.Alias(), 1), "KudosValidationError")
	requireRC(t, h.kudos.Transfer(ctx, "alice", bob.Alias(), 0), "KudosValidationError")
	requireRC(t, h.kudos.Transfer(ctx, "alice", "bob", 1), "KudosValidationError")
	requireRC(t, h.kudos.Transfer(ctx, "alice", "ghost#9999", 1), "UserNotFound")
	requireRC(t, h.kudos.Transfer(ctx, "nobody", bob.Alias(), 1), "InvalidAPIKey")
}

func TestKudosTransfer_AnonForbidden(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	bob := h.user("bob", 25)
	anon := &domain.User{
		Username:        "Anonymous",
		OAuthID:         domain.AnonOAuthID,
		APIKeyHash:      domain.HashAPIKey(domain.AnonAPIKey),
		UsageMultiplier: 1,
		Concurrency:     30,
		CreatedAt:       epoch,
	}
	require.NoError(t, h.store.Users().Create(ctx, anon))

	requireRC(t, h.kudos.Transfer(ctx, domain.AnonAPIKey, bob.Alias(), 1), "AnonForbidden")
}

func TestKudosAward(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.user("mod", 25, domain.RoleModerator)
	bob := h.user("bob", 25)

	requireRC(t, h.kudos.Award(ctx, "bob", bob.Alias(), 10), "NotModerator")
	require.NoError(t, h.kudos.Award(ctx, "mod", bob.Alias(), 10))
	assert.Equal(t, 35.0, h.reload(bob).Kudos)
	requireRC(t, h.kudos.Award(ctx, "mod", bob.Alias(), -1), "KudosValidationError")
}

func TestSharedKeyLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.user("alice", 100)
	h.user("bob", 25)

	key, err := h.sharedKeys.Create(ctx, "alice", SharedKeyInput{Name: ptr("discord"), ExpiryDays: ptr(7)})
	require.NoError(t, err)
	assert.Equal(t, float64(domain.Unlimited), key.Kudos)
	require.NotNil(t, key.Expiry)
	assert.Equal(t, epoch.Add(7*24*time.Hour), key.Expiry.UTC())

	id := key.ID.String()
	_, err = h.sharedKeys.Update(ctx, "bob", id, SharedKeyInput{Kudos: ptr(5.0)})
	requireRC(t, err, "NotOwner")
	requireRC(t, h.sharedKeys.Delete(ctx, "bob", id), "NotOwner")

	_, err = h.sharedKeys.Update(ctx, "alice", id, SharedKeyInput{Kudos: ptr(-5.0)})
	requireRC(t, err, "BadRequest")
	updated, err := h.sharedKeys.Update(ctx, "alice", id, SharedKeyInput{Kudos: ptr(50.0), MaxImageSteps: ptr(40)})
	require.NoError(t, err)
	assert.Equal(t, 50.0, updated.Kudos)
	assert.Equal(t, 40, updated.MaxImageSteps)

	require.NoError(t, h.sharedKeys.Delete(ctx, "alice", id))
	_, err = h.sharedKeys.Get(ctx, id)
	requireRC(t, err, "SharedKeyNotFound")
}

func TestSharedKeyCreate_Limit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.user("alice", 100)

	for range maxSharedKeys {
		_, err := h.sharedKeys.Create(ctx, "alice", SharedKeyInput{})
		require.NoError(t, err)
	}
	_, err := h.sharedKeys.Create(ctx, "alice", SharedKeyInput{})
	requireRC(t, err, "TooManySharedKeys")
}

func TestWorkerDelete_LockedWhileBusy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.user("alice", 100)
	h.user("gpu", 25, domain.RoleTrusted)
	h.user("bob", 25)
	h.submit("alice")

	res := h.pop(imagePoll("gpu", "gpu-box"))
	require.NotNil(t, res.Job)
	w, err := h.store.Workers().FindByName(ctx, "gpu-box")
	require.NoError(t, err)
	id := w.ID.String()

	requireRC(t, h.workers.Delete(ctx, "bob", id), "NotOwner")
	requireRC(t, h.workers.Delete(ctx, "gpu", id), "Locked")

	_, err = h.accounting.SubmitResult(ctx, deliver("gpu", res.Job))
	require.NoError(t, err)
	require.NoError(t, h.workers.Delete(ctx, "gpu", id))
	_, err = h.workers.Get(ctx, id)
	requireRC(t, err, "WorkerNotFound")
}

func TestWorkerUpdate_Rename(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.user("gpu", 25, domain.RoleTrusted)
	for _, name := range []string{"gpu-box", "other-box"} {
		require.Nil(t, h.pop(imagePoll("gpu", name)).Job)
	}
	w, err := h.store.Workers().FindByName(ctx, "gpu-box")
	require.NoError(t, err)
	id := w.ID.String()

	_, err = h.workers.Update(ctx, "gpu", id, WorkerUpdate{Name: ptr("other-box")})
	requireRC(t, err, "NameAlreadyExists")
	_, err = h.workers.Update(ctx, "gpu", id, WorkerUpdate{Name: ptr("darn-box")})
	requireRC(t, err, "Profanity")

	got, err := h.workers.Update(ctx, "gpu", id, WorkerUpdate{Name: ptr("renamed-box"), Info: ptr("two 3090s")})
	require.NoError(t, err)
	assert.Equal(t, "renamed-box", got.Name)
	assert.Equal(t, "two 3090s", got.Info)
}

func TestMonthlyGrant(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	mod := h.user("mod", 25, domain.RoleModerator)
	h.user("bob", 25)
	patron := &domain.User{
		Username:        "patron",
		OAuthID:         "test:patron",
		APIKeyHash:      domain.HashAPIKey("patron"),
		Kudos:           25,
		UsageMultiplier: 1,
		Concurrency:     30,
		MonthlyKudos:    500,
		CreatedAt:       epoch,
	}
	require.NoError(t, h.store.Users().Create(ctx, patron))

	granted, err := h.monthly.Grant(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, granted)
	assert.Equal(t, 525.0, h.reload(patron).Kudos)
	assert.Equal(t, 100025.0, h.reload(mod).Kudos)

	h.clock.Step(29 * 24 * time.Hour)
	granted, err = h.monthly.Grant(ctx)
	require.NoError(t, err)
	assert.Zero(t, granted)

	h.clock.Step(24 * time.Hour)
	granted, err = h.monthly.Grant(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, granted)
	assert.Equal(t, 1025.0, h.reload(patron).Kudos)
}

func TestStatusAndCancel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.user("alice", 100)
	h.user("gpu", 25, domain.RoleTrusted)
	id := h.submit("alice")

	st, err := h.status.Check(ctx, id.String(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Waiting)
	assert.Zero(t, st.QueuePosition)
	assert.False(t, st.Done)
	assert.False(t, st.IsPossible, "no worker is online")

	_, _, err = h.registry.CheckIn(ctx, imagePoll("gpu", "gpu-box").CheckInRequest)
	require.NoError(t, err)
	st, err = h.status.Check(ctx, id.String(), false)
	require.NoError(t, err)
	assert.True(t, st.IsPossible)

	st, err = h.status.Cancel(ctx, id.String())
	require.NoError(t, err)
	assert.True(t, st.Done)
	assert.Zero(t, st.Waiting)
	assert.Nil(t, h.pop(imagePoll("gpu", "gpu-box")).Job)

	_, err = h.status.Cancel(ctx, uuid.NewString())
	requireRC(t, err, "RequestNotFound")
	_, err = h.status.Check(ctx, "not-a-uuid", false)
	requireRC(t, err, "RequestNotFound")
}

func TestCancel_RunningSlotStillPays(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	alice := h.user("alice", 100)
	gpu := h.user("gpu", 25, domain.RoleTrusted)

	req := imageSubmit("alice")
	req.Params.N = 2
	res, err := h.intake.Submit(ctx, req)
	require.NoError(t, err)
	job := h.pop(imagePoll("gpu", "gpu-box")).Job
	require.NotNil(t, job)

	st, err := h.status.Cancel(ctx, res.ID.String())
	require.NoError(t, err)
	assert.False(t, st.Done)
	assert.Equal(t, 1, st.Processing)

	_, err = h.accounting.SubmitResult(ctx, deliver("gpu", job))
	require.NoError(t, err)
	assert.Equal(t, 31.0, h.reload(gpu).Kudos)
	assert.Equal(t, 94.0, h.reload(alice).Kudos)

	st, err = h.status.Check(ctx, res.ID.String(), true)
	require.NoError(t, err)
	assert.True(t, st.Done)
	assert.Len(t, st.Generations, 1)
}

func TestUpdateModes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.user("bob", 25)
	h.user("mod", 25, domain.RoleModerator)

	_, err := h.settings.UpdateModes(ctx, "bob", ModesUpdate{Raid: ptr(true)})
	requireRC(t, err, "NotModerator")

	st, err := h.settings.UpdateModes(ctx, "mod", ModesUpdate{Raid: ptr(true), InviteOnly: ptr(true)})
	require.NoError(t, err)
	assert.True(t, st.Raid)

	cur, err := h.settings.Current(ctx)
	require.NoError(t, err)
	assert.True(t, cur.Raid)
	assert.True(t, cur.InviteOnly)
	assert.False(t, cur.Maintenance)
}
