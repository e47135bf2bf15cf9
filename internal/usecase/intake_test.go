// internal/usecase/intake_test.go
package usecase

import (
	"context"
	"testing"

	"inference-horde/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit_AdmitsRequest(t *testing.T) {
	h := newHarness(t)
	h.user("alice", 100)

	res, err := h.intake.Submit(context.Background(), imageSubmit("alice"))
	require.NoError(t, err)
	// 512x512 at 30 steps is six 512x512x5 units
	assert.Equal(t, 6.0, res.Kudos)

	wp := h.wp(res.ID)
	assert.Equal(t, 1, wp.N)
	assert.True(t, wp.Active)
	assert.True(t, wp.SafeIP)
	assert.Equal(t, 150, wp.JobTTL)
	assert.Equal(t, epoch.Add(domain.DefaultWaitingPromptTTL), wp.Expiry.UTC())
}

func TestSubmit_Validation(t *testing.T) {
	h := newHarness(t)
	h.user("alice", 100)

	tests := []struct {
		name   string
		mutate func(*SubmitRequest)
		rc     string
	}{
		{"unknown api key", func(r *SubmitRequest) { r.APIKey = "nobody" }, "InvalidAPIKey"},
		{"empty prompt", func(r *SubmitRequest) { r.Prompt = "" }, "MissingPrompt"},
		{"size not a multiple of 64", func(r *SubmitRequest) { r.Params.Width = 500 }, "InvalidSize"},
		{"too many steps", func(r *SubmitRequest) { r.Params.Steps = 501 }, "TooManySteps"},
		{"unknown worker", func(r *SubmitRequest) { r.Workers = []string{"8f1c3a52-55b4-4e55-9a55-7f1bba3b6c11"} }, "WorkerNotFound"},
		{"corrupt prompt", func(r *SubmitRequest) { r.Prompt = "a corrupt thing" }, "CorruptPrompt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := imageSubmit("alice")
			tt.mutate(&req)
			_, err := h.intake.Submit(context.Background(), req)
			requireRC(t, err, tt.rc)
		})
	}

	ids, err := h.store.WaitingPrompts().ListIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids, "rejected requests leave no trace")
}

func TestSubmit_CorruptPromptTimesOutIP(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.user("alice", 100)

	req := imageSubmit("alice")
	req.Prompt = "corrupt"
	req.IPAddr = "203.0.113.7"
	_, err := h.intake.Submit(ctx, req)
	requireRC(t, err, "CorruptPrompt")

	req = imageSubmit("alice")
	req.IPAddr = "203.0.113.7"
	_, err = h.intake.Submit(ctx, req)
	requireRC(t, err, "TimeoutIP")

	// other addresses are unaffected
	req.IPAddr = "203.0.113.8"
	_, err = h.intake.Submit(ctx, req)
	require.NoError(t, err)
}

func TestSubmit_Maintenance(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.user("alice", 100)
	h.user("mod", 0, domain.RoleModerator)

	on := true
	_, err := h.settings.UpdateModes(ctx, "alice", ModesUpdate{Maintenance: &on})
	requireRC(t, err, "NotModerator")

	_, err = h.settings.UpdateModes(ctx, "mod", ModesUpdate{Maintenance: &on})
	require.NoError(t, err)
	_, err = h.intake.Submit(ctx, imageSubmit("alice"))
	requireRC(t, err, "MaintenanceMode")
}

func TestSubmit_ConcurrencyCountsSlots(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.user("alice", 1000)

	req := imageSubmit("alice")
	req.Params.N = 20
	_, err := h.intake.Submit(ctx, req)
	require.NoError(t, err)

	req.Params.N = 10
	_, err = h.intake.Submit(ctx, req)
	require.NoError(t, err)

	// 30 undispatched slots already waiting
	_, err = h.intake.Submit(ctx, imageSubmit("alice"))
	requireRC(t, err, "TooManyPrompts")
}

func TestSubmit_UpfrontKudos(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.user("poor", 5)
	h.user("rich", 100)

	req := imageSubmit("poor")
	req.Params.Steps = 60
	_, err := h.intake.Submit(ctx, req)
	requireRC(t, err, "KudosUpfront")

	req.APIKey = "rich"
	res, err := h.intake.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 12.0, res.Kudos)

	// light requests never need kudos upfront
	_, err = h.intake.Submit(ctx, imageSubmit("poor"))
	require.NoError(t, err)
}

func TestSubmit_DryRunPersistsNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.user("alice", 0)

	req := imageSubmit("alice")
	req.DryRun = true
	req.Params.N = 4
	res, err := h.intake.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 24.0, res.Kudos)
	assert.Zero(t, res.ID)

	again, err := h.intake.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, res.Kudos, again.Kudos)

	ids, err := h.store.WaitingPrompts().ListIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSubmit_SharedKeyLimits(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.user("owner", 500)

	key, err := h.sharedKeys.Create(ctx, "owner", SharedKeyInput{Name: ptr("bot"), Kudos: ptr(10.0), MaxImageSteps: ptr(20)})
	require.NoError(t, err)

	req := imageSubmit(key.ID.String())
	_, err = h.intake.Submit(ctx, req)
	requireRC(t, err, "SharedKeyStepLimit")

	req.Params.Steps = 20
	res, err := h.intake.Submit(ctx, req)
	require.NoError(t, err)
	wp := h.wp(res.ID)
	require.NotNil(t, wp.SharedKeyID)
	assert.Equal(t, key.ID, *wp.SharedKeyID)

	req.Params.N = 3
	_, err = h.intake.Submit(ctx, req)
	requireRC(t, err, "SharedKeyEmpty")
}
