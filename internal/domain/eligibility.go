// internal/domain/eligibility.go
package domain

import (
	"slices"
	"strings"
)

// Skip reasons reported to polling workers.
const (
	SkipMaintenance      = "maintenance"
	SkipWorkerID         = "worker_id"
	SkipPerformance      = "performance"
	SkipNSFW             = "nsfw"
	SkipBlacklist        = "blacklist"
	SkipUntrusted        = "untrusted"
	SkipModels           = "models"
	SkipMaxPixels        = "max_pixels"
	SkipMaxLength        = "max_length"
	SkipMaxContextLength = "max_context_length"
	SkipUnsafeIP         = "unsafe_ip"
	SkipImg2Img          = "img2img"
	SkipPainting         = "painting"
	SkipPostProcessing   = "post-processing"
	SkipLora             = "lora"
	SkipControlNet       = "controlnet"
	SkipForms            = "forms"
	SkipKudos            = "kudos"
	// SkipSecret hides countermeasures; it is counted but never reported.
	SkipSecret = "secret"
)

// Slow-worker thresholds in things per second.
const (
	slowImageSpeed = 500_000
	slowTextSpeed  = 2
)

// DispatchEnv is the per-poll context the eligibility predicate needs beyond the rows themselves.
type DispatchEnv struct {
	Raid bool
	// Prioritized holds the owner ids the polling worker asked to serve first.
	Prioritized map[uint64]bool
	// Speed is the worker's average things per second, zero when unknown.
	Speed float64
}

// CanGenerate decides whether worker, owned by owner, may take a slot of wp
// submitted by wpUser. On refusal it returns the skip reason.
func CanGenerate(worker *Worker, owner *User, wp *WaitingPrompt, wpUser *User, env DispatchEnv) (bool, string) {
	sameOwner := worker.UserID == wp.UserID
	if worker.Maintenance && !sameOwner {
		return false, SkipMaintenance
	}
	if env.Raid && !worker.SafeIP && !owner.Trusted() {
		return false, SkipSecret
	}
	if !wp.AllowsWorker(worker.ID) {
		return false, SkipWorkerID
	}
	if wp.Tricked(worker.ID) {
		return false, SkipSecret
	}
	if wp.NSFW && !worker.NSFW {
		return false, SkipNSFW
	}
	if wp.TrustedWorkers && !owner.Trusted() {
		return false, SkipUntrusted
	}
	// untrusted workers never see VPN traffic from untrusted users
	if !owner.Trusted() && !wp.SafeIP && !wpUser.Trusted() {
		return false, SkipUntrusted
	}
	if hasBlacklistedWord(worker.Blacklist, wp.Prompt) {
		return false, SkipBlacklist
	}
	if len(wp.Models) > 0 && !slices.ContainsFunc(wp.Models, worker.HasModel) {
		return false, SkipModels
	}
	if !wp.SlowWorkers && env.Speed > 0 && env.Speed < slowSpeed(worker.Variant) {
		return false, SkipPerformance
	}

	switch worker.Variant {
	case VariantImage:
		if ok, reason := canGenerateImage(worker, wp); !ok {
			return false, reason
		}
	case VariantText:
		if worker.MaxContextLength < wp.Params.MaxContextLength {
			return false, SkipMaxContextLength
		}
		if worker.MaxLength < wp.Params.MaxLength {
			return false, SkipMaxLength
		}
	case VariantInterrogation:
		for _, f := range wp.Params.Forms {
			if !slices.Contains(worker.Forms, f) {
				return false, SkipForms
			}
		}
	}

	if worker.RequireUpfrontKudos && !wpUser.Trusted() && !env.Prioritized[wpUser.ID] {
		if wpUser.SpendableKudos() < wp.Kudos {
			return false, SkipKudos
		}
	}
	return true, ""
}

func canGenerateImage(worker *Worker, wp *WaitingPrompt) (bool, string) {
	if worker.MaxPixels < wp.Pixels() {
		return false, SkipMaxPixels
	}
	if !wp.SafeIP && !worker.AllowUnsafeIPAddr {
		return false, SkipUnsafeIP
	}
	if wp.SourceImage != "" && !worker.AllowImg2Img {
		return false, SkipImg2Img
	}
	if (wp.SourceProcessing == SourceProcessingInpainting || wp.SourceProcessing == SourceProcessingOutpainting) && !worker.AllowPainting {
		return false, SkipPainting
	}
	if len(wp.Params.PostProcessing) > 0 && !worker.AllowPostProcessing {
		return false, SkipPostProcessing
	}
	if len(wp.Params.Loras) > 0 && !worker.AllowLora {
		return false, SkipLora
	}
	if wp.Params.ControlType != "" && !worker.AllowControlNet {
		return false, SkipControlNet
	}
	return true, ""
}

func slowSpeed(v WorkerVariant) float64 {
	switch v {
	case VariantImage:
		return slowImageSpeed
	case VariantText:
		return slowTextSpeed
	default:
		return 0
	}
}

func hasBlacklistedWord(words []string, prompt string) bool {
	if len(words) == 0 {
		return false
	}
	lower := strings.ToLower(prompt)
	for _, w := range words {
		if w != "" && strings.Contains(lower, strings.ToLower(w)) {
			return true
		}
	}
	return false
}

// SkipHistogram counts skip reasons of one poll.
type SkipHistogram map[string]int

func (h SkipHistogram) Add(reason string) { h[reason]++ }

// Public drops the reasons workers must not learn about.
func (h SkipHistogram) Public() map[string]int {
	out := make(map[string]int, len(h))
	for k, v := range h {
		if k == SkipSecret {
			continue
		}
		out[k] = v
	}
	return out
}
