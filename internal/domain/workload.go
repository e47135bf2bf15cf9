// internal/domain/workload.go
package domain

import (
	"math"
	"slices"
)

// Samplers that run two model evaluations per step.
var secondOrderSamplers = []string{
	"k_dpm_2", "k_dpm_2_a", "k_heun", "k_dpmpp_2s_a", "k_dpmpp_sde",
}

const (
	adaptiveSampler          = "k_dpm_adaptive"
	adaptiveSamplerSteps     = 40
	defaultDenoisingStrength = 0.8
)

// AccurateSteps is the effective step count an image request costs a worker.
func (wp *WaitingPrompt) AccurateSteps() float64 {
	if wp.Params.SamplerName == adaptiveSampler {
		return adaptiveSamplerSteps
	}
	steps := float64(wp.Params.Steps)
	if slices.Contains(secondOrderSamplers, wp.Params.SamplerName) {
		steps *= 2
	}
	if wp.SourceImage != "" && wp.SourceProcessing == SourceProcessingImg2Img {
		ds := wp.Params.DenoisingStrength
		if ds == 0 {
			ds = defaultDenoisingStrength
		}
		steps *= ds
	}
	return steps
}

// ComputeThings returns the work units of one slot.
func (wp *WaitingPrompt) ComputeThings() float64 {
	switch wp.Variant {
	case VariantImage:
		return float64(wp.Pixels()) * wp.AccurateSteps()
	case VariantText:
		return float64(wp.Params.MaxLength)
	default:
		return float64(len(wp.Params.Forms))
	}
}

// ComputeJobTTL returns the seconds a worker may hold one slot before it is aborted.
func (wp *WaitingPrompt) ComputeJobTTL() int {
	switch wp.Variant {
	case VariantImage:
		ttl := 150
		switch px := wp.Pixels(); {
		case px > 2048*2048:
			ttl = 800
		case px > 1024*1024:
			ttl = 400
		case px > 728*728:
			ttl = 260
		}
		steps := wp.AccurateSteps()
		if steps >= 200 {
			ttl *= 3
		} else if steps >= 100 {
			ttl *= 2
		}
		if wp.Params.ControlType != "" {
			ttl *= 3
		}
		return ttl
	case VariantText:
		if wp.Params.MaxLength > 512 {
			return 300
		}
		return 150
	default:
		return 150
	}
}

// RequiresUpfront reports whether the request is heavy enough, given the
// current queue and worker threads, that its owner must hold the kudos before
// it is admitted. It also returns the size limit in effect (pixels per side
// for images, tokens for text).
func (wp *WaitingPrompt) RequiresUpfront(queuedRequests int64, threads int64) (bool, int) {
	switch wp.Variant {
	case VariantImage:
		maxRes := 1024 + int(threads)*10 - int(math.Round(float64(queuedRequests)*0.9))
		if !wp.SlowWorkers {
			return true, maxRes
		}
		maxRes = min(max(maxRes, 576), 1024)
		steps := wp.AccurateSteps()
		switch {
		case wp.Params.SamplerName == "lcm" && steps > 10:
			return true, maxRes
		case steps > 50:
			return true, maxRes
		case wp.Pixels() > maxRes*maxRes:
			return true, maxRes
		case wp.Params.ControlType != "" && steps > 20:
			return true, maxRes
		}
		return false, maxRes
	case VariantText:
		maxTokens := 512 + int(threads)*5 - int(math.Round(float64(queuedRequests)*0.9))
		if !wp.SlowWorkers {
			return true, maxTokens
		}
		maxTokens = min(max(maxTokens, 256), 512)
		return wp.Params.MaxLength > maxTokens, maxTokens
	default:
		return false, 0
	}
}
