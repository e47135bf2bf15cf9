// internal/domain/workload_test.go
package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func imageWP(w, h, steps int) *WaitingPrompt {
	return &WaitingPrompt{
		Variant:     VariantImage,
		SlowWorkers: true,
		Params:      GenerationParams{Width: w, Height: h, Steps: steps, SamplerName: "k_euler_a"},
	}
}

func TestComputeJobTTL(t *testing.T) {
	tests := []struct {
		name string
		wp   *WaitingPrompt
		want int
	}{
		{"small image", imageWP(512, 512, 30), 150},
		{"above 728 square", imageWP(768, 768, 30), 260},
		{"above 1024 square", imageWP(1088, 1024, 30), 400},
		{"above 2048 square", imageWP(2112, 2048, 30), 800},
		{"many steps", imageWP(512, 512, 120), 300},
		{"very many steps", imageWP(512, 512, 250), 450},
		{"short text", &WaitingPrompt{Variant: VariantText, Params: GenerationParams{MaxLength: 80}}, 150},
		{"long text", &WaitingPrompt{Variant: VariantText, Params: GenerationParams{MaxLength: 600}}, 300},
		{"interrogation", &WaitingPrompt{Variant: VariantInterrogation}, 150},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.wp.ComputeJobTTL())
		})
	}

	cn := imageWP(512, 512, 30)
	cn.Params.ControlType = "canny"
	assert.Equal(t, 450, cn.ComputeJobTTL())
}

func TestAccurateSteps(t *testing.T) {
	wp := imageWP(512, 512, 30)
	assert.Equal(t, 30.0, wp.AccurateSteps())

	wp.Params.SamplerName = "k_heun"
	assert.Equal(t, 60.0, wp.AccurateSteps())

	wp.Params.SamplerName = "k_dpm_adaptive"
	assert.Equal(t, 40.0, wp.AccurateSteps())

	wp.Params.SamplerName = "k_euler"
	wp.SourceImage = "https://blobs.example/src.webp"
	wp.SourceProcessing = SourceProcessingImg2Img
	assert.InDelta(t, 24.0, wp.AccurateSteps(), 1e-9)
}

func TestRequiresUpfront(t *testing.T) {
	needs, _ := imageWP(512, 512, 30).RequiresUpfront(0, 10)
	assert.False(t, needs)

	needs, _ = imageWP(512, 512, 60).RequiresUpfront(0, 10)
	assert.True(t, needs, "more than 50 steps")

	needs, maxRes := imageWP(1024, 1024, 30).RequiresUpfront(600, 0)
	assert.True(t, needs)
	assert.Equal(t, 576, maxRes, "a long queue shrinks the free resolution to its floor")

	fast := imageWP(512, 512, 30)
	fast.SlowWorkers = false
	needs, _ = fast.RequiresUpfront(0, 10)
	assert.True(t, needs, "excluding slow workers always costs upfront")

	text := &WaitingPrompt{Variant: VariantText, SlowWorkers: true, Params: GenerationParams{MaxLength: 400}}
	needs, _ = text.RequiresUpfront(0, 0)
	assert.False(t, needs)
	text.Params.MaxLength = 600
	needs, _ = text.RequiresUpfront(0, 0)
	assert.True(t, needs)
}
