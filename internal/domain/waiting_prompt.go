// internal/domain/waiting_prompt.go
package domain

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// SourceProcessing describes what a worker must do with a request's source image.
type SourceProcessing string

const (
	SourceProcessingNone        SourceProcessing = ""
	SourceProcessingImg2Img     SourceProcessing = "img2img"
	SourceProcessingInpainting  SourceProcessing = "inpainting"
	SourceProcessingOutpainting SourceProcessing = "outpainting"
)

// Interrogation forms a worker may declare and a request may ask for.
const (
	FormCaption       = "caption"
	FormInterrogation = "interrogation"
	FormNSFW          = "nsfw"
)

var InterrogationForms = []string{FormCaption, FormInterrogation, FormNSFW}

// Lora is an extra network applied on top of the base image model.
type Lora struct {
	Name  string  `json:"name"`
	Model float64 `json:"model,omitempty"`
	Clip  float64 `json:"clip,omitempty"`
}

// GenerationParams holds the variant-specific knobs of a request. Fields that do
// not apply to the request's variant stay zero.
type GenerationParams struct {
	N int `json:"n,omitempty"`

	Width             int      `json:"width,omitempty"`
	Height            int      `json:"height,omitempty"`
	Steps             int      `json:"steps,omitempty"`
	CfgScale          float64  `json:"cfg_scale,omitempty"`
	SamplerName       string   `json:"sampler_name,omitempty"`
	Seed              string   `json:"seed,omitempty"`
	Karras            bool     `json:"karras,omitempty"`
	HiresFix          bool     `json:"hires_fix,omitempty"`
	ClipSkip          int      `json:"clip_skip,omitempty"`
	DenoisingStrength float64  `json:"denoising_strength,omitempty"`
	PostProcessing    []string `json:"post_processing,omitempty"`
	ControlType       string   `json:"control_type,omitempty"`
	Loras             []Lora   `json:"loras,omitempty"`

	MaxLength        int     `json:"max_length,omitempty"`
	MaxContextLength int     `json:"max_context_length,omitempty"`
	Temperature      float64 `json:"temperature,omitempty"`
	TopP             float64 `json:"top_p,omitempty"`
	TopK             int     `json:"top_k,omitempty"`
	RepPen           float64 `json:"rep_pen,omitempty"`

	Forms []string `json:"forms,omitempty"`
}

// DefaultWaitingPromptTTL is how long a request stays alive after its last activity.
const DefaultWaitingPromptTTL = 1200 * time.Second

// FaultThreshold is the number of faulted slots after which a request is abandoned.
const FaultThreshold = 3

// WaitingPrompt is a queued user request that may need several dispatched slots.
type WaitingPrompt struct {
	ID               uuid.UUID        `gorm:"column:id;type:uuid;primaryKey"`
	Variant          WorkerVariant    `gorm:"column:variant;size:20;index;not null"`
	UserID           uint64           `gorm:"column:user_id;index;not null"`
	SharedKeyID      *uuid.UUID       `gorm:"column:sharedkey_id;type:uuid"`
	Prompt           string           `gorm:"column:prompt;type:text;not null"`
	Params           GenerationParams `gorm:"column:params;serializer:json;type:text"`
	SourceImage      string           `gorm:"column:source_image;type:text"`
	SourceProcessing SourceProcessing `gorm:"column:source_processing;size:20"`
	N                int              `gorm:"column:n;not null"`
	Jobs             int              `gorm:"column:jobs;not null"`
	Things           float64          `gorm:"column:things;not null"`
	TotalUsage       float64          `gorm:"column:total_usage;not null"`
	Kudos            float64          `gorm:"column:kudos;not null"`
	ConsumedKudos    float64          `gorm:"column:consumed_kudos;not null"`
	NSFW             bool             `gorm:"column:nsfw;not null"`
	CensorNSFW       bool             `gorm:"column:censor_nsfw;not null"`
	TrustedWorkers   bool             `gorm:"column:trusted_workers;not null"`
	SlowWorkers      bool             `gorm:"column:slow_workers;not null"`
	WorkerBlacklist  bool             `gorm:"column:worker_blacklist;not null"`
	Faulted          bool             `gorm:"column:faulted;index;not null"`
	Active           bool             `gorm:"column:active;index;not null"`
	ExtraPriority    int64            `gorm:"column:extra_priority;index;not null"`
	JobTTL           int              `gorm:"column:job_ttl;not null"`
	ClientAgent      string           `gorm:"column:client_agent;size:255"`
	IPAddr           string           `gorm:"column:ipaddr;size:64"`
	SafeIP           bool             `gorm:"column:safe_ip;not null"`
	CreatedAt        time.Time        `gorm:"column:created_at;index;not null"`
	Expiry           time.Time        `gorm:"column:expiry;index;not null"`

	Models         []string    `gorm:"-"`
	Workers        []uuid.UUID `gorm:"-"`
	TrickedWorkers []uuid.UUID `gorm:"-"`
}

func (WaitingPrompt) TableName() string { return "waiting_prompts" }

func (wp *WaitingPrompt) NeedsGen() bool { return wp.N > 0 }

func (wp *WaitingPrompt) IsExpired(now time.Time) bool { return !wp.Expiry.After(now) }

func (wp *WaitingPrompt) HasModel(model string) bool {
	return slices.Contains(wp.Models, model)
}

// AllowsWorker applies the allowed-worker list under worker_blacklist semantics.
func (wp *WaitingPrompt) AllowsWorker(id uuid.UUID) bool {
	if len(wp.Workers) == 0 {
		return true
	}
	listed := slices.Contains(wp.Workers, id)
	if wp.WorkerBlacklist {
		return !listed
	}
	return listed
}

func (wp *WaitingPrompt) Tricked(workerID uuid.UUID) bool {
	return slices.Contains(wp.TrickedWorkers, workerID)
}

// Pixels is the output resolution of an image request.
func (wp *WaitingPrompt) Pixels() int {
	return wp.Params.Width * wp.Params.Height
}

// WPModel, WPAllowedWorker and WPTrickedWorker are the request child tables.
type WPModel struct {
	WPID  uuid.UUID `gorm:"column:wp_id;type:uuid;primaryKey"`
	Model string    `gorm:"column:model;size:255;primaryKey"`
}

func (WPModel) TableName() string { return "wp_models" }

type WPAllowedWorker struct {
	WPID     uuid.UUID `gorm:"column:wp_id;type:uuid;primaryKey"`
	WorkerID uuid.UUID `gorm:"column:worker_id;type:uuid;primaryKey"`
}

func (WPAllowedWorker) TableName() string { return "wp_allowed_workers" }

type WPTrickedWorker struct {
	WPID     uuid.UUID `gorm:"column:wp_id;type:uuid;primaryKey"`
	WorkerID uuid.UUID `gorm:"column:worker_id;type:uuid;primaryKey"`
}

func (WPTrickedWorker) TableName() string { return "wp_tricked_workers" }

// RequestStatus is the externally visible progress of a request.
type RequestStatus struct {
	Variant       WorkerVariant
	Finished      int
	Processing    int
	Restarted     int
	Waiting       int
	Done          bool
	Faulted       bool
	QueuePosition int
	WaitTime      int
	Kudos         float64
	IsPossible    bool
	Generations   []GenerationResult
}

// GenerationResult is one delivered slot as shown in a full status.
type GenerationResult struct {
	ID         uuid.UUID
	WorkerID   uuid.UUID
	WorkerName string
	Model      string
	Generation string
	Seed       string
	State      GenState
	Kudos      float64
	FinishedAt *time.Time
}
