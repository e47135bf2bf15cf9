// internal/domain/worker.go
package domain

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// WorkerVariant tags both workers and the requests they can serve.
type WorkerVariant string

const (
	VariantImage         WorkerVariant = "image"
	VariantText          WorkerVariant = "text"
	VariantInterrogation WorkerVariant = "interrogation"
)

var Variants = []WorkerVariant{VariantImage, VariantText, VariantInterrogation}

func (v WorkerVariant) Validate() error {
	if !slices.Contains(Variants, v) {
		return fmt.Errorf("invalid worker variant: %s", v)
	}
	return nil
}

// ThingDivisor converts raw things into the unit shown to users (megapixelsteps for images).
func (v WorkerVariant) ThingDivisor() float64 {
	if v == VariantImage {
		return 1_000_000
	}
	return 1
}

// SuspiciousSpeed is the things-per-second rate (after the divisor) above which a
// delivery is considered faked. Zero disables the check.
func (v WorkerVariant) SuspiciousSpeed() float64 {
	switch v {
	case VariantImage:
		return 20
	case VariantText:
		return 150
	default:
		return 0
	}
}

const (
	StaleWorkerTTL           = 300 * time.Second
	WorkerSuspicionThreshold = 3
	// UptimeRewardWindow is the continuous uptime needed between uptime rewards.
	UptimeRewardWindow int64 = 600
)

// Worker is a volunteer process that polls for work under a user's account.
type Worker struct {
	ID                  uuid.UUID     `gorm:"column:id;type:uuid;primaryKey"`
	Name                string        `gorm:"column:name;size:100;uniqueIndex;not null"`
	Variant             WorkerVariant `gorm:"column:variant;size:20;index;not null"`
	UserID              uint64        `gorm:"column:user_id;index;not null"`
	Info                string        `gorm:"column:info;size:1000"`
	NSFW                bool          `gorm:"column:nsfw;not null"`
	MaxPixels           int           `gorm:"column:max_pixels;not null"`
	MaxLength           int           `gorm:"column:max_length;not null"`
	MaxContextLength    int           `gorm:"column:max_context_length;not null"`
	Threads             int           `gorm:"column:threads;not null"`
	AllowImg2Img        bool          `gorm:"column:allow_img2img;not null"`
	AllowPainting       bool          `gorm:"column:allow_painting;not null"`
	AllowControlNet     bool          `gorm:"column:allow_controlnet;not null"`
	AllowPostProcessing bool          `gorm:"column:allow_post_processing;not null"`
	AllowLora           bool          `gorm:"column:allow_lora;not null"`
	AllowUnsafeIPAddr   bool          `gorm:"column:allow_unsafe_ipaddr;not null"`
	RequireUpfrontKudos bool          `gorm:"column:require_upfront_kudos;not null"`
	BridgeAgent         string        `gorm:"column:bridge_agent;size:255"`
	LastCheckIn         time.Time     `gorm:"column:last_check_in;index;not null"`
	Paused              bool          `gorm:"column:paused;not null"`
	Maintenance         bool          `gorm:"column:maintenance;not null"`
	MaintenanceMsg      string        `gorm:"column:maintenance_msg;size:255"`
	Uptime              int64         `gorm:"column:uptime;not null"`
	LastRewardUptime    int64         `gorm:"column:last_reward_uptime;not null"`
	Kudos               float64       `gorm:"column:kudos;not null"`
	Fulfilments         int           `gorm:"column:fulfilments;not null"`
	ContributedThings   float64       `gorm:"column:contributed_things;not null"`
	AbortedJobs         int           `gorm:"column:aborted_jobs;not null"`
	UncompletedJobs     int           `gorm:"column:uncompleted_jobs;not null"`
	LastAbortedJob      *time.Time    `gorm:"column:last_aborted_job"`
	IPAddr              string        `gorm:"column:ipaddr;size:64;index"`
	SafeIP              bool          `gorm:"column:safe_ip;not null"`
	CreatedAt           time.Time     `gorm:"column:created_at;not null"`

	Models    []string `gorm:"-"`
	Blacklist []string `gorm:"-"`
	Forms     []string `gorm:"-"`
	Suspicion int      `gorm:"-"`
}

func (w *Worker) IsStale(now time.Time) bool {
	return now.Sub(w.LastCheckIn) > StaleWorkerTTL
}

func (w *Worker) IsSuspicious() bool {
	return w.Suspicion >= WorkerSuspicionThreshold
}

// EffectivelyPaused folds in the conditions that silently pause a worker.
func (w *Worker) EffectivelyPaused(owner *User) bool {
	return w.Paused || w.IsSuspicious() || (owner != nil && owner.Flagged())
}

func (w *Worker) HasModel(model string) bool {
	return slices.Contains(w.Models, model)
}

// WorkerModel, WorkerBlacklistWord and WorkerForm are the worker child tables.
type WorkerModel struct {
	WorkerID uuid.UUID `gorm:"column:worker_id;type:uuid;primaryKey"`
	Model    string    `gorm:"column:model;size:255;primaryKey"`
}

func (WorkerModel) TableName() string { return "worker_models" }

type WorkerBlacklistWord struct {
	WorkerID uuid.UUID `gorm:"column:worker_id;type:uuid;primaryKey"`
	Word     string    `gorm:"column:word;size:255;primaryKey"`
}

func (WorkerBlacklistWord) TableName() string { return "worker_blacklists" }

type WorkerForm struct {
	WorkerID uuid.UUID `gorm:"column:worker_id;type:uuid;primaryKey"`
	Form     string    `gorm:"column:form;size:50;primaryKey"`
}

func (WorkerForm) TableName() string { return "worker_forms" }
