// internal/domain/stats.go
package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	WorkerPerformanceWindow = 20
	ModelPerformanceWindow  = 10
)

// Settings is the single row of global operating switches.
type Settings struct {
	ID          uint      `gorm:"column:id;primaryKey"`
	Maintenance bool      `gorm:"column:maintenance;not null"`
	InviteOnly  bool      `gorm:"column:invite_only;not null"`
	Raid        bool      `gorm:"column:raid;not null"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

func (Settings) TableName() string { return "settings" }

// WorkerPerformance is one things-per-second sample of a worker.
type WorkerPerformance struct {
	ID          uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	WorkerID    uuid.UUID `gorm:"column:worker_id;type:uuid;index;not null"`
	Performance float64   `gorm:"column:performance;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
}

func (WorkerPerformance) TableName() string { return "worker_performances" }

// ModelPerformance is one things-per-second sample of a model, used for ETAs.
type ModelPerformance struct {
	ID          uint64        `gorm:"column:id;primaryKey;autoIncrement"`
	Variant     WorkerVariant `gorm:"column:variant;size:20;index;not null"`
	Model       string        `gorm:"column:model;size:255;index;not null"`
	Performance float64       `gorm:"column:performance;not null"`
	CreatedAt   time.Time     `gorm:"column:created_at;index;not null"`
}

func (ModelPerformance) TableName() string { return "model_performances" }

// FulfillmentPerformance records delivered things for the recent-throughput figure.
type FulfillmentPerformance struct {
	ID        uint64        `gorm:"column:id;primaryKey;autoIncrement"`
	Variant   WorkerVariant `gorm:"column:variant;size:20;index;not null"`
	Things    float64       `gorm:"column:things;not null"`
	CreatedAt time.Time     `gorm:"column:created_at;index;not null"`
}

func (FulfillmentPerformance) TableName() string { return "fulfillment_performances" }

// QueueTotals summarises the pending work of one variant.
type QueueTotals struct {
	QueuedRequests int64
	QueuedThings   float64
}

// PerformanceReport backs the /status/performance endpoint.
type PerformanceReport struct {
	Variant           WorkerVariant
	QueuedRequests    int64
	QueuedThings      float64
	WorkerCount       int64
	ThreadCount       int64
	PastMinuteThings  float64
	PastMinuteFulfils int64
	Nodes             int
}
