// internal/domain/processing_gen.go
package domain

import (
	"time"

	"github.com/google/uuid"
)

// GenState is the lifecycle state of a dispatched slot.
type GenState string

const (
	GenStateProcessing GenState = "processing"
	GenStateOK         GenState = "ok"
	GenStateCensored   GenState = "censored"
	GenStateCancelled  GenState = "cancelled"
	GenStateFaulted    GenState = "faulted"
)

func (s GenState) IsTerminal() bool { return s != GenStateProcessing }

// Delivered reports whether the slot produced a result the client can see.
func (s GenState) Delivered() bool {
	return s == GenStateOK || s == GenStateCensored
}

// ProcessingGen is one slot of a WaitingPrompt assigned to one worker.
type ProcessingGen struct {
	ID         uuid.UUID  `gorm:"column:id;type:uuid;primaryKey"`
	WPID       uuid.UUID  `gorm:"column:wp_id;type:uuid;not null;uniqueIndex:idx_pg_wp_slot,priority:1"`
	WorkerID   uuid.UUID  `gorm:"column:worker_id;type:uuid;index;not null"`
	Slot       *int       `gorm:"column:slot;uniqueIndex:idx_pg_wp_slot,priority:2"`
	Model      string     `gorm:"column:model;size:255"`
	State      GenState   `gorm:"column:state;size:20;index;not null"`
	Fake       bool       `gorm:"column:fake;not null"`
	Generation *string    `gorm:"column:generation;type:text"`
	Seed       *int64     `gorm:"column:seed"`
	Kudos      *float64   `gorm:"column:kudos"`
	Aborted    bool       `gorm:"column:aborted;not null"`
	StartTime  time.Time  `gorm:"column:start_time;not null"`
	FinishedAt *time.Time `gorm:"column:finished_at"`
}

func (ProcessingGen) TableName() string { return "processing_gens" }

// IsStale reports whether a still-processing slot has exceeded its request's job TTL.
func (pg *ProcessingGen) IsStale(now time.Time, jobTTL int) bool {
	if pg.State.IsTerminal() {
		return false
	}
	return now.Sub(pg.StartTime) > time.Duration(jobTTL)*time.Second
}

// GenTerminal is the outcome written when a slot leaves processing.
type GenTerminal struct {
	State      GenState
	Generation *string
	Seed       *int64
	Kudos      *float64
	Aborted    bool
	FinishedAt time.Time
}
