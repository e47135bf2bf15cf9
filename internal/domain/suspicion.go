// internal/domain/suspicion.go
package domain

import "time"

// SuspicionReason identifies why a subject was flagged.
type SuspicionReason int

const (
	SuspicionWorkerNameLong SuspicionReason = iota
	SuspicionWorkerNameExtreme
	SuspicionWorkerProfanity
	SuspicionUnsafeIP
	SuspicionExtremeMaxPixels
	SuspicionUnreasonablyFast
	SuspicionUsernameLong
	SuspicionUsernameProfanity
	SuspicionCorruptPrompt
	SuspicionTooManyJobsAborted
)

var suspicionLogs = map[SuspicionReason]string{
	SuspicionWorkerNameLong:     "worker name too long",
	SuspicionWorkerNameExtreme:  "worker name extremely long",
	SuspicionWorkerProfanity:    "profanity in worker name",
	SuspicionUnsafeIP:           "worker using unsafe IP",
	SuspicionExtremeMaxPixels:   "worker claiming it can generate too many pixels",
	SuspicionUnreasonablyFast:   "generation unreasonably fast",
	SuspicionUsernameLong:       "username too long",
	SuspicionUsernameProfanity:  "profanity in username",
	SuspicionCorruptPrompt:      "corrupt prompt detected",
	SuspicionTooManyJobsAborted: "too many jobs aborted in a short amount of time",
}

func (r SuspicionReason) String() string {
	if s, ok := suspicionLogs[r]; ok {
		return s
	}
	return "unknown"
}

// Repeatable reasons are counted every time; all others count once per subject.
func (r SuspicionReason) Repeatable() bool {
	return r == SuspicionUnreasonablyFast || r == SuspicionTooManyJobsAborted
}

// SubjectKind says whether a suspicion belongs to a user or a worker.
type SubjectKind string

const (
	SubjectUser   SubjectKind = "user"
	SubjectWorker SubjectKind = "worker"
)

// Suspicion is a single recorded reason for distrust.
type Suspicion struct {
	ID          uint64          `gorm:"column:id;primaryKey;autoIncrement"`
	SubjectKind SubjectKind     `gorm:"column:subject_kind;size:10;index:idx_suspicion_subject,priority:1;not null"`
	SubjectID   string          `gorm:"column:subject_id;size:64;index:idx_suspicion_subject,priority:2;not null"`
	Reason      SuspicionReason `gorm:"column:reason;not null"`
	CreatedAt   time.Time       `gorm:"column:created_at;not null"`
}

func (Suspicion) TableName() string { return "suspicions" }
