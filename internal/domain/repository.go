// internal/domain/repository.go
package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TxManager runs fn inside a store transaction carried by the returned context.
// Repository calls made with that context join the transaction.
type TxManager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Store groups every repository behind one transactional boundary.
type Store interface {
	TxManager
	Users() UserRepository
	SharedKeys() SharedKeyRepository
	Workers() WorkerRepository
	WaitingPrompts() WaitingPromptRepository
	Generations() ProcessingGenRepository
	Suspicions() SuspicionRepository
	Stats() StatsRepository
	Settings() SettingsRepository
}

type UserRepository interface {
	Create(ctx context.Context, user *User) error
	Get(ctx context.Context, id uint64) (*User, error)
	// GetForUpdate row-locks the user for the rest of the transaction.
	GetForUpdate(ctx context.Context, id uint64) (*User, error)
	FindByAPIKeyHash(ctx context.Context, hash string) (*User, error)
	ListByIDs(ctx context.Context, ids []uint64) ([]*User, error)
	ListMonthlyRecipients(ctx context.Context) ([]*User, error)
	// AddKudos applies delta and clamps the result at floor.
	AddKudos(ctx context.Context, id uint64, delta, floor float64) error
	AddEvaluatingKudos(ctx context.Context, id uint64, delta float64) error
	RecordUsage(ctx context.Context, id uint64, things float64, now time.Time) error
	RecordContribution(ctx context.Context, id uint64, things float64, now time.Time) error
	SetMonthlyReceived(ctx context.Context, id uint64, at time.Time) error
	SetRole(ctx context.Context, id uint64, role UserRole, enabled bool) error
	// ReleaseEvaluation moves all evaluating kudos into the balance.
	ReleaseEvaluation(ctx context.Context, id uint64) (float64, error)
}

type SharedKeyRepository interface {
	Create(ctx context.Context, key *SharedKey) error
	Get(ctx context.Context, id uuid.UUID) (*SharedKey, error)
	Update(ctx context.Context, key *SharedKey) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByUser(ctx context.Context, userID uint64) ([]*SharedKey, error)
	// Consume records utilization and debits finite quotas.
	Consume(ctx context.Context, id uuid.UUID, kudos float64) error
}

type WorkerRepository interface {
	Create(ctx context.Context, worker *Worker) error
	Get(ctx context.Context, id uuid.UUID) (*Worker, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Worker, error)
	FindByName(ctx context.Context, name string) (*Worker, error)
	// Update saves the row and replaces the child sets.
	Update(ctx context.Context, worker *Worker) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, variant WorkerVariant) ([]*Worker, error)
	ListOnline(ctx context.Context, variant WorkerVariant, since time.Time) ([]*Worker, error)
	CountByUser(ctx context.Context, userID uint64) (int64, error)
	CountByUserAndIP(ctx context.Context, userID uint64, ip string) (int64, error)
	RecordFulfilment(ctx context.Context, id uuid.UUID, kudos, things float64) error
	AddKudos(ctx context.Context, id uuid.UUID, kudos float64) error
	AddPerformance(ctx context.Context, id uuid.UUID, perf float64, now time.Time) error
	PerformanceAverage(ctx context.Context, id uuid.UUID) (float64, error)
}

// DispatchQuery selects one page of dispatch candidates.
type DispatchQuery struct {
	Variant WorkerVariant
	Now     time.Time
	// UserIDs restricts the page to these owners when non-empty.
	UserIDs []uint64
	// IDs restricts the page to these requests when non-empty.
	IDs []uuid.UUID
	// After resumes the scan strictly behind the last row of the previous page.
	After *DispatchCursor
	Limit int
}

// DispatchCursor is the position of a request in dispatch order.
type DispatchCursor struct {
	ExtraPriority int64
	CreatedAt     time.Time
	ID            uuid.UUID
}

func CursorOf(wp *WaitingPrompt) *DispatchCursor {
	return &DispatchCursor{ExtraPriority: wp.ExtraPriority, CreatedAt: wp.CreatedAt, ID: wp.ID}
}

type WaitingPromptRepository interface {
	Create(ctx context.Context, wp *WaitingPrompt) error
	Get(ctx context.Context, id uuid.UUID) (*WaitingPrompt, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*WaitingPrompt, error)
	// Delete removes the request with its child rows and generations.
	Delete(ctx context.Context, id uuid.UUID) error
	// LockCandidates returns a page of dispatchable requests ordered by
	// (extra_priority DESC, created ASC, id ASC), row-locked with skip-locked semantics.
	LockCandidates(ctx context.Context, q DispatchQuery) ([]*WaitingPrompt, error)
	// DecrementN is the dispatch compare-and-swap: it only succeeds while n still equals expectN.
	DecrementN(ctx context.Context, id uuid.UUID, expectN int, expiry time.Time) (bool, error)
	ReturnSlot(ctx context.Context, id uuid.UUID) error
	Cancel(ctx context.Context, id uuid.UUID) error
	MarkFaulted(ctx context.Context, id uuid.UUID) error
	AddTrickedWorker(ctx context.Context, wpID, workerID uuid.UUID) error
	AddConsumedKudos(ctx context.Context, id uuid.UUID, kudos float64) error
	AgePriority(ctx context.Context, delta int64) (int64, error)
	ListIDs(ctx context.Context) ([]uuid.UUID, error)
	TopPriority(ctx context.Context, variant WorkerVariant, now time.Time, limit int) ([]uuid.UUID, error)
	SumWaiting(ctx context.Context, userID uint64, variant WorkerVariant) (int64, error)
	QueueTotals(ctx context.Context, variant WorkerVariant, now time.Time) (QueueTotals, error)
	// QueuePosition counts the queued requests and things ordered ahead of wp.
	QueuePosition(ctx context.Context, wp *WaitingPrompt, now time.Time) (int64, QueueTotals, error)
}

type ProcessingGenRepository interface {
	Create(ctx context.Context, pg *ProcessingGen) error
	Get(ctx context.Context, id uuid.UUID) (*ProcessingGen, error)
	ListByWP(ctx context.Context, wpID uuid.UUID) ([]*ProcessingGen, error)
	// NextSlot returns the next unused slot index of a request.
	NextSlot(ctx context.Context, wpID uuid.UUID) (int, error)
	// Finish moves a still-processing generation to a terminal state. It reports
	// false when the generation had already left processing.
	Finish(ctx context.Context, id uuid.UUID, t GenTerminal) (bool, error)
	CountFaulted(ctx context.Context, wpID uuid.UUID) (int64, error)
	CountProcessingByWorker(ctx context.Context, workerID uuid.UUID) (int64, error)
}

type SuspicionRepository interface {
	Add(ctx context.Context, s *Suspicion) error
	Has(ctx context.Context, kind SubjectKind, subjectID string, reason SuspicionReason) (bool, error)
	Count(ctx context.Context, kind SubjectKind, subjectID string) (int64, error)
	Clear(ctx context.Context, kind SubjectKind, subjectID string) error
}

type StatsRepository interface {
	RecordModelPerformance(ctx context.Context, variant WorkerVariant, model string, perf float64, now time.Time) error
	RecordFulfillment(ctx context.Context, variant WorkerVariant, things float64, now time.Time) error
	RequestAverage(ctx context.Context, variant WorkerVariant) (float64, error)
	ThingsSince(ctx context.Context, variant WorkerVariant, since time.Time) (float64, int64, error)
	PruneFulfillments(ctx context.Context, before time.Time) (int64, error)
	PruneModelPerformances(ctx context.Context, before time.Time) (int64, error)
}

type SettingsRepository interface {
	Get(ctx context.Context) (*Settings, error)
	Save(ctx context.Context, s *Settings) error
}
