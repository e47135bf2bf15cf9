// internal/infra/gormstore/waiting_prompts.go
package gormstore

import (
	"context"
	"errors"
	"time"

	"inference-horde/internal/domain"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type waitingPromptRepo struct{ s *Store }

// live restricts a query to requests that can still be dispatched.
func live(q *gorm.DB, variant domain.WorkerVariant, now time.Time) *gorm.DB {
	q = q.Where("active = ? AND faulted = ? AND n > 0 AND expiry > ?", true, false, now)
	if variant != "" {
		q = q.Where("variant = ?", variant)
	}
	return q
}

func (r *waitingPromptRepo) Create(ctx context.Context, wp *domain.WaitingPrompt) error {
	ctx, span := r.s.span(ctx, "CreateWaitingPrompt")
	defer span.End()
	span.SetAttributes(attribute.String("wp.id", wp.ID.String()), attribute.Int("wp.n", wp.N))

	return r.s.WithinTx(ctx, func(ctx context.Context) error {
		db := r.s.conn(ctx)
		if err := db.Create(wp).Error; err != nil {
			return fail(span, err, "failed to create waiting prompt")
		}
		if models := dedupe(wp.Models); len(models) > 0 {
			rows := make([]domain.WPModel, 0, len(models))
			for _, m := range models {
				rows = append(rows, domain.WPModel{WPID: wp.ID, Model: m})
			}
			if err := db.Create(&rows).Error; err != nil {
				return err
			}
		}
		if len(wp.Workers) > 0 {
			rows := make([]domain.WPAllowedWorker, 0, len(wp.Workers))
			seen := make(map[uuid.UUID]bool)
			for _, id := range wp.Workers {
				if seen[id] {
					continue
				}
				seen[id] = true
				rows = append(rows, domain.WPAllowedWorker{WPID: wp.ID, WorkerID: id})
			}
			if err := db.Create(&rows).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *waitingPromptRepo) Get(ctx context.Context, id uuid.UUID) (*domain.WaitingPrompt, error) {
	return r.get(ctx, r.s.conn(ctx).Where("id = ?", id))
}

func (r *waitingPromptRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.WaitingPrompt, error) {
	return r.get(ctx, r.s.conn(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id))
}

func (r *waitingPromptRepo) get(ctx context.Context, q *gorm.DB) (*domain.WaitingPrompt, error) {
	var wp domain.WaitingPrompt
	if err := q.First(&wp).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNoWaitingPrompt
		}
		return nil, err
	}
	if err := r.hydrate(ctx, &wp); err != nil {
		return nil, err
	}
	return &wp, nil
}

func (r *waitingPromptRepo) hydrate(ctx context.Context, wp *domain.WaitingPrompt) error {
	db := r.s.conn(ctx)
	if err := db.Model(&domain.WPModel{}).Where("wp_id = ?", wp.ID).Order("model").Pluck("model", &wp.Models).Error; err != nil {
		return err
	}
	if err := db.Model(&domain.WPAllowedWorker{}).Where("wp_id = ?", wp.ID).Pluck("worker_id", &wp.Workers).Error; err != nil {
		return err
	}
	return db.Model(&domain.WPTrickedWorker{}).Where("wp_id = ?", wp.ID).Pluck("worker_id", &wp.TrickedWorkers).Error
}

func (r *waitingPromptRepo) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := r.s.span(ctx, "DeleteWaitingPrompt")
	defer span.End()
	span.SetAttributes(attribute.String("wp.id", id.String()))

	return r.s.WithinTx(ctx, func(ctx context.Context) error {
		db := r.s.conn(ctx)
		for _, m := range []any{&domain.WPModel{}, &domain.WPAllowedWorker{}, &domain.WPTrickedWorker{}, &domain.ProcessingGen{}} {
			if err := db.Where("wp_id = ?", id).Delete(m).Error; err != nil {
				return fail(span, err, "failed to delete waiting prompt children")
			}
		}
		res := db.Where("id = ?", id).Delete(&domain.WaitingPrompt{})
		if res.Error != nil {
			return fail(span, res.Error, "failed to delete waiting prompt")
		}
		if res.RowsAffected == 0 {
			return domain.ErrNoWaitingPrompt
		}
		return nil
	})
}

// LockCandidates takes FOR UPDATE SKIP LOCKED row locks on the page. Drivers
// without row locks (sqlite) drop the clause and rely on DecrementN.
func (r *waitingPromptRepo) LockCandidates(ctx context.Context, q domain.DispatchQuery) ([]*domain.WaitingPrompt, error) {
	ctx, span := r.s.span(ctx, "LockCandidates")
	defer span.End()
	span.SetAttributes(
		attribute.String("wp.variant", string(q.Variant)),
		attribute.Int("page.limit", q.Limit),
		attribute.Bool("page.resumed", q.After != nil),
	)

	db := live(r.s.conn(ctx), q.Variant, q.Now).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	if len(q.UserIDs) > 0 {
		db = db.Where("user_id IN ?", q.UserIDs)
	}
	if len(q.IDs) > 0 {
		db = db.Where("id IN ?", q.IDs)
	}
	if c := q.After; c != nil {
		// keyset: rows strictly after c in (extra_priority DESC, created_at ASC, id ASC)
		db = db.Where("(extra_priority < ? OR (extra_priority = ? AND (created_at > ? OR (created_at = ? AND id > ?))))",
			c.ExtraPriority, c.ExtraPriority, c.CreatedAt, c.CreatedAt, c.ID)
	}
	var wps []*domain.WaitingPrompt
	if err := db.Order("extra_priority DESC, created_at ASC, id ASC").Limit(q.Limit).Find(&wps).Error; err != nil {
		return nil, fail(span, err, "failed to query dispatch candidates")
	}
	for _, wp := range wps {
		if err := r.hydrate(ctx, wp); err != nil {
			return nil, fail(span, err, "failed to load candidate children")
		}
	}
	return wps, nil
}

func (r *waitingPromptRepo) DecrementN(ctx context.Context, id uuid.UUID, expectN int, expiry time.Time) (bool, error) {
	res := r.s.conn(ctx).Model(&domain.WaitingPrompt{}).
		Where("id = ? AND n = ? AND n > 0 AND active = ? AND faulted = ?", id, expectN, true, false).
		Updates(map[string]any{"n": gorm.Expr("n - 1"), "expiry": expiry})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ReturnSlot re-queues one slot unless the request was cancelled or faulted meanwhile.
func (r *waitingPromptRepo) ReturnSlot(ctx context.Context, id uuid.UUID) error {
	return r.s.conn(ctx).Model(&domain.WaitingPrompt{}).
		Where("id = ? AND active = ? AND faulted = ? AND n < jobs", id, true, false).
		Update("n", gorm.Expr("n + 1")).Error
}

func (r *waitingPromptRepo) Cancel(ctx context.Context, id uuid.UUID) error {
	res := r.s.conn(ctx).Model(&domain.WaitingPrompt{}).Where("id = ?", id).
		Updates(map[string]any{"n": 0, "active": false})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNoWaitingPrompt
	}
	return nil
}

func (r *waitingPromptRepo) MarkFaulted(ctx context.Context, id uuid.UUID) error {
	return r.s.conn(ctx).Model(&domain.WaitingPrompt{}).Where("id = ?", id).
		Updates(map[string]any{"n": 0, "faulted": true}).Error
}

func (r *waitingPromptRepo) AddTrickedWorker(ctx context.Context, wpID, workerID uuid.UUID) error {
	return r.s.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&domain.WPTrickedWorker{WPID: wpID, WorkerID: workerID}).Error
}

func (r *waitingPromptRepo) AddConsumedKudos(ctx context.Context, id uuid.UUID, kudos float64) error {
	return r.s.conn(ctx).Model(&domain.WaitingPrompt{}).Where("id = ?", id).
		Update("consumed_kudos", gorm.Expr("consumed_kudos + ?", kudos)).Error
}

// AgePriority raises every still-waiting request and returns how many were touched.
func (r *waitingPromptRepo) AgePriority(ctx context.Context, delta int64) (int64, error) {
	ctx, span := r.s.span(ctx, "AgePriority")
	defer span.End()

	res := r.s.conn(ctx).Model(&domain.WaitingPrompt{}).
		Where("active = ? AND faulted = ? AND n > 0", true, false).
		Update("extra_priority", gorm.Expr("extra_priority + ?", delta))
	if res.Error != nil {
		return 0, fail(span, res.Error, "failed to age waiting prompts")
	}
	return res.RowsAffected, nil
}

func (r *waitingPromptRepo) ListIDs(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.s.conn(ctx).Model(&domain.WaitingPrompt{}).Order("created_at").Pluck("id", &ids).Error
	return ids, err
}

func (r *waitingPromptRepo) TopPriority(ctx context.Context, variant domain.WorkerVariant, now time.Time, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := live(r.s.conn(ctx).Model(&domain.WaitingPrompt{}), variant, now).
		Order("extra_priority DESC, created_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

// SumWaiting adds up the undispatched slots of a user's live requests.
func (r *waitingPromptRepo) SumWaiting(ctx context.Context, userID uint64, variant domain.WorkerVariant) (int64, error) {
	q := r.s.conn(ctx).Model(&domain.WaitingPrompt{}).
		Where("user_id = ? AND active = ? AND faulted = ?", userID, true, false)
	if variant != "" {
		q = q.Where("variant = ?", variant)
	}
	var sum *int64
	if err := q.Select("SUM(n)").Scan(&sum).Error; err != nil || sum == nil {
		return 0, err
	}
	return *sum, nil
}

type totalsRow struct {
	Requests *int64
	Things   *float64
}

func (t totalsRow) toDomain() domain.QueueTotals {
	var out domain.QueueTotals
	if t.Requests != nil {
		out.QueuedRequests = *t.Requests
	}
	if t.Things != nil {
		out.QueuedThings = *t.Things
	}
	return out
}

func (r *waitingPromptRepo) QueueTotals(ctx context.Context, variant domain.WorkerVariant, now time.Time) (domain.QueueTotals, error) {
	var row totalsRow
	err := live(r.s.conn(ctx).Model(&domain.WaitingPrompt{}), variant, now).
		Select("SUM(n) AS requests, SUM(n * things) AS things").
		Scan(&row).Error
	return row.toDomain(), err
}

func (r *waitingPromptRepo) QueuePosition(ctx context.Context, wp *domain.WaitingPrompt, now time.Time) (int64, domain.QueueTotals, error) {
	var row totalsRow
	var ahead int64
	base := func() *gorm.DB {
		return live(r.s.conn(ctx).Model(&domain.WaitingPrompt{}), wp.Variant, now).
			Where("id <> ?", wp.ID).
			Where("extra_priority > ? OR (extra_priority = ? AND created_at < ?)",
				wp.ExtraPriority, wp.ExtraPriority, wp.CreatedAt)
	}
	if err := base().Count(&ahead).Error; err != nil {
		return 0, domain.QueueTotals{}, err
	}
	if err := base().Select("SUM(n) AS requests, SUM(n * things) AS things").Scan(&row).Error; err != nil {
		return 0, domain.QueueTotals{}, err
	}
	return ahead, row.toDomain(), nil
}
