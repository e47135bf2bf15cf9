// internal/infra/gormstore/workers.go
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

type workerRepo struct{ s *Store }

func (r *workerRepo) Create(ctx context.Context, w *domain.Worker) error {
	ctx, span := r.s.span(ctx, "CreateWorker")
	defer span.End()
	span.SetAttributes(attribute.String("worker.name", w.Name))

	return r.s.WithinTx(ctx, func(ctx context.Context) error {
		if err := r.s.conn(ctx).Create(w).Error; err != nil {
			return fail(span, err, "failed to create worker")
		}
		return r.saveChildren(ctx, w)
	})
}

func (r *workerRepo) saveChildren(ctx context.Context, w *domain.Worker) error {
	db := r.s.conn(ctx)
	for _, m := range []any{&domain.WorkerModel{}, &domain.WorkerBlacklistWord{}, &domain.WorkerForm{}} {
		if err := db.Where("worker_id = ?", w.ID).Delete(m).Error; err != nil {
			return err
		}
	}
	if len(w.Models) > 0 {
		rows := make([]domain.WorkerModel, 0, len(w.Models))
		for _, m := range dedupe(w.Models) {
			rows = append(rows, domain.WorkerModel{WorkerID: w.ID, Model: m})
		}
		if err := db.Create(&rows).Error; err != nil {
			return err
		}
	}
	if len(w.Blacklist) > 0 {
		rows := make([]domain.WorkerBlacklistWord, 0, len(w.Blacklist))
		for _, word := range dedupe(w.Blacklist) {
			rows = append(rows, domain.WorkerBlacklistWord{WorkerID: w.ID, Word: word})
		}
		if err := db.Create(&rows).Error; err != nil {
			return err
		}
	}
	if len(w.Forms) > 0 {
		rows := make([]domain.WorkerForm, 0, len(w.Forms))
		for _, f := range dedupe(w.Forms) {
			rows = append(rows, domain.WorkerForm{WorkerID: w.ID, Form: f})
		}
		if err := db.Create(&rows).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *workerRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Worker, error) {
	return r.get(ctx, r.s.conn(ctx).Where("id = ?", id))
}

func (r *workerRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*domain.Worker, error) {
	return r.get(ctx, r.s.conn(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id))
}

func (r *workerRepo) FindByName(ctx context.Context, name string) (*domain.Worker, error) {
	return r.get(ctx, r.s.conn(ctx).Where("name = ?", name))
}

func (r *workerRepo) get(ctx context.Context, q *gorm.DB) (*domain.Worker, error) {
	var w domain.Worker
	if err := q.First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNoWorker
		}
		return nil, err
	}
	if err := r.hydrate(ctx, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *workerRepo) hydrate(ctx context.Context, w *domain.Worker) error {
	db := r.s.conn(ctx)
	if err := db.Model(&domain.WorkerModel{}).Where("worker_id = ?", w.ID).Order("model").Pluck("model", &w.Models).Error; err != nil {
		return err
	}
	if err := db.Model(&domain.WorkerBlacklistWord{}).Where("worker_id = ?", w.ID).Pluck("word", &w.Blacklist).Error; err != nil {
		return err
	}
	if err := db.Model(&domain.WorkerForm{}).Where("worker_id = ?", w.ID).Pluck("form", &w.Forms).Error; err != nil {
		return err
	}
	var count int64
	if err := db.Model(&domain.Suspicion{}).
		Where("subject_kind = ? AND subject_id = ?", domain.SubjectWorker, w.ID.String()).
		Count(&count).Error; err != nil {
		return err
	}
	w.Suspicion = int(count)
	return nil
}

func (r *workerRepo) Update(ctx context.Context, w *domain.Worker) error {
	return r.s.WithinTx(ctx, func(ctx context.Context) error {
		if err := r.s.conn(ctx).Save(w).Error; err != nil {
			return err
		}
		return r.saveChildren(ctx, w)
	})
}

func (r *workerRepo) Delete(ctx context.Context, id uuid.UUID) error {
	return r.s.WithinTx(ctx, func(ctx context.Context) error {
		db := r.s.conn(ctx)
		for _, m := range []any{&domain.WorkerModel{}, &domain.WorkerBlacklistWord{}, &domain.WorkerForm{}, &domain.WorkerPerformance{}} {
			if err := db.Where("worker_id = ?", id).Delete(m).Error; err != nil {
				return err
			}
		}
		if err := db.Where("subject_kind = ? AND subject_id = ?", domain.SubjectWorker, id.String()).
			Delete(&domain.Suspicion{}).Error; err != nil {
			return err
		}
		res := db.Where("id = ?", id).Delete(&domain.Worker{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrNoWorker
		}
		return nil
	})
}

func (r *workerRepo) List(ctx context.Context, variant domain.WorkerVariant) ([]*domain.Worker, error) {
	q := r.s.conn(ctx).Order("name")
	if variant != "" {
		q = q.Where("variant = ?", variant)
	}
	return r.list(ctx, q)
}

func (r *workerRepo) ListOnline(ctx context.Context, variant domain.WorkerVariant, since time.Time) ([]*domain.Worker, error) {
	return r.list(ctx, r.s.conn(ctx).Where("variant = ? AND last_check_in >= ?", variant, since).Order("name"))
}

func (r *workerRepo) list(ctx context.Context, q *gorm.DB) ([]*domain.Worker, error) {
	var workers []*domain.Worker
	if err := q.Find(&workers).Error; err != nil {
		return nil, err
	}
	for _, w := range workers {
		if err := r.hydrate(ctx, w); err != nil {
			return nil, err
		}
	}
	return workers, nil
}

func (r *workerRepo) CountByUser(ctx context.Context, userID uint64) (int64, error) {
	var n int64
	err := r.s.conn(ctx).Model(&domain.Worker{}).Where("user_id = ?", userID).Count(&n).Error
	return n, err
}

func (r *workerRepo) CountByUserAndIP(ctx context.Context, userID uint64, ip string) (int64, error) {
	var n int64
	err := r.s.conn(ctx).Model(&domain.Worker{}).Where("user_id = ? AND ipaddr = ?", userID, ip).Count(&n).Error
	return n, err
}

func (r *workerRepo) RecordFulfilment(ctx context.Context, id uuid.UUID, kudos, things float64) error {
	return r.s.conn(ctx).Model(&domain.Worker{}).Where("id = ?", id).Updates(map[string]any{
		"fulfilments":        gorm.Expr("fulfilments + 1"),
		"kudos":              gorm.Expr("kudos + ?", kudos),
		"contributed_things": gorm.Expr("contributed_things + ?", things),
	}).Error
}

func (r *workerRepo) AddKudos(ctx context.Context, id uuid.UUID, kudos float64) error {
	return r.s.conn(ctx).Model(&domain.Worker{}).Where("id = ?", id).
		Update("kudos", gorm.Expr("kudos + ?", kudos)).Error
}

// AddPerformance stores a sample and trims the worker's window.
func (r *workerRepo) AddPerformance(ctx context.Context, id uuid.UUID, perf float64, now time.Time) error {
	db := r.s.conn(ctx)
	if err := db.Create(&domain.WorkerPerformance{WorkerID: id, Performance: perf, CreatedAt: now}).Error; err != nil {
		return err
	}
	return db.Exec(
		`DELETE FROM worker_performances WHERE worker_id = ? AND id NOT IN
			(SELECT id FROM worker_performances WHERE worker_id = ? ORDER BY id DESC LIMIT ?)`,
		id, id, domain.WorkerPerformanceWindow).Error
}

func (r *workerRepo) PerformanceAverage(ctx context.Context, id uuid.UUID) (float64, error) {
	var avg *float64
	err := r.s.conn(ctx).Model(&domain.WorkerPerformance{}).Where("worker_id = ?", id).
		Select("AVG(performance)").Scan(&avg).Error
	if err != nil || avg == nil {
		return 0, err
	}
	return *avg, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
