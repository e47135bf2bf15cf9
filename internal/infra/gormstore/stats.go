// internal/infra/gormstore/stats.go
package gormstore

import (
	"context"
	"time"

	"inference-horde/internal/domain"
)

type statsRepo struct{ s *Store }

func (r *statsRepo) RecordModelPerformance(ctx context.Context, variant domain.WorkerVariant, model string, perf float64, now time.Time) error {
	db := r.s.conn(ctx)
	if err := db.Create(&domain.ModelPerformance{Variant: variant, Model: model, Performance: perf, CreatedAt: now}).Error; err != nil {
		return err
	}
	return db.Exec(
		`DELETE FROM model_performances WHERE variant = ? AND model = ? AND id NOT IN
			(SELECT id FROM model_performances WHERE variant = ? AND model = ? ORDER BY id DESC LIMIT ?)`,
		variant, model, variant, model, domain.ModelPerformanceWindow).Error
}

func (r *statsRepo) RecordFulfillment(ctx context.Context, variant domain.WorkerVariant, things float64, now time.Time) error {
	return r.s.conn(ctx).Create(&domain.FulfillmentPerformance{Variant: variant, Things: things, CreatedAt: now}).Error
}

// RequestAverage is the mean things per second across recent model samples.
func (r *statsRepo) RequestAverage(ctx context.Context, variant domain.WorkerVariant) (float64, error) {
	var avg *float64
	err := r.s.conn(ctx).Model(&domain.ModelPerformance{}).Where("variant = ?", variant).
		Select("AVG(performance)").Scan(&avg).Error
	if err != nil || avg == nil {
		return 0, err
	}
	return *avg, nil
}

func (r *statsRepo) ThingsSince(ctx context.Context, variant domain.WorkerVariant, since time.Time) (float64, int64, error) {
	var row struct {
		Things *float64
		Count  int64
	}
	err := r.s.conn(ctx).Model(&domain.FulfillmentPerformance{}).
		Where("variant = ? AND created_at >= ?", variant, since).
		Select("SUM(things) AS things, COUNT(*) AS count").
		Scan(&row).Error
	if err != nil {
		return 0, 0, err
	}
	if row.Things == nil {
		return 0, row.Count, nil
	}
	return *row.Things, row.Count, nil
}

func (r *statsRepo) PruneFulfillments(ctx context.Context, before time.Time) (int64, error) {
	res := r.s.conn(ctx).Where("created_at < ?", before).Delete(&domain.FulfillmentPerformance{})
	return res.RowsAffected, res.Error
}

func (r *statsRepo) PruneModelPerformances(ctx context.Context, before time.Time) (int64, error) {
	res := r.s.conn(ctx).Where("created_at < ?", before).Delete(&domain.ModelPerformance{})
	return res.RowsAffected, res.Error
}
