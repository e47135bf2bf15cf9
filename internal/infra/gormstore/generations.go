// internal/infra/gormstore/generations.go
package gormstore

import (
	"context"
	"errors"

	"inference-horde/internal/domain"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
)

type generationRepo struct{ s *Store }

func (r *generationRepo) Create(ctx context.Context, pg *domain.ProcessingGen) error {
	return r.s.conn(ctx).Create(pg).Error
}

func (r *generationRepo) Get(ctx context.Context, id uuid.UUID) (*domain.ProcessingGen, error) {
	var pg domain.ProcessingGen
	if err := r.s.conn(ctx).Where("id = ?", id).First(&pg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNoProcessingGen
		}
		return nil, err
	}
	return &pg, nil
}

func (r *generationRepo) ListByWP(ctx context.Context, wpID uuid.UUID) ([]*domain.ProcessingGen, error) {
	var pgs []*domain.ProcessingGen
	err := r.s.conn(ctx).Where("wp_id = ?", wpID).Order("start_time, slot").Find(&pgs).Error
	return pgs, err
}

func (r *generationRepo) NextSlot(ctx context.Context, wpID uuid.UUID) (int, error) {
	var maxSlot *int
	if err := r.s.conn(ctx).Model(&domain.ProcessingGen{}).Where("wp_id = ?", wpID).
		Select("MAX(slot)").Scan(&maxSlot).Error; err != nil {
		return 0, err
	}
	if maxSlot == nil {
		return 0, nil
	}
	return *maxSlot + 1, nil
}

// Finish is conditional on state = processing so a slot leaves it exactly once.
func (r *generationRepo) Finish(ctx context.Context, id uuid.UUID, t domain.GenTerminal) (bool, error) {
	ctx, span := r.s.span(ctx, "FinishGeneration")
	defer span.End()
	span.SetAttributes(attribute.String("pg.id", id.String()), attribute.String("pg.state", string(t.State)))

	res := r.s.conn(ctx).Model(&domain.ProcessingGen{}).
		Where("id = ? AND state = ?", id, domain.GenStateProcessing).
		Updates(map[string]any{
			"state":       t.State,
			"generation":  t.Generation,
			"seed":        t.Seed,
			"kudos":       t.Kudos,
			"aborted":     t.Aborted,
			"finished_at": t.FinishedAt,
		})
	if res.Error != nil {
		return false, fail(span, res.Error, "failed to finish generation")
	}
	return res.RowsAffected == 1, nil
}

func (r *generationRepo) CountFaulted(ctx context.Context, wpID uuid.UUID) (int64, error) {
	var n int64
	err := r.s.conn(ctx).Model(&domain.ProcessingGen{}).
		Where("wp_id = ? AND state = ? AND fake = ?", wpID, domain.GenStateFaulted, false).
		Count(&n).Error
	return n, err
}

func (r *generationRepo) CountProcessingByWorker(ctx context.Context, workerID uuid.UUID) (int64, error) {
	var n int64
	err := r.s.conn(ctx).Model(&domain.ProcessingGen{}).
		Where("worker_id = ? AND state = ?", workerID, domain.GenStateProcessing).
		Count(&n).Error
	return n, err
}
