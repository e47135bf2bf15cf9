// internal/infra/gormstore/suspicions.go
package gormstore

import (
	"context"

	"inference-horde/internal/domain"
)

type suspicionRepo struct{ s *Store }

// Add stores s unless the reason only counts once and is already on record.
func (r *suspicionRepo) Add(ctx context.Context, s *domain.Suspicion) error {
	if !s.Reason.Repeatable() {
		has, err := r.Has(ctx, s.SubjectKind, s.SubjectID, s.Reason)
		if err != nil || has {
			return err
		}
	}
	return r.s.conn(ctx).Create(s).Error
}

func (r *suspicionRepo) Has(ctx context.Context, kind domain.SubjectKind, subjectID string, reason domain.SuspicionReason) (bool, error) {
	var n int64
	err := r.s.conn(ctx).Model(&domain.Suspicion{}).
		Where("subject_kind = ? AND subject_id = ? AND reason = ?", kind, subjectID, reason).
		Count(&n).Error
	return n > 0, err
}

func (r *suspicionRepo) Count(ctx context.Context, kind domain.SubjectKind, subjectID string) (int64, error) {
	var n int64
	err := r.s.conn(ctx).Model(&domain.Suspicion{}).
		Where("subject_kind = ? AND subject_id = ?", kind, subjectID).
		Count(&n).Error
	return n, err
}

func (r *suspicionRepo) Clear(ctx context.Context, kind domain.SubjectKind, subjectID string) error {
	return r.s.conn(ctx).Where("subject_kind = ? AND subject_id = ?", kind, subjectID).
		Delete(&domain.Suspicion{}).Error
}
