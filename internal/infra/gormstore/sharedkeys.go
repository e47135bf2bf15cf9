// internal/infra/gormstore/sharedkeys.go
package gormstore

import (
	"context"
	"errors"

	"inference-horde/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type sharedKeyRepo struct{ s *Store }

func (r *sharedKeyRepo) Create(ctx context.Context, key *domain.SharedKey) error {
	return r.s.conn(ctx).Create(key).Error
}

func (r *sharedKeyRepo) Get(ctx context.Context, id uuid.UUID) (*domain.SharedKey, error) {
	var key domain.SharedKey
	if err := r.s.conn(ctx).Where("id = ?", id).First(&key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNoSharedKey
		}
		return nil, err
	}
	return &key, nil
}

func (r *sharedKeyRepo) Update(ctx context.Context, key *domain.SharedKey) error {
	return r.s.conn(ctx).Save(key).Error
}

func (r *sharedKeyRepo) Delete(ctx context.Context, id uuid.UUID) error {
	res := r.s.conn(ctx).Where("id = ?", id).Delete(&domain.SharedKey{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNoSharedKey
	}
	return nil
}

func (r *sharedKeyRepo) ListByUser(ctx context.Context, userID uint64) ([]*domain.SharedKey, error) {
	var keys []*domain.SharedKey
	err := r.s.conn(ctx).Where("user_id = ?", userID).Order("created_at").Find(&keys).Error
	return keys, err
}

// Consume debits a finite quota, never below zero, and always records utilization.
func (r *sharedKeyRepo) Consume(ctx context.Context, id uuid.UUID, kudos float64) error {
	return r.s.conn(ctx).Model(&domain.SharedKey{}).Where("id = ?", id).Updates(map[string]any{
		"utilized": gorm.Expr("utilized + ?", kudos),
		"kudos": gorm.Expr("CASE WHEN kudos = ? THEN kudos WHEN kudos - ? < 0 THEN 0 ELSE kudos - ? END",
			domain.Unlimited, kudos, kudos),
	}).Error
}
