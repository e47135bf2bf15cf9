// internal/infra/gormstore/settings.go
package gormstore

import (
	"context"
	"errors"

	"inference-horde/internal/domain"

	"gorm.io/gorm"
)

const settingsRowID = 1

type settingsRepo struct{ s *Store }

// Get returns the settings row, or all switches off when it was never written.
func (r *settingsRepo) Get(ctx context.Context) (*domain.Settings, error) {
	var st domain.Settings
	err := r.s.conn(ctx).Where("id = ?", settingsRowID).First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &domain.Settings{ID: settingsRowID}, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (r *settingsRepo) Save(ctx context.Context, st *domain.Settings) error {
	st.ID = settingsRowID
	return r.s.conn(ctx).Save(st).Error
}
