// internal/infra/gormstore/users.go
package gormstore

import (
	"context"
	"errors"
	"strconv"
	"time"

	"inference-horde/internal/domain"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type userRepo struct{ s *Store }

func (r *userRepo) Create(ctx context.Context, user *domain.User) error {
	db := r.s.conn(ctx)
	if err := db.Create(user).Error; err != nil {
		return err
	}
	return r.saveRoles(db, user.ID, user.Roles)
}

func (r *userRepo) saveRoles(db *gorm.DB, id uint64, roles []domain.UserRole) error {
	if len(roles) == 0 {
		return nil
	}
	rows := make([]domain.UserRoleRow, 0, len(roles))
	for _, role := range roles {
		rows = append(rows, domain.UserRoleRow{UserID: id, Role: role})
	}
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

func (r *userRepo) Get(ctx context.Context, id uint64) (*domain.User, error) {
	return r.get(ctx, r.s.conn(ctx).Where("id = ?", id))
}

func (r *userRepo) GetForUpdate(ctx context.Context, id uint64) (*domain.User, error) {
	return r.get(ctx, r.s.conn(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id))
}

func (r *userRepo) FindByAPIKeyHash(ctx context.Context, hash string) (*domain.User, error) {
	ctx, span := r.s.span(ctx, "FindUserByAPIKey")
	defer span.End()

	user, err := r.get(ctx, r.s.conn(ctx).Where("api_key_hash = ?", hash))
	if err != nil && !errors.Is(err, domain.ErrNoUser) {
		return nil, fail(span, err, "failed to look up user by api key")
	}
	return user, err
}

func (r *userRepo) get(ctx context.Context, q *gorm.DB) (*domain.User, error) {
	var user domain.User
	if err := q.First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNoUser
		}
		return nil, err
	}
	if err := r.hydrate(ctx, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepo) hydrate(ctx context.Context, user *domain.User) error {
	db := r.s.conn(ctx)
	var roles []domain.UserRoleRow
	if err := db.Where("user_id = ?", user.ID).Find(&roles).Error; err != nil {
		return err
	}
	user.Roles = make([]domain.UserRole, 0, len(roles))
	for _, row := range roles {
		user.Roles = append(user.Roles, row.Role)
	}
	var count int64
	if err := db.Model(&domain.Suspicion{}).
		Where("subject_kind = ? AND subject_id = ?", domain.SubjectUser, strconv.FormatUint(user.ID, 10)).
		Count(&count).Error; err != nil {
		return err
	}
	user.Suspicion = int(count)
	return nil
}

func (r *userRepo) ListByIDs(ctx context.Context, ids []uint64) ([]*domain.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var users []*domain.User
	if err := r.s.conn(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, err
	}
	for _, u := range users {
		if err := r.hydrate(ctx, u); err != nil {
			return nil, err
		}
	}
	return users, nil
}

// ListMonthlyRecipients returns moderators and users with a recurring grant.
func (r *userRepo) ListMonthlyRecipients(ctx context.Context) ([]*domain.User, error) {
	var users []*domain.User
	err := r.s.conn(ctx).
		Where("monthly_kudos > 0 OR id IN (?)",
			r.s.conn(ctx).Model(&domain.UserRoleRow{}).Select("user_id").Where("role = ?", domain.RoleModerator)).
		Order("id").
		Find(&users).Error
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if err := r.hydrate(ctx, u); err != nil {
			return nil, err
		}
	}
	return users, nil
}

func (r *userRepo) AddKudos(ctx context.Context, id uint64, delta, floor float64) error {
	ctx, span := r.s.span(ctx, "AddUserKudos")
	defer span.End()
	span.SetAttributes(attribute.Float64("kudos.delta", delta))

	res := r.s.conn(ctx).Model(&domain.User{}).Where("id = ?", id).
		Update("kudos", gorm.Expr("CASE WHEN kudos + ? < ? THEN ? ELSE kudos + ? END", delta, floor, floor, delta))
	if res.Error != nil {
		return fail(span, res.Error, "failed to update user kudos")
	}
	if res.RowsAffected == 0 {
		return domain.ErrNoUser
	}
	return nil
}

func (r *userRepo) AddEvaluatingKudos(ctx context.Context, id uint64, delta float64) error {
	return r.s.conn(ctx).Model(&domain.User{}).Where("id = ?", id).
		Update("evaluating_kudos", gorm.Expr("evaluating_kudos + ?", delta)).Error
}

func (r *userRepo) RecordUsage(ctx context.Context, id uint64, things float64, now time.Time) error {
	return r.s.conn(ctx).Model(&domain.User{}).Where("id = ?", id).Updates(map[string]any{
		"usage_requests": gorm.Expr("usage_requests + 1"),
		"usage_things":   gorm.Expr("usage_things + ?", things),
		"last_active":    now,
	}).Error
}

func (r *userRepo) RecordContribution(ctx context.Context, id uint64, things float64, now time.Time) error {
	return r.s.conn(ctx).Model(&domain.User{}).Where("id = ?", id).Updates(map[string]any{
		"contributed_fulfillments": gorm.Expr("contributed_fulfillments + 1"),
		"contributed_things":       gorm.Expr("contributed_things + ?", things),
		"last_active":              now,
	}).Error
}

func (r *userRepo) SetMonthlyReceived(ctx context.Context, id uint64, at time.Time) error {
	return r.s.conn(ctx).Model(&domain.User{}).Where("id = ?", id).
		Update("monthly_kudos_last_received", at).Error
}

func (r *userRepo) SetRole(ctx context.Context, id uint64, role domain.UserRole, enabled bool) error {
	db := r.s.conn(ctx)
	if enabled {
		return r.saveRoles(db, id, []domain.UserRole{role})
	}
	return db.Where("user_id = ? AND role = ?", id, role).Delete(&domain.UserRoleRow{}).Error
}

func (r *userRepo) ReleaseEvaluation(ctx context.Context, id uint64) (float64, error) {
	user, err := r.GetForUpdate(ctx, id)
	if err != nil {
		return 0, err
	}
	released := user.EvaluatingKudos
	if released == 0 {
		return 0, nil
	}
	err = r.s.conn(ctx).Model(&domain.User{}).Where("id = ?", id).Updates(map[string]any{
		"kudos":            gorm.Expr("kudos + ?", released),
		"evaluating_kudos": 0,
	}).Error
	return released, err
}
