package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/yashrajoria/tourism-payments/models"
)

type TokenRepository interface {
	Create(ctx context.Context, token *models.AuthToken) error
	// DeleteStale removes up to limit tokens that expired or were revoked before cutoff.
	DeleteStale(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	Count(ctx context.Context) (int64, error)
}

type gormTokenRepo struct {
	db *gorm.DB
}

func NewGormTokenRepo(db *gorm.DB) TokenRepository {
	return &gormTokenRepo{db: db}
}

func (r *gormTokenRepo) Create(ctx context.Context, token *models.AuthToken) error {
	return r.db.WithContext(ctx).Create(token).Error
}

func (r *gormTokenRepo) DeleteStale(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	ids := r.db.Model(&models.AuthToken{}).
		Select("id").
		Where("expires_at < ? OR (revoked_at IS NOT NULL AND revoked_at < ?)", cutoff, cutoff).
		Limit(limit)

	res := r.db.WithContext(ctx).Where("id IN (?)", ids).Delete(&models.AuthToken{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete stale auth tokens: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *gormTokenRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.AuthToken{}).Count(&n).Error
	return n, err
}
