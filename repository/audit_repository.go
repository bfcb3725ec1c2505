package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/yashrajoria/tourism-payments/models"
)

// AuditRepository is append-only: there is no update or delete.
type AuditRepository interface {
	WithTx(tx *gorm.DB) AuditRepository
	Append(ctx context.Context, entry *models.AuditEntry) error
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]models.AuditEntry, error)
}

type gormAuditRepo struct {
	db *gorm.DB
}

func NewGormAuditRepo(db *gorm.DB) AuditRepository {
	return &gormAuditRepo{db: db}
}

func (r *gormAuditRepo) WithTx(tx *gorm.DB) AuditRepository {
	return &gormAuditRepo{db: tx}
}

func (r *gormAuditRepo) Append(ctx context.Context, entry *models.AuditEntry) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("append audit entry for order %s: %w", entry.OrderID, err)
	}
	return nil
}

func (r *gormAuditRepo) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]models.AuditEntry, error) {
	var entries []models.AuditEntry
	if err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("seq ASC").
		Order("created_at ASC").
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("list audit entries for order %s: %w", orderID, err)
	}
	return entries, nil
}

// Snapshot encodes a changed-fields map for an audit column. Empty maps encode as null.
func Snapshot(fields map[string]any) (datatypes.JSON, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode audit snapshot: %w", err)
	}
	return datatypes.JSON(b), nil
}
