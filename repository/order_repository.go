package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "github.com/yashrajoria/tourism-payments/errors"
	"github.com/yashrajoria/tourism-payments/models"
)

// OverdueQuery selects one page of orders sitting in Status with Column at or
// before Cutoff. Pages are keyed by id.
type OverdueQuery struct {
	Status  models.OrderStatus
	Column  string
	Cutoff  time.Time
	AfterID uuid.UUID
	Limit   int
}

type OrderRepository interface {
	WithTx(tx *gorm.DB) OrderRepository
	Create(ctx context.Context, order *models.Order) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	// FindByCorrelation resolves an order by checkout id, then by payment intent id.
	FindByCorrelation(ctx context.Context, checkoutID, paymentIntentID string) (*models.Order, error)
	// FindByGatewayPaymentID resolves an order by the payment id recorded when it was confirmed.
	FindByGatewayPaymentID(ctx context.Context, paymentID string) (*models.Order, error)
	// LockByID reads the row with SELECT ... FOR UPDATE. Call it inside a transaction.
	LockByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	// Apply writes changes if the row still carries order.Version and bumps it.
	Apply(ctx context.Context, order *models.Order, changes map[string]any) error
	FindOverdue(ctx context.Context, q OverdueQuery) ([]models.Order, error)
}

type gormOrderRepo struct {
	db *gorm.DB
}

func NewGormOrderRepo(db *gorm.DB) OrderRepository {
	return &gormOrderRepo{db: db}
}

func (r *gormOrderRepo) WithTx(tx *gorm.DB) OrderRepository {
	return &gormOrderRepo{db: tx}
}

func (r *gormOrderRepo) Create(ctx context.Context, order *models.Order) error {
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *gormOrderRepo) FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	if err := r.db.WithContext(ctx).First(&order, "id = ?", id).Error; err != nil {
		return nil, notFound(err, fmt.Errorf("order %s: %w", id, apperrors.ErrOrderNotFound))
	}
	return &order, nil
}

func (r *gormOrderRepo) FindByCorrelation(ctx context.Context, checkoutID, paymentIntentID string) (*models.Order, error) {
	lookups := []struct{ column, value string }{
		{"checkout_id", checkoutID},
		{"payment_intent_id", paymentIntentID},
	}
	for _, l := range lookups {
		if l.value == "" {
			continue
		}
		var orders []models.Order
		if err := r.db.WithContext(ctx).Where(l.column+" = ?", l.value).Limit(1).Find(&orders).Error; err != nil {
			return nil, fmt.Errorf("find order by %s: %w", l.column, err)
		}
		if len(orders) == 1 {
			return &orders[0], nil
		}
	}
	return nil, fmt.Errorf("checkout %q / payment intent %q: %w", checkoutID, paymentIntentID, apperrors.ErrOrderNotFound)
}

func (r *gormOrderRepo) FindByGatewayPaymentID(ctx context.Context, paymentID string) (*models.Order, error) {
	var orders []models.Order
	if err := r.db.WithContext(ctx).Where("gateway_payment_id = ?", paymentID).Limit(1).Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("find order by gateway payment id: %w", err)
	}
	if len(orders) == 0 {
		return nil, fmt.Errorf("payment %q: %w", paymentID, apperrors.ErrOrderNotFound)
	}
	return &orders[0], nil
}

func (r *gormOrderRepo) LockByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&order, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err, fmt.Errorf("order %s: %w", id, apperrors.ErrOrderNotFound))
	}
	return &order, nil
}

func (r *gormOrderRepo) Apply(ctx context.Context, order *models.Order, changes map[string]any) error {
	updates := make(map[string]any, len(changes)+1)
	for k, v := range changes {
		updates[k] = v
	}
	updates["version"] = gorm.Expr("version + 1")

	res := r.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND version = ?", order.ID, order.Version).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update order %s: %w", order.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("order %s at version %d: %w", order.ID, order.Version, apperrors.ErrConcurrentUpdate)
	}
	return nil
}

func (r *gormOrderRepo) FindOverdue(ctx context.Context, q OverdueQuery) ([]models.Order, error) {
	switch q.Column {
	case "created_at", "ready_at":
	default:
		return nil, fmt.Errorf("unsupported overdue column %q", q.Column)
	}

	tx := r.db.WithContext(ctx).
		Where("status = ?", q.Status).
		Where(q.Column+" <= ?", q.Cutoff)
	if q.AfterID != uuid.Nil {
		tx = tx.Where("id > ?", q.AfterID)
	}

	var orders []models.Order
	if err := tx.Order("id ASC").Limit(q.Limit).Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("find overdue %s orders: %w", q.Status, err)
	}
	return orders, nil
}
