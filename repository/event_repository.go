package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "github.com/yashrajoria/tourism-payments/errors"
	"github.com/yashrajoria/tourism-payments/models"
)

// EventRepository is the durable, deduplicated log of gateway notifications.
type EventRepository interface {
	WithTx(tx *gorm.DB) EventRepository
	// Insert stores a new event and returns ErrDuplicateEvent when the
	// provider event id is already present. The existing row is untouched.
	Insert(ctx context.Context, event *models.WebhookEvent) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.WebhookEvent, error)
	FindByProviderEventID(ctx context.Context, providerEventID string) (*models.WebhookEvent, error)
	// ClaimDue leases up to limit due events to the caller.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, maxAttempts, limit int) ([]models.WebhookEvent, error)
	MarkProcessed(ctx context.Context, id uuid.UUID, now time.Time) error
	// MarkFailed records a failed attempt. next is nil when the event is parked.
	MarkFailed(ctx context.Context, id uuid.UUID, attempts int, message string, next *time.Time) error
	ListFailed(ctx context.Context, maxAttempts int, parkedOnly bool, limit int) ([]models.WebhookEvent, error)
	// Requeue gives a parked event exactly one more attempt.
	Requeue(ctx context.Context, id uuid.UUID, maxAttempts int, now time.Time) (*models.WebhookEvent, error)
}

type gormEventRepo struct {
	db *gorm.DB
}

func NewGormEventRepo(db *gorm.DB) EventRepository {
	return &gormEventRepo{db: db}
}

func (r *gormEventRepo) WithTx(tx *gorm.DB) EventRepository {
	return &gormEventRepo{db: tx}
}

func (r *gormEventRepo) Insert(ctx context.Context, event *models.WebhookEvent) error {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "provider_event_id"}}, DoNothing: true}).
		Create(event)
	if res.Error != nil {
		return fmt.Errorf("insert webhook event %s: %w", event.ProviderEventID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s: %w", event.ProviderEventID, apperrors.ErrDuplicateEvent)
	}
	return nil
}

func (r *gormEventRepo) FindByID(ctx context.Context, id uuid.UUID) (*models.WebhookEvent, error) {
	var ev models.WebhookEvent
	if err := r.db.WithContext(ctx).First(&ev, "id = ?", id).Error; err != nil {
		return nil, notFound(err, apperrors.ErrEventNotFound)
	}
	return &ev, nil
}

func (r *gormEventRepo) FindByProviderEventID(ctx context.Context, providerEventID string) (*models.WebhookEvent, error) {
	var ev models.WebhookEvent
	if err := r.db.WithContext(ctx).First(&ev, "provider_event_id = ?", providerEventID).Error; err != nil {
		return nil, notFound(err, apperrors.ErrEventNotFound)
	}
	return &ev, nil
}

func (r *gormEventRepo) due(ctx context.Context, now time.Time, maxAttempts int) *gorm.DB {
	return r.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("(locked_until IS NULL OR locked_until < ?)", now).
		Where("(status = ? OR (status = ? AND attempts < ? AND next_attempt_at <= ?))",
			models.WebhookEventStatusPending, models.WebhookEventStatusFailed, maxAttempts, now)
}

func (r *gormEventRepo) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, maxAttempts, limit int) ([]models.WebhookEvent, error) {
	var candidates []models.WebhookEvent
	if err := r.due(ctx, now, maxAttempts).
		Order("received_at ASC").
		Limit(limit).
		Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("select due events: %w", err)
	}

	lockedUntil := now.Add(lease)
	claimed := candidates[:0]
	for _, ev := range candidates {
		res := r.due(ctx, now, maxAttempts).
			Where("id = ?", ev.ID).
			Updates(map[string]any{
				"locked_until": lockedUntil,
				"status":       models.WebhookEventStatusPending,
			})
		if res.Error != nil {
			return claimed, fmt.Errorf("claim event %s: %w", ev.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}
		ev.LockedUntil = &lockedUntil
		ev.Status = models.WebhookEventStatusPending
		claimed = append(claimed, ev)
	}
	return claimed, nil
}

func (r *gormEventRepo) MarkProcessed(ctx context.Context, id uuid.UUID, now time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ? AND status <> ?", id, models.WebhookEventStatusProcessed).
		Updates(map[string]any{
			"status":          models.WebhookEventStatusProcessed,
			"processed_at":    now,
			"locked_until":    nil,
			"next_attempt_at": nil,
			"error_message":   nil,
		})
	if res.Error != nil {
		return fmt.Errorf("mark event %s processed: %w", id, res.Error)
	}
	return nil
}

func (r *gormEventRepo) MarkFailed(ctx context.Context, id uuid.UUID, attempts int, message string, next *time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ? AND status <> ?", id, models.WebhookEventStatusProcessed).
		Updates(map[string]any{
			"status":          models.WebhookEventStatusFailed,
			"attempts":        attempts,
			"error_message":   message,
			"next_attempt_at": next,
			"locked_until":    nil,
		})
	if res.Error != nil {
		return fmt.Errorf("mark event %s failed: %w", id, res.Error)
	}
	return nil
}

func (r *gormEventRepo) ListFailed(ctx context.Context, maxAttempts int, parkedOnly bool, limit int) ([]models.WebhookEvent, error) {
	q := r.db.WithContext(ctx).Where("status = ?", models.WebhookEventStatusFailed)
	if parkedOnly {
		q = q.Where("attempts >= ?", maxAttempts)
	}
	var events []models.WebhookEvent
	if err := q.Order("updated_at DESC").Limit(limit).Find(&events).Error; err != nil {
		return nil, fmt.Errorf("list failed events: %w", err)
	}
	return events, nil
}

func (r *gormEventRepo) Requeue(ctx context.Context, id uuid.UUID, maxAttempts int, now time.Time) (*models.WebhookEvent, error) {
	res := r.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("id = ? AND status = ? AND attempts >= ?", id, models.WebhookEventStatusFailed, maxAttempts).
		Updates(map[string]any{
			"status":          models.WebhookEventStatusPending,
			"attempts":        maxAttempts - 1,
			"next_attempt_at": now,
			"locked_until":    nil,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("requeue event %s: %w", id, res.Error)
	}

	ev, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return ev, fmt.Errorf("event %s is %s after %d attempts: %w", id, ev.Status, ev.Attempts, apperrors.ErrEventNotReplayable)
	}
	return ev, nil
}

func notFound(err, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}
