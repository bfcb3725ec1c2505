package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type WebhookEventStatus string

const (
	WebhookEventStatusPending   WebhookEventStatus = "pending"
	WebhookEventStatusProcessed WebhookEventStatus = "processed"
	WebhookEventStatusFailed    WebhookEventStatus = "failed"
)

// WebhookEvent is one inbound gateway notification, stored verbatim.
// ProviderEventID is the only deduplication key.
type WebhookEvent struct {
	ID              uuid.UUID          `gorm:"type:uuid;primaryKey" json:"id"`
	Provider        string             `gorm:"type:varchar(20);not null;index" json:"provider"`
	ProviderEventID string             `gorm:"type:varchar(191);not null;uniqueIndex" json:"provider_event_id"`
	EventType       string             `gorm:"type:varchar(100);not null;index" json:"event_type"`
	Livemode        bool               `gorm:"not null;default:false" json:"livemode"`
	Payload         datatypes.JSON     `gorm:"not null" json:"payload"`
	Status          WebhookEventStatus `gorm:"type:varchar(20);not null;default:'pending';index:idx_webhook_events_due,priority:1" json:"status"`
	Attempts        int                `gorm:"not null;default:0" json:"attempts"`
	ErrorMessage    *string            `gorm:"type:text" json:"error_message,omitempty"`
	NextAttemptAt   *time.Time         `gorm:"index:idx_webhook_events_due,priority:2" json:"next_attempt_at,omitempty"`
	LockedUntil     *time.Time         `json:"-"`
	ReceivedAt      time.Time          `gorm:"autoCreateTime;index" json:"received_at"`
	ProcessedAt     *time.Time         `json:"processed_at,omitempty"`
	UpdatedAt       time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}

func (e *WebhookEvent) BeforeCreate(_ *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = WebhookEventStatusPending
	}
	return nil
}

// Parked reports whether the event exhausted its retries and needs an operator.
func (e *WebhookEvent) Parked(maxAttempts int) bool {
	return e.Status == WebhookEventStatusFailed && e.Attempts >= maxAttempts
}
