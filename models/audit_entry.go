package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type AuditAction string

const (
	AuditActionCreated        AuditAction = "created"
	AuditActionStatusChanged  AuditAction = "status_changed"
	AuditActionPaymentUpdated AuditAction = "payment_updated"
	AuditActionItemAdded      AuditAction = "item_added"
	AuditActionItemRemoved    AuditAction = "item_removed"
	AuditActionCancelled      AuditAction = "cancelled"
	AuditActionRefunded       AuditAction = "refunded"
)

const (
	ActorReaper        = "reaper"
	actorWebhookPrefix = "webhook:"
)

// WebhookActor is the performed_by value for mutations caused by a gateway event.
func WebhookActor(providerEventID string) string {
	return actorWebhookPrefix + providerEventID
}

// AuditEntry is append-only. Previous/new values hold only the changed fields.
// Seq is the order version the entry produced: 0 for creation, then one per
// mutation.
type AuditEntry struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	OrderID       uuid.UUID      `gorm:"type:uuid;not null;index;uniqueIndex:idx_audit_order_seq,priority:1" json:"order_id"`
	Seq           int64          `gorm:"not null;default:0;uniqueIndex:idx_audit_order_seq,priority:2" json:"seq"`
	Action        AuditAction    `gorm:"type:varchar(30);not null" json:"action"`
	PreviousValue datatypes.JSON `json:"previous_value,omitempty"`
	NewValue      datatypes.JSON `json:"new_value,omitempty"`
	PerformedBy   *string        `gorm:"type:varchar(255)" json:"performed_by,omitempty"`
	Anomaly       bool           `gorm:"not null;default:false;index" json:"anomaly"`
	Notes         string         `gorm:"type:text" json:"notes,omitempty"`
	CreatedAt     time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
}

func (AuditEntry) TableName() string {
	return "order_audit_entries"
}

func (a *AuditEntry) BeforeCreate(_ *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
