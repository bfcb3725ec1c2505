package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusPreparing OrderStatus = "preparing"
	OrderStatusReady     OrderStatus = "ready"
	OrderStatusPickedUp  OrderStatus = "picked_up"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRefunded  OrderStatus = "refunded"
)

// Order is the ledger aggregate. Payment fields live on the same row so that
// every transition is atomic across both.
type Order struct {
	ID                   uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	UserID               uuid.UUID   `gorm:"type:uuid;index;not null" json:"user_id"`
	Status               OrderStatus `gorm:"type:varchar(20);not null;default:'pending';index:idx_orders_status_created,priority:1" json:"status"`
	Total                int64       `gorm:"not null" json:"total"` // minor units
	RefundAmount         int64       `gorm:"not null;default:0" json:"refund_amount"`
	Currency             string      `gorm:"type:varchar(10);not null" json:"currency"`
	CheckoutID           *string     `gorm:"type:varchar(191);uniqueIndex" json:"checkout_id,omitempty"`
	PaymentIntentID      *string     `gorm:"type:varchar(191);uniqueIndex" json:"payment_intent_id,omitempty"`
	GatewayPaymentID     *string     `gorm:"type:varchar(191);index" json:"gateway_payment_id,omitempty"`
	ArrivalCode          string      `gorm:"type:varchar(16);not null" json:"arrival_code"`
	CancellationReason   *string     `gorm:"type:varchar(255)" json:"cancellation_reason,omitempty"`
	LastPaymentFailure   *string     `gorm:"type:varchar(255)" json:"last_payment_failure,omitempty"`
	NoShow               bool        `gorm:"not null;default:false" json:"no_show"`
	RefundFlagged        bool        `gorm:"not null;default:false;index" json:"refund_flagged"`
	ConfirmedAt          *time.Time  `json:"confirmed_at,omitempty"`
	PreparationStartedAt *time.Time  `json:"preparation_started_at,omitempty"`
	ReadyAt              *time.Time  `json:"ready_at,omitempty"`
	PickedUpAt           *time.Time  `json:"picked_up_at,omitempty"`
	CancelledAt          *time.Time  `json:"cancelled_at,omitempty"`
	RefundedAt           *time.Time  `json:"refunded_at,omitempty"`
	Version              int64       `gorm:"not null;default:0" json:"version"`
	CreatedAt            time.Time   `gorm:"autoCreateTime;index:idx_orders_status_created,priority:2" json:"created_at"`
	UpdatedAt            time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

func (o *Order) BeforeCreate(_ *gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.Status == "" {
		o.Status = OrderStatusPending
	}
	return nil
}

// CorrelationID returns whichever gateway correlation field is populated.
func (o *Order) CorrelationID() string {
	switch {
	case o.CheckoutID != nil:
		return *o.CheckoutID
	case o.PaymentIntentID != nil:
		return *o.PaymentIntentID
	default:
		return ""
	}
}

// Snapshot returns the current values of the given columns, keyed by column name.
// Unknown columns are skipped.
func (o *Order) Snapshot(columns ...string) map[string]any {
	out := make(map[string]any, len(columns))
	for _, c := range columns {
		switch c {
		case "status":
			out[c] = o.Status
		case "refund_amount":
			out[c] = o.RefundAmount
		case "gateway_payment_id":
			out[c] = o.GatewayPaymentID
		case "cancellation_reason":
			out[c] = o.CancellationReason
		case "last_payment_failure":
			out[c] = o.LastPaymentFailure
		case "no_show":
			out[c] = o.NoShow
		case "refund_flagged":
			out[c] = o.RefundFlagged
		case "confirmed_at":
			out[c] = o.ConfirmedAt
		case "preparation_started_at":
			out[c] = o.PreparationStartedAt
		case "ready_at":
			out[c] = o.ReadyAt
		case "picked_up_at":
			out[c] = o.PickedUpAt
		case "cancelled_at":
			out[c] = o.CancelledAt
		case "refunded_at":
			out[c] = o.RefundedAt
		}
	}
	return out
}
