package models

import "time"

// PaymentEvent is published to SNS after an order transition commits.
// Consumers are the notification collaborators; delivery is best-effort.
type PaymentEvent struct {
	Type             string    `json:"type"` // e.g. "order.confirmed", "order.anomaly"
	OrderID          string    `json:"order_id"`
	UserID           string    `json:"user_id"`
	Status           string    `json:"status"`
	GatewayPaymentID string    `json:"gateway_payment_id,omitempty"`
	Amount           int64     `json:"amount"`   // smallest currency unit
	Currency         string    `json:"currency"` // "php", "usd"
	Reason           string    `json:"reason,omitempty"`
	PerformedBy      string    `json:"performed_by,omitempty"`
	Timestamp        time.Time `json:"timestamp"` // UTC event time
}
