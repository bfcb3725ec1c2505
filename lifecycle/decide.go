package lifecycle

import (
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	apperrors "github.com/yashrajoria/tourism-payments/errors"
	"github.com/yashrajoria/tourism-payments/models"
)

// EventKind is the closed set of gateway notifications the pipeline acts on.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindSucceeded
	KindFailed
	KindRefunded
	// KindInformational events are acknowledged without touching the order.
	KindInformational
)

func (k EventKind) String() string {
	switch k {
	case KindSucceeded:
		return "succeeded"
	case KindFailed:
		return "failed"
	case KindRefunded:
		return "refunded"
	case KindInformational:
		return "informational"
	default:
		return "unknown"
	}
}

var eventKinds = map[string]EventKind{
	// paymongo
	"payment.paid":                  KindSucceeded,
	"checkout_session.payment.paid": KindSucceeded,
	"payment.failed":                KindFailed,
	"payment.refunded":              KindRefunded,
	"source.chargeable":             KindInformational,
	// stripe
	"checkout.session.completed":    KindSucceeded,
	"payment_intent.succeeded":      KindSucceeded,
	"payment_intent.payment_failed": KindFailed,
	"checkout.session.expired":      KindFailed,
	"charge.refunded":               KindRefunded,
	"payment_intent.created":        KindInformational,
}

// KindOf maps a gateway event type to its kind. Unlisted types are KindUnknown.
func KindOf(eventType string) EventKind {
	return eventKinds[eventType]
}

// FailurePolicy decides what a failed payment does to a pending order.
type FailurePolicy string

const (
	FailurePolicyCancel       FailurePolicy = "cancel"
	FailurePolicyRetryPayment FailurePolicy = "retry_payment"
)

// ParseFailurePolicy validates a configured policy name.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case FailurePolicyCancel, FailurePolicyRetryPayment:
		return FailurePolicy(s), nil
	default:
		return "", fmt.Errorf("unknown payment failure policy %q", s)
	}
}

// Outcome classifies a decision.
type Outcome int

const (
	OutcomeNoop Outcome = iota
	OutcomeApply
	OutcomeAnomaly
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApply:
		return "applied"
	case OutcomeAnomaly:
		return "anomaly"
	default:
		return "noop"
	}
}

// Decision is the result of a transition function. Changes maps column names
// to new values and holds only the fields that change.
type Decision struct {
	Outcome Outcome
	Action  models.AuditAction
	Changes map[string]any
	Notes   string
	// Publish is the outbound event type, empty when nothing is announced.
	Publish string
}

// Target returns the new status when the decision changes it.
func (d Decision) Target() (models.OrderStatus, bool) {
	s, ok := d.Changes["status"].(models.OrderStatus)
	return s, ok
}

// Columns returns the changed column names in a stable order.
func (d Decision) Columns() []string {
	cols := make([]string, 0, len(d.Changes))
	for c := range d.Changes {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// Payment carries the facts of one gateway notification.
type Payment struct {
	Kind             EventKind
	EventType        string
	GatewayPaymentID string
	Amount           int64
	FailureReason    string
}

func noop(notes string) Decision {
	return Decision{Outcome: OutcomeNoop, Notes: notes}
}

func anomaly(order models.Order, notes string) Decision {
	d := Decision{
		Outcome: OutcomeAnomaly,
		Action:  models.AuditActionPaymentUpdated,
		Changes: map[string]any{},
		Notes:   notes,
		Publish: "order.anomaly",
	}
	if !order.RefundFlagged {
		d.Changes["refund_flagged"] = true
	}
	return d
}

func cancellation(reason string, noShow bool, now time.Time) map[string]any {
	changes := map[string]any{
		"status":              models.OrderStatusCancelled,
		"cancellation_reason": reason,
		"cancelled_at":        now,
	}
	if noShow {
		changes["no_show"] = true
	}
	return changes
}

// Decide computes the transition a gateway event implies for order. It never
// errors on duplicates or stale events; those resolve to no-ops.
func Decide(order models.Order, p Payment, policy FailurePolicy, now time.Time) (Decision, error) {
	switch p.Kind {
	case KindSucceeded:
		return decideSucceeded(order, p, now), nil
	case KindFailed:
		return decideFailed(order, p, policy, now), nil
	case KindRefunded:
		return decideRefunded(order, p, now), nil
	case KindInformational:
		return noop("informational event " + p.EventType), nil
	default:
		return Decision{}, apperrors.Permanent(fmt.Errorf("event type %q: %w", p.EventType, apperrors.ErrUnknownEventType))
	}
}

func decideSucceeded(order models.Order, p Payment, now time.Time) Decision {
	if order.GatewayPaymentID != nil && p.GatewayPaymentID != "" && *order.GatewayPaymentID != p.GatewayPaymentID {
		return anomaly(order, fmt.Sprintf("payment %s succeeded but order already recorded payment %s", p.GatewayPaymentID, *order.GatewayPaymentID))
	}

	switch order.Status {
	case models.OrderStatusPending:
		changes := map[string]any{
			"status":       models.OrderStatusConfirmed,
			"confirmed_at": now,
		}
		if order.GatewayPaymentID == nil && p.GatewayPaymentID != "" {
			changes["gateway_payment_id"] = p.GatewayPaymentID
		}
		return Decision{
			Outcome: OutcomeApply,
			Action:  models.AuditActionStatusChanged,
			Changes: changes,
			Notes:   "payment succeeded",
			Publish: "order.confirmed",
		}
	case models.OrderStatusCancelled, models.OrderStatusRefunded:
		return anomaly(order, fmt.Sprintf("payment succeeded on %s order; manual refund required", order.Status))
	default:
		return noop(fmt.Sprintf("order already %s", order.Status))
	}
}

func decideFailed(order models.Order, p Payment, policy FailurePolicy, now time.Time) Decision {
	if order.Status != models.OrderStatusPending {
		return noop(fmt.Sprintf("stale payment failure for %s order", order.Status))
	}
	reason := "payment_failed"
	if p.FailureReason != "" {
		reason = "payment_failed: " + p.FailureReason
	}
	reason = Truncate(reason, 255)

	if policy == FailurePolicyRetryPayment {
		return Decision{
			Outcome: OutcomeApply,
			Action:  models.AuditActionPaymentUpdated,
			Changes: map[string]any{"last_payment_failure": reason},
			Notes:   "payment failed; order kept pending for another payment attempt",
			Publish: "order.payment_failed",
		}
	}
	return Decision{
		Outcome: OutcomeApply,
		Action:  models.AuditActionCancelled,
		Changes: cancellation(reason, false, now),
		Notes:   "payment failed",
		Publish: "order.cancelled",
	}
}

func decideRefunded(order models.Order, p Payment, now time.Time) Decision {
	switch order.Status {
	case models.OrderStatusRefunded:
		return noop("order already refunded")
	case models.OrderStatusPickedUp, models.OrderStatusCancelled:
		amount := p.Amount
		if amount <= 0 {
			amount = order.Total
		}
		if amount > order.Total {
			return anomaly(order, fmt.Sprintf("gateway refunded %d, more than order total %d", amount, order.Total))
		}
		return Decision{
			Outcome: OutcomeApply,
			Action:  models.AuditActionRefunded,
			Changes: map[string]any{
				"status":        models.OrderStatusRefunded,
				"refund_amount": amount,
				"refunded_at":   now,
			},
			Notes:   "refund issued by gateway",
			Publish: "order.refunded",
		}
	default:
		return anomaly(order, fmt.Sprintf("refund received for %s order", order.Status))
	}
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
