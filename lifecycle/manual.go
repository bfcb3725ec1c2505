package lifecycle

import (
	"fmt"
	"time"

	apperrors "github.com/yashrajoria/tourism-payments/errors"
	"github.com/yashrajoria/tourism-payments/models"
)

// CommandKind enumerates the actions an operator can take on an order.
type CommandKind string

const (
	CommandAdvance CommandKind = "advance"
	CommandCancel  CommandKind = "cancel"
	CommandNoShow  CommandKind = "no_show"
	CommandRefund  CommandKind = "refund"
)

// Command is an operator action. Reason applies to cancel, Amount to refund
// (zero means the full order total).
type Command struct {
	Kind   CommandKind
	Reason string
	Amount int64
}

// ReasonAbandoned and ReasonNoShow are the cancellation reasons written by sweeps.
const (
	ReasonAbandoned = "abandoned"
	ReasonNoShow    = "no_show"
)

var stampColumn = map[models.OrderStatus]string{
	models.OrderStatusPreparing: "preparation_started_at",
	models.OrderStatusReady:     "ready_at",
	models.OrderStatusPickedUp:  "picked_up_at",
}

func invalid(order models.Order, cmd CommandKind) error {
	return fmt.Errorf("%s on %s order: %w", cmd, order.Status, apperrors.ErrInvalidTransition)
}

// DecideManual validates an operator command against the order's current state.
// Unlike gateway events, a command that does not fit is rejected.
func DecideManual(order models.Order, cmd Command, now time.Time) (Decision, error) {
	switch cmd.Kind {
	case CommandAdvance:
		to, ok := next(order.Status)
		if !ok {
			return Decision{}, invalid(order, cmd.Kind)
		}
		return Decision{
			Outcome: OutcomeApply,
			Action:  models.AuditActionStatusChanged,
			Changes: map[string]any{"status": to, stampColumn[to]: now},
			Notes:   fmt.Sprintf("advanced from %s", order.Status),
		}, nil

	case CommandCancel:
		if IsTerminal(order.Status) {
			return Decision{}, invalid(order, cmd.Kind)
		}
		reason := cmd.Reason
		if reason == "" {
			reason = "cancelled_by_operator"
		}
		return Decision{
			Outcome: OutcomeApply,
			Action:  models.AuditActionCancelled,
			Changes: cancellation(Truncate(reason, 255), false, now),
			Notes:   "cancelled by operator",
			Publish: "order.cancelled",
		}, nil

	case CommandNoShow:
		if order.Status != models.OrderStatusReady {
			return Decision{}, invalid(order, cmd.Kind)
		}
		return noShow(now, "marked no-show by operator"), nil

	case CommandRefund:
		if !CanTransition(order.Status, models.OrderStatusRefunded) {
			return Decision{}, invalid(order, cmd.Kind)
		}
		amount := cmd.Amount
		if amount <= 0 {
			amount = order.Total
		}
		if amount > order.Total {
			return Decision{}, fmt.Errorf("refund %d exceeds total %d: %w", amount, order.Total, apperrors.ErrInvalidTransition)
		}
		changes := map[string]any{
			"status":        models.OrderStatusRefunded,
			"refund_amount": amount,
			"refunded_at":   now,
		}
		if order.RefundFlagged {
			changes["refund_flagged"] = false
		}
		return Decision{
			Outcome: OutcomeApply,
			Action:  models.AuditActionRefunded,
			Changes: changes,
			Notes:   "refunded by operator",
			Publish: "order.refunded",
		}, nil

	default:
		return Decision{}, fmt.Errorf("unknown command %q: %w", cmd.Kind, apperrors.ErrInvalidTransition)
	}
}

func noShow(now time.Time, notes string) Decision {
	return Decision{
		Outcome: OutcomeApply,
		Action:  models.AuditActionCancelled,
		Changes: cancellation(ReasonNoShow, true, now),
		Notes:   notes,
		Publish: "order.cancelled",
	}
}

// DecideAbandon cancels a pending order created at or before cutoff. Anything
// else, including an order confirmed since it was selected, is a no-op.
func DecideAbandon(order models.Order, cutoff, now time.Time) Decision {
	if order.Status != models.OrderStatusPending || order.CreatedAt.After(cutoff) {
		return noop(fmt.Sprintf("order no longer abandoned (status %s)", order.Status))
	}
	return Decision{
		Outcome: OutcomeApply,
		Action:  models.AuditActionCancelled,
		Changes: cancellation(ReasonAbandoned, false, now),
		Notes:   "unpaid checkout abandoned",
		Publish: "order.cancelled",
	}
}

// DecideNoShow cancels a ready order whose pickup window closed at or before cutoff.
func DecideNoShow(order models.Order, cutoff, now time.Time) Decision {
	if order.Status != models.OrderStatusReady || order.ReadyAt == nil || order.ReadyAt.After(cutoff) {
		return noop(fmt.Sprintf("order not overdue for pickup (status %s)", order.Status))
	}
	return noShow(now, "pickup window elapsed")
}
