package lifecycle

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/yashrajoria/tourism-payments/errors"
	"github.com/yashrajoria/tourism-payments/models"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

func order(status models.OrderStatus) models.Order {
	return models.Order{Status: status, Total: 150000, Currency: "php", CreatedAt: now.Add(-time.Hour)}
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindSucceeded, KindOf("payment.paid"))
	assert.Equal(t, KindSucceeded, KindOf("checkout.session.completed"))
	assert.Equal(t, KindFailed, KindOf("payment.failed"))
	assert.Equal(t, KindRefunded, KindOf("charge.refunded"))
	assert.Equal(t, KindInformational, KindOf("source.chargeable"))
	assert.Equal(t, KindUnknown, KindOf("payment.disputed"))
	assert.Equal(t, "unknown", KindOf("").String())
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name      string
		order     models.Order
		payment   Payment
		policy    FailurePolicy
		want      Outcome
		wantState models.OrderStatus
	}{
		{"paid confirms pending", order(models.OrderStatusPending), Payment{Kind: KindSucceeded, GatewayPaymentID: "pay_1"}, FailurePolicyCancel, OutcomeApply, models.OrderStatusConfirmed},
		{"paid again on confirmed", order(models.OrderStatusConfirmed), Payment{Kind: KindSucceeded}, FailurePolicyCancel, OutcomeNoop, ""},
		{"paid on ready", order(models.OrderStatusReady), Payment{Kind: KindSucceeded}, FailurePolicyCancel, OutcomeNoop, ""},
		{"paid on cancelled", order(models.OrderStatusCancelled), Payment{Kind: KindSucceeded}, FailurePolicyCancel, OutcomeAnomaly, ""},
		{"paid on refunded", order(models.OrderStatusRefunded), Payment{Kind: KindSucceeded}, FailurePolicyCancel, OutcomeAnomaly, ""},
		{"failed cancels pending", order(models.OrderStatusPending), Payment{Kind: KindFailed}, FailurePolicyCancel, OutcomeApply, models.OrderStatusCancelled},
		{"failed keeps pending under retry policy", order(models.OrderStatusPending), Payment{Kind: KindFailed}, FailurePolicyRetryPayment, OutcomeApply, ""},
		{"stale failure on confirmed under retry policy", order(models.OrderStatusConfirmed), Payment{Kind: KindFailed}, FailurePolicyRetryPayment, OutcomeNoop, ""},
		{"stale failure on confirmed", order(models.OrderStatusConfirmed), Payment{Kind: KindFailed}, FailurePolicyCancel, OutcomeNoop, ""},
		{"refund after pickup", order(models.OrderStatusPickedUp), Payment{Kind: KindRefunded}, FailurePolicyCancel, OutcomeApply, models.OrderStatusRefunded},
		{"refund on cancelled", order(models.OrderStatusCancelled), Payment{Kind: KindRefunded, Amount: 1000}, FailurePolicyCancel, OutcomeApply, models.OrderStatusRefunded},
		{"refund twice", order(models.OrderStatusRefunded), Payment{Kind: KindRefunded}, FailurePolicyCancel, OutcomeNoop, ""},
		{"refund on active order", order(models.OrderStatusPreparing), Payment{Kind: KindRefunded}, FailurePolicyCancel, OutcomeAnomaly, ""},
		{"refund above total", order(models.OrderStatusPickedUp), Payment{Kind: KindRefunded, Amount: 999999}, FailurePolicyCancel, OutcomeAnomaly, ""},
		{"informational", order(models.OrderStatusPending), Payment{Kind: KindInformational, EventType: "source.chargeable"}, FailurePolicyCancel, OutcomeNoop, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Decide(tt.order, tt.payment, tt.policy, now)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Outcome)

			target, ok := d.Target()
			if tt.wantState == "" {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.wantState, target)
			assert.True(t, CanTransition(tt.order.Status, target))
		})
	}
}

func TestDecide_UnknownTypeIsPermanent(t *testing.T) {
	_, err := Decide(order(models.OrderStatusPending), Payment{Kind: KindUnknown, EventType: "payment.disputed"}, FailurePolicyCancel, now)

	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrUnknownEventType)
	assert.True(t, apperrors.IsPermanent(err))
}

func TestDecide_SucceededRecordsPaymentID(t *testing.T) {
	d, err := Decide(order(models.OrderStatusPending), Payment{Kind: KindSucceeded, GatewayPaymentID: "pay_1"}, FailurePolicyCancel, now)
	require.NoError(t, err)

	assert.Equal(t, "pay_1", d.Changes["gateway_payment_id"])
	assert.Equal(t, now, d.Changes["confirmed_at"])
	assert.Equal(t, models.AuditActionStatusChanged, d.Action)
	assert.Equal(t, "order.confirmed", d.Publish)
	assert.Equal(t, []string{"confirmed_at", "gateway_payment_id", "status"}, d.Columns())
}

func TestDecide_ConflictingPaymentID(t *testing.T) {
	o := order(models.OrderStatusPending)
	o.GatewayPaymentID = strPtr("pay_1")

	d, err := Decide(o, Payment{Kind: KindSucceeded, GatewayPaymentID: "pay_2"}, FailurePolicyCancel, now)
	require.NoError(t, err)

	assert.Equal(t, OutcomeAnomaly, d.Outcome)
	assert.Equal(t, true, d.Changes["refund_flagged"])
	_, changesStatus := d.Target()
	assert.False(t, changesStatus)
}

func TestDecide_AnomalyOnFlaggedOrderChangesNothing(t *testing.T) {
	o := order(models.OrderStatusCancelled)
	o.RefundFlagged = true

	d, err := Decide(o, Payment{Kind: KindSucceeded}, FailurePolicyCancel, now)
	require.NoError(t, err)

	assert.Equal(t, OutcomeAnomaly, d.Outcome)
	assert.Empty(t, d.Changes)
}

func TestDecide_FailureReason(t *testing.T) {
	d, err := Decide(order(models.OrderStatusPending), Payment{Kind: KindFailed, FailureReason: "card_declined"}, FailurePolicyCancel, now)
	require.NoError(t, err)

	assert.Equal(t, "payment_failed: card_declined", d.Changes["cancellation_reason"])
}

func TestDecide_RetryPolicyRecordsFailure(t *testing.T) {
	d, err := Decide(order(models.OrderStatusPending), Payment{Kind: KindFailed, FailureReason: "card_declined"}, FailurePolicyRetryPayment, now)
	require.NoError(t, err)

	assert.Equal(t, OutcomeApply, d.Outcome)
	assert.Equal(t, models.AuditActionPaymentUpdated, d.Action)
	assert.Equal(t, map[string]any{"last_payment_failure": "payment_failed: card_declined"}, d.Changes)
	assert.Equal(t, "order.payment_failed", d.Publish)
	_, changesStatus := d.Target()
	assert.False(t, changesStatus)
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "declined", 255, "declined"},
		{"ascii cut", "abcdef", 4, "abcd"},
		{"two byte rune at boundary", "aé", 2, "a"},
		{"three byte rune", "日本語", 7, "日本"},
		{"nothing fits", "é", 1, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Truncate(tt.in, tt.n)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
			assert.LessOrEqual(t, len(got), tt.n)
		})
	}
}

func TestDecide_MultiByteFailureReasonStaysValid(t *testing.T) {
	d, err := Decide(order(models.OrderStatusPending), Payment{Kind: KindFailed, FailureReason: strings.Repeat("é", 200)}, FailurePolicyCancel, now)
	require.NoError(t, err)

	reason, ok := d.Changes["cancellation_reason"].(string)
	require.True(t, ok)
	assert.True(t, utf8.ValidString(reason))
	assert.LessOrEqual(t, len(reason), 255)
}

func TestDecideManual(t *testing.T) {
	t.Run("advance walks the lifecycle", func(t *testing.T) {
		o := order(models.OrderStatusConfirmed)
		path := []models.OrderStatus{models.OrderStatusPending, models.OrderStatusConfirmed}
		for _, col := range []string{"preparation_started_at", "ready_at", "picked_up_at"} {
			d, err := DecideManual(o, Command{Kind: CommandAdvance}, now)
			require.NoError(t, err)
			assert.Contains(t, d.Changes, col)
			o.Status, _ = d.Target()
			path = append(path, o.Status)
		}
		assert.Equal(t, models.OrderStatusPickedUp, o.Status)
		assert.NoError(t, ValidPath(path))

		_, err := DecideManual(o, Command{Kind: CommandAdvance}, now)
		assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
	})

	t.Run("advance from pending is rejected", func(t *testing.T) {
		_, err := DecideManual(order(models.OrderStatusPending), Command{Kind: CommandAdvance}, now)
		assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
	})

	t.Run("cancel", func(t *testing.T) {
		d, err := DecideManual(order(models.OrderStatusPreparing), Command{Kind: CommandCancel, Reason: "kitchen closed"}, now)
		require.NoError(t, err)
		assert.Equal(t, "kitchen closed", d.Changes["cancellation_reason"])

		_, err = DecideManual(order(models.OrderStatusPickedUp), Command{Kind: CommandCancel}, now)
		assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
	})

	t.Run("no show only from ready", func(t *testing.T) {
		d, err := DecideManual(order(models.OrderStatusReady), Command{Kind: CommandNoShow}, now)
		require.NoError(t, err)
		assert.Equal(t, true, d.Changes["no_show"])
		assert.Equal(t, ReasonNoShow, d.Changes["cancellation_reason"])

		_, err = DecideManual(order(models.OrderStatusConfirmed), Command{Kind: CommandNoShow}, now)
		assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
	})

	t.Run("refund", func(t *testing.T) {
		o := order(models.OrderStatusCancelled)
		o.RefundFlagged = true
		d, err := DecideManual(o, Command{Kind: CommandRefund}, now)
		require.NoError(t, err)
		assert.Equal(t, o.Total, d.Changes["refund_amount"])
		assert.Equal(t, false, d.Changes["refund_flagged"])

		_, err = DecideManual(order(models.OrderStatusReady), Command{Kind: CommandRefund}, now)
		assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)

		_, err = DecideManual(order(models.OrderStatusPickedUp), Command{Kind: CommandRefund, Amount: o.Total + 1}, now)
		assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
	})
}

func TestDecideAbandon(t *testing.T) {
	cutoff := now.Add(-30 * time.Minute)

	stale := order(models.OrderStatusPending)
	stale.CreatedAt = now.Add(-31 * time.Minute)
	d := DecideAbandon(stale, cutoff, now)
	assert.Equal(t, OutcomeApply, d.Outcome)
	assert.Equal(t, ReasonAbandoned, d.Changes["cancellation_reason"])

	fresh := order(models.OrderStatusPending)
	fresh.CreatedAt = now.Add(-10 * time.Minute)
	assert.Equal(t, OutcomeNoop, DecideAbandon(fresh, cutoff, now).Outcome)

	paid := stale
	paid.Status = models.OrderStatusConfirmed
	assert.Equal(t, OutcomeNoop, DecideAbandon(paid, cutoff, now).Outcome)
}

func TestDecideNoShow(t *testing.T) {
	cutoff := now.Add(-2 * time.Hour)
	readyAt := now.Add(-3 * time.Hour)

	o := order(models.OrderStatusReady)
	o.ReadyAt = &readyAt
	d := DecideNoShow(o, cutoff, now)
	assert.Equal(t, OutcomeApply, d.Outcome)
	assert.Equal(t, true, d.Changes["no_show"])

	o.ReadyAt = &now
	assert.Equal(t, OutcomeNoop, DecideNoShow(o, cutoff, now).Outcome)
}

func TestValidPath(t *testing.T) {
	assert.NoError(t, ValidPath(nil))
	assert.NoError(t, ValidPath([]models.OrderStatus{"pending", "confirmed", "cancelled", "refunded"}))
	assert.ErrorIs(t, ValidPath([]models.OrderStatus{"confirmed", "preparing"}), apperrors.ErrInvalidTransition)
	assert.ErrorIs(t, ValidPath([]models.OrderStatus{"pending", "ready"}), apperrors.ErrInvalidTransition)
	assert.ErrorIs(t, ValidPath([]models.OrderStatus{"pending", "cancelled", "confirmed"}), apperrors.ErrInvalidTransition)
}

func TestParseFailurePolicy(t *testing.T) {
	p, err := ParseFailurePolicy("retry_payment")
	require.NoError(t, err)
	assert.Equal(t, FailurePolicyRetryPayment, p)

	_, err = ParseFailurePolicy("ignore")
	assert.Error(t, err)
}
