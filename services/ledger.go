package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/yashrajoria/tourism-payments/lifecycle"
	"github.com/yashrajoria/tourism-payments/metrics"
	"github.com/yashrajoria/tourism-payments/models"
	"github.com/yashrajoria/tourism-payments/repository"
)

// Transition sources, used for metrics and logs.
const (
	SourceWebhook  = "webhook"
	SourceReaper   = "reaper"
	SourceOperator = "operator"
)

// TransitionRequest describes one ledger mutation. Decide runs on the row as
// read under lock; Within (optional) runs in the same transaction after the
// order and audit writes, so its effects commit or roll back with them.
type TransitionRequest struct {
	OrderID uuid.UUID
	Actor   string
	Source  string
	Decide  func(order models.Order) (lifecycle.Decision, error)
	Within  func(ctx context.Context, tx *gorm.DB) error
}

type TransitionResult struct {
	Order    *models.Order
	Decision lifecycle.Decision
}

// Ledger is the only writer of order state. Every mutation holds the
// per-order lock for its whole transaction and writes its audit entry in the
// same transaction.
type Ledger struct {
	db          *gorm.DB
	orders      repository.OrderRepository
	audit       repository.AuditRepository
	locks       *KeyedMutex
	publisher   EventPublisher
	metrics     *metrics.Recorder
	logger      *zap.Logger
	lockTimeout time.Duration
}

func NewLedger(
	db *gorm.DB,
	orders repository.OrderRepository,
	audit repository.AuditRepository,
	publisher EventPublisher,
	recorder *metrics.Recorder,
	logger *zap.Logger,
	lockTimeout time.Duration,
) *Ledger {
	if publisher == nil {
		publisher = noopPublisher{}
	}
	return &Ledger{
		db:          db,
		orders:      orders,
		audit:       audit,
		locks:       NewKeyedMutex(),
		publisher:   publisher,
		metrics:     recorder,
		logger:      logger,
		lockTimeout: lockTimeout,
	}
}

// Open records a new order and its "created" audit entry.
func (l *Ledger) Open(ctx context.Context, order *models.Order, actor string) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := l.orders.WithTx(tx).Create(ctx, order); err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		snap, err := repository.Snapshot(map[string]any{
			"status":   order.Status,
			"total":    order.Total,
			"currency": order.Currency,
		})
		if err != nil {
			return err
		}
		return l.audit.WithTx(tx).Append(ctx, &models.AuditEntry{
			OrderID:     order.ID,
			Action:      models.AuditActionCreated,
			NewValue:    snap,
			PerformedBy: actorPtr(actor),
		})
	})
}

// Transition applies one decision to an order atomically.
func (l *Ledger) Transition(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	unlock, err := l.locks.Lock(ctx, req.OrderID.String())
	if err != nil {
		return nil, fmt.Errorf("wait for order %s: %w", req.OrderID, err)
	}
	defer unlock()

	var result TransitionResult
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() == "postgres" && l.lockTimeout > 0 {
			if err := tx.Exec(fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", l.lockTimeout.Milliseconds())).Error; err != nil {
				return fmt.Errorf("set lock timeout: %w", err)
			}
		}

		orders := l.orders.WithTx(tx)
		order, err := orders.LockByID(ctx, req.OrderID)
		if err != nil {
			return err
		}

		decision, err := req.Decide(*order)
		if err != nil {
			return err
		}
		result.Decision = decision

		if decision.Outcome != lifecycle.OutcomeNoop {
			if err := l.record(ctx, tx, order, decision, req.Actor); err != nil {
				return err
			}
		}

		if req.Within != nil {
			if err := req.Within(ctx, tx); err != nil {
				return err
			}
		}

		if decision.Outcome == lifecycle.OutcomeNoop {
			result.Order = order
			return nil
		}
		result.Order, err = orders.FindByID(ctx, req.OrderID)
		return err
	})
	if err != nil {
		return nil, err
	}

	outcome := result.Decision.Outcome
	if l.metrics != nil {
		l.metrics.Transition(req.Source, outcome.String())
	}
	fields := []zap.Field{
		zap.String("order_id", req.OrderID.String()),
		zap.String("source", req.Source),
		zap.String("actor", req.Actor),
		zap.String("outcome", outcome.String()),
		zap.String("status", string(result.Order.Status)),
		zap.String("notes", result.Decision.Notes),
	}
	switch outcome {
	case lifecycle.OutcomeAnomaly:
		l.logger.Warn("Order anomaly recorded", fields...)
	case lifecycle.OutcomeApply:
		l.logger.Info("Order transition applied", fields...)
	default:
		l.logger.Debug("Order transition skipped", fields...)
	}

	if result.Decision.Publish != "" {
		l.publisher.PublishOrderEvent(ctx, paymentEvent(result.Order, result.Decision, req.Actor))
	}
	return &result, nil
}

// record bumps the order version even when nothing else changes, so every
// audit entry gets its own sequence number.
func (l *Ledger) record(ctx context.Context, tx *gorm.DB, order *models.Order, d lifecycle.Decision, actor string) error {
	if err := l.orders.WithTx(tx).Apply(ctx, order, d.Changes); err != nil {
		return err
	}

	prev, err := repository.Snapshot(order.Snapshot(d.Columns()...))
	if err != nil {
		return err
	}
	next, err := repository.Snapshot(d.Changes)
	if err != nil {
		return err
	}
	return l.audit.WithTx(tx).Append(ctx, &models.AuditEntry{
		OrderID:       order.ID,
		Seq:           order.Version + 1,
		Action:        d.Action,
		PreviousValue: prev,
		NewValue:      next,
		PerformedBy:   actorPtr(actor),
		Anomaly:       d.Outcome == lifecycle.OutcomeAnomaly,
		Notes:         d.Notes,
	})
}

func paymentEvent(o *models.Order, d lifecycle.Decision, actor string) models.PaymentEvent {
	evt := models.PaymentEvent{
		Type:        d.Publish,
		OrderID:     o.ID.String(),
		UserID:      o.UserID.String(),
		Status:      string(o.Status),
		Amount:      o.Total,
		Currency:    o.Currency,
		PerformedBy: actor,
		Timestamp:   time.Now().UTC(),
	}
	if o.GatewayPaymentID != nil {
		evt.GatewayPaymentID = *o.GatewayPaymentID
	}
	switch {
	case d.Outcome == lifecycle.OutcomeAnomaly:
		evt.Reason = d.Notes
	case o.Status == models.OrderStatusRefunded:
		evt.Amount = o.RefundAmount
	case o.Status == models.OrderStatusPending && o.LastPaymentFailure != nil:
		evt.Reason = *o.LastPaymentFailure
	case o.CancellationReason != nil:
		evt.Reason = *o.CancellationReason
	}
	return evt
}

func actorPtr(actor string) *string {
	if actor == "" {
		return nil
	}
	return &actor
}
