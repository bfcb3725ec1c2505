package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	apperrors "github.com/yashrajoria/tourism-payments/errors"
	"github.com/yashrajoria/tourism-payments/gateway"
	"github.com/yashrajoria/tourism-payments/lifecycle"
	"github.com/yashrajoria/tourism-payments/metrics"
	"github.com/yashrajoria/tourism-payments/models"
	"github.com/yashrajoria/tourism-payments/repository"
)

type DispatcherConfig struct {
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	PollInterval  time.Duration
	Lease         time.Duration
	Workers       int
	BatchSize     int
	FailurePolicy lifecycle.FailurePolicy
}

// Dispatcher drains the event store. Each event is applied to its order
// through the Ledger; failures are rescheduled with exponential backoff until
// MaxAttempts, after which the event is parked for an operator.
type Dispatcher struct {
	events   repository.EventRepository
	orders   repository.OrderRepository
	ledger   *Ledger
	registry *gateway.Registry
	notifier Notifier
	cfg      DispatcherConfig
	metrics  *metrics.Recorder
	logger   *zap.Logger
	now      func() time.Time
}

func NewDispatcher(
	events repository.EventRepository,
	orders repository.OrderRepository,
	ledger *Ledger,
	registry *gateway.Registry,
	notifier Notifier,
	cfg DispatcherConfig,
	recorder *metrics.Recorder,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if notifier == nil {
		notifier = NewChanNotifier()
	}
	return &Dispatcher{
		events:   events,
		orders:   orders,
		ledger:   ledger,
		registry: registry,
		notifier: notifier,
		cfg:      cfg,
		metrics:  recorder,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run loops until ctx is cancelled. A full batch is followed immediately by
// another claim; otherwise the loop waits for a wake-up or the poll interval.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("Dispatcher started",
		zap.Int("workers", d.cfg.Workers),
		zap.Int("batch_size", d.cfg.BatchSize),
		zap.Int("max_attempts", d.cfg.MaxAttempts),
	)
	for {
		n, err := d.RunOnce(ctx)
		if ctx.Err() != nil {
			d.logger.Info("Dispatcher stopped")
			return nil
		}
		if err != nil {
			d.logger.Error("Dispatch cycle failed", zap.Error(err))
		}
		if err == nil && n == d.cfg.BatchSize {
			continue
		}
		d.notifier.Wait(ctx, d.cfg.PollInterval)
	}
}

// RunOnce claims one batch and processes it on the worker pool. It returns
// the number of events claimed.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	claimed, err := d.events.ClaimDue(ctx, d.now(), d.cfg.Lease, d.cfg.MaxAttempts, d.cfg.BatchSize)
	if err != nil {
		return len(claimed), fmt.Errorf("claim events: %w", err)
	}

	g := new(errgroup.Group)
	g.SetLimit(d.cfg.Workers)
	for i := range claimed {
		ev := claimed[i]
		g.Go(func() error {
			d.handle(ctx, ev)
			return nil
		})
	}
	_ = g.Wait()
	return len(claimed), nil
}

func (d *Dispatcher) handle(ctx context.Context, ev models.WebhookEvent) {
	start := time.Now()
	err := d.process(ctx, ev)
	if err == nil {
		d.observe("processed", start)
		return
	}
	if ctx.Err() != nil {
		// Shutting down: the lease lapses and the event is claimed again later.
		return
	}
	d.fail(ctx, ev, err, start)
}

func (d *Dispatcher) process(ctx context.Context, ev models.WebhookEvent) error {
	now := d.now()

	gw, err := d.registry.Get(ev.Provider)
	if err != nil {
		return apperrors.Permanent(err)
	}
	env, err := gw.Decode(ev.Payload)
	if err != nil {
		return apperrors.Permanent(err)
	}

	kind := lifecycle.KindOf(ev.EventType)
	switch kind {
	case lifecycle.KindUnknown:
		return apperrors.Permanent(fmt.Errorf("event type %q: %w", ev.EventType, apperrors.ErrUnknownEventType))
	case lifecycle.KindInformational:
		return d.events.MarkProcessed(ctx, ev.ID, now)
	}

	order, err := d.resolve(ctx, env)
	if err != nil {
		return err
	}

	payment := lifecycle.Payment{
		Kind:             kind,
		EventType:        ev.EventType,
		GatewayPaymentID: env.GatewayPaymentID,
		Amount:           env.Amount,
		FailureReason:    env.FailureReason,
	}
	_, err = d.ledger.Transition(ctx, TransitionRequest{
		OrderID: order.ID,
		Actor:   models.WebhookActor(ev.ProviderEventID),
		Source:  SourceWebhook,
		Decide: func(o models.Order) (lifecycle.Decision, error) {
			return lifecycle.Decide(o, payment, d.cfg.FailurePolicy, now)
		},
		Within: func(ctx context.Context, tx *gorm.DB) error {
			return d.events.WithTx(tx).MarkProcessed(ctx, ev.ID, now)
		},
	})
	return err
}

// resolve finds the order an envelope refers to. Payment-level events for a
// checkout carry no checkout id, so they fall back to the payment id recorded
// when the checkout was confirmed. Until then they stay unresolved and retry.
func (d *Dispatcher) resolve(ctx context.Context, env gateway.Envelope) (*models.Order, error) {
	order, err := d.orders.FindByCorrelation(ctx, env.CheckoutID, env.PaymentIntentID)
	if err == nil || !errors.Is(err, apperrors.ErrOrderNotFound) || env.CheckoutID != "" || env.GatewayPaymentID == "" {
		return order, err
	}
	byPayment, perr := d.orders.FindByGatewayPaymentID(ctx, env.GatewayPaymentID)
	if perr != nil && !errors.Is(perr, apperrors.ErrOrderNotFound) {
		return nil, perr
	}
	if perr != nil {
		return nil, err
	}
	return byPayment, nil
}

func (d *Dispatcher) fail(ctx context.Context, ev models.WebhookEvent, cause error, start time.Time) {
	attempts := ev.Attempts + 1
	if apperrors.IsPermanent(cause) && attempts < d.cfg.MaxAttempts {
		attempts = d.cfg.MaxAttempts
	}

	var next *time.Time
	result := "parked"
	if attempts < d.cfg.MaxAttempts {
		at := d.now().Add(Backoff(attempts, d.cfg.BackoffBase, d.cfg.BackoffMax))
		next = &at
		result = "failed"
	}

	msg := lifecycle.Truncate(cause.Error(), 1000)
	if err := d.events.MarkFailed(ctx, ev.ID, attempts, msg, next); err != nil {
		d.logger.Error("Failed to record event failure", zap.String("event_id", ev.ID.String()), zap.Error(errors.Join(cause, err)))
		return
	}
	d.observe(result, start)

	fields := []zap.Field{
		zap.String("event_id", ev.ID.String()),
		zap.String("provider_event_id", ev.ProviderEventID),
		zap.String("event_type", ev.EventType),
		zap.Int("attempts", attempts),
		zap.String("kind", apperrors.Kind(cause)),
		zap.Error(cause),
	}
	if next == nil {
		d.logger.Error("Webhook event parked", fields...)
		return
	}
	d.logger.Warn("Webhook event failed, will retry", append(fields, zap.Time("next_attempt_at", *next))...)
}

func (d *Dispatcher) observe(result string, start time.Time) {
	if d.metrics != nil {
		d.metrics.EventDispatched(result, time.Since(start))
	}
}

// Backoff returns base * 2^(attempts-1), capped at ceiling.
func Backoff(attempts int, base, ceiling time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	for i := 1; i < attempts; i++ {
		if delay >= ceiling/2 {
			return ceiling
		}
		delay *= 2
	}
	return min(delay, ceiling)
}
