package services

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/yashrajoria/tourism-payments/lifecycle"
	"github.com/yashrajoria/tourism-payments/metrics"
	"github.com/yashrajoria/tourism-payments/models"
	"github.com/yashrajoria/tourism-payments/repository"
)

type ReaperConfig struct {
	AbandonAfter time.Duration
	// NoShowAfter of zero disables the no-show sweep.
	NoShowAfter time.Duration
	Interval    time.Duration
	PageSize    int
}

type SweepResult struct {
	Abandoned int
	NoShows   int
}

// Reaper cancels orders that sat too long in pending (never paid) or, when
// enabled, in ready (never picked up). Candidates are re-checked under the
// ledger lock, so an order paid mid-sweep is left alone.
type Reaper struct {
	orders  repository.OrderRepository
	ledger  *Ledger
	cfg     ReaperConfig
	metrics *metrics.Recorder
	logger  *zap.Logger
	now     func() time.Time
}

func NewReaper(orders repository.OrderRepository, ledger *Ledger, cfg ReaperConfig, recorder *metrics.Recorder, logger *zap.Logger) *Reaper {
	if cfg.PageSize < 1 {
		cfg.PageSize = 100
	}
	return &Reaper{
		orders:  orders,
		ledger:  ledger,
		cfg:     cfg,
		metrics: recorder,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *Reaper) Run(ctx context.Context) error {
	return RunPeriodic(ctx, r.logger, "reaper", r.cfg.Interval, func(ctx context.Context) error {
		_, err := r.Sweep(ctx)
		return err
	})
}

// Sweep makes one pass. Per-order failures are collected and returned
// together; they never stop the pass.
func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	now := r.now()
	var (
		result SweepResult
		errs   *multierror.Error
	)

	cutoff := now.Add(-r.cfg.AbandonAfter)
	n, err := r.sweep(ctx, repository.OverdueQuery{
		Status: models.OrderStatusPending,
		Column: "created_at",
		Cutoff: cutoff,
	}, lifecycle.ReasonAbandoned, func(o models.Order) lifecycle.Decision {
		return lifecycle.DecideAbandon(o, cutoff, now)
	})
	result.Abandoned = n
	errs = multierror.Append(errs, err)

	if r.cfg.NoShowAfter > 0 {
		readyCutoff := now.Add(-r.cfg.NoShowAfter)
		n, err := r.sweep(ctx, repository.OverdueQuery{
			Status: models.OrderStatusReady,
			Column: "ready_at",
			Cutoff: readyCutoff,
		}, lifecycle.ReasonNoShow, func(o models.Order) lifecycle.Decision {
			return lifecycle.DecideNoShow(o, readyCutoff, now)
		})
		result.NoShows = n
		errs = multierror.Append(errs, err)
	}

	if result.Abandoned > 0 || result.NoShows > 0 {
		r.logger.Info("Reaper sweep finished", zap.Int("abandoned", result.Abandoned), zap.Int("no_shows", result.NoShows))
	}
	return result, errs.ErrorOrNil()
}

func (r *Reaper) sweep(ctx context.Context, q repository.OverdueQuery, reason string, decide func(models.Order) lifecycle.Decision) (int, error) {
	q.Limit = r.cfg.PageSize
	var (
		cancelled int
		errs      *multierror.Error
	)
	for {
		page, err := r.orders.FindOverdue(ctx, q)
		if err != nil {
			return cancelled, multierror.Append(errs, err).ErrorOrNil()
		}
		for _, candidate := range page {
			if ctx.Err() != nil {
				return cancelled, multierror.Append(errs, ctx.Err()).ErrorOrNil()
			}
			res, err := r.ledger.Transition(ctx, TransitionRequest{
				OrderID: candidate.ID,
				Actor:   models.ActorReaper,
				Source:  SourceReaper,
				Decide: func(o models.Order) (lifecycle.Decision, error) {
					return decide(o), nil
				},
			})
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("order %s: %w", candidate.ID, err))
				continue
			}
			if res.Decision.Outcome == lifecycle.OutcomeApply {
				cancelled++
				if r.metrics != nil {
					r.metrics.OrderReaped(reason)
				}
			}
		}
		if len(page) < q.Limit {
			return cancelled, errs.ErrorOrNil()
		}
		q.AfterID = page[len(page)-1].ID
	}
}
