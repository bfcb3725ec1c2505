package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/yashrajoria/tourism-payments/metrics"
	"github.com/yashrajoria/tourism-payments/repository"
)

// TokenSweeper deletes auth tokens that expired or were revoked more than
// Retention ago.
type TokenSweeper struct {
	tokens    repository.TokenRepository
	retention time.Duration
	interval  time.Duration
	batchSize int
	metrics   *metrics.Recorder
	logger    *zap.Logger
	now       func() time.Time
}

func NewTokenSweeper(tokens repository.TokenRepository, retention, interval time.Duration, recorder *metrics.Recorder, logger *zap.Logger) *TokenSweeper {
	return &TokenSweeper{
		tokens:    tokens,
		retention: retention,
		interval:  interval,
		batchSize: 500,
		metrics:   recorder,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *TokenSweeper) Run(ctx context.Context) error {
	return RunPeriodic(ctx, s.logger, "token-sweeper", s.interval, func(ctx context.Context) error {
		_, err := s.Sweep(ctx)
		return err
	})
}

// Sweep deletes in batches until a batch comes back short.
func (s *TokenSweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention)
	var total int64
	for {
		n, err := s.tokens.DeleteStale(ctx, cutoff, s.batchSize)
		total += n
		if s.metrics != nil {
			s.metrics.TokensSwept(n)
		}
		if err != nil {
			return total, err
		}
		if n < int64(s.batchSize) || ctx.Err() != nil {
			break
		}
	}
	if total > 0 {
		s.logger.Info("Stale auth tokens deleted", zap.Int64("count", total))
	}
	return total, nil
}
