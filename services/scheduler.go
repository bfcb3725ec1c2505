package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RunPeriodic runs task once immediately and then every interval until ctx is
// cancelled. A failing or panicking iteration is logged and the next tick
// still fires. It returns nil on cancellation.
func RunPeriodic(ctx context.Context, logger *zap.Logger, name string, interval time.Duration, task func(context.Context) error) error {
	logger.Info("Periodic task started", zap.String("task", name), zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if ctx.Err() == nil {
			runOnce(ctx, logger, name, task)
		}
		select {
		case <-ctx.Done():
			logger.Info("Periodic task stopped", zap.String("task", name))
			return nil
		case <-ticker.C:
		}
	}
}

func runOnce(ctx context.Context, logger *zap.Logger, name string, task func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Periodic task panicked", zap.String("task", name), zap.Error(fmt.Errorf("panic: %v", r)), zap.Stack("stack"))
		}
	}()

	start := time.Now()
	if err := task(ctx); err != nil && ctx.Err() == nil {
		logger.Error("Periodic task failed", zap.String("task", name), zap.Duration("took", time.Since(start)), zap.Error(err))
		return
	}
	logger.Debug("Periodic task finished", zap.String("task", name), zap.Duration("took", time.Since(start)))
}
