package services

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Notifier wakes the dispatcher when new work is stored. Signals may be lost
// or coalesced; the dispatcher's poll interval bounds the delay either way.
type Notifier interface {
	Notify(ctx context.Context)
	// Wait returns after a signal, after timeout, or when ctx is done.
	Wait(ctx context.Context, timeout time.Duration)
}

type chanNotifier struct {
	ch chan struct{}
}

// NewChanNotifier signals within a single process.
func NewChanNotifier() Notifier {
	return &chanNotifier{ch: make(chan struct{}, 1)}
}

func (n *chanNotifier) Notify(context.Context) {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

func (n *chanNotifier) Wait(ctx context.Context, timeout time.Duration) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-n.ch:
	case <-t.C:
	case <-ctx.Done():
	}
}

const wakeupKey = "payments:dispatch:wakeup"

type redisNotifier struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewRedisNotifier signals through a Redis list so intake on one replica can
// wake a dispatcher on another.
func NewRedisNotifier(rdb *redis.Client, logger *zap.Logger) Notifier {
	return &redisNotifier{rdb: rdb, logger: logger}
}

func (n *redisNotifier) Notify(ctx context.Context) {
	pipe := n.rdb.Pipeline()
	pipe.LPush(ctx, wakeupKey, "1")
	pipe.LTrim(ctx, wakeupKey, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		n.logger.Debug("Dispatcher wake-up not sent", zap.Error(err))
	}
}

func (n *redisNotifier) Wait(ctx context.Context, timeout time.Duration) {
	_, err := n.rdb.BLPop(ctx, timeout, wakeupKey).Result()
	if err == nil || errors.Is(err, redis.Nil) || ctx.Err() != nil {
		return
	}
	n.logger.Debug("redis BLPop failed", zap.Error(err))
	// Redis is down: fall back to sleeping out the interval.
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
