package services

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/yashrajoria/tourism-payments/errors"
	"github.com/yashrajoria/tourism-payments/lifecycle"
	"github.com/yashrajoria/tourism-payments/models"
	"github.com/yashrajoria/tourism-payments/repository"
	"github.com/yashrajoria/tourism-payments/testutil"
)

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{6, 16 * time.Minute},
		{7, 30 * time.Minute},
		{50, 30 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempts, 30*time.Second, 30*time.Minute), "attempts=%d", tt.attempts)
	}
}

func TestKeyedMutex(t *testing.T) {
	km := NewKeyedMutex()
	ctx := context.Background()

	unlock, err := km.Lock(ctx, "a")
	require.NoError(t, err)

	// Other keys are independent.
	unlockB, err := km.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = km.Lock(waitCtx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	acquired := make(chan struct{})
	go func() {
		u, err := km.Lock(ctx, "a")
		if err == nil {
			close(acquired)
			u()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	unlock() // idempotent
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}

	assert.Eventually(t, func() bool { return km.size() == 0 }, time.Second, 5*time.Millisecond)
}

func TestKeyedMutex_Serializes(t *testing.T) {
	km := NewKeyedMutex()
	var (
		wg      sync.WaitGroup
		inside  int32
		overlap atomic.Bool
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := km.Lock(context.Background(), "order")
			if err != nil {
				return
			}
			if atomic.AddInt32(&inside, 1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.False(t, overlap.Load())
	assert.Equal(t, 0, km.size())
}

func TestRunPeriodic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32

	done := make(chan error, 1)
	go func() {
		done <- RunPeriodic(ctx, zap.NewNop(), "test", 5*time.Millisecond, func(context.Context) error {
			switch calls.Add(1) {
			case 1:
				panic("boom")
			case 2:
				return errors.New("transient")
			}
			return nil
		})
	}()

	assert.Eventually(t, func() bool { return calls.Load() >= 4 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("RunPeriodic did not stop")
	}
}

func TestRunPeriodic_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	err := RunPeriodic(ctx, zap.NewNop(), "test", time.Hour, func(context.Context) error {
		ran = true
		return nil
	})
	assert.NoError(t, err)
	assert.False(t, ran)
}

type fakeSNS struct {
	mu       sync.Mutex
	topics   []string
	types    []string
	bodies   [][]byte
	err      error
	deadline bool
}

func (f *fakeSNS) Publish(ctx context.Context, topicArn, eventType string, message []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, f.deadline = ctx.Deadline()
	f.topics = append(f.topics, topicArn)
	f.types = append(f.types, eventType)
	f.bodies = append(f.bodies, message)
	return f.err
}

func TestSNSEventPublisher(t *testing.T) {
	sns := &fakeSNS{}
	pub := NewSNSEventPublisher(sns, "arn:aws:sns:ap-southeast-1:000000000000:payments", zap.NewNop())

	// A cancelled caller context must not stop the announcement.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pub.PublishOrderEvent(ctx, models.PaymentEvent{Type: "order.confirmed", OrderID: "o-1", Amount: 1500})

	require.Len(t, sns.types, 1)
	assert.Equal(t, "order.confirmed", sns.types[0])
	assert.True(t, sns.deadline)
	assert.Contains(t, string(sns.bodies[0]), `"order_id":"o-1"`)

	sns.err = errors.New("throttled")
	assert.NotPanics(t, func() {
		pub.PublishOrderEvent(context.Background(), models.PaymentEvent{Type: "order.cancelled"})
	})

	assert.IsType(t, noopPublisher{}, NewSNSEventPublisher(nil, "arn", zap.NewNop()))
	assert.IsType(t, noopPublisher{}, NewSNSEventPublisher(sns, "", zap.NewNop()))
}

func TestChanNotifier(t *testing.T) {
	n := NewChanNotifier()
	n.Notify(context.Background())
	n.Notify(context.Background()) // coalesced

	start := time.Now()
	n.Wait(context.Background(), time.Second)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	start = time.Now()
	n.Wait(context.Background(), 20*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestRedisNotifier_FallsBackWhenUnavailable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:0",
		Dialer: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return nil, errors.New("redis disabled in tests")
		},
		MaxRetries: -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })
	n := NewRedisNotifier(rdb, zap.NewNop())

	assert.NotPanics(t, func() { n.Notify(context.Background()) })

	start := time.Now()
	n.Wait(context.Background(), 30*time.Millisecond)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestTokenSweeper(t *testing.T) {
	db := testutil.NewTestDB(t)
	tokens := repository.NewGormTokenRepo(db)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	revoked := now.Add(-48 * time.Hour)

	seed := []models.AuthToken{
		{Kind: models.AuthTokenRefresh, ExpiresAt: now.Add(-72 * time.Hour)},
		{Kind: models.AuthTokenRefresh, ExpiresAt: now.Add(-36 * time.Hour)},
		{Kind: models.AuthTokenPasswordReset, ExpiresAt: now.Add(-time.Hour)},
		{Kind: models.AuthTokenRefresh, ExpiresAt: now.Add(time.Hour), RevokedAt: &revoked},
		{Kind: models.AuthTokenEmailVerification, ExpiresAt: now.Add(24 * time.Hour)},
	}
	for i := range seed {
		seed[i].UserID = uuid.New()
		seed[i].TokenHash = uuid.NewString()
		require.NoError(t, tokens.Create(ctx, &seed[i]))
	}

	sweeper := NewTokenSweeper(tokens, 24*time.Hour, time.Hour, nil, zap.NewNop())
	sweeper.now = func() time.Time { return now }
	sweeper.batchSize = 2

	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	left, err := tokens.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), left)

	n, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIntake_Rejections(t *testing.T) {
	h := newHarness(t, lifecycle.FailurePolicyCancel)
	payload := []byte(`{"data":{"id":"evt_x","attributes":{"type":"payment.paid"}}}`)

	header := http.Header{}
	header.Set("Paymongo-Signature", "t=1,te=deadbeef,li=")
	_, err := h.intake.Receive(context.Background(), "paymongo", payload, header)
	assert.ErrorIs(t, err, apperrors.ErrInvalidSignature)
	assert.Equal(t, http.StatusBadRequest, apperrors.HTTPStatus(err))

	_, err = h.intake.Receive(context.Background(), "gcash", payload, header)
	assert.ErrorIs(t, err, apperrors.ErrUnknownProvider)

	_, err = h.events.FindByProviderEventID(context.Background(), "evt_x")
	assert.ErrorIs(t, err, apperrors.ErrEventNotFound)
}

func TestIntake_StoreUnavailable(t *testing.T) {
	h := newHarness(t, lifecycle.FailurePolicyCancel)
	sqlDB, err := h.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = h.deliver("evt_down", "payment.paid", "chk_down")
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, apperrors.HTTPStatus(err))
}

func TestReaper_NoShowSweep(t *testing.T) {
	h := newHarness(t, lifecycle.FailurePolicyCancel)
	h.reaper.cfg.NoShowAfter = 2 * time.Hour
	ctx := context.Background()

	o := h.openOrder("chk_ns", t0)
	h.mustDeliver("evt_ns", "payment.paid", "chk_ns")
	h.dispatch()
	for i := 0; i < 2; i++ {
		_, err := h.operator.Act(ctx, o.ID, "staff", lifecycle.Command{Kind: lifecycle.CommandAdvance})
		require.NoError(t, err)
	}

	h.clock.Set(t0.Add(time.Hour))
	res, err := h.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.NoShows)

	h.clock.Set(t0.Add(3 * time.Hour))
	res, err = h.reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.NoShows)

	got := h.order(o.ID)
	assert.Equal(t, models.OrderStatusCancelled, got.Status)
	assert.True(t, got.NoShow)
	assert.Equal(t, lifecycle.ReasonNoShow, *got.CancellationReason)
}

func TestReaper_PagesThroughBacklog(t *testing.T) {
	h := newHarness(t, lifecycle.FailurePolicyCancel)
	for _, id := range []string{"chk_a", "chk_b", "chk_c", "chk_d", "chk_e"} {
		h.openOrder(id, t0)
	}
	h.clock.Set(t0.Add(time.Hour))

	res, err := h.reaper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Abandoned)
}
