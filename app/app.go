// Package app wires the payment pipeline together and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/yashrajoria/tourism-payments/config"
	"github.com/yashrajoria/tourism-payments/controllers"
	"github.com/yashrajoria/tourism-payments/database"
	"github.com/yashrajoria/tourism-payments/gateway"
	"github.com/yashrajoria/tourism-payments/lifecycle"
	"github.com/yashrajoria/tourism-payments/logger"
	"github.com/yashrajoria/tourism-payments/metrics"
	"github.com/yashrajoria/tourism-payments/middleware"
	aws_pkg "github.com/yashrajoria/tourism-payments/pkg/aws"
	"github.com/yashrajoria/tourism-payments/repository"
	"github.com/yashrajoria/tourism-payments/routes"
	"github.com/yashrajoria/tourism-payments/services"
)

const serviceName = "payments-service"

// Options carries the optional external clients. Nil fields fall back to
// in-process behaviour.
type Options struct {
	Redis      *redis.Client
	SNS        aws_pkg.SNSPublisher
	CloudWatch *aws_pkg.MetricsClient
}

type App struct {
	Config *config.Config
	Logger *zap.Logger
	DB     *gorm.DB
	Redis  *redis.Client

	Metrics      *metrics.Recorder
	Ledger       *services.Ledger
	Intake       *services.IntakeService
	Dispatcher   *services.Dispatcher
	Reaper       *services.Reaper
	TokenSweeper *services.TokenSweeper
	Operator     *services.OperatorService
	Router       *gin.Engine
}

// New connects to every configured backend and builds the App.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	var (
		opts   Options
		awsCfg sdkaws.Config
		sink   io.Writer
	)
	if cfg.CloudWatchEnabled || cfg.PaymentSNSTopicARN != "" {
		c, err := aws_pkg.LoadAWSConfig(ctx)
		if err != nil {
			return nil, err
		}
		awsCfg = c
	}
	if cfg.CloudWatchEnabled {
		cw, err := aws_pkg.NewCloudWatchLogsClient(ctx, awsCfg, serviceName)
		if err != nil {
			return nil, fmt.Errorf("cloudwatch logs: %w", err)
		}
		sink = cw
		opts.CloudWatch = aws_pkg.NewMetricsClient(awsCfg, true)
	}

	log, err := logger.Initialize(cfg.Env, sink)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	if cfg.PaymentSNSTopicARN != "" {
		opts.SNS = aws_pkg.NewSNSClient(awsCfg)
	}

	db, err := database.ConnectPostgres(ctx, log, cfg.DSN())
	if err != nil {
		return nil, err
	}

	if cfg.RedisURL != "" {
		rdb, err := database.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			// Wake-ups degrade to polling; nothing else depends on Redis.
			log.Warn("Redis unavailable, dispatcher will poll", zap.Error(err))
		} else {
			opts.Redis = rdb
		}
	}

	return Build(cfg, log, db, opts)
}

// Build assembles the services and router on top of already-open clients.
func Build(cfg *config.Config, log *zap.Logger, db *gorm.DB, opts Options) (*App, error) {
	policy, err := lifecycle.ParseFailurePolicy(cfg.PaymentFailurePolicy)
	if err != nil {
		return nil, err
	}

	var gateways []gateway.Gateway
	if cfg.PayMongoWebhookSecret != "" {
		gateways = append(gateways, gateway.NewPayMongo(cfg.PayMongoWebhookSecret, cfg.WebhookTolerance))
	}
	if cfg.StripeWebhookKey != "" {
		gateways = append(gateways, gateway.NewStripe(cfg.StripeWebhookKey, cfg.WebhookTolerance))
	}
	registry := gateway.NewRegistry(gateways...)

	var notifier services.Notifier
	if opts.Redis != nil {
		notifier = services.NewRedisNotifier(opts.Redis, log)
	} else {
		notifier = services.NewChanNotifier()
	}

	recorder := metrics.New(opts.CloudWatch)
	publisher := services.NewSNSEventPublisher(opts.SNS, cfg.PaymentSNSTopicARN, log)

	events := repository.NewGormEventRepo(db)
	orders := repository.NewGormOrderRepo(db)
	audit := repository.NewGormAuditRepo(db)
	tokens := repository.NewGormTokenRepo(db)

	a := &App{Config: cfg, Logger: log, DB: db, Redis: opts.Redis, Metrics: recorder}
	a.Ledger = services.NewLedger(db, orders, audit, publisher, recorder, log, cfg.OrderLockTimeout)
	a.Intake = services.NewIntakeService(registry, events, notifier, recorder, log)
	a.Dispatcher = services.NewDispatcher(events, orders, a.Ledger, registry, notifier, services.DispatcherConfig{
		MaxAttempts:   cfg.DispatchMaxAttempts,
		BackoffBase:   cfg.DispatchBackoffBase,
		BackoffMax:    cfg.DispatchBackoffMax,
		PollInterval:  cfg.DispatchPollInterval,
		Lease:         cfg.DispatchLease,
		Workers:       cfg.DispatchWorkers,
		BatchSize:     cfg.DispatchBatchSize,
		FailurePolicy: policy,
	}, recorder, log)
	a.Reaper = services.NewReaper(orders, a.Ledger, services.ReaperConfig{
		AbandonAfter: cfg.AbandonAfter,
		NoShowAfter:  cfg.NoShowAfter,
		Interval:     cfg.ReaperInterval,
	}, recorder, log)
	a.TokenSweeper = services.NewTokenSweeper(tokens, cfg.TokenRetention, cfg.TokenSweepInterval, recorder, log)
	a.Operator = services.NewOperatorService(events, orders, audit, a.Ledger, notifier, cfg.DispatchMaxAttempts, log)

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), middleware.RequestLogger(log), recorder.Middleware())
	routes.RegisterRoutes(r, routes.Handlers{
		Webhooks:     controllers.NewWebhookController(a.Intake),
		Operator:     controllers.NewOperatorController(a.Operator),
		Metrics:      recorder,
		RateLimiter:  middleware.NewRateLimiter(cfg.WebhookRateLimit, cfg.WebhookRateBurst, 10*time.Minute),
		JWTSecret:    []byte(cfg.JWTSecret),
		AdminOrigins: cfg.AdminAllowedOrigins,
	})
	a.Router = r

	log.Info("Payment pipeline wired",
		zap.Strings("providers", registry.Names()),
		zap.String("failure_policy", string(policy)),
		zap.Bool("redis_wakeups", opts.Redis != nil),
		zap.Bool("sns_events", opts.SNS != nil && cfg.PaymentSNSTopicARN != ""),
	)
	return a, nil
}

// Run serves HTTP and runs the dispatcher, reaper and token sweeper until ctx
// is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + a.Config.Port,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info("Payments service started", zap.String("port", a.Config.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.Logger.Info("Initiating graceful shutdown...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})
	g.Go(func() error { return a.Dispatcher.Run(gctx) })
	g.Go(func() error { return a.Reaper.Run(gctx) })
	g.Go(func() error { return a.TokenSweeper.Run(gctx) })

	err := g.Wait()
	a.Logger.Info("Payments service stopped", zap.Error(err))
	return err
}

func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Warn("Redis close error", zap.Error(err))
		}
	}
	if err := database.Close(a.DB); err != nil {
		a.Logger.Error("Database close error", zap.Error(err))
	}
	_ = a.Logger.Sync()
}
