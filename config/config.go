package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	aws_pkg "github.com/yashrajoria/tourism-payments/pkg/aws"
)

type Config struct {
	Env  string
	Port string

	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresHost     string
	PostgresPort     string
	PostgresSSLMode  string
	PostgresTimeZone string

	RedisURL            string
	JWTSecret           string
	AdminAllowedOrigins []string

	PayMongoWebhookSecret string
	StripeWebhookKey      string
	WebhookTolerance      time.Duration
	WebhookRateLimit      float64
	WebhookRateBurst      int

	PaymentSNSTopicARN string

	DispatchMaxAttempts  int
	DispatchBackoffBase  time.Duration
	DispatchBackoffMax   time.Duration
	DispatchPollInterval time.Duration
	DispatchLease        time.Duration
	DispatchWorkers      int
	DispatchBatchSize    int

	AbandonAfter   time.Duration
	ReaperInterval time.Duration
	NoShowAfter    time.Duration

	TokenSweepInterval time.Duration
	TokenRetention     time.Duration

	PaymentFailurePolicy string
	OrderLockTimeout     time.Duration

	UseAWSSecrets     bool
	AWSSecretsPrefix  string
	CloudWatchEnabled bool
}

// LoadConfig reads the environment (and .env if present) and validates it.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	p := &parser{}
	cfg := &Config{
		Env:  getEnv("APP_ENV", "development"),
		Port: getEnv("PORT", "8090"),

		PostgresUser:     os.Getenv("POSTGRES_USER"),
		PostgresPassword: os.Getenv("POSTGRES_PASSWORD"),
		PostgresDB:       os.Getenv("POSTGRES_DB"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		PostgresTimeZone: getEnv("POSTGRES_TIMEZONE", "Asia/Manila"),

		RedisURL:            os.Getenv("REDIS_URL"),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		AdminAllowedOrigins: splitList(os.Getenv("ADMIN_ALLOWED_ORIGINS")),

		PayMongoWebhookSecret: os.Getenv("PAYMONGO_WEBHOOK_SECRET"),
		StripeWebhookKey:      os.Getenv("STRIPE_WEBHOOK_SECRET"),
		WebhookTolerance:      p.duration("WEBHOOK_TOLERANCE", 5*time.Minute),
		WebhookRateLimit:      p.number("WEBHOOK_RATE_LIMIT", 20),
		WebhookRateBurst:      p.integer("WEBHOOK_RATE_BURST", 40),

		PaymentSNSTopicARN: os.Getenv("PAYMENT_SNS_TOPIC_ARN"),

		DispatchMaxAttempts:  p.integer("DISPATCH_MAX_ATTEMPTS", 5),
		DispatchBackoffBase:  p.duration("DISPATCH_BACKOFF_BASE", 30*time.Second),
		DispatchBackoffMax:   p.duration("DISPATCH_BACKOFF_MAX", 30*time.Minute),
		DispatchPollInterval: p.duration("DISPATCH_POLL_INTERVAL", 5*time.Second),
		DispatchLease:        p.duration("DISPATCH_LEASE", 2*time.Minute),
		DispatchWorkers:      p.integer("DISPATCH_WORKERS", 4),
		DispatchBatchSize:    p.integer("DISPATCH_BATCH_SIZE", 32),

		AbandonAfter:   p.duration("ABANDON_AFTER", 30*time.Minute),
		ReaperInterval: p.duration("REAPER_INTERVAL", time.Minute),
		NoShowAfter:    p.duration("NO_SHOW_AFTER", 0),

		TokenSweepInterval: p.duration("TOKEN_SWEEP_INTERVAL", time.Hour),
		TokenRetention:     p.duration("TOKEN_RETENTION", 24*time.Hour),

		PaymentFailurePolicy: getEnv("PAYMENT_FAILURE_POLICY", "cancel"),
		OrderLockTimeout:     p.duration("ORDER_LOCK_TIMEOUT", 5*time.Second),

		UseAWSSecrets:     os.Getenv("AWS_USE_SECRETS") == "true",
		AWSSecretsPrefix:  getEnv("AWS_SECRETS_PREFIX", "payments/"),
		CloudWatchEnabled: os.Getenv("CLOUDWATCH_ENABLED") == "true",
	}
	if p.err != nil {
		return nil, p.err
	}

	if cfg.UseAWSSecrets {
		if awsCfg, err := aws_pkg.LoadAWSConfig(context.Background()); err == nil {
			cfg.applySecrets(context.Background(), aws_pkg.NewSecretsClient(awsCfg, cfg.AWSSecretsPrefix))
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SecretGetter is satisfied by aws_pkg.SecretsClient.
type SecretGetter interface {
	GetSecret(ctx context.Context, name string) (string, error)
	GetSecretFields(ctx context.Context, name string) (map[string]string, error)
}

// applySecrets overrides DB credentials, webhook secrets and the admin JWT key
// with values from Secrets Manager. Missing secrets leave the environment
// values in place.
func (c *Config) applySecrets(ctx context.Context, sm SecretGetter) {
	if m, err := sm.GetSecretFields(ctx, aws_pkg.SecretDBCredentials); err == nil {
		override(&c.PostgresUser, m["POSTGRES_USER"])
		override(&c.PostgresPassword, m["POSTGRES_PASSWORD"])
		override(&c.PostgresDB, m["POSTGRES_DB"])
		override(&c.PostgresHost, m["POSTGRES_HOST"])
		override(&c.PostgresPort, m["POSTGRES_PORT"])
	}
	if m, err := sm.GetSecretFields(ctx, aws_pkg.SecretWebhookSecrets); err == nil {
		override(&c.PayMongoWebhookSecret, m["PAYMONGO_WEBHOOK_SECRET"])
		override(&c.StripeWebhookKey, m["STRIPE_WEBHOOK_SECRET"])
	}
	if jwt, err := sm.GetSecret(ctx, aws_pkg.SecretJWT); err == nil {
		override(&c.JWTSecret, jwt)
	}
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func (c *Config) Validate() error {
	if c.PostgresUser == "" || c.PostgresPassword == "" || c.PostgresDB == "" || c.PostgresHost == "" {
		return fmt.Errorf("database config incomplete")
	}
	if c.PayMongoWebhookSecret == "" && c.StripeWebhookKey == "" {
		return fmt.Errorf("at least one of PAYMONGO_WEBHOOK_SECRET or STRIPE_WEBHOOK_SECRET is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.DispatchMaxAttempts < 1 {
		return fmt.Errorf("DISPATCH_MAX_ATTEMPTS must be at least 1")
	}
	if c.DispatchWorkers < 1 || c.DispatchBatchSize < 1 {
		return fmt.Errorf("DISPATCH_WORKERS and DISPATCH_BATCH_SIZE must be positive")
	}
	if c.DispatchBackoffBase <= 0 || c.DispatchBackoffMax < c.DispatchBackoffBase {
		return fmt.Errorf("dispatch backoff must satisfy 0 < DISPATCH_BACKOFF_BASE <= DISPATCH_BACKOFF_MAX")
	}
	if c.DispatchPollInterval <= 0 || c.DispatchLease <= 0 {
		return fmt.Errorf("DISPATCH_POLL_INTERVAL and DISPATCH_LEASE must be positive")
	}
	if c.AbandonAfter <= 0 || c.ReaperInterval <= 0 {
		return fmt.Errorf("ABANDON_AFTER and REAPER_INTERVAL must be positive")
	}
	if c.NoShowAfter < 0 {
		return fmt.Errorf("NO_SHOW_AFTER must not be negative")
	}
	if c.TokenSweepInterval <= 0 || c.TokenRetention < 0 {
		return fmt.Errorf("TOKEN_SWEEP_INTERVAL must be positive and TOKEN_RETENTION not negative")
	}
	switch c.PaymentFailurePolicy {
	case "cancel", "retry_payment":
	default:
		return fmt.Errorf("PAYMENT_FAILURE_POLICY must be cancel or retry_payment, got %q", c.PaymentFailurePolicy)
	}
	return nil
}

// DSN returns the Postgres connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=%s",
		c.PostgresHost, c.PostgresUser, c.PostgresPassword, c.PostgresDB, c.PostgresPort, c.PostgresSSLMode, c.PostgresTimeZone,
	)
}

func splitList(raw string) []string {
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSuffix(strings.TrimSpace(v), "/"); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

// parser keeps the first parse error so LoadConfig can report it once.
type parser struct {
	err error
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: %w", key, err)
	}
	return d
}

func (p *parser) integer(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: %w", key, err)
	}
	return n
}

func (p *parser) number(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: %w", key, err)
	}
	return f
}
