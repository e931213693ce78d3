package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/retry"
	"github.com/platinummonkey/tollgate/pkg/subscriptions"
)

// Environment names
const (
	EnvProduction  = "production"
	EnvStaging     = "staging"
	EnvDevelopment = "development"
)

// Config holds all application configuration
type Config struct {
	Environment string

	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Billing       BillingConfig
	Providers     ProvidersConfig
	Scheduler     SchedulerConfig
	Archive       ArchiveConfig
	Notify        NotifyConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
	// RateLimitPerMinute caps mutating billing calls per customer
	RateLimitPerMinute int
}

// DatabaseConfig locates the PostgreSQL primary and optional replicas
type DatabaseConfig struct {
	URL           string
	ReplicaURLs   []string
	MaxConns      int
	MinConns      int
	Timeout       time.Duration
	RunMigrations bool
}

// RedisConfig locates Redis. An empty URL disables the usage cache and
// the rate limiter.
type RedisConfig struct {
	URL      string
	Password string
	DB       int
	UsageTTL time.Duration
}

// BillingConfig holds business limits and the pricing file
type BillingConfig struct {
	PricingFile            string
	WatchPricingFile       bool
	MinSpendingLimitCents  int64
	ResubscribeCooldown    time.Duration
	MaxSubscriptionsPerDay int
	GracePeriodDays        int
	ProrationBasis         string
	MaxChargeRetries       int
	RetryInitialDelay      time.Duration
	RetryMaxDelay          time.Duration
	// ProviderDelay is injected before provider calls to simulate slow providers
	ProviderDelay time.Duration
}

// ProvidersConfig holds external collaborator endpoints and secrets
type ProvidersConfig struct {
	EscrowURL        string
	EscrowAPIKey     string
	StripeSecretKey  string
	ActionURLBase    string
	KeyServiceURL    string
	KeyServiceAPIKey string
	UsageURL         string
	UsageAPIKey      string
	Timeout          time.Duration

	WebhookSecret    string
	WebhookTolerance time.Duration
	// WebhookAcceptAll disables signature checks outside production
	WebhookAcceptAll bool
}

// SchedulerConfig holds the cron schedule of each recurring job
type SchedulerConfig struct {
	SweepSchedule       string
	SchedulesSchedule   string
	ClosePeriodSchedule string
	GraceSchedule       string
	Concurrency         int
	JobTimeout          time.Duration
	LogLevel            string
}

// ArchiveConfig locates the paid-invoice archive bucket. An empty bucket
// disables archiving.
type ArchiveConfig struct {
	Bucket       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
	Workers      int
	Queue        int
}

// NotifyConfig configures the optional operator webhook
type NotifyConfig struct {
	WebhookURL    string
	WebhookSecret string
	Timeout       time.Duration
	SlackURL      string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel observability.LogLevel

	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Environment:   strings.ToLower(getEnv("TOLLGATE_ENV", EnvDevelopment)),
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Billing:       loadBillingConfig(),
		Providers:     loadProvidersConfig(),
		Scheduler:     loadSchedulerConfig(),
		Archive:       loadArchiveConfig(),
		Notify:        loadNotifyConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:               getEnv("TOLLGATE_HOST", "0.0.0.0"),
		Port:               getEnv("TOLLGATE_PORT", "8080"),
		ReadTimeout:        getEnvDuration("TOLLGATE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:       getEnvDuration("TOLLGATE_WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:        getEnvDuration("TOLLGATE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:    getEnvDuration("TOLLGATE_SHUTDOWN_TIMEOUT", 30*time.Second),
		MaxBodyBytes:       getEnvInt64("TOLLGATE_MAX_BODY_BYTES", 1<<20),
		RateLimitPerMinute: getEnvInt("TOLLGATE_RATE_LIMIT_PER_MINUTE", 60),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:           getEnv("TOLLGATE_DATABASE_URL", ""),
		ReplicaURLs:   getEnvList("TOLLGATE_DATABASE_REPLICA_URLS"),
		MaxConns:      getEnvInt("TOLLGATE_DATABASE_MAX_CONNS", 20),
		MinConns:      getEnvInt("TOLLGATE_DATABASE_MIN_CONNS", 2),
		Timeout:       getEnvDuration("TOLLGATE_DATABASE_TIMEOUT", 10*time.Second),
		RunMigrations: getEnvBool("TOLLGATE_DATABASE_MIGRATE", true),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:      getEnv("TOLLGATE_REDIS_URL", ""),
		Password: getEnv("TOLLGATE_REDIS_PASSWORD", ""),
		DB:       getEnvInt("TOLLGATE_REDIS_DB", 0),
		UsageTTL: getEnvDuration("TOLLGATE_USAGE_CACHE_TTL", time.Minute),
	}
}

func loadBillingConfig() BillingConfig {
	defaults := subscriptions.DefaultConfig()
	return BillingConfig{
		PricingFile:            getEnv("TOLLGATE_PRICING_FILE", "pricing.yaml"),
		WatchPricingFile:       getEnvBool("TOLLGATE_PRICING_WATCH", true),
		MinSpendingLimitCents:  getEnvInt64("TOLLGATE_MIN_SPENDING_LIMIT_CENTS", defaults.MinSpendingLimitCents),
		ResubscribeCooldown:    getEnvDuration("TOLLGATE_RESUBSCRIBE_COOLDOWN", defaults.ResubscribeCooldown),
		MaxSubscriptionsPerDay: getEnvInt("TOLLGATE_MAX_SUBSCRIPTIONS_PER_DAY", defaults.MaxSubscriptionsPerDay),
		GracePeriodDays:        getEnvInt("TOLLGATE_GRACE_PERIOD_DAYS", defaults.GracePeriodDays),
		ProrationBasis:         getEnv("TOLLGATE_PRORATION_BASIS", string(defaults.ProrationBasis)),
		MaxChargeRetries:       getEnvInt("TOLLGATE_MAX_CHARGE_RETRIES", defaults.ChargeRetry.MaxAttempts),
		RetryInitialDelay:      getEnvDuration("TOLLGATE_RETRY_INITIAL_DELAY", defaults.ChargeRetry.InitialDelay),
		RetryMaxDelay:          getEnvDuration("TOLLGATE_RETRY_MAX_DELAY", defaults.ChargeRetry.MaxDelay),
		ProviderDelay:          getEnvDuration("TOLLGATE_PROVIDER_DELAY", 0),
	}
}

func loadProvidersConfig() ProvidersConfig {
	return ProvidersConfig{
		EscrowURL:        getEnv("TOLLGATE_ESCROW_URL", ""),
		EscrowAPIKey:     getEnv("TOLLGATE_ESCROW_API_KEY", ""),
		StripeSecretKey:  getEnv("TOLLGATE_STRIPE_SECRET_KEY", ""),
		ActionURLBase:    getEnv("TOLLGATE_PAYMENT_ACTION_URL", ""),
		KeyServiceURL:    getEnv("TOLLGATE_KEY_SERVICE_URL", ""),
		KeyServiceAPIKey: getEnv("TOLLGATE_KEY_SERVICE_API_KEY", ""),
		UsageURL:         getEnv("TOLLGATE_USAGE_URL", ""),
		UsageAPIKey:      getEnv("TOLLGATE_USAGE_API_KEY", ""),
		Timeout:          getEnvDuration("TOLLGATE_PROVIDER_TIMEOUT", 10*time.Second),
		WebhookSecret:    getEnv("TOLLGATE_WEBHOOK_SECRET", ""),
		WebhookTolerance: getEnvDuration("TOLLGATE_WEBHOOK_TOLERANCE", 300*time.Second),
		WebhookAcceptAll: getEnvBool("TOLLGATE_WEBHOOK_ACCEPT_ALL", false),
	}
}

func loadSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		SweepSchedule:       getEnv("TOLLGATE_SWEEP_SCHEDULE", "*/15 * * * *"),
		SchedulesSchedule:   getEnv("TOLLGATE_SCHEDULES_SCHEDULE", "5 * * * *"),
		ClosePeriodSchedule: getEnv("TOLLGATE_CLOSE_PERIOD_SCHEDULE", "10 0 1 * *"),
		GraceSchedule:       getEnv("TOLLGATE_GRACE_SCHEDULE", "20 * * * *"),
		Concurrency:         getEnvInt("TOLLGATE_SCHEDULER_CONCURRENCY", 4),
		JobTimeout:          getEnvDuration("TOLLGATE_SCHEDULER_JOB_TIMEOUT", 10*time.Minute),
		LogLevel:            getEnv("TOLLGATE_SCHEDULER_LOG_LEVEL", getEnv("TOLLGATE_LOG_LEVEL", "info")),
	}
}

func loadArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		Bucket:       getEnv("TOLLGATE_ARCHIVE_BUCKET", ""),
		Region:       getEnv("TOLLGATE_ARCHIVE_REGION", "us-east-1"),
		Endpoint:     getEnv("TOLLGATE_ARCHIVE_ENDPOINT", ""),
		AccessKey:    getEnv("TOLLGATE_ARCHIVE_ACCESS_KEY", ""),
		SecretKey:    getEnv("TOLLGATE_ARCHIVE_SECRET_KEY", ""),
		UsePathStyle: getEnvBool("TOLLGATE_ARCHIVE_USE_PATH_STYLE", false),
		Workers:      getEnvInt("TOLLGATE_ARCHIVE_WORKERS", 2),
		Queue:        getEnvInt("TOLLGATE_ARCHIVE_QUEUE", 256),
	}
}

func loadNotifyConfig() NotifyConfig {
	return NotifyConfig{
		WebhookURL:    getEnv("TOLLGATE_ALERT_WEBHOOK_URL", ""),
		WebhookSecret: getEnv("TOLLGATE_ALERT_WEBHOOK_SECRET", ""),
		Timeout:       getEnvDuration("TOLLGATE_ALERT_WEBHOOK_TIMEOUT", 10*time.Second),
		SlackURL:      getEnv("TOLLGATE_ALERT_SLACK_URL", ""),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("TOLLGATE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("TOLLGATE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("TOLLGATE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("TOLLGATE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("TOLLGATE_OTEL_SERVICE_NAME", "tollgate"),
		OTelServiceVersion: getEnv("TOLLGATE_OTEL_SERVICE_VERSION", "dev"),
		OTelInsecure:       getEnvBool("TOLLGATE_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("TOLLGATE_OTEL_SAMPLE_RATIO", 1),
	}
}

// IsProduction reports whether the service runs in production
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvProduction, EnvStaging, EnvDevelopment:
	default:
		return fmt.Errorf("invalid environment: %s (must be production, staging or development)", c.Environment)
	}
	if c.Server.Port == "" {
		return errors.New("server port is required")
	}
	if c.Server.RateLimitPerMinute < 1 {
		return errors.New("rate limit per minute must be at least 1")
	}

	if c.Providers.WebhookTolerance <= 0 {
		return errors.New("webhook tolerance must be positive")
	}
	if c.Providers.WebhookAcceptAll && c.IsProduction() {
		return errors.New("webhook signature checks cannot be disabled in production")
	}
	if c.Providers.WebhookSecret == "" && !c.Providers.WebhookAcceptAll && c.IsProduction() {
		return errors.New("webhook secret is required in production")
	}
	if c.Billing.ProviderDelay > 0 && c.IsProduction() {
		return errors.New("provider delay injection is not allowed in production")
	}

	if c.Billing.MaxChargeRetries < 1 {
		return errors.New("max charge retries must be at least 1")
	}
	if c.Billing.GracePeriodDays < 0 {
		return errors.New("grace period days cannot be negative")
	}
	if c.Billing.MinSpendingLimitCents < 0 {
		return errors.New("minimum spending limit cannot be negative")
	}
	if _, err := subscriptions.ParseProrationBasis(c.Billing.ProrationBasis); err != nil {
		return err
	}
	if c.Billing.PricingFile == "" {
		return errors.New("pricing file is required")
	}

	if c.Scheduler.Concurrency < 1 {
		return errors.New("scheduler concurrency must be at least 1")
	}

	if c.Notify.WebhookURL != "" && c.Notify.WebhookSecret == "" {
		return errors.New("alert webhook secret is required when an alert webhook is configured")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return errors.New("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return errors.New("OpenTelemetry service name is required when OTel is enabled")
		}
	}
	return nil
}

// Subscriptions returns the orchestrator limits
func (c *Config) Subscriptions() subscriptions.Config {
	basis, _ := subscriptions.ParseProrationBasis(c.Billing.ProrationBasis)
	cfg := subscriptions.DefaultConfig()
	cfg.MinSpendingLimitCents = c.Billing.MinSpendingLimitCents
	cfg.ResubscribeCooldown = c.Billing.ResubscribeCooldown
	cfg.MaxSubscriptionsPerDay = c.Billing.MaxSubscriptionsPerDay
	cfg.GracePeriodDays = c.Billing.GracePeriodDays
	cfg.ProrationBasis = basis
	cfg.ChargeRetry = retry.Config{
		MaxAttempts:       c.Billing.MaxChargeRetries,
		InitialDelay:      c.Billing.RetryInitialDelay,
		MaxDelay:          c.Billing.RetryMaxDelay,
		BackoffMultiplier: cfg.ChargeRetry.BackoffMultiplier,
	}
	return cfg
}

// OTel returns the tracing and metrics exporter settings
func (c *Config) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        c.Observability.OTelEnabled,
		Endpoint:       c.Observability.OTelEndpoint,
		ServiceName:    c.Observability.OTelServiceName,
		ServiceVersion: c.Observability.OTelServiceVersion,
		Insecure:       c.Observability.OTelInsecure,
		SampleRatio:    c.Observability.OTelSampleRatio,
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvList splits a comma separated variable, dropping blanks
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
