package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/subscriptions"
)

// TestGetEnv tests the getEnv helper function
func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns env value when set",
			key:          "TEST_VAR",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when env not set",
			key:          "TEST_VAR_NOT_SET",
			defaultValue: "default",
			envValue:     "",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			got := getEnv(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvBool tests the getEnvBool helper function
func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		name         string
		defaultValue bool
		envValue     string
		want         bool
	}{
		{name: "returns true for 'true'", envValue: "true", want: true},
		{name: "returns true for 'TRUE'", envValue: "TRUE", want: true},
		{name: "returns true for '1'", envValue: "1", want: true},
		{name: "returns false for 'false'", defaultValue: true, envValue: "false", want: false},
		{name: "returns false for anything else", defaultValue: true, envValue: "yes", want: false},
		{name: "returns default when unset", defaultValue: true, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv("TEST_BOOL", tt.envValue)
			}
			if got := getEnvBool("TEST_BOOL", tt.defaultValue); got != tt.want {
				t.Errorf("getEnvBool() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvNumbers tests the numeric helpers fall back on parse errors
func TestGetEnvNumbers(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_BAD_INT", "forty-two")
	t.Setenv("TEST_INT64", "9000000000")
	t.Setenv("TEST_FLOAT", "0.25")
	t.Setenv("TEST_BAD_FLOAT", "quarter")

	if got := getEnvInt("TEST_INT", 1); got != 42 {
		t.Errorf("getEnvInt() = %d, want 42", got)
	}
	if got := getEnvInt("TEST_BAD_INT", 7); got != 7 {
		t.Errorf("getEnvInt() with invalid value = %d, want 7", got)
	}
	if got := getEnvInt64("TEST_INT64", 1); got != 9000000000 {
		t.Errorf("getEnvInt64() = %d, want 9000000000", got)
	}
	if got := getEnvFloat("TEST_FLOAT", 1); got != 0.25 {
		t.Errorf("getEnvFloat() = %v, want 0.25", got)
	}
	if got := getEnvFloat("TEST_BAD_FLOAT", 1); got != 1 {
		t.Errorf("getEnvFloat() with invalid value = %v, want 1", got)
	}
}

// TestGetEnvDuration tests the getEnvDuration helper function
func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		want     time.Duration
	}{
		{name: "parses seconds", envValue: "30s", want: 30 * time.Second},
		{name: "parses hours", envValue: "168h", want: 168 * time.Hour},
		{name: "falls back on invalid value", envValue: "soon", want: time.Minute},
		{name: "falls back when unset", want: time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv("TEST_DURATION", tt.envValue)
			}
			if got := getEnvDuration("TEST_DURATION", time.Minute); got != tt.want {
				t.Errorf("getEnvDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvList tests comma separated parsing
func TestGetEnvList(t *testing.T) {
	t.Setenv("TEST_LIST", " postgres://a , ,postgres://b")
	got := getEnvList("TEST_LIST")
	if len(got) != 2 || got[0] != "postgres://a" || got[1] != "postgres://b" {
		t.Errorf("getEnvList() = %v", got)
	}
	if got := getEnvList("TEST_LIST_NOT_SET"); got != nil {
		t.Errorf("getEnvList() unset = %v, want nil", got)
	}
}

func clearTollgateEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, "TOLLGATE_") {
			t.Setenv(key, "")
		}
	}
}

// TestLoadConfigDefaults tests the development defaults
func TestLoadConfigDefaults(t *testing.T) {
	clearTollgateEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Environment != EnvDevelopment {
		t.Errorf("Environment = %q, want %q", cfg.Environment, EnvDevelopment)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("Server.Port = %q, want 8080", cfg.Server.Port)
	}
	if cfg.Server.RateLimitPerMinute != 60 {
		t.Errorf("Server.RateLimitPerMinute = %d, want 60", cfg.Server.RateLimitPerMinute)
	}
	if cfg.Billing.MinSpendingLimitCents != 1000 {
		t.Errorf("Billing.MinSpendingLimitCents = %d, want 1000", cfg.Billing.MinSpendingLimitCents)
	}
	if cfg.Billing.ResubscribeCooldown != 7*24*time.Hour {
		t.Errorf("Billing.ResubscribeCooldown = %v", cfg.Billing.ResubscribeCooldown)
	}
	if cfg.Billing.MaxSubscriptionsPerDay != 5 {
		t.Errorf("Billing.MaxSubscriptionsPerDay = %d, want 5", cfg.Billing.MaxSubscriptionsPerDay)
	}
	if cfg.Billing.GracePeriodDays != 14 {
		t.Errorf("Billing.GracePeriodDays = %d, want 14", cfg.Billing.GracePeriodDays)
	}
	if cfg.Providers.WebhookTolerance != 300*time.Second {
		t.Errorf("Providers.WebhookTolerance = %v, want 5m", cfg.Providers.WebhookTolerance)
	}
	if cfg.Scheduler.SweepSchedule != "*/15 * * * *" {
		t.Errorf("Scheduler.SweepSchedule = %q", cfg.Scheduler.SweepSchedule)
	}
	if cfg.Observability.LogLevel != observability.InfoLevel {
		t.Errorf("Observability.LogLevel = %v, want info", cfg.Observability.LogLevel)
	}
	if cfg.Archive.Bucket != "" {
		t.Errorf("Archive.Bucket = %q, want archiving disabled", cfg.Archive.Bucket)
	}
}

// TestLoadConfigFromEnv tests overrides are applied
func TestLoadConfigFromEnv(t *testing.T) {
	clearTollgateEnv(t)
	t.Setenv("TOLLGATE_ENV", "Production")
	t.Setenv("TOLLGATE_PORT", "9090")
	t.Setenv("TOLLGATE_DATABASE_URL", "postgres://primary/tollgate")
	t.Setenv("TOLLGATE_DATABASE_REPLICA_URLS", "postgres://r1/tollgate,postgres://r2/tollgate")
	t.Setenv("TOLLGATE_WEBHOOK_SECRET", "whsec_prod")
	t.Setenv("TOLLGATE_PRORATION_BASIS", "reconciliation_date")
	t.Setenv("TOLLGATE_MAX_CHARGE_RETRIES", "5")
	t.Setenv("TOLLGATE_LOG_LEVEL", "debug")
	t.Setenv("TOLLGATE_SCHEDULER_LOG_LEVEL", "warn")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if !cfg.IsProduction() {
		t.Errorf("IsProduction() = false for %q", cfg.Environment)
	}
	if cfg.Server.Port != "9090" {
		t.Errorf("Server.Port = %q, want 9090", cfg.Server.Port)
	}
	if len(cfg.Database.ReplicaURLs) != 2 {
		t.Errorf("Database.ReplicaURLs = %v", cfg.Database.ReplicaURLs)
	}
	if cfg.Observability.LogLevel != observability.DebugLevel {
		t.Errorf("Observability.LogLevel = %v, want debug", cfg.Observability.LogLevel)
	}
	if cfg.Scheduler.LogLevel != "warn" {
		t.Errorf("Scheduler.LogLevel = %q, want warn", cfg.Scheduler.LogLevel)
	}

	sub := cfg.Subscriptions()
	if sub.ProrationBasis != subscriptions.ProrationReconciliationDate {
		t.Errorf("Subscriptions().ProrationBasis = %q", sub.ProrationBasis)
	}
	if sub.ChargeRetry.MaxAttempts != 5 {
		t.Errorf("Subscriptions().ChargeRetry.MaxAttempts = %d, want 5", sub.ChargeRetry.MaxAttempts)
	}
	if sub.ChargeRetry.BackoffMultiplier != 4.0 {
		t.Errorf("Subscriptions().ChargeRetry.BackoffMultiplier = %v, want 4", sub.ChargeRetry.BackoffMultiplier)
	}
}

// TestLoadConfigRejectsInvalid tests LoadConfig surfaces validation errors
func TestLoadConfigRejectsInvalid(t *testing.T) {
	clearTollgateEnv(t)
	t.Setenv("TOLLGATE_ENV", "production")

	if _, err := LoadConfig(); err == nil {
		t.Fatal("LoadConfig() expected error for production without webhook secret")
	}
}

func validConfig() *Config {
	return &Config{
		Environment: EnvProduction,
		Server:      ServerConfig{Port: "8080", RateLimitPerMinute: 60},
		Billing: BillingConfig{
			PricingFile:      "pricing.yaml",
			ProrationBasis:   "original_start",
			MaxChargeRetries: 3,
			GracePeriodDays:  14,
		},
		Providers: ProvidersConfig{
			WebhookSecret:    "whsec_test",
			WebhookTolerance: 300 * time.Second,
		},
		Scheduler: SchedulerConfig{Concurrency: 4},
	}
}

// TestValidate tests configuration validation
func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid production config",
			mutate: func(*Config) {},
		},
		{
			name:    "unknown environment",
			mutate:  func(c *Config) { c.Environment = "qa" },
			wantErr: "invalid environment",
		},
		{
			name:    "missing port",
			mutate:  func(c *Config) { c.Server.Port = "" },
			wantErr: "server port is required",
		},
		{
			name:    "zero rate limit",
			mutate:  func(c *Config) { c.Server.RateLimitPerMinute = 0 },
			wantErr: "rate limit",
		},
		{
			name:    "missing webhook secret in production",
			mutate:  func(c *Config) { c.Providers.WebhookSecret = "" },
			wantErr: "webhook secret is required",
		},
		{
			name: "missing webhook secret in development",
			mutate: func(c *Config) {
				c.Environment = EnvDevelopment
				c.Providers.WebhookSecret = ""
			},
		},
		{
			name:    "accept all in production",
			mutate:  func(c *Config) { c.Providers.WebhookAcceptAll = true },
			wantErr: "cannot be disabled in production",
		},
		{
			name: "accept all in staging",
			mutate: func(c *Config) {
				c.Environment = EnvStaging
				c.Providers.WebhookAcceptAll = true
			},
		},
		{
			name:    "non positive tolerance",
			mutate:  func(c *Config) { c.Providers.WebhookTolerance = 0 },
			wantErr: "webhook tolerance must be positive",
		},
		{
			name:    "provider delay in production",
			mutate:  func(c *Config) { c.Billing.ProviderDelay = time.Second },
			wantErr: "provider delay",
		},
		{
			name:    "zero max retries",
			mutate:  func(c *Config) { c.Billing.MaxChargeRetries = 0 },
			wantErr: "max charge retries",
		},
		{
			name:    "negative grace period",
			mutate:  func(c *Config) { c.Billing.GracePeriodDays = -1 },
			wantErr: "grace period",
		},
		{
			name:    "negative minimum spending limit",
			mutate:  func(c *Config) { c.Billing.MinSpendingLimitCents = -1 },
			wantErr: "minimum spending limit",
		},
		{
			name:    "unknown proration basis",
			mutate:  func(c *Config) { c.Billing.ProrationBasis = "calendar" },
			wantErr: "unknown proration basis",
		},
		{
			name:    "missing pricing file",
			mutate:  func(c *Config) { c.Billing.PricingFile = "" },
			wantErr: "pricing file is required",
		},
		{
			name:    "zero scheduler concurrency",
			mutate:  func(c *Config) { c.Scheduler.Concurrency = 0 },
			wantErr: "scheduler concurrency",
		},
		{
			name:    "alert webhook without secret",
			mutate:  func(c *Config) { c.Notify.WebhookURL = "https://ops.example.com/hook" },
			wantErr: "alert webhook secret",
		},
		{
			name: "otel without endpoint",
			mutate: func(c *Config) {
				c.Observability.OTelEnabled = true
				c.Observability.OTelServiceName = "tollgate"
			},
			wantErr: "endpoint is required",
		},
		{
			name: "otel without service name",
			mutate: func(c *Config) {
				c.Observability.OTelEnabled = true
				c.Observability.OTelEndpoint = "localhost:4317"
			},
			wantErr: "service name is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

// TestOTel tests the exporter settings are copied through
func TestOTel(t *testing.T) {
	cfg := validConfig()
	cfg.Observability = ObservabilityConfig{
		OTelEnabled:        true,
		OTelEndpoint:       "collector:4317",
		OTelServiceName:    "tollgate-api",
		OTelServiceVersion: "1.2.3",
		OTelSampleRatio:    0.5,
	}
	got := cfg.OTel()
	if !got.Enabled || got.Endpoint != "collector:4317" || got.ServiceName != "tollgate-api" ||
		got.ServiceVersion != "1.2.3" || got.SampleRatio != 0.5 {
		t.Errorf("OTel() = %+v", got)
	}
}
