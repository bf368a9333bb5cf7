package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the billing service
type Config struct {
	AppName  string         `mapstructure:"app_name"`
	Env      string         `mapstructure:"env"`
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	GRPC     GRPCConfig     `mapstructure:"grpc"`
	Billing  BillingConfig  `mapstructure:"billing"`
	AuthGate AuthGateConfig `mapstructure:"authgate"`
	Dunning  DunningConfig  `mapstructure:"dunning"`
	Batch    BatchConfig    `mapstructure:"batch"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Stripe   StripeConfig   `mapstructure:"stripe"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig holds Kafka producer configuration
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// GRPCConfig holds the ops gRPC endpoint configuration
type GRPCConfig struct {
	Address      string `mapstructure:"address"`
	TLSEnabled   bool   `mapstructure:"tls_enabled"`
	CertFile     string `mapstructure:"cert_file"`
	KeyFile      string `mapstructure:"key_file"`
	ClientCAFile string `mapstructure:"client_ca_file"`
}

// BillingConfig holds subscription billing configuration
type BillingConfig struct {
	Currency             string         `mapstructure:"currency"`
	Provider             string         `mapstructure:"provider"`
	Store                string         `mapstructure:"store"`
	TierPrices           map[string]int `mapstructure:"tier_prices"`
	IndividualTrialDays  int            `mapstructure:"individual_trial_days"`
	OrgTrialDays         int            `mapstructure:"organizational_trial_days"`
	CaptureTimeout       time.Duration  `mapstructure:"capture_timeout"`
	ProviderRatePerMin   int            `mapstructure:"provider_rate_per_min"`
	SubscriptionLockTTL  time.Duration  `mapstructure:"subscription_lock_ttl"`
	BillingPeriodMonths  int            `mapstructure:"billing_period_months"`
	ManualReviewFailures int            `mapstructure:"manual_review_failures"`
}

// AuthGateConfig holds strong-customer-authentication gate configuration
type AuthGateConfig struct {
	AmountThresholdCents     int64         `mapstructure:"amount_threshold_cents"`
	CumulativeThresholdCents int64         `mapstructure:"cumulative_threshold_cents"`
	AttemptThreshold         int64         `mapstructure:"attempt_threshold"`
	RiskScoreThreshold       int           `mapstructure:"risk_score_threshold"`
	ChallengeTTL             time.Duration `mapstructure:"challenge_ttl"`
	ChallengeMaxAttempts     int           `mapstructure:"challenge_max_attempts"`
	TokenTTL                 time.Duration `mapstructure:"token_ttl"`
	TokenSecret              string        `mapstructure:"token_secret"`
}

// DunningConfig holds dunning and retry configuration
type DunningConfig struct {
	RetryBackoffDays []int `mapstructure:"retry_backoff_days"`
	ReminderDays     int   `mapstructure:"reminder_days"`
	FinalWarningDays int   `mapstructure:"final_warning_days"`
	CancellationDays int   `mapstructure:"cancellation_days"`
	ReminderFailures int   `mapstructure:"reminder_failures"`
	WarningFailures  int   `mapstructure:"warning_failures"`
	CancelFailures   int   `mapstructure:"cancel_failures"`
}

// BatchConfig holds batch billing coordinator configuration
type BatchConfig struct {
	ItemDelay time.Duration `mapstructure:"item_delay"`
	MaxItems  int           `mapstructure:"max_items"`
}

// WorkerConfig holds scheduled worker configuration
type WorkerConfig struct {
	BillingInterval time.Duration `mapstructure:"billing_interval"`
	DunningInterval time.Duration `mapstructure:"dunning_interval"`
	TrialInterval   time.Duration `mapstructure:"trial_interval"`
	OutboxInterval  time.Duration `mapstructure:"outbox_interval"`
	OutboxBatchSize int           `mapstructure:"outbox_batch_size"`
}

// StripeConfig holds Stripe provider configuration
type StripeConfig struct {
	SecretKey string `mapstructure:"secret_key"`
}

// NotifyConfig holds notification channel configuration
type NotifyConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Region      string `mapstructure:"region"`
	SenderEmail string `mapstructure:"sender_email"`
}

// TracingConfig holds distributed tracing configuration
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	JaegerURL   string  `mapstructure:"jaeger_url"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("BILLING")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Missing file is fine; defaults plus environment cover every key.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

// Default returns a configuration built purely from defaults.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		panic(fmt.Sprintf("default config unmarshal: %v", err))
	}
	return &config
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("app_name", "billing-service")
	v.SetDefault("env", "dev")
	v.SetDefault("log.level", "info")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "billing")
	v.SetDefault("database.dbname", "billing")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "billing.events")

	v.SetDefault("grpc.address", ":50061")
	v.SetDefault("grpc.tls_enabled", false)

	v.SetDefault("billing.currency", "EUR")
	v.SetDefault("billing.provider", "mock")
	v.SetDefault("billing.store", "postgres")
	v.SetDefault("billing.tier_prices", map[string]int{
		"individual":   999,
		"team":         4999,
		"organization": 14999,
	})
	v.SetDefault("billing.individual_trial_days", 30)
	v.SetDefault("billing.organizational_trial_days", 14)
	v.SetDefault("billing.capture_timeout", "30s")
	v.SetDefault("billing.provider_rate_per_min", 120)
	v.SetDefault("billing.subscription_lock_ttl", "30s")
	v.SetDefault("billing.billing_period_months", 1)
	v.SetDefault("billing.manual_review_failures", 3)

	v.SetDefault("authgate.amount_threshold_cents", 3000)
	v.SetDefault("authgate.cumulative_threshold_cents", 15000)
	v.SetDefault("authgate.attempt_threshold", 5)
	v.SetDefault("authgate.risk_score_threshold", 50)
	v.SetDefault("authgate.challenge_ttl", "5m")
	v.SetDefault("authgate.challenge_max_attempts", 3)
	v.SetDefault("authgate.token_ttl", "30m")
	v.SetDefault("authgate.token_secret", "dev-only-secret")

	v.SetDefault("dunning.retry_backoff_days", []int{1, 3, 7})
	v.SetDefault("dunning.reminder_days", 7)
	v.SetDefault("dunning.final_warning_days", 14)
	v.SetDefault("dunning.cancellation_days", 30)
	v.SetDefault("dunning.reminder_failures", 1)
	v.SetDefault("dunning.warning_failures", 2)
	v.SetDefault("dunning.cancel_failures", 3)

	v.SetDefault("batch.item_delay", "500ms")
	v.SetDefault("batch.max_items", 0)

	v.SetDefault("worker.billing_interval", "1h")
	v.SetDefault("worker.dunning_interval", "6h")
	v.SetDefault("worker.trial_interval", "1h")
	v.SetDefault("worker.outbox_interval", "5s")
	v.SetDefault("worker.outbox_batch_size", 50)

	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.region", "eu-west-1")
	v.SetDefault("notify.sender_email", "billing@schildwacht.example")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.address", ":9102")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "billing-service")
	v.SetDefault("tracing.jaeger_url", "http://localhost:14268/api/traces")
	v.SetDefault("tracing.sample_rate", 0.1)
}

// GetDSN returns the database connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// GetRedisAddr returns the Redis connection address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
