package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	AWSRegion string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	LedgerSecretKey     string
	LedgerWebhookSecret string

	GatewayWebhookSecret string

	MeterAICredits        string
	MeterWhatsAppMessages string
	MeterEmailSends       string
	MeterSMSSends         string

	UsageEventsQueueURL   string
	LedgerEventsQueueURL  string
	PaymentEventsQueueURL string

	EntitlementCacheTTL time.Duration
	CounterRetention    time.Duration
	IdempotencyTTL      time.Duration

	ConsumerConcurrency   int
	ConsumerVisibility    time.Duration
	ConsumerWaitTime      time.Duration
	MessageTimeout        time.Duration
	ReconcileMaxAttempts  int
	ReconcileRetryBackoff time.Duration

	WorkspaceDirectoryURL string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "billing-engine"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		AWSRegion: getenv("AWS_REGION", "ap-south-1"),

		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
		RedisDB:       getenvInt("REDIS_DB", 0),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "billing"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),

		LedgerSecretKey:     strings.TrimSpace(getenv("LEDGER_SECRET_KEY", "")),
		LedgerWebhookSecret: strings.TrimSpace(getenv("LEDGER_WEBHOOK_SECRET", "")),

		GatewayWebhookSecret: strings.TrimSpace(getenv("GATEWAY_WEBHOOK_SECRET", "")),

		MeterAICredits:        getenv("METER_AI_CREDITS", "ai_credits"),
		MeterWhatsAppMessages: getenv("METER_WHATSAPP_MESSAGES", "whatsapp_messages"),
		MeterEmailSends:       getenv("METER_EMAIL_SENDS", "email_sends"),
		MeterSMSSends:         getenv("METER_SMS_SENDS", "sms_sends"),

		UsageEventsQueueURL:   getenv("USAGE_EVENTS_QUEUE_URL", ""),
		LedgerEventsQueueURL:  getenv("LEDGER_EVENTS_QUEUE_URL", ""),
		PaymentEventsQueueURL: getenv("PAYMENT_EVENTS_QUEUE_URL", ""),

		EntitlementCacheTTL: getenvDuration("ENTITLEMENT_CACHE_TTL", 120*time.Second),
		CounterRetention:    getenvDuration("COUNTER_RETENTION", 35*24*time.Hour),
		IdempotencyTTL:      getenvDuration("IDEMPOTENCY_TTL", 7*24*time.Hour),

		ConsumerConcurrency:   getenvInt("CONSUMER_CONCURRENCY", 8),
		ConsumerVisibility:    getenvDuration("CONSUMER_VISIBILITY_TIMEOUT", 60*time.Second),
		ConsumerWaitTime:      getenvDuration("CONSUMER_WAIT_TIME", 20*time.Second),
		MessageTimeout:        getenvDuration("MESSAGE_TIMEOUT", 30*time.Second),
		ReconcileMaxAttempts:  getenvInt("RECONCILE_MAX_ATTEMPTS", 5),
		ReconcileRetryBackoff: getenvDuration("RECONCILE_RETRY_BACKOFF", 30*time.Second),

		WorkspaceDirectoryURL: getenv("WORKSPACE_DIRECTORY_URL", ""),
	}
}

// Module wires configuration for fx applications.
var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewPlanCatalogHolder),
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
