package config

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	HTTPAddr        string        `envconfig:"HTTP_ADDR" default:":8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"5s"`

	CRDBDSN       string `envconfig:"CRDB_DSN" required:"true"`
	MongoURI      string `envconfig:"MONGO_URI" required:"true"`
	MongoDatabase string `envconfig:"MONGO_DATABASE" default:"dd"`
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RabbitURL     string `envconfig:"RABBIT_URL"`
	OTLPEndpoint  string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	HoldTTL             time.Duration `envconfig:"HOLD_TTL" default:"10m"`
	ExpirySweepInterval time.Duration `envconfig:"EXPIRY_SWEEP_INTERVAL" default:"1m"`
	OutboxPollInterval  time.Duration `envconfig:"OUTBOX_POLL_INTERVAL" default:"5s"`
	OrderRefPrefix      string        `envconfig:"ORDER_REF_PREFIX" default:"ACF"`
	SweepConcurrency    int           `envconfig:"SWEEP_CONCURRENCY" default:"4"`
	OutboxRelayEnabled  bool          `envconfig:"OUTBOX_RELAY_IN_PROCESS" default:"true"`
	IdempotencyTTL      time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
	SettingsCacheTTL    time.Duration `envconfig:"SETTINGS_CACHE_TTL" default:"30s"`

	// Optional calendar provisioning, inclusive YYYY-MM-DD bounds.
	CalendarFrom string `envconfig:"CALENDAR_FROM"`
	CalendarTo   string `envconfig:"CALENDAR_TO"`

	Gateway  GatewayConfig
	Admin    AdminConfig
	Defaults SettingsDefaults
}

type GatewayConfig struct {
	BaseURL            string        `envconfig:"GATEWAY_BASE_URL" default:"https://api.gateway.example"`
	APIKey             string        `envconfig:"GATEWAY_API_KEY"`
	WebhookSecret      string        `envconfig:"GATEWAY_WEBHOOK_SECRET" required:"true"`
	SignatureTolerance time.Duration `envconfig:"GATEWAY_SIGNATURE_TOLERANCE" default:"5m"`
	Timeout            time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"15s"`
}

type AdminConfig struct {
	JWTSecret string `envconfig:"ADMIN_JWT_SECRET" required:"true"`
	JWTIssuer string `envconfig:"ADMIN_JWT_ISSUER"`
}

// SettingsDefaults seed the settings singleton the first time it is read.
type SettingsDefaults struct {
	PriceCents         int64  `envconfig:"DEFAULT_PRICE_CENTS" default:"5000"`
	NotificationEmail  string `envconfig:"DEFAULT_NOTIFICATION_EMAIL"`
	DedicationRequired bool   `envconfig:"DEFAULT_DEDICATION_REQUIRED" default:"false"`
	EmojisAllowed      bool   `envconfig:"DEFAULT_EMOJIS_ALLOWED" default:"true"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	if cfg.HoldTTL <= 0 {
		return nil, errors.New("HOLD_TTL must be positive")
	}
	if (cfg.CalendarFrom == "") != (cfg.CalendarTo == "") {
		return nil, errors.New("CALENDAR_FROM and CALENDAR_TO must be set together")
	}
	return &cfg, nil
}
