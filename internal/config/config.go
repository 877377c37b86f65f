package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// ----------------------------
	// Chat provider
	// ----------------------------
	ProviderBaseURL string `envconfig:"PROVIDER_BASE_URL" default:"http://localhost:4010"`
	ProviderToken   string `envconfig:"PROVIDER_TOKEN" default:""`

	// ----------------------------
	// SMTP fallback
	// ----------------------------
	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser     string `envconfig:"SMTP_USER" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`
	SMTPFrom     string `envconfig:"SMTP_FROM" default:"invites@gathersend.com"`

	// ----------------------------
	// Delivery queue
	// ----------------------------
	WorkerCount      int           `envconfig:"WORKER_COUNT" default:"5"`
	RateLimit        int           `envconfig:"RATE_LIMIT" default:"10"`
	MaxRetries       int           `envconfig:"MAX_RETRIES" default:"3"`
	BackoffBase      time.Duration `envconfig:"BACKOFF_BASE" default:"500ms"`
	BackoffCap       time.Duration `envconfig:"BACKOFF_CAP" default:"30s"`
	BulkCeiling      int           `envconfig:"BULK_CEILING" default:"100"`
	DefaultBatchSize int           `envconfig:"DEFAULT_BATCH_SIZE" default:"10"`

	// ----------------------------
	// Conversation window
	// ----------------------------
	ConversationWindow time.Duration `envconfig:"CONVERSATION_WINDOW" default:"24h"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort string `envconfig:"API_PORT" default:"8080"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Database
	// ----------------------------
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
}

func Load() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return &cfg, err
}
