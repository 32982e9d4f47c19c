// Package config loads the server configuration from the environment.
// A .env file in the working directory is applied first when present.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/mihaimyh/kinelink/pkg/kinelink"
)

// Storage backends
const (
	StorageMemory    = "memory"
	StorageRedis     = "redis"
	StoragePostgres  = "postgres"
	StorageFirestore = "firestore"
)

// ErrInvalidConfig is returned by Validate
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the full server configuration
type Config struct {
	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	Env             string        `env:"ENV" envDefault:"development"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	TrustProxy      bool          `env:"TRUST_PROXY" envDefault:"false"`
	InternalToken   string        `env:"INTERNAL_API_TOKEN"`

	Storage            string        `env:"STORAGE" envDefault:"memory"`
	RedisAddr          string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	PostgresDSN        string        `env:"POSTGRES_DSN"`
	FirestoreProjectID string        `env:"FIRESTORE_PROJECT_ID"`
	CleanupInterval    time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1m"`
	EventRetention     time.Duration `env:"EVENT_RETENTION" envDefault:"72h"`

	Stripe    Stripe
	WhatsApp  WhatsApp
	OpenAI    OpenAI
	RateLimit RateLimit
}

// Stripe holds the billing provider settings
type Stripe struct {
	APIKey             string            `env:"STRIPE_API_KEY"`
	WebhookSecret      string            `env:"STRIPE_WEBHOOK_SECRET"`
	SignatureTolerance time.Duration     `env:"STRIPE_SIGNATURE_TOLERANCE" envDefault:"5m"`
	PlanMapping        map[string]string `env:"STRIPE_PLAN_MAPPING"`
}

// WhatsApp holds the Cloud API settings.
// Empty values fall back to the whatsapp package defaults.
type WhatsApp struct {
	VerifyToken      string   `env:"WHATSAPP_VERIFY_TOKEN"`
	AccessToken      string   `env:"WHATSAPP_ACCESS_TOKEN"`
	PhoneNumberID    string   `env:"WHATSAPP_PHONE_NUMBER_ID"`
	APIVersion       string   `env:"WHATSAPP_API_VERSION"`
	AllowedCIDRs     []string `env:"WHATSAPP_ALLOWED_CIDRS" envSeparator:","`
	DevMode          bool     `env:"WHATSAPP_DEV_MODE" envDefault:"false"`
	RichTemplate     string   `env:"WHATSAPP_RICH_TEMPLATE"`
	FallbackTemplate string   `env:"WHATSAPP_FALLBACK_TEMPLATE"`
	Language         string   `env:"WHATSAPP_LANGUAGE"`
	DefaultRegion    string   `env:"DEFAULT_PHONE_REGION"`
}

// OpenAI holds the assistant settings
type OpenAI struct {
	APIKey string `env:"OPENAI_API_KEY"`
	Model  string `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
}

// RateLimit holds the fixed windows of the limited route classes
type RateLimit struct {
	ChatMax       int           `env:"RATE_LIMIT_CHAT_MAX" envDefault:"10"`
	ChatWindow    time.Duration `env:"RATE_LIMIT_CHAT_WINDOW" envDefault:"1m"`
	GeneralMax    int           `env:"RATE_LIMIT_GENERAL_MAX" envDefault:"60"`
	GeneralWindow time.Duration `env:"RATE_LIMIT_GENERAL_WINDOW" envDefault:"1m"`
}

// ChatPolicy is the policy of the ai_chat route class
func (r RateLimit) ChatPolicy() kinelink.RateLimitPolicy {
	return kinelink.RateLimitPolicy{Window: r.ChatWindow, Max: r.ChatMax, KeyBy: kinelink.KeyByIdentity}
}

// GeneralPolicy is the policy of the remaining kiné API routes
func (r RateLimit) GeneralPolicy() kinelink.RateLimitPolicy {
	return kinelink.RateLimitPolicy{Window: r.GeneralWindow, Max: r.GeneralMax, KeyBy: kinelink.KeyByIdentity}
}

// Load applies .env when present, then parses and validates the process environment
func Load() (*Config, error) {
	// a missing .env file is fine
	_ = godotenv.Load()

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFrom parses the given variables instead of the process environment
func LoadFrom(environ map[string]string) (*Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Environment: environ})
	if err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// IsDevelopment reports whether ENV selects a development setup
func (c *Config) IsDevelopment() bool {
	switch strings.ToLower(c.Env) {
	case "dev", "development", "local":
		return true
	}
	return false
}

// Validate checks cross-field requirements
func (c *Config) Validate() error {
	switch c.Storage {
	case StorageMemory, StorageRedis:
	case StoragePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("%w: POSTGRES_DSN is required for postgres storage", ErrInvalidConfig)
		}
	case StorageFirestore:
		if c.FirestoreProjectID == "" {
			return fmt.Errorf("%w: FIRESTORE_PROJECT_ID is required for firestore storage", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown STORAGE %q", ErrInvalidConfig, c.Storage)
	}

	if err := c.RateLimit.ChatPolicy().Validate(); err != nil {
		return fmt.Errorf("%w: chat rate limit: %w", ErrInvalidConfig, err)
	}
	if err := c.RateLimit.GeneralPolicy().Validate(); err != nil {
		return fmt.Errorf("%w: general rate limit: %w", ErrInvalidConfig, err)
	}
	if c.Stripe.SignatureTolerance < 0 {
		return fmt.Errorf("%w: STRIPE_SIGNATURE_TOLERANCE must not be negative", ErrInvalidConfig)
	}
	if c.WhatsApp.DevMode && !c.IsDevelopment() {
		return fmt.Errorf("%w: WHATSAPP_DEV_MODE is only allowed in development", ErrInvalidConfig)
	}
	return nil
}
