// Package config defines the process configuration for the billing relay.
// Configuration is loaded once at startup and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format aborts startup.
package config

import (
	"strings"
	"time"

	"billingrelay/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type used
// throughout configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Environment names accepted in APP_ENV.
const (
	EnvLocal   = "local"
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

// User store backends accepted in USER_STORE.
const (
	StoreFirestore = "firestore"
	StorePostgres  = "postgres"
)

// Config is the top-level configuration struct. Sub-components receive only
// the config subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"billingrelay"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Billing       BillingConfig
	Firebase      FirebaseConfig
	Store         StoreConfig
	Redis         RedisConfig
	AWS           AWSConfig
	Security      SecurityConfig
	RateLimit     RateLimitConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// IsProduction reports whether the process runs in the prod environment.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProd
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"3000" validate:"required,numeric"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
}

// BillingConfig holds Stripe credentials and checkout defaults.
type BillingConfig struct {
	StripeSecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`
	ProPlanPriceID      string       `envconfig:"STRIPE_PRO_PLAN_PRICE_ID"`
	// DefaultPriceFallback lets checkout requests omit priceId and use
	// ProPlanPriceID instead.
	DefaultPriceFallback bool `envconfig:"STRIPE_DEFAULT_PRICE_FALLBACK" default:"false"`
	// APIBase overrides the Stripe endpoint, used against stripe-mock locally.
	APIBase          string        `envconfig:"STRIPE_API_BASE" default:"https://api.stripe.com" validate:"required,url"`
	WebhookTolerance time.Duration `envconfig:"STRIPE_WEBHOOK_TOLERANCE" default:"5m"`
}

// FirebaseConfig holds service account credentials for the identity service
// and the Firestore user store. Either CredentialsFile or the ClientEmail and
// PrivateKey pair is used.
type FirebaseConfig struct {
	ProjectID       string       `envconfig:"FIREBASE_PROJECT_ID" validate:"required"`
	ClientEmail     string       `envconfig:"FIREBASE_CLIENT_EMAIL" validate:"omitempty,email"`
	PrivateKey      SecretString `envconfig:"FIREBASE_PRIVATE_KEY" validate:"required_with=ClientEmail"`
	CredentialsFile string       `envconfig:"FIREBASE_CREDENTIALS_FILE"`
}

// PrivateKeyPEM returns the private key with escaped newlines expanded, the
// form in which PEM keys are usually stored in a single env var.
func (f FirebaseConfig) PrivateKeyPEM() string {
	return strings.ReplaceAll(f.PrivateKey.Unmask(), `\n`, "\n")
}

// HasInlineCredentials reports whether a service account can be assembled
// from the individual env vars.
func (f FirebaseConfig) HasInlineCredentials() bool {
	return f.ClientEmail != "" && f.PrivateKey.IsSet()
}

// StoreConfig selects and tunes the user store backend.
type StoreConfig struct {
	Backend         string `envconfig:"USER_STORE" default:"firestore" validate:"oneof=firestore postgres"`
	UsersCollection string `envconfig:"USERS_COLLECTION" default:"users" validate:"required"`

	URL               SecretString  `envconfig:"DATABASE_URL" validate:"required_if=Backend postgres"`
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// RedisConfig points at the shared rate limit counter store. Empty URL selects
// the in-process limiter.
type RedisConfig struct {
	URL SecretString `envconfig:"REDIS_URL"`
}

// AWSConfig holds regional configuration for SSM and CloudWatch.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`
	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// SecurityConfig holds CORS settings.
type SecurityConfig struct {
	CorsAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// RateLimitConfig holds per-route-group request budgets.
type RateLimitConfig struct {
	// Enabled overrides the environment default. nil means enabled only in prod.
	Enabled *bool `envconfig:"RATE_LIMIT_ENABLED"`

	APIMax        int           `envconfig:"RATE_LIMIT_API_MAX" default:"100" validate:"gt=0"`
	APIWindow     time.Duration `envconfig:"RATE_LIMIT_API_WINDOW" default:"15m" validate:"gt=0"`
	WebhookMax    int           `envconfig:"RATE_LIMIT_WEBHOOK_MAX" default:"50" validate:"gt=0"`
	WebhookWindow time.Duration `envconfig:"RATE_LIMIT_WEBHOOK_WINDOW" default:"1m" validate:"gt=0"`
}

// IsEnabled resolves the effective switch for the given environment.
func (r RateLimitConfig) IsEnabled(environment string) bool {
	if r.Enabled != nil {
		return *r.Enabled
	}
	return environment == EnvProd
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricsEnabled  bool   `envconfig:"METRICS_ENABLED" default:"false"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"BillingRelay"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
