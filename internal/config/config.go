// Package config handles application-wide settings and environment parsing.
//
// Environment variables are mapped into a strongly-typed struct via
// caarlos0/env, providing early validation and default values. Once loaded,
// configuration is read-only and passed to components via constructors.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all runtime configuration for the auth core.
// The enumerated options and their defaults are external contracts.
type Config struct {
	// Server settings
	ServerPort  string `env:"SERVER_PORT"  envDefault:"8080"`
	Environment string `env:"ENVIRONMENT"  envDefault:"development"`
	SentryDSN   string `env:"SENTRY_DSN"`

	// Stores
	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisURL    string `env:"REDIS_URL,required"`

	// Token signing. Keys are hex-encoded 32-byte HMAC secrets keyed by kid.
	TokenSigningKey string `env:"TOKEN_SIGNING_KEY,required"`
	TokenSigningKid string `env:"TOKEN_SIGNING_KID" envDefault:"sig-1"`
	TokenIssuer     string `env:"TOKEN_ISSUER"      envDefault:"vantagetrade-auth"`

	// Credential encryption master key (hex, 32 bytes) for the local KMS.
	MasterKey string `env:"MASTER_KEY,required"`

	// Session policy
	MaxConcurrentSessions int           `env:"MAX_CONCURRENT_SESSIONS" envDefault:"3"`
	SessionTimeout        time.Duration `env:"SESSION_TIMEOUT_MINUTES" envDefault:"30m"`
	ExtendOnActivity      bool          `env:"EXTEND_ON_ACTIVITY"      envDefault:"true"`

	// Account lockout policy
	MaxFailedAttempts   int           `env:"MAX_FAILED_ATTEMPTS"           envDefault:"5"`
	AccountLockDuration time.Duration `env:"ACCOUNT_LOCK_DURATION_MINUTES" envDefault:"30m"`
	PasswordExpiryDays  int           `env:"PASSWORD_EXPIRY_DAYS"          envDefault:"90"`

	// Token lifetimes
	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL_MINUTES" envDefault:"15m"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL_DAYS"   envDefault:"336h"`

	// MFA
	TOTPWindow time.Duration `env:"TOTP_WINDOW_SECONDS" envDefault:"30s"`
	MFAIssuer  string        `env:"MFA_ISSUER"          envDefault:"VantageTrade"`

	// Credential encryption
	DataKeyCacheTTL time.Duration `env:"DATA_KEY_CACHE_TTL_MINUTES" envDefault:"60m"`

	// Circuit breaker defaults, overridable per breaker name via
	// BREAKER_<NAME>_* if the need arises.
	BreakerFailureRatePercent  float64       `env:"BREAKER_FAILURE_RATE_THRESHOLD_PERCENT" envDefault:"50"`
	BreakerSlidingWindowSize   uint32        `env:"BREAKER_SLIDING_WINDOW_SIZE"            envDefault:"20"`
	BreakerMinimumCalls        uint32        `env:"BREAKER_MINIMUM_CALLS"                  envDefault:"10"`
	BreakerOpenDuration        time.Duration `env:"BREAKER_OPEN_DURATION_SECONDS"          envDefault:"30s"`
	BreakerHalfOpenPermitted   uint32        `env:"BREAKER_HALF_OPEN_PERMITTED_CALLS"      envDefault:"3"`
	BreakerCallTimeout         time.Duration `env:"BREAKER_CALL_TIMEOUT_SECONDS"           envDefault:"5s"`

	// Service API keys: comma-separated "serviceName:sha256hex" pairs.
	ServiceAPIKeys string `env:"SERVICE_API_KEYS"`

	// Social providers
	SupportedProviders []string `env:"SUPPORTED_SOCIAL_PROVIDERS" envSeparator:"," envDefault:"google,github"`

	// Outbound email
	SMTPAddr string `env:"SMTP_ADDR"`
	SMTPFrom string `env:"SMTP_FROM" envDefault:"no-reply@vantagetrade.io"`

	// Geo-IP lookup endpoint. Empty disables enrichment ("Unknown").
	GeoIPEndpoint string `env:"GEOIP_ENDPOINT"`

	// Base URL for links embedded in verification emails.
	AppURL string `env:"APP_URL" envDefault:"https://app.vantagetrade.io"`
}

// Load parses environment variables into a [Config] struct.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse environment variables: %w", err)
	}
	return cfg, nil
}

// IsProduction reports whether the server is running in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
