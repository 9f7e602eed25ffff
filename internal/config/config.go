// Package config loads gateway configuration from the environment, with
// an optional .env file for local development.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config is the full environment surface. Priority: ENV vars > .env
// file > defaults.
type Config struct {
	Host string `env:"GW_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"GW_PORT" envDefault:"3100"`
	Path string `env:"GW_PATH" envDefault:"/"`

	MaxPayloadBytes int64 `env:"GW_MAX_PAYLOAD_BYTES" envDefault:"1048576"`

	// Auth
	AuthRequired bool          `env:"GW_AUTH_REQUIRED" envDefault:"false"`
	JWTSecret    string        `env:"GW_JWT_SECRET"`
	JWTIssuer    string        `env:"GW_JWT_ISSUER" envDefault:"gateway"`
	AdminSecret  string        `env:"GW_ADMIN_SECRET"`
	SessionTTL   time.Duration `env:"GW_SESSION_TTL" envDefault:"24h"`
	DefaultAllow bool          `env:"GW_PERMISSIONS_DEFAULT_ALLOW" envDefault:"true"`

	// Rate limiting; zero max disables
	RateLimitMaxRequests int `env:"GW_RATE_LIMIT_MAX_REQUESTS" envDefault:"0"`
	RateLimitWindowMs    int `env:"GW_RATE_LIMIT_WINDOW_MS" envDefault:"60000"`

	// Heartbeat
	HeartbeatIntervalMs int `env:"GW_HEARTBEAT_INTERVAL_MS" envDefault:"30000"`
	HeartbeatTimeoutMs  int `env:"GW_HEARTBEAT_TIMEOUT_MS" envDefault:"0"`

	// Backpressure
	MaxBufferedBytes int64   `env:"GW_MAX_BUFFERED_BYTES" envDefault:"1048576"`
	HighWaterMark    float64 `env:"GW_HIGH_WATER_MARK" envDefault:"0.9"`

	MaxSubscriptionsPerConnection int `env:"GW_MAX_SUBSCRIPTIONS_PER_CONNECTION" envDefault:"100"`
	MaxConnectionsPerIP           int `env:"GW_MAX_CONNECTIONS_PER_IP" envDefault:"0"`

	ExposeErrorDetails bool   `env:"GW_EXPOSE_ERROR_DETAILS" envDefault:"true"`
	AllowedOrigins     string `env:"GW_ALLOWED_ORIGINS"` // comma-separated; empty = any

	Audit bool `env:"GW_AUDIT" envDefault:"true"`

	// Rule engine broker; empty runs the in-memory engine
	NATSURL string `env:"GW_NATS_URL"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads .env (when present) and the environment.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate rejects out-of-range settings early.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("GW_PORT must be 0-65535, got %d", c.Port)
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("GW_PATH must start with /, got %q", c.Path)
	}
	if c.MaxPayloadBytes < 1 {
		return fmt.Errorf("GW_MAX_PAYLOAD_BYTES must be > 0, got %d", c.MaxPayloadBytes)
	}
	if c.RateLimitMaxRequests > 0 && c.RateLimitWindowMs < 1 {
		return fmt.Errorf("GW_RATE_LIMIT_WINDOW_MS must be > 0 when rate limiting is enabled")
	}
	if c.HeartbeatIntervalMs < 1 {
		return fmt.Errorf("GW_HEARTBEAT_INTERVAL_MS must be > 0, got %d", c.HeartbeatIntervalMs)
	}
	if c.HighWaterMark <= 0 || c.HighWaterMark > 1 {
		return fmt.Errorf("GW_HIGH_WATER_MARK must be in (0, 1], got %g", c.HighWaterMark)
	}
	if c.AuthRequired && c.JWTSecret == "" && c.AdminSecret == "" {
		return fmt.Errorf("GW_AUTH_REQUIRED needs GW_JWT_SECRET or GW_ADMIN_SECRET")
	}
	return nil
}

// Origins splits the comma-separated origin list; nil means any.
func (c *Config) Origins() []string {
	if c.AllowedOrigins == "" {
		return nil
	}
	parts := strings.Split(c.AllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
