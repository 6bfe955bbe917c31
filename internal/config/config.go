package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	AuthMode       string        `mapstructure:"AUTH_MODE"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	NotifyChannel  string        `mapstructure:"NOTIFY_CHANNEL"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	DefaultTenant  string        `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	StoreDriver    string        `mapstructure:"STORE_DRIVER"`
	SQLitePath     string        `mapstructure:"SQLITE_PATH"`
	MigrationsDir  string        `mapstructure:"MIGRATIONS_DIR"`
	StoreTimeout   time.Duration `mapstructure:"STORE_TIMEOUT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	// Scheduling
	MinLeadMinutes     int    `mapstructure:"MIN_LEAD_MINUTES"`
	BufferMinutes      int    `mapstructure:"BUFFER_MINUTES"`
	DefaultSlotMinutes int    `mapstructure:"DEFAULT_SLOT_MINUTES"`
	Timezone           string `mapstructure:"TIMEZONE"`
	PendingHoldMinutes int    `mapstructure:"PENDING_HOLD_MINUTES"`
	ExpirySchedule     string `mapstructure:"EXPIRY_SCHEDULE"`
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var keys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "NOTIFY_CHANNEL", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE",
	"AUTH_SIGNING_KEY", "DEFAULT_TENANT", "CORS_ORIGINS", "RATE_LIMIT_RPS",
	"RATE_LIMIT_BURST", "STORE_DRIVER", "SQLITE_PATH", "MIGRATIONS_DIR",
	"STORE_TIMEOUT", "REQUEST_TIMEOUT", "MIN_LEAD_MINUTES", "BUFFER_MINUTES",
	"DEFAULT_SLOT_MINUTES", "TIMEZONE", "PENDING_HOLD_MINUTES", "EXPIRY_SCHEDULE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("NOTIFY_CHANNEL", "medx360:bookings")
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("SQLITE_PATH", "medx360.db")
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("STORE_TIMEOUT", "5s")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("MIN_LEAD_MINUTES", 60)
	v.SetDefault("BUFFER_MINUTES", 0)
	v.SetDefault("DEFAULT_SLOT_MINUTES", 30)
	v.SetDefault("TIMEZONE", "UTC")
	v.SetDefault("PENDING_HOLD_MINUTES", 0)
	v.SetDefault("EXPIRY_SCHEDULE", "@every 1m")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}

	if cfg.StoreDriver == DriverPostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise ENV=development means "development" (no
// auth, all requests get admin) and anything else means "jwt".
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// PendingHold is how long an unconfirmed booking holds its slot. Zero
// disables expiry.
func (c *Config) PendingHold() time.Duration {
	return time.Duration(c.PendingHoldMinutes) * time.Minute
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed in production")
		}
	case "jwt":
		if c.AuthJWKSURL == "" && c.AuthSigningKey == "" && c.AuthIssuer == "" {
			return fmt.Errorf("AUTH_JWKS_URL, AUTH_ISSUER or AUTH_SIGNING_KEY must be set when AUTH_MODE is \"jwt\"")
		}
		if c.IsProduction() && c.AuthSigningKey != "" {
			return fmt.Errorf("AUTH_SIGNING_KEY is for development only; use AUTH_JWKS_URL in production")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}

	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for STORE_DRIVER=postgres")
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for STORE_DRIVER=sqlite")
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.StoreDriver)
	}

	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be positive, got %s", c.StoreTimeout)
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must not be negative")
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_BURST must be at least 1 when RATE_LIMIT_RPS is set")
	}
	if c.PendingHoldMinutes < 0 {
		return fmt.Errorf("PENDING_HOLD_MINUTES must be >= 0, got %d", c.PendingHoldMinutes)
	}
	if c.PendingHoldMinutes > 0 {
		if _, err := cron.ParseStandard(c.ExpirySchedule); err != nil {
			return fmt.Errorf("EXPIRY_SCHEDULE %q: %w", c.ExpirySchedule, err)
		}
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}
	return nil
}
