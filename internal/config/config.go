package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/carepath/scheduler/internal/availability"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string   `mapstructure:"REDIS_URL"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	Timezone            string `mapstructure:"TIMEZONE"`
	SlotDurationMinutes int    `mapstructure:"SLOT_DURATION_MINUTES"`
	HorizonDays         int    `mapstructure:"HORIZON_DAYS"`
	UrgentWindowDays    int    `mapstructure:"URGENT_WINDOW_DAYS"`
	LeadTimeMinutes     int    `mapstructure:"LEAD_TIME_MINUTES"`

	SMTPHost     string `mapstructure:"SMTP_HOST"`
	SMTPPort     int    `mapstructure:"SMTP_PORT"`
	SMTPUsername string `mapstructure:"SMTP_USERNAME"`
	SMTPPassword string `mapstructure:"SMTP_PASSWORD"`
	SMTPFrom     string `mapstructure:"SMTP_FROM"`

	IdempotencyTTLMinutes int `mapstructure:"IDEMPOTENCY_TTL_MINUTES"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"TIMEZONE", "SLOT_DURATION_MINUTES", "HORIZON_DAYS", "URGENT_WINDOW_DAYS", "LEAD_TIME_MINUTES",
	"SMTP_HOST", "SMTP_PORT", "SMTP_USERNAME", "SMTP_PASSWORD", "SMTP_FROM",
	"IDEMPOTENCY_TTL_MINUTES",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("AUTH_ISSUER", "scheduler")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("TIMEZONE", "UTC")
	v.SetDefault("SLOT_DURATION_MINUTES", int(availability.DefaultSlotDuration/time.Minute))
	v.SetDefault("HORIZON_DAYS", availability.DefaultHorizonDays)
	v.SetDefault("URGENT_WINDOW_DAYS", availability.DefaultUrgentWindowDays)
	v.SetDefault("LEAD_TIME_MINUTES", int(availability.DefaultLeadTime/time.Minute))
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("SMTP_FROM", "appointments@localhost")
	v.SetDefault("IDEMPOTENCY_TTL_MINUTES", 24*60)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
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
	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
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

// Engine converts the scheduling knobs into an engine configuration.
func (c *Config) Engine() availability.Config {
	return availability.Config{
		SlotDuration:     time.Duration(c.SlotDurationMinutes) * time.Minute,
		HorizonDays:      c.HorizonDays,
		UrgentWindowDays: c.UrgentWindowDays,
		LeadTime:         time.Duration(c.LeadTimeMinutes) * time.Minute,
	}
}

// Location resolves TIMEZONE. Slots are generated in this location.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// IdempotencyTTL is how long a submitted idempotency key is remembered.
func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLMinutes) * time.Minute
}

// Validate checks that the configuration is safe to run. Outside development
// AUTH_SIGNING_KEY must be set so bearer tokens are verified, and the engine
// settings must describe a usable slot grid.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf(
			"AUTH_SIGNING_KEY must be set when ENV=%q. "+
				"Refusing to start without authentication configuration", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
	}
	if err := c.Engine().Validate(); err != nil {
		return err
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.IdempotencyTTLMinutes <= 0 {
		return fmt.Errorf("IDEMPOTENCY_TTL_MINUTES must be positive, got %d", c.IdempotencyTTLMinutes)
	}
	return nil
}

// RequireDatabase reports a missing DATABASE_URL for commands that persist.
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}
