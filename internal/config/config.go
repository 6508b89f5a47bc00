package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	StoreDriver        string `mapstructure:"STORE_DRIVER"`
	DatabaseURL        string `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32  `mapstructure:"DB_MIN_CONNS"`
	DBStatementTimeout int    `mapstructure:"DB_STATEMENT_TIMEOUT_MS"`
	DBLockTimeout      int    `mapstructure:"DB_LOCK_TIMEOUT_MS"`
	MemorySeedFile     string `mapstructure:"MEMORY_SEED_FILE"`
	RedisURL           string `mapstructure:"REDIS_URL"`

	Timezone             string `mapstructure:"TIMEZONE"`
	NoShowGraceMinutes   int    `mapstructure:"NO_SHOW_GRACE_MINUTES"`
	ReferralValidityDays int    `mapstructure:"REFERRAL_VALIDITY_DAYS"`
	DefaultSlotCapacity  int    `mapstructure:"DEFAULT_SLOT_CAPACITY"`

	SweepIntervalSeconds int    `mapstructure:"SWEEP_INTERVAL_SECONDS"`
	SweepBatchSize       int    `mapstructure:"SWEEP_BATCH_SIZE"`
	SweepLockTTLSeconds  int    `mapstructure:"SWEEP_LOCK_TTL_SECONDS"`
	RelayIntervalSeconds int    `mapstructure:"RELAY_INTERVAL_SECONDS"`
	EventsChannel        string `mapstructure:"EVENTS_CHANNEL"`

	RateLimitPerMinute      int `mapstructure:"RATE_LIMIT_PER_MIN"`
	RateLimitBurst          int `mapstructure:"RATE_LIMIT_BURST"`
	ActorRateLimitPerMinute int `mapstructure:"ACTOR_RATE_LIMIT_PER_MIN"`
	ActorRateLimitBurst     int `mapstructure:"ACTOR_RATE_LIMIT_BURST"`

	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_STATEMENT_TIMEOUT_MS", "DB_LOCK_TIMEOUT_MS",
	"MEMORY_SEED_FILE", "REDIS_URL",
	"TIMEZONE", "NO_SHOW_GRACE_MINUTES", "REFERRAL_VALIDITY_DAYS", "DEFAULT_SLOT_CAPACITY",
	"SWEEP_INTERVAL_SECONDS", "SWEEP_BATCH_SIZE", "SWEEP_LOCK_TTL_SECONDS", "RELAY_INTERVAL_SECONDS", "EVENTS_CHANNEL",
	"RATE_LIMIT_PER_MIN", "RATE_LIMIT_BURST", "ACTOR_RATE_LIMIT_PER_MIN", "ACTOR_RATE_LIMIT_BURST",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE",
}

// Load reads configuration from the environment, falling back to an optional
// .env file and then to defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	setDefaults(v)

	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_STATEMENT_TIMEOUT_MS", 5000)
	v.SetDefault("DB_LOCK_TIMEOUT_MS", 2000)
	v.SetDefault("TIMEZONE", "Asia/Manila")
	v.SetDefault("NO_SHOW_GRACE_MINUTES", 30)
	v.SetDefault("REFERRAL_VALIDITY_DAYS", 30)
	v.SetDefault("DEFAULT_SLOT_CAPACITY", 20)
	v.SetDefault("SWEEP_INTERVAL_SECONDS", 60)
	v.SetDefault("SWEEP_BATCH_SIZE", 100)
	v.SetDefault("SWEEP_LOCK_TTL_SECONDS", 120)
	v.SetDefault("RELAY_INTERVAL_SECONDS", 5)
	v.SetDefault("EVENTS_CHANNEL", "scheduling.events")
	v.SetDefault("RATE_LIMIT_PER_MIN", 120)
	v.SetDefault("RATE_LIMIT_BURST", 30)
	v.SetDefault("ACTOR_RATE_LIMIT_PER_MIN", 600)
	v.SetDefault("ACTOR_RATE_LIMIT_BURST", 100)
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required when STORE_DRIVER is postgres"))
		}
	case DriverMemory:
		if !c.IsDev() {
			errs = append(errs, errors.New("STORE_DRIVER=memory is only allowed with ENV=development"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, c.StoreDriver))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err))
	}
	if c.NoShowGraceMinutes <= 0 {
		errs = append(errs, errors.New("NO_SHOW_GRACE_MINUTES must be positive"))
	}
	if c.ReferralValidityDays <= 0 {
		errs = append(errs, errors.New("REFERRAL_VALIDITY_DAYS must be positive"))
	}
	if c.DefaultSlotCapacity <= 0 {
		errs = append(errs, errors.New("DEFAULT_SLOT_CAPACITY must be positive"))
	}
	if c.SweepBatchSize <= 0 {
		errs = append(errs, errors.New("SWEEP_BATCH_SIZE must be positive"))
	}
	if c.SweepIntervalSeconds <= 0 || c.SweepLockTTLSeconds <= 0 || c.RelayIntervalSeconds <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL_SECONDS, SWEEP_LOCK_TTL_SECONDS and RELAY_INTERVAL_SECONDS must be positive"))
	}
	if c.DBMinConns > c.DBMaxConns {
		errs = append(errs, errors.New("DB_MIN_CONNS must not exceed DB_MAX_CONNS"))
	}
	return errors.Join(errs...)
}

func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) NoShowGrace() time.Duration {
	return time.Duration(c.NoShowGraceMinutes) * time.Minute
}

func (c *Config) ReferralValidity() time.Duration {
	return time.Duration(c.ReferralValidityDays) * 24 * time.Hour
}

func (c *Config) StatementTimeout() time.Duration {
	return time.Duration(c.DBStatementTimeout) * time.Millisecond
}

func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.DBLockTimeout) * time.Millisecond
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c *Config) SweepLockTTL() time.Duration {
	return time.Duration(c.SweepLockTTLSeconds) * time.Second
}

func (c *Config) RelayInterval() time.Duration {
	return time.Duration(c.RelayIntervalSeconds) * time.Second
}
