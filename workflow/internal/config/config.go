// Package config provides configuration loading for the workflow service.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the workflow service
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Audit    AuditConfig    `mapstructure:"audit"`
	SLA      SLAConfig      `mapstructure:"sla"`
	Calendar CalendarConfig `mapstructure:"calendar"`
	Routing  RoutingConfig  `mapstructure:"routing"`
	Licence  LicenceConfig  `mapstructure:"licence"`
	Flags    FlagsConfig    `mapstructure:"flags"`
}

// ServerConfig holds the ops HTTP server configuration
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

// ConnString renders a libpq URL for pgx and golang-migrate.
func (p PostgresConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

// RedisConfig holds Redis configuration for the holiday cache and run lock
type RedisConfig struct {
	URL        string `mapstructure:"url"`
	Enabled    bool   `mapstructure:"enabled"`
	MaxRetries int    `mapstructure:"max_retries"`
	PoolSize   int    `mapstructure:"pool_size"`
}

// NATSConfig holds NATS message broker configuration
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Enabled       bool          `mapstructure:"enabled"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AuditConfig holds the audit trail settings
type AuditConfig struct {
	SigningKey    string `mapstructure:"signing_key"`
	IncludeDrafts bool   `mapstructure:"include_drafts"`
}

// SLAConfig holds the daily SLA run settings
type SLAConfig struct {
	RunAt         string        `mapstructure:"run_at"`
	Cutoff        string        `mapstructure:"cutoff"`
	Timezone      string        `mapstructure:"timezone"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
	ChaserMinDays int           `mapstructure:"chaser_min_days"`
	ChaserMaxDays int           `mapstructure:"chaser_max_days"`
}

// Location resolves Timezone.
func (s SLAConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid sla.timezone %q: %w", s.Timezone, err)
	}
	return loc, nil
}

// CalendarConfig holds bank holiday sources
type CalendarConfig struct {
	BankHolidayURL string        `mapstructure:"bank_holiday_url"`
	Division       string        `mapstructure:"division"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	StaticHolidays []string      `mapstructure:"static_holidays"`
}

// RoutingConfig holds routing rule sources
type RoutingConfig struct {
	RulesFile string `mapstructure:"rules_file"`
}

// LicenceConfig holds licence lifecycle request settings
type LicenceConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// FlagsConfig names system flags by id
type FlagsConfig struct {
	RefusalFlagID string `mapstructure:"refusal_flag_id"`
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "caseflow")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "caseflow")
	v.SetDefault("database.postgres.sslmode", "disable")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", true)
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("audit.signing_key", "")
	v.SetDefault("audit.include_drafts", false)

	v.SetDefault("sla.run_at", "22:30")
	v.SetDefault("sla.cutoff", "18:00")
	v.SetDefault("sla.timezone", "Europe/London")
	v.SetDefault("sla.max_attempts", 3)
	v.SetDefault("sla.retry_backoff", "180s")
	v.SetDefault("sla.lock_ttl", "30m")
	v.SetDefault("sla.chaser_min_days", 15)
	v.SetDefault("sla.chaser_max_days", 20)

	v.SetDefault("calendar.bank_holiday_url", "https://www.gov.uk/bank-holidays.json")
	v.SetDefault("calendar.division", "england-and-wales")
	v.SetDefault("calendar.cache_ttl", "24h")
	v.SetDefault("calendar.static_holidays", []string{})

	v.SetDefault("routing.rules_file", "")

	v.SetDefault("licence.request_timeout", "10s")

	v.SetDefault("flags.refusal_flag_id", "")

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/caseflow")
	}

	// Environment variables override (CASEFLOW_SERVER_PORT, etc.)
	v.SetEnvPrefix("CASEFLOW")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the scheduler cannot run with.
func (c *Config) Validate() error {
	if _, err := c.SLA.Location(); err != nil {
		return err
	}
	if c.SLA.MaxAttempts < 1 {
		return fmt.Errorf("sla.max_attempts must be at least 1")
	}
	if c.SLA.ChaserMinDays > c.SLA.ChaserMaxDays {
		return fmt.Errorf("sla.chaser_min_days %d exceeds sla.chaser_max_days %d",
			c.SLA.ChaserMinDays, c.SLA.ChaserMaxDays)
	}
	for _, key := range []struct{ name, value string }{
		{"sla.run_at", c.SLA.RunAt},
		{"sla.cutoff", c.SLA.Cutoff},
	} {
		if _, err := time.Parse("15:04", key.value); err != nil {
			return fmt.Errorf("invalid %s %q: %w", key.name, key.value, err)
		}
	}
	return nil
}
