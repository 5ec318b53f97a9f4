// Package config loads ledger configuration from a .env file, an optional
// config file and LEDGER_ environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sheikh-saqib/usage-ledger/internal/plans"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig
	Log       LogConfig
	Database  DatabaseConfig
	Kafka     KafkaConfig
	Plans     plans.Limits
	Accounts  map[string]string
	Scheduler SchedulerConfig
	Telemetry TelemetryConfig
}

type AppConfig struct {
	Name string
	Env  string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// Database drivers.
const (
	DriverMemory       = "memory"
	DriverPostgres     = "postgres"
	DriverGormPostgres = "gorm-postgres"
	DriverSQLite       = "sqlite"
)

type DatabaseConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

type SchedulerConfig struct {
	GrantEnabled     bool
	GrantInterval    time.Duration
	SweepEnabled     bool
	SweepInterval    time.Duration
	ProvisionTimeout time.Duration
}

type TelemetryConfig struct {
	Enabled        bool
	Endpoint       string
	Insecure       bool
	ServiceName    string
	ExportInterval time.Duration
}

// Load reads configuration. configFile may be empty, in which case
// config.yaml is looked up in . and ./config.
//
// Priority (highest to lowest):
// 1. Environment variables with LEDGER_ prefix (e.g., LEDGER_DATABASE_DSN),
// including those set by a .env file in the working directory
// 2. the config file
// 3. Built-in defaults
func Load(configFile string) (*Config, error) {
	// A missing .env file is fine; a malformed one is not.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Database: DatabaseConfig{
			Driver:          v.GetString("database.driver"),
			DSN:             v.GetString("database.dsn"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
			AutoMigrate:     v.GetBool("database.auto_migrate"),
		},
		Kafka: KafkaConfig{
			Enabled: v.GetBool("kafka.enabled"),
			Brokers: splitList(v.GetStringSlice("kafka.brokers")),
			Topic:   v.GetString("kafka.topic"),
		},
		Plans:    plans.DefaultLimits().Merge(planOverrides(v)),
		Accounts: v.GetStringMapString("accounts"),
		Scheduler: SchedulerConfig{
			GrantEnabled:     v.GetBool("scheduler.grant_enabled"),
			GrantInterval:    v.GetDuration("scheduler.grant_interval"),
			SweepEnabled:     v.GetBool("scheduler.sweep_enabled"),
			SweepInterval:    v.GetDuration("scheduler.sweep_interval"),
			ProvisionTimeout: v.GetDuration("scheduler.provision_timeout"),
		},
		Telemetry: TelemetryConfig{
			Enabled:        v.GetBool("telemetry.enabled"),
			Endpoint:       v.GetString("telemetry.endpoint"),
			Insecure:       v.GetBool("telemetry.insecure"),
			ServiceName:    v.GetString("telemetry.service_name"),
			ExportInterval: v.GetDuration("telemetry.export_interval"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "usage-ledger")
	v.SetDefault("app.env", "development")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")

	v.SetDefault("database.driver", DriverMemory)
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "")

	v.SetDefault("scheduler.grant_enabled", true)
	v.SetDefault("scheduler.grant_interval", time.Hour)
	v.SetDefault("scheduler.sweep_enabled", false)
	v.SetDefault("scheduler.sweep_interval", 10*time.Minute)
	v.SetDefault("scheduler.provision_timeout", time.Hour)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "localhost:4317")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.service_name", "usage-ledger")
	v.SetDefault("telemetry.export_interval", 30*time.Second)
}

// planOverrides reads plans.<tier> entries. Viper lower-cases keys, so known
// tiers are matched back to their canonical spelling.
func planOverrides(v *viper.Viper) map[string]int64 {
	canonical := make(map[string]string)
	for tier := range plans.DefaultLimits() {
		canonical[strings.ToLower(tier)] = tier
	}

	overrides := make(map[string]int64)
	for key := range v.GetStringMap("plans") {
		tier := key
		if c, ok := canonical[key]; ok {
			tier = c
		}
		overrides[tier] = v.GetInt64("plans." + key)
	}
	// Env-only overrides of the built-in tiers.
	for lower, tier := range canonical {
		if _, seen := overrides[tier]; !seen && v.IsSet("plans."+lower) {
			overrides[tier] = v.GetInt64("plans." + lower)
		}
	}
	return overrides
}

// splitList accepts both YAML lists and comma-separated env values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	switch c.Database.Driver {
	case DriverMemory:
	case DriverPostgres, DriverGormPostgres, DriverSQLite:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver)
		}
	default:
		return fmt.Errorf("database.driver must be one of memory, postgres, gorm-postgres, sqlite; got %q", c.Database.Driver)
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}

	if c.Scheduler.GrantEnabled && c.Scheduler.GrantInterval <= 0 {
		return fmt.Errorf("scheduler.grant_interval must be positive")
	}
	if c.Scheduler.SweepEnabled {
		if c.Scheduler.SweepInterval <= 0 {
			return fmt.Errorf("scheduler.sweep_interval must be positive")
		}
		if c.Scheduler.ProvisionTimeout <= 0 {
			return fmt.Errorf("scheduler.provision_timeout must be positive")
		}
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
	}
	return nil
}
