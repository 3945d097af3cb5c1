// Package config loads application configuration from defaults, an optional
// YAML file and INGEST_ environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides. Nesting uses "__",
// e.g. INGEST_ADMISSION__DAILY_QUOTA=10.
const EnvPrefix = "INGEST_"

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config is the application configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Log       LogConfig       `koanf:"log"`
	Storage   StorageConfig   `koanf:"storage"`
	Database  DatabaseConfig  `koanf:"database"`
	SQLite    SQLiteConfig    `koanf:"sqlite"`
	Admission AdmissionConfig `koanf:"admission"`
	Queue     QueueConfig     `koanf:"queue"`
	Executor  ExecutorConfig  `koanf:"executor"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Discovery EndpointConfig  `koanf:"discovery"`
	Worker    EndpointConfig  `koanf:"worker"`
	Forward   ForwardConfig   `koanf:"forward"`
}

// ServerConfig configures the API and metrics servers.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port" validate:"required"`
	MetricsPort       string        `koanf:"metrics_port" validate:"required"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	CORSOrigins       []string      `koanf:"cors_origins"`
	// APIToken protects /api/v1 when set.
	APIToken string `koanf:"api_token"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

// StorageConfig selects the queue store.
type StorageConfig struct {
	Driver string `koanf:"driver" validate:"oneof=postgres sqlite"`
}

// DatabaseConfig configures PostgreSQL.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"min=1"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts" validate:"min=1"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
	// LockID is the advisory lock key that keeps a second instance from scheduling.
	LockID int64 `koanf:"lock_id"`
}

// SQLiteConfig configures the SQLite store.
type SQLiteConfig struct {
	Path        string        `koanf:"path"`
	BusyTimeout time.Duration `koanf:"busy_timeout"`
}

// AdmissionConfig configures pacing.
type AdmissionConfig struct {
	DailyQuota      int           `koanf:"daily_quota" validate:"min=1"`
	MinSpacing      time.Duration `koanf:"min_spacing"`
	MaxSpacing      time.Duration `koanf:"max_spacing"`
	DayBoundaryHour int           `koanf:"day_boundary_hour" validate:"min=0,max=23"`
	Timezone        string        `koanf:"timezone"`
}

// QueueConfig configures the work queue.
type QueueConfig struct {
	MaxAttempts    int  `koanf:"max_attempts" validate:"min=1"`
	RecoverOnStart bool `koanf:"recover_on_start"`
}

// ExecutorConfig configures execution.
type ExecutorConfig struct {
	ExecTimeout         time.Duration `koanf:"exec_timeout"`
	ThrottleCooldown    time.Duration `koanf:"throttle_cooldown"`
	ThrottleSignatures  []string      `koanf:"throttle_signatures"`
	PermanentSignatures []string      `koanf:"permanent_signatures"`
}

// SchedulerConfig configures the control loop triggers.
type SchedulerConfig struct {
	PoolSize          int           `koanf:"pool_size" validate:"min=2"`
	Discover          string        `koanf:"discover" validate:"required"`
	Drain             string        `koanf:"drain" validate:"required"`
	Prune             string        `koanf:"prune" validate:"required"`
	Health            string        `koanf:"health" validate:"required"`
	TriggerTimeout    time.Duration `koanf:"trigger_timeout"`
	DrainBatch        int           `koanf:"drain_batch" validate:"min=1"`
	Retention         time.Duration `koanf:"retention"`
	StuckThreshold    time.Duration `koanf:"stuck_threshold"`
	DiscoverLookback  time.Duration `koanf:"discover_lookback"`
	DiscoveryPriority int           `koanf:"discovery_priority"`
}

// EndpointConfig configures an HTTP collaborator.
type EndpointConfig struct {
	URL       string        `koanf:"url" validate:"omitempty,url"`
	AuthToken string        `koanf:"auth_token"`
	Timeout   time.Duration `koanf:"timeout"`
}

// ForwardConfig configures the downstream webhook.
type ForwardConfig struct {
	URL         string        `koanf:"url" validate:"omitempty,url"`
	AuthToken   string        `koanf:"auth_token"`
	Timeout     time.Duration `koanf:"timeout"`
	RateLimit   float64       `koanf:"rate_limit" validate:"min=0"`
	MaxAttempts int           `koanf:"max_attempts" validate:"min=1"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      15 * time.Minute,
			IdleTimeout:       60 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: StorageConfig{
			Driver: DriverPostgres,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
			AutoMigrate:     true,
			LockID:          7422,
		},
		SQLite: SQLiteConfig{
			Path:        "data/ingest.db",
			BusyTimeout: 5 * time.Second,
		},
		Admission: AdmissionConfig{
			DailyQuota:      5,
			MinSpacing:      1 * time.Hour,
			MaxSpacing:      2 * time.Hour,
			DayBoundaryHour: 8,
			Timezone:        "Local",
		},
		Queue: QueueConfig{
			MaxAttempts:    3,
			RecoverOnStart: true,
		},
		Executor: ExecutorConfig{
			ExecTimeout:      10 * time.Minute,
			ThrottleCooldown: 120 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			PoolSize:          4,
			Discover:          "0 8 * * *",
			Drain:             "2h",
			Prune:             "0 0 * * *",
			Health:            "30m",
			TriggerTimeout:    5 * time.Minute,
			DrainBatch:        1,
			Retention:         7 * 24 * time.Hour,
			DiscoverLookback:  24 * time.Hour,
			DiscoveryPriority: 1,
		},
		Discovery: EndpointConfig{
			Timeout: 60 * time.Second,
		},
		Worker: EndpointConfig{
			Timeout: 10 * time.Minute,
		},
		Forward: ForwardConfig{
			Timeout:     30 * time.Second,
			RateLimit:   1,
			MaxAttempts: 3,
		},
	}
}

// Load builds and validates the configuration. path may be empty.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read builds the configuration without validating it.
func Read(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Storage.Driver == DriverPostgres && c.Database.URL == "" {
		return fmt.Errorf("invalid config: database.url is required for the postgres driver")
	}
	if c.Storage.Driver == DriverSQLite && c.SQLite.Path == "" {
		return fmt.Errorf("invalid config: sqlite.path is required for the sqlite driver")
	}
	if c.Admission.MaxSpacing < c.Admission.MinSpacing {
		return fmt.Errorf("invalid config: admission.max_spacing must not be less than min_spacing")
	}
	if c.Worker.URL == "" {
		return fmt.Errorf("invalid config: worker.url is required")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Location resolves the admission timezone.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Admission.Timezone)
	if tz == "" || strings.EqualFold(tz, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	return loc, nil
}
