package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes environment variable overrides, e.g.
	// REPORTOOR_DATABASE_DRIVER overrides database.driver.
	EnvPrefix = "REPORTOOR"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":8080"

	// DefaultSQLitePath is the default SQLite database file.
	DefaultSQLitePath = "reportoor.db"
)

// Config is the root configuration for reportoor.
type Config struct {
	Global      GlobalConfig      `yaml:"global" mapstructure:"global"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Database    DatabaseConfig    `yaml:"database" mapstructure:"database"`
	Aggregation AggregationConfig `yaml:"aggregation" mapstructure:"aggregation"`
	Taxonomy    TaxonomyConfig    `yaml:"taxonomy" mapstructure:"taxonomy"`
	Audit       AuditConfig       `yaml:"audit" mapstructure:"audit"`
	Interrupt   InterruptConfig   `yaml:"interrupt" mapstructure:"interrupt"`
	Retention   RetentionConfig   `yaml:"retention" mapstructure:"retention"`
	Export      ExportConfig      `yaml:"export" mapstructure:"export"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// AggregationConfig tunes the retry behaviour of counter recomputation.
type AggregationConfig struct {
	// RetryInitialInterval is the first backoff delay after a conflicting
	// write.
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval" mapstructure:"retry_initial_interval"`
	// RetryMaxElapsed bounds the total time spent retrying one node before a
	// stale aggregate warning is raised.
	RetryMaxElapsed time.Duration `yaml:"retry_max_elapsed" mapstructure:"retry_max_elapsed"`
	// RepairDelay is how long a background repair waits before re-running.
	RepairDelay time.Duration `yaml:"repair_delay" mapstructure:"repair_delay"`
}

// TaxonomyConfig points at an optional YAML file of per-project defect
// subtypes that is seeded at startup.
type TaxonomyConfig struct {
	File string `yaml:"file,omitempty" mapstructure:"file"`
}

// AuditConfig configures the asynchronous audit trail.
type AuditConfig struct {
	Enabled    bool `yaml:"enabled" mapstructure:"enabled"`
	BufferSize int  `yaml:"buffer_size" mapstructure:"buffer_size"`
	Persist    bool `yaml:"persist" mapstructure:"persist"`
}

// InterruptConfig configures the stale launch supervisor.
type InterruptConfig struct {
	Enabled     bool          `yaml:"enabled" mapstructure:"enabled"`
	Interval    time.Duration `yaml:"interval" mapstructure:"interval"`
	MaxDuration time.Duration `yaml:"max_duration" mapstructure:"max_duration"`
	Concurrency int           `yaml:"concurrency" mapstructure:"concurrency"`
}

// RetentionConfig configures removal of old finished launches.
type RetentionConfig struct {
	Enabled  bool          `yaml:"enabled" mapstructure:"enabled"`
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
	// KeepFor is measured from the launch finish time.
	KeepFor time.Duration `yaml:"keep_for" mapstructure:"keep_for"`
}

// defaults lists every known key so that environment overrides are picked
// up even when the file omits the key.
var defaults = map[string]any{
	"global.log_level": DefaultLogLevel,

	"server.listen":                                   DefaultListen,
	"server.cors_origins":                             []string{},
	"server.rate_limit.enabled":                       false,
	"server.rate_limit.reporting.requests_per_minute": 6000,
	"server.rate_limit.read.requests_per_minute":      600,

	"database.driver":            "sqlite",
	"database.sqlite.path":       DefaultSQLitePath,
	"database.postgres.host":     "localhost",
	"database.postgres.port":     5432,
	"database.postgres.user":     "",
	"database.postgres.password": "",
	"database.postgres.database": "reportoor",
	"database.postgres.ssl_mode": "disable",

	"aggregation.retry_initial_interval": "10ms",
	"aggregation.retry_max_elapsed":      "2s",
	"aggregation.repair_delay":           "5s",

	"taxonomy.file": "",

	"audit.enabled":     true,
	"audit.buffer_size": 1024,
	"audit.persist":     false,

	"interrupt.enabled":      false,
	"interrupt.interval":     "10m",
	"interrupt.max_duration": "24h",
	"interrupt.concurrency":  4,

	"retention.enabled":  false,
	"retention.interval": "1h",
	"retention.keep_for": "720h",

	"export.enabled":              false,
	"export.local.enabled":        false,
	"export.local.dir":            "./exports",
	"export.local.owner":          "",
	"export.s3.enabled":           false,
	"export.s3.endpoint_url":      "",
	"export.s3.region":            "",
	"export.s3.bucket":            "",
	"export.s3.access_key_id":     "",
	"export.s3.secret_access_key": "",
	"export.s3.force_path_style":  false,
	"export.s3.prefix":            "launches",
}

// Load reads the configuration file at path, applies environment variable
// overrides and defaults. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           &cfg,
		TagName:          "mapstructure",
	})
	if err != nil {
		return nil, fmt.Errorf("creating config decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults fills values that decode to their zero value.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.Audit.BufferSize <= 0 {
		c.Audit.BufferSize = 1024
	}

	if c.Interrupt.Concurrency <= 0 {
		c.Interrupt.Concurrency = 4
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Global.LogLevel); err != nil {
		return fmt.Errorf("global.log_level: %w", err)
	}

	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if c.Aggregation.RetryMaxElapsed < 0 || c.Aggregation.RetryInitialInterval < 0 {
		return fmt.Errorf("aggregation: retry durations must not be negative")
	}

	if c.Interrupt.Enabled {
		if c.Interrupt.Interval <= 0 {
			return fmt.Errorf("interrupt.interval must be positive")
		}

		if c.Interrupt.MaxDuration <= 0 {
			return fmt.Errorf("interrupt.max_duration must be positive")
		}
	}

	if c.Retention.Enabled {
		if c.Retention.Interval <= 0 {
			return fmt.Errorf("retention.interval must be positive")
		}

		if c.Retention.KeepFor <= 0 {
			return fmt.Errorf("retention.keep_for must be positive")
		}
	}

	if err := c.Export.Validate(); err != nil {
		return fmt.Errorf("export: %w", err)
	}

	return nil
}
