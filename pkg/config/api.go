package config

import (
	"fmt"

	"github.com/ethpandaops/reportoor/pkg/fsutil"
)

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled   bool          `yaml:"enabled" mapstructure:"enabled"`
	Reporting RateLimitTier `yaml:"reporting,omitempty" mapstructure:"reporting"`
	Read      RateLimitTier `yaml:"read,omitempty" mapstructure:"read"`
}

// RateLimitTier defines request limits for a specific tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// Validate checks the driver selection.
func (c *DatabaseConfig) Validate() error {
	switch c.Driver {
	case "sqlite":
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite.path is required")
		}
	case "postgres":
		if c.Postgres.Host == "" || c.Postgres.Database == "" {
			return fmt.Errorf("postgres.host and postgres.database are required")
		}
	default:
		return fmt.Errorf("unsupported driver %q", c.Driver)
	}

	return nil
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// ExportConfig controls where finished launch snapshots are written.
// Only one backend (S3 or local) may be enabled at a time.
type ExportConfig struct {
	Enabled bool              `yaml:"enabled" mapstructure:"enabled"`
	S3      S3ExportConfig    `yaml:"s3,omitempty" mapstructure:"s3"`
	Local   LocalExportConfig `yaml:"local,omitempty" mapstructure:"local"`
}

// Validate checks that exactly one backend is configured when enabled.
func (c *ExportConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.S3.Enabled && c.Local.Enabled {
		return fmt.Errorf("only one of s3 or local may be enabled")
	}

	if !c.S3.Enabled && !c.Local.Enabled {
		return fmt.Errorf("enabled but no backend configured")
	}

	if c.S3.Enabled && c.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required")
	}

	if c.Local.Enabled && c.Local.Dir == "" {
		return fmt.Errorf("local.dir is required")
	}

	if _, err := fsutil.ParseOwner(c.Local.Owner); err != nil {
		return fmt.Errorf("local.owner: %w", err)
	}

	return nil
}

// LocalExportConfig writes snapshots below a local directory.
type LocalExportConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Dir     string `yaml:"dir" mapstructure:"dir"`
	// Owner is an optional "UID:GID" applied to created files and dirs.
	Owner string `yaml:"owner,omitempty" mapstructure:"owner"`
}

// S3ExportConfig contains S3 settings for snapshot uploads.
type S3ExportConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
}
