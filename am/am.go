// Package am loads the prompter configuration ("am" as in "I am configured
// like this") from TOML files and PROMPTER_* environment variables.
package am

import "time"

// Config represents the full prompter configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database" toml:"database" json:"database" yaml:"database"`
	Engine    EngineConfig    `mapstructure:"engine" toml:"engine" json:"engine" yaml:"engine"`
	Templates TemplatesConfig `mapstructure:"templates" toml:"templates" json:"templates" yaml:"templates"`
	Log       LogConfig       `mapstructure:"log" toml:"log" json:"log" yaml:"log"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path" json:"path" yaml:"path"`
}

// EngineConfig configures routing, retries and caching behaviour of the
// execution engine.
type EngineConfig struct {
	DefaultProvider        string `mapstructure:"default_provider" toml:"default_provider" json:"default_provider" yaml:"default_provider"`
	DefaultModel           string `mapstructure:"default_model" toml:"default_model" json:"default_model" yaml:"default_model"`
	ProviderTimeoutSeconds int    `mapstructure:"provider_timeout_seconds" toml:"provider_timeout_seconds" json:"provider_timeout_seconds" yaml:"provider_timeout_seconds"`
	MaxRetries             int    `mapstructure:"max_retries" toml:"max_retries" json:"max_retries" yaml:"max_retries"`             // additional attempts after the first
	RetryBackoffMS         int    `mapstructure:"retry_backoff_ms" toml:"retry_backoff_ms" json:"retry_backoff_ms" yaml:"retry_backoff_ms"` // doubled per attempt
	SingleFlight           bool   `mapstructure:"single_flight" toml:"single_flight" json:"single_flight" yaml:"single_flight"`
	SchemaValidation       bool   `mapstructure:"schema_validation" toml:"schema_validation" json:"schema_validation" yaml:"schema_validation"`
	CatalogPath            string `mapstructure:"catalog_path" toml:"catalog_path" json:"catalog_path" yaml:"catalog_path"` // empty = built-in catalog
	SecretKey              string `mapstructure:"secret_key" toml:"-" json:"-" yaml:"-"`                                   // encrypts stored credentials
}

// TemplatesConfig configures template document import
type TemplatesConfig struct {
	Dir             string `mapstructure:"dir" toml:"dir" json:"dir" yaml:"dir"`
	WatchDebounceMS int    `mapstructure:"watch_debounce_ms" toml:"watch_debounce_ms" json:"watch_debounce_ms" yaml:"watch_debounce_ms"`
}

// LogConfig configures the global logger
type LogConfig struct {
	JSON  bool   `mapstructure:"json" toml:"json" json:"json" yaml:"json"`
	Level string `mapstructure:"level" toml:"level" json:"level" yaml:"level"`
}

// ProviderTimeout returns the per-attempt provider call timeout.
func (c EngineConfig) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSeconds) * time.Second
}

// RetryBackoff returns the base delay between provider attempts.
func (c EngineConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMS) * time.Millisecond
}

// WatchDebounce returns the template watcher debounce period.
func (c TemplatesConfig) WatchDebounce() time.Duration {
	return time.Duration(c.WatchDebounceMS) * time.Millisecond
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	return c.Database.Path
}

// File and directory permission constants
const (
	DefaultFilePermissions = 0644 // rw-r--r--
	DefaultDirPermissions  = 0755 // rwxr-xr-x
)
