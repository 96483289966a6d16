package am

import (
	"github.com/spf13/viper"
)

// Engine fallbacks used when nothing else is configured
const (
	DefaultDatabasePath    = "prompter.db"
	DefaultProviderTimeout = 60  // seconds per provider attempt
	DefaultMaxRetries      = 2   // additional attempts for transient failures
	DefaultRetryBackoffMS  = 500 // first backoff, doubled per attempt
	DefaultWatchDebounceMS = 500
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath)

	v.SetDefault("engine.default_provider", "")
	v.SetDefault("engine.default_model", "")
	v.SetDefault("engine.provider_timeout_seconds", DefaultProviderTimeout)
	v.SetDefault("engine.max_retries", DefaultMaxRetries)
	v.SetDefault("engine.retry_backoff_ms", DefaultRetryBackoffMS)
	v.SetDefault("engine.single_flight", false)
	v.SetDefault("engine.schema_validation", true)
	v.SetDefault("engine.catalog_path", "")

	v.SetDefault("templates.dir", "prompts")
	v.SetDefault("templates.watch_debounce_ms", DefaultWatchDebounceMS)

	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	_ = v.BindEnv("engine.secret_key", "PROMPTER_SECRET_KEY")
}
