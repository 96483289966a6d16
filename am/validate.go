package am

import "github.com/teranos/prompter/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database.path cannot be empty")
	}

	// Zero means zero: no retries, no backoff. Negative is never meaningful.
	if c.Engine.MaxRetries < 0 {
		return errors.Newf("engine.max_retries must be >= 0, got %d", c.Engine.MaxRetries)
	}
	if c.Engine.RetryBackoffMS < 0 {
		return errors.Newf("engine.retry_backoff_ms must be >= 0, got %d", c.Engine.RetryBackoffMS)
	}

	// Every provider call must be bounded
	if c.Engine.ProviderTimeoutSeconds <= 0 {
		return errors.Newf("engine.provider_timeout_seconds must be > 0, got %d", c.Engine.ProviderTimeoutSeconds)
	}

	if c.Engine.DefaultModel != "" && c.Engine.DefaultProvider == "" {
		return errors.WithHint(
			errors.New("engine.default_model requires engine.default_provider"),
			"set engine.default_provider to the provider that serves the model",
		)
	}

	if c.Templates.WatchDebounceMS < 0 {
		return errors.Newf("templates.watch_debounce_ms must be >= 0, got %d", c.Templates.WatchDebounceMS)
	}

	return nil
}
