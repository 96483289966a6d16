package am

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)

	assert.Equal(t, DefaultDatabasePath, cfg.Database.Path)
	assert.Equal(t, DefaultMaxRetries, cfg.Engine.MaxRetries)
	assert.Equal(t, DefaultProviderTimeout, cfg.Engine.ProviderTimeoutSeconds)
	assert.True(t, cfg.Engine.SchemaValidation)
	assert.False(t, cfg.Engine.SingleFlight)
	assert.Equal(t, "info", cfg.Log.Level)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Database: DatabaseConfig{Path: "prompter.db"},
			Engine:   EngineConfig{ProviderTimeoutSeconds: 30},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"baseline", func(*Config) {}, false},
		{"zero retries is valid", func(c *Config) { c.Engine.MaxRetries = 0 }, false},
		{"negative retries", func(c *Config) { c.Engine.MaxRetries = -1 }, true},
		{"negative backoff", func(c *Config) { c.Engine.RetryBackoffMS = -5 }, true},
		{"zero timeout", func(c *Config) { c.Engine.ProviderTimeoutSeconds = 0 }, true},
		{"empty database path", func(c *Config) { c.Database.Path = "" }, true},
		{"model without provider", func(c *Config) { c.Engine.DefaultModel = "gpt-4o-mini" }, true},
		{"model with provider", func(c *Config) {
			c.Engine.DefaultProvider = "openai"
			c.Engine.DefaultModel = "gpt-4o-mini"
		}, false},
		{"negative debounce", func(c *Config) { c.Templates.WatchDebounceMS = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	content := `
[database]
path = "/tmp/engine.db"

[engine]
default_provider = "anthropic"
default_model = "claude-sonnet-4-20250514"
max_retries = 0
single_flight = true
`
	require.NoError(t, os.WriteFile(path, []byte(content), DefaultFilePermissions))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/engine.db", cfg.Database.Path)
	assert.Equal(t, "anthropic", cfg.Engine.DefaultProvider)
	assert.Equal(t, 0, cfg.Engine.MaxRetries)
	assert.True(t, cfg.Engine.SingleFlight)
	// untouched keys keep their defaults
	assert.Equal(t, DefaultRetryBackoffMS, cfg.Engine.RetryBackoffMS)
}

func TestMergeConfigFiles_LaterWins(t *testing.T) {
	dir := t.TempDir()
	system := filepath.Join(dir, "system.toml")
	project := filepath.Join(dir, "project.toml")
	require.NoError(t, os.WriteFile(system, []byte("[engine]\nmax_retries = 5\nretry_backoff_ms = 100\n"), DefaultFilePermissions))
	require.NoError(t, os.WriteFile(project, []byte("[engine]\nmax_retries = 1\n"), DefaultFilePermissions))

	v := viper.New()
	SetDefaults(v)
	mergeConfigFiles(v, []string{system, filepath.Join(dir, "missing.toml"), project})

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Engine.MaxRetries)
	assert.Equal(t, 100, cfg.Engine.RetryBackoffMS)
}

func TestFindProjectConfig(t *testing.T) {
	tmpDir := t.TempDir()
	oldWd, err := os.Getwd()
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.Chdir(oldWd) })

	t.Run("walks up to am.toml", func(t *testing.T) {
		subDir := filepath.Join(tmpDir, "found", "a", "b")
		require.NoError(t, os.MkdirAll(subDir, DefaultDirPermissions))
		require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "found", "am.toml"), nil, DefaultFilePermissions))
		require.NoError(t, os.Chdir(subDir))

		result := findProjectConfig()
		assert.True(t, filepath.IsAbs(result))
		assert.Equal(t, "am.toml", filepath.Base(result))
	})

	t.Run("no config found", func(t *testing.T) {
		subDir := filepath.Join(tmpDir, "empty", "subdir")
		require.NoError(t, os.MkdirAll(subDir, DefaultDirPermissions))
		require.NoError(t, os.Chdir(subDir))

		// the temp dir lives outside any project, but guard against a stray am.toml above it
		if result := findProjectConfig(); result != "" {
			assert.False(t, strings.HasPrefix(result, tmpDir), "unexpected config %s", result)
		}
	})
}

func TestMarshalOmitsSecret(t *testing.T) {
	cfg := &Config{
		Database: DatabaseConfig{Path: "prompter.db"},
		Engine:   EngineConfig{DefaultProvider: "openrouter", SecretKey: "hunter2"},
	}

	for _, format := range []string{"toml", "json", "yaml"} {
		t.Run(format, func(t *testing.T) {
			out, err := cfg.Marshal(format)
			require.NoError(t, err)
			assert.Contains(t, string(out), "openrouter")
			assert.NotContains(t, string(out), "hunter2")
		})
	}

	_, err := cfg.Marshal("xml")
	assert.Error(t, err)
}
