package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	for _, key := range []string{
		"HTTP_PORT", "DATABASE_URL", "FAKE_AI", "USE_AI", "OPENROUTER_API_KEY",
		"GEMINI_API_KEY", "AI_SYNC_WORKERS", "AI_SYNC_TIMEOUT", "AI_BACKGROUND_TIMEOUT",
		"SCAN_EXTENSIONS", "LOG_FORMAT", "OPENROUTER_FALLBACK_MODELS",
	} {
		t.Setenv(key, "")
	}

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.HTTPPort)
	assert.Equal(t, "sqlite:///./invisithreat.db", cfg.DatabaseURL)
	assert.False(t, cfg.FakeAI)
	assert.True(t, cfg.UseAI)
	assert.Equal(t, 4, cfg.SyncWorkers)
	assert.Equal(t, 8*time.Second, cfg.SyncItemTimeout)
	assert.Equal(t, 90*time.Second, cfg.BackgroundTimeout)
	assert.Equal(t, []string{".py"}, cfg.ScanExtensions)
	assert.Equal(t, []string{"google/gemma-3-12b-it:free", "google/gemma-3-4b-it:free"}, cfg.OpenRouterFallbackModels)
	assert.Equal(t, "none", cfg.ProviderName())
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("FAKE_AI", "yes")
	t.Setenv("USE_AI", "0")
	t.Setenv("AI_SYNC_TIMEOUT", "3")
	t.Setenv("AI_BACKGROUND_TIMEOUT", "2m")
	t.Setenv("SCAN_EXTENSIONS", ".py, .pyw")
	t.Setenv("GRPC_PORT", "")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.True(t, cfg.FakeAI)
	assert.False(t, cfg.UseAI)
	assert.Equal(t, 3*time.Second, cfg.SyncItemTimeout)
	assert.Equal(t, 2*time.Minute, cfg.BackgroundTimeout)
	assert.Equal(t, []string{".py", ".pyw"}, cfg.ScanExtensions)
	assert.Empty(t, cfg.GRPCPort)
	assert.Equal(t, "fake", cfg.ProviderName())
}

func TestConfig_ProviderName(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		want   string
	}{
		{name: "fake wins", config: Config{FakeAI: true, OpenRouterAPIKey: "k"}, want: "fake"},
		{name: "openrouter before gemini", config: Config{OpenRouterAPIKey: "k", GeminiAPIKey: "g"}, want: "openrouter"},
		{name: "gemini", config: Config{GeminiAPIKey: "g"}, want: "gemini"},
		{name: "nothing", config: Config{}, want: "none"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.config.ProviderName())
		})
	}
}

func TestConfig_Validate_MissingFields(t *testing.T) {
	valid := Config{
		HTTPPort:          "8000",
		DatabaseURL:       "sqlite:///tmp/x.db",
		SyncWorkers:       4,
		SyncItemTimeout:   time.Second,
		BackgroundTimeout: time.Second,
		AIHTTPTimeout:     time.Second,
		ScanExtensions:    []string{".py"},
		LogFormat:         "json",
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
		errMsg string
	}{
		{name: "missing http port", mutate: func(c *Config) { c.HTTPPort = "" }, errMsg: "HTTP_PORT"},
		{name: "missing database", mutate: func(c *Config) { c.DatabaseURL = "" }, errMsg: "DATABASE_URL"},
		{name: "zero workers", mutate: func(c *Config) { c.SyncWorkers = 0 }, errMsg: "AI_SYNC_WORKERS"},
		{name: "zero sync timeout", mutate: func(c *Config) { c.SyncItemTimeout = 0 }, errMsg: "AI_SYNC_TIMEOUT"},
		{name: "no extensions", mutate: func(c *Config) { c.ScanExtensions = nil }, errMsg: "SCAN_EXTENSIONS"},
		{name: "bad log format", mutate: func(c *Config) { c.LogFormat = "xml" }, errMsg: "LOG_FORMAT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)

			err := cfg.Validate()
			assert.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoadEnvFile_ReturnsFirstReadablePath(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "app.env")
	require.NoError(t, os.WriteFile(present, []byte("# local overrides\n"), 0o600))

	got := loadEnvFile([]string{filepath.Join(dir, "missing.env"), present})

	assert.Equal(t, present, got)
}

func TestLoadEnvFile_NoneFound(t *testing.T) {
	dir := t.TempDir()

	assert.Empty(t, loadEnvFile([]string{filepath.Join(dir, ".env")}))
}

func TestLoad_RecordsEnvFile(t *testing.T) {
	t.Chdir(t.TempDir())
	require.NoError(t, os.WriteFile(".env", []byte("# empty\n"), 0o600))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ".env", cfg.EnvFile)
}
