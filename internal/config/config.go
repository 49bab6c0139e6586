package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the InvisiThreat service.
type Config struct {
	// Service addresses
	HTTPPort string
	GRPCPort string // empty disables the gRPC health server

	// Persistence
	DatabaseURL string

	// AI provider selection
	FakeAI            bool
	FakeAIOnRateLimit bool
	UseAI             bool

	OpenRouterAPIKey         string
	OpenRouterBaseURL        string
	OpenRouterModel          string
	OpenRouterFallbackModels []string
	OpenRouterSiteURL        string
	OpenRouterSiteName       string

	GeminiAPIKey string
	GeminiModel  string

	AIHTTPTimeout time.Duration

	// Enrichment pool
	SyncWorkers       int
	SyncItemTimeout   time.Duration
	BackgroundTimeout time.Duration

	// Optional collaborators
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	RecommendationCacheTTL time.Duration
	NatsURL                string

	// Scanning
	ScanExtensions []string

	// Logging
	LogLevel  string
	LogFormat string

	// EnvFile is the .env file Load read, empty when none was found.
	EnvFile string
}

// Load reads configuration from environment variables and .env file.
func Load() (*Config, error) {
	envFile := loadEnvFile([]string{
		".env",
		"../.env",
		"/app/.env", // Docker
	})

	config, err := FromEnv()
	if err != nil {
		return nil, err
	}
	config.EnvFile = envFile

	return config, nil
}

// loadEnvFile loads the first readable file in paths and returns its path.
func loadEnvFile(paths []string) string {
	for _, path := range paths {
		if err := godotenv.Load(path); err == nil {
			return path
		}
	}
	return ""
}

// FromEnv builds a Config from the current process environment without
// touching any .env file.
func FromEnv() (*Config, error) {
	config := &Config{
		HTTPPort:    getEnvOrDefault("HTTP_PORT", "8000"),
		GRPCPort:    os.Getenv("GRPC_PORT"),
		DatabaseURL: getEnvOrDefault("DATABASE_URL", "sqlite:///./invisithreat.db"),

		FakeAI:            parseBoolOrDefault("FAKE_AI", false),
		FakeAIOnRateLimit: parseBoolOrDefault("FAKE_AI_ON_RATE_LIMIT", false),
		UseAI:             parseBoolOrDefault("USE_AI", true),

		OpenRouterAPIKey:         os.Getenv("OPENROUTER_API_KEY"),
		OpenRouterBaseURL:        getEnvOrDefault("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
		OpenRouterModel:          getEnvOrDefault("OPENROUTER_MODEL", "google/gemma-3-27b-it:free"),
		OpenRouterFallbackModels: splitList(getEnvOrDefault("OPENROUTER_FALLBACK_MODELS", "google/gemma-3-12b-it:free,google/gemma-3-4b-it:free")),
		OpenRouterSiteURL:        os.Getenv("OPENROUTER_SITE_URL"),
		OpenRouterSiteName:       os.Getenv("OPENROUTER_SITE_NAME"),

		GeminiAPIKey: os.Getenv("GEMINI_API_KEY"),
		GeminiModel:  getEnvOrDefault("GEMINI_MODEL", "gemini-2.0-flash"),

		AIHTTPTimeout: parseDurationOrDefault("AI_HTTP_TIMEOUT", 60*time.Second),

		SyncWorkers:       parseIntOrDefault("AI_SYNC_WORKERS", 4),
		SyncItemTimeout:   parseDurationOrDefault("AI_SYNC_TIMEOUT", 8*time.Second),
		BackgroundTimeout: parseDurationOrDefault("AI_BACKGROUND_TIMEOUT", 90*time.Second),

		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                parseIntOrDefault("REDIS_DB", 0),
		RecommendationCacheTTL: parseDurationOrDefault("RECOMMENDATION_CACHE_TTL", 24*time.Hour),
		NatsURL:                os.Getenv("NATS_URL"),

		ScanExtensions: splitList(getEnvOrDefault("SCAN_EXTENSIONS", ".py")),

		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "json"),
	}

	if _, ok := os.LookupEnv("GRPC_PORT"); !ok {
		config.GRPCPort = "50051"
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.HTTPPort == "" {
		return fmt.Errorf("HTTP_PORT is required")
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.SyncWorkers < 1 {
		return fmt.Errorf("AI_SYNC_WORKERS must be at least 1")
	}

	if c.SyncItemTimeout <= 0 {
		return fmt.Errorf("AI_SYNC_TIMEOUT must be positive")
	}

	if c.BackgroundTimeout <= 0 {
		return fmt.Errorf("AI_BACKGROUND_TIMEOUT must be positive")
	}

	if c.AIHTTPTimeout <= 0 {
		return fmt.Errorf("AI_HTTP_TIMEOUT must be positive")
	}

	if len(c.ScanExtensions) == 0 {
		return fmt.Errorf("SCAN_EXTENSIONS must list at least one extension")
	}

	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}

	return nil
}

// ProviderName reports which recommendation provider the configuration selects.
func (c *Config) ProviderName() string {
	switch {
	case c.FakeAI:
		return "fake"
	case c.OpenRouterAPIKey != "":
		return "openrouter"
	case c.GeminiAPIKey != "":
		return "gemini"
	default:
		return "none"
	}
}

// Helper functions
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

func parseBoolOrDefault(key string, defaultValue bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch value {
	case "":
		return defaultValue
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

// parseDurationOrDefault accepts Go durations ("8s") or bare seconds ("8").
func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	var seconds int
	if _, err := fmt.Sscanf(value, "%d", &seconds); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
