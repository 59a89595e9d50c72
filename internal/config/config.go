// Package config loads buildforge configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the server.
type Config struct {
	Environment string
	Port        string
	DatabaseURL string
	RedisURL    string

	// Platform AI provider keys. Empty means the provider is not configured.
	ClaudeAPIKey  string
	OpenAIAPIKey  string
	GeminiAPIKey  string
	GrokAPIKey    string
	OllamaBaseURL string

	// Master key for encrypting user-provided (BYOK) provider keys.
	SecretsMasterKey string

	// Orchestrator tuning.
	MaxWorkers       int
	MaxTaskRetries   int
	MaxBuildRequests int
	ProviderTimeout  time.Duration
	WatchdogInterval time.Duration
	WatchdogStrikes  int
	BuildTimeout     time.Duration

	// CORS
	AllowedOrigins []string
}

// Load reads .env (when present) and the process environment.
func Load() *Config {
	// Missing .env is normal in production; system env wins either way.
	_ = godotenv.Load()

	return &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		ClaudeAPIKey:  os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
		GeminiAPIKey:  os.Getenv("GEMINI_API_KEY"),
		GrokAPIKey:    os.Getenv("XAI_API_KEY"),
		OllamaBaseURL: os.Getenv("OLLAMA_BASE_URL"),

		SecretsMasterKey: os.Getenv("SECRETS_MASTER_KEY"),

		MaxWorkers:       getEnvInt("FORGE_MAX_WORKERS", 8),
		MaxTaskRetries:   getEnvInt("FORGE_MAX_TASK_RETRIES", 3),
		MaxBuildRequests: getEnvInt("FORGE_MAX_BUILD_REQUESTS", 120),
		ProviderTimeout:  getEnvDuration("FORGE_PROVIDER_TIMEOUT", 90*time.Second),
		WatchdogInterval: getEnvDuration("FORGE_WATCHDOG_INTERVAL", 2*time.Minute),
		WatchdogStrikes:  getEnvInt("FORGE_WATCHDOG_STRIKES", 3),
		BuildTimeout:     getEnvDuration("FORGE_BUILD_TIMEOUT", 30*time.Minute),

		AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{
			"http://localhost:3000",
			"http://localhost:5173",
		}),
	}
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
