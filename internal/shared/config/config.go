package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the key-source router.
type Config struct {
	// Server
	Port string `yaml:"port"`
	Env  string `yaml:"env"`

	// Database
	DatabaseDriver string `yaml:"database_driver"` // "postgres" or "sqlite"
	DatabaseURL    string `yaml:"database_url"`

	// Redis
	RedisURL string `yaml:"redis_url"`

	// Auth
	JWTSecret string `yaml:"jwt_secret"`

	// Encryption passphrase for BYOK secrets at rest
	EncryptionKey string `yaml:"encryption_key"`

	// Platform (pooled) provider API keys
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	GeminiAPIKey    string `yaml:"gemini_api_key"`

	// Rate limiting
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`

	// Key validation
	AuthFailureThreshold int `yaml:"auth_failure_threshold"`

	// Dispatch retry/backoff
	RetryMaxAttempts    int           `yaml:"retry_max_attempts"`
	RetryBackoffInitial time.Duration `yaml:"retry_backoff_initial"`
	RetryBackoffMax     time.Duration `yaml:"retry_backoff_max"`
	ProviderTimeout     time.Duration `yaml:"provider_timeout"`

	// Policy cache
	PolicyCacheTTL time.Duration `yaml:"policy_cache_ttl"`

	// Stripe (optional; webhook route registered only when both are set)
	StripeAPIKey        string `yaml:"stripe_api_key"`
	StripeWebhookSecret string `yaml:"stripe_webhook_secret"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogPretty bool   `yaml:"log_pretty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Port:                 "8080",
		Env:                  "development",
		DatabaseDriver:       "postgres",
		RedisURL:             "redis://localhost:6379",
		RateLimitPerMinute:   100,
		AuthFailureThreshold: 3,
		RetryMaxAttempts:     3,
		RetryBackoffInitial:  200 * time.Millisecond,
		RetryBackoffMax:      2 * time.Second,
		ProviderTimeout:      60 * time.Second,
		PolicyCacheTTL:       2 * time.Minute,
		LogLevel:             "info",
		LogPretty:            true,
	}
}

// Load builds configuration from an optional YAML file plus environment
// variables. Environment always wins so deployments can override a checked-in
// file. A .env file is honored when present.
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := Default()

	if path := os.Getenv("KEYSOURCE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.Env = getEnv("ENV", cfg.Env)
	cfg.DatabaseDriver = getEnv("DATABASE_DRIVER", cfg.DatabaseDriver)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.JWTSecret = getEnv("JWT_SECRET", cfg.JWTSecret)
	cfg.EncryptionKey = getEnv("ENCRYPTION_KEY", cfg.EncryptionKey)
	cfg.OpenAIAPIKey = getEnv("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.AnthropicAPIKey = getEnv("ANTHROPIC_API_KEY", cfg.AnthropicAPIKey)
	cfg.GeminiAPIKey = getEnv("GEMINI_API_KEY", cfg.GeminiAPIKey)
	cfg.RateLimitPerMinute = getEnvInt("RATE_LIMIT_PER_MINUTE", cfg.RateLimitPerMinute)
	cfg.AuthFailureThreshold = getEnvInt("AUTH_FAILURE_THRESHOLD", cfg.AuthFailureThreshold)
	cfg.RetryMaxAttempts = getEnvInt("RETRY_MAX_ATTEMPTS", cfg.RetryMaxAttempts)
	cfg.RetryBackoffInitial = getEnvDuration("RETRY_BACKOFF_INITIAL", cfg.RetryBackoffInitial)
	cfg.RetryBackoffMax = getEnvDuration("RETRY_BACKOFF_MAX", cfg.RetryBackoffMax)
	cfg.ProviderTimeout = getEnvDuration("PROVIDER_TIMEOUT", cfg.ProviderTimeout)
	cfg.PolicyCacheTTL = getEnvDuration("POLICY_CACHE_TTL", cfg.PolicyCacheTTL)
	cfg.StripeAPIKey = getEnv("STRIPE_API_KEY", cfg.StripeAPIKey)
	cfg.StripeWebhookSecret = getEnv("STRIPE_WEBHOOK_SECRET", cfg.StripeWebhookSecret)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogPretty = getEnvBool("LOG_PRETTY", cfg.LogPretty)

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.EncryptionKey == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required")
	}

	// At least one platform provider key is required so internal-credit
	// requests have a pooled credential to run on.
	if cfg.OpenAIAPIKey == "" && cfg.AnthropicAPIKey == "" && cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("at least one provider API key is required (OPENAI_API_KEY, ANTHROPIC_API_KEY, or GEMINI_API_KEY)")
	}

	return cfg, nil
}

// StripeEnabled reports whether the Stripe top-up webhook can be served.
func (c *Config) StripeEnabled() bool {
	return c.StripeAPIKey != "" && c.StripeWebhookSecret != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
