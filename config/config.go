package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Identity store (optional; static keys from the limits file when unset)
	PostgresDSN string

	// Shared state (required when a redis-backed store is selected)
	RedisAddr string

	// Inference backend
	BackendURL string

	// Admin endpoints (invalidation); disabled when unset
	AdminToken string

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Tiers, endpoint costs, model versions, store selection
	Limits *Limits
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		BackendURL:           os.Getenv("BACKEND_URL"),
		AdminToken:           os.Getenv("ADMIN_TOKEN"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	limits := DefaultLimits()
	if path := os.Getenv("LIMITS_CONFIG"); path != "" {
		var err error
		limits, err = LoadLimits(path)
		if err != nil {
			return nil, err
		}
	}
	cfg.Limits = limits

	// Validation
	if cfg.BackendURL == "" {
		return nil, fmt.Errorf("BACKEND_URL is required")
	}
	if cfg.RedisAddr == "" && cfg.Limits.NeedsRedis() {
		return nil, fmt.Errorf("REDIS_ADDR is required when a redis store is configured")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
