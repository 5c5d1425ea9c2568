// Package config loads server configuration from the environment and the
// operator policy profile.
package config

import (
	"fmt"
	"os"
)

// Config holds server configuration.
type Config struct {
	Port             string
	LogLevel         string
	DatabaseURL      string
	RedisURL         string
	LabelAPIBaseURL  string
	LabelAPIKey      string
	WebhookSecret    string
	WebhookBaseURL   string // override for registering webhook endpoints
	DocStoreBaseURL  string
	OTLPEndpoint     string
	OTLPAPIKey       string
	PolicyProfile    string // path to policy YAML, optional
	ServiceName      string
	ServiceVersion   string
	Environment      string
	TelemetryEnabled bool
}

// Load loads configuration from environment variables. Missing required
// values abort startup with a descriptive error.
func Load() (*Config, error) {
	cfg := &Config{
		Port:             getenv("PORT", "8080"),
		LogLevel:         getenv("LOG_LEVEL", "INFO"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		LabelAPIBaseURL:  getenv("LABEL_API_BASE_URL", "https://api.shipstation.com"),
		LabelAPIKey:      os.Getenv("LABEL_API_KEY"),
		WebhookSecret:    os.Getenv("WEBHOOK_SECRET"),
		WebhookBaseURL:   os.Getenv("WEBHOOK_BASE_URL"),
		DocStoreBaseURL:  getenv("DOCSTORE_BASE_URL", "http://localhost:9099"),
		OTLPEndpoint:     getenv("OTLP_ENDPOINT", "localhost:4317"),
		OTLPAPIKey:       os.Getenv("OTLP_API_KEY"),
		PolicyProfile:    os.Getenv("POLICY_PROFILE"),
		ServiceName:      getenv("SERVICE_NAME", "fulfillment-core"),
		ServiceVersion:   getenv("SERVICE_VERSION", "dev"),
		Environment:      getenv("ENVIRONMENT", "development"),
		TelemetryEnabled: os.Getenv("TELEMETRY_DISABLED") != "true",
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	if cfg.LabelAPIKey == "" {
		return nil, fmt.Errorf("LABEL_API_KEY is required")
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
